package reporting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultChannel is the pub/sub channel shared by every API instance.
const DefaultChannel = "sigelo:invalidations"

var errMissingRedisClient = errors.New("reporting: redis client is required")

// RedisPublisher broadcasts invalidations to every instance subscribed to the channel.
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisPublisher builds a publisher on channel, or DefaultChannel when empty.
func NewRedisPublisher(client redis.UniversalClient, channel string) (*RedisPublisher, error) {
	if client == nil {
		return nil, errMissingRedisClient
	}
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{client: client, channel: channel}, nil
}

// Publish encodes invalidation as JSON and publishes it.
func (p *RedisPublisher) Publish(ctx context.Context, invalidation Invalidation) error {
	payload, err := json.Marshal(invalidation)
	if err != nil {
		return fmt.Errorf("encode invalidation: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish invalidation: %w", err)
	}
	return nil
}

// RedisRelay forwards invalidations received on the channel to a local Invalidator,
// usually the Dispatcher feeding this instance's event streams.
type RedisRelay struct {
	client  redis.UniversalClient
	channel string
	target  Invalidator
	logger  *zap.Logger
}

// NewRedisRelay builds a relay from channel into target.
func NewRedisRelay(client redis.UniversalClient, channel string, target Invalidator, logger *zap.Logger) (*RedisRelay, error) {
	if client == nil {
		return nil, errMissingRedisClient
	}
	if target == nil {
		return nil, errors.New("reporting: relay target is required")
	}
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRelay{client: client, channel: channel, target: target, logger: logger}, nil
}

// Run consumes the channel until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.logger.Info("invalidation relay subscribed", zap.String("channel", r.channel))

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case message, ok := <-messages:
			if !ok {
				return nil
			}
			r.handle(ctx, message.Payload)
		}
	}
}

func (r *RedisRelay) handle(ctx context.Context, payload string) {
	var invalidation Invalidation
	if err := json.Unmarshal([]byte(payload), &invalidation); err != nil {
		r.logger.Warn("invalidation relay dropped malformed payload", zap.Error(err))
		return
	}
	if err := r.target.Publish(ctx, invalidation); err != nil {
		r.logger.Warn("invalidation relay delivery failed",
			zap.String("tenant_id", invalidation.TenantID),
			zap.Error(err))
	}
}
