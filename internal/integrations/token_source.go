package integrations

import (
	"context"
	"errors"
	"time"

	"github.com/sigelo/sigelo/backend/internal/contaazul"
	"go.uber.org/zap"
)

const defaultRefreshWindow = time.Minute

// TokenRefresher renews an access token from a refresh token.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (contaazul.Token, error)
}

// TokenSourceConfig wires a TokenSource.
type TokenSourceConfig struct {
	Store         *Store
	Refresher     TokenRefresher
	Provider      string
	RefreshWindow time.Duration
	Clock         func() time.Time
	Logger        *zap.Logger
}

// TokenSource hands out the stored token of a tenant, refreshing it first when
// it is about to expire.
type TokenSource struct {
	store         *Store
	refresher     TokenRefresher
	provider      string
	refreshWindow time.Duration
	clock         func() time.Time
	logger        *zap.Logger
}

// NewTokenSource builds a TokenSource. A nil Refresher disables refreshing.
func NewTokenSource(cfg TokenSourceConfig) (*TokenSource, error) {
	if cfg.Store == nil {
		return nil, errors.New("integrations: token store is required")
	}
	provider := cfg.Provider
	if provider == "" {
		provider = contaazul.ProviderName
	}
	window := cfg.RefreshWindow
	if window <= 0 {
		window = defaultRefreshWindow
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &TokenSource{
		store:         cfg.Store,
		refresher:     cfg.Refresher,
		provider:      provider,
		refreshWindow: window,
		clock:         clock,
		logger:        logger,
	}, nil
}

// Load returns the tenant's token. It fails with ErrTokenNotFound or
// ErrMissingAccessToken when the integration is not usable.
func (s *TokenSource) Load(ctx context.Context, tenantID string) (*IntegrationToken, error) {
	token, err := s.store.Get(ctx, tenantID, s.provider)
	if err != nil {
		return nil, err
	}
	if token.AccessToken == "" {
		return nil, ErrMissingAccessToken
	}
	if s.refresher == nil || token.RefreshToken == "" || !token.expiresWithin(s.clock(), s.refreshWindow) {
		return token, nil
	}

	refreshed, err := s.refresher.Refresh(ctx, token.RefreshToken)
	if err != nil {
		s.logger.Warn("oauth token refresh failed",
			zap.String("tenant_id", tenantID),
			zap.String("provider", s.provider),
			zap.Error(err))
		return nil, err
	}
	if err := s.store.UpdateTokens(ctx, token.ID, refreshed); err != nil {
		return nil, err
	}
	s.logger.Info("oauth token refreshed", zap.String("tenant_id", tenantID), zap.String("provider", s.provider))
	return s.store.Get(ctx, tenantID, s.provider)
}

// UpdateMetadata persists a metadata document on the token row.
func (s *TokenSource) UpdateMetadata(ctx context.Context, tokenID string, metadata Metadata) error {
	return s.store.UpdateMetadata(ctx, tokenID, metadata)
}
