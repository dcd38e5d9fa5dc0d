package reporting

import (
	"context"
	"sync"
	"time"
)

// Paths whose cached views go stale after a sync.
const (
	PathCustomers    = "/customers"
	PathServices     = "/services"
	PathIntegrations = "/integrations"
)

const dispatcherBufferSize = 16

// Invalidation tells subscribers of a tenant that the listed view paths are stale.
type Invalidation struct {
	TenantID  string    `json:"tenantId"`
	Paths     []string  `json:"paths"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Invalidator delivers invalidation signals.
type Invalidator interface {
	Publish(ctx context.Context, invalidation Invalidation) error
}

// Subscription selects the invalidations a stream receives. An empty Paths
// set receives every path of the tenant.
type Subscription struct {
	TenantID string
	Paths    []string
}

// Dispatcher fans invalidations out to the in-process streams watching each
// tenant. A full stream misses the signal instead of blocking the publisher.
type Dispatcher struct {
	mu         sync.RWMutex
	watchers   map[string]map[*watcher]struct{}
	bufferSize int
}

type watcher struct {
	paths  map[string]struct{}
	stream chan Invalidation
	done   chan struct{}
}

// NewDispatcher builds an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		watchers:   make(map[string]map[*watcher]struct{}),
		bufferSize: dispatcherBufferSize,
	}
}

// Subscribe opens a stream for the subscription. The stream is closed when
// ctx is done or cleanup is called, whichever happens first.
func (d *Dispatcher) Subscribe(ctx context.Context, subscription Subscription) (<-chan Invalidation, func()) {
	if subscription.TenantID == "" {
		closed := make(chan Invalidation)
		close(closed)
		return closed, func() {}
	}

	w := &watcher{
		stream: make(chan Invalidation, d.bufferSize),
		done:   make(chan struct{}),
	}
	if len(subscription.Paths) > 0 {
		w.paths = make(map[string]struct{}, len(subscription.Paths))
		for _, path := range subscription.Paths {
			w.paths[path] = struct{}{}
		}
	}

	d.mu.Lock()
	tenantWatchers, ok := d.watchers[subscription.TenantID]
	if !ok {
		tenantWatchers = make(map[*watcher]struct{})
		d.watchers[subscription.TenantID] = tenantWatchers
	}
	tenantWatchers[w] = struct{}{}
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.remove(subscription.TenantID, w)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-w.done:
		}
	}()
	return w.stream, cleanup
}

// Publish delivers invalidation to the tenant's streams watching any of its
// paths. Each stream sees only the paths it asked for.
func (d *Dispatcher) Publish(_ context.Context, invalidation Invalidation) error {
	if invalidation.TenantID == "" || len(invalidation.Paths) == 0 {
		return nil
	}
	// Sends happen under the read lock so remove cannot close a stream mid-send.
	d.mu.RLock()
	defer d.mu.RUnlock()
	for w := range d.watchers[invalidation.TenantID] {
		delivered, ok := w.filter(invalidation)
		if !ok {
			continue
		}
		select {
		case w.stream <- delivered:
		default:
		}
	}
	return nil
}

// SubscriberCount reports the number of open streams of tenantID.
func (d *Dispatcher) SubscriberCount(tenantID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.watchers[tenantID])
}

func (d *Dispatcher) remove(tenantID string, w *watcher) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if tenantWatchers := d.watchers[tenantID]; tenantWatchers != nil {
		delete(tenantWatchers, w)
		if len(tenantWatchers) == 0 {
			delete(d.watchers, tenantID)
		}
	}
	close(w.done)
	close(w.stream)
}

func (w *watcher) filter(invalidation Invalidation) (Invalidation, bool) {
	if w.paths == nil {
		return invalidation, true
	}
	paths := make([]string, 0, len(invalidation.Paths))
	for _, path := range invalidation.Paths {
		if _, ok := w.paths[path]; ok {
			paths = append(paths, path)
		}
	}
	if len(paths) == 0 {
		return Invalidation{}, false
	}
	invalidation.Paths = paths
	return invalidation, true
}
