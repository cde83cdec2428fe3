// Package subs owns the set of active live-query handles. It guarantees
// exactly one handle per subscription key, idempotent teardown, and that
// no callback fires after its handle is gone.
package subs

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/comtalk/comtalk/internal/bus"
	"github.com/comtalk/comtalk/internal/metrics"
	"github.com/comtalk/comtalk/internal/remote"
)

// Registry maps subscription keys to live-query handles.
type Registry struct {
	store   remote.Store
	bus     *bus.Bus
	logger  *zap.Logger
	metrics *metrics.Collector

	mu      sync.Mutex
	handles map[string]*handle
	cancel  context.CancelFunc
}

type handle struct {
	key        string
	collection string
	query      remote.Query
	fn         func([]remote.Record)
	alive      atomic.Bool
	stopWatch  func()
	once       sync.Once
}

// NewRegistry creates a registry over the given store.
func NewRegistry(store remote.Store, b *bus.Bus, m *metrics.Collector, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		store:   store,
		bus:     b,
		logger:  logger,
		metrics: m,
		handles: make(map[string]*handle),
	}
}

// Start begins reacting to session changes: every authenticated-identity
// change tears down all live handles and re-establishes them.
func (r *Registry) Start(ctx context.Context) {
	if r.bus == nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	ch, unsub := r.bus.Subscribe(bus.KindSessionChanged, 16)

	go func() {
		defer unsub()
		for {
			select {
			case <-ch:
				r.reopenAll(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops session tracking and tears down every live handle.
func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Lock()
	handles := make([]*handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.handles = make(map[string]*handle)
	r.mu.Unlock()
	for _, h := range handles {
		r.teardown(h)
	}
}

// Subscribe opens a live query under key. If a handle for the key is
// already active it is torn down first, so at most one live query per key
// exists at any time. The returned unsubscribe function is idempotent.
//
// If the store refuses the watch, fn receives an empty snapshot and the
// returned unsubscribe is a no-op: subscription errors degrade, they do
// not propagate.
func (r *Registry) Subscribe(ctx context.Context, key, collection string, q remote.Query, fn func([]remote.Record)) func() {
	h := &handle{key: key, collection: collection, query: q, fn: fn}
	h.alive.Store(true)

	r.mu.Lock()
	if prev, ok := r.handles[key]; ok {
		r.mu.Unlock()
		r.teardown(prev)
		r.mu.Lock()
	}
	r.handles[key] = h
	r.mu.Unlock()

	if err := r.open(ctx, h); err != nil {
		r.logger.Warn("subscription failed, delivering empty snapshot",
			zap.String("key", key), zap.Error(err))
		r.mu.Lock()
		if r.handles[key] == h {
			delete(r.handles, key)
		}
		r.mu.Unlock()
		fn(nil)
		return func() {}
	}
	r.metrics.SubscriptionOpened()

	return func() { r.unsubscribe(h) }
}

func (r *Registry) open(ctx context.Context, h *handle) error {
	stop, err := r.store.Watch(ctx, h.collection, h.query, func(records []remote.Record) {
		// A callback already in flight when the handle is torn down is
		// treated as a no-op.
		if h.alive.Load() {
			h.fn(records)
		}
	})
	if err != nil {
		return err
	}
	h.stopWatch = stop
	return nil
}

func (r *Registry) unsubscribe(h *handle) {
	r.mu.Lock()
	if r.handles[h.key] == h {
		delete(r.handles, h.key)
	}
	r.mu.Unlock()
	r.teardown(h)
}

func (r *Registry) teardown(h *handle) {
	h.once.Do(func() {
		h.alive.Store(false)
		if h.stopWatch != nil {
			h.stopWatch()
		}
		r.metrics.SubscriptionClosed()
		r.logger.Debug("subscription closed", zap.String("key", h.key))
	})
}

// reopenAll tears down every handle and reopens the same keys against the
// store. Callbacks keep their identity; only the underlying watches cycle.
func (r *Registry) reopenAll(ctx context.Context) {
	r.mu.Lock()
	old := r.handles
	r.handles = make(map[string]*handle, len(old))
	r.mu.Unlock()

	for _, h := range old {
		r.teardown(h)
		r.Subscribe(ctx, h.key, h.collection, h.query, h.fn)
	}
	r.logger.Info("subscriptions re-established", zap.Int("count", len(old)))
}

// Active returns the number of live handles, for tests and diagnostics.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}
