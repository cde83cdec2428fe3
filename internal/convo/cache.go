// Package convo holds per-conversation message state: authoritative
// snapshots from the live stream merged with locally optimistic entries,
// plus canonical direct-chat identity resolution.
package convo

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/comtalk/comtalk/internal/bus"
	"github.com/comtalk/comtalk/internal/model"
	"github.com/comtalk/comtalk/internal/remote"
	"github.com/comtalk/comtalk/internal/subs"
)

// LatestChanged is the payload of convo.latest_changed bus events.
type LatestChanged struct {
	ConversationID string
	Message        model.Message
}

// Cache maintains the ordered message list per conversation.
type Cache struct {
	registry *subs.Registry
	bus      *bus.Bus
	logger   *zap.Logger

	mu      sync.Mutex
	threads map[string]*thread
}

type thread struct {
	authoritative []model.Message
	optimistic    []model.Message
	listeners     map[int]func([]model.Message)
	nextListener  int
	unsubscribe   func()
	latestKey     string
}

// NewCache creates a conversation cache.
func NewCache(registry *subs.Registry, b *bus.Bus, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		registry: registry,
		bus:      b,
		logger:   logger,
		threads:  make(map[string]*thread),
	}
}

// Listen streams the merged message list for a conversation. The first
// listener opens the live query; the last one leaving closes it. fn
// receives the full ordered list on every change.
func (c *Cache) Listen(ctx context.Context, conversationID string, fn func([]model.Message)) func() {
	c.mu.Lock()
	th := c.threads[conversationID]
	if th == nil {
		th = &thread{listeners: make(map[int]func([]model.Message))}
		c.threads[conversationID] = th
	}
	id := th.nextListener
	th.nextListener++
	th.listeners[id] = fn
	needsWatch := th.unsubscribe == nil
	c.mu.Unlock()

	if needsWatch {
		q := remote.Where("chatId", conversationID)
		q.OrderBy = "timestamp"
		unsub := c.registry.Subscribe(ctx, "messages:"+conversationID, remote.CollMessages, q,
			func(records []remote.Record) {
				c.applySnapshot(conversationID, records)
			})
		c.mu.Lock()
		th.unsubscribe = unsub
		c.mu.Unlock()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(th.listeners, id)
			var unsub func()
			if len(th.listeners) == 0 {
				unsub = th.unsubscribe
				th.unsubscribe = nil
				delete(c.threads, conversationID)
			}
			c.mu.Unlock()
			if unsub != nil {
				unsub()
			}
		})
	}
}

// WatchRecentAudio streams the most recent audio messages of a
// conversation, newest first.
func (c *Cache) WatchRecentAudio(ctx context.Context, conversationID string, limit int, fn func([]model.Message)) func() {
	if limit <= 0 {
		limit = 20
	}
	q := remote.Where("chatId", conversationID)
	q.OrderBy = "timestamp"
	q.Desc = true
	q.Limit = limit
	return c.registry.Subscribe(ctx, "audio:"+conversationID, remote.CollMessages, q,
		func(records []remote.Record) {
			var audio []model.Message
			for _, rec := range records {
				if m := model.MessageFromDoc(rec.ID, rec.Data); m.Kind == model.MessageAudio {
					audio = append(audio, m)
				}
			}
			fn(audio)
		})
}

// AppendOptimistic inserts a locally sent message with pending delivery so
// the UI reflects the send immediately. The entry is superseded when the
// live stream echoes its correlation id.
func (c *Cache) AppendOptimistic(conversationID string, msg model.Message) {
	msg.Delivery = model.DeliveryPending
	c.mu.Lock()
	th := c.threads[conversationID]
	if th == nil {
		th = &thread{listeners: make(map[int]func([]model.Message))}
		c.threads[conversationID] = th
	}
	th.optimistic = append(th.optimistic, msg)
	c.mu.Unlock()
	c.emit(conversationID)
}

// MarkFailed flips a pending optimistic entry to failed.
func (c *Cache) MarkFailed(conversationID, correlationID string) {
	c.mu.Lock()
	if th := c.threads[conversationID]; th != nil {
		for i := range th.optimistic {
			if th.optimistic[i].CorrelationID == correlationID {
				th.optimistic[i].Delivery = model.DeliveryFailed
			}
		}
	}
	c.mu.Unlock()
	c.emit(conversationID)
}

// Messages returns the current merged, ordered list for a conversation.
func (c *Cache) Messages(conversationID string) []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mergedLocked(conversationID)
}

// applySnapshot replaces the authoritative list wholesale; the stream is
// the source of truth for persisted messages. Optimistic entries whose
// correlation id is echoed back are superseded.
func (c *Cache) applySnapshot(conversationID string, records []remote.Record) {
	msgs := make([]model.Message, 0, len(records))
	echoed := make(map[string]bool)
	for _, rec := range records {
		m := model.MessageFromDoc(rec.ID, rec.Data)
		msgs = append(msgs, m)
		if m.CorrelationID != "" {
			echoed[m.CorrelationID] = true
		}
	}

	c.mu.Lock()
	th := c.threads[conversationID]
	if th == nil {
		c.mu.Unlock()
		return
	}
	th.authoritative = msgs
	kept := th.optimistic[:0]
	for _, opt := range th.optimistic {
		if !echoed[opt.CorrelationID] {
			kept = append(kept, opt)
		}
	}
	th.optimistic = kept
	c.mu.Unlock()

	c.emit(conversationID)
}

// emit recomputes the merged list, notifies listeners, and publishes a
// latest-changed event when the newest entry moved.
func (c *Cache) emit(conversationID string) {
	c.mu.Lock()
	th := c.threads[conversationID]
	if th == nil {
		c.mu.Unlock()
		return
	}
	merged := c.mergedLocked(conversationID)
	listeners := make([]func([]model.Message), 0, len(th.listeners))
	for _, fn := range th.listeners {
		listeners = append(listeners, fn)
	}

	var latest *model.Message
	if len(merged) > 0 {
		latest = &merged[len(merged)-1]
	}
	changed := false
	if latest != nil {
		key := latest.ID + "/" + latest.Delivery
		if key != th.latestKey {
			th.latestKey = key
			changed = true
		}
	}
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(merged)
	}
	if changed && c.bus != nil {
		c.bus.Publish(bus.Event{
			Kind:      bus.KindConvoLatest,
			Timestamp: time.Now(),
			Payload:   LatestChanged{ConversationID: conversationID, Message: *latest},
		})
	}
}

// mergedLocked merges authoritative and optimistic entries: ordered by
// CreatedAt, ties kept in arrival order (stable sort), duplicate ids
// collapsed in favor of the authoritative copy.
func (c *Cache) mergedLocked(conversationID string) []model.Message {
	th := c.threads[conversationID]
	if th == nil {
		return nil
	}
	seen := make(map[string]bool, len(th.authoritative))
	merged := make([]model.Message, 0, len(th.authoritative)+len(th.optimistic))
	for _, m := range th.authoritative {
		if m.ID != "" && seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		merged = append(merged, m)
	}
	for _, m := range th.optimistic {
		if m.ID != "" && seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		merged = append(merged, m)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAt < merged[j].CreatedAt
	})
	return merged
}
