package convo

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/comtalk/comtalk/internal/bus"
	"github.com/comtalk/comtalk/internal/model"
	"github.com/comtalk/comtalk/internal/remote/memstore"
	"github.com/comtalk/comtalk/internal/subs"
)

type msgSink struct {
	mu   sync.Mutex
	last []model.Message
}

func (s *msgSink) fn(msgs []model.Message) {
	s.mu.Lock()
	s.last = msgs
	s.mu.Unlock()
}

func (s *msgSink) get() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *msgSink) waitLen(t *testing.T, n int) []model.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := s.get(); len(msgs) == n {
			return msgs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages, have %v", n, s.get())
	return nil
}

func newTestCache(store *memstore.Store, b *bus.Bus) *Cache {
	return NewCache(subs.NewRegistry(store, nil, nil, nil), b, nil)
}

func TestListenOrderedSnapshot(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	_ = store.Create(ctx, "messages", "m2", model.Document{"chatId": "c1", "content": "second", "timestamp": int64(200)})
	_ = store.Create(ctx, "messages", "m1", model.Document{"chatId": "c1", "content": "first", "timestamp": int64(100)})
	_ = store.Create(ctx, "messages", "mx", model.Document{"chatId": "c2", "content": "other", "timestamp": int64(150)})

	c := newTestCache(store, nil)
	var sink msgSink
	cancel := c.Listen(ctx, "c1", sink.fn)
	defer cancel()

	msgs := sink.waitLen(t, 2)
	if msgs[0].Body != "first" || msgs[1].Body != "second" {
		t.Errorf("order = [%s %s], want [first second]", msgs[0].Body, msgs[1].Body)
	}
}

func TestOptimisticSupersededByEcho(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	c := newTestCache(store, nil)

	var sink msgSink
	cancel := c.Listen(ctx, "c1", sink.fn)
	defer cancel()
	sink.waitLen(t, 0)

	c.AppendOptimistic("c1", model.Message{
		ID:             "local-1",
		ConversationID: "c1",
		Body:           "hello",
		CorrelationID:  "corr-1",
		CreatedAt:      100,
	})

	msgs := sink.waitLen(t, 1)
	if msgs[0].Delivery != model.DeliveryPending {
		t.Errorf("Delivery = %q, want pending", msgs[0].Delivery)
	}

	// The stream echoes the message back under its persisted id.
	_ = store.Create(ctx, "messages", "m1", model.Document{
		"chatId": "c1", "content": "hello", "correlationId": "corr-1",
		"timestamp": int64(100), "status": model.DeliverySent,
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msgs = sink.get()
		if len(msgs) == 1 && msgs[0].ID == "m1" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want the echo to supersede the optimistic entry", len(msgs))
	}
	if msgs[0].ID != "m1" || msgs[0].Delivery != model.DeliverySent {
		t.Errorf("merged entry = %+v, want authoritative m1/sent", msgs[0])
	}
}

func TestMarkFailedFlipsDelivery(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	c := newTestCache(store, nil)

	var sink msgSink
	cancel := c.Listen(ctx, "c1", sink.fn)
	defer cancel()
	sink.waitLen(t, 0)

	c.AppendOptimistic("c1", model.Message{ID: "local-1", CorrelationID: "corr-1", CreatedAt: 100})
	sink.waitLen(t, 1)

	c.MarkFailed("c1", "corr-1")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := sink.get(); len(msgs) == 1 && msgs[0].Delivery == model.DeliveryFailed {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("entry never flipped to failed: %v", sink.get())
}

func TestStableOrderOnEqualTimestamps(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	c := newTestCache(store, nil)

	var sink msgSink
	cancel := c.Listen(ctx, "c1", sink.fn)
	defer cancel()
	sink.waitLen(t, 0)

	c.AppendOptimistic("c1", model.Message{ID: "a", CorrelationID: "ca", CreatedAt: 100})
	c.AppendOptimistic("c1", model.Message{ID: "b", CorrelationID: "cb", CreatedAt: 100})

	msgs := sink.waitLen(t, 2)
	if msgs[0].ID != "a" || msgs[1].ID != "b" {
		t.Errorf("tie order = [%s %s], want arrival order [a b]", msgs[0].ID, msgs[1].ID)
	}
}

func TestLatestChangedEvent(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	b := bus.New()
	c := newTestCache(store, b)

	ch, unsub := b.Subscribe(bus.KindConvoLatest, 16)
	defer unsub()

	var sink msgSink
	cancel := c.Listen(ctx, "c1", sink.fn)
	defer cancel()
	sink.waitLen(t, 0)

	c.AppendOptimistic("c1", model.Message{ID: "local-1", CorrelationID: "corr-1", Body: "hi", CreatedAt: 100})

	select {
	case evt := <-ch:
		payload, ok := evt.Payload.(LatestChanged)
		if !ok {
			t.Fatalf("payload type %T", evt.Payload)
		}
		if payload.ConversationID != "c1" || payload.Message.ID != "local-1" {
			t.Errorf("payload = %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no latest-changed event")
	}
}

func TestLastListenerClosesThread(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	registry := subs.NewRegistry(store, nil, nil, nil)
	c := NewCache(registry, nil, nil)

	var sink msgSink
	cancel := c.Listen(ctx, "c1", sink.fn)
	sink.waitLen(t, 0)

	if registry.Active() != 1 {
		t.Fatalf("Active() = %d, want 1", registry.Active())
	}
	cancel()
	cancel() // idempotent
	if registry.Active() != 0 {
		t.Errorf("Active() = %d after last listener left, want 0", registry.Active())
	}
}

func TestWatchRecentAudioFiltersAndOrders(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	_ = store.Create(ctx, "messages", "m1", model.Document{
		"chatId": "c1", "type": model.MessageAudio, "audioUrl": "file://a", "timestamp": int64(100),
	})
	_ = store.Create(ctx, "messages", "m2", model.Document{
		"chatId": "c1", "type": model.MessageText, "content": "hi", "timestamp": int64(200),
	})
	_ = store.Create(ctx, "messages", "m3", model.Document{
		"chatId": "c1", "type": model.MessageAudio, "audioUrl": "file://b", "timestamp": int64(300),
	})

	c := newTestCache(store, nil)
	var sink msgSink
	cancel := c.WatchRecentAudio(ctx, "c1", 0, sink.fn)
	defer cancel()

	msgs := sink.waitLen(t, 2)
	if msgs[0].ID != "m3" || msgs[1].ID != "m1" {
		t.Errorf("audio feed = [%s %s], want newest first [m3 m1]", msgs[0].ID, msgs[1].ID)
	}
}
