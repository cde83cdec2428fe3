package subs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/comtalk/comtalk/internal/bus"
	"github.com/comtalk/comtalk/internal/model"
	"github.com/comtalk/comtalk/internal/remote"
	"github.com/comtalk/comtalk/internal/remote/memstore"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSubscribeDeliversSnapshots(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	_ = store.Create(ctx, "contacts", "c1", model.Document{"name": "Alice"})

	r := NewRegistry(store, nil, nil, nil)

	var mu sync.Mutex
	var last []remote.Record
	unsub := r.Subscribe(ctx, "contacts:u1", "contacts", remote.Query{}, func(recs []remote.Record) {
		mu.Lock()
		last = recs
		mu.Unlock()
	})
	defer unsub()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(last) == 1
	})

	_ = store.Create(ctx, "contacts", "c2", model.Document{"name": "Bob"})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(last) == 2
	})
}

func TestSubscribeSameKeyReplacesHandle(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	r := NewRegistry(store, nil, nil, nil)

	var mu sync.Mutex
	firstCalls, secondCalls := 0, 0

	r.Subscribe(ctx, "k", "contacts", remote.Query{}, func([]remote.Record) {
		mu.Lock()
		firstCalls++
		mu.Unlock()
	})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return firstCalls >= 1
	})

	unsub := r.Subscribe(ctx, "k", "contacts", remote.Query{}, func([]remote.Record) {
		mu.Lock()
		secondCalls++
		mu.Unlock()
	})
	defer unsub()

	if got := r.Active(); got != 1 {
		t.Errorf("Active() = %d, want 1", got)
	}

	mu.Lock()
	before := firstCalls
	mu.Unlock()

	_ = store.Create(ctx, "contacts", "c1", model.Document{})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return secondCalls >= 2
	})

	mu.Lock()
	defer mu.Unlock()
	if firstCalls != before {
		t.Errorf("replaced handle still receiving: %d -> %d", before, firstCalls)
	}
}

func TestUnsubscribeIdempotentAndSilences(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	r := NewRegistry(store, nil, nil, nil)

	var mu sync.Mutex
	calls := 0
	unsub := r.Subscribe(ctx, "k", "contacts", remote.Query{}, func([]remote.Record) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 1
	})

	unsub()
	unsub() // second call must be a no-op

	if got := r.Active(); got != 0 {
		t.Errorf("Active() = %d, want 0", got)
	}

	mu.Lock()
	before := calls
	mu.Unlock()

	_ = store.Create(ctx, "contacts", "c1", model.Document{})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != before {
		t.Errorf("callback fired after unsubscribe: %d -> %d", before, calls)
	}
}

func TestSubscribeErrorDeliversEmptySnapshot(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	r := NewRegistry(&failingWatchStore{Store: store}, nil, nil, nil)

	got := make(chan []remote.Record, 1)
	unsub := r.Subscribe(ctx, "k", "contacts", remote.Query{}, func(recs []remote.Record) {
		got <- recs
	})

	select {
	case recs := <-got:
		if len(recs) != 0 {
			t.Errorf("got %d records, want empty snapshot", len(recs))
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot delivered on watch failure")
	}

	unsub() // must be callable even though nothing is live
	if got := r.Active(); got != 0 {
		t.Errorf("Active() = %d, want 0", got)
	}
}

func TestSessionChangeReestablishesSubscriptions(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	b := bus.New()
	r := NewRegistry(store, b, nil, nil)
	r.Start(ctx)
	defer r.Stop()

	var mu sync.Mutex
	snapshots := 0
	r.Subscribe(ctx, "contacts:u1", "contacts", remote.Query{}, func([]remote.Record) {
		mu.Lock()
		snapshots++
		mu.Unlock()
	})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return snapshots >= 1
	})

	b.Publish(bus.Event{Kind: bus.KindSessionChanged})

	// The reopened watch delivers a fresh initial snapshot to the same
	// callback, and the key stays unique.
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return snapshots >= 2
	})
	if got := r.Active(); got != 1 {
		t.Errorf("Active() = %d, want 1", got)
	}
}

func TestStopTearsDownAll(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	r := NewRegistry(store, bus.New(), nil, nil)
	r.Start(ctx)

	r.Subscribe(ctx, "a", "contacts", remote.Query{}, func([]remote.Record) {})
	r.Subscribe(ctx, "b", "groups", remote.Query{}, func([]remote.Record) {})

	r.Stop()
	if got := r.Active(); got != 0 {
		t.Errorf("Active() after Stop = %d, want 0", got)
	}
}

// failingWatchStore refuses every watch.
type failingWatchStore struct {
	*memstore.Store
}

func (f *failingWatchStore) Watch(context.Context, string, remote.Query, func([]remote.Record)) (func(), error) {
	return nil, model.ErrTransientIO
}
