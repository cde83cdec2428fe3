package memstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/comtalk/comtalk/internal/model"
	"github.com/comtalk/comtalk/internal/remote"
)

func TestCreateGetDelete(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.Create(ctx, "contacts", "c1", model.Document{"name": "Alice"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	doc, err := s.Get(ctx, "contacts", "c1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if doc["name"] != "Alice" {
		t.Errorf("name = %v, want Alice", doc["name"])
	}

	if err := s.Create(ctx, "contacts", "c1", model.Document{}); !errors.Is(err, model.ErrAlreadyExists) {
		t.Errorf("duplicate Create() error = %v, want ErrAlreadyExists", err)
	}

	if err := s.Delete(ctx, "contacts", "c1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Get(ctx, "contacts", "c1"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}
}

func TestUpdateMergesFields(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.Create(ctx, "users", "u1", model.Document{"name": "Alice", "email": "a@x"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Update(ctx, "users", "u1", model.Document{"name": "Alicia"}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	doc, _ := s.Get(ctx, "users", "u1")
	if doc["name"] != "Alicia" || doc["email"] != "a@x" {
		t.Errorf("doc = %v, want merged fields", doc)
	}

	if err := s.Update(ctx, "users", "missing", model.Document{}); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Update(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSelectFilterOrderLimit(t *testing.T) {
	s := New()
	ctx := context.Background()

	_ = s.Create(ctx, "messages", "m1", model.Document{"chatId": "c1", "timestamp": int64(300)})
	_ = s.Create(ctx, "messages", "m2", model.Document{"chatId": "c1", "timestamp": int64(100)})
	_ = s.Create(ctx, "messages", "m3", model.Document{"chatId": "c2", "timestamp": int64(200)})
	_ = s.Create(ctx, "messages", "m4", model.Document{"chatId": "c1", "timestamp": int64(200)})

	q := remote.Query{
		Conds:   []remote.Cond{{Field: "chatId", Op: remote.OpEq, Value: "c1"}},
		OrderBy: "timestamp",
	}
	recs, err := s.Select(ctx, "messages", q)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	wantOrder := []string{"m2", "m4", "m1"}
	for i, want := range wantOrder {
		if recs[i].ID != want {
			t.Errorf("recs[%d].ID = %q, want %q", i, recs[i].ID, want)
		}
	}

	q.Desc = true
	q.Limit = 1
	recs, _ = s.Select(ctx, "messages", q)
	if len(recs) != 1 || recs[0].ID != "m1" {
		t.Errorf("desc limit 1 = %v, want [m1]", recs)
	}
}

func TestSelectContains(t *testing.T) {
	s := New()
	ctx := context.Background()

	_ = s.Create(ctx, "groups", "g1", model.Document{"members": []any{"u1", "u2"}})
	_ = s.Create(ctx, "groups", "g2", model.Document{"members": []any{"u2"}})

	q := remote.Query{Conds: []remote.Cond{{Field: "members", Op: remote.OpContains, Value: "u1"}}}
	recs, err := s.Select(ctx, "groups", q)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].ID != "g1" {
		t.Errorf("contains query = %v, want [g1]", recs)
	}
}

func TestWatchInitialAndChangeSnapshots(t *testing.T) {
	s := New()
	ctx := context.Background()

	_ = s.Create(ctx, "contacts", "c1", model.Document{"name": "Alice"})

	var mu sync.Mutex
	var snaps [][]remote.Record
	cancel, err := s.Watch(ctx, "contacts", remote.Query{}, func(recs []remote.Record) {
		mu.Lock()
		snaps = append(snaps, recs)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	defer cancel()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(snaps) >= 1
	})

	_ = s.Create(ctx, "contacts", "c2", model.Document{"name": "Bob"})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(snaps) >= 2 && len(snaps[len(snaps)-1]) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	if len(snaps[0]) != 1 {
		t.Errorf("initial snapshot has %d records, want 1", len(snaps[0]))
	}
}

func TestWatchNoCallbackAfterCancel(t *testing.T) {
	s := New()
	ctx := context.Background()

	var mu sync.Mutex
	count := 0
	cancel, err := s.Watch(ctx, "contacts", remote.Query{}, func([]remote.Record) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count >= 1
	})

	cancel()
	cancel() // idempotent

	mu.Lock()
	before := count
	mu.Unlock()

	_ = s.Create(ctx, "contacts", "c1", model.Document{})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	after := count
	mu.Unlock()
	if after != before {
		t.Errorf("callback fired after cancel: %d -> %d", before, after)
	}
}

func TestFailWritesAndReads(t *testing.T) {
	s := New()
	ctx := context.Background()
	boom := errors.New("boom")

	s.FailWrites(boom)
	if err := s.Create(ctx, "contacts", "c1", model.Document{}); !errors.Is(err, boom) {
		t.Errorf("Create() error = %v, want boom", err)
	}
	s.FailWrites(nil)
	if err := s.Create(ctx, "contacts", "c1", model.Document{}); err != nil {
		t.Errorf("Create() after reset error = %v", err)
	}

	s.FailReads(boom)
	if _, err := s.Get(ctx, "contacts", "c1"); !errors.Is(err, boom) {
		t.Errorf("Get() error = %v, want boom", err)
	}
}

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
