// Package memstore provides an in-memory remote.Store used for offline
// mode and in tests. It honors the full Store contract, including ordered
// snapshot delivery per watch and no callbacks after cancel.
package memstore

import (
	"context"
	"reflect"
	"sort"
	"sync"

	"github.com/comtalk/comtalk/internal/model"
	"github.com/comtalk/comtalk/internal/remote"
)

// Store is an in-memory document store.
type Store struct {
	mu       sync.Mutex
	colls    map[string]map[string]model.Document
	watchers map[int]*watcher
	nextID   int
	writeErr error
	readErr  error
}

type watcher struct {
	collection string
	query      remote.Query
	fn         func([]remote.Record)
	queue      chan []remote.Record

	// callMu serializes fn calls against cancellation so no callback
	// fires after cancel returns.
	callMu sync.Mutex
	closed bool
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		colls:    make(map[string]map[string]model.Document),
		watchers: make(map[int]*watcher),
	}
}

// FailWrites makes every subsequent Create/Update/Delete return err.
// Pass nil to restore normal behavior.
func (s *Store) FailWrites(err error) {
	s.mu.Lock()
	s.writeErr = err
	s.mu.Unlock()
}

// FailReads makes every subsequent Get/Select return err. Watches already
// open are unaffected. Pass nil to restore normal behavior.
func (s *Store) FailReads(err error) {
	s.mu.Lock()
	s.readErr = err
	s.mu.Unlock()
}

// Get returns a single document or model.ErrNotFound.
func (s *Store) Get(_ context.Context, collection, id string) (model.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return nil, s.readErr
	}
	doc, ok := s.colls[collection][id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return cloneDoc(doc), nil
}

// Select returns all documents matching the query.
func (s *Store) Select(_ context.Context, collection string, q remote.Query) ([]remote.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return nil, s.readErr
	}
	return s.evaluate(collection, q), nil
}

// Create inserts a document; model.ErrAlreadyExists if the id is taken.
func (s *Store) Create(_ context.Context, collection, id string, doc model.Document) error {
	s.mu.Lock()
	if s.writeErr != nil {
		err := s.writeErr
		s.mu.Unlock()
		return err
	}
	coll := s.colls[collection]
	if coll == nil {
		coll = make(map[string]model.Document)
		s.colls[collection] = coll
	}
	if _, exists := coll[id]; exists {
		s.mu.Unlock()
		return model.ErrAlreadyExists
	}
	coll[id] = cloneDoc(doc)
	s.notifyLocked(collection)
	s.mu.Unlock()
	return nil
}

// Update merges fields into an existing document.
func (s *Store) Update(_ context.Context, collection, id string, fields model.Document) error {
	s.mu.Lock()
	if s.writeErr != nil {
		err := s.writeErr
		s.mu.Unlock()
		return err
	}
	doc, ok := s.colls[collection][id]
	if !ok {
		s.mu.Unlock()
		return model.ErrNotFound
	}
	for k, v := range fields {
		doc[k] = v
	}
	s.notifyLocked(collection)
	s.mu.Unlock()
	return nil
}

// Delete removes a document. Deleting a missing id is a no-op.
func (s *Store) Delete(_ context.Context, collection, id string) error {
	s.mu.Lock()
	if s.writeErr != nil {
		err := s.writeErr
		s.mu.Unlock()
		return err
	}
	delete(s.colls[collection], id)
	s.notifyLocked(collection)
	s.mu.Unlock()
	return nil
}

// Watch opens a live query. The initial snapshot is queued before Watch
// returns, so callers observe current state without racing a mutation.
func (s *Store) Watch(_ context.Context, collection string, q remote.Query, fn func([]remote.Record)) (func(), error) {
	w := &watcher{
		collection: collection,
		query:      q,
		fn:         fn,
		queue:      make(chan []remote.Record, 64),
	}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = w
	w.queue <- s.evaluate(collection, q)
	s.mu.Unlock()

	go w.loop()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, id)
			s.mu.Unlock()
			w.callMu.Lock()
			w.closed = true
			w.callMu.Unlock()
			close(w.queue)
		})
	}
	return cancel, nil
}

func (w *watcher) loop() {
	for snap := range w.queue {
		w.callMu.Lock()
		if !w.closed {
			w.fn(snap)
		}
		w.callMu.Unlock()
	}
}

// notifyLocked queues a fresh snapshot to every watcher of the collection.
// Caller holds s.mu, so queue order matches mutation order.
func (s *Store) notifyLocked(collection string) {
	for _, w := range s.watchers {
		if w.collection != collection {
			continue
		}
		select {
		case w.queue <- s.evaluate(collection, w.query):
		default:
			// Watcher hopelessly behind; it will catch up on the next change.
		}
	}
}

func (s *Store) evaluate(collection string, q remote.Query) []remote.Record {
	var out []remote.Record
	for id, doc := range s.colls[collection] {
		if matches(doc, q.Conds) {
			out = append(out, remote.Record{ID: id, Data: cloneDoc(doc)})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if q.OrderBy == "" {
			return out[i].ID < out[j].ID
		}
		a, b := out[i].Data[q.OrderBy], out[j].Data[q.OrderBy]
		if q.Desc {
			return lessValue(b, a)
		}
		return lessValue(a, b)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func matches(doc model.Document, conds []remote.Cond) bool {
	for _, c := range conds {
		switch c.Op {
		case remote.OpEq:
			if !reflect.DeepEqual(doc[c.Field], c.Value) {
				return false
			}
		case remote.OpContains:
			items, ok := doc[c.Field].([]any)
			if !ok {
				return false
			}
			found := false
			for _, item := range items {
				if reflect.DeepEqual(item, c.Value) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func lessValue(a, b any) bool {
	switch av := a.(type) {
	case int64:
		if bv, ok := numeric(b); ok {
			return av < bv
		}
	case int:
		if bv, ok := numeric(b); ok {
			return int64(av) < bv
		}
	case float64:
		if bv, ok := numeric(b); ok {
			return int64(av) < bv
		}
	case string:
		if bv, ok := b.(string); ok {
			return av < bv
		}
	}
	return false
}

func numeric(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

func cloneDoc(doc model.Document) model.Document {
	out := make(model.Document, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}
