// Package remote defines the contract the core uses to talk to the
// real-time document store. The store is eventually consistent; the one
// ordering guarantee is that snapshots for a single watch arrive in the
// order the store emits them.
package remote

import (
	"context"

	"github.com/comtalk/comtalk/internal/model"
)

// Collection names used by the core.
const (
	CollUsers         = "users"
	CollContacts      = "contacts"
	CollGroups        = "groups"
	CollConversations = "chats"
	CollMessages      = "messages"
)

// Op is a filter operator.
type Op string

const (
	// OpEq matches documents whose field equals the value.
	OpEq Op = "eq"
	// OpContains matches documents whose array field contains the value.
	// The value may be a bare id or a {id: ...} object; the store compares
	// elements structurally.
	OpContains Op = "contains"
)

// Cond is a single filter condition.
type Cond struct {
	Field string
	Op    Op
	Value any
}

// Query is a filtered, ordered read.
type Query struct {
	Conds   []Cond
	OrderBy string
	Desc    bool
	Limit   int
}

// Record is a document with its id.
type Record struct {
	ID   string
	Data model.Document
}

// Store is the remote document store collaborator.
//
// Watch opens a live query: fn receives the full current result set
// immediately and again after every change, always in delivery order.
// The returned cancel function is idempotent; after it returns, fn is
// never invoked again.
type Store interface {
	Get(ctx context.Context, collection, id string) (model.Document, error)
	Select(ctx context.Context, collection string, q Query) ([]Record, error)
	Create(ctx context.Context, collection, id string, doc model.Document) error
	Update(ctx context.Context, collection, id string, fields model.Document) error
	Delete(ctx context.Context, collection, id string) error
	Watch(ctx context.Context, collection string, q Query, fn func([]Record)) (func(), error)
}

// Where is shorthand for a single equality-filtered query.
func Where(field string, value any) Query {
	return Query{Conds: []Cond{{Field: field, Op: OpEq, Value: value}}}
}
