// Package roster resolves contacts and groups for the signed-in user,
// including the legacy group-membership fallback chain.
package roster

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/comtalk/comtalk/internal/bus"
	"github.com/comtalk/comtalk/internal/metrics"
	"github.com/comtalk/comtalk/internal/model"
	"github.com/comtalk/comtalk/internal/remote"
	"github.com/comtalk/comtalk/internal/subs"
)

// Identity supplies the current user. Implemented by session.Manager.
type Identity interface {
	CurrentUser() (model.User, error)
}

// Snapshots is the optional local bootstrap cache for roster data.
// Implemented by localcache.Cache; may be nil.
type Snapshots interface {
	SaveContacts(ownerID string, contacts []model.Contact) error
	LoadContacts(ownerID string) ([]model.Contact, error)
	SaveGroups(ownerID string, groups []model.Group) error
	LoadGroups(ownerID string) ([]model.Group, error)
}

// Policy controls roster edge behaviors.
type Policy struct {
	// CreatePlaceholder enables synthesizing a single diagnostic group when
	// every membership strategy comes back empty, so dependent UI always
	// has a usable target. Off by default: materializing data on a read
	// path is availability-over-purity and must be opted into.
	CreatePlaceholder bool
}

// PlaceholderName is the display name of the synthesized diagnostic group.
const PlaceholderName = "Diagnostic group"

// Fallback strategy labels, also used as metric values.
const (
	strategyBareID   = "bare_id"
	strategyObjectID = "object_id"
	strategyScan     = "client_scan"
	strategyNone     = "none"
	strategyCreate   = "placeholder"
)

// Resolver fetches and streams roster data.
type Resolver struct {
	store    remote.Store
	registry *subs.Registry
	identity Identity
	cache    Snapshots
	bus      *bus.Bus
	metrics  *metrics.Collector
	logger   *zap.Logger
	policy   Policy
}

// NewResolver creates a roster resolver.
func NewResolver(store remote.Store, registry *subs.Registry, identity Identity, cache Snapshots, b *bus.Bus, m *metrics.Collector, logger *zap.Logger, policy Policy) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		store:    store,
		registry: registry,
		identity: identity,
		cache:    cache,
		bus:      b,
		metrics:  m,
		logger:   logger,
		policy:   policy,
	}
}

// WatchContacts streams the current user's contact roster. fn receives the
// full snapshot on every change. If the local cache holds a bootstrap
// snapshot it is delivered first, before the live query opens.
func (r *Resolver) WatchContacts(ctx context.Context, fn func([]model.Contact)) func() {
	user, err := r.identity.CurrentUser()
	if err != nil {
		fn(nil)
		return func() {}
	}

	if r.cache != nil {
		if cached, err := r.cache.LoadContacts(user.ID); err == nil && len(cached) > 0 {
			fn(cached)
		}
	}

	q := remote.Where("ownerId", user.ID)
	q.OrderBy = "name"
	return r.registry.Subscribe(ctx, "contacts:"+user.ID, remote.CollContacts, q, func(records []remote.Record) {
		contacts := make([]model.Contact, 0, len(records))
		for _, rec := range records {
			contacts = append(contacts, model.ContactFromDoc(rec.ID, rec.Data))
		}
		if r.cache != nil {
			if err := r.cache.SaveContacts(user.ID, contacts); err != nil {
				r.logger.Warn("contact cache write failed", zap.Error(err))
			}
		}
		if r.bus != nil {
			r.bus.Publish(bus.Event{Kind: bus.KindRosterContacts, Timestamp: time.Now(), Payload: contacts})
		}
		fn(contacts)
	})
}

// WatchGroups streams the groups the current user belongs to. Membership
// may be recorded in any of three historical shapes; strategies are tried
// in order and the first one that yields a non-empty result keeps the
// live query for subsequent updates. Errors degrade to an empty snapshot.
func (r *Resolver) WatchGroups(ctx context.Context, fn func([]model.Group)) func() {
	user, err := r.identity.CurrentUser()
	if err != nil {
		fn(nil)
		return func() {}
	}

	if r.cache != nil {
		if cached, err := r.cache.LoadGroups(user.ID); err == nil && len(cached) > 0 {
			fn(cached)
		}
	}

	strat, err := r.resolveStrategy(ctx, user.ID)
	if err != nil {
		r.logger.Warn("group resolution failed, delivering empty snapshot", zap.Error(err))
		fn(nil)
		return func() {}
	}
	r.metrics.RosterFallback(strat.name)
	r.logger.Info("group membership strategy selected",
		zap.String("strategy", strat.name), zap.String("user", user.ID))

	return r.registry.Subscribe(ctx, "groups:"+user.ID, remote.CollGroups, strat.query, func(records []remote.Record) {
		groups := decodeGroups(records, user.ID, strat.clientFilter)
		if r.cache != nil {
			if err := r.cache.SaveGroups(user.ID, groups); err != nil {
				r.logger.Warn("group cache write failed", zap.Error(err))
			}
		}
		if r.bus != nil {
			r.bus.Publish(bus.Event{Kind: bus.KindRosterGroups, Timestamp: time.Now(), Payload: groups})
		}
		fn(groups)
	})
}

type strategy struct {
	name  string
	query remote.Query
	// clientFilter keeps only groups whose decoded membership includes the
	// user. True for the scan strategies where the query is unfiltered.
	clientFilter bool
}

func (r *Resolver) resolveStrategy(ctx context.Context, userID string) (strategy, error) {
	// 1. Membership stored as bare ids.
	bare := remote.Query{Conds: []remote.Cond{{Field: "members", Op: remote.OpContains, Value: userID}}}
	records, err := r.store.Select(ctx, remote.CollGroups, bare)
	if err != nil {
		return strategy{}, fmt.Errorf("strategy %s: %w", strategyBareID, err)
	}
	if len(records) > 0 {
		return strategy{name: strategyBareID, query: bare}, nil
	}

	// 2. Membership stored as {id: ...} objects.
	object := remote.Query{Conds: []remote.Cond{{Field: "members", Op: remote.OpContains, Value: map[string]any{"id": userID}}}}
	records, err = r.store.Select(ctx, remote.CollGroups, object)
	if err != nil {
		return strategy{}, fmt.Errorf("strategy %s: %w", strategyObjectID, err)
	}
	if len(records) > 0 {
		return strategy{name: strategyObjectID, query: object}, nil
	}

	// 3. Fetch everything and filter client-side, checking both shapes.
	all := remote.Query{}
	records, err = r.store.Select(ctx, remote.CollGroups, all)
	if err != nil {
		return strategy{}, fmt.Errorf("strategy %s: %w", strategyScan, err)
	}
	for _, rec := range records {
		if model.HasMember(rec.Data["members"], userID) {
			return strategy{name: strategyScan, query: all, clientFilter: true}, nil
		}
	}

	// 4. Total miss. Optionally synthesize one diagnostic group so the UI
	// is never left without a target, then keep scanning.
	if r.policy.CreatePlaceholder {
		if err := r.createPlaceholder(ctx, userID); err != nil {
			return strategy{}, fmt.Errorf("strategy %s: %w", strategyCreate, err)
		}
		return strategy{name: strategyCreate, query: all, clientFilter: true}, nil
	}
	return strategy{name: strategyNone, query: all, clientFilter: true}, nil
}

func (r *Resolver) createPlaceholder(ctx context.Context, userID string) error {
	g := model.Group{
		ID:        uuid.NewString(),
		Name:      PlaceholderName,
		CreatedBy: userID,
		Members:   []string{userID},
		Kind:      model.KindGroup,
		CreatedAt: time.Now().UnixMilli(),
	}
	r.logger.Warn("synthesizing placeholder group for empty roster",
		zap.String("user", userID), zap.String("group", g.ID))
	return r.store.Create(ctx, remote.CollGroups, g.ID, g.ToDoc())
}

func decodeGroups(records []remote.Record, userID string, clientFilter bool) []model.Group {
	groups := make([]model.Group, 0, len(records))
	for _, rec := range records {
		if clientFilter && !model.HasMember(rec.Data["members"], userID) {
			continue
		}
		groups = append(groups, model.GroupFromDoc(rec.ID, rec.Data))
	}
	return groups
}
