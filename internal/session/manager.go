// Package session supplies the authenticated identity: the current user,
// sign-in/out against the external identity collaborator, and the change
// event the subscription registry reacts to.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/comtalk/comtalk/internal/bus"
	"github.com/comtalk/comtalk/internal/localcache"
	"github.com/comtalk/comtalk/internal/model"
	"github.com/comtalk/comtalk/internal/remote"
)

// Authenticator is the external identity/session collaborator.
type Authenticator interface {
	SignIn(ctx context.Context, handle, password string) (model.User, error)
	SignOut(ctx context.Context) error
}

// Manager holds the current session and publishes session.changed events.
type Manager struct {
	auth   Authenticator
	store  remote.Store
	cache  *localcache.Cache
	bus    *bus.Bus
	logger *zap.Logger

	mu   sync.RWMutex
	user *model.User
}

// NewManager creates a session manager. cache may be nil.
func NewManager(auth Authenticator, store remote.Store, cache *localcache.Cache, b *bus.Bus, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{auth: auth, store: store, cache: cache, bus: b, logger: logger}
}

// Bootstrap restores a cached session if one exists, so the client is
// usable before the first remote round trip. A missing or corrupt cache
// entry just means starting signed out.
func (m *Manager) Bootstrap() {
	if m.cache == nil {
		return
	}
	u, err := m.cache.LoadUser()
	if err != nil {
		return
	}
	m.mu.Lock()
	m.user = &u
	m.mu.Unlock()
	m.logger.Info("session restored from cache", zap.String("user", u.ID))
	m.publishChange()
}

// CurrentUser returns the signed-in user or model.ErrNotAuthenticated.
func (m *Manager) CurrentUser() (model.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.user == nil {
		return model.User{}, model.ErrNotAuthenticated
	}
	return *m.user, nil
}

// SignIn authenticates and publishes the session change.
func (m *Manager) SignIn(ctx context.Context, handle, password string) (model.User, error) {
	u, err := m.auth.SignIn(ctx, handle, password)
	if err != nil {
		return model.User{}, fmt.Errorf("sign in: %w", err)
	}
	m.mu.Lock()
	m.user = &u
	m.mu.Unlock()

	if m.cache != nil {
		if err := m.cache.SaveUser(u); err != nil {
			m.logger.Warn("session cache write failed", zap.Error(err))
		}
	}
	m.logger.Info("signed in", zap.String("user", u.ID))
	m.publishChange()
	return u, nil
}

// SignOut clears the session. The local sign-out proceeds even if the
// remote call fails.
func (m *Manager) SignOut(ctx context.Context) error {
	if err := m.auth.SignOut(ctx); err != nil {
		m.logger.Warn("remote sign-out failed", zap.Error(err))
	}
	m.mu.Lock()
	m.user = nil
	m.mu.Unlock()

	if m.cache != nil {
		if err := m.cache.ClearUser(); err != nil {
			m.logger.Warn("session cache clear failed", zap.Error(err))
		}
	}
	m.logger.Info("signed out")
	m.publishChange()
	return nil
}

// UpdateProfile changes the display name (and optionally avatar) of the
// signed-in user, locally and in the remote users collection.
func (m *Manager) UpdateProfile(ctx context.Context, displayName, avatarRef string) error {
	m.mu.Lock()
	if m.user == nil {
		m.mu.Unlock()
		return model.ErrNotAuthenticated
	}
	u := *m.user
	u.DisplayName = displayName
	if avatarRef != "" {
		u.AvatarRef = avatarRef
	}
	m.user = &u
	m.mu.Unlock()

	if m.cache != nil {
		if err := m.cache.SaveUser(u); err != nil {
			m.logger.Warn("session cache write failed", zap.Error(err))
		}
	}
	if m.store != nil {
		fields := model.Document{"name": u.DisplayName}
		if avatarRef != "" {
			fields["photoURL"] = u.AvatarRef
		}
		if err := m.store.Update(ctx, remote.CollUsers, u.ID, fields); err != nil {
			return fmt.Errorf("update profile: %w", err)
		}
	}
	return nil
}

func (m *Manager) publishChange() {
	if m.bus != nil {
		m.bus.Publish(bus.Event{Kind: bus.KindSessionChanged, Timestamp: time.Now()})
	}
}
