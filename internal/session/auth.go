package session

import (
	"context"
	"fmt"

	"github.com/comtalk/comtalk/internal/model"
	"github.com/comtalk/comtalk/internal/remote"
)

// StoreAuthenticator resolves identities against the users collection.
// Connection-level credentials are checked by the store itself; this maps
// a handle onto the user document the rest of the core works with.
type StoreAuthenticator struct {
	store remote.Store
}

func NewStoreAuthenticator(store remote.Store) *StoreAuthenticator {
	return &StoreAuthenticator{store: store}
}

// SignIn implements Authenticator.
func (a *StoreAuthenticator) SignIn(ctx context.Context, handle, password string) (model.User, error) {
	recs, err := a.store.Select(ctx, remote.CollUsers, remote.Where("email", handle))
	if err != nil {
		return model.User{}, fmt.Errorf("look up user: %w", err)
	}
	if len(recs) == 0 {
		return model.User{}, fmt.Errorf("unknown handle %q: %w", handle, model.ErrPermissionDenied)
	}
	doc := recs[0].Data
	u := model.User{ID: recs[0].ID, Handle: handle}
	if v, ok := doc["name"].(string); ok {
		u.DisplayName = v
	}
	if v, ok := doc["photoURL"].(string); ok {
		u.AvatarRef = v
	}
	return u, nil
}

// SignOut implements Authenticator. The store connection stays up; only
// the bound identity is dropped, which the manager handles.
func (a *StoreAuthenticator) SignOut(ctx context.Context) error {
	return nil
}
