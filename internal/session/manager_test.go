package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/comtalk/comtalk/internal/bus"
	"github.com/comtalk/comtalk/internal/model"
	"github.com/comtalk/comtalk/internal/remote"
	"github.com/comtalk/comtalk/internal/remote/memstore"
)

type fakeAuth struct {
	user       model.User
	signInErr  error
	signOutErr error
}

func (f *fakeAuth) SignIn(context.Context, string, string) (model.User, error) {
	return f.user, f.signInErr
}

func (f *fakeAuth) SignOut(context.Context) error {
	return f.signOutErr
}

func drainEvent(t *testing.T, ch <-chan bus.Event) {
	t.Helper()
	select {
	case evt := <-ch:
		if evt.Kind != bus.KindSessionChanged {
			t.Errorf("event kind = %q, want %q", evt.Kind, bus.KindSessionChanged)
		}
	case <-time.After(time.Second):
		t.Fatal("no session.changed event")
	}
}

func TestSignInPublishesChange(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe(bus.KindSessionChanged, 4)
	defer unsub()

	auth := &fakeAuth{user: model.User{ID: "u1", DisplayName: "Alice", Handle: "alice@x"}}
	m := NewManager(auth, nil, nil, b, nil)

	if _, err := m.CurrentUser(); !errors.Is(err, model.ErrNotAuthenticated) {
		t.Fatalf("CurrentUser() before sign-in error = %v, want ErrNotAuthenticated", err)
	}

	u, err := m.SignIn(context.Background(), "alice@x", "pw")
	if err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	if u.ID != "u1" {
		t.Errorf("user = %+v", u)
	}
	drainEvent(t, ch)

	got, err := m.CurrentUser()
	if err != nil {
		t.Fatalf("CurrentUser() error = %v", err)
	}
	if got.ID != "u1" {
		t.Errorf("CurrentUser() = %+v", got)
	}
}

func TestSignInFailureLeavesSignedOut(t *testing.T) {
	auth := &fakeAuth{signInErr: model.ErrPermissionDenied}
	m := NewManager(auth, nil, nil, nil, nil)

	if _, err := m.SignIn(context.Background(), "x", "y"); !errors.Is(err, model.ErrPermissionDenied) {
		t.Fatalf("SignIn() error = %v, want ErrPermissionDenied", err)
	}
	if _, err := m.CurrentUser(); !errors.Is(err, model.ErrNotAuthenticated) {
		t.Errorf("CurrentUser() error = %v, want ErrNotAuthenticated", err)
	}
}

func TestSignOutClearsEvenOnRemoteFailure(t *testing.T) {
	b := bus.New()
	auth := &fakeAuth{user: model.User{ID: "u1"}, signOutErr: model.ErrTransientIO}
	m := NewManager(auth, nil, nil, b, nil)

	if _, err := m.SignIn(context.Background(), "x", "y"); err != nil {
		t.Fatal(err)
	}

	ch, unsub := b.Subscribe(bus.KindSessionChanged, 4)
	defer unsub()

	if err := m.SignOut(context.Background()); err != nil {
		t.Fatalf("SignOut() error = %v", err)
	}
	drainEvent(t, ch)

	if _, err := m.CurrentUser(); !errors.Is(err, model.ErrNotAuthenticated) {
		t.Errorf("CurrentUser() after sign-out error = %v", err)
	}
}

func TestUpdateProfilePersistsRemotely(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	_ = store.Create(ctx, remote.CollUsers, "u1", model.Document{"name": "Alice", "email": "alice@x"})

	auth := &fakeAuth{user: model.User{ID: "u1", DisplayName: "Alice", Handle: "alice@x"}}
	m := NewManager(auth, store, nil, nil, nil)
	if _, err := m.SignIn(ctx, "alice@x", "pw"); err != nil {
		t.Fatal(err)
	}

	if err := m.UpdateProfile(ctx, "Alicia", "file://avatar"); err != nil {
		t.Fatalf("UpdateProfile() error = %v", err)
	}

	u, _ := m.CurrentUser()
	if u.DisplayName != "Alicia" || u.AvatarRef != "file://avatar" {
		t.Errorf("local user = %+v", u)
	}

	doc, err := store.Get(ctx, remote.CollUsers, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if doc["name"] != "Alicia" || doc["photoURL"] != "file://avatar" {
		t.Errorf("remote doc = %v", doc)
	}
}

func TestUpdateProfileSignedOut(t *testing.T) {
	m := NewManager(&fakeAuth{}, nil, nil, nil, nil)
	if err := m.UpdateProfile(context.Background(), "x", ""); !errors.Is(err, model.ErrNotAuthenticated) {
		t.Errorf("UpdateProfile() error = %v, want ErrNotAuthenticated", err)
	}
}

func TestStoreAuthenticator(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	_ = store.Create(ctx, remote.CollUsers, "u1", model.Document{"name": "Alice", "email": "alice@x", "photoURL": "file://a"})

	a := NewStoreAuthenticator(store)
	u, err := a.SignIn(ctx, "alice@x", "pw")
	if err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	if u.ID != "u1" || u.DisplayName != "Alice" || u.AvatarRef != "file://a" {
		t.Errorf("user = %+v", u)
	}

	if _, err := a.SignIn(ctx, "nobody@x", "pw"); !errors.Is(err, model.ErrPermissionDenied) {
		t.Errorf("unknown handle error = %v, want ErrPermissionDenied", err)
	}
}
