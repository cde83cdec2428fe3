package roster

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/comtalk/comtalk/internal/model"
	"github.com/comtalk/comtalk/internal/remote"
)

// AddContact creates a roster contact for the current user. If a
// registered account matches the handle, the contact is linked to it.
func (r *Resolver) AddContact(ctx context.Context, name, handle string) (model.Contact, error) {
	user, err := r.identity.CurrentUser()
	if err != nil {
		return model.Contact{}, err
	}

	c := model.Contact{
		ID:          uuid.NewString(),
		OwnerID:     user.ID,
		DisplayName: name,
		Handle:      handle,
		AddedAt:     time.Now().UnixMilli(),
	}

	// Best effort: link to an existing account by handle. A miss or a
	// lookup failure leaves the contact unlinked, it does not block the add.
	accounts, err := r.store.Select(ctx, remote.CollUsers, remote.Where("email", handle))
	if err != nil {
		r.logger.Warn("account lookup failed, adding unlinked contact", zap.Error(err))
	} else if len(accounts) > 0 {
		c.LinkedUserID = accounts[0].ID
	}

	if err := r.store.Create(ctx, remote.CollContacts, c.ID, c.ToDoc()); err != nil {
		return model.Contact{}, fmt.Errorf("create contact: %w", err)
	}
	r.logger.Info("contact added", zap.String("contact", c.ID), zap.String("linked", c.LinkedUserID))
	return c, nil
}

// CreateGroup creates a group and its companion conversation under the
// same id. The creator is always a member. If the conversation write
// fails the group is rolled back so the two never diverge.
func (r *Resolver) CreateGroup(ctx context.Context, name string, memberIDs []string) (model.Group, error) {
	user, err := r.identity.CurrentUser()
	if err != nil {
		return model.Group{}, err
	}

	members := make([]string, 0, len(memberIDs)+1)
	seen := make(map[string]bool, len(memberIDs)+1)
	for _, m := range append(memberIDs, user.ID) {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		members = append(members, m)
	}

	g := model.Group{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedBy: user.ID,
		Members:   members,
		Kind:      model.KindGroup,
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := r.store.Create(ctx, remote.CollGroups, g.ID, g.ToDoc()); err != nil {
		return model.Group{}, fmt.Errorf("create group: %w", err)
	}

	conv := model.Conversation{
		ID:             g.ID,
		Kind:           model.KindGroup,
		ParticipantIDs: members,
	}
	if err := r.store.Create(ctx, remote.CollConversations, conv.ID, conv.ToDoc()); err != nil {
		_ = r.store.Delete(ctx, remote.CollGroups, g.ID)
		return model.Group{}, fmt.Errorf("create group conversation: %w", err)
	}

	r.logger.Info("group created",
		zap.String("group", g.ID), zap.Int("members", len(members)))
	return g, nil
}
