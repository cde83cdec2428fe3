package convo

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/comtalk/comtalk/internal/model"
	"github.com/comtalk/comtalk/internal/remote"
	"github.com/comtalk/comtalk/internal/roster"
)

// directNamespace seeds uuid v5 derivation of direct conversation ids.
// Changing it orphans every existing direct conversation.
var directNamespace = uuid.MustParse("9f2c1e34-7a6b-4de0-8c5a-2b9d41f0c7e3")

// DirectConversationID derives the canonical conversation id for an
// unordered pair of participants. Both participants compute the same id
// with no coordination, which removes the query-then-create race.
func DirectConversationID(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return uuid.NewSHA1(directNamespace, []byte(pair[0]+"\x00"+pair[1])).String()
}

// DirectResolver finds or creates the canonical direct conversation for a
// participant pair.
type DirectResolver struct {
	store    remote.Store
	identity roster.Identity
	logger   *zap.Logger
}

// NewDirectResolver creates a direct-chat identity resolver.
func NewDirectResolver(store remote.Store, identity roster.Identity, logger *zap.Logger) *DirectResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DirectResolver{store: store, identity: identity, logger: logger}
}

// Resolve returns the conversation id for a direct chat with the given
// participant, creating the conversation if it does not exist. Sequential
// and concurrent calls for the same pair converge on the same id.
func (r *DirectResolver) Resolve(ctx context.Context, otherID, otherName string) (string, error) {
	user, err := r.identity.CurrentUser()
	if err != nil {
		return "", err
	}

	id := DirectConversationID(user.ID, otherID)
	if _, err := r.store.Get(ctx, remote.CollConversations, id); err == nil {
		return id, nil
	} else if !errors.Is(err, model.ErrNotFound) {
		return "", fmt.Errorf("lookup conversation: %w", err)
	}

	// Conversations created before deterministic ids carry arbitrary ids;
	// scan the user's direct conversations for the pair before creating.
	records, err := r.store.Select(ctx, remote.CollConversations, remote.Query{
		Conds: []remote.Cond{
			{Field: "type", Op: remote.OpEq, Value: model.KindDirect},
			{Field: "participants", Op: remote.OpContains, Value: user.ID},
		},
	})
	if err != nil {
		return "", fmt.Errorf("scan conversations: %w", err)
	}
	for _, rec := range records {
		if model.HasMember(rec.Data["participants"], otherID) {
			return rec.ID, nil
		}
	}

	conv := model.Conversation{
		ID:                 id,
		Kind:               model.KindDirect,
		ParticipantIDs:     []string{user.ID, otherID},
		LastMessageSummary: "Conversation with " + otherName,
	}
	err = r.store.Create(ctx, remote.CollConversations, id, conv.ToDoc())
	if err != nil && !errors.Is(err, model.ErrAlreadyExists) {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	// ErrAlreadyExists means a concurrent resolve won the create; both
	// derived the same id, so the outcome is identical.
	r.logger.Info("direct conversation resolved",
		zap.String("conversation", id), zap.String("with", otherID))
	return id, nil
}
