// Package dispatch sends text and audio messages and keeps conversation
// summaries consistent with the message log.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/comtalk/comtalk/internal/bus"
	"github.com/comtalk/comtalk/internal/convo"
	"github.com/comtalk/comtalk/internal/metrics"
	"github.com/comtalk/comtalk/internal/model"
	"github.com/comtalk/comtalk/internal/remote"
	"github.com/comtalk/comtalk/internal/roster"
)

const summaryMaxLen = 100

// Dispatcher writes messages to the remote store.
type Dispatcher struct {
	store    remote.Store
	cache    *convo.Cache
	identity roster.Identity
	bus      *bus.Bus
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// NewDispatcher creates a message dispatcher.
func NewDispatcher(store remote.Store, cache *convo.Cache, identity roster.Identity, b *bus.Bus, m *metrics.Collector, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		store:    store,
		cache:    cache,
		identity: identity,
		bus:      b,
		metrics:  m,
		logger:   logger,
	}
}

// SendText sends a text message and updates the conversation summary.
// The summary is only touched after the message write succeeds.
func (d *Dispatcher) SendText(ctx context.Context, conversationID, body string) (model.Message, error) {
	return d.send(ctx, conversationID, model.Message{
		Kind: model.MessageText,
		Body: body,
	}, truncate(body, summaryMaxLen))
}

// SendAudio sends an audio message referencing an uploaded payload.
func (d *Dispatcher) SendAudio(ctx context.Context, conversationID, audioRef, durationLabel string) (model.Message, error) {
	return d.send(ctx, conversationID, model.Message{
		Kind:          model.MessageAudio,
		AudioRef:      audioRef,
		AudioDuration: durationLabel,
	}, "Audio message ("+durationLabel+")")
}

func (d *Dispatcher) send(ctx context.Context, conversationID string, msg model.Message, summary string) (model.Message, error) {
	user, err := d.identity.CurrentUser()
	if err != nil {
		return model.Message{}, err
	}

	// A missing target fails the call before any state is touched.
	if _, err := d.store.Get(ctx, remote.CollConversations, conversationID); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.Message{}, fmt.Errorf("conversation %s: %w", conversationID, model.ErrNotFound)
		}
		return model.Message{}, fmt.Errorf("lookup conversation: %w", err)
	}

	now := time.Now().UnixMilli()
	msg.ID = uuid.NewString()
	msg.CorrelationID = uuid.NewString()
	msg.ConversationID = conversationID
	msg.SenderID = user.ID
	msg.SenderName = user.DisplayName
	msg.CreatedAt = now

	if d.cache != nil {
		d.cache.AppendOptimistic(conversationID, msg)
	}

	stored := msg
	stored.Delivery = model.DeliverySent
	if err := d.store.Create(ctx, remote.CollMessages, stored.ID, stored.ToDoc()); err != nil {
		if d.cache != nil {
			d.cache.MarkFailed(conversationID, msg.CorrelationID)
		}
		d.metrics.MessageFailed()
		d.publish(bus.KindMessageSendFailed, map[string]string{
			"conversation":   conversationID,
			"correlation_id": msg.CorrelationID,
			"error":          err.Error(),
		})
		d.logger.Error("message write failed",
			zap.String("conversation", conversationID), zap.Error(err))
		msg.Delivery = model.DeliveryFailed
		return msg, fmt.Errorf("write message: %w", err)
	}

	// Summary follows the message, never precedes it. A summary failure is
	// logged but does not fail the send: the message exists.
	if err := d.store.Update(ctx, remote.CollConversations, conversationID, model.Document{
		"lastMessage":     summary,
		"lastMessageTime": now,
	}); err != nil {
		d.logger.Warn("summary update failed",
			zap.String("conversation", conversationID), zap.Error(err))
	}

	d.metrics.MessageSent()
	d.publish(bus.KindMessageUpserted, map[string]string{
		"conversation": conversationID,
		"message":      msg.ID,
	})
	msg.Delivery = model.DeliverySent
	return msg, nil
}

// DeleteMessage removes a message and recomputes the conversation summary
// from the surviving most-recent message, clearing it if none remain.
func (d *Dispatcher) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	if _, err := d.identity.CurrentUser(); err != nil {
		return err
	}
	if err := d.store.Delete(ctx, remote.CollMessages, messageID); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}

	q := remote.Where("chatId", conversationID)
	q.OrderBy = "timestamp"
	q.Desc = true
	q.Limit = 1
	records, err := d.store.Select(ctx, remote.CollMessages, q)
	if err != nil {
		return fmt.Errorf("recompute summary: %w", err)
	}

	fields := model.Document{"lastMessage": "", "lastMessageTime": int64(0)}
	if len(records) > 0 {
		last := model.MessageFromDoc(records[0].ID, records[0].Data)
		summary := truncate(last.Body, summaryMaxLen)
		if last.Kind == model.MessageAudio {
			summary = "Audio message (" + last.AudioDuration + ")"
		}
		fields = model.Document{"lastMessage": summary, "lastMessageTime": last.CreatedAt}
	}
	if err := d.store.Update(ctx, remote.CollConversations, conversationID, fields); err != nil {
		return fmt.Errorf("update summary: %w", err)
	}
	d.logger.Info("message deleted",
		zap.String("conversation", conversationID), zap.String("message", messageID))
	return nil
}

func (d *Dispatcher) publish(kind string, payload any) {
	if d.bus != nil {
		d.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
