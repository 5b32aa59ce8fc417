// Package router persists chat messages and delivers them to online
// recipients, handing undeliverable ones to the notification pipeline.
package router

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/weiawesome/wes-io-relay/chat-service/internal/domain"
	"github.com/weiawesome/wes-io-relay/chat-service/internal/registry"
	"github.com/weiawesome/wes-io-relay/pkg/chat"
	"github.com/weiawesome/wes-io-relay/pkg/log"
	"github.com/weiawesome/wes-io-relay/pkg/notification"
	"github.com/weiawesome/wes-io-relay/pkg/pubsub"
)

// Notifier accepts notifications for asynchronous delivery.
type Notifier interface {
	Submit(ctx context.Context, req notification.Request) (string, error)
	SubmitEmailFallback(ctx context.Context, tenantID string, fb *notification.EmailFallback, subject, content, reason string, meta map[string]interface{}) (string, error)
}

// Target is either a room or a single recipient.
type Target struct {
	RoomID      string
	RecipientID string
}

func (t Target) validate() error {
	if (t.RoomID == "") == (t.RecipientID == "") {
		return chat.ErrInvalidTarget
	}
	return nil
}

// Payload is an outbound chat message.
type Payload struct {
	ClientMessageID string
	Content         string
	ContentType     string
	Meta            map[string]interface{}
	EmailFallback   *notification.EmailFallback
}

// DeliveryOutcome reports what Route did with a message.
type DeliveryOutcome struct {
	Delivered       bool
	Recipients      []string
	MessageID       string
	CreatedAt       time.Time
	FallbackReasons []string
	NotificationIDs []string
	// Duplicate is set when the client message id was already routed;
	// nothing was delivered or acknowledged again.
	Duplicate bool
}

// Options configures a Router. Dedupe defaults to an in-memory Deduper
// over DedupeWindow.
type Options struct {
	DedupeWindow time.Duration
	Dedupe       Deduper
	Publisher    pubsub.Publisher
}

// Router is the MessageRouter.
type Router struct {
	registry  *registry.Registry
	messages  chat.MessageStore
	notifier  Notifier
	publisher pubsub.Publisher
	dedupe    Deduper
	now       func() time.Time
}

// New creates a Router.
func New(reg *registry.Registry, messages chat.MessageStore, notifier Notifier, opts Options) *Router {
	if opts.DedupeWindow <= 0 {
		opts.DedupeWindow = 5 * time.Minute
	}
	if opts.Dedupe == nil {
		opts.Dedupe = NewMemoryDedupe(opts.DedupeWindow)
	}
	return &Router{
		registry:  reg,
		messages:  messages,
		notifier:  notifier,
		publisher: opts.Publisher,
		dedupe:    opts.Dedupe,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Route persists the message, delivers it to the online recipients and
// acknowledges it to the sender. When nobody received it the message is
// submitted as a websocket notification, plus an email when the payload
// carries an email fallback.
func (r *Router) Route(ctx context.Context, sender registry.Session, p Payload, target Target) (*DeliveryOutcome, error) {
	if err := target.validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Content) == "" {
		return nil, chat.ErrEmptyContent
	}
	if p.ContentType == "" {
		p.ContentType = chat.ContentTypeText
	}

	l := log.Ctx(ctx)
	tenantID, senderID := sender.TenantID(), sender.UserID()
	now := r.now()

	key := dedupeKey(tenantID, senderID, p.ClientMessageID)
	tracked := p.ClientMessageID != ""
	if tracked {
		prev, fresh, err := r.dedupe.Reserve(ctx, key, now)
		switch {
		case err != nil:
			l.Warn().Err(err).Str("client_message_id", p.ClientMessageID).Msg("dedupe unavailable, routing without it")
			tracked = false
		case !fresh:
			l.Info().Str("client_message_id", p.ClientMessageID).Msg("duplicate message ignored")
			prev.Duplicate = true
			return prev, nil
		}
	}

	msg := &chat.Message{
		ID:              chat.NewMessageID(now),
		TenantID:        tenantID,
		RoomID:          target.RoomID,
		RecipientID:     target.RecipientID,
		SenderID:        senderID,
		ClientMessageID: p.ClientMessageID,
		Content:         p.Content,
		ContentType:     p.ContentType,
		Meta:            p.Meta,
		CreatedAt:       now,
	}
	if err := r.messages.SaveMessage(ctx, msg); err != nil {
		if tracked {
			if rerr := r.dedupe.Release(ctx, key); rerr != nil {
				l.Warn().Err(rerr).Str("client_message_id", p.ClientMessageID).Msg("failed to release dedupe key")
			}
		}
		return nil, fmt.Errorf("persist message: %w", err)
	}

	frame := &domain.MessageFrame{
		Msg:         domain.MsgMessage,
		MessageID:   msg.ID,
		RoomID:      msg.RoomID,
		RecipientID: msg.RecipientID,
		SenderID:    senderID,
		Content:     msg.Content,
		ContentType: msg.ContentType,
		Meta:        msg.Meta,
		CreatedAt:   msg.CreatedAt,
	}

	var sessions []registry.Session
	if target.RecipientID != "" {
		if s, ok := r.registry.Lookup(tenantID, target.RecipientID); ok {
			sessions = append(sessions, s)
		}
	} else {
		sessions = r.registry.RoomSessions(tenantID, target.RoomID, senderID)
	}

	out := &DeliveryOutcome{MessageID: msg.ID, CreatedAt: msg.CreatedAt, Recipients: []string{}}
	failed := 0
	for _, s := range sessions {
		if err := s.Send(frame); err != nil {
			failed++
			l.Warn().Err(err).Str("recipient_id", s.UserID()).Str("message_id", msg.ID).Msg("live delivery failed")
			continue
		}
		out.Recipients = append(out.Recipients, s.UserID())
	}
	out.Delivered = len(out.Recipients) > 0

	sender.Send(&domain.MessageSentFrame{
		Msg:             domain.MsgMessageSent,
		MessageID:       msg.ID,
		ClientMessageID: p.ClientMessageID,
		Delivered:       out.Delivered,
		Recipients:      len(out.Recipients),
		CreatedAt:       msg.CreatedAt,
	})

	if !out.Delivered {
		r.fallback(ctx, sender, msg, p, len(sessions) == 0, failed > 0, out)
	}

	if tracked {
		if err := r.dedupe.Complete(ctx, key, out, now); err != nil {
			l.Warn().Err(err).Str("client_message_id", p.ClientMessageID).Msg("failed to record dedupe outcome")
		}
	}

	if err := pubsub.PublishTenantEvent(ctx, r.publisher, tenantID, pubsub.EventMessageCreated, pubsub.MessageCreatedPayload{
		MessageID:   msg.ID,
		RoomID:      msg.RoomID,
		RecipientID: msg.RecipientID,
		SenderID:    senderID,
		Content:     msg.Content,
		ContentType: msg.ContentType,
		Delivered:   out.Delivered,
	}); err != nil {
		l.Warn().Err(err).Str("message_id", msg.ID).Msg("failed to publish message event")
	}

	return out, nil
}

// fallback hands an undelivered message to the notification pipeline.
// noneOnline and sendFailed are evaluated independently; every reason
// that applies is recorded.
func (r *Router) fallback(ctx context.Context, sender registry.Session, msg *chat.Message, p Payload, noneOnline, sendFailed bool, out *DeliveryOutcome) {
	l := log.Ctx(ctx)
	if noneOnline {
		out.FallbackReasons = append(out.FallbackReasons, notification.ReasonNoOnlineUsers)
	}
	if sendFailed {
		out.FallbackReasons = append(out.FallbackReasons, notification.ReasonWebsocketDeliveryFailed)
	}
	reason := strings.Join(out.FallbackReasons, ",")

	l.Info().
		Str("message_id", msg.ID).
		Strs("fallback_reasons", out.FallbackReasons).
		Bool("email_fallback", p.EmailFallback != nil).
		Msg("live delivery failed, falling back to notifications")

	if r.notifier == nil {
		return
	}

	wsID, err := r.notifier.Submit(ctx, notification.Request{
		TenantID:    msg.TenantID,
		Channel:     notification.ChannelWebsocket,
		Priority:    notification.PriorityNormal,
		Content:     msg.Content,
		RoomID:      msg.RoomID,
		RecipientID: msg.RecipientID,
		Meta: map[string]interface{}{
			notification.MetaMessageID:      msg.ID,
			notification.MetaFallbackReason: reason,
			notification.MetaSenderID:       msg.SenderID,
			"content_type":                  msg.ContentType,
		},
	})
	if err != nil {
		l.Error().Err(err).Str("message_id", msg.ID).Msg("failed to submit websocket notification")
	} else {
		out.NotificationIDs = append(out.NotificationIDs, wsID)
	}

	if p.EmailFallback == nil {
		return
	}
	meta := map[string]interface{}{notification.MetaMessageID: msg.ID}
	if wsID != "" {
		meta[notification.MetaParentID] = wsID
	}
	subject := fmt.Sprintf("New message from %s", displayName(sender))
	emailID, err := r.notifier.SubmitEmailFallback(ctx, msg.TenantID, p.EmailFallback, subject, msg.Content, reason, meta)
	if err != nil {
		l.Error().Err(err).Str("message_id", msg.ID).Msg("failed to submit email fallback")
		return
	}
	out.NotificationIDs = append(out.NotificationIDs, emailID)
}

func displayName(s registry.Session) string {
	if n, ok := s.(interface{ DisplayName() string }); ok && n.DisplayName() != "" {
		return n.DisplayName()
	}
	return s.UserID()
}

// DeliverLive pushes frame to the sessions of userIDs, or to every online
// member of roomID when userIDs is empty. excludeUserID never receives it.
// It returns the users that received it.
func (r *Router) DeliverLive(ctx context.Context, tenantID, roomID, excludeUserID string, userIDs []string, frame interface{}) []string {
	var sessions []registry.Session
	if len(userIDs) > 0 {
		for _, u := range userIDs {
			if u == excludeUserID {
				continue
			}
			if s, ok := r.registry.Lookup(tenantID, u); ok {
				sessions = append(sessions, s)
			}
		}
	} else if roomID != "" {
		sessions = r.registry.RoomSessions(tenantID, roomID, excludeUserID)
	}

	delivered := make([]string, 0, len(sessions))
	for _, s := range sessions {
		if err := s.Send(frame); err != nil {
			l := log.Ctx(ctx)
			l.Debug().Err(err).Str(log.FieldUserID, s.UserID()).Msg("live notification dropped")
			continue
		}
		delivered = append(delivered, s.UserID())
	}
	return delivered
}
