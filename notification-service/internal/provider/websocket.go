package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/weiawesome/wes-io-relay/pkg/notification"
)

// Directory finds the chat-service instances owning user sessions.
type Directory interface {
	LookupMany(ctx context.Context, tenantID string, userIDs []string) (map[string][]string, error)
}

// RoomMembers resolves room membership.
type RoomMembers interface {
	GetRoomMembers(ctx context.Context, tenantID, roomID string) ([]string, error)
}

// LiveDeps are the collaborators of the websocket provider.
type LiveDeps struct {
	Directory     Directory
	Rooms         RoomMembers
	InternalToken string
}

// Path and header of the chat-service live delivery endpoint.
const (
	liveDeliverPath     = "/internal/v1/deliver"
	headerInternalToken = "X-Internal-Token"
)

// liveFrame is the "notification" frame the chat-service forwards to
// sessions.
type liveFrame struct {
	Msg            string                 `json:"msg"`
	NotificationID string                 `json:"notification_id"`
	RoomID         string                 `json:"room_id,omitempty"`
	Subject        string                 `json:"subject,omitempty"`
	Content        string                 `json:"content"`
	Meta           map[string]interface{} `json:"meta,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

type liveRequest struct {
	TenantID      string    `json:"tenant_id"`
	UserIDs       []string  `json:"user_ids"`
	RoomID        string    `json:"room_id,omitempty"`
	ExcludeUserID string    `json:"exclude_user_id,omitempty"`
	Frame         liveFrame `json:"frame"`
}

type liveResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Delivered []string `json:"delivered"`
	} `json:"data"`
}

// Websocket pushes notifications to the live sessions of a recipient or
// of a room's members, wherever they are connected.
type Websocket struct {
	base
	deps   LiveDeps
	client *http.Client
}

// NewWebsocket needs the session directory and room store in deps.
func NewWebsocket(cfg Config, deps Deps) (Provider, error) {
	if deps.Live.Directory == nil || deps.Live.Rooms == nil {
		return nil, fmt.Errorf("provider %s: websocket delivery needs a session directory and room store", cfg.Name)
	}
	live := deps.Live
	if tok := cfg.credential("internal_token"); tok != "" {
		live.InternalToken = tok
	}
	return &Websocket{base: newBase(cfg), deps: live, client: deps.HTTPClient}, nil
}

func (*Websocket) Channel() notification.Channel { return notification.ChannelWebsocket }

// targets lists the users to reach. The sender of the originating message
// is never a target.
func (w *Websocket) targets(ctx context.Context, n *notification.Notification) ([]string, error) {
	sender := n.MetaString(notification.MetaSenderID)
	if n.RecipientID != "" {
		if n.RecipientID == sender {
			return nil, nil
		}
		return []string{n.RecipientID}, nil
	}
	if n.RoomID == "" {
		return nil, NewError(CodeInvalidRecipient, "no recipient or room", false)
	}
	members, err := w.deps.Rooms.GetRoomMembers(ctx, n.TenantID, n.RoomID)
	if err != nil {
		return nil, NewError(CodeProviderError, "load room members: "+err.Error(), true)
	}
	out := make([]string, 0, len(members))
	for _, m := range members {
		if m != sender {
			out = append(out, m)
		}
	}
	return out, nil
}

// Send delivers to every instance holding a target session. Nobody
// reached is a retryable no_recipients_online failure.
func (w *Websocket) Send(ctx context.Context, d *Delivery) (*Result, error) {
	n := d.Notification
	users, err := w.targets(ctx, n)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, NewError(CodeNoRecipientsOnline, "no target session is online", true)
	}
	owners, err := w.deps.Directory.LookupMany(ctx, n.TenantID, users)
	if err != nil {
		return nil, NewError(CodeNetwork, err.Error(), true)
	}

	frame := liveFrame{
		Msg:            "notification",
		NotificationID: n.ID,
		RoomID:         n.RoomID,
		Subject:        n.Subject,
		Content:        n.Content,
		Meta:           n.Meta,
		CreatedAt:      n.CreatedAt,
	}

	var delivered []string
	var lastErr error
	for addr, ids := range owners {
		got, err := w.deliver(ctx, addr, liveRequest{
			TenantID:      n.TenantID,
			UserIDs:       ids,
			RoomID:        n.RoomID,
			ExcludeUserID: n.MetaString(notification.MetaSenderID),
			Frame:         frame,
		})
		if err != nil {
			lastErr = err
			continue
		}
		delivered = append(delivered, got...)
	}

	if len(delivered) == 0 {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, NewError(CodeNoRecipientsOnline, "no target session is online", true)
	}
	return &Result{MessageID: n.ID, StatusCode: http.StatusOK}, nil
}

func (w *Websocket) deliver(ctx context.Context, addr string, body liveRequest) ([]string, error) {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	req, err := newJSONRequest(ctx, strings.TrimRight(addr, "/")+liveDeliverPath, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set(headerInternalToken, w.deps.InternalToken)

	resp, err := do(w.client, req)
	if err != nil {
		return nil, err
	}
	if !resp.ok() {
		e := classifyStatus(resp.status, string(resp.body))
		// a stale directory entry may point at a restarted instance
		e.Retryable = e.Retryable || resp.status == http.StatusNotFound
		return nil, e
	}
	var out liveResponse
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return nil, NewError(CodeProviderError, "unreadable deliver response", true)
	}
	return out.Data.Delivered, nil
}
