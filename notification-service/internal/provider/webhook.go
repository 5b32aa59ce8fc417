package provider

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/weiawesome/wes-io-relay/pkg/notification"
)

// Webhook request headers.
const (
	HeaderSignature = "X-Relay-Signature"
	HeaderEvent     = "X-Relay-Event"
	HeaderDelivery  = "X-Relay-Delivery"
	HeaderTimestamp = "X-Relay-Timestamp"
)

// SignaturePrefix precedes the hex digest in HeaderSignature.
const SignaturePrefix = "sha256="

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return SignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature header value in constant time.
func VerifySignature(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

// WebhookPayload is the JSON body posted to endpoints.
type WebhookPayload struct {
	ID        string          `json:"id"`
	Event     string          `json:"event"`
	TenantID  string          `json:"tenant_id"`
	CreatedAt time.Time       `json:"created_at"`
	Data      json.RawMessage `json:"data"`
}

// Webhook posts signed events to tenant endpoints.
type Webhook struct {
	base
	client    *http.Client
	userAgent string
}

// NewWebhook takes an optional user_agent credential.
func NewWebhook(cfg Config, deps Deps) (Provider, error) {
	ua := cfg.credential("user_agent")
	if ua == "" {
		ua = "wes-io-relay-webhooks/1.0"
	}
	return &Webhook{base: newBase(cfg), client: deps.HTTPClient, userAgent: ua}, nil
}

func (*Webhook) Channel() notification.Channel { return notification.ChannelWebhook }

// payloadData keeps JSON content as is and quotes anything else.
func payloadData(content string) json.RawMessage {
	if content != "" && json.Valid([]byte(content)) {
		return json.RawMessage(content)
	}
	quoted, _ := json.Marshal(content)
	return quoted
}

// Send signs the body with the endpoint secret and posts it within the
// endpoint's timeout. Any 2xx is success.
func (w *Webhook) Send(ctx context.Context, d *Delivery) (*Result, error) {
	ep := d.Endpoint
	if ep == nil {
		return nil, NewError(CodeInvalidRequest, errNoEndpoint.Error(), false)
	}
	if ep.Status == notification.EndpointSuspended {
		return nil, NewError(CodeEndpointSuspended, "endpoint "+ep.ID+" is suspended", false)
	}
	if !ep.Active() {
		return nil, NewError(CodeEndpointInactive, "endpoint "+ep.ID+" is "+string(ep.Status), false)
	}
	if ep.Secret == "" {
		return nil, NewError(CodeInvalidSecret, "endpoint "+ep.ID+" has no signing secret", false)
	}

	n := d.Notification
	body, err := json.Marshal(WebhookPayload{
		ID:        n.ID,
		Event:     n.EventType,
		TenantID:  n.TenantID,
		CreatedAt: n.CreatedAt,
		Data:      payloadData(n.Content),
	})
	if err != nil {
		return nil, NewError(CodeInvalidRequest, err.Error(), false)
	}

	ctx, cancel := context.WithTimeout(ctx, ep.Timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return nil, NewError(CodeInvalidRequest, err.Error(), false)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", w.userAgent)
	req.Header.Set(HeaderSignature, Sign(ep.Secret, body))
	req.Header.Set(HeaderEvent, n.EventType)
	req.Header.Set(HeaderDelivery, d.ID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(time.Now().Unix(), 10))

	resp, err := do(w.client, req)
	if err != nil {
		return nil, err
	}
	if !resp.ok() {
		e := classifyStatus(resp.status, string(resp.body))
		// Endpoint failures stay retryable; the suspension threshold ends them.
		e.Retryable = true
		return nil, e
	}
	return &Result{MessageID: d.ID, StatusCode: resp.status}, nil
}
