package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const postmarkBaseURL = "https://api.postmarkapp.com"

// Postmark error codes that will never succeed on retry.
var postmarkPermanent = map[int]string{
	300: CodeInvalidRecipient, // invalid email request
	406: CodeInvalidRecipient, // inactive recipient
	10:  CodeAuthentication,   // bad server token
	400: CodeInvalidRequest,   // sender signature not found
}

// Postmark sends email through the Postmark email API.
type Postmark struct {
	emailBase
	token   string
	stream  string
	baseURL string
	client  *http.Client
}

// NewPostmark needs the server_token and from_email credentials.
func NewPostmark(cfg Config, deps Deps) (Provider, error) {
	if err := cfg.require("server_token", "from_email"); err != nil {
		return nil, err
	}
	baseURL := cfg.credential("base_url")
	if baseURL == "" {
		baseURL = postmarkBaseURL
	}
	stream := cfg.credential("message_stream")
	if stream == "" {
		stream = "outbound"
	}
	return &Postmark{
		emailBase: newEmailBase(cfg),
		token:     cfg.credential("server_token"),
		stream:    stream,
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    deps.HTTPClient,
	}, nil
}

type postmarkEmail struct {
	From          string            `json:"From"`
	To            string            `json:"To"`
	Cc            string            `json:"Cc,omitempty"`
	Bcc           string            `json:"Bcc,omitempty"`
	Subject       string            `json:"Subject"`
	TextBody      string            `json:"TextBody,omitempty"`
	HtmlBody      string            `json:"HtmlBody,omitempty"`
	ReplyTo       string            `json:"ReplyTo,omitempty"`
	MessageStream string            `json:"MessageStream"`
	Metadata      map[string]string `json:"Metadata,omitempty"`
}

type postmarkResponse struct {
	MessageID string `json:"MessageID"`
	ErrorCode int    `json:"ErrorCode"`
	Message   string `json:"Message"`
}

// Send posts one email. Postmark reports failures both through the
// HTTP status and a numeric ErrorCode.
func (p *Postmark) Send(ctx context.Context, d *Delivery) (*Result, error) {
	n := d.Notification
	if err := p.validate(n); err != nil {
		return nil, err
	}

	email := postmarkEmail{
		From:          p.sender(n),
		To:            strings.Join(n.To, ","),
		Cc:            strings.Join(n.CC, ","),
		Bcc:           strings.Join(n.BCC, ","),
		Subject:       n.Subject,
		ReplyTo:       n.ReplyTo,
		MessageStream: p.stream,
		Metadata:      map[string]string{"notification_id": n.ID},
	}
	if isHTML(n) {
		email.HtmlBody = n.Content
	} else {
		email.TextBody = n.Content
	}

	req, err := newJSONRequest(ctx, p.baseURL+"/email", email)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Postmark-Server-Token", p.token)

	resp, err := do(p.client, req)
	if err != nil {
		return nil, err
	}

	var body postmarkResponse
	decodeErr := json.Unmarshal(resp.body, &body)
	if resp.ok() && decodeErr == nil && body.ErrorCode == 0 {
		return &Result{MessageID: body.MessageID, StatusCode: resp.status}, nil
	}
	if decodeErr == nil && body.ErrorCode != 0 {
		if code, ok := postmarkPermanent[body.ErrorCode]; ok {
			return nil, &Error{Code: code, Message: body.Message, StatusCode: resp.status}
		}
		if resp.status < 500 && resp.status != http.StatusTooManyRequests {
			return nil, &Error{Code: CodeProviderError, Message: fmt.Sprintf("postmark error %d: %s", body.ErrorCode, body.Message), StatusCode: resp.status}
		}
	}
	return nil, classifyStatus(resp.status, string(resp.body))
}
