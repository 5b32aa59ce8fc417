package provider

import (
	"context"
	"net/http"
	"strings"
)

const sendGridBaseURL = "https://api.sendgrid.com/v3"

// SendGrid sends email through the SendGrid v3 mail API.
type SendGrid struct {
	emailBase
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewSendGrid needs the api_key and from_email credentials.
func NewSendGrid(cfg Config, deps Deps) (Provider, error) {
	if err := cfg.require("api_key", "from_email"); err != nil {
		return nil, err
	}
	baseURL := cfg.credential("base_url")
	if baseURL == "" {
		baseURL = sendGridBaseURL
	}
	return &SendGrid{
		emailBase: newEmailBase(cfg),
		apiKey:    cfg.credential("api_key"),
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    deps.HTTPClient,
	}, nil
}

type sgAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sgPersonalization struct {
	To  []sgAddress `json:"to"`
	CC  []sgAddress `json:"cc,omitempty"`
	BCC []sgAddress `json:"bcc,omitempty"`
}

type sgContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sgMail struct {
	Personalizations []sgPersonalization `json:"personalizations"`
	From             sgAddress           `json:"from"`
	ReplyTo          *sgAddress          `json:"reply_to,omitempty"`
	Subject          string              `json:"subject"`
	Content          []sgContent         `json:"content"`
	CustomArgs       map[string]string   `json:"custom_args,omitempty"`
}

func sgAddresses(addrs []string) []sgAddress {
	if len(addrs) == 0 {
		return nil
	}
	out := make([]sgAddress, len(addrs))
	for i, a := range addrs {
		out[i] = sgAddress{Email: a}
	}
	return out
}

// Send posts one personalization per To address. SendGrid answers 202
// with the message id in X-Message-Id.
func (s *SendGrid) Send(ctx context.Context, d *Delivery) (*Result, error) {
	n := d.Notification
	if err := s.validate(n); err != nil {
		return nil, err
	}

	mail := sgMail{
		From:       sgAddress{Email: s.sender(n), Name: s.fromName},
		Subject:    n.Subject,
		CustomArgs: map[string]string{"notification_id": n.ID},
	}
	for _, to := range n.To {
		mail.Personalizations = append(mail.Personalizations, sgPersonalization{
			To:  []sgAddress{{Email: to}},
			CC:  sgAddresses(n.CC),
			BCC: sgAddresses(n.BCC),
		})
	}
	if n.ReplyTo != "" {
		mail.ReplyTo = &sgAddress{Email: n.ReplyTo}
	}
	contentType := "text/plain"
	if isHTML(n) {
		contentType = "text/html"
	}
	mail.Content = []sgContent{{Type: contentType, Value: n.Content}}

	req, err := newJSONRequest(ctx, s.baseURL+"/mail/send", mail)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := do(s.client, req)
	if err != nil {
		return nil, err
	}
	if resp.status != http.StatusAccepted && !resp.ok() {
		return nil, classifyStatus(resp.status, string(resp.body))
	}
	return &Result{MessageID: resp.header.Get("X-Message-Id"), StatusCode: resp.status}, nil
}
