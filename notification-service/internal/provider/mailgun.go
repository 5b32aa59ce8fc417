package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
)

const mailgunBaseURL = "https://api.mailgun.net/v3"

// Mailgun sends email through the Mailgun messages API.
type Mailgun struct {
	emailBase
	apiKey  string
	domain  string
	baseURL string
	client  *http.Client
}

// NewMailgun needs the api_key, domain and from_email credentials.
// base_url selects the EU region or a test server.
func NewMailgun(cfg Config, deps Deps) (Provider, error) {
	if err := cfg.require("api_key", "domain", "from_email"); err != nil {
		return nil, err
	}
	baseURL := cfg.credential("base_url")
	if baseURL == "" {
		baseURL = mailgunBaseURL
	}
	return &Mailgun{
		emailBase: newEmailBase(cfg),
		apiKey:    cfg.credential("api_key"),
		domain:    cfg.credential("domain"),
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    deps.HTTPClient,
	}, nil
}

type mailgunResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// Send posts a form-encoded message with basic auth user "api".
func (m *Mailgun) Send(ctx context.Context, d *Delivery) (*Result, error) {
	n := d.Notification
	if err := m.validate(n); err != nil {
		return nil, err
	}

	from := m.sender(n)
	if m.fromName != "" && n.From == "" {
		from = m.fromName + " <" + from + ">"
	}
	form := url.Values{}
	form.Set("from", from)
	form.Set("to", strings.Join(n.To, ","))
	if len(n.CC) > 0 {
		form.Set("cc", strings.Join(n.CC, ","))
	}
	if len(n.BCC) > 0 {
		form.Set("bcc", strings.Join(n.BCC, ","))
	}
	form.Set("subject", n.Subject)
	if isHTML(n) {
		form.Set("html", n.Content)
	} else {
		form.Set("text", n.Content)
	}
	if n.ReplyTo != "" {
		form.Set("h:Reply-To", n.ReplyTo)
	}
	form.Set("v:notification_id", n.ID)

	endpoint := m.baseURL + "/" + m.domain + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, NewError(CodeInvalidRequest, err.Error(), false)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("api", m.apiKey)

	resp, err := do(m.client, req)
	if err != nil {
		return nil, err
	}
	if !resp.ok() {
		return nil, classifyStatus(resp.status, string(resp.body))
	}
	var body mailgunResponse
	if err := json.Unmarshal(resp.body, &body); err != nil {
		return nil, NewError(CodeProviderError, "unreadable mailgun response", true)
	}
	return &Result{MessageID: strings.Trim(body.ID, "<>"), StatusCode: resp.status}, nil
}
