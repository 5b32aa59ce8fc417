package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"net/textproto"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/smithy-go"
	"github.com/weiawesome/wes-io-relay/pkg/notification"
)

func emailNotification() *notification.Notification {
	return &notification.Notification{
		ID:       "n1",
		TenantID: "t1",
		Channel:  notification.ChannelEmail,
		Subject:  "Hello",
		Content:  "Body",
		To:       []string{"a@example.com"},
	}
}

func newProvider(t *testing.T, cfg Config, deps Deps) Provider {
	t.Helper()
	p, err := NewFactory().New(cfg, deps)
	if err != nil {
		t.Fatalf("New(%s): %v", cfg.Type, err)
	}
	return p
}

func wantCode(t *testing.T, err error, code string, retryable bool) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	if got := ErrorCode(err); got != code {
		t.Errorf("code = %q, want %q (%v)", got, code, err)
	}
	if got := IsRetryable(err); got != retryable {
		t.Errorf("retryable = %v, want %v", got, retryable)
	}
}

func TestSendGridSend(t *testing.T) {
	var got sgMail
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v3/mail/send" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sg-key" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Header().Set("X-Message-Id", "sg-123")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	p := newProvider(t, Config{Type: TypeSendGrid, Credentials: map[string]string{
		"api_key": "sg-key", "from_email": "noreply@example.com", "base_url": srv.URL + "/v3",
	}}, Deps{})

	res, err := p.Send(context.Background(), &Delivery{Notification: emailNotification()})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.MessageID != "sg-123" {
		t.Errorf("message id = %q", res.MessageID)
	}
	if got.From.Email != "noreply@example.com" || got.Subject != "Hello" {
		t.Errorf("unexpected mail %+v", got)
	}
	if len(got.Content) != 1 || got.Content[0].Type != "text/plain" {
		t.Errorf("content = %+v", got.Content)
	}
}

func TestSendGridStatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		code      string
		retryable bool
	}{
		{http.StatusUnauthorized, CodeAuthentication, false},
		{http.StatusBadRequest, CodeInvalidRequest, false},
		{http.StatusTooManyRequests, CodeRateLimited, true},
		{http.StatusBadGateway, CodeProviderError, true},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		p := newProvider(t, Config{Type: TypeSendGrid, Credentials: map[string]string{
			"api_key": "k", "from_email": "f@example.com", "base_url": srv.URL,
		}}, Deps{})
		_, err := p.Send(context.Background(), &Delivery{Notification: emailNotification()})
		wantCode(t, err, tt.code, tt.retryable)
		srv.Close()
	}
}

func TestMailgunSend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/mg.example.com/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "api" || pass != "mg-key" {
			t.Errorf("basic auth = %q %q %v", user, pass, ok)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.PostForm.Get("to") != "a@example.com,b@example.com" {
			t.Errorf("to = %q", r.PostForm.Get("to"))
		}
		if r.PostForm.Get("html") != "<b>hi</b>" {
			t.Errorf("html = %q", r.PostForm.Get("html"))
		}
		io.WriteString(w, `{"id":"<mg-1@mg.example.com>","message":"Queued. Thank you."}`)
	}))
	defer srv.Close()

	p := newProvider(t, Config{Type: TypeMailgun, Credentials: map[string]string{
		"api_key": "mg-key", "domain": "mg.example.com", "from_email": "noreply@example.com", "base_url": srv.URL,
	}}, Deps{})

	n := emailNotification()
	n.To = append(n.To, "b@example.com")
	n.Content = "<b>hi</b>"
	n.Meta = map[string]interface{}{"content_type": "html"}

	res, err := p.Send(context.Background(), &Delivery{Notification: n})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.MessageID != "mg-1@mg.example.com" {
		t.Errorf("message id = %q", res.MessageID)
	}
}

func TestPostmarkSend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Postmark-Server-Token") != "pm-token" {
			t.Errorf("token = %q", r.Header.Get("X-Postmark-Server-Token"))
		}
		var body postmarkEmail
		json.NewDecoder(r.Body).Decode(&body)
		if body.To == "inactive@example.com" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			io.WriteString(w, `{"ErrorCode":406,"Message":"inactive recipient"}`)
			return
		}
		io.WriteString(w, `{"MessageID":"pm-1","ErrorCode":0,"Message":"OK"}`)
	}))
	defer srv.Close()

	p := newProvider(t, Config{Type: TypePostmark, Credentials: map[string]string{
		"server_token": "pm-token", "from_email": "noreply@example.com", "base_url": srv.URL,
	}}, Deps{})

	res, err := p.Send(context.Background(), &Delivery{Notification: emailNotification()})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.MessageID != "pm-1" {
		t.Errorf("message id = %q", res.MessageID)
	}

	n := emailNotification()
	n.To = []string{"inactive@example.com"}
	_, err = p.Send(context.Background(), &Delivery{Notification: n})
	wantCode(t, err, CodeInvalidRecipient, false)
}

func TestSMTPSend(t *testing.T) {
	orig := sendMailHook
	defer func() { sendMailHook = orig }()

	var addr, from string
	var rcpts []string
	var msg []byte
	sendMailHook = func(a string, _ smtp.Auth, f string, to []string, m []byte) error {
		addr, from, rcpts, msg = a, f, to, m
		return nil
	}

	p := newProvider(t, Config{Type: TypeSMTP, Credentials: map[string]string{
		"host": "smtp.example.com", "port": "2525", "from_email": "noreply@example.com",
	}}, Deps{})

	n := emailNotification()
	n.BCC = []string{"hidden@example.com"}
	res, err := p.Send(context.Background(), &Delivery{Notification: n})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.MessageID == "" {
		t.Error("expected a message id")
	}
	if addr != "smtp.example.com:2525" || from != "noreply@example.com" {
		t.Errorf("addr=%s from=%s", addr, from)
	}
	if len(rcpts) != 2 {
		t.Errorf("rcpts = %v", rcpts)
	}
	text := string(msg)
	if !strings.Contains(text, "Subject: Hello\r\n") || strings.Contains(text, "hidden@example.com") {
		t.Errorf("unexpected message:\n%s", text)
	}
}

func TestSMTPPermanentFailure(t *testing.T) {
	orig := sendMailHook
	defer func() { sendMailHook = orig }()

	sendMailHook = func(string, smtp.Auth, string, []string, []byte) error {
		return &textproto.Error{Code: 550, Msg: "mailbox unavailable"}
	}
	p := newProvider(t, Config{Type: TypeSMTP, Credentials: map[string]string{
		"host": "smtp.example.com", "from_email": "noreply@example.com",
	}}, Deps{})
	_, err := p.Send(context.Background(), &Delivery{Notification: emailNotification()})
	wantCode(t, err, CodeInvalidRecipient, false)

	sendMailHook = func(string, smtp.Auth, string, []string, []byte) error {
		return &textproto.Error{Code: 451, Msg: "try again later"}
	}
	_, err = p.Send(context.Background(), &Delivery{Notification: emailNotification()})
	wantCode(t, err, CodeProviderError, true)
}

type fakeSES struct {
	input *sesv2.SendEmailInput
	err   error
}

func (f *fakeSES) SendEmail(_ context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("ses-1")}, nil
}

func TestSESSend(t *testing.T) {
	fake := &fakeSES{}
	p := newSESWithClient(Config{Name: "ses", Type: TypeSES, Credentials: map[string]string{
		"region": "us-east-1", "from_email": "noreply@example.com",
	}}, fake)

	res, err := p.Send(context.Background(), &Delivery{Notification: emailNotification()})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.MessageID != "ses-1" {
		t.Errorf("message id = %q", res.MessageID)
	}
	if aws.ToString(fake.input.FromEmailAddress) != "noreply@example.com" {
		t.Errorf("from = %q", aws.ToString(fake.input.FromEmailAddress))
	}
	if fake.input.Content.Simple.Body.Text == nil {
		t.Error("expected a text body")
	}

	fake.err = &smithy.GenericAPIError{Code: "MessageRejected", Message: "rejected"}
	_, err = p.Send(context.Background(), &Delivery{Notification: emailNotification()})
	wantCode(t, err, CodeInvalidRecipient, false)

	fake.err = &smithy.GenericAPIError{Code: "TooManyRequestsException", Message: "slow down"}
	_, err = p.Send(context.Background(), &Delivery{Notification: emailNotification()})
	wantCode(t, err, CodeRateLimited, true)
}

func webhookDelivery(url, secret string) *Delivery {
	return &Delivery{
		ID: "attempt-1",
		Notification: &notification.Notification{
			ID:        "n1",
			TenantID:  "t1",
			Channel:   notification.ChannelWebhook,
			EventType: "message.created",
			Content:   `{"message_id":"m1"}`,
			CreatedAt: time.Now().UTC(),
		},
		Endpoint: &notification.WebhookEndpoint{
			ID:     "ep1",
			URL:    url,
			Secret: secret,
			Status: notification.EndpointActive,
		},
	}
}

func TestWebhookSignsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !VerifySignature("s3cret", body, r.Header.Get(HeaderSignature)) {
			t.Errorf("bad signature %q", r.Header.Get(HeaderSignature))
		}
		if r.Header.Get(HeaderEvent) != "message.created" || r.Header.Get(HeaderDelivery) != "attempt-1" {
			t.Errorf("headers = %v", r.Header)
		}
		if r.Header.Get(HeaderTimestamp) == "" {
			t.Error("missing timestamp")
		}
		var payload WebhookPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if payload.Event != "message.created" || string(payload.Data) != `{"message_id":"m1"}` {
			t.Errorf("payload = %+v", payload)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := newProvider(t, Config{Type: TypeWebhook}, Deps{})
	if _, err := p.Send(context.Background(), webhookDelivery(srv.URL, "s3cret")); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestWebhookRejections(t *testing.T) {
	p := newProvider(t, Config{Type: TypeWebhook}, Deps{})

	_, err := p.Send(context.Background(), webhookDelivery("http://127.0.0.1:1", ""))
	wantCode(t, err, CodeInvalidSecret, false)

	d := webhookDelivery("http://127.0.0.1:1", "s")
	d.Endpoint.Status = notification.EndpointSuspended
	_, err = p.Send(context.Background(), d)
	wantCode(t, err, CodeEndpointSuspended, false)

	d.Endpoint.Status = notification.EndpointPendingVerification
	_, err = p.Send(context.Background(), d)
	wantCode(t, err, CodeEndpointInactive, false)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()
	_, err = p.Send(context.Background(), webhookDelivery(srv.URL, "s"))
	wantCode(t, err, CodeInvalidRequest, true)
}

func TestSignature(t *testing.T) {
	// HMAC-SHA256("key", "The quick brown fox jumps over the lazy dog")
	const want = "sha256=f7bc83f430538424b13298e6aa6fb143ef4d59a14946175997479dbc2d1a3cd8"
	body := []byte("The quick brown fox jumps over the lazy dog")
	if got := Sign("key", body); got != want {
		t.Errorf("Sign = %s", got)
	}
	if VerifySignature("other", body, want) {
		t.Error("signature verified with the wrong secret")
	}
}

type fakeDirectory map[string]string // user -> address

func (d fakeDirectory) LookupMany(_ context.Context, _ string, users []string) (map[string][]string, error) {
	out := make(map[string][]string)
	for _, u := range users {
		if addr, ok := d[u]; ok {
			out[addr] = append(out[addr], u)
		}
	}
	return out, nil
}

type fakeRooms map[string][]string

func (r fakeRooms) GetRoomMembers(_ context.Context, _, roomID string) ([]string, error) {
	return r[roomID], nil
}

func TestWebsocketSend(t *testing.T) {
	var got liveRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/internal/v1/deliver" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("X-Internal-Token") != "internal" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"data":    map[string]interface{}{"delivered": got.UserIDs},
		})
	}))
	defer srv.Close()

	live := LiveDeps{
		Directory:     fakeDirectory{"u1": srv.URL, "u2": srv.URL},
		Rooms:         fakeRooms{"r1": {"u1", "u2", "u3"}},
		InternalToken: "internal",
	}
	p := newProvider(t, Config{Type: TypeWebsocket}, Deps{Live: live})

	n := &notification.Notification{ID: "n1", TenantID: "t1", Channel: notification.ChannelWebsocket, RoomID: "r1", Content: "hi"}
	if _, err := p.Send(context.Background(), &Delivery{Notification: n}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(got.UserIDs) != 2 || got.Frame.Msg != "notification" || got.Frame.NotificationID != "n1" {
		t.Errorf("request = %+v", got)
	}

	n = &notification.Notification{ID: "n2", TenantID: "t1", Channel: notification.ChannelWebsocket, RecipientID: "u3"}
	_, err := p.Send(context.Background(), &Delivery{Notification: n})
	wantCode(t, err, CodeNoRecipientsOnline, true)
}

func TestWebsocketSkipsSender(t *testing.T) {
	var got liveRequest
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"data":    map[string]interface{}{"delivered": got.UserIDs},
		})
	}))
	defer srv.Close()

	dir := fakeDirectory{"sender": srv.URL}
	live := LiveDeps{Directory: dir, Rooms: fakeRooms{"r1": {"sender", "bob"}}, InternalToken: "internal"}
	p := newProvider(t, Config{Type: TypeWebsocket}, Deps{Live: live})

	n := &notification.Notification{
		ID: "n1", TenantID: "t1", Channel: notification.ChannelWebsocket, RoomID: "r1", Content: "hi",
		Meta: map[string]interface{}{notification.MetaSenderID: "sender"},
	}
	_, err := p.Send(context.Background(), &Delivery{Notification: n})
	wantCode(t, err, CodeNoRecipientsOnline, true)
	if c := atomic.LoadInt32(&calls); c != 0 {
		t.Fatalf("sender's instance was called %d times", c)
	}

	dir["bob"] = srv.URL
	if _, err := p.Send(context.Background(), &Delivery{Notification: n}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(got.UserIDs) != 1 || got.UserIDs[0] != "bob" || got.ExcludeUserID != "sender" {
		t.Errorf("request = %+v", got)
	}

	direct := &notification.Notification{
		ID: "n2", TenantID: "t1", Channel: notification.ChannelWebsocket, RecipientID: "sender",
		Meta: map[string]interface{}{notification.MetaSenderID: "sender"},
	}
	_, err = p.Send(context.Background(), &Delivery{Notification: direct})
	wantCode(t, err, CodeNoRecipientsOnline, true)
}

func TestWebsocketNeedsDirectory(t *testing.T) {
	if _, err := NewFactory().New(Config{Type: TypeWebsocket}, Deps{}); err == nil {
		t.Fatal("expected an error without live deps")
	}
}

func TestFactory(t *testing.T) {
	f := NewFactory()

	if _, err := f.New(Config{Type: "pigeon"}, Deps{}); err == nil {
		t.Error("expected unsupported type error")
	}
	if _, err := f.New(Config{Type: TypeSendGrid, Credentials: map[string]string{"from_email": "f@example.com"}}, Deps{}); err == nil {
		t.Error("expected missing credential error")
	}

	p, err := f.New(Config{Type: TypeWebhook}, Deps{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Name() != TypeWebhook {
		t.Errorf("default name = %q", p.Name())
	}
	if _, ok := p.(*Limited); !ok {
		t.Errorf("expected a rate limited provider, got %T", p)
	}
	caps := p.Capabilities()
	if !caps.Bulk || caps.MaxRecipients != DefaultMaxRecipients {
		t.Errorf("default capabilities = %+v", caps)
	}

	p, err = f.New(Config{Type: TypeWebhook, RateLimitPerSecond: -1}, Deps{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := p.(*Limited); ok {
		t.Error("negative rate limit should disable throttling")
	}
}

func TestNewSet(t *testing.T) {
	f := NewFactory()
	creds := map[string]string{"host": "localhost", "from_email": "f@example.com"}
	set, err := NewSet(f, []Config{
		{Type: TypeSMTP, Name: "relay", Credentials: creds},
		{Type: TypeWebhook},
	}, Deps{})
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}
	if len(set.For(notification.ChannelEmail)) != 1 || len(set.For(notification.ChannelWebhook)) != 1 {
		t.Errorf("names = %v", set.Names())
	}

	_, err = NewSet(f, []Config{
		{Type: TypeSMTP, Name: "relay", Credentials: creds},
		{Type: TypeSMTP, Name: "relay", Credentials: creds},
	}, Deps{})
	if err == nil {
		t.Error("expected duplicate name error")
	}
}

func TestLimitedHonorsContext(t *testing.T) {
	p := NewLimited(&Webhook{base: base{name: "w"}}, 0.001)
	// drain the single burst token
	p.limiter.Allow()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Send(ctx, webhookDelivery("http://127.0.0.1:1", "s"))
	wantCode(t, err, CodeRateLimited, true)
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(nil) {
		t.Error("nil is not retryable")
	}
	if !IsRetryable(errors.New("boom")) {
		t.Error("unclassified errors are retryable")
	}
	if IsRetryable(NewError(CodeInvalidRecipient, "x", false)) {
		t.Error("classified permanent error reported retryable")
	}
}
