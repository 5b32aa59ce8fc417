package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/weiawesome/wes-io-relay/pkg/credential"
	"github.com/weiawesome/wes-io-relay/pkg/middleware"
	"github.com/weiawesome/wes-io-relay/pkg/notification"
	"github.com/weiawesome/wes-io-relay/pkg/notification/notificationtest"
	"github.com/weiawesome/wes-io-relay/pkg/queue"
	"github.com/weiawesome/wes-io-relay/pkg/store"
)

type stubVerifier map[string]*credential.Identity

func (s stubVerifier) VerifyAPIKey(_ context.Context, raw string) (*credential.Identity, error) {
	if id, ok := s[raw]; ok {
		return id, nil
	}
	return nil, credential.ErrInvalidCredential
}

type stubTokens struct{}

func (stubTokens) Issue(tenantID, userID string) (string, time.Time, error) {
	return tenantID + "." + userID, time.Unix(1700000000, 0).UTC(), nil
}

type stubTenants struct {
	issued map[string][]string
}

func (s *stubTenants) CreateTenant(_ context.Context, name string) (*store.Tenant, string, error) {
	if name == "broken" {
		return nil, "", errors.New("database unavailable")
	}
	return &store.Tenant{ID: "tenant-" + name, Name: name, IsActive: true}, "rk_master", nil
}

func (s *stubTenants) IssueScopedKey(_ context.Context, tenantID, userID string, perms []string) (string, error) {
	if s.issued == nil {
		s.issued = make(map[string][]string)
	}
	s.issued[tenantID+"/"+userID] = perms
	return "rk_scoped", nil
}

type countingObserver map[notification.Channel]int

func (c countingObserver) Submitted(ch notification.Channel) { c[ch]++ }

type testEnv struct {
	router   *gin.Engine
	store    *notificationtest.Store
	queue    *queue.MemoryQueue
	tenants  *stubTenants
	observer countingObserver
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	env := &testEnv{
		store:    notificationtest.NewStore(),
		queue:    queue.NewMemoryQueue(queue.DefaultBackoff(), time.Minute),
		tenants:  &stubTenants{},
		observer: countingObserver{},
	}
	auth := middleware.NewAuthMiddleware(stubVerifier{
		"acme-master": {TenantID: "acme", Master: true},
		"acme-u1":     {TenantID: "acme", UserID: "u1", Permissions: []string{credential.PermissionNotifications}},
		"acme-reader": {TenantID: "acme", UserID: "u2", Permissions: []string{credential.PermissionReadMessages}},
		"other":       {TenantID: "other", Master: true},
	})
	h := NewHandler(Deps{
		Notifications: notification.NewService(env.store, env.queue),
		Webhooks:      env.store,
		Tokens:        stubTokens{},
		Tenants:       env.tenants,
		Observer:      env.observer,
		AdminToken:    "admin-secret",
	}, auth)
	env.router = gin.New()
	h.RegisterRoutes(env.router)
	return env
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (env *testEnv) do(t *testing.T, method, path, key string, body interface{}) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(middleware.APIKeyHeader, key)
	}
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	var out envelope
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode %q: %v", rec.Body.String(), err)
		}
	}
	return rec.Code, out
}

func TestSubmitAndGetNotification(t *testing.T) {
	env := newEnv(t)

	code, resp := env.do(t, http.MethodPost, "/api/v1/notifications", "acme-u1", map[string]interface{}{
		"channel": "email",
		"subject": "Welcome",
		"content": "Hello",
		"to":      []string{"a@example.com"},
	})
	if code != http.StatusAccepted || !resp.Success {
		t.Fatalf("submit = %d %+v", code, resp)
	}
	var sub SubmitResponse
	json.Unmarshal(resp.Data, &sub)
	if sub.ID == "" || sub.Status != notification.StatusPending {
		t.Fatalf("submit response = %+v", sub)
	}
	if _, ok := env.queue.NextDue(notification.JobID(sub.ID)); !ok {
		t.Error("notification not enqueued")
	}
	if env.observer[notification.ChannelEmail] != 1 {
		t.Errorf("observer = %v", env.observer)
	}

	env.store.AppendDeliveryAttempt(context.Background(), &notification.DeliveryAttempt{
		NotificationID: sub.ID, AttemptNumber: 1, Provider: "sendgrid", ErrorCode: "rate_limited", AttemptedAt: time.Now(),
	})

	code, resp = env.do(t, http.MethodGet, "/api/v1/notifications/"+sub.ID, "acme-u1", nil)
	if code != http.StatusOK {
		t.Fatalf("get = %d %+v", code, resp)
	}
	var view NotificationView
	json.Unmarshal(resp.Data, &view)
	if view.ID != sub.ID || view.Channel != notification.ChannelEmail || len(view.Attempts) != 1 || view.Attempts[0].Provider != "sendgrid" {
		t.Errorf("view = %+v", view)
	}

	// other tenants cannot see it
	if code, _ := env.do(t, http.MethodGet, "/api/v1/notifications/"+sub.ID, "other", nil); code != http.StatusNotFound {
		t.Errorf("foreign get = %d, want 404", code)
	}
}

func TestSubmitValidationAndAuth(t *testing.T) {
	env := newEnv(t)
	tests := []struct {
		name string
		key  string
		body interface{}
		want int
	}{
		{"missing key", "", map[string]string{"channel": "email"}, http.StatusUnauthorized},
		{"unknown key", "nope", map[string]string{"channel": "email"}, http.StatusUnauthorized},
		{"missing permission", "acme-reader", map[string]string{"channel": "email"}, http.StatusForbidden},
		{"unknown channel", "acme-u1", map[string]string{"channel": "sms"}, http.StatusBadRequest},
		{"email without recipients", "acme-u1", map[string]string{"channel": "email", "subject": "s"}, http.StatusBadRequest},
		{"malformed json", "acme-u1", "not an object", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := env.do(t, http.MethodPost, "/api/v1/notifications", tt.key, tt.body)
			if code != tt.want {
				t.Fatalf("code = %d, want %d (%+v)", code, tt.want, resp.Error)
			}
			if resp.Success || resp.Error == nil {
				t.Errorf("response = %+v", resp)
			}
		})
	}
	if len(env.store.All()) != 0 {
		t.Error("rejected request was persisted")
	}
}

func TestCancelNotification(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	for id, status := range map[string]notification.Status{
		"pending": notification.StatusPending,
		"sent":    notification.StatusSent,
	} {
		env.store.SaveNotification(ctx, &notification.Notification{ID: id, TenantID: "acme", Channel: notification.ChannelEmail, Status: status})
	}

	if code, _ := env.do(t, http.MethodPost, "/api/v1/notifications/pending/cancel", "acme-u1", nil); code != http.StatusOK {
		t.Fatalf("cancel pending = %d", code)
	}
	n, _ := env.store.GetNotification(ctx, "pending")
	if n.Status != notification.StatusCancelled {
		t.Errorf("status = %s, want cancelled", n.Status)
	}
	if code, _ := env.do(t, http.MethodPost, "/api/v1/notifications/sent/cancel", "acme-u1", nil); code != http.StatusConflict {
		t.Errorf("cancel sent = %d, want 409", code)
	}
	if code, _ := env.do(t, http.MethodPost, "/api/v1/notifications/missing/cancel", "acme-u1", nil); code != http.StatusNotFound {
		t.Errorf("cancel missing = %d, want 404", code)
	}
}

func TestWebhookLifecycle(t *testing.T) {
	env := newEnv(t)

	code, resp := env.do(t, http.MethodPost, "/api/v1/webhooks", "acme-master", map[string]interface{}{
		"url":         "https://hooks.example.com/relay",
		"event_types": []string{"message.*"},
	})
	if code != http.StatusCreated {
		t.Fatalf("create = %d %+v", code, resp.Error)
	}
	var created WebhookView
	json.Unmarshal(resp.Data, &created)
	if !strings.HasPrefix(created.Secret, webhookSecretPrefix) || created.Status != notification.EndpointActive {
		t.Fatalf("created = %+v", created)
	}
	if created.MaxRetryAttempts != notification.DefaultMaxRetryAttempts {
		t.Errorf("max retry attempts = %d", created.MaxRetryAttempts)
	}

	code, resp = env.do(t, http.MethodGet, "/api/v1/webhooks", "acme-master", nil)
	if code != http.StatusOK {
		t.Fatalf("list = %d", code)
	}
	var listed []WebhookView
	json.Unmarshal(resp.Data, &listed)
	if len(listed) != 1 || listed[0].ID != created.ID || listed[0].Secret != "" {
		t.Fatalf("listed = %+v", listed)
	}

	for i := 0; i < 5; i++ {
		env.store.RecordWebhookResult(context.Background(), created.ID, false, 5)
	}
	if code, _ := env.do(t, http.MethodPost, "/api/v1/webhooks/"+created.ID+"/reactivate", "other", nil); code != http.StatusNotFound {
		t.Errorf("foreign reactivate = %d, want 404", code)
	}
	code, resp = env.do(t, http.MethodPost, "/api/v1/webhooks/"+created.ID+"/reactivate", "acme-master", nil)
	if code != http.StatusOK {
		t.Fatalf("reactivate = %d", code)
	}
	ep, _ := env.store.GetWebhookEndpoint(context.Background(), created.ID)
	if ep.Status != notification.EndpointActive || ep.ConsecutiveFailures != 0 {
		t.Errorf("endpoint = %+v", ep)
	}
}

func TestCreateWebhookRejections(t *testing.T) {
	env := newEnv(t)
	tests := []struct {
		name string
		key  string
		body map[string]interface{}
		want int
	}{
		{"scoped key", "acme-u1", map[string]interface{}{"url": "https://x.example", "event_types": []string{"*"}}, http.StatusForbidden},
		{"relative url", "acme-master", map[string]interface{}{"url": "/hook", "event_types": []string{"*"}}, http.StatusBadRequest},
		{"ftp url", "acme-master", map[string]interface{}{"url": "ftp://x.example", "event_types": []string{"*"}}, http.StatusBadRequest},
		{"no event types", "acme-master", map[string]interface{}{"url": "https://x.example"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code, _ := env.do(t, http.MethodPost, "/api/v1/webhooks", tt.key, tt.body); code != tt.want {
				t.Errorf("code = %d, want %d", code, tt.want)
			}
		})
	}
}

func TestIssueTokenAndKey(t *testing.T) {
	env := newEnv(t)

	code, resp := env.do(t, http.MethodPost, "/api/v1/tokens", "acme-master", map[string]string{"user_id": "u9"})
	if code != http.StatusCreated {
		t.Fatalf("token = %d", code)
	}
	var tok TokenResponse
	json.Unmarshal(resp.Data, &tok)
	if tok.Token != "acme.u9" {
		t.Errorf("token = %+v", tok)
	}
	if code, _ := env.do(t, http.MethodPost, "/api/v1/tokens", "acme-u1", map[string]string{"user_id": "u9"}); code != http.StatusForbidden {
		t.Errorf("scoped token request = %d, want 403", code)
	}

	code, _ = env.do(t, http.MethodPost, "/api/v1/keys", "acme-master", map[string]interface{}{
		"user_id":     "u9",
		"permissions": []string{credential.PermissionSendMessages},
	})
	if code != http.StatusCreated {
		t.Fatalf("key = %d", code)
	}
	if got := env.tenants.issued["acme/u9"]; len(got) != 1 || got[0] != credential.PermissionSendMessages {
		t.Errorf("issued = %v", env.tenants.issued)
	}
	code, _ = env.do(t, http.MethodPost, "/api/v1/keys", "acme-master", map[string]interface{}{
		"user_id":     "u9",
		"permissions": []string{"launch_rockets"},
	})
	if code != http.StatusBadRequest {
		t.Errorf("unknown permission = %d, want 400", code)
	}
}

func TestCreateTenantRequiresAdminToken(t *testing.T) {
	env := newEnv(t)
	post := func(token, name string) (int, envelope) {
		req := httptest.NewRequest(http.MethodPost, "/admin/v1/tenants", strings.NewReader(`{"name":"`+name+`"}`))
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set(HeaderAdminToken, token)
		}
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		var e envelope
		json.Unmarshal(rec.Body.Bytes(), &e)
		return rec.Code, e
	}

	if code, _ := post("", "acme"); code != http.StatusUnauthorized {
		t.Errorf("no token = %d, want 401", code)
	}
	if code, _ := post("wrong", "acme"); code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d, want 401", code)
	}
	code, resp := post("admin-secret", "acme")
	if code != http.StatusCreated {
		t.Fatalf("create = %d", code)
	}
	var tenant TenantResponse
	json.Unmarshal(resp.Data, &tenant)
	if tenant.ID != "tenant-acme" || tenant.APIKey != "rk_master" {
		t.Errorf("tenant = %+v", tenant)
	}
	if code, _ := post("admin-secret", "broken"); code != http.StatusInternalServerError {
		t.Errorf("store failure = %d, want 500", code)
	}
}
