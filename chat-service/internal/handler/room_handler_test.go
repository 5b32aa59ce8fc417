package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/weiawesome/wes-io-relay/chat-service/internal/domain"
	"github.com/weiawesome/wes-io-relay/chat-service/internal/registry"
	"github.com/weiawesome/wes-io-relay/pkg/chat"
	"github.com/weiawesome/wes-io-relay/pkg/credential"
	"github.com/weiawesome/wes-io-relay/pkg/database"
	"github.com/weiawesome/wes-io-relay/pkg/middleware"
	"github.com/weiawesome/wes-io-relay/pkg/store"
)

type stubVerifier map[string]*credential.Identity

func (s stubVerifier) VerifyAPIKey(_ context.Context, raw string) (*credential.Identity, error) {
	if id, ok := s[raw]; ok {
		return id, nil
	}
	return nil, credential.ErrInvalidCredential
}

type recordingCache struct {
	mu    sync.Mutex
	rooms []string
}

func (c *recordingCache) Invalidate(_ context.Context, tenantID, roomID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms = append(c.rooms, tenantID+"/"+roomID)
	return nil
}

func (c *recordingCache) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rooms)
}

type roomSession struct {
	mu     sync.Mutex
	tenant string
	user   string
	rooms  map[string]bool
	frames []interface{}
}

func (s *roomSession) ID() string       { return "s-" + s.user }
func (s *roomSession) TenantID() string { return s.tenant }
func (s *roomSession) UserID() string   { return s.user }
func (s *roomSession) Evict()           {}

func (s *roomSession) Send(frame interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
	return nil
}

func (s *roomSession) LeaveRoom(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.rooms[roomID] {
		return false
	}
	delete(s.rooms, roomID)
	return true
}

type sessionMap map[string]*roomSession

func (m sessionMap) Lookup(tenantID, userID string) (registry.Session, bool) {
	s, ok := m[tenantID+"/"+userID]
	if !ok {
		return nil, false
	}
	return s, true
}

type leftPresence struct {
	mu   sync.Mutex
	left []string
}

func (p *leftPresence) UserJoined(context.Context, string, string, string)          {}
func (p *leftPresence) Typing(context.Context, string, string, string, bool)        {}
func (p *leftPresence) ReadReceipt(context.Context, string, string, string, string) {}

func (p *leftPresence) UserLeft(_ context.Context, _, roomID, userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.left = append(p.left, roomID+"/"+userID)
}

type roomEnv struct {
	store    *store.GormStore
	cache    *recordingCache
	sessions sessionMap
	presence *leftPresence
	router   *gin.Engine
}

func newRoomEnv(t *testing.T) *roomEnv {
	t.Helper()
	db, err := database.New(&database.Config{
		Driver:   "sqlite",
		FilePath: "file:" + uuid.NewString() + "?mode=memory&cache=shared",
		LogLevel: "silent",
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := database.AutoMigrate(db, store.Models()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	env := &roomEnv{
		store:    store.New(db),
		cache:    &recordingCache{},
		sessions: sessionMap{},
		presence: &leftPresence{},
		router:   gin.New(),
	}
	auth := middleware.NewAuthMiddleware(stubVerifier{
		"acme-master": {TenantID: "acme", Master: true},
		"acme-alice":  {TenantID: "acme", UserID: "alice", Scoped: true, Permissions: []string{credential.PermissionManageRooms, credential.PermissionReadMessages}},
		"acme-bob":    {TenantID: "acme", UserID: "bob", Scoped: true, Permissions: []string{credential.PermissionManageRooms, credential.PermissionReadMessages}},
		"acme-carol":  {TenantID: "acme", UserID: "carol", Scoped: true, Permissions: []string{credential.PermissionReadMessages}},
		"other":       {TenantID: "other", Master: true},
	})
	NewRoomHandler(RoomDeps{
		Rooms:    env.store,
		Cache:    env.cache,
		Sessions: env.sessions,
		Presence: env.presence,
	}, auth).RegisterRoutes(env.router)
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

func (env *roomEnv) do(t *testing.T, method, path, key string, body interface{}) (int, envelope) {
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

func TestCreateRoom(t *testing.T) {
	env := newRoomEnv(t)

	code, resp := env.do(t, http.MethodPost, "/api/v1/rooms", "acme-alice", map[string]interface{}{
		"room_id":    "r1",
		"member_ids": []string{"bob", "alice"},
	})
	if code != http.StatusCreated {
		t.Fatalf("create = %d %+v", code, resp)
	}
	var room RoomResponse
	json.Unmarshal(resp.Data, &room)
	if room.RoomID != "r1" || len(room.Members) != 2 {
		t.Fatalf("room = %+v", room)
	}
	roles := map[string]string{}
	for _, m := range room.Members {
		roles[m.UserID] = m.Role
	}
	if roles["alice"] != string(chat.RoleOwner) || roles["bob"] != string(chat.RoleMember) {
		t.Errorf("roles = %v", roles)
	}
	if env.cache.count() != 1 {
		t.Errorf("invalidations = %d, want 1", env.cache.count())
	}

	if code, _ := env.do(t, http.MethodPost, "/api/v1/rooms", "acme-master", map[string]interface{}{"room_id": "r1", "owner_id": "x"}); code != http.StatusConflict {
		t.Errorf("duplicate room = %d, want 409", code)
	}
	if code, _ := env.do(t, http.MethodPost, "/api/v1/rooms", "acme-bob", map[string]interface{}{"owner_id": "alice"}); code != http.StatusForbidden {
		t.Errorf("scoped key creating for another owner = %d, want 403", code)
	}
	if code, _ := env.do(t, http.MethodPost, "/api/v1/rooms", "acme-carol", map[string]interface{}{}); code != http.StatusForbidden {
		t.Errorf("create without manage_rooms = %d, want 403", code)
	}
	if code, _ := env.do(t, http.MethodPost, "/api/v1/rooms", "acme-master", map[string]interface{}{}); code != http.StatusBadRequest {
		t.Errorf("master without owner = %d, want 400", code)
	}

	code, resp = env.do(t, http.MethodPost, "/api/v1/rooms", "acme-master", map[string]interface{}{"owner_id": "dave"})
	json.Unmarshal(resp.Data, &room)
	if code != http.StatusCreated || room.RoomID == "" {
		t.Errorf("generated room = %d %+v", code, room)
	}
}

func TestRoomMembership(t *testing.T) {
	env := newRoomEnv(t)
	ctx := context.Background()
	env.store.AddRoomMember(ctx, &chat.RoomMember{TenantID: "acme", RoomID: "r1", UserID: "alice", Role: chat.RoleOwner})
	env.store.AddRoomMember(ctx, &chat.RoomMember{TenantID: "acme", RoomID: "r1", UserID: "bob"})

	t.Run("member lists", func(t *testing.T) {
		code, resp := env.do(t, http.MethodGet, "/api/v1/rooms/r1/members", "acme-bob", nil)
		var room RoomResponse
		json.Unmarshal(resp.Data, &room)
		if code != http.StatusOK || len(room.Members) != 2 {
			t.Fatalf("list = %d %+v", code, room)
		}
		if code, _ := env.do(t, http.MethodGet, "/api/v1/rooms/r1/members", "acme-carol", nil); code != http.StatusForbidden {
			t.Errorf("non-member list = %d, want 403", code)
		}
		if code, _ := env.do(t, http.MethodGet, "/api/v1/rooms/r1/members", "other", nil); code != http.StatusNotFound {
			t.Errorf("other tenant list = %d, want 404", code)
		}
	})

	t.Run("plain member cannot add", func(t *testing.T) {
		code, _ := env.do(t, http.MethodPost, "/api/v1/rooms/r1/members", "acme-bob", map[string]string{"user_id": "carol"})
		if code != http.StatusForbidden {
			t.Errorf("add by member = %d, want 403", code)
		}
	})

	t.Run("owner adds", func(t *testing.T) {
		before := env.cache.count()
		code, _ := env.do(t, http.MethodPost, "/api/v1/rooms/r1/members", "acme-alice", map[string]string{"user_id": "carol", "role": "admin"})
		if code != http.StatusCreated {
			t.Fatalf("add = %d", code)
		}
		if ok, _ := env.store.IsRoomMember(ctx, "acme", "r1", "carol"); !ok {
			t.Error("carol not added")
		}
		if env.cache.count() != before+1 {
			t.Error("member cache not invalidated after add")
		}
		if code, _ := env.do(t, http.MethodPost, "/api/v1/rooms/r1/members", "acme-alice", map[string]string{"user_id": "dave", "role": "owner"}); code != http.StatusBadRequest {
			t.Errorf("owner role = %d, want 400", code)
		}
		if code, _ := env.do(t, http.MethodPost, "/api/v1/rooms/r1/members", "acme-master", map[string]string{"user_id": "alice", "role": "member"}); code != http.StatusConflict {
			t.Errorf("demote owner = %d, want 409", code)
		}
	})

	t.Run("remove evicts live session", func(t *testing.T) {
		bob := &roomSession{tenant: "acme", user: "bob", rooms: map[string]bool{"r1": true}}
		env.sessions["acme/bob"] = bob
		before := env.cache.count()

		code, _ := env.do(t, http.MethodDelete, "/api/v1/rooms/r1/members/bob", "acme-alice", nil)
		if code != http.StatusOK {
			t.Fatalf("remove = %d", code)
		}
		if ok, _ := env.store.IsRoomMember(ctx, "acme", "r1", "bob"); ok {
			t.Error("bob still a member")
		}
		if env.cache.count() != before+1 {
			t.Error("member cache not invalidated after remove")
		}
		if bob.rooms["r1"] {
			t.Error("session still in room")
		}
		if len(bob.frames) != 1 {
			t.Fatalf("frames = %v", bob.frames)
		}
		if f, ok := bob.frames[0].(*domain.RoomStateFrame); !ok || f.Msg != domain.MsgRoomLeft || f.RoomID != "r1" {
			t.Errorf("frame = %+v", bob.frames[0])
		}
		if len(env.presence.left) != 1 || env.presence.left[0] != "r1/bob" {
			t.Errorf("presence left = %v", env.presence.left)
		}

		if code, _ := env.do(t, http.MethodDelete, "/api/v1/rooms/r1/members/bob", "acme-alice", nil); code != http.StatusNotFound {
			t.Errorf("second remove = %d, want 404", code)
		}
	})
}

func TestRemoveSelfWithoutAdminRole(t *testing.T) {
	env := newRoomEnv(t)
	ctx := context.Background()
	env.store.AddRoomMember(ctx, &chat.RoomMember{TenantID: "acme", RoomID: "r1", UserID: "alice", Role: chat.RoleOwner})
	env.store.AddRoomMember(ctx, &chat.RoomMember{TenantID: "acme", RoomID: "r1", UserID: "bob"})

	if code, _ := env.do(t, http.MethodDelete, "/api/v1/rooms/r1/members/alice", "acme-bob", nil); code != http.StatusForbidden {
		t.Errorf("member removing owner = %d, want 403", code)
	}
	if code, _ := env.do(t, http.MethodDelete, "/api/v1/rooms/r1/members/bob", "acme-bob", nil); code != http.StatusOK {
		t.Errorf("leave = %d, want 200", code)
	}
}

func TestMessageHistoryRoutes(t *testing.T) {
	env := newRoomEnv(t)
	ctx := context.Background()
	env.store.AddRoomMember(ctx, &chat.RoomMember{TenantID: "acme", RoomID: "r1", UserID: "alice", Role: chat.RoleOwner})
	env.store.AddRoomMember(ctx, &chat.RoomMember{TenantID: "acme", RoomID: "r1", UserID: "bob"})

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var roomIDs []string
	for i := 0; i < 3; i++ {
		m := &chat.Message{TenantID: "acme", RoomID: "r1", SenderID: "alice", Content: "hi", ContentType: chat.ContentTypeText, CreatedAt: base.Add(time.Duration(i) * time.Second)}
		if err := env.store.SaveMessage(ctx, m); err != nil {
			t.Fatalf("save: %v", err)
		}
		roomIDs = append(roomIDs, m.ID)
	}
	dm := &chat.Message{TenantID: "acme", RecipientID: "bob", SenderID: "alice", Content: "psst", ContentType: chat.ContentTypeText, CreatedAt: base.Add(time.Minute)}
	if err := env.store.SaveMessage(ctx, dm); err != nil {
		t.Fatalf("save: %v", err)
	}

	t.Run("room pages newest first", func(t *testing.T) {
		code, resp := env.do(t, http.MethodGet, "/api/v1/rooms/r1/messages?limit=2", "acme-bob", nil)
		var page HistoryResponse
		json.Unmarshal(resp.Data, &page)
		if code != http.StatusOK || len(page.Messages) != 2 {
			t.Fatalf("page = %d %+v", code, page)
		}
		if page.Messages[0].ID != roomIDs[2] || page.NextBefore != roomIDs[1] {
			t.Errorf("page order = %+v", page)
		}

		_, resp = env.do(t, http.MethodGet, "/api/v1/rooms/r1/messages?limit=2&before="+page.NextBefore, "acme-bob", nil)
		json.Unmarshal(resp.Data, &page)
		if len(page.Messages) != 1 || page.Messages[0].ID != roomIDs[0] || page.NextBefore != "" {
			t.Errorf("second page = %+v", page)
		}
	})

	t.Run("room history requires membership", func(t *testing.T) {
		if code, _ := env.do(t, http.MethodGet, "/api/v1/rooms/r1/messages", "acme-carol", nil); code != http.StatusForbidden {
			t.Errorf("non-member = %d, want 403", code)
		}
		if code, _ := env.do(t, http.MethodGet, "/api/v1/rooms/r1/messages?limit=x", "acme-bob", nil); code != http.StatusBadRequest {
			t.Errorf("bad limit = %d, want 400", code)
		}
	})

	t.Run("direct history", func(t *testing.T) {
		code, resp := env.do(t, http.MethodGet, "/api/v1/conversations/alice/messages", "acme-bob", nil)
		var page HistoryResponse
		json.Unmarshal(resp.Data, &page)
		if code != http.StatusOK || len(page.Messages) != 1 || page.Messages[0].ID != dm.ID {
			t.Fatalf("direct = %d %+v", code, page)
		}
		if code, _ := env.do(t, http.MethodGet, "/api/v1/conversations/alice/messages", "acme-master", nil); code != http.StatusBadRequest {
			t.Errorf("master without user_id = %d, want 400", code)
		}
		code, resp = env.do(t, http.MethodGet, "/api/v1/conversations/bob/messages?user_id=alice", "acme-master", nil)
		json.Unmarshal(resp.Data, &page)
		if code != http.StatusOK || len(page.Messages) != 1 {
			t.Errorf("master direct = %d %+v", code, page)
		}
	})

	t.Run("single message visibility", func(t *testing.T) {
		if code, _ := env.do(t, http.MethodGet, "/api/v1/messages/"+dm.ID, "acme-bob", nil); code != http.StatusOK {
			t.Errorf("recipient = %d, want 200", code)
		}
		if code, _ := env.do(t, http.MethodGet, "/api/v1/messages/"+dm.ID, "acme-carol", nil); code != http.StatusNotFound {
			t.Errorf("outsider direct = %d, want 404", code)
		}
		if code, _ := env.do(t, http.MethodGet, "/api/v1/messages/"+roomIDs[0], "acme-carol", nil); code != http.StatusForbidden {
			t.Errorf("outsider room message = %d, want 403", code)
		}
		if code, _ := env.do(t, http.MethodGet, "/api/v1/messages/"+roomIDs[0], "other", nil); code != http.StatusNotFound {
			t.Errorf("other tenant = %d, want 404", code)
		}
	})
}
