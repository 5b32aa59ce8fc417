package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/weiawesome/wes-io-relay/chat-service/internal/config"
	"github.com/weiawesome/wes-io-relay/chat-service/internal/domain"
	"github.com/weiawesome/wes-io-relay/chat-service/internal/registry"
	"github.com/weiawesome/wes-io-relay/pkg/credential"
)

type fakeAuth struct{}

func (fakeAuth) VerifyConnect(_ context.Context, userID, cred string) (*credential.Identity, error) {
	if cred != "good" {
		return nil, credential.ErrInvalidCredential
	}
	return &credential.Identity{TenantID: "acme", UserID: userID}, nil
}

type countingRegistry struct {
	*registry.Registry
	removes atomic.Int32
}

func (c *countingRegistry) Remove(tenantID, userID string, s registry.Session) (bool, []string) {
	c.removes.Add(1)
	return c.Registry.Remove(tenantID, userID, s)
}

type fakeRooms map[string][]string

func (f fakeRooms) GetUserRooms(_ context.Context, _, userID string) ([]string, error) {
	return f[userID], nil
}

type fakePresence struct {
	mu      sync.Mutex
	online  []string
	offline []string
	left    []string
}

func (p *fakePresence) NotifyOnline(_ context.Context, _, userID string, _ []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online = append(p.online, userID)
}

func (p *fakePresence) NotifyOffline(_ context.Context, _, userID string, _ []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offline = append(p.offline, userID)
}

func (p *fakePresence) UserLeft(_ context.Context, _, roomID, userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.left = append(p.left, roomID+"/"+userID)
}

func (p *fakePresence) counts() (int, int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.online), len(p.offline), len(p.left)
}

type echoDispatcher struct{}

func (echoDispatcher) Dispatch(_ context.Context, s *Session, msg string, raw []byte) error {
	switch msg {
	case domain.MsgDisconnect:
		return ErrDisconnect
	case "boom":
		return NewFrameError(domain.ErrCodeBadRequest, "boom")
	case "explode":
		return errors.New("handler bug")
	}
	return s.Send(&domain.EchoFrame{Msg: domain.MsgEcho, Data: raw})
}

type harness struct {
	t        *testing.T
	srv      *httptest.Server
	reg      *countingRegistry
	presence *fakePresence
	sessions chan *Session
}

func newHarness(t *testing.T, cfg config.WebSocketConfig) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{
		t:        t,
		reg:      &countingRegistry{Registry: registry.New()},
		presence: &fakePresence{},
		sessions: make(chan *Session, 16),
	}
	upgrader := websocket.Upgrader{}
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s := New(ctx, conn, Deps{
			Auth:       fakeAuth{},
			Registry:   h.reg,
			Rooms:      fakeRooms{"u1": {"r1", "r2"}},
			Presence:   h.presence,
			Dispatcher: echoDispatcher{},
			Config:     cfg,
		})
		h.sessions <- s
		s.Serve()
	}))
	t.Cleanup(func() {
		cancel()
		h.srv.Close()
	})
	return h
}

func (h *harness) dial() *websocket.Conn {
	h.t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http")
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		h.t.Fatalf("dial: %v", err)
	}
	h.t.Cleanup(func() { c.Close() })
	return c
}

func (h *harness) connect(userID string) (*websocket.Conn, *Session) {
	h.t.Helper()
	c := h.dial()
	s := <-h.sessions
	if err := c.WriteJSON(domain.ConnectFrame{Msg: domain.MsgConnect, UserID: userID, Credential: "good"}); err != nil {
		h.t.Fatalf("write connect: %v", err)
	}
	f := readFrame(h.t, c)
	if f["msg"] != domain.MsgConnected {
		h.t.Fatalf("first frame = %v, want connected", f)
	}
	return c, s
}

func readFrame(t *testing.T, c *websocket.Conn) map[string]interface{} {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var f map[string]interface{}
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return f
}

// readUntilClose reads until the connection closes and returns the close
// error.
func readUntilClose(t *testing.T, c *websocket.Conn) (*websocket.CloseError, []map[string]interface{}) {
	t.Helper()
	var frames []map[string]interface{}
	for {
		c.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := c.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return ce, frames
			}
			t.Fatalf("read ended without close frame: %v", err)
		}
		var f map[string]interface{}
		json.Unmarshal(data, &f)
		frames = append(frames, f)
	}
}

func TestKeepaliveDecision(t *testing.T) {
	ping, pong := 30*time.Second, 10*time.Second
	tests := []struct {
		idle   time.Duration
		action keepaliveAction
		wait   time.Duration
	}{
		{0, keepaliveWait, 30 * time.Second},
		{20 * time.Second, keepaliveWait, 10 * time.Second},
		{30 * time.Second, keepalivePing, 10 * time.Second},
		{35 * time.Second, keepalivePing, 5 * time.Second},
		{40 * time.Second, keepaliveClose, 0},
		{time.Hour, keepaliveClose, 0},
	}
	for _, tt := range tests {
		action, wait := keepalive(tt.idle, ping, pong)
		if action != tt.action || wait != tt.wait {
			t.Errorf("keepalive(%v) = %v, %v; want %v, %v", tt.idle, action, wait, tt.action, tt.wait)
		}
	}
}

func TestHandshakeRejectsInvalidCredential(t *testing.T) {
	h := newHarness(t, config.WebSocketConfig{})
	c := h.dial()
	s := <-h.sessions

	c.WriteJSON(domain.ConnectFrame{Msg: domain.MsgConnect, UserID: "u1", Credential: "bad"})
	f := readFrame(t, c)
	if f["msg"] != domain.MsgError || f["code"] != domain.ErrCodeUnauthorized {
		t.Fatalf("frame = %v, want unauthorized error", f)
	}
	ce, _ := readUntilClose(t, c)
	if ce.Code != ClosePolicyViolation {
		t.Fatalf("close code = %d", ce.Code)
	}

	<-s.Done()
	if s.State() != StateClosed {
		t.Fatalf("state = %v", s.State())
	}
	if got := h.reg.ListOnline("acme"); len(got) != 0 {
		t.Fatalf("rejected session registered: %v", got)
	}
	if h.reg.removes.Load() != 0 {
		t.Fatal("Remove called for a session that never registered")
	}
}

func TestHandshakeRequiresConnectFirst(t *testing.T) {
	h := newHarness(t, config.WebSocketConfig{})
	c := h.dial()
	<-h.sessions

	c.WriteJSON(map[string]string{"msg": "ping"})
	f := readFrame(t, c)
	if f["msg"] != domain.MsgError || f["code"] != domain.ErrCodeInvalidFrame {
		t.Fatalf("frame = %v", f)
	}
}

func TestHandshakeTimeout(t *testing.T) {
	h := newHarness(t, config.WebSocketConfig{HandshakeTimeout: 50 * time.Millisecond})
	c := h.dial()
	<-h.sessions

	f := readFrame(t, c)
	if f["code"] != domain.ErrCodeHandshakeTimeout {
		t.Fatalf("frame = %v, want handshake timeout", f)
	}
}

func TestActiveSessionDispatchesInOrder(t *testing.T) {
	h := newHarness(t, config.WebSocketConfig{})
	c, s := h.connect("u1")

	if s.State() != StateActive {
		t.Fatalf("state = %v", s.State())
	}
	if rooms := s.Rooms(); len(rooms) != 2 {
		t.Fatalf("rooms = %v", rooms)
	}
	if got := h.reg.MembersOnline("acme", "r1"); len(got) != 1 || got[0] != "u1" {
		t.Fatalf("MembersOnline = %v", got)
	}

	const n = 20
	for i := 0; i < n; i++ {
		c.WriteJSON(map[string]interface{}{"msg": "hello", "seq": i})
	}
	for i := 0; i < n; i++ {
		f := readFrame(t, c)
		if f["msg"] != domain.MsgEcho {
			t.Fatalf("frame = %v", f)
		}
		data := f["data"].(map[string]interface{})
		if int(data["seq"].(float64)) != i {
			t.Fatalf("echo %d out of order: %v", i, data)
		}
	}

	c.WriteJSON(map[string]string{"msg": "boom"})
	if f := readFrame(t, c); f["code"] != domain.ErrCodeBadRequest {
		t.Fatalf("frame = %v", f)
	}
	c.WriteJSON(map[string]string{"msg": "explode"})
	if f := readFrame(t, c); f["code"] != domain.ErrCodeInternal {
		t.Fatalf("frame = %v", f)
	}
	if s.State() != StateActive {
		t.Fatal("non-fatal errors must keep the session open")
	}
}

func TestMalformedFrameClosesSession(t *testing.T) {
	h := newHarness(t, config.WebSocketConfig{})
	c, s := h.connect("u1")

	c.WriteMessage(websocket.TextMessage, []byte("{not json"))
	ce, frames := readUntilClose(t, c)
	if ce.Code != ClosePolicyViolation {
		t.Fatalf("close code = %d", ce.Code)
	}
	if len(frames) == 0 || frames[len(frames)-1]["code"] != domain.ErrCodeInvalidFrame {
		t.Fatalf("frames = %v", frames)
	}
	<-s.Done()
}

func TestDisconnectFrame(t *testing.T) {
	h := newHarness(t, config.WebSocketConfig{})
	c, s := h.connect("u1")

	c.WriteJSON(map[string]string{"msg": domain.MsgDisconnect})
	ce, _ := readUntilClose(t, c)
	if ce.Code != CloseNormal {
		t.Fatalf("close code = %d", ce.Code)
	}
	<-s.Done()

	if got := h.reg.ListOnline("acme"); len(got) != 0 {
		t.Fatalf("ListOnline = %v", got)
	}
	_, offline, left := h.presence.counts()
	if offline != 1 || left != 2 {
		t.Fatalf("offline = %d, user_left = %d", offline, left)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	h := newHarness(t, config.WebSocketConfig{})
	_, s := h.connect("u1")

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Close()
		}()
	}
	wg.Wait()
	s.Close()

	if s.State() != StateClosed {
		t.Fatalf("state = %v", s.State())
	}
	if n := h.reg.removes.Load(); n != 1 {
		t.Fatalf("Remove called %d times, want 1", n)
	}
	if _, offline, _ := h.presence.counts(); offline != 1 {
		t.Fatalf("offline announced %d times", offline)
	}
	if err := s.Send(&domain.SimpleFrame{Msg: domain.MsgPong}); !errors.Is(err, registry.ErrSessionClosed) {
		t.Fatalf("Send after close = %v", err)
	}
}

func TestSecondConnectEvictsFirst(t *testing.T) {
	h := newHarness(t, config.WebSocketConfig{})
	first, s1 := h.connect("u1")
	_, s2 := h.connect("u1")

	ce, _ := readUntilClose(t, first)
	if ce.Code != CloseSessionReplaced {
		t.Fatalf("close code = %d, want %d", ce.Code, CloseSessionReplaced)
	}
	<-s1.Done()

	online := h.reg.ListOnline("acme")
	if len(online) != 1 || online[0] != "u1" {
		t.Fatalf("ListOnline = %v, want [u1]", online)
	}
	if cur, _ := h.reg.Lookup("acme", "u1"); cur != registry.Session(s2) {
		t.Fatal("second session is not the live one")
	}
	if got := h.reg.MembersOnline("acme", "r1"); len(got) != 1 {
		t.Fatalf("room index lost the user: %v", got)
	}
	if _, offline, _ := h.presence.counts(); offline != 0 {
		t.Fatal("eviction must not announce the user offline")
	}
}

func TestKeepaliveTimeoutClosesSession(t *testing.T) {
	h := newHarness(t, config.WebSocketConfig{
		PingInterval: 50 * time.Millisecond,
		PongWait:     50 * time.Millisecond,
	})
	c, s := h.connect("u1")
	// Do not answer control pings.
	c.SetPingHandler(func(string) error { return nil })

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not time out")
	}

	ce, frames := readUntilClose(t, c)
	if ce.Code != CloseKeepaliveTimeout {
		t.Fatalf("close code = %d", ce.Code)
	}
	var sawPing bool
	for _, f := range frames {
		if f["msg"] == domain.MsgPing {
			sawPing = true
		}
	}
	if !sawPing {
		t.Fatalf("no ping before timeout: %v", frames)
	}
}

func TestTrafficKeepsSessionAlive(t *testing.T) {
	h := newHarness(t, config.WebSocketConfig{
		PingInterval: 60 * time.Millisecond,
		PongWait:     60 * time.Millisecond,
	})
	c, s := h.connect("u1")

	for i := 0; i < 6; i++ {
		time.Sleep(40 * time.Millisecond)
		if err := c.WriteJSON(map[string]string{"msg": domain.MsgPong}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if s.State() != StateActive {
		t.Fatalf("state = %v, want active", s.State())
	}
}

func TestStateString(t *testing.T) {
	for st, want := range map[State]string{
		StateConnecting: "connecting",
		StateActive:     "active",
		StateClosed:     "closed",
		State(42):       fmt.Sprintf("state(%d)", 42),
	} {
		if st.String() != want {
			t.Errorf("%d.String() = %q, want %q", int32(st), st.String(), want)
		}
	}
}
