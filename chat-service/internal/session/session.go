// Package session owns the lifecycle of one websocket connection:
// handshake, the read, consumer and write loops, keepalive and teardown.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/weiawesome/wes-io-relay/chat-service/internal/audit"
	"github.com/weiawesome/wes-io-relay/chat-service/internal/config"
	"github.com/weiawesome/wes-io-relay/chat-service/internal/domain"
	"github.com/weiawesome/wes-io-relay/chat-service/internal/registry"
	"github.com/weiawesome/wes-io-relay/pkg/credential"
	"github.com/weiawesome/wes-io-relay/pkg/log"
)

// State is the lifecycle state of a session.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Close codes sent with the websocket close frame.
const (
	CloseNormal           = websocket.CloseNormalClosure
	CloseGoingAway        = websocket.CloseGoingAway
	ClosePolicyViolation  = websocket.ClosePolicyViolation
	CloseSessionReplaced  = 4001
	CloseKeepaliveTimeout = 4002
)

// Authenticator validates the credential of a connect frame.
type Authenticator interface {
	VerifyConnect(ctx context.Context, userID, credential string) (*credential.Identity, error)
}

// Registry is the part of the connection registry a session drives.
type Registry interface {
	Register(tenantID, userID string, s registry.Session) registry.Session
	Remove(tenantID, userID string, s registry.Session) (bool, []string)
	Join(tenantID, userID, roomID string) bool
	Leave(tenantID, userID, roomID string)
}

// RoomLoader lists the rooms a user belongs to.
type RoomLoader interface {
	GetUserRooms(ctx context.Context, tenantID, userID string) ([]string, error)
}

// Presence announces a session's arrival and departure.
type Presence interface {
	NotifyOnline(ctx context.Context, tenantID, userID string, rooms []string)
	NotifyOffline(ctx context.Context, tenantID, userID string, rooms []string)
	UserLeft(ctx context.Context, tenantID, roomID, userID string)
}

// Dispatcher handles one decoded inbound frame. It runs on the session's
// consumer goroutine, so frames are handled in arrival order.
type Dispatcher interface {
	Dispatch(ctx context.Context, s *Session, msg string, raw []byte) error
}

// Deps are the collaborators of a session.
type Deps struct {
	Auth       Authenticator
	Registry   Registry
	Rooms      RoomLoader
	Presence   Presence
	Dispatcher Dispatcher
	Config     config.WebSocketConfig
}

type closeReason struct {
	code int
	text string
}

// Session is one websocket connection.
type Session struct {
	id   string
	conn *websocket.Conn
	deps Deps
	cfg  config.WebSocketConfig

	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger

	state        atomic.Int32
	lastActivity atomic.Int64
	reason       atomic.Pointer[closeReason]

	tenantID    string
	userID      string
	displayName string
	identity    *credential.Identity

	mu    sync.RWMutex
	rooms map[string]struct{}

	inbound    chan []byte
	send       chan []byte
	wg         sync.WaitGroup
	writerDone chan struct{}
	started    bool
	registered bool

	closeOnce sync.Once
	closed    chan struct{}
}

// New wraps an upgraded connection. parent bounds the session lifetime.
func New(parent context.Context, conn *websocket.Conn, deps Deps) *Session {
	cfg := withDefaults(deps.Config)
	ctx, cancel := context.WithCancel(parent)
	id := uuid.NewString()
	s := &Session{
		id:         id,
		conn:       conn,
		deps:       deps,
		cfg:        cfg,
		ctx:        ctx,
		cancel:     cancel,
		rooms:      make(map[string]struct{}),
		inbound:    make(chan []byte, cfg.InboundQueueSize),
		send:       make(chan []byte, cfg.SendQueueSize),
		writerDone: make(chan struct{}),
		closed:     make(chan struct{}),
	}
	s.logger = log.Ctx(parent).With().Str(log.FieldSessionID, id).Logger()
	s.touch()
	return s
}

func withDefaults(cfg config.WebSocketConfig) config.WebSocketConfig {
	def := config.DefaultWebSocketConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.InboundQueueSize <= 0 {
		cfg.InboundQueueSize = def.InboundQueueSize
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = def.SendQueueSize
	}
	return cfg
}

func (s *Session) ID() string          { return s.id }
func (s *Session) TenantID() string    { return s.tenantID }
func (s *Session) UserID() string      { return s.userID }
func (s *Session) DisplayName() string { return s.displayName }
func (s *Session) State() State        { return State(s.state.Load()) }

// Identity is the verified credential of the session.
func (s *Session) Identity() *credential.Identity { return s.identity }

// Context is cancelled when the session starts closing. Its logger
// carries the tenant, user and session ids.
func (s *Session) Context() context.Context { return s.ctx }

// Logger returns the session logger.
func (s *Session) Logger() *zerolog.Logger { return &s.logger }

// Done is closed once teardown has finished.
func (s *Session) Done() <-chan struct{} { return s.closed }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

func (s *Session) touch() { s.lastActivity.Store(time.Now().UnixNano()) }

func (s *Session) idle(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastActivity.Load()))
}

// Send queues a frame for the write loop without blocking.
func (s *Session) Send(frame interface{}) error {
	if s.ctx.Err() != nil {
		return registry.ErrSessionClosed
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	select {
	case s.send <- data:
		return nil
	default:
		s.logger.Warn().Msg("send buffer full, dropping frame")
		return registry.ErrSendBufferFull
	}
}

// SendError queues an error frame.
func (s *Session) SendError(code, details string) error {
	return s.Send(domain.NewErrorFrame(code, details))
}

// Evict closes a session that was replaced by a newer connection of the
// same identity.
func (s *Session) Evict() {
	s.shutdown(CloseSessionReplaced, domain.ErrCodeSessionReplaced)
}

// Disconnect asks the session to close normally.
func (s *Session) Disconnect() {
	s.shutdown(CloseNormal, "disconnect")
}

// shutdown records why the session ends and cancels its context. The
// goroutine running Serve performs the teardown.
func (s *Session) shutdown(code int, text string) {
	s.reason.CompareAndSwap(nil, &closeReason{code: code, text: text})
	s.cancel()
}

// Rooms returns the joined rooms, sorted.
func (s *Session) Rooms() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.rooms))
	for r := range s.rooms {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// InRoom reports whether the session joined roomID.
func (s *Session) InRoom(roomID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[roomID]
	return ok
}

// JoinRoom adds roomID to the session and the registry room index. It
// reports false when the room was already joined.
func (s *Session) JoinRoom(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomID]; ok {
		return false
	}
	if !s.deps.Registry.Join(s.tenantID, s.userID, roomID) {
		return false
	}
	s.rooms[roomID] = struct{}{}
	return true
}

// LeaveRoom removes roomID. It reports false when it was not joined.
func (s *Session) LeaveRoom(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomID]; !ok {
		return false
	}
	delete(s.rooms, roomID)
	s.deps.Registry.Leave(s.tenantID, s.userID, roomID)
	return true
}

// Serve runs the session until it closes. It performs the handshake,
// activates the session and blocks until teardown has finished.
func (s *Session) Serve() {
	frame, id, err := s.handshake()
	if err != nil {
		s.reject(err)
		return
	}
	s.activate(frame, id)

	<-s.ctx.Done()
	s.Close()
}

type handshakeError struct {
	code    string
	details string
	userID  string
	err     error
}

func (e *handshakeError) Error() string {
	if e.err != nil {
		return e.details + ": " + e.err.Error()
	}
	return e.details
}

func (e *handshakeError) Unwrap() error { return e.err }

func (s *Session) handshake() (*domain.ConnectFrame, *credential.Identity, error) {
	s.setState(StateAuthenticating)
	s.conn.SetReadLimit(s.cfg.MaxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))

	_, raw, err := s.conn.ReadMessage()
	if err != nil {
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, nil, &handshakeError{code: domain.ErrCodeHandshakeTimeout, details: "no connect frame received", err: err}
		}
		return nil, nil, &handshakeError{code: domain.ErrCodeInvalidFrame, details: "connection lost during handshake", err: err}
	}

	var frame domain.ConnectFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, nil, &handshakeError{code: domain.ErrCodeInvalidFrame, details: "malformed frame", err: err}
	}
	if frame.Msg != domain.MsgConnect {
		return nil, nil, &handshakeError{code: domain.ErrCodeInvalidFrame, details: "first frame must be connect"}
	}
	if frame.UserID == "" || frame.Credential == "" {
		return nil, nil, &handshakeError{code: domain.ErrCodeUnauthorized, details: "user_id and credential are required", userID: frame.UserID}
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.HandshakeTimeout)
	defer cancel()
	id, err := s.deps.Auth.VerifyConnect(ctx, frame.UserID, frame.Credential)
	if err != nil {
		return nil, nil, &handshakeError{code: domain.ErrCodeUnauthorized, details: "invalid credential", userID: frame.UserID, err: err}
	}
	return &frame, id, nil
}

// reject answers a failed handshake with an error frame and closes.
func (s *Session) reject(err error) {
	code, details, userID := domain.ErrCodeInvalidFrame, err.Error(), ""
	var he *handshakeError
	if errors.As(err, &he) {
		code, details, userID = he.code, he.details, he.userID
	}
	s.logger.Info().Err(err).Str("code", code).Msg("handshake rejected")
	if code == domain.ErrCodeUnauthorized {
		audit.LogWithDetail(log.WithLogger(s.ctx, s.logger), audit.ActionAuthFailed, "", userID, details, "connect rejected")
	}

	s.closeOnce.Do(func() {
		s.setState(StateClosing)
		s.cancel()

		deadline := time.Now().Add(s.cfg.WriteWait)
		s.conn.SetWriteDeadline(deadline)
		if data, mErr := json.Marshal(domain.NewErrorFrame(code, details)); mErr == nil {
			s.conn.WriteMessage(websocket.TextMessage, data)
		}
		s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(ClosePolicyViolation, code), deadline)
		s.conn.Close()

		s.setState(StateClosed)
		close(s.closed)
	})
}

func (s *Session) activate(frame *domain.ConnectFrame, id *credential.Identity) {
	s.identity = id
	s.tenantID = id.TenantID
	s.userID = frame.UserID
	s.displayName = frame.DisplayName
	if s.displayName == "" {
		s.displayName = frame.UserID
	}
	s.logger = s.logger.With().
		Str(log.FieldTenantID, s.tenantID).
		Str(log.FieldUserID, s.userID).
		Logger()
	s.ctx = log.WithLogger(s.ctx, s.logger)

	s.conn.SetReadDeadline(time.Time{})
	s.conn.SetPongHandler(func(string) error {
		s.touch()
		return nil
	})
	s.touch()

	var loaded []string
	if s.deps.Rooms != nil && id.Allows(credential.PermissionReadMessages) {
		var err error
		loaded, err = s.deps.Rooms.GetUserRooms(s.ctx, s.tenantID, s.userID)
		if err != nil {
			s.logger.Warn().Err(err).Msg("failed to load rooms")
		}
	}

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.setState(StateActive)
	s.registered = true

	rooms := loaded
	if rooms == nil {
		rooms = []string{}
	}
	// Queued before the session becomes reachable so it is the first frame.
	s.Send(&domain.ConnectedFrame{
		Msg:       domain.MsgConnected,
		UserID:    s.userID,
		SessionID: s.id,
		Rooms:     rooms,
	})

	s.deps.Registry.Register(s.tenantID, s.userID, s)
	for _, roomID := range loaded {
		if s.deps.Registry.Join(s.tenantID, s.userID, roomID) {
			s.rooms[roomID] = struct{}{}
		}
	}

	s.started = true
	s.wg.Add(2)
	go s.writePump()
	go s.readPump()
	go s.consume()
	s.mu.Unlock()

	if s.deps.Presence != nil {
		s.deps.Presence.NotifyOnline(s.ctx, s.tenantID, s.userID, rooms)
	}
	audit.LogWithDetail(s.ctx, audit.ActionConnect, s.tenantID, s.userID, s.id, "session connected")
}

// Close tears the session down. Only the first call does the work; every
// call returns once teardown has finished. It must not be called from
// the session's own loops, which use shutdown instead.
func (s *Session) Close() {
	s.closeOnce.Do(s.teardown)
	<-s.closed
}

func (s *Session) teardown() {
	s.setState(StateClosing)
	s.shutdown(CloseGoingAway, "server closing")

	s.mu.RLock()
	started, registered := s.started, s.registered
	s.mu.RUnlock()

	if started {
		// The writer flushes queued frames and sends the close frame.
		<-s.writerDone
	}
	s.conn.Close()
	s.wg.Wait()

	if registered {
		s.release()
		audit.LogWithDetail(s.ctx, audit.ActionDisconnect, s.tenantID, s.userID, s.reason.Load().text, "session disconnected")
	}

	s.setState(StateClosed)
	close(s.closed)
	s.logger.Info().Str("reason", s.reason.Load().text).Msg("session closed")
}

// release removes the session from the registry and announces the
// departure when it was still the identity's live session.
func (s *Session) release() {
	removed, rooms := s.deps.Registry.Remove(s.tenantID, s.userID, s)
	if !removed || s.deps.Presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), 5*time.Second)
	defer cancel()
	for _, roomID := range rooms {
		s.deps.Presence.UserLeft(ctx, s.tenantID, roomID, s.userID)
	}
	s.deps.Presence.NotifyOffline(ctx, s.tenantID, s.userID, rooms)
}
