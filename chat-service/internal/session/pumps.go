package session

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"github.com/weiawesome/wes-io-relay/chat-service/internal/domain"
	"github.com/weiawesome/wes-io-relay/pkg/log"
)

// ErrDisconnect is returned by a frame handler to close the session
// normally.
var ErrDisconnect = errors.New("client requested disconnect")

// FrameError is returned by a frame handler to answer with an error
// frame. Fatal errors also close the session.
type FrameError struct {
	Code    string
	Details string
	Fatal   bool
}

func (e *FrameError) Error() string { return e.Code + ": " + e.Details }

// NewFrameError returns a non-fatal FrameError.
func NewFrameError(code, details string) *FrameError {
	return &FrameError{Code: code, Details: details}
}

func (s *Session) readPump() {
	defer s.wg.Done()

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
					s.logger.Warn().Err(err).Msg("websocket read error")
				}
				s.shutdown(CloseGoingAway, "connection lost")
			}
			return
		}
		s.touch()

		select {
		case s.inbound <- message:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) writePump() {
	defer close(s.writerDone)

	for {
		select {
		case message := <-s.send:
			if err := s.write(message); err != nil {
				s.shutdown(CloseGoingAway, "write failed")
				return
			}

		case <-s.ctx.Done():
			s.flush()
			code, text := CloseGoingAway, "server closing"
			if r := s.reason.Load(); r != nil {
				code, text = r.code, r.text
			}
			s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, text),
				time.Now().Add(s.cfg.WriteWait))
			return
		}
	}
}

// flush writes frames still queued when the session started closing.
func (s *Session) flush() {
	for {
		select {
		case message := <-s.send:
			if err := s.write(message); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Session) write(message []byte) error {
	s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
	w, err := s.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	w.Write(message)
	return w.Close()
}

type keepaliveAction int

const (
	keepaliveWait keepaliveAction = iota
	keepalivePing
	keepaliveClose
)

// keepalive decides what to do after idle without inbound traffic and
// how long to wait before checking again.
func keepalive(idle, pingInterval, pongWait time.Duration) (keepaliveAction, time.Duration) {
	switch {
	case idle >= pingInterval+pongWait:
		return keepaliveClose, 0
	case idle >= pingInterval:
		return keepalivePing, pingInterval + pongWait - idle
	default:
		return keepaliveWait, pingInterval - idle
	}
}

// consume drains the inbound queue in arrival order and runs keepalive.
func (s *Session) consume() {
	defer s.wg.Done()

	timer := time.NewTimer(s.cfg.PingInterval)
	defer timer.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return

		case raw := <-s.inbound:
			s.dispatch(raw)

		case now := <-timer.C:
			action, wait := keepalive(s.idle(now), s.cfg.PingInterval, s.cfg.PongWait)
			switch action {
			case keepaliveClose:
				s.logger.Info().Msg("keepalive timeout")
				s.SendError(domain.ErrCodeKeepaliveTimeout, "no traffic received")
				s.shutdown(CloseKeepaliveTimeout, domain.ErrCodeKeepaliveTimeout)
				return
			case keepalivePing:
				s.Send(&domain.SimpleFrame{Msg: domain.MsgPing})
				s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteWait))
			}
			timer.Reset(wait)
		}
	}
}

func (s *Session) dispatch(raw []byte) {
	var env domain.Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Msg == "" {
		s.fail(domain.ErrCodeInvalidFrame, "malformed frame")
		return
	}

	err := s.deps.Dispatcher.Dispatch(s.ctx, s, env.Msg, raw)
	if err == nil {
		return
	}

	var fe *FrameError
	switch {
	case errors.Is(err, ErrDisconnect):
		s.Disconnect()
	case errors.As(err, &fe):
		if fe.Fatal {
			s.fail(fe.Code, fe.Details)
			return
		}
		s.logger.Debug().Str(log.FieldFrame, env.Msg).Str("code", fe.Code).Msg(fe.Details)
		s.SendError(fe.Code, fe.Details)
	default:
		s.logger.Error().Err(err).Str(log.FieldFrame, env.Msg).Msg("frame handler failed")
		s.SendError(domain.ErrCodeInternal, "internal error")
	}
}

// fail answers with an error frame and closes the session.
func (s *Session) fail(code, details string) {
	s.logger.Info().Str("code", code).Msg(details)
	s.SendError(code, details)
	s.shutdown(ClosePolicyViolation, code)
}
