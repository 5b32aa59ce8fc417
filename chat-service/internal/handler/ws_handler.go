package handler

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/weiawesome/wes-io-relay/chat-service/internal/session"
	"github.com/weiawesome/wes-io-relay/pkg/log"
)

// WSHandler upgrades /ws requests and serves one session per connection.
type WSHandler struct {
	deps     session.Deps
	upgrader websocket.Upgrader

	// base bounds every session; cancelling it closes them all.
	base context.Context
	wg   sync.WaitGroup
}

// NewWSHandler creates a WSHandler. Sessions are children of base.
func NewWSHandler(base context.Context, deps session.Deps) *WSHandler {
	return &WSHandler{
		deps: deps,
		base: base,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: deps.Config.HandshakeTimeout,
			CheckOrigin:      originChecker(deps.Config.AllowedOrigins),
		},
	}
}

// originChecker allows requests without an Origin header, and any origin
// when the allow list is empty or contains "*".
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := set[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}

// HandleWebSocket upgrades the request and blocks until the session ends.
func (h *WSHandler) HandleWebSocket(c *gin.Context) {
	l := log.Ctx(c.Request.Context())
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		l.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	h.wg.Add(1)
	defer h.wg.Done()

	ctx := log.WithLogger(h.base, l)
	s := session.New(ctx, conn, h.deps)
	s.Serve()
}

// Wait blocks until every session has finished or ctx expires.
func (h *WSHandler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RegisterRoutes mounts the websocket endpoint.
func (h *WSHandler) RegisterRoutes(r gin.IRouter) {
	r.GET("/ws", h.HandleWebSocket)
}
