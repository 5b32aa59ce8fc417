package registry

import (
	"context"
	"sync"
	"time"

	"github.com/weiawesome/wes-io-relay/pkg/log"
)

// Directory is the cross-process session directory the mirror writes to.
type Directory interface {
	Register(ctx context.Context, tenantID, userID string) error
	Deregister(ctx context.Context, tenantID, userID string) error
}

type mirrorOp struct {
	online   bool
	tenantID string
	userID   string
}

// DirectoryMirror is an Observer that replays presence changes into a
// Directory on one background goroutine, preserving their order. When
// the buffer is full the change is dropped and logged.
type DirectoryMirror struct {
	dir     Directory
	ops     chan mirrorOp
	timeout time.Duration
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewDirectoryMirror starts the mirror goroutine.
func NewDirectoryMirror(dir Directory, buffer int) *DirectoryMirror {
	if buffer <= 0 {
		buffer = 1024
	}
	m := &DirectoryMirror{
		dir:     dir,
		ops:     make(chan mirrorOp, buffer),
		timeout: 3 * time.Second,
	}
	m.wg.Add(1)
	go m.run()
	return m
}

func (m *DirectoryMirror) Online(tenantID, userID string) {
	m.push(mirrorOp{online: true, tenantID: tenantID, userID: userID})
}

func (m *DirectoryMirror) Offline(tenantID, userID string) {
	m.push(mirrorOp{online: false, tenantID: tenantID, userID: userID})
}

func (m *DirectoryMirror) push(op mirrorOp) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.ops <- op:
	default:
		l := log.L()
		l.Warn().
			Str(log.FieldTenantID, op.tenantID).
			Str(log.FieldUserID, op.userID).
			Bool("online", op.online).
			Msg("directory mirror buffer full, dropping presence change")
	}
}

func (m *DirectoryMirror) run() {
	defer m.wg.Done()
	for op := range m.ops {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		var err error
		if op.online {
			err = m.dir.Register(ctx, op.tenantID, op.userID)
		} else {
			err = m.dir.Deregister(ctx, op.tenantID, op.userID)
		}
		cancel()
		if err != nil {
			l := log.L()
			l.Warn().Err(err).
				Str(log.FieldTenantID, op.tenantID).
				Str(log.FieldUserID, op.userID).
				Msg("directory mirror update failed")
		}
	}
}

// Close drains pending changes and stops the goroutine. Changes pushed
// afterwards are discarded.
func (m *DirectoryMirror) Close() {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.ops)
	}
	m.mu.Unlock()
	m.wg.Wait()
}
