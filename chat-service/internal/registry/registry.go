// Package registry tracks which (tenant, user) identities are connected to
// this process, which session serves each of them and which rooms they
// joined.
package registry

import (
	"errors"
	"hash/fnv"
	"sort"
	"sync"
)

// DefaultShardCount is the number of tenant shards.
const DefaultShardCount = 32

var (
	ErrSessionClosed  = errors.New("session closed")
	ErrSendBufferFull = errors.New("send buffer full")
)

// Session is a live connection as seen by the registry and the
// components that deliver to it.
type Session interface {
	ID() string
	TenantID() string
	UserID() string
	// Send queues a frame without blocking. It returns ErrSendBufferFull
	// when the frame was dropped and ErrSessionClosed after teardown.
	Send(frame interface{}) error
	// Evict starts closing the session. It must not block.
	Evict()
}

// Observer is told when an identity comes online or goes offline. Calls
// are made under the shard lock, in order, and must not block.
type Observer interface {
	Online(tenantID, userID string)
	Offline(tenantID, userID string)
}

type identity struct {
	tenantID string
	userID   string
}

type roomKey struct {
	tenantID string
	roomID   string
}

type shard struct {
	mu       sync.RWMutex
	sessions map[identity]Session
	rooms    map[roomKey]map[string]struct{}
	joined   map[identity]map[string]struct{}
}

// Registry is the in-memory connection registry. Identities are sharded
// by tenant so unrelated tenants never contend on one lock.
type Registry struct {
	shards   []*shard
	observer Observer
}

// Option configures a Registry.
type Option func(*Registry)

// WithObserver mirrors presence changes to o.
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observer = o }
}

// WithShards overrides DefaultShardCount.
func WithShards(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.shards = newShards(n)
		}
	}
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{shards: newShards(DefaultShardCount)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func newShards(n int) []*shard {
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{
			sessions: make(map[identity]Session),
			rooms:    make(map[roomKey]map[string]struct{}),
			joined:   make(map[identity]map[string]struct{}),
		}
	}
	return shards
}

func (r *Registry) shardFor(tenantID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(tenantID))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

// Register installs s as the session of (tenantID, userID). A previous
// session for the same identity is evicted under the same lock and
// returned. Room joins of the identity carry over to s.
func (r *Registry) Register(tenantID, userID string, s Session) Session {
	sh := r.shardFor(tenantID)
	id := identity{tenantID, userID}

	sh.mu.Lock()
	old := sh.sessions[id]
	if old == s {
		old = nil
	}
	if old != nil {
		old.Evict()
	}
	sh.sessions[id] = s
	if r.observer != nil {
		r.observer.Online(tenantID, userID)
	}
	sh.mu.Unlock()
	return old
}

// Remove drops (tenantID, userID) only while s is still its session, so
// the late teardown of an evicted session leaves its successor alone. It
// reports whether s was removed and the rooms the identity had joined.
func (r *Registry) Remove(tenantID, userID string, s Session) (bool, []string) {
	sh := r.shardFor(tenantID)
	id := identity{tenantID, userID}

	sh.mu.Lock()
	if cur, ok := sh.sessions[id]; !ok || cur != s {
		sh.mu.Unlock()
		return false, nil
	}
	delete(sh.sessions, id)
	rooms := make([]string, 0, len(sh.joined[id]))
	for roomID := range sh.joined[id] {
		rooms = append(rooms, roomID)
		sh.leaveLocked(id, roomID)
	}
	delete(sh.joined, id)
	if r.observer != nil {
		r.observer.Offline(tenantID, userID)
	}
	sh.mu.Unlock()

	sort.Strings(rooms)
	return true, rooms
}

// Lookup returns the live session of (tenantID, userID).
func (r *Registry) Lookup(tenantID, userID string) (Session, bool) {
	sh := r.shardFor(tenantID)
	sh.mu.RLock()
	s, ok := sh.sessions[identity{tenantID, userID}]
	sh.mu.RUnlock()
	return s, ok
}

// ListOnline returns the connected user ids of a tenant, sorted.
func (r *Registry) ListOnline(tenantID string) []string {
	sh := r.shardFor(tenantID)
	sh.mu.RLock()
	users := make([]string, 0)
	for id := range sh.sessions {
		if id.tenantID == tenantID {
			users = append(users, id.userID)
		}
	}
	sh.mu.RUnlock()
	sort.Strings(users)
	return users
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}

// Join records that (tenantID, userID) receives room traffic. It is a
// no-op for identities that are not connected.
func (r *Registry) Join(tenantID, userID, roomID string) bool {
	sh := r.shardFor(tenantID)
	id := identity{tenantID, userID}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.sessions[id]; !ok {
		return false
	}
	rk := roomKey{tenantID, roomID}
	if sh.rooms[rk] == nil {
		sh.rooms[rk] = make(map[string]struct{})
	}
	sh.rooms[rk][userID] = struct{}{}
	if sh.joined[id] == nil {
		sh.joined[id] = make(map[string]struct{})
	}
	sh.joined[id][roomID] = struct{}{}
	return true
}

// Leave removes (tenantID, userID) from a room.
func (r *Registry) Leave(tenantID, userID, roomID string) {
	sh := r.shardFor(tenantID)
	id := identity{tenantID, userID}

	sh.mu.Lock()
	sh.leaveLocked(id, roomID)
	if j := sh.joined[id]; j != nil {
		delete(j, roomID)
		if len(j) == 0 {
			delete(sh.joined, id)
		}
	}
	sh.mu.Unlock()
}

func (sh *shard) leaveLocked(id identity, roomID string) {
	rk := roomKey{id.tenantID, roomID}
	members := sh.rooms[rk]
	if members == nil {
		return
	}
	delete(members, id.userID)
	if len(members) == 0 {
		delete(sh.rooms, rk)
	}
}

// MembersOnline returns the connected users that joined a room, sorted.
func (r *Registry) MembersOnline(tenantID, roomID string) []string {
	sh := r.shardFor(tenantID)
	sh.mu.RLock()
	members := sh.rooms[roomKey{tenantID, roomID}]
	users := make([]string, 0, len(members))
	for u := range members {
		users = append(users, u)
	}
	sh.mu.RUnlock()
	sort.Strings(users)
	return users
}

// RoomSessions returns the sessions of the users that joined a room,
// skipping excludeUserID.
func (r *Registry) RoomSessions(tenantID, roomID, excludeUserID string) []Session {
	sh := r.shardFor(tenantID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	members := sh.rooms[roomKey{tenantID, roomID}]
	out := make([]Session, 0, len(members))
	for u := range members {
		if u == excludeUserID {
			continue
		}
		if s, ok := sh.sessions[identity{tenantID, u}]; ok {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID() < out[j].UserID() })
	return out
}

// RoomsOf returns the rooms (tenantID, userID) joined, sorted.
func (r *Registry) RoomsOf(tenantID, userID string) []string {
	sh := r.shardFor(tenantID)
	sh.mu.RLock()
	joined := sh.joined[identity{tenantID, userID}]
	rooms := make([]string, 0, len(joined))
	for roomID := range joined {
		rooms = append(rooms, roomID)
	}
	sh.mu.RUnlock()
	sort.Strings(rooms)
	return rooms
}

// Snapshot returns every live session. Used on shutdown.
func (r *Registry) Snapshot() []Session {
	var out []Session
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, s := range sh.sessions {
			out = append(out, s)
		}
		sh.mu.RUnlock()
	}
	return out
}
