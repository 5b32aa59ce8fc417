package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

type fakeSession struct {
	id       string
	tenantID string
	userID   string

	mu      sync.Mutex
	frames  []interface{}
	evicted atomic.Int32
}

func newFake(tenantID, userID, id string) *fakeSession {
	return &fakeSession{id: id, tenantID: tenantID, userID: userID}
}

func (f *fakeSession) ID() string       { return f.id }
func (f *fakeSession) TenantID() string { return f.tenantID }
func (f *fakeSession) UserID() string   { return f.userID }
func (f *fakeSession) Evict()           { f.evicted.Add(1) }

func (f *fakeSession) Send(frame interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return nil
}

func TestRegisterLookupRemove(t *testing.T) {
	r := New()
	s := newFake("acme", "u1", "s1")

	if old := r.Register("acme", "u1", s); old != nil {
		t.Fatalf("unexpected eviction of %v", old)
	}
	got, ok := r.Lookup("acme", "u1")
	if !ok || got != s {
		t.Fatalf("Lookup = %v, %v", got, ok)
	}
	if _, ok := r.Lookup("other", "u1"); ok {
		t.Fatal("identity leaked across tenants")
	}

	removed, _ := r.Remove("acme", "u1", s)
	if !removed {
		t.Fatal("Remove reported no-op")
	}
	if _, ok := r.Lookup("acme", "u1"); ok {
		t.Fatal("session still registered")
	}
	if removed, _ := r.Remove("acme", "u1", s); removed {
		t.Fatal("second Remove should be a no-op")
	}
}

func TestTwoConnectsForSameUser(t *testing.T) {
	r := New()
	first := newFake("acme", "u1", "s1")
	second := newFake("acme", "u1", "s2")

	r.Register("acme", "u1", first)
	old := r.Register("acme", "u1", second)

	if old != first {
		t.Fatalf("evicted = %v, want first session", old)
	}
	if first.evicted.Load() != 1 {
		t.Fatalf("first session evicted %d times", first.evicted.Load())
	}
	if second.evicted.Load() != 0 {
		t.Fatal("second session must stay open")
	}

	online := r.ListOnline("acme")
	if len(online) != 1 || online[0] != "u1" {
		t.Fatalf("ListOnline = %v, want [u1]", online)
	}

	// The evicted session's teardown must not remove its successor.
	if removed, _ := r.Remove("acme", "u1", first); removed {
		t.Fatal("stale Remove removed the successor")
	}
	if got, _ := r.Lookup("acme", "u1"); got != second {
		t.Fatalf("Lookup = %v, want second session", got)
	}
}

func TestConcurrentRegisterKeepsSingleSession(t *testing.T) {
	const n = 50
	r := New()
	sessions := make([]*fakeSession, n)
	for i := range sessions {
		sessions[i] = newFake("acme", "u1", fmt.Sprintf("s%d", i))
	}

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *fakeSession) {
			defer wg.Done()
			r.Register("acme", "u1", s)
		}(s)
	}
	wg.Wait()

	if got := r.ListOnline("acme"); len(got) != 1 {
		t.Fatalf("ListOnline = %v", got)
	}
	current, _ := r.Lookup("acme", "u1")

	evicted := 0
	for _, s := range sessions {
		switch c := s.evicted.Load(); {
		case c > 1:
			t.Fatalf("session %s evicted %d times", s.id, c)
		case c == 1:
			evicted++
			if s == current {
				t.Fatal("current session was evicted")
			}
		}
	}
	if evicted != n-1 {
		t.Fatalf("evicted = %d, want %d", evicted, n-1)
	}
}

func TestRoomIndex(t *testing.T) {
	r := New()
	a := newFake("acme", "alice", "s1")
	b := newFake("acme", "bob", "s2")
	c := newFake("other", "carol", "s3")
	r.Register("acme", "alice", a)
	r.Register("acme", "bob", b)
	r.Register("other", "carol", c)

	if r.Join("acme", "ghost", "r1") {
		t.Fatal("Join must refuse identities that are not connected")
	}
	r.Join("acme", "alice", "r1")
	r.Join("acme", "bob", "r1")
	r.Join("acme", "bob", "r2")
	r.Join("other", "carol", "r1")

	members := r.MembersOnline("acme", "r1")
	if len(members) != 2 || members[0] != "alice" || members[1] != "bob" {
		t.Fatalf("MembersOnline = %v", members)
	}

	sessions := r.RoomSessions("acme", "r1", "alice")
	if len(sessions) != 1 || sessions[0] != b {
		t.Fatalf("RoomSessions = %v", sessions)
	}

	r.Leave("acme", "alice", "r1")
	if got := r.MembersOnline("acme", "r1"); len(got) != 1 || got[0] != "bob" {
		t.Fatalf("after Leave MembersOnline = %v", got)
	}

	removed, rooms := r.Remove("acme", "bob", b)
	if !removed || len(rooms) != 2 || rooms[0] != "r1" || rooms[1] != "r2" {
		t.Fatalf("Remove = %v, %v", removed, rooms)
	}
	if got := r.MembersOnline("acme", "r1"); len(got) != 0 {
		t.Fatalf("room not cleaned up: %v", got)
	}
	if got := r.MembersOnline("other", "r1"); len(got) != 1 || got[0] != "carol" {
		t.Fatalf("other tenant's room affected: %v", got)
	}
}

func TestRoomJoinsCarryOverOnEviction(t *testing.T) {
	r := New()
	first := newFake("acme", "u1", "s1")
	second := newFake("acme", "u1", "s2")
	r.Register("acme", "u1", first)
	r.Join("acme", "u1", "r1")

	r.Register("acme", "u1", second)
	if got := r.RoomSessions("acme", "r1", ""); len(got) != 1 || got[0] != second {
		t.Fatalf("RoomSessions = %v", got)
	}
	r.Remove("acme", "u1", first)
	if got := r.MembersOnline("acme", "r1"); len(got) != 1 {
		t.Fatalf("stale Remove dropped the room join: %v", got)
	}
}

type recordingDirectory struct {
	mu  sync.Mutex
	ops []string
}

func (d *recordingDirectory) Register(_ context.Context, tenantID, userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ops = append(d.ops, "on:"+tenantID+"/"+userID)
	return nil
}

func (d *recordingDirectory) Deregister(_ context.Context, tenantID, userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ops = append(d.ops, "off:"+tenantID+"/"+userID)
	return nil
}

func TestDirectoryMirrorPreservesOrder(t *testing.T) {
	dir := &recordingDirectory{}
	mirror := NewDirectoryMirror(dir, 16)
	r := New(WithObserver(mirror))

	first := newFake("acme", "u1", "s1")
	second := newFake("acme", "u1", "s2")
	r.Register("acme", "u1", first)
	r.Remove("acme", "u1", first)
	r.Register("acme", "u1", second)
	r.Remove("acme", "u1", first) // stale, not mirrored

	mirror.Close()

	want := []string{"on:acme/u1", "off:acme/u1", "on:acme/u1"}
	if len(dir.ops) != len(want) {
		t.Fatalf("ops = %v, want %v", dir.ops, want)
	}
	for i := range want {
		if dir.ops[i] != want[i] {
			t.Fatalf("ops = %v, want %v", dir.ops, want)
		}
	}
}

func TestDirectoryMirrorAfterClose(t *testing.T) {
	dir := &recordingDirectory{}
	mirror := NewDirectoryMirror(dir, 16)
	r := New(WithObserver(mirror))

	s := newFake("acme", "u1", "s1")
	r.Register("acme", "u1", s)
	mirror.Close()

	// a session finishing after shutdown still removes itself
	r.Remove("acme", "u1", s)
	mirror.Close()

	if len(dir.ops) != 1 || dir.ops[0] != "on:acme/u1" {
		t.Fatalf("ops = %v", dir.ops)
	}
}
