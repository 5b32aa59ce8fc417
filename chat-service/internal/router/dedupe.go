package router

import (
	"context"
	"sync"
	"time"
)

// Deduper remembers routed client message ids for a window. Reserve
// reports fresh=false with the earlier outcome for a repeated key; the
// outcome is empty while the first Route is still running.
type Deduper interface {
	Reserve(ctx context.Context, key string, now time.Time) (prev *DeliveryOutcome, fresh bool, err error)
	Complete(ctx context.Context, key string, out *DeliveryOutcome, now time.Time) error
	Release(ctx context.Context, key string) error
}

type dedupeEntry struct {
	outcome *DeliveryOutcome // nil while the first Route is running
	expires time.Time
}

// memoryDedupe is a process-local Deduper.
type memoryDedupe struct {
	mu        sync.Mutex
	window    time.Duration
	entries   map[string]*dedupeEntry
	lastPrune time.Time
}

// NewMemoryDedupe returns a Deduper holding keys in process memory.
func NewMemoryDedupe(window time.Duration) Deduper {
	return &memoryDedupe{window: window, entries: make(map[string]*dedupeEntry)}
}

func dedupeKey(tenantID, userID, clientMessageID string) string {
	return tenantID + "\x00" + userID + "\x00" + clientMessageID
}

func (d *memoryDedupe) Reserve(_ context.Context, key string, now time.Time) (*DeliveryOutcome, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if now.Sub(d.lastPrune) > d.window {
		for k, e := range d.entries {
			if now.After(e.expires) {
				delete(d.entries, k)
			}
		}
		d.lastPrune = now
	}

	if e, ok := d.entries[key]; ok && !now.After(e.expires) {
		if e.outcome == nil {
			return &DeliveryOutcome{}, false, nil
		}
		cp := *e.outcome
		cp.Recipients = append([]string(nil), e.outcome.Recipients...)
		return &cp, false, nil
	}
	d.entries[key] = &dedupeEntry{expires: now.Add(d.window)}
	return nil, true, nil
}

func (d *memoryDedupe) Complete(_ context.Context, key string, out *DeliveryOutcome, now time.Time) error {
	cp := *out
	d.mu.Lock()
	d.entries[key] = &dedupeEntry{outcome: &cp, expires: now.Add(d.window)}
	d.mu.Unlock()
	return nil
}

func (d *memoryDedupe) Release(_ context.Context, key string) error {
	d.mu.Lock()
	delete(d.entries, key)
	d.mu.Unlock()
	return nil
}
