package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memEntry struct {
	job      *Job
	due      time.Time
	inflight bool
	deadline time.Time
}

// MemoryQueue is a process-local Queue for tests and single-node setups.
type MemoryQueue struct {
	mu         sync.Mutex
	entries    map[string]*memEntry
	backoff    Backoff
	visibility time.Duration
	closed     bool
	now        func() time.Time
}

// NewMemoryQueue creates an empty MemoryQueue.
func NewMemoryQueue(backoff Backoff, visibility time.Duration) *MemoryQueue {
	if visibility <= 0 {
		visibility = time.Minute
	}
	return &MemoryQueue{
		entries:    make(map[string]*memEntry),
		backoff:    backoff,
		visibility: visibility,
		now:        time.Now,
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, jobID string, payload []byte, notBefore time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if _, ok := q.entries[jobID]; ok {
		return nil
	}

	now := q.now()
	if notBefore.IsZero() || notBefore.Before(now) {
		notBefore = now
	}
	q.entries[jobID] = &memEntry{
		job: &Job{ID: jobID, Payload: append([]byte(nil), payload...), EnqueuedAt: now},
		due: notBefore,
	}
	return nil
}

func (q *MemoryQueue) Claim(_ context.Context, max int) ([]*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrClosed
	}

	now := q.now()
	var due []*memEntry
	for _, e := range q.entries {
		if !e.inflight && !e.due.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].due.Before(due[j].due) })
	if max > 0 && len(due) > max {
		due = due[:max]
	}

	jobs := make([]*Job, 0, len(due))
	for _, e := range due {
		e.inflight = true
		e.deadline = now.Add(q.visibility)
		j := *e.job
		jobs = append(jobs, &j)
	}
	return jobs, nil
}

func (q *MemoryQueue) Ack(_ context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, job.ID)
	return nil
}

func (q *MemoryQueue) Nack(_ context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[job.ID]
	if !ok {
		return nil
	}
	e.job.Attempt = job.Attempt + 1
	e.inflight = false
	e.due = q.now().Add(q.backoff.Delay(e.job.Attempt))
	return nil
}

func (q *MemoryQueue) Reap(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	n := 0
	for _, e := range q.entries {
		if e.inflight && now.After(e.deadline) {
			e.inflight = false
			e.due = now
			n++
		}
	}
	return n, nil
}

// Len returns the number of waiting plus in-flight jobs.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// NextDue returns when jobID is next due, and whether it is queued.
func (q *MemoryQueue) NextDue(jobID string) (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[jobID]
	if !ok {
		return time.Time{}, false
	}
	return e.due, true
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
