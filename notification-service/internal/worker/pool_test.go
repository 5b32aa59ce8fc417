package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/weiawesome/wes-io-relay/notification-service/internal/delivery"
	"github.com/weiawesome/wes-io-relay/pkg/notification"
	"github.com/weiawesome/wes-io-relay/pkg/queue"
)

type fakeProcessor struct {
	mu       sync.Mutex
	results  map[string]delivery.Result
	errs     map[string]error
	seen     []string
	finished chan string
}

func (f *fakeProcessor) ProcessOne(_ context.Context, id string) (delivery.Result, error) {
	f.mu.Lock()
	f.seen = append(f.seen, id)
	res, err := f.results[id], f.errs[id]
	f.mu.Unlock()
	f.finished <- id
	return res, err
}

func enqueue(t *testing.T, q queue.Enqueuer, id string) {
	t.Helper()
	payload, _ := json.Marshal(notification.JobPayload{NotificationID: id, TenantID: "t1"})
	if err := q.Enqueue(context.Background(), notification.JobID(id), payload, time.Time{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
}

func TestPoolAcksAndNacks(t *testing.T) {
	q := queue.NewMemoryQueue(queue.Backoff{Base: time.Hour, Max: time.Hour, Factor: 1}, time.Minute)
	proc := &fakeProcessor{
		results: map[string]delivery.Result{
			"sent":  {Status: notification.StatusSent},
			"retry": {Status: notification.StatusRetrying, Retry: true},
		},
		errs:     map[string]error{"broken": errors.New("database unavailable")},
		finished: make(chan string, 8),
	}
	for _, id := range []string{"sent", "retry", "broken"} {
		enqueue(t, q, id)
	}
	q.Enqueue(context.Background(), "garbage", []byte("not json"), time.Time{})

	ctx, cancel := context.WithCancel(context.Background())
	pool := New(q, proc, Config{Concurrency: 2, PollInterval: 10 * time.Millisecond})
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	for i := 0; i < 3; i++ {
		select {
		case <-proc.finished:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for jobs")
		}
	}
	// garbage is acked without reaching the processor; give it a moment
	deadline := time.Now().Add(5 * time.Second)
	for q.Len() != 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	if q.Len() != 2 {
		t.Fatalf("queue length = %d, want 2 (retry and broken)", q.Len())
	}
	if _, ok := q.NextDue(notification.JobID("sent")); ok {
		t.Error("sent job still queued")
	}
	for _, id := range []string{"retry", "broken"} {
		due, ok := q.NextDue(notification.JobID(id))
		if !ok {
			t.Errorf("%s job not requeued", id)
			continue
		}
		if time.Until(due) < 30*time.Minute {
			t.Errorf("%s job due %v, want backoff applied", id, due)
		}
	}
}

func TestPoolStopsOnClosedQueue(t *testing.T) {
	q := queue.NewMemoryQueue(queue.DefaultBackoff(), time.Minute)
	q.Close()
	pool := New(q, &fakeProcessor{finished: make(chan string, 1)}, Config{Concurrency: 1, PollInterval: time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	// the reaper keeps running until ctx ends
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}
}
