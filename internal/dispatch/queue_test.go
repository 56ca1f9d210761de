package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/brightsend/campaign-engine/internal/credential"
	"github.com/brightsend/campaign-engine/internal/store"
)

type fakeSender struct {
	mu    sync.Mutex
	calls int
	fail  error
	// hook runs per send when set, overriding fail.
	hook func(job *Job) error
}

func (f *fakeSender) Send(ctx context.Context, job *Job) error {
	f.mu.Lock()
	f.calls++
	hook := f.hook
	fail := f.fail
	f.mu.Unlock()

	if hook != nil {
		return hook(job)
	}
	return fail
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestProcessRetryBackoff(t *testing.T) {
	sender := &fakeSender{fail: errors.New("connection reset")}
	q := NewQueue(sender, 5, 10*time.Millisecond, 3)

	job := &Job{ID: uuid.New(), Recipient: "rcpt@example.com"}

	// First failure: retry in ~2s.
	q.process(job)
	if job.State != JobRetrying || job.Retries != 1 {
		t.Fatalf("after 1st failure: state=%s retries=%d", job.State, job.Retries)
	}
	if d := time.Until(job.NextRetry); d < 1500*time.Millisecond || d > 2500*time.Millisecond {
		t.Errorf("1st backoff = %v, want ~2s", d)
	}

	// Second failure: retry in ~4s.
	q.takeBatch(job.NextRetry.Add(time.Second))
	q.process(job)
	if job.State != JobRetrying || job.Retries != 2 {
		t.Fatalf("after 2nd failure: state=%s retries=%d", job.State, job.Retries)
	}
	if d := time.Until(job.NextRetry); d < 3500*time.Millisecond || d > 4500*time.Millisecond {
		t.Errorf("2nd backoff = %v, want ~4s", d)
	}

	// Third failure: dropped, never retried again.
	q.takeBatch(job.NextRetry.Add(time.Second))
	q.process(job)
	if job.State != JobDropped || job.Retries != 3 {
		t.Fatalf("after 3rd failure: state=%s retries=%d", job.State, job.Retries)
	}
	if q.Backlog() != 0 {
		t.Errorf("dropped job still in backlog (%d)", q.Backlog())
	}
}

func TestProcessTerminalErrorsNotRetried(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"credential exhausted", credential.ErrExhausted},
		{"daily quota exceeded", store.ErrQuotaExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &fakeSender{fail: tt.err}
			q := NewQueue(sender, 5, 10*time.Millisecond, 3)

			job := &Job{ID: uuid.New()}
			q.process(job)

			if job.State != JobDropped {
				t.Errorf("state = %s, want dropped", job.State)
			}
			if job.Retries != 0 {
				t.Errorf("retries = %d, want 0", job.Retries)
			}
			if q.Backlog() != 0 {
				t.Errorf("terminal job requeued")
			}
		})
	}
}

func TestQueueDeliversEnqueuedJobs(t *testing.T) {
	sender := &fakeSender{}
	q := NewQueue(sender, 5, 10*time.Millisecond, 3)
	q.Start()
	defer q.Stop()

	for i := 0; i < 7; i++ {
		q.Enqueue(&Job{Recipient: "rcpt@example.com"})
	}

	deadline := time.After(2 * time.Second)
	for sender.count() < 7 {
		select {
		case <-deadline:
			t.Fatalf("only %d of 7 jobs processed", sender.count())
		case <-time.After(10 * time.Millisecond):
		}
	}

	if q.Backlog() != 0 {
		t.Errorf("backlog = %d after successful drain", q.Backlog())
	}
}

func TestSubmitValidatesJobs(t *testing.T) {
	q := NewQueue(&fakeSender{}, 5, 10*time.Millisecond, 3)

	tests := []struct {
		name    string
		job     *Job
		wantErr bool
	}{
		{"valid html job", &Job{UserID: uuid.New(), Recipient: "a@b.io", HTML: "<p>x</p>"}, false},
		{"valid template job", &Job{UserID: uuid.New(), Recipient: "a@b.io", Template: "onboarding"}, false},
		{"missing user", &Job{Recipient: "a@b.io", HTML: "x"}, true},
		{"bad recipient", &Job{UserID: uuid.New(), Recipient: "not-an-address", HTML: "x"}, true},
		{"no content", &Job{UserID: uuid.New(), Recipient: "a@b.io"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := q.Submit(tt.job)
			if (err != nil) != tt.wantErr {
				t.Errorf("Submit() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestQueueStartIsIdempotent(t *testing.T) {
	sender := &fakeSender{}
	q := NewQueue(sender, 5, 10*time.Millisecond, 3)
	q.Start()
	q.Start()
	q.Stop()
}

func TestBurstAgainstWindowLimiter(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	// A long window keeps the whole burst inside one bucket.
	limiter := NewWindowLimiter(rdb, 5, time.Hour)

	sender := &fakeSender{}
	sender.hook = func(job *Job) error {
		return limiter.Allow(context.Background())
	}

	q := NewQueue(sender, 5, 10*time.Millisecond, 3)
	q.Start()
	defer q.Stop()

	for i := 0; i < 8; i++ {
		q.Enqueue(&Job{Recipient: "rcpt@example.com"})
	}

	// 5 jobs clear the window, 3 are denied and requeued for a later window.
	deadline := time.After(2 * time.Second)
	for sender.count() < 8 {
		select {
		case <-deadline:
			t.Fatalf("only %d of 8 jobs attempted", sender.count())
		case <-time.After(10 * time.Millisecond):
		}
	}

	// Give the last denied sends a beat to finish requeueing.
	time.Sleep(50 * time.Millisecond)
	if got := q.Backlog(); got != 3 {
		t.Errorf("requeued jobs = %d, want 3", got)
	}
}
