package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brightsend/campaign-engine/internal/credential"
	"github.com/brightsend/campaign-engine/internal/pkg/logger"
	"github.com/brightsend/campaign-engine/internal/store"
)

// JobState tracks a job through the queue.
type JobState int

const (
	JobPending JobState = iota
	JobInFlight
	JobSucceeded
	JobRetrying
	JobDropped
)

func (s JobState) String() string {
	switch s {
	case JobPending:
		return "pending"
	case JobInFlight:
		return "in_flight"
	case JobSucceeded:
		return "succeeded"
	case JobRetrying:
		return "retrying"
	case JobDropped:
		return "dropped"
	}
	return "unknown"
}

// Job is one queued send. Owned exclusively by the queue from Enqueue until
// it reaches JobSucceeded or JobDropped.
type Job struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Recipient string
	Subject   string

	// Either raw HTML or a named template with data.
	HTML     string
	Template string
	Data     map[string]interface{}

	// Purpose labels the campaign on the persisted message record.
	Purpose string

	State     JobState
	Retries   int
	NextRetry time.Time
	Enqueued  time.Time
}

// Sender performs the actual delivery of one job.
type Sender interface {
	Send(ctx context.Context, job *Job) error
}

const sendTimeout = 30 * time.Second

// Queue is the delivery backlog. One processing loop per Queue, started
// once; jobs in a batch are dispatched concurrently but batches are paced.
type Queue struct {
	sender     Sender
	batchSize  int
	batchDelay time.Duration
	maxRetries int

	mu      sync.Mutex
	backlog []*Job
	started bool

	wake   chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

func NewQueue(sender Sender, batchSize int, batchDelay time.Duration, maxRetries int) *Queue {
	if batchSize <= 0 {
		batchSize = 5
	}
	if batchDelay <= 0 {
		batchDelay = time.Second
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Queue{
		sender:     sender,
		batchSize:  batchSize,
		batchDelay: batchDelay,
		maxRetries: maxRetries,
		wake:       make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start launches the processing loop. Calling Start twice is a no-op; there
// is never more than one loop.
func (q *Queue) Start() {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	go q.loop()
	logger.Info("dispatch queue started",
		"batch_size", q.batchSize, "batch_delay_ms", int(q.batchDelay/time.Millisecond))
}

// Stop halts the loop after the in-flight batch finishes.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()

	close(q.stopCh)
	<-q.doneCh
}

// Submit validates a job and enqueues it.
func (q *Queue) Submit(job *Job) error {
	if err := validateJob(job); err != nil {
		return err
	}
	q.Enqueue(job)
	return nil
}

func validateJob(job *Job) error {
	if job.UserID == uuid.Nil {
		return errors.New("job needs a sender user")
	}
	if !strings.Contains(job.Recipient, "@") {
		return errors.New("recipient is not an email address")
	}
	if job.HTML == "" && job.Template == "" {
		return errors.New("job needs html content or a template")
	}
	return nil
}

// Enqueue appends a job to the backlog and nudges the loop.
func (q *Queue) Enqueue(job *Job) {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	job.State = JobPending
	job.Enqueued = time.Now()

	q.mu.Lock()
	q.backlog = append(q.backlog, job)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Backlog reports the number of jobs waiting or scheduled for retry.
func (q *Queue) Backlog() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.backlog)
}

func (q *Queue) loop() {
	defer close(q.doneCh)
	for {
		select {
		case <-q.stopCh:
			return
		default:
		}

		batch := q.takeBatch(time.Now())
		if len(batch) == 0 {
			select {
			case <-q.stopCh:
				return
			case <-q.wake:
			case <-time.After(q.idleWait()):
			}
			continue
		}

		var wg sync.WaitGroup
		for _, job := range batch {
			wg.Add(1)
			go func(j *Job) {
				defer wg.Done()
				q.process(j)
			}(job)
		}
		wg.Wait()

		// Pace batches so a deep backlog does not flood the transport.
		if q.Backlog() > 0 {
			select {
			case <-q.stopCh:
				return
			case <-time.After(q.batchDelay):
			}
		}
	}
}

// takeBatch removes up to batchSize due jobs from the backlog.
func (q *Queue) takeBatch(now time.Time) []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	var batch []*Job
	var rest []*Job
	for _, job := range q.backlog {
		if len(batch) < q.batchSize && !job.NextRetry.After(now) {
			job.State = JobInFlight
			batch = append(batch, job)
		} else {
			rest = append(rest, job)
		}
	}
	q.backlog = rest
	return batch
}

// idleWait picks how long to sleep when nothing is due: until the earliest
// scheduled retry, or a coarse tick when the backlog is empty.
func (q *Queue) idleWait() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.backlog) == 0 {
		return time.Minute
	}
	earliest := q.backlog[0].NextRetry
	for _, job := range q.backlog[1:] {
		if job.NextRetry.Before(earliest) {
			earliest = job.NextRetry
		}
	}
	wait := time.Until(earliest)
	if wait < 10*time.Millisecond {
		wait = 10 * time.Millisecond
	}
	return wait
}

func (q *Queue) process(job *Job) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	err := q.sender.Send(ctx, job)
	if err == nil {
		job.State = JobSucceeded
		logger.Info("job delivered", "job_id", job.ID.String(), "recipient", job.Recipient)
		return
	}

	if terminal(err) {
		job.State = JobDropped
		logger.Warn("job dropped, terminal failure",
			"job_id", job.ID.String(), "recipient", job.Recipient, "error", err.Error())
		return
	}

	job.Retries++
	if job.Retries >= q.maxRetries {
		job.State = JobDropped
		logger.Error("job permanently failed",
			"job_id", job.ID.String(), "recipient", job.Recipient,
			"retries", job.Retries, "error", err.Error())
		return
	}

	backoff := time.Duration(1<<uint(job.Retries)) * time.Second
	job.NextRetry = time.Now().Add(backoff)
	job.State = JobRetrying

	q.mu.Lock()
	q.backlog = append(q.backlog, job)
	q.mu.Unlock()

	logger.Warn("job requeued",
		"job_id", job.ID.String(), "retries", job.Retries,
		"backoff_ms", int(backoff/time.Millisecond), "error", err.Error())
}

// terminal reports whether retrying can ever help. An exhausted credential
// needs the user to re-consent; a spent daily quota lasts the rest of the
// calendar day.
func terminal(err error) bool {
	return errors.Is(err, credential.ErrExhausted) || errors.Is(err, store.ErrQuotaExceeded)
}
