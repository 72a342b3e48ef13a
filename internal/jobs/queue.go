package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"tallystat/internal/metrics"
)

// ErrQueueStopped is passed to OnFailure, possibly wrapped, for tasks
// dropped or interrupted by Stop.
var ErrQueueStopped = errors.New("queue stopped")

// Task is a unit of background work. Run is retried until it succeeds, the
// attempt budget is spent or it returns an error wrapped with Permanent.
type Task struct {
	Name        string
	Timeout     time.Duration
	MaxAttempts int
	// Backoff lists the waits between attempts. The last entry repeats.
	Backoff []time.Duration
	Run     func(ctx context.Context) error
	// OnFailure runs once when the task gives up.
	OnFailure func(err error)
}

// Permanent marks an error as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Queue runs tasks on a fixed number of workers.
type Queue struct {
	logger  *slog.Logger
	workers int
	tasks   chan Task

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	pending atomic.Int64

	mu      sync.Mutex
	started bool
}

// NewQueue creates a stopped queue.
func NewQueue(logger *slog.Logger, workers int) *Queue {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		logger:  logger,
		workers: workers,
		tasks:   make(chan Task),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the workers.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true

	q.logger.Info("Starting task queue", slog.Int("workers", q.workers))
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
}

// Stop cancels running tasks and waits for the workers to exit. Tasks not
// yet started are dropped.
func (q *Queue) Stop() {
	q.logger.Info("Stopping task queue")
	q.cancel()
	q.wg.Wait()
	q.logger.Info("Task queue stopped")
}

// Enqueue schedules a task to start after delay.
func (q *Queue) Enqueue(task Task, delay time.Duration) {
	q.pending.Add(1)
	metrics.QueueDepth.Inc()
	q.logger.Debug("Task enqueued", slog.String("task", task.Name), slog.Duration("delay", delay))

	time.AfterFunc(delay, func() {
		select {
		case q.tasks <- task:
		case <-q.ctx.Done():
			q.finish(task, ErrQueueStopped)
		}
	})
}

// Pending is the number of tasks enqueued and not yet finished.
func (q *Queue) Pending() int64 {
	return q.pending.Load()
}

// Wait blocks until no task is pending or ctx is done.
func (q *Queue) Wait(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for q.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		select {
		case task := <-q.tasks:
			q.finish(task, q.execute(task))
		case <-q.ctx.Done():
			return
		}
	}
}

func (q *Queue) finish(task Task, err error) {
	switch {
	case errors.Is(err, ErrQueueStopped):
		metrics.QueueTasks.WithLabelValues(task.Name, "stopped").Inc()
		q.logger.Warn("Task interrupted by shutdown", slog.String("task", task.Name), slog.Any("error", err))
		if task.OnFailure != nil {
			task.OnFailure(err)
		}
	case err != nil:
		metrics.QueueTasks.WithLabelValues(task.Name, "failed").Inc()
		q.logger.Error("Task failed permanently", slog.String("task", task.Name), slog.Any("error", err))
		if task.OnFailure != nil {
			task.OnFailure(err)
		}
	}
	q.pending.Add(-1)
	metrics.QueueDepth.Dec()
}

func (q *Queue) execute(task Task) error {
	attempt := 0
	operation := func() error {
		attempt++
		err := q.attempt(task)
		status := "success"
		if err != nil {
			status = "retry"
		}
		metrics.QueueTasks.WithLabelValues(task.Name, status).Inc()
		return err
	}
	notify := func(err error, wait time.Duration) {
		q.logger.Warn("Task attempt failed, retrying",
			slog.String("task", task.Name),
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", wait),
			slog.Any("error", err))
	}

	maxAttempts := task.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(newSchedule(task.Backoff), uint64(maxAttempts-1)),
		q.ctx)
	err := backoff.RetryNotify(operation, policy, notify)
	if err != nil && q.ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ErrQueueStopped, err)
	}
	return err
}

// attempt runs one try of a task under its timeout, converting panics into
// errors.
func (q *Queue) attempt(task Task) (err error) {
	ctx := q.ctx
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("Panic recovered in task", slog.String("task", task.Name), slog.Any("panic", r))
			err = fmt.Errorf("task %s panicked: %v", task.Name, r)
		}
	}()
	return task.Run(ctx)
}

// schedule is a fixed list of waits whose last entry repeats.
type schedule struct {
	waits []time.Duration
	next  int
}

func newSchedule(waits []time.Duration) *schedule {
	return &schedule{waits: waits}
}

func (s *schedule) NextBackOff() time.Duration {
	if len(s.waits) == 0 {
		return 0
	}
	i := s.next
	if i >= len(s.waits) {
		i = len(s.waits) - 1
	}
	s.next++
	return s.waits[i]
}

func (s *schedule) Reset() {
	s.next = 0
}
