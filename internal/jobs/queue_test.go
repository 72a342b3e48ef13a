package jobs_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tallystat/internal/jobs"
	"tallystat/internal/testsupport"
)

func startQueue(t *testing.T, workers int) *jobs.Queue {
	t.Helper()
	q := jobs.NewQueue(testsupport.GetLogger(), workers)
	q.Start()
	t.Cleanup(q.Stop)
	return q
}

func waitQueue(t *testing.T, q *jobs.Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Wait(ctx))
}

func TestQueueRetries(t *testing.T) {
	t.Run("succeeds after transient failures", func(t *testing.T) {
		q := startQueue(t, 2)
		var attempts atomic.Int32
		failed := false

		q.Enqueue(jobs.Task{
			Name:        "flaky",
			MaxAttempts: 3,
			Backoff:     []time.Duration{time.Millisecond},
			Run: func(ctx context.Context) error {
				if attempts.Add(1) < 3 {
					return errors.New("database is locked")
				}
				return nil
			},
			OnFailure: func(error) { failed = true },
		}, 0)

		waitQueue(t, q)
		assert.Equal(t, int32(3), attempts.Load())
		assert.False(t, failed)
	})

	t.Run("gives up after the attempt budget", func(t *testing.T) {
		q := startQueue(t, 1)
		var attempts atomic.Int32
		var failure error

		q.Enqueue(jobs.Task{
			Name:        "broken",
			MaxAttempts: 2,
			Run: func(ctx context.Context) error {
				attempts.Add(1)
				return errors.New("boom")
			},
			OnFailure: func(err error) { failure = err },
		}, 0)

		waitQueue(t, q)
		assert.Equal(t, int32(2), attempts.Load())
		assert.EqualError(t, failure, "boom")
	})

	t.Run("permanent errors are not retried", func(t *testing.T) {
		q := startQueue(t, 1)
		var attempts atomic.Int32
		var failure error
		errBadInput := errors.New("bad input")

		q.Enqueue(jobs.Task{
			Name:        "invalid",
			MaxAttempts: 5,
			Run: func(ctx context.Context) error {
				attempts.Add(1)
				return jobs.Permanent(errBadInput)
			},
			OnFailure: func(err error) { failure = err },
		}, 0)

		waitQueue(t, q)
		assert.Equal(t, int32(1), attempts.Load())
		assert.ErrorIs(t, failure, errBadInput)
	})

	t.Run("panics become failures", func(t *testing.T) {
		q := startQueue(t, 1)
		var failure error

		q.Enqueue(jobs.Task{
			Name: "panics",
			Run: func(ctx context.Context) error {
				panic("nil map")
			},
			OnFailure: func(err error) { failure = err },
		}, 0)

		waitQueue(t, q)
		require.Error(t, failure)
		assert.Contains(t, failure.Error(), "nil map")
	})

	t.Run("attempts see their timeout", func(t *testing.T) {
		q := startQueue(t, 1)
		var failure error

		q.Enqueue(jobs.Task{
			Name:    "slow",
			Timeout: 10 * time.Millisecond,
			Run: func(ctx context.Context) error {
				<-ctx.Done()
				return ctx.Err()
			},
			OnFailure: func(err error) { failure = err },
		}, 0)

		waitQueue(t, q)
		assert.ErrorIs(t, failure, context.DeadlineExceeded)
	})
}

func TestQueueEnqueueFromTask(t *testing.T) {
	q := startQueue(t, 1)
	var mu sync.Mutex
	var order []string

	record := func(name string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, name)
	}

	q.Enqueue(jobs.Task{
		Name: "parent",
		Run: func(ctx context.Context) error {
			record("parent")
			for _, name := range []string{"child-1", "child-2"} {
				q.Enqueue(jobs.Task{Name: name, Run: func(ctx context.Context) error {
					record(name)
					return nil
				}}, 5*time.Millisecond)
			}
			return nil
		},
	}, 0)

	waitQueue(t, q)
	assert.Equal(t, int64(0), q.Pending())
	assert.ElementsMatch(t, []string{"parent", "child-1", "child-2"}, order)
	assert.Equal(t, "parent", order[0])
}

func TestQueueStopDropsWaitingTasks(t *testing.T) {
	q := jobs.NewQueue(testsupport.GetLogger(), 1)
	q.Start()

	dropped := make(chan error, 1)
	q.Enqueue(jobs.Task{
		Name:      "later",
		Run:       func(ctx context.Context) error { return nil },
		OnFailure: func(err error) { dropped <- err },
	}, 50*time.Millisecond)
	q.Stop()

	select {
	case err := <-dropped:
		assert.ErrorIs(t, err, jobs.ErrQueueStopped)
	case <-time.After(2 * time.Second):
		t.Fatal("task was not dropped")
	}
}

func TestQueueStopInterruptsRunningTasks(t *testing.T) {
	q := jobs.NewQueue(testsupport.GetLogger(), 1)
	q.Start()

	running := make(chan struct{})
	interrupted := make(chan error, 1)
	q.Enqueue(jobs.Task{
		Name:        "long",
		MaxAttempts: 3,
		Run: func(ctx context.Context) error {
			close(running)
			<-ctx.Done()
			return ctx.Err()
		},
		OnFailure: func(err error) { interrupted <- err },
	}, 0)
	<-running
	q.Stop()

	select {
	case err := <-interrupted:
		assert.ErrorIs(t, err, jobs.ErrQueueStopped)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("running task was not interrupted")
	}
}
