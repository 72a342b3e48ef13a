package importer_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tallystat/internal/importer"
	"tallystat/internal/jobs"
	"tallystat/internal/rollup"
	"tallystat/internal/testsupport"
)

// restart returns a fixture sharing f's database with a fresh coordinator
// and an empty queue, as after a process restart.
func (f fixture) restart() fixture {
	queue := &manualQueue{}
	f.coord = importer.NewCoordinator(f.cfg, f.dbManager, testsupport.GetLogger(), f.store, queue)
	f.queue = queue
	return f
}

func TestResumeSubmittedJob(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	path := testsupport.WriteUmamiDump(t, testsupport.SampleUmamiDump(dumpStart), false)

	job := f.submit(t, path, false)
	f.queue.take()

	restarted := f.restart()
	resumed, err := restarted.coord.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)

	restarted.drain(t)

	done := restarted.job(t, job.ID)
	assert.Equal(t, importer.StatusCompleted, done.Status)
	assert.Equal(t, int64(100), done.PageViewsImported)
	assert.Equal(t, int64(10), done.EventsImported)
}

func TestResumeDispatchesMissingChunks(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	path := testsupport.WriteUmamiDump(t, testsupport.SampleUmamiDump(dumpStart), false)

	job := f.submit(t, path, false)
	require.NoError(t, f.queue.take()[0].task.Run(ctx))
	chunks := f.queue.take()
	require.Len(t, chunks, 6)
	require.NoError(t, chunks[0].task.Run(ctx))
	require.NoError(t, chunks[3].task.Run(ctx))

	restarted := f.restart()
	resumed, err := restarted.coord.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)

	pending := restarted.queue.take()
	require.Len(t, pending, 4)
	for _, q := range pending {
		require.NoError(t, q.task.Run(ctx), q.task.Name)
	}

	done := restarted.job(t, job.ID)
	assert.Equal(t, importer.StatusCompleted, done.Status)
	assert.Equal(t, 6, done.ChunksProcessed)
	assert.Equal(t, int64(100), done.PageViewsImported)

	pv, ev := restarted.totals(t, rollup.HourlyTable)
	assert.Equal(t, int64(100), pv)
	assert.Equal(t, int64(10), ev)

	again, err := restarted.coord.Resume(ctx)
	require.NoError(t, err)
	assert.Zero(t, again)
}

func TestResumeFailsJobWithoutDump(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	path := testsupport.WriteUmamiDump(t, testsupport.SampleUmamiDump(dumpStart), false)

	job := f.submit(t, path, false)
	require.NoError(t, f.queue.take()[0].task.Run(ctx))
	f.queue.take()
	require.NoError(t, os.Remove(job.FilePath))

	restarted := f.restart()
	resumed, err := restarted.coord.Resume(ctx)
	require.NoError(t, err)
	assert.Zero(t, resumed)
	assert.Empty(t, restarted.queue.take())

	failed := restarted.job(t, job.ID)
	assert.Equal(t, importer.StatusFailed, failed.Status)
	assert.Contains(t, failed.Error, "import file missing")
	require.NotNil(t, failed.FinalizedAt)
}

func TestResumeAfterQueueShutdown(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	path := testsupport.WriteUmamiDump(t, testsupport.SampleUmamiDump(dumpStart), false)

	job := f.submit(t, path, false)
	require.NoError(t, f.queue.take()[0].task.Run(ctx))
	chunks := f.queue.take()
	require.Len(t, chunks, 6)

	queue := jobs.NewQueue(testsupport.GetLogger(), 1)
	queue.Start()
	running := make(chan struct{})
	for i, q := range chunks {
		task := q.task
		if i == 0 {
			task.Run = func(ctx context.Context) error {
				close(running)
				<-ctx.Done()
				return ctx.Err()
			}
		}
		queue.Enqueue(task, 0)
	}
	<-running
	queue.Stop()

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, queue.Wait(waitCtx))

	stopped := f.job(t, job.ID)
	assert.Equal(t, importer.StatusProcessingChunks, stopped.Status)
	assert.Zero(t, stopped.ChunksFailed)
	assert.Nil(t, stopped.FinalizedAt)
	assert.FileExists(t, stopped.FilePath)

	restarted := f.restart()
	resumed, err := restarted.coord.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)
	restarted.drain(t)

	done := restarted.job(t, job.ID)
	assert.Equal(t, importer.StatusCompleted, done.Status)
	assert.Equal(t, 6, done.ChunksProcessed)
	assert.Equal(t, int64(100), done.PageViewsImported)

	pv, _ := restarted.totals(t, rollup.HourlyTable)
	assert.Equal(t, int64(100), pv)
}
