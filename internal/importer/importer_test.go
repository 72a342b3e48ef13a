package importer_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"tallystat/internal/aggregation"
	"tallystat/internal/config"
	"tallystat/internal/events"
	"tallystat/internal/importer"
	"tallystat/internal/jobs"
	"tallystat/internal/rollup"
	"tallystat/internal/sites"
	"tallystat/internal/testsupport"
)

var dumpStart = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

type queued struct {
	task  jobs.Task
	delay time.Duration
}

// manualQueue records tasks so tests decide when and in which order they run.
type manualQueue struct {
	mu    sync.Mutex
	tasks []queued
}

func (q *manualQueue) Enqueue(task jobs.Task, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, queued{task: task, delay: delay})
}

func (q *manualQueue) take() []queued {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.tasks
	q.tasks = nil
	return out
}

type fixture struct {
	cfg       *config.Config
	db        *gorm.DB
	store     *rollup.Store
	coord     *importer.Coordinator
	queue     *manualQueue
	dbManager *testsupport.TestDBManager
}

func setup(t *testing.T, configure ...func(*config.Config)) fixture {
	t.Helper()
	dbManager, logger := testsupport.SetupTestDBManager(t)
	cfg := testsupport.NewTestConfig(t)
	for _, fn := range configure {
		fn(cfg)
	}
	store := rollup.NewStore(dbManager, logger, rollup.NewTiers(cfg))
	queue := &manualQueue{}
	return fixture{
		cfg:       cfg,
		db:        dbManager.GetConnection(),
		store:     store,
		coord:     importer.NewCoordinator(cfg, dbManager, logger, store, queue),
		queue:     queue,
		dbManager: dbManager,
	}
}

// drain runs queued tasks, including the ones they enqueue, until none are
// left.
func (f fixture) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for {
		pending := f.queue.take()
		if len(pending) == 0 {
			return
		}
		for _, q := range pending {
			require.NoError(t, q.task.Run(ctx), q.task.Name)
		}
	}
}

func (f fixture) totals(t *testing.T, table string) (pageViews, evs int64) {
	t.Helper()
	var out struct {
		PageViews int64
		Events    int64
	}
	require.NoError(t, f.db.Table(table).
		Select("COALESCE(SUM(page_views), 0) AS page_views, COALESCE(SUM(events), 0) AS events").
		Scan(&out).Error)
	return out.PageViews, out.Events
}

func (f fixture) submit(t *testing.T, path string, dryRun bool) *importer.ImportJob {
	t.Helper()
	job, err := f.coord.Submit(context.Background(), importer.SubmitInput{Path: path, DryRun: dryRun})
	require.NoError(t, err)
	return job
}

func (f fixture) job(t *testing.T, id uint) *importer.ImportJob {
	t.Helper()
	job, err := f.coord.Jobs().Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func TestImportRoundTrip(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	path := testsupport.WriteUmamiDump(t, testsupport.SampleUmamiDump(dumpStart), false)

	job := f.submit(t, path, false)
	assert.Equal(t, importer.StatusSubmitted, job.Status)
	assert.NotEmpty(t, job.PublicID)
	assert.FileExists(t, job.FilePath)

	f.drain(t)

	job = f.job(t, job.ID)
	assert.Equal(t, importer.StatusCompleted, job.Status)
	assert.Equal(t, 6, job.TotalChunks)
	assert.Equal(t, 6, job.ChunksProcessed)
	assert.Equal(t, 0, job.ChunksFailed)
	assert.Equal(t, int64(100), job.PageViewsImported)
	assert.Equal(t, int64(10), job.EventsImported)
	assert.Equal(t, int64(0), job.RowsSkipped)
	assert.Equal(t, 2, job.SitesCreated)
	assert.Equal(t, float64(100), job.Progress())
	assert.Equal(t, "Import completed: 100 page views, 10 events from 6 chunks", job.Summary)
	require.NotNil(t, job.FirstEventAt)
	require.NotNil(t, job.LastEventAt)
	assert.True(t, job.FirstEventAt.Equal(dumpStart))
	assert.True(t, job.LastEventAt.Equal(dumpStart.Add(99*3*time.Minute)))
	require.NotNil(t, job.FinalizedAt)

	t.Run("every tier holds the dump totals", func(t *testing.T) {
		for _, table := range []string{rollup.HourlyTable, rollup.DailyTable, rollup.MonthlyTable} {
			pv, ev := f.totals(t, table)
			assert.Equal(t, int64(100), pv, table)
			assert.Equal(t, int64(10), ev, table)
		}
	})

	t.Run("rows carry session dimensions", func(t *testing.T) {
		shop, _, err := sites.FindOrCreate(testsupport.GetLogger(), f.db, "Shop", "shop.example.org")
		require.NoError(t, err)

		row, err := f.store.Read(ctx, rollup.NewKey(shop.ID, rollup.Day, dumpStart))
		require.NoError(t, err)
		assert.Equal(t, int64(33), row.PageViews)
		assert.Equal(t, int64(3), row.Events)
		require.Len(t, row.Devices, 1)
		assert.Equal(t, "desktop", row.Devices[0].Label())
		require.Len(t, row.Browsers, 1)
		assert.Equal(t, "firefox", row.Browsers[0].Label())
		require.Len(t, row.ScreenSizes, 1)
		assert.Equal(t, "1440x900", row.ScreenSizes[0].Label())
		assert.LessOrEqual(t, row.TopPages.Sum(), row.PageViews)
	})

	t.Run("derived tiers reproduce the totals", func(t *testing.T) {
		dbManager, logger := f.dbManager, testsupport.GetLogger()
		dialect, err := rollup.NewDialect(f.cfg.DatabaseType)
		require.NoError(t, err)
		source := events.NewSource(dbManager, logger, dialect)
		engine := aggregation.NewEngine(f.cfg, dbManager, logger, f.store, source, nil)
		engine.SetClock(func() time.Time { return dumpStart.AddDate(0, 0, 2) })

		written, err := engine.Derive(ctx, dumpStart, dumpStart.Add(24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 4, written, "one day and one month row per site")

		for _, table := range []string{rollup.DailyTable, rollup.MonthlyTable} {
			pv, ev := f.totals(t, table)
			assert.Equal(t, int64(100), pv, table)
			assert.Equal(t, int64(10), ev, table)
		}
	})

	t.Run("artifacts are removed", func(t *testing.T) {
		_, err := os.Stat(job.FilePath)
		assert.True(t, os.IsNotExist(err))

		var sessions, ledger int64
		require.NoError(t, f.db.Model(&importer.SessionRecord{}).Where("job_id = ?", job.ID).Count(&sessions).Error)
		require.NoError(t, f.db.Model(&rollup.AppliedDelta{}).Count(&ledger).Error)
		assert.Zero(t, sessions)
		assert.Zero(t, ledger)
	})
}

func TestImportCompressedDump(t *testing.T) {
	f := setup(t)
	path := testsupport.WriteUmamiDump(t, testsupport.SampleUmamiDump(dumpStart), true)

	job := f.submit(t, path, false)
	f.drain(t)

	job = f.job(t, job.ID)
	assert.Equal(t, importer.StatusCompleted, job.Status)
	pv, ev := f.totals(t, rollup.HourlyTable)
	assert.Equal(t, int64(100), pv)
	assert.Equal(t, int64(10), ev)
}

func TestImportDryRun(t *testing.T) {
	f := setup(t)
	path := testsupport.WriteUmamiDump(t, testsupport.SampleUmamiDump(dumpStart), false)

	job := f.submit(t, path, true)
	f.drain(t)

	job = f.job(t, job.ID)
	assert.Equal(t, importer.StatusCompleted, job.Status)
	assert.Equal(t, "Dry run: 100 page views, 10 events found", job.Summary)
	assert.EqualValues(t, 100, job.Details["page_views"])
	assert.EqualValues(t, 10, job.Details["events"])
	assert.EqualValues(t, 2, job.Details["websites"])
	assert.EqualValues(t, 3, job.Details["sessions"])
	assert.EqualValues(t, 30, job.Details["estimated_duration"])
	assert.Equal(t, false, job.Details["compressed"])
	assert.Len(t, job.Details["websites_found"], 2)

	pv, _ := f.totals(t, rollup.HourlyTable)
	assert.Zero(t, pv, "a dry run writes no rollups")

	var siteCount int64
	require.NoError(t, f.db.Model(&sites.Site{}).Count(&siteCount).Error)
	assert.Zero(t, siteCount)

	_, err := os.Stat(job.FilePath)
	assert.True(t, os.IsNotExist(err))
}

func TestPlanChunks(t *testing.T) {
	path := testsupport.WriteUmamiDump(t, testsupport.SampleUmamiDump(dumpStart), false)

	chunks, err := importer.PlanChunks(path, 2)
	require.NoError(t, err)
	require.Len(t, chunks, 6)

	statements := 0
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.LessOrEqual(t, c.StartLine, c.EndLine)
		if i > 0 {
			assert.Greater(t, c.StartLine, chunks[i-1].EndLine, "chunks must not overlap")
		}
		statements += c.Statements
	}
	assert.Equal(t, 11, statements)
	assert.Equal(t, 1, chunks[5].Statements)

	single, err := importer.PlanChunks(path, 100)
	require.NoError(t, err)
	require.Len(t, single, 1)
	assert.Equal(t, chunks[0].StartLine, single[0].StartLine)
	assert.Equal(t, chunks[5].EndLine, single[0].EndLine)

	t.Run("statements sharing a line stay together", func(t *testing.T) {
		text := "INSERT INTO `website_event` VALUES ('a');INSERT INTO `website_event` VALUES ('b');\n" +
			"INSERT INTO `website_event` VALUES ('c');\n"
		chunks, err := importer.PlanChunks(testsupport.WriteDumpText(t, text), 1)
		require.NoError(t, err)
		require.Len(t, chunks, 2)
		assert.Equal(t, 2, chunks[0].Statements)
		assert.Equal(t, 2, chunks[1].StartLine)
	})
}

func TestChunksCompleteInAnyOrder(t *testing.T) {
	f := setup(t, func(c *config.Config) {
		c.ImportDispatchDelayMillis = 2000
	})
	ctx := context.Background()
	path := testsupport.WriteUmamiDump(t, testsupport.SampleUmamiDump(dumpStart), false)

	job := f.submit(t, path, false)
	coordinator := f.queue.take()
	require.Len(t, coordinator, 1)
	require.NoError(t, coordinator[0].task.Run(ctx))
	assert.Equal(t, importer.StatusProcessingChunks, f.job(t, job.ID).Status)

	chunks := f.queue.take()
	require.Len(t, chunks, 6)
	for i, q := range chunks {
		assert.Equal(t, time.Duration(i)*2*time.Second, q.delay)
	}

	// A retried chunk merges nothing twice.
	require.NoError(t, chunks[0].task.Run(ctx))
	require.NoError(t, chunks[0].task.Run(ctx))
	assert.Equal(t, 1, f.job(t, job.ID).ChunksProcessed)

	for i := len(chunks) - 1; i >= 1; i-- {
		require.NoError(t, chunks[i].task.Run(ctx))
		if i > 1 {
			assert.Equal(t, importer.StatusProcessingChunks, f.job(t, job.ID).Status)
		}
	}

	done := f.job(t, job.ID)
	assert.Equal(t, importer.StatusCompleted, done.Status)
	assert.Equal(t, int64(100), done.PageViewsImported)
	assert.Equal(t, int64(10), done.EventsImported)

	pv, ev := f.totals(t, rollup.HourlyTable)
	assert.Equal(t, int64(100), pv)
	assert.Equal(t, int64(10), ev)
}

func TestChunkFailureFailsJob(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	path := testsupport.WriteUmamiDump(t, testsupport.SampleUmamiDump(dumpStart), false)

	job := f.submit(t, path, false)
	require.NoError(t, f.queue.take()[0].task.Run(ctx))
	chunks := f.queue.take()
	require.Len(t, chunks, 6)

	for _, q := range chunks[:5] {
		require.NoError(t, q.task.Run(ctx))
	}
	chunks[5].task.OnFailure(assert.AnError)

	failed := f.job(t, job.ID)
	assert.Equal(t, importer.StatusFailed, failed.Status)
	assert.Equal(t, 5, failed.ChunksProcessed)
	assert.Equal(t, 1, failed.ChunksFailed)
	assert.Contains(t, failed.Error, "chunk 5")
	assert.Contains(t, failed.Summary, "1 of 6 chunks failed")
	require.NotNil(t, failed.FinalizedAt)

	pv, _ := f.totals(t, rollup.HourlyTable)
	assert.Equal(t, failed.PageViewsImported, pv, "merged chunks are kept")
	_, err := os.Stat(failed.FilePath)
	assert.True(t, os.IsNotExist(err))
}

func TestCoordinatorFailure(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	path := testsupport.WriteUmamiDump(t, testsupport.SampleUmamiDump(dumpStart), false)

	job := f.submit(t, path, false)
	require.NoError(t, os.Remove(job.FilePath))

	task := f.queue.take()[0].task
	err := task.Run(ctx)
	require.Error(t, err)
	task.OnFailure(err)

	failed := f.job(t, job.ID)
	assert.Equal(t, importer.StatusFailed, failed.Status)
	assert.Contains(t, failed.Error, "import file missing")
	assert.Contains(t, failed.Summary, "Import failed")

	_, err = f.coord.Submit(ctx, importer.SubmitInput{Path: "/nonexistent/umami.sql"})
	assert.Error(t, err)
}

func TestImportCreatesPlaceholderSites(t *testing.T) {
	f := setup(t)
	d := testsupport.SampleUmamiDump(dumpStart)
	d.Events = append(d.Events, testsupport.UmamiEvent{
		ID:        "e2000000-0000-0000-0000-000000000001",
		WebsiteID: "ffffffff-1234-0000-0000-000000000000",
		SessionID: "5e550000-0000-0000-0000-000000000099",
		CreatedAt: dumpStart,
		URLPath:   "/",
		EventType: 1,
	})
	path := testsupport.WriteUmamiDump(t, d, false)

	job := f.submit(t, path, false)
	f.drain(t)

	job = f.job(t, job.ID)
	assert.Equal(t, importer.StatusCompleted, job.Status)
	assert.Equal(t, int64(101), job.PageViewsImported)
	assert.Equal(t, 3, job.SitesCreated)

	var placeholder sites.Site
	require.NoError(t, f.db.Where("domain = ?", "unknown-ffffffff.com").First(&placeholder).Error)
	assert.Equal(t, "Site ffffffff", placeholder.Name)

	row, err := f.store.Read(context.Background(), rollup.NewKey(placeholder.ID, rollup.Hour, dumpStart))
	require.NoError(t, err)
	assert.Equal(t, int64(1), row.PageViews)
}

func TestImportSkipsBadRows(t *testing.T) {
	f := setup(t)
	text := "INSERT INTO `website` VALUES ('w1','Docs','docs.example.com');\n" +
		"INSERT INTO `website_event` VALUES " +
		"('e1','w1','s1','2024-01-15 10:00:00','/guide','lang=go',NULL,NULL,'duckduckgo.com','Guide','1',NULL)," +
		"('e2','w1','s1','2024-01-15 10:05:00')," +
		"('e3','w1','s1','not a date','/','',NULL,NULL,NULL,'t','1',NULL);\n" +
		"INSERT INTO `website_event` VALUES ('e4','w1',;\n"
	path := testsupport.WriteDumpText(t, text)

	job := f.submit(t, path, false)
	f.drain(t)

	job = f.job(t, job.ID)
	assert.Equal(t, importer.StatusCompleted, job.Status)
	assert.Equal(t, int64(1), job.PageViewsImported)
	assert.Equal(t, int64(2), job.RowsSkipped)

	site, _, err := sites.FindOrCreate(testsupport.GetLogger(), f.db, "Docs", "docs.example.com")
	require.NoError(t, err)
	row, err := f.store.Read(context.Background(), rollup.NewKey(site.ID, rollup.Hour, dumpStart))
	require.NoError(t, err)
	require.Len(t, row.TopPages, 1)
	assert.Equal(t, "/guide", row.TopPages[0].Label(), "the query string is dropped")
	require.Len(t, row.TopReferrers, 1)
	assert.Equal(t, "duckduckgo.com", row.TopReferrers[0].Label())
	assert.Empty(t, row.Devices, "the session was never declared")
}

func TestJobStoreCountsChunksOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	store := f.coord.Jobs()

	job := &importer.ImportJob{FileName: "umami.sql"}
	require.NoError(t, store.Create(ctx, job))
	require.NoError(t, store.UpdateStatus(ctx, job.ID, importer.StatusProcessingChunks, map[string]any{"total_chunks": 3}))

	at := func(h int) *time.Time {
		ts := dumpStart.Add(time.Duration(h) * time.Hour)
		return &ts
	}
	outcome := func(j *importer.ImportJob) (string, string) { return importer.StatusCompleted, "done" }

	recorded, err := store.RecordChunkResult(ctx, job.ID, 2, importer.ChunkResult{PageViews: 5, Events: 1, FirstEventAt: at(3), LastEventAt: at(4)})
	require.NoError(t, err)
	assert.True(t, recorded)

	recorded, err = store.RecordChunkResult(ctx, job.ID, 0, importer.ChunkResult{PageViews: 7, RowsSkipped: 2, FirstEventAt: at(0), LastEventAt: at(1)})
	require.NoError(t, err)
	assert.True(t, recorded)

	recorded, err = store.RecordChunkResult(ctx, job.ID, 0, importer.ChunkResult{PageViews: 7})
	require.NoError(t, err)
	assert.False(t, recorded, "a repeated chunk is not counted again")

	_, claimed, err := store.Finalize(ctx, job.ID, outcome)
	require.NoError(t, err)
	assert.False(t, claimed, "one chunk is still missing")

	_, err = store.RecordChunkResult(ctx, job.ID, 1, importer.ChunkResult{PageViews: 1, Events: 2})
	require.NoError(t, err)

	final, claimed, err := store.Finalize(ctx, job.ID, outcome)
	require.NoError(t, err)
	require.True(t, claimed)
	assert.Equal(t, importer.StatusCompleted, final.Status)
	assert.Equal(t, 3, final.ChunksProcessed)
	assert.Equal(t, int64(13), final.PageViewsImported)
	assert.Equal(t, int64(3), final.EventsImported)
	assert.Equal(t, int64(2), final.RowsSkipped)
	require.NotNil(t, final.FirstEventAt)
	assert.True(t, final.FirstEventAt.Equal(*at(0)))
	assert.True(t, final.LastEventAt.Equal(*at(4)))

	_, claimed, err = store.Finalize(ctx, job.ID, outcome)
	require.NoError(t, err)
	assert.False(t, claimed, "a job is finalized once")

	found, err := store.Find(ctx, job.PublicID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, found.ID)

	_, err = store.Find(ctx, "missing")
	assert.ErrorIs(t, err, importer.ErrJobNotFound)
}

func TestJobStoreFailedStatusSticks(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	store := f.coord.Jobs()

	job := &importer.ImportJob{FileName: "umami.sql"}
	require.NoError(t, store.Create(ctx, job))
	require.NoError(t, store.UpdateStatus(ctx, job.ID, importer.StatusProcessingChunks, map[string]any{"total_chunks": 2}))

	recorded, err := store.RecordChunkFailure(ctx, job.ID, 1, assert.AnError)
	require.NoError(t, err)
	assert.True(t, recorded)
	_, err = store.RecordChunkResult(ctx, job.ID, 1, importer.ChunkResult{PageViews: 4})
	require.NoError(t, err)

	require.NoError(t, store.UpdateStatus(ctx, job.ID, importer.StatusCompleted, nil))

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, importer.StatusFailed, got.Status)
	assert.Equal(t, 1, got.ChunksFailed)
	assert.Equal(t, 0, got.ChunksProcessed, "a failed chunk does not report later")
	assert.Contains(t, got.Error, "chunk 1")
}

func TestImportWithTaskQueue(t *testing.T) {
	dbManager, logger := testsupport.SetupTestDBManager(t)
	cfg := testsupport.NewTestConfig(t)
	store := rollup.NewStore(dbManager, logger, rollup.NewTiers(cfg))
	queue := jobs.NewQueue(logger, cfg.QueueWorkers)
	queue.Start()
	t.Cleanup(queue.Stop)
	coord := importer.NewCoordinator(cfg, dbManager, logger, store, queue)

	path := testsupport.WriteUmamiDump(t, testsupport.SampleUmamiDump(dumpStart), false)
	job, err := coord.Submit(context.Background(), importer.SubmitInput{Path: path})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, queue.Wait(ctx))

	polls := 0
	done, err := coord.WaitForJob(ctx, job.ID, 10*time.Millisecond, func(*importer.ImportJob) { polls++ })
	require.NoError(t, err)
	assert.Equal(t, importer.StatusCompleted, done.Status)
	assert.Equal(t, int64(100), done.PageViewsImported)
	assert.Equal(t, 1, polls)

	listed, err := coord.Jobs().List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, job.ID, listed[0].ID)
}
