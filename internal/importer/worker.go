package importer

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/karloscodes/cartridge"

	"tallystat/internal/config"
	"tallystat/internal/dump"
	"tallystat/internal/metrics"
	"tallystat/internal/rollup"
	"tallystat/internal/sites"
)

// ChunkTask is the unit of work handed to a ChunkWorker.
type ChunkTask struct {
	JobID uint
	Path  string
	Chunk Chunk
	// Sites maps external website ids found by MapWebsites. The worker
	// copies it before adding placeholder sites.
	Sites map[string]uint
}

func deltaPrefix(jobID uint) string {
	return fmt.Sprintf("import:%d:", jobID)
}

func deltaID(jobID uint, chunk, seq int) string {
	return fmt.Sprintf("import:%d:%d:%d", jobID, chunk, seq)
}

// ChunkWorker converts the event rows of one chunk into rollup deltas.
type ChunkWorker struct {
	dbManager cartridge.DBManager
	logger    *slog.Logger
	store     *rollup.Store
	jobs      *JobStore
	batchSize int
	bound     int
}

func NewChunkWorker(cfg *config.Config, dbManager cartridge.DBManager, logger *slog.Logger, store *rollup.Store, jobs *JobStore) *ChunkWorker {
	return &ChunkWorker{
		dbManager: dbManager,
		logger:    logger,
		store:     store,
		jobs:      jobs,
		batchSize: cfg.ImportBatchSize,
		bound:     cfg.AccumulatorBound,
	}
}

// chunkRun is the state of one Process call. Nothing in it is shared with
// other chunks.
type chunkRun struct {
	w        *ChunkWorker
	task     ChunkTask
	sites    map[string]uint
	sessions map[string]SessionRecord
	missing  map[string]bool
	builders map[rollup.Key]*rollup.Builder
	pending  int
	seq      int
	result   ChunkResult
}

// Process reads the chunk's statements, accumulates hour, day and month
// buckets in memory and merges them every batch-size rows. Each merge is
// keyed by job, chunk and sequence number, so a retried chunk skips the
// merges its earlier attempt committed.
func (w *ChunkWorker) Process(ctx context.Context, task ChunkTask) (ChunkResult, error) {
	run := &chunkRun{
		w:        w,
		task:     task,
		sites:    make(map[string]uint, len(task.Sites)),
		sessions: make(map[string]SessionRecord),
		missing:  make(map[string]bool),
		builders: make(map[rollup.Key]*rollup.Builder),
	}
	for k, v := range task.Sites {
		run.sites[k] = v
	}

	r, err := dump.Open(task.Path)
	if err != nil {
		return ChunkResult{}, err
	}
	defer r.Close()

	sc := dump.NewScanner(r).Only(tableEvent, tableSession)
	if err := sc.SkipTo(task.Chunk.StartLine); err != nil {
		return ChunkResult{}, err
	}

	for sc.Scan() {
		stmt := sc.Statement()
		if stmt.StartLine > task.Chunk.EndLine {
			break
		}
		ins, err := dump.ParseInsert(stmt.Text)
		if errors.Is(err, dump.ErrMalformedStatement) {
			w.logger.Warn("Skipping malformed statement",
				slog.Uint64("job_id", uint64(task.JobID)),
				slog.Int("chunk", task.Chunk.Index),
				slog.Int("line", stmt.StartLine),
				slog.Any("error", err))
			metrics.ImportRows.WithLabelValues(stmt.Table, "malformed").Inc()
			continue
		}
		if err != nil {
			return ChunkResult{}, err
		}

		if ins.Table == tableSession {
			for _, rec := range sessionRows(task.JobID, ins) {
				run.sessions[rec.ExternalID] = rec
			}
			continue
		}
		if err := run.events(ctx, ins); err != nil {
			return ChunkResult{}, err
		}
	}
	if err := sc.Err(); err != nil {
		return ChunkResult{}, err
	}
	if err := run.flush(ctx); err != nil {
		return ChunkResult{}, err
	}

	w.logger.Info("Processed import chunk",
		slog.Uint64("job_id", uint64(task.JobID)),
		slog.Int("chunk", task.Chunk.Index),
		slog.Int64("page_views", run.result.PageViews),
		slog.Int64("events", run.result.Events),
		slog.Int64("rows_skipped", run.result.RowsSkipped))
	return run.result, nil
}

func (run *chunkRun) events(ctx context.Context, ins *dump.Insert) error {
	c := columns{ins: ins}
	if err := run.loadSessions(ctx, c, ins.Rows); err != nil {
		return err
	}

	for _, row := range ins.Rows {
		ev, err := eventRow(c, row)
		if err != nil {
			run.result.RowsSkipped++
			metrics.ImportRows.WithLabelValues(tableEvent, "skipped").Inc()
			run.w.logger.Debug("Skipping event row", slog.Any("error", err))
			continue
		}
		siteID, err := run.site(ctx, ev.WebsiteID)
		if err != nil {
			return err
		}
		run.observe(siteID, ev)

		run.pending++
		if run.pending >= run.w.batchSize {
			if err := run.flush(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// loadSessions looks up, in one query, the sessions of rows that were not
// defined earlier in the chunk.
func (run *chunkRun) loadSessions(ctx context.Context, c columns, rows [][]dump.Value) error {
	var ids []string
	for _, row := range rows {
		id := c.text(row, "session_id", 2)
		if id == "" || run.missing[id] {
			continue
		}
		if _, ok := run.sessions[id]; ok {
			continue
		}
		run.missing[id] = true
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil
	}
	found, err := run.w.jobs.LookupSessions(ctx, run.task.JobID, ids)
	if err != nil {
		return err
	}
	for id, rec := range found {
		run.sessions[id] = rec
		delete(run.missing, id)
	}
	return nil
}

// site resolves an external website id, creating a placeholder site for ids
// the website table did not declare.
func (run *chunkRun) site(ctx context.Context, externalID string) (uint, error) {
	if id, ok := run.sites[externalID]; ok {
		return id, nil
	}
	db := run.w.dbManager.GetConnection().WithContext(ctx)
	site, created, err := sites.EnsurePlaceholder(run.w.logger, db, externalID)
	if err != nil {
		return 0, err
	}
	run.sites[externalID] = site.ID
	if created {
		run.result.SitesCreated++
	}
	return site.ID, nil
}

func (run *chunkRun) observe(siteID uint, ev umamiEvent) {
	session := run.sessions[ev.SessionID]
	var referrer, screen *string
	if ev.ReferrerDomain != "" {
		referrer = &ev.ReferrerDomain
	}
	if session.Screen != "" {
		screen = &session.Screen
	}

	for _, g := range rollup.Granularities {
		key := rollup.NewKey(siteID, g, ev.CreatedAt)
		b, ok := run.builders[key]
		if !ok {
			b = rollup.NewBuilder(key, run.w.bound)
			run.builders[key] = b
		}
		if !ev.PageView() {
			b.AddEvent()
			continue
		}
		b.AddPageView(rollup.PageView{
			SessionID:  ev.SessionID,
			URL:        ev.URL(),
			Referrer:   referrer,
			DeviceType: session.DeviceType,
			Browser:    session.Browser,
			OS:         session.OS,
			Screen:     screen,
		})
	}

	if ev.PageView() {
		run.result.PageViews++
	} else {
		run.result.Events++
	}
	metrics.ImportRows.WithLabelValues(tableEvent, "imported").Inc()

	at := ev.CreatedAt
	if run.result.FirstEventAt == nil || at.Before(*run.result.FirstEventAt) {
		first := at
		run.result.FirstEventAt = &first
	}
	if run.result.LastEventAt == nil || at.After(*run.result.LastEventAt) {
		last := at
		run.result.LastEventAt = &last
	}
}

// flush merges the accumulated buckets as one delta batch.
func (run *chunkRun) flush(ctx context.Context) error {
	if len(run.builders) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tiers := run.w.store.Tiers()
	deltas := make([]rollup.Delta, 0, len(run.builders))
	for _, b := range run.builders {
		deltas = append(deltas, b.Delta(tiers.For(b.Key().Granularity).MergeBound))
	}
	slices.SortFunc(deltas, func(a, b rollup.Delta) int {
		return cmp.Or(
			cmp.Compare(a.Key.Granularity, b.Key.Granularity),
			cmp.Compare(a.Key.SiteID, b.Key.SiteID),
			a.Key.BucketStart.Compare(b.Key.BucketStart),
		)
	})

	id := deltaID(run.task.JobID, run.task.Chunk.Index, run.seq)
	start := time.Now()
	res, err := run.w.store.ApplyBatch(ctx, id, deltas)
	switch {
	case errors.Is(err, rollup.ErrDeltaAlreadyApplied):
		run.w.logger.Info("Skipping batch merged by an earlier attempt", slog.String("delta_id", id))
	case err != nil:
		return err
	default:
		run.result.Rejected += len(res.Rejected)
		for range res.Rejected {
			metrics.IntegrityViolations.Inc()
		}
		metrics.RollupWrites.WithLabelValues("all", "import").Add(float64(res.Applied))
		run.w.logger.Debug("Merged import batch",
			slog.String("delta_id", id),
			slog.Int("buckets", res.Applied),
			slog.Duration("duration", time.Since(start)))
	}

	run.seq++
	run.pending = 0
	clear(run.builders)
	return nil
}
