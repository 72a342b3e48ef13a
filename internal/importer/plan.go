package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"tallystat/internal/dump"
	"tallystat/internal/sites"
)

// sessionFlushSize bounds the session rows held before they are indexed.
const sessionFlushSize = 1000

// SiteMapping maps external website ids of a dump to internal site ids.
type SiteMapping struct {
	Sites   map[string]uint
	Created int
	Updated int
}

// Chunk is a run of consecutive website_event statements. Chunks never
// overlap: StartLine is the first line of the first statement and EndLine
// the last line of the last one.
type Chunk struct {
	Index      int
	StartLine  int
	EndLine    int
	Statements int
}

// MapWebsites reads every website row and finds or creates the matching
// site by name or domain.
func (c *Coordinator) MapWebsites(ctx context.Context, path string) (*SiteMapping, error) {
	r, err := dump.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	mapping := &SiteMapping{Sites: make(map[string]uint)}
	db := c.dbManager.GetConnection().WithContext(ctx)

	sc := dump.NewScanner(r).Only(tableWebsite)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ins, err := dump.ParseInsert(sc.Statement().Text)
		if errors.Is(err, dump.ErrMalformedStatement) {
			c.logger.Warn("Skipping malformed website statement",
				slog.Int("line", sc.Statement().StartLine),
				slog.Any("error", err))
			continue
		}
		if err != nil {
			return nil, err
		}

		for _, w := range websiteRows(ins) {
			if _, seen := mapping.Sites[w.ExternalID]; seen {
				continue
			}
			site, created, err := sites.FindOrCreate(c.logger, db, w.Name, w.Domain)
			if err != nil {
				return nil, err
			}
			mapping.Sites[w.ExternalID] = site.ID
			if created {
				mapping.Created++
			} else {
				mapping.Updated++
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read websites: %w", err)
	}

	c.logger.Info("Mapped websites",
		slog.Int("websites", len(mapping.Sites)),
		slog.Int("created", mapping.Created),
		slog.Int("updated", mapping.Updated))
	return mapping, nil
}

// IndexSessions stores every session row of the dump for the job, so chunk
// workers can resolve sessions defined outside their range.
func (c *Coordinator) IndexSessions(ctx context.Context, jobID uint, path string) (int, error) {
	r, err := dump.Open(path)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	indexed := 0
	var pending []SessionRecord
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if err := c.jobs.SaveSessions(ctx, pending); err != nil {
			return err
		}
		indexed += len(pending)
		pending = pending[:0]
		return nil
	}

	sc := dump.NewScanner(r).Only(tableSession)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return indexed, err
		}
		ins, err := dump.ParseInsert(sc.Statement().Text)
		if errors.Is(err, dump.ErrMalformedStatement) {
			c.logger.Warn("Skipping malformed session statement",
				slog.Int("line", sc.Statement().StartLine),
				slog.Any("error", err))
			continue
		}
		if err != nil {
			return indexed, err
		}
		pending = append(pending, sessionRows(jobID, ins)...)
		if len(pending) >= sessionFlushSize {
			if err := flush(); err != nil {
				return indexed, err
			}
		}
	}
	if err := sc.Err(); err != nil {
		return indexed, fmt.Errorf("failed to read sessions: %w", err)
	}
	if err := flush(); err != nil {
		return indexed, err
	}
	return indexed, nil
}

// PlanChunks groups website_event statements into chunks of up to perChunk
// statements, using exact statement boundaries. Two statements sharing a
// line always land in the same chunk so every chunk starts on a fresh line.
func PlanChunks(path string, perChunk int) ([]Chunk, error) {
	if perChunk < 1 {
		perChunk = 1
	}
	r, err := dump.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var chunks []Chunk
	var current *Chunk
	sc := dump.NewScanner(r).Only(tableEvent).WithoutText()
	for sc.Scan() {
		stmt := sc.Statement()
		if current != nil && current.Statements >= perChunk && stmt.StartLine > current.EndLine {
			chunks = append(chunks, *current)
			current = nil
		}
		if current == nil {
			current = &Chunk{Index: len(chunks), StartLine: stmt.StartLine}
		}
		current.EndLine = stmt.EndLine
		current.Statements++
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to plan chunks: %w", err)
	}
	if current != nil {
		chunks = append(chunks, *current)
	}
	return chunks, nil
}
