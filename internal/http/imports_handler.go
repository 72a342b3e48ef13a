package http

import (
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"

	"tallystat/internal/importer"
)

const importsListLimit = 20

// ImportView is the JSON shape of an import job.
type ImportView struct {
	ID                uint             `json:"id"`
	PublicID          string           `json:"public_id"`
	FileName          string           `json:"file_name"`
	DryRun            bool             `json:"dry_run"`
	Status            string           `json:"status"`
	Progress          float64          `json:"progress"`
	TotalChunks       int              `json:"total_chunks"`
	ChunksProcessed   int              `json:"chunks_processed"`
	ChunksFailed      int              `json:"chunks_failed"`
	PageViewsImported int64            `json:"page_views_imported"`
	EventsImported    int64            `json:"events_imported"`
	RowsSkipped       int64            `json:"rows_skipped"`
	SitesCreated      int              `json:"sites_created"`
	SitesUpdated      int              `json:"sites_updated"`
	FirstEventAt      *time.Time       `json:"first_event_at,omitempty"`
	LastEventAt       *time.Time       `json:"last_event_at,omitempty"`
	Summary           string           `json:"summary"`
	Error             string           `json:"error,omitempty"`
	Details           importer.Details `json:"details,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

func newImportView(job *importer.ImportJob) ImportView {
	return ImportView{
		ID:                job.ID,
		PublicID:          job.PublicID,
		FileName:          job.FileName,
		DryRun:            job.DryRun,
		Status:            job.Status,
		Progress:          job.Progress(),
		TotalChunks:       job.TotalChunks,
		ChunksProcessed:   job.ChunksProcessed,
		ChunksFailed:      job.ChunksFailed,
		PageViewsImported: job.PageViewsImported,
		EventsImported:    job.EventsImported,
		RowsSkipped:       job.RowsSkipped,
		SitesCreated:      job.SitesCreated,
		SitesUpdated:      job.SitesUpdated,
		FirstEventAt:      job.FirstEventAt,
		LastEventAt:       job.LastEventAt,
		Summary:           job.Summary,
		Error:             job.Error,
		Details:           job.Details,
		CreatedAt:         job.CreatedAt,
		UpdatedAt:         job.UpdatedAt,
	}
}

// ImportsIndexAction lists the most recent import jobs.
func ImportsIndexAction(deps Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		jobs, err := deps.Jobs.List(c.UserContext(), importsListLimit)
		if err != nil {
			deps.Logger.Error("Failed to list import jobs", slog.Any("error", err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to list imports"})
		}
		views := make([]ImportView, 0, len(jobs))
		for i := range jobs {
			views = append(views, newImportView(&jobs[i]))
		}
		return c.JSON(fiber.Map{"imports": views})
	}
}

// ImportsShowAction returns one job by numeric or public id.
func ImportsShowAction(deps Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		job, err := deps.Jobs.Find(c.UserContext(), c.Params("ref"))
		if errors.Is(err, importer.ErrJobNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "import not found"})
		}
		if err != nil {
			deps.Logger.Error("Failed to load import job", slog.Any("error", err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load import"})
		}
		return c.JSON(newImportView(job))
	}
}
