package http

import (
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
)

// HealthStatus represents the health check response
type HealthStatus struct {
	Status       string    `json:"status"`
	Timestamp    time.Time `json:"timestamp"`
	DBStatus     string    `json:"db_status"`
	QueuePending int64     `json:"queue_pending"`
}

// HealthIndexAction handles the health check endpoint
func HealthIndexAction(deps Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		dbStatus := "ok"

		// Check database connectivity
		db := deps.DBManager.GetConnection()
		if db == nil {
			dbStatus = "error"
			deps.Logger.Error("Database connection unavailable")
		} else {
			sqlDB, err := db.DB()
			if err != nil {
				dbStatus = "error"
				deps.Logger.Error("Database connection error", slog.Any("error", err))
			} else if err := sqlDB.PingContext(c.UserContext()); err != nil {
				dbStatus = "error"
				deps.Logger.Error("Database ping failed", slog.Any("error", err))
			}
		}

		health := HealthStatus{
			Status:    "ok",
			Timestamp: time.Now().UTC(),
			DBStatus:  dbStatus,
		}
		if deps.Queue != nil {
			health.QueuePending = deps.Queue.Pending()
		}

		if dbStatus != "ok" {
			health.Status = "degraded"
			return c.Status(fiber.StatusServiceUnavailable).JSON(health)
		}
		return c.JSON(health)
	}
}
