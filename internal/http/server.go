// Package http serves the operational endpoints of the daemon: health,
// Prometheus metrics and import job status.
package http

import (
	"context"
	"errors"
	"log/slog"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/karloscodes/cartridge"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tallystat/internal/http/middleware"
	"tallystat/internal/importer"
)

// QueueInspector reports the backlog of the background queue.
type QueueInspector interface {
	Pending() int64
}

// Deps are the collaborators the handlers read from.
type Deps struct {
	DBManager cartridge.DBManager
	Logger    *slog.Logger
	Jobs      *importer.JobStore
	Queue     QueueInspector

	// Token guards the import routes when set.
	Token string
}

// Server is the fiber app behind the ops address.
type Server struct {
	app    *fiber.App
	addr   string
	logger *slog.Logger
}

// NewServer mounts every route on a fresh fiber app.
func NewServer(addr string, deps Deps) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
	})
	app.Use(recover.New())
	MountRoutes(app, deps)
	return &Server{app: app, addr: addr, logger: deps.Logger}
}

// MountRoutes registers the ops routes on app.
func MountRoutes(app *fiber.App, deps Deps) {
	app.Get("/health", HealthIndexAction(deps))
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	imports := app.Group("/imports")
	if deps.Token != "" {
		imports.Use(middleware.BearerToken(deps.Token, deps.Logger))
	}
	imports.Get("/", ImportsIndexAction(deps))
	imports.Get("/:ref", ImportsShowAction(deps))
}

// App exposes the fiber app, mainly for app.Test in tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Start listens in the background. Listen errors other than a clean
// shutdown are logged.
func (s *Server) Start() {
	s.logger.Info("Starting ops server", slog.String("addr", s.addr))
	go func() {
		if err := s.app.Listen(s.addr); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("Ops server stopped", slog.Any("error", err))
		}
	}()
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
