package web

import (
	"errors"
	"fmt"
	"time"

	"vuln-lifecycle-tracker/db"
	"vuln-lifecycle-tracker/models"
	"vuln-lifecycle-tracker/pipeline"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	dateLayout        = "2006-01-02"
	defaultListLimit  = 50
	maxListLimit      = 1000
	defaultTotalsDays = 30
)

// Server exposes the reconciled inventory and daily totals over a read-only JSON API
type Server struct {
	app        *fiber.App
	database   *db.Database
	aggregator *pipeline.Aggregator
	logger     *zap.Logger
	port       string
}

// NewServer creates a new API server. A nil gatherer disables /metrics.
func NewServer(database *db.Database, aggregator *pipeline.Aggregator, gatherer prometheus.Gatherer, logger *zap.Logger, port string) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(cors.New())
	app.Use(requestLogger(logger))

	server := &Server{
		app:        app,
		database:   database,
		aggregator: aggregator,
		logger:     logger,
		port:       port,
	}

	server.setupRoutes(gatherer)
	return server
}

func (s *Server) setupRoutes(gatherer prometheus.Gatherer) {
	if gatherer != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	api := s.app.Group("/api/v1")
	api.Get("/health", s.handleHealthCheck)
	api.Get("/stats", s.handleStats)
	api.Get("/daily-totals", s.handleDailyTotals)
	api.Get("/daily-totals/:date", s.handleDailyTotal)
	api.Get("/daily-totals/:date/changes", s.handleChangeSummary)
	api.Get("/imports", s.handleImports)
	api.Get("/imports/:id", s.handleImport)
	api.Get("/vulnerabilities", s.handleVulnerabilities)
}

// Start starts the web server
func (s *Server) Start() error {
	s.logger.Info("starting api server", zap.String("port", s.port))
	return s.app.Listen(":" + s.port)
}

// Stop gracefully stops the web server
func (s *Server) Stop() error {
	return s.app.Shutdown()
}

func (s *Server) handleHealthCheck(c *fiber.Ctx) error {
	status, code := "ok", fiber.StatusOK
	if err := s.database.Ping(); err != nil {
		s.logger.Warn("health check failed", zap.Error(err))
		status, code = "unavailable", fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(fiber.Map{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStats(c *fiber.Ctx) error {
	counts, err := s.database.CountByState(c.UserContext())
	if err != nil {
		return err
	}

	byState := fiber.Map{}
	total := 0
	for _, state := range []models.LifecycleState{models.StateActive, models.StateGracePeriod, models.StateReopened, models.StateResolved} {
		byState[string(state)] = counts[state]
		total += counts[state]
	}
	return c.JSON(fiber.Map{
		"total":    total,
		"by_state": byState,
	})
}

func (s *Server) handleDailyTotals(c *fiber.Ctx) error {
	totals, err := s.database.ListDailyTotals(c.UserContext(), clampLimit(c.QueryInt("limit", defaultTotalsDays)))
	if err != nil {
		return err
	}
	return c.JSON(totals)
}

func (s *Server) handleDailyTotal(c *fiber.Ctx) error {
	date, err := dateParam(c)
	if err != nil {
		return err
	}

	total, err := s.database.GetDailyTotal(c.UserContext(), date)
	if err != nil {
		return err
	}
	return c.JSON(total)
}

func (s *Server) handleChangeSummary(c *fiber.Ctx) error {
	date, err := dateParam(c)
	if err != nil {
		return err
	}

	summary, err := s.aggregator.ChangeSummary(c.UserContext(), date)
	if err != nil {
		return err
	}
	return c.JSON(summary)
}

func (s *Server) handleImports(c *fiber.Ctx) error {
	batches, err := s.database.ListImportBatches(c.UserContext(), clampLimit(c.QueryInt("limit", defaultListLimit)))
	if err != nil {
		return err
	}
	return c.JSON(batches)
}

func (s *Server) handleImport(c *fiber.Ctx) error {
	batch, err := s.database.GetImportBatch(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(batch)
}

func (s *Server) handleVulnerabilities(c *fiber.Ctx) error {
	filter := db.VulnerabilityFilter{
		State:    models.LifecycleState(c.Query("state")),
		ScanDate: c.Query("date"),
		Hostname: c.Query("host"),
		Limit:    clampLimit(c.QueryInt("limit", defaultListLimit)),
	}

	switch filter.State {
	case "", models.StateActive, models.StateGracePeriod, models.StateResolved, models.StateReopened:
	default:
		return fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("invalid state %q", filter.State))
	}
	if filter.ScanDate != "" {
		if _, err := time.Parse(dateLayout, filter.ScanDate); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("invalid date %q", filter.ScanDate))
		}
	}

	vulns, err := s.database.ListVulnerabilities(c.UserContext(), filter)
	if err != nil {
		return err
	}
	return c.JSON(vulns)
}

func dateParam(c *fiber.Ctx) (string, error) {
	date := c.Params("date")
	if _, err := time.Parse(dateLayout, date); err != nil {
		return "", fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("invalid date %q", date))
	}
	return date, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// errorHandler maps store lookups that miss to 404 and everything else to a JSON error body
func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "internal server error"

	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		code, message = fe.Code, fe.Message
	case errors.Is(err, db.ErrNotFound):
		code, message = fiber.StatusNotFound, "not found"
	}
	return c.Status(code).JSON(fiber.Map{"error": message})
}

func requestLogger(logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			var fe *fiber.Error
			if errors.As(err, &fe) {
				status = fe.Code
			} else if errors.Is(err, db.ErrNotFound) {
				status = fiber.StatusNotFound
			} else {
				status = fiber.StatusInternalServerError
			}
		}

		fields := []zap.Field{
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
		}
		if status >= fiber.StatusInternalServerError {
			logger.Error("request failed", append(fields, zap.Error(err))...)
		} else {
			logger.Debug("request", fields...)
		}
		return err
	}
}
