package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/origin-cache/internal/cachestats"
	"github.com/any-hub/origin-cache/internal/fileprovider"
)

// FileSystem exposes the logical path tree served over HTTP.
type FileSystem interface {
	Root() fileprovider.FilePath
}

// AppOptions controls how the Fiber application should behave on a specific port.
type AppOptions struct {
	Logger     *logrus.Logger
	Files      FileSystem
	Stats      *cachestats.CacheStatistics
	Gatherer   prometheus.Gatherer
	ListenPort int
}

const contextKeyRequestID = "_origincache_request_id"

// NewApp builds a Fiber application with request-id middleware, diagnostics
// routes and the file streaming handler.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Files == nil {
		return nil, errors.New("file system is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware())

	app.Get("/-/stats", func(c fiber.Ctx) error {
		if opts.Stats == nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "stats_disabled"})
		}
		return c.JSON(fiber.Map{
			"listen_port": opts.ListenPort,
			"root":        opts.Files.Root().String(),
			"stats":       opts.Stats.Snapshot(),
		})
	})
	if opts.Gatherer != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	files := newFileHandler(opts.Files, opts.Logger)
	app.Get("/*", func(c fiber.Ctx) error {
		if isDiagnosticsPath(c.Path()) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown_diagnostics"})
		}
		return files.Handle(c)
	})
	app.Head("/*", files.Handle)

	return app, nil
}

// requestContextMiddleware 为每个请求生成请求 ID。
func requestContextMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
