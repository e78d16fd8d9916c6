// routes.go - Route registration helpers
// This file provides a clean way to register all API routes
package api

import (
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

// Dependencies holds all handler dependencies
type Dependencies struct {
	Service    FileService
	Backend    BackendChecker
	LiveStatus func() string
	OutputDir  string
	Version    string
	Logger     *zap.Logger
}

// Handlers holds all handler instances
type Handlers struct {
	Health HealthHandler
	Files  FileHandler
	Output OutputHandler
	Status StatusSocketHandler
}

// NewHandlers creates all handler instances
func NewHandlers(deps *Dependencies) *Handlers {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		Health: NewHealthHandler(deps.Version, deps.Backend, deps.LiveStatus),
		Files:  NewFileHandler(deps.Service, logger.Named("files")),
		Output: NewOutputHandler(deps.OutputDir, logger.Named("output")),
		Status: NewStatusSocketHandler(deps.Service, logger.Named("ws")),
	}
}

// RegisterRoutes registers all API routes with the Echo instance
func RegisterRoutes(e *echo.Echo, handlers *Handlers) {
	// Health check
	e.GET("/api/health", handlers.Health.HandleHealth)

	// File registry routes
	files := e.Group("/api/files")
	files.GET("", handlers.Files.HandleListFiles)
	files.GET("/msgpack", handlers.Files.HandleListFilesMsgpack)
	files.GET("/stream", handlers.Files.HandleFileStream)
	files.POST("", handlers.Files.HandleAddFiles)
	files.POST("/process", handlers.Files.HandleProcess)
	files.POST("/upload-and-process", handlers.Files.HandleUploadAndProcess)
	files.DELETE("", handlers.Files.HandleClearFiles)
	files.GET("/:id", handlers.Files.HandleGetFile)
	files.GET("/:id/markdown", handlers.Files.HandleGetMarkdown)
	files.DELETE("/:id", handlers.Files.HandleDeleteFile)
	files.POST("/:id/retry", handlers.Files.HandleRetryFile)

	// Output read-back
	e.GET("/api/output", handlers.Output.HandleOutput)

	// Status push
	e.GET("/api/ws", handlers.Status.HandleStatusSocket)
}

// MiddlewareConfig selects the optional middleware
type MiddlewareConfig struct {
	EnableCORS     bool
	AllowOrigins   string
	BodyLimit      string
	RequestLogging bool
	Logger         *zap.Logger
}

// SetupMiddleware configures common middleware
func SetupMiddleware(e *echo.Echo, cfg MiddlewareConfig) {
	// Use custom error handler
	e.HTTPErrorHandler = ErrorHandler

	e.Use(middleware.Recover())

	if cfg.RequestLogging && cfg.Logger != nil {
		e.Use(requestLogger(cfg.Logger))
	}

	if cfg.EnableCORS {
		origins := []string{"*"}
		if cfg.AllowOrigins != "" {
			origins = strings.Split(cfg.AllowOrigins, ",")
			for i := range origins {
				origins[i] = strings.TrimSpace(origins[i])
			}
		}
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: origins,
			AllowMethods: []string{echo.GET, echo.POST, echo.DELETE, echo.OPTIONS},
		}))
	}

	if cfg.BodyLimit != "" {
		e.Use(middleware.BodyLimit(cfg.BodyLimit))
	}
}

// requestLogger logs one line per request through zap
func requestLogger(logger *zap.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:      true,
		LogStatus:   true,
		LogMethod:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		Skipper: func(c echo.Context) bool {
			// Long-lived streams would log only when they end.
			p := c.Path()
			return p == "/api/ws" || p == "/api/files/stream"
		},
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				logger.Warn("request", append(fields, zap.Error(v.Error))...)
				return nil
			}
			logger.Info("request", fields...)
			return nil
		},
	})
}
