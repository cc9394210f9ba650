package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Broadband-Catalysts/tasker-sub002/internal/api/handler"
	"github.com/Broadband-Catalysts/tasker-sub002/internal/api/middleware"
	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/domain"
	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/repository"
	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/service"
	"github.com/Broadband-Catalysts/tasker-sub002/internal/observability"
	"github.com/Broadband-Catalysts/tasker-sub002/pkg/config"
)

// Deps are the services the query surface is built from.
type Deps struct {
	Auth      *service.AuthService
	Query     *service.QueryService
	Cleanup   *service.CleanupService
	Reporters repository.ReporterRepository
	Metrics   *observability.Metrics
	Logger    *zap.Logger
}

type Server struct {
	router *gin.Engine
	srv    *http.Server
	config *config.Config
	logger *zap.Logger
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if !cfg.IsDevMode() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Global middleware
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.ErrorHandlerMiddleware(logger))
	router.Use(middleware.CORSMiddleware(cfg.CORSOrigins))

	authHandler := handler.NewAuthHandler(deps.Auth)
	runHandler := handler.NewRunHandler(deps.Query)
	reporterHandler := handler.NewReporterHandler(deps.Query, deps.Reporters)
	cleanupHandler := handler.NewCleanupHandler(deps.Cleanup, cfg.RetentionDays)
	clientHandler := handler.NewClientHandler(deps.Auth)

	// Public routes (no auth required)
	router.POST("/auth/token", authHandler.Token)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	})

	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	authMiddleware := middleware.AuthMiddleware(deps.Auth)
	read := middleware.RequireScope(domain.ScopeRead)
	control := middleware.RequireScope(domain.ScopeControl)

	runs := router.Group("/runs", authMiddleware, read)
	{
		runs.GET("", runHandler.ListRuns)
		runs.GET("/:id", runHandler.GetRun)
		runs.GET("/:id/subtasks", runHandler.ListSubtasks)
		runs.GET("/:id/metrics", runHandler.RunMetrics)
	}

	router.GET("/tasks", authMiddleware, read, runHandler.ListTasks)

	reporters := router.Group("/reporters", authMiddleware)
	{
		reporters.GET("", read, reporterHandler.ListReporters)
		reporters.GET("/:hostname", read, reporterHandler.GetReporter)
		reporters.POST("/:hostname/stop", control, reporterHandler.StopReporter)
	}

	router.POST("/cleanup", authMiddleware, control, cleanupHandler.Cleanup)

	clients := router.Group("/clients", authMiddleware, control)
	{
		clients.POST("", clientHandler.CreateClient)
		clients.GET("", clientHandler.ListClients)
		clients.DELETE("/:id", clientHandler.DeleteClient)
	}

	return &Server{
		router: router,
		config: cfg,
		logger: logger,
		srv: &http.Server{
			Addr:           fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort),
			Handler:        router,
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   150 * time.Second, // reporter stop may wait up to 120s
			IdleTimeout:    60 * time.Second,
			MaxHeaderBytes: 1 << 20, // 1 MB
		},
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called. It returns nil after a graceful
// shutdown.
func (s *Server) Start() error {
	addr := s.srv.Addr

	var err error
	if s.config.SSLCert != "" && s.config.SSLKey != "" {
		s.logger.Info("starting HTTPS server", zap.String("addr", addr))
		err = s.srv.ListenAndServeTLS(s.config.SSLCert, s.config.SSLKey)
	} else {
		s.logger.Info("starting HTTP server", zap.String("addr", addr))
		err = s.srv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
