// Package api is the thin HTTP boundary over the recommendation engine.
// It decodes JSON, calls into internal/engine and internal/errorreports,
// and encodes the response; it owns no clinical logic (spec §6).
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/acmg-amp-mcp-server/internal/domain"
	"github.com/acmg-amp-mcp-server/internal/middleware"
	"github.com/acmg-amp-mcp-server/internal/stream"
)

// reloadable is implemented by engines that can hot-reload their
// guidelines corpus. Optional: the admin reload route is only registered
// when the engine satisfies it.
type reloadable interface {
	Reload() error
}

// Server is the HTTP server wrapping the recommendation engine.
type Server struct {
	configManager domain.ConfigManager
	engine        domain.RecommendationEngine
	reports       domain.ErrorReportStore
	hub           *stream.Hub
	log           *logrus.Logger
	router        *gin.Engine
	server        *http.Server
}

// NewServer creates a new HTTP server instance. hub may be nil when
// websocket_enabled is false in configuration.
func NewServer(configManager domain.ConfigManager, engine domain.RecommendationEngine, reports domain.ErrorReportStore, hub *stream.Hub, log *logrus.Logger) *Server {
	cfg := configManager.GetConfig()

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(middleware.AuditLogger())
	router.Use(gin.Recovery())
	router.Use(middleware.SecurityHeaders())
	router.Use(corsMiddleware())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.RequestTimeout(cfg.Server.ReadTimeout))

	s := &Server{
		configManager: configManager,
		engine:        engine,
		reports:       reports,
		hub:           hub,
		log:           log,
		router:        router,
	}

	s.setupRoutes(cfg.WebsocketEnabled)
	return s
}

// Start runs the HTTP server until ctx is canceled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	cfg := s.configManager.GetConfig().Server
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

func (s *Server) setupRoutes(websocketEnabled bool) {
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/recommend", s.handleRecommend)
		v1.POST("/error-reports", s.handleSubmitErrorReport)
		v1.GET("/error-reports", s.handleListErrorReports)
		v1.PATCH("/error-reports/:id/status", s.handleUpdateErrorReportStatus)
	}

	if websocketEnabled && s.hub != nil {
		s.router.GET("/api/v1/audit-feed", func(c *gin.Context) {
			s.hub.ServeWS(c.Writer, c.Request)
		})
	}

	if _, ok := s.engine.(reloadable); ok {
		s.router.POST("/api/v1/admin/reload", s.handleReload)
	}
}

// handleReload hot-reloads the guidelines corpus (spec §5: a reload never
// blocks in-flight requests, which keep using the prior corpus).
func (s *Server) handleReload(c *gin.Context) {
	r := s.engine.(reloadable)
	if err := r.Reload(); err != nil {
		s.log.WithError(err).Warn("guidelines corpus reload failed")
		c.JSON(http.StatusUnprocessableEntity, domain.NewEngineError(domain.ErrKBLoadError, err.Error(), "", ""))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reloaded"})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

// handleRecommend decodes a PatientCase, runs the engine, and returns the
// RecommendationResponse envelope verbatim — clinical errors come back as
// HTTP 200 with status:"error" per spec §6, since a rejected recommendation
// is a valid, expected outcome, not a server fault.
func (s *Server) handleRecommend(c *gin.Context) {
	var patientCase domain.PatientCase
	if err := c.ShouldBindJSON(&patientCase); err != nil {
		c.JSON(http.StatusBadRequest, domain.NewEngineError(domain.ErrBadCase, err.Error(), "", ""))
		return
	}

	resp, err := s.engine.Recommend(c.Request.Context(), &patientCase)
	if err != nil {
		s.log.WithError(err).Error("unexpected error from recommendation engine")
		c.JSON(http.StatusInternalServerError, domain.NewEngineError(domain.ErrBadCase, "internal engine failure", "", ""))
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSubmitErrorReport(c *gin.Context) {
	var report domain.ErrorReport
	if err := c.ShouldBindJSON(&report); err != nil {
		c.JSON(http.StatusBadRequest, domain.NewEngineError(domain.ErrBadCase, err.Error(), "", ""))
		return
	}
	if report.ErrorID == "" {
		report.ErrorID = uuid.NewString()
	}

	if err := s.reports.Submit(c.Request.Context(), &report); err != nil {
		s.respondReportError(c, err)
		return
	}
	c.JSON(http.StatusCreated, report)
}

func (s *Server) handleListErrorReports(c *gin.Context) {
	filter := domain.ErrorReportListFilter{
		Status:    domain.ReportStatus(c.Query("status")),
		Severity:  domain.ErrorSeverity(c.Query("severity")),
		ErrorType: domain.ErrorType(c.Query("error_type")),
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, domain.NewEngineError(domain.ErrBadCase, "limit must be a positive integer", "", ""))
			return
		}
		filter.Limit = n
	}

	reports, err := s.reports.List(c.Request.Context(), filter)
	if err != nil {
		s.respondReportError(c, err)
		return
	}
	c.JSON(http.StatusOK, reports)
}

type statusUpdateRequest struct {
	Status domain.ReportStatus `json:"status"`
}

func (s *Server) handleUpdateErrorReportStatus(c *gin.Context) {
	var req statusUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, domain.NewEngineError(domain.ErrBadCase, err.Error(), "", ""))
		return
	}

	if err := s.reports.UpdateStatus(c.Request.Context(), c.Param("id"), req.Status); err != nil {
		s.respondReportError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) respondReportError(c *gin.Context, err error) {
	var ee *domain.EngineError
	if errors.As(err, &ee) {
		c.JSON(http.StatusBadRequest, ee)
		return
	}
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		c.JSON(http.StatusBadRequest, ve)
		return
	}
	s.log.WithError(err).Error("error report store failure")
	c.JSON(http.StatusInternalServerError, domain.NewEngineError(domain.ErrBadCase, "internal error report store failure", "", ""))
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, X-Correlation-ID")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
