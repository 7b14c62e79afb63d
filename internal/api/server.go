// Package api exposes the triage workflow over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/oncoscan/triage-server/internal/cache"
	"github.com/oncoscan/triage-server/internal/config"
	"github.com/oncoscan/triage-server/internal/repository"
)

// Server is the HTTP server wrapping the case repository.
type Server struct {
	cfg     config.ServerConfig
	cases   *repository.CaseRepository
	reports *cache.ReportCache
	router  *gin.Engine
	server  *http.Server
	log     *logrus.Logger
}

// NewServer creates the server and wires its routes.
func NewServer(cfg config.ServerConfig, cases *repository.CaseRepository, reports *cache.ReportCache, logger *logrus.Logger) *Server {
	if logger.GetLevel() >= logrus.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(requestLogMiddleware(logger))
	router.Use(corsMiddleware())
	if cfg.RateLimit > 0 {
		router.Use(rateLimitMiddleware(cfg.RateLimit, cfg.RateBurst))
	}

	s := &Server{
		cfg:     cfg,
		cases:   cases,
		reports: reports,
		router:  router,
		log:     logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/cases", s.handleCreateCase)
		v1.GET("/cases", s.handleListCases)
		v1.GET("/cases/:id", s.handleGetCase)
		v1.POST("/cases/:id/ai-result", s.handleAttachAIResult)
		v1.PUT("/cases/:id/tirads", s.handleSaveTirads)
		v1.PUT("/cases/:id/status", s.handleSetStatus)
		v1.POST("/cases/:id/sign", s.handleSignReport)
		v1.POST("/cases/:id/archive", s.handleArchiveCase)
		v1.GET("/cases/:id/report", s.handleGetReport)
		v1.GET("/cases/:id/audit", s.handleCaseAudit)
		v1.GET("/audit", s.handleAuditFeed)
	}
}

// Handler returns the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start runs the server until the context is canceled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("HTTP server listening")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.log.Info("Shutting down HTTP server")
	return s.server.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}
