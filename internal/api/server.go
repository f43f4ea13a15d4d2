// Package api serves the admin HTTP interface of the host: plugin
// management, the action catalog, macros, globals and live streams.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/goatkit/macrohost/internal/apierrors"
	"github.com/goatkit/macrohost/internal/host"
)

// Server is the admin API bound to one host.
type Server struct {
	host   *host.Host
	logger *slog.Logger
	engine *gin.Engine
	http   *http.Server
}

// NewServer builds the router. Call ListenAndServe or use Handler directly.
func NewServer(h *host.Host, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{host: h, logger: logger, engine: gin.New()}
	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.routes()
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() {
	r := s.engine
	r.GET("/healthz", s.HandleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	v1.GET("/errors", s.HandleErrorCodes)
	RegisterPluginRoutes(v1, s)
	RegisterActionRoutes(v1, s)
	RegisterMacroRoutes(v1, s)
	RegisterGlobalRoutes(v1, s)
	RegisterTimerRoutes(v1, s)
	RegisterStreamRoutes(v1, s)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		level := slog.LevelDebug
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.logger.Log(c.Request.Context(), level, "http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"elapsed", time.Since(start))
	}
}

// HandleHealth reports liveness and a few counters.
// GET /healthz
func (s *Server) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"plugins":  len(s.host.Registry().Plugins()),
		"actions":  s.host.Actions().Count(),
		"macros":   len(s.host.Library().List()),
		"contexts": len(s.host.Engine().Contexts()),
	})
}

// HandleErrorCodes lists the registered error codes, optionally for one
// namespace.
// GET /api/v1/errors?namespace=
func (s *Server) HandleErrorCodes(c *gin.Context) {
	codes := apierrors.Registry.All()
	if ns := c.Query("namespace"); ns != "" {
		codes = apierrors.Registry.ByNamespace(ns)
	}
	c.JSON(http.StatusOK, gin.H{"errors": codes})
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts the
// server down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin API listening", "addr", addr)
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return apierrors.Wrap(apierrors.CodeDependency, "api.ListenAndServe", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return apierrors.Wrap(apierrors.CodeTimeout, "api.ListenAndServe", err)
	}
	return nil
}

// bindJSON decodes the request body and answers 400 on failure.
func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		apierrors.RespondCode(c, apierrors.CodeInvalidRequest, err.Error())
		return false
	}
	return true
}
