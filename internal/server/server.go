package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"spikewatch/internal/market"
	"spikewatch/internal/metrics"
	"spikewatch/internal/service"
)

// Provider is the read-only view the status API serves.
type Provider interface {
	Status() service.Status
	Quotes() []market.Quote
	Alerts(ctx context.Context) []market.AlertEvent
}

// Server exposes health, status, quotes, alerts and metrics over HTTP.
type Server struct {
	addr     string
	provider Provider
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	engine   *gin.Engine
}

// New builds the router.
func New(addr string, provider Provider, m *metrics.Metrics, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		addr:     addr,
		provider: provider,
		metrics:  m,
		logger:   logger.With().Str("component", "status_server").Logger(),
		engine:   gin.New(),
	}
	s.engine.Use(gin.Recovery(), s.requestLog())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", s.getHealth)
	s.engine.GET("/status", s.getStatus)
	s.engine.GET("/quotes", s.getQuotes)
	s.engine.GET("/alerts", s.getAlerts)
	s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled and then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.addr).Msg("status server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(started)).
			Msg("request")
	}
}

func (s *Server) getHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.provider.Status())
}

func (s *Server) getQuotes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"quotes": s.provider.Quotes()})
}

func (s *Server) getAlerts(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	alerts := s.provider.Alerts(c.Request.Context())
	if len(alerts) > limit {
		alerts = alerts[:limit]
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
}
