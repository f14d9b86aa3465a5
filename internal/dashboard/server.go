package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"feedmesh/config"
	"feedmesh/internal/manager"
	"feedmesh/internal/metrics"
	"feedmesh/logger"
)

// Server hosts the Gin-powered operational API for feedmesh: system overview,
// active alerts, connection records, captured logs and the Prometheus
// exposition endpoint.
type Server struct {
	cfg           config.DashboardConfig
	log           *logger.Log
	mgr           *manager.Manager
	metricStore   *metricStore
	logStore      *logStore
	metricHandler metrics.MetricHandlerID
	httpServer    *http.Server
}

// NewServer constructs a dashboard server when the dashboard feature is
// enabled. When the dashboard is disabled the returned server will be nil.
func NewServer(cfg config.DashboardConfig, mgr *manager.Manager, log *logger.Log) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	cfg.Address = normalizeAddress(cfg.Address)

	if cfg.LogHistory <= 0 {
		cfg.LogHistory = 200
	}
	if cfg.MetricsHistory <= 0 {
		cfg.MetricsHistory = 200
	}

	metricStore := newMetricStore(cfg.MetricsHistory)
	handlerID := metrics.RegisterMetricHandler(metricStore.handle)

	logStore := newLogStore(cfg.LogHistory)
	log.AddHook(logStore)

	return &Server{
		cfg:           cfg,
		log:           log,
		mgr:           mgr,
		metricStore:   metricStore,
		logStore:      logStore,
		metricHandler: handlerID,
	}, nil
}

// Run starts the dashboard HTTP server and blocks until the provided context
// is cancelled or the underlying HTTP server exits with an error.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}

	defer s.cleanup()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/api")
	api.GET("/overview", s.handleOverview)
	api.GET("/alerts", s.handleAlerts)
	api.GET("/alerts/history", s.handleAlertHistory)
	api.POST("/alerts/:id/ack", s.handleAcknowledge)
	api.GET("/connections", s.handleConnections)
	api.GET("/logs", s.handleLogs)
	api.GET("/metric-events", s.handleMetricEvents)

	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.log.WithComponent("dashboard").WithFields(logger.Fields{
		"address": s.cfg.Address,
	}).Info("dashboard server started")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	s.logStore.close()
}

func (s *Server) handleOverview(c *gin.Context) {
	c.JSON(http.StatusOK, s.mgr.GetSystemOverview())
}

func (s *Server) handleAlerts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"alerts": s.mgr.ActiveAlerts()})
}

func (s *Server) handleAlertHistory(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"alerts": s.mgr.AlertHistory()})
}

func (s *Server) handleAcknowledge(c *gin.Context) {
	if err := s.mgr.AcknowledgeAlert(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "acknowledged"})
}

func (s *Server) handleConnections(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connections": s.mgr.Store().Snapshot(),
		"stats":       s.mgr.Store().Stats(),
	})
}

func (s *Server) handleLogs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"logs": s.logStore.snapshot()})
}

func (s *Server) handleMetricEvents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"metrics": s.metricStore.snapshot()})
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ":8088"
	}
	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8088")
	}
	return addr
}
