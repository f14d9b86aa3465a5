package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"feedmesh/config"
	"feedmesh/internal/conn"
	"feedmesh/internal/dashboard"
	"feedmesh/internal/manager"
	"feedmesh/internal/metrics"
	"feedmesh/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Feedmesh.Name,
		"version": cfg.Feedmesh.Version,
		"node":    cfg.Manager.ClusterNodeID,
	}).Info("starting feedmesh")

	if cfg.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.CloudWatch.Region, cfg.CloudWatch.Namespace)
	}

	metrics.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	mgr, err := manager.New(cfg)
	if err != nil {
		log.WithError(err).Error("failed to construct integration manager")
		os.Exit(1)
	}
	mgr.Start()

	for _, feed := range cfg.Feeds {
		feedCfg := conn.Config{
			ID:      feed.ID,
			Address: feed.Address,
			Type:    conn.Type(feed.Type),
			Reconnect: conn.ReconnectPolicy{
				MaxAttempts:    feed.MaxReconnects,
				InitialBackoff: time.Duration(feed.InitialBackoffMs) * time.Millisecond,
				MaxBackoff:     time.Duration(feed.MaxBackoffMs) * time.Millisecond,
			},
			RateLimit: conn.RateLimit{
				MessagesPerSecond: feed.MessagesPerSecond,
				Burst:             feed.Burst,
			},
		}

		c := conn.NewWSConn(feedCfg)
		if err := mgr.RegisterConnection(c, feedCfg); err != nil {
			log.WithError(err).WithFields(logger.Fields{"id": feed.ID}).Error("failed to register feed")
			continue
		}

		go func(c *conn.WSConn, id string) {
			connectCtx, cancelConnect := context.WithTimeout(ctx, cfg.Manager.OperationTimeout())
			defer cancelConnect()
			if err := c.Connect(connectCtx); err != nil {
				log.WithError(err).WithFields(logger.Fields{"id": id}).Error("feed connect failed")
			}
		}(c, feed.ID)
	}

	dashboardServer, err := dashboard.NewServer(cfg.Dashboard, mgr, log)
	if err != nil {
		log.WithError(err).Error("failed to construct dashboard server")
		os.Exit(1)
	}
	if dashboardServer != nil {
		go func() {
			if err := dashboardServer.Run(ctx); err != nil {
				log.WithError(err).Error("dashboard server exited")
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutting down")

	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown did not complete cleanly")
		os.Exit(1)
	}

	log.Info("feedmesh stopped")
}
