package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/funclog/funclog/internal/config"
	"github.com/funclog/funclog/internal/membership"
	"github.com/funclog/funclog/internal/metrics"
	"github.com/funclog/funclog/internal/sequencer"
	"github.com/funclog/funclog/internal/server"
	"github.com/funclog/funclog/internal/transport"
	"github.com/funclog/funclog/internal/view"
)

func main() {
	logger, err := initLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	logger.Info("Configuration loaded",
		zap.Uint16("node_id", cfg.Server.NodeID),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port))

	currentView, err := view.LoadFromFile(cfg.Server.ViewPath)
	if err != nil {
		logger.Fatal("Failed to load view", zap.Error(err))
	}

	m := metrics.New("sequencer", cfg.Server.NodeID)
	hub := transport.NewHub(cfg.Server.NodeID, peerResolver(cfg), m, logger)
	defer hub.Close()

	node := sequencer.NewNode(cfg.Server.NodeID, cfg.Sequencer, hub, m, logger)

	watcher := view.NewWatcher(logger)
	watcher.AddListener(node)
	watcher.InstallView(currentView)

	if cfg.Gossip.Enabled {
		gossip, err := membership.NewService(&membership.Config{
			BindPort:       cfg.Gossip.BindPort,
			SeedNodes:      cfg.Gossip.SeedNodes,
			GossipInterval: cfg.Gossip.GossipInterval,
			ProbeTimeout:   cfg.Gossip.ProbeTimeout,
			ProbeInterval:  cfg.Gossip.ProbeInterval,
		}, cfg.Server.NodeID, membership.RoleSequencer, logger)
		if err != nil {
			logger.Error("Failed to initialize gossip service", zap.Error(err))
		} else {
			defer gossip.Shutdown()
		}
	}

	if cfg.Metrics.Enabled {
		metricsServer := server.NewMetricsServer(cfg.Metrics, logger)
		metricsServer.Start()
		defer metricsServer.Stop(cfg.Server.ShutdownTimeout)
	}

	grpcServer := transport.NewGRPCServer()
	transport.RegisterIngress(grpcServer, node.OnRecvSharedLogMessage, logger)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatal("Failed to listen", zap.Error(err))
	}

	// The local cut timer drives metalog production.
	cutTicker := time.NewTicker(cfg.Sequencer.LocalCutInterval)
	defer cutTicker.Stop()
	go func() {
		for range cutTicker.C {
			node.MarkCutTick()
		}
	}()

	logger.Info("Sequencer service starting",
		zap.Uint16("node_id", cfg.Server.NodeID),
		zap.String("address", addr))

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		logger.Info("Shutting down gracefully...")
		grpcServer.GracefulStop()
	}()

	if err := grpcServer.Serve(listener); err != nil {
		logger.Fatal("Failed to serve", zap.Error(err))
	}
}

func peerResolver(cfg *config.Config) transport.NodeResolver {
	return func(nodeID uint16) (string, bool) {
		addr, ok := cfg.Server.Peers[nodeID]
		return addr, ok
	}
}

func initLogger() (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	return config.Build()
}
