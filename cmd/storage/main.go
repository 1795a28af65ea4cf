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
	"github.com/funclog/funclog/internal/server"
	"github.com/funclog/funclog/internal/storage"
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
		zap.String("data_dir", cfg.Storage.DataDir))

	if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
		logger.Fatal("Failed to create data directory", zap.Error(err))
	}

	currentView, err := view.LoadFromFile(cfg.Server.ViewPath)
	if err != nil {
		logger.Fatal("Failed to load view", zap.Error(err))
	}

	backend, err := storage.OpenBackend(cfg.Storage.DataDir, cfg.Server.NodeID, logger)
	if err != nil {
		logger.Fatal("Failed to open cold store", zap.Error(err))
	}

	m := metrics.New("storage", cfg.Server.NodeID)
	hub := transport.NewHub(cfg.Server.NodeID, peerResolver(cfg), m, logger)
	defer hub.Close()

	node := storage.NewNode(cfg.Server.NodeID, cfg.Storage, hub, backend, m, logger)
	defer node.Stop(cfg.Server.ShutdownTimeout)

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
		}, cfg.Server.NodeID, membership.RoleStorage, logger)
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

	// Background loop: report shard progress and persist sequenced
	// entries to the cold store.
	bgTicker := time.NewTicker(cfg.Storage.BGThreadInterval)
	defer bgTicker.Stop()
	go func() {
		for range bgTicker.C {
			node.SendShardProgress()
			node.FlushToColdStore()
		}
	}()

	logger.Info("Storage service starting",
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
