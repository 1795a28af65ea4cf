package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/funclog/funclog/internal/config"
	"github.com/funclog/funclog/internal/engine"
	"github.com/funclog/funclog/internal/membership"
	"github.com/funclog/funclog/internal/metrics"
	"github.com/funclog/funclog/internal/protocol"
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

	currentView, err := view.LoadFromFile(cfg.Server.ViewPath)
	if err != nil {
		logger.Fatal("Failed to load view", zap.Error(err))
	}

	m := metrics.New("engine", cfg.Server.NodeID)
	hub := transport.NewHub(cfg.Server.NodeID, peerResolver(cfg), m, logger)
	defer hub.Close()

	// The function-worker IPC surface plugs in here; results are handed
	// back to it for delivery over the worker message channel.
	resultHandler := func(op *engine.LocalOp, result engine.OpResult) {
		logger.Debug("Operation finished",
			zap.Uint64("op_id", op.ID),
			zap.Uint16("result", uint16(result.Result)),
			zap.Uint64("seqnum", result.Seqnum))
	}

	node := engine.New(cfg.Server.NodeID, cfg.Engine.StorageShardID, cfg.Engine,
		hub, resultHandler, m, logger)

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
		}, cfg.Server.NodeID, membership.RoleEngine, logger)
		if err != nil {
			logger.Error("Failed to initialize gossip service", zap.Error(err))
		} else {
			gossip.AddActivationHandler(func(key string, contents []byte) {
				node.Activate(key)
			})
			defer gossip.Shutdown()
		}
	}

	if cfg.Metrics.Enabled {
		metricsServer := server.NewMetricsServer(cfg.Metrics, logger)
		metricsServer.Start()
		defer metricsServer.Stop(cfg.Server.ShutdownTimeout)
	}

	grpcServer := transport.NewGRPCServer()
	transport.RegisterIngress(grpcServer, func(connType protocol.ConnType, srcNodeID uint16,
		msg protocol.SharedLogMessage, payload []byte) {
		node.OnRecvSharedLogMessage(connType, srcNodeID, msg, payload)
	}, logger)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatal("Failed to listen", zap.Error(err))
	}

	logger.Info("Engine service starting",
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
