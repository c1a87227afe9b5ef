package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/concordkv/replicated-ledger/pkg/api"
	"github.com/concordkv/replicated-ledger/pkg/config"
	"github.com/concordkv/replicated-ledger/pkg/consensus"
	"github.com/concordkv/replicated-ledger/pkg/ledger"
	"github.com/concordkv/replicated-ledger/pkg/metrics"
	"github.com/concordkv/replicated-ledger/pkg/store"
	"github.com/concordkv/replicated-ledger/pkg/transport/grpcchan"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a consensus node until interrupted",
	RunE:  runServe,
}

func mustLogger(level string) *zap.Logger {
	zc := zap.NewProductionConfig()
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		zc.Level = lvl
	}
	logger, err := zc.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	return logger
}

func runServe(cmd *cobra.Command, args []string) error {
	if configPath == "" {
		return fmt.Errorf("--config is required")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := mustLogger(cfg.LogLevel)
	defer logger.Sync()

	wal, err := store.Open(filepath.Join(cfg.DataDir, cfg.NodeID))
	if err != nil {
		return fmt.Errorf("open wal: %w", err)
	}
	defer wal.Close()

	recovered := wal.RecoveredEntries()
	led := ledger.Restore(wal, recovered)
	kv := store.NewKV()

	addrs := make(map[consensus.NodeID]string, len(cfg.Peers))
	members := make(map[consensus.NodeID]consensus.Member, len(cfg.Peers))
	for _, p := range cfg.Peers {
		id := consensus.NodeID(p.ID)
		addrs[id] = fmt.Sprintf("%s:%d", p.Hostname, p.Port)
		members[id] = consensus.Member{ID: id, Hostname: p.Hostname, Port: p.Port}
	}

	transport := grpcchan.NewTransport(consensus.NodeID(cfg.NodeID), addrs, logger)
	defer transport.Close()

	reg := prometheus.NewRegistry()
	recorder := metrics.New(reg, cfg.NodeID)

	node := consensus.NewNode(consensus.NodeID(cfg.NodeID), consensus.Options{
		Ledger:             led,
		Transport:          transport,
		Adapter:            kv,
		Durable:            wal,
		Logger:             logger,
		Metrics:            recorder,
		ElectionTimeoutMin: cfg.ElectionTimeoutMin,
		ElectionTimeoutMax: cfg.ElectionTimeoutMax,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		BatchSize:          cfg.BatchSize,
	})

	if len(recovered) == 0 && len(members) > 0 {
		if err := node.AddConfiguration(0, members); err != nil {
			return fmt.Errorf("bootstrap configuration: %w", err)
		}
	}

	grpcServer, err := grpcchan.Listen(cfg.ListenAddr, node, logger)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}
	defer grpcServer.Stop()
	logger.Info("consensus wire listening", zap.String("addr", grpcServer.Addr()))

	httpServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: buildMux(node, kv, reg),
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	stop := startDriverLoop(node)
	defer stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")
	node.Shutdown()
	return nil
}

func buildMux(node *consensus.Node, kv *store.KV, reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/", api.NewHandler(node, kv))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

// startDriverLoop runs the node's single cooperative driver goroutine,
// advancing election/heartbeat timers on a fixed tick.
func startDriverLoop(node *consensus.Node) func() {
	const tick = 10 * time.Millisecond
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				node.Periodic(tick)
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}
