// Command kvserver runs one replica of a replicated key-value store.
//
//	kvserver -config node1.yaml -http 127.0.0.1:8001
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ueisele/vraft"
	"github.com/ueisele/vraft/kv"
	"github.com/ueisele/vraft/transport"
	"github.com/ueisele/vraft/transport/tcp"
)

// Version information
const Version = "1.0.0"

func newLogger(level string, dev bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	if dev {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func main() {
	configPath := flag.String("config", "", "replica config file (YAML)")
	httpAddr := flag.String("http", "127.0.0.1:8000", "HTTP API listen address")
	logLevel := flag.String("log-level", "info", "debug, info, warn or error")
	dev := flag.Bool("dev", false, "human-readable logs")
	flag.Parse()

	logger, err := newLogger(*logLevel, *dev)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if *configPath == "" {
		logger.Fatal("missing -config")
	}
	cfg, err := vraft.LoadConfigFile(*configPath)
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	cfg.Logger = vraft.NewZapLogger(logger.Named("raft"), cfg.Me)

	tr := tcp.New(&transport.Config{
		Me:     cfg.Me,
		Logger: vraft.NewZapLogger(logger.Named("transport"), cfg.Me),
	})
	node, err := vraft.NewNode(cfg, tr.Send, kv.Factory)
	if err != nil {
		logger.Fatal("create replica", zap.Error(err))
	}
	if err := tr.Start(node.Receive); err != nil {
		logger.Fatal("start transport", zap.Error(err))
	}
	if err := node.Start(); err != nil {
		logger.Fatal("start replica", zap.Error(err))
	}

	server := &Server{node: node, logger: logger.Named("http")}
	httpServer := &http.Server{
		Addr:              *httpAddr,
		Handler:           server.NewRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server", zap.Error(err))
		}
	}()
	logger.Info("kvserver started",
		zap.String("version", Version),
		zap.Stringer("replica", cfg.Me),
		zap.String("raft", tr.Addr()),
		zap.String("http", *httpAddr))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := tr.Stop(); err != nil {
		logger.Warn("transport shutdown", zap.Error(err))
	}
	if err := node.Stop(); err != nil {
		logger.Warn("replica shutdown", zap.Error(err))
	}
}
