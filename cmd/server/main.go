// Codecove server
//
// Browser-accessible development sandboxes: a passkey maps to an isolated
// directory with a confined interactive shell, a live file tree, and
// filesystem change notifications, all multiplexed over one websocket.
package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/codecove/codecove/internal/api"
	"github.com/codecove/codecove/internal/auth"
	"github.com/codecove/codecove/internal/config"
	"github.com/codecove/codecove/internal/hub"
	"github.com/codecove/codecove/internal/logging"
	"github.com/codecove/codecove/internal/metrics"
	"github.com/codecove/codecove/internal/shell"
	"github.com/codecove/codecove/internal/tenant"
	"github.com/codecove/codecove/internal/watch"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.InitDefault()
		logging.Fatal("configuration error", zap.Error(err))
	}

	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		logging.InitDefault()
	}
	defer logging.Sync()

	logging.Info("codecove server starting",
		zap.String("listen", cfg.ListenAddr),
		zap.String("base_dir", cfg.BaseDir))

	store, err := tenant.NewStore(cfg.BaseDir)
	if err != nil {
		logging.Fatal("sandbox base dir init failed", zap.Error(err))
	}

	tokens, err := auth.NewIssuer(cfg.TokenSecret, cfg.TokenTTL)
	if err != nil {
		logging.Fatal("token issuer init failed", zap.Error(err))
	}

	watchMgr := watch.NewManager()
	defer watchMgr.Close()

	starter := func(root string) (hub.Terminal, error) {
		return shell.StartCommand(root, cfg.ShellCmd)
	}
	sessions := hub.New(store, watchMgr, tokens, starter)
	srv := api.NewServer(store, sessions, tokens)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	// Metrics on a separate listener so the public port stays minimal.
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down")
		metricsServer.Close()
		httpServer.Close()
	}()

	logging.Info("server listening", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
}
