// Package main is the entry point for the xcopilot proxy.
// It serves an Anthropic-style messages API on localhost so Xcode's
// assistant can talk to Copilot models, tool bridge included.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/xcopilot/xcopilot/internal/common/config"
	"github.com/xcopilot/xcopilot/internal/common/logger"
	"github.com/xcopilot/xcopilot/internal/common/tracing"
	"github.com/xcopilot/xcopilot/internal/proxy/api"
	"github.com/xcopilot/xcopilot/internal/proxy/bridge"
	"github.com/xcopilot/xcopilot/internal/proxy/conversation"
	"github.com/xcopilot/xcopilot/internal/proxy/server"
	"github.com/xcopilot/xcopilot/pkg/copilot"
)

// shutdownTimeout caps the drain: parked continuation replies can hold
// connections open for minutes, and Xcode reconnects anyway.
const shutdownTimeout = 3 * time.Second

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting xcopilot proxy...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Start the Copilot SDK client
	client := copilot.NewClient(cfg.Copilot, log)
	if err := client.Start(ctx); err != nil {
		log.Fatal("Failed to start Copilot client", zap.Error(err))
	}

	// 5. Conversation manager and HTTP surface
	manager := conversation.NewManager(log)
	srv := server.New(cfg, log)

	// The messages handler embeds the bridge URL in session configs, so the
	// port must be resolved before the routes are mounted.
	port, err := srv.Listen()
	if err != nil {
		log.Fatal("Failed to bind listen address", zap.Error(err))
	}

	apiHandler, err := api.New(api.Deps{
		Config:   cfg,
		Manager:  manager,
		Launcher: client,
		Logger:   log,
		Port:     port,
	})
	if err != nil {
		log.Fatal("Failed to build API handler", zap.Error(err))
	}
	srv.MountV1(apiHandler)
	srv.MountBridge(bridge.NewHandler(manager, log))

	// 6. Serve
	go func() {
		if err := srv.Serve(); err != nil {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("Proxy listening",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", port),
		zap.String("messages", "/v1/messages"),
		zap.String("models", "/v1/models"),
	)

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down xcopilot...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	manager.RemoveAll()

	if err := client.Stop(); err != nil {
		log.Error("Copilot client stop error", zap.Error(err))
	}

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("xcopilot stopped")
}
