package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/guibros/companion-bridge/internal/common/config"
	"github.com/guibros/companion-bridge/internal/common/logger"
	"github.com/guibros/companion-bridge/internal/companion"
	"github.com/guibros/companion-bridge/internal/contextmgr"
	"github.com/guibros/companion-bridge/internal/events/bus"
	"github.com/guibros/companion-bridge/internal/policy"
	"github.com/guibros/companion-bridge/internal/server"
	"github.com/guibros/companion-bridge/internal/session"
)

const version = "1.0.0"

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Companion bridge...",
		zap.String("version", version),
		zap.String("companion_url", cfg.Companion.URL))

	// 3. Connect the event bus (in-memory unless NATS is configured)
	eventBus, err := bus.New(cfg.NATS, log)
	if err != nil {
		log.Fatal("Failed to connect event bus", zap.Error(err))
	}
	defer eventBus.Close()

	// 4. Build the tool policy engine
	policyEngine := policy.NewEngine(cfg.Tools.Policy, cfg.Tools.Mode, log)
	log.Info("Tool policy loaded",
		zap.String("mode", cfg.Tools.Mode),
		zap.Int("rules", len(policyEngine.Rules())))

	// 5. Build the context manager
	contextManager := contextmgr.NewManager(
		cfg.Context.Dir,
		contextmgr.ParseStrategy(cfg.Context.Strategy),
		cfg.Context.TriggerPct,
		cfg.Context.RecompactPct,
		log)
	log.Info("Context manager ready",
		zap.String("strategy", cfg.Context.Strategy),
		zap.String("dir", cfg.Context.Dir))

	// 6. Build the Companion client and session pool
	client := companion.NewClient(cfg.Companion.URL, log)
	pool := session.NewPool(client, policyEngine, contextManager, eventBus,
		cfg.Session, cfg.Companion, log)

	// 7. Set up the HTTP server
	handler := server.NewHandler(cfg, pool, contextManager, version, log)
	router := server.NewRouter(handler, log)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		// Streaming responses outlive any fixed write budget.
		WriteTimeout: 0,
	}

	// 8. Start the server in a goroutine
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 9. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Companion bridge...")

	// 10. Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	pool.Shutdown()

	log.Info("Companion bridge stopped")
}
