package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/realtime-ai/presenced/internal/api"
	"github.com/realtime-ai/presenced/internal/auth"
	"github.com/realtime-ai/presenced/internal/config"
	"github.com/realtime-ai/presenced/internal/eventbus"
	"github.com/realtime-ai/presenced/internal/metadata"
	"github.com/realtime-ai/presenced/internal/observability"
	"github.com/realtime-ai/presenced/internal/presence"
	"github.com/realtime-ai/presenced/internal/rooms"
	"github.com/realtime-ai/presenced/internal/store"
	"github.com/realtime-ai/presenced/internal/utils"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize OpenTelemetry
	otelCleanup, err := observability.InitOpenTelemetry("presenced", "1.0.0")
	if err != nil {
		log.Fatalf("Failed to initialize OpenTelemetry: %v", err)
	}
	defer func() {
		if err := otelCleanup(context.Background()); err != nil {
			log.Printf("Error shutting down OpenTelemetry: %v", err)
		}
	}()

	// Initialize structured logger
	logger := utils.NewLogger(cfg.LogLevel)

	// Initialize the shared store (Redis)
	st, err := store.New(cfg.RedisURL)
	if err != nil {
		logger.Fatal(context.Background(), "Failed to initialize store: %v", err)
	}

	// Initialize the cluster event bus over the store's pub/sub
	bus := eventbus.New(st, logger, presence.RoomEventsPattern, metadata.MetaEventsPattern)

	// Initialize the presence engine
	registry := presence.NewRegistry(st.Client(), cfg.ConnTTL())
	index := presence.NewRoomIndex(st.Client())
	svc, err := presence.NewService(context.Background(), st, registry, index, bus, logger, presence.Options{
		ScriptedJoin:            cfg.ScriptedJoinEnabled,
		ScriptedHeartbeat:       cfg.ScriptedHeartbeatEnabled,
		HeartbeatBatcherEnabled: cfg.HeartbeatBatcherEnabled,
		HeartbeatBatchWindow:    cfg.HeartbeatBatchWindow(),
		HeartbeatMaxBatchSize:   cfg.HeartbeatMaxBatchSize,
	})
	if err != nil {
		logger.Fatal(context.Background(), "Failed to initialize presence service: %v", err)
	}

	// Initialize the channel metadata store
	meta := metadata.NewStore(st, bus, logger, metadata.StoreOptions{
		Transactional: cfg.TxMetadataEnabled,
		MaxRetries:    cfg.TxMetadataMaxRetries,
		RetryDelay:    cfg.TxMetadataRetryDelay(),
	})

	// Initialize and start the expiry reaper
	reaper, err := presence.NewReaper(svc, index, logger, cfg.ReaperInterval(), cfg.ReaperLookback(), cfg.ReaperConcurrency)
	if err != nil {
		logger.Fatal(context.Background(), "Failed to initialize reaper: %v", err)
	}
	reaper.Start()

	// Initialize the local socket hub and the event bridge feeding it
	hub := rooms.NewHub(logger)
	bridge := api.NewBridge(hub, svc, meta, logger)
	bridge.Start()

	// Initialize JWT manager
	jwtMgr, err := auth.NewJWTManager(cfg.JWTSecret)
	if err != nil {
		logger.Fatal(context.Background(), "Failed to initialize JWT manager: %v", err)
	}

	// Setup HTTP router
	router := api.NewRouter(st, svc, index, meta, hub, jwtMgr, cfg, logger)

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info(context.Background(), "Starting server on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(context.Background(), "Server error: %v", err)
		}
	}()

	// Graceful shutdown setup
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Block until a signal is received
	<-sigChan

	// Centralized graceful shutdown function
	gracefulShutdown(context.Background(), cfg, logger, server, reaper, svc, bridge, bus, hub, st, otelCleanup)

	logger.Info(context.Background(), "Application stopped.")
}

// gracefulShutdown handles the graceful shutdown of all components
func gracefulShutdown(ctx context.Context, cfg *config.Config, logger *utils.Logger, server *http.Server, reaper *presence.Reaper, svc *presence.Service, bridge *api.Bridge, bus *eventbus.Bus, hub *rooms.Hub, st *store.Store, otelCleanup func(context.Context) error) {
	logger.Info(ctx, "Shutting down server...")

	// Create a context with a timeout for shutdown operations
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer cancel()

	// 1. Shut down HTTP server (stops new upgrades, closes client sockets)
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "HTTP server shutdown error: %v", err)
	} else {
		logger.Info(ctx, "HTTP server stopped.")
	}

	// 2. Stop the reaper so no sweep races the teardown below
	reaper.Stop()
	logger.Info(ctx, "Reaper stopped.")

	// 3. Stop the presence service (drains the heartbeat batcher)
	svc.Close()
	logger.Info(ctx, "Presence service stopped.")

	// 4. Detach the event bridge from the bus
	bridge.Stop()
	logger.Info(ctx, "Event bridge stopped.")

	// 5. Close the event bus listener
	bus.Close()
	logger.Info(ctx, "Event bus closed.")

	// 6. Stop the socket hub
	hub.Stop()
	logger.Info(ctx, "Socket hub stopped.")

	// 7. Close the shared store connection
	if err := st.Close(); err != nil {
		logger.Error(ctx, "Store close error: %v", err)
	} else {
		logger.Info(ctx, "Store connection closed.")
	}

	// 8. Shutdown OpenTelemetry
	if otelCleanup != nil {
		if err := otelCleanup(shutdownCtx); err != nil {
			logger.Error(ctx, "OpenTelemetry shutdown error: %v", err)
		} else {
			logger.Info(ctx, "OpenTelemetry shut down.")
		}
	}

	logger.Info(ctx, "Graceful shutdown complete.")
}
