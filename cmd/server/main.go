package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"queuedeck/server/internal/app"
	"queuedeck/server/internal/config"
	"queuedeck/server/internal/session"
	"queuedeck/server/internal/slice"
	"queuedeck/server/internal/store"
)

// queueSyncInterval is how often each slice authority polls the persisted
// queue for writes made by other processes.
const queueSyncInterval = 5 * time.Second

func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.Migrate(ctx, db); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}
	dataStore := store.NewPostgresStore(db)

	sessions, err := session.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer sessions.Close()

	service := app.NewService(dataStore, sessions, cfg.TokenSecret, cfg.AccessTTL)
	if cfg.AdminUser != "" && cfg.AdminPassword != "" {
		if err := service.EnsureUser(ctx, cfg.AdminUser, "admin", cfg.AdminPassword); err != nil {
			log.Printf("WARNING: admin bootstrap failed (will retry on next restart): %v", err)
		}
	}

	registry := slice.NewRegistry(dataStore, service.Perms(), cfg.DisconnectGrace)
	go registry.RunAll(ctx, queueSyncInterval)

	httpServer := app.NewHTTPServer(service, registry, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("queuedeck listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
