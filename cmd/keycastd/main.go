package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/quillhaven/keycast/internal/config"
	"github.com/quillhaven/keycast/internal/directory"
	"github.com/quillhaven/keycast/internal/identity"
	"github.com/quillhaven/keycast/internal/keygen"
	"github.com/quillhaven/keycast/internal/metrics"
	"github.com/quillhaven/keycast/internal/server"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	if err := godotenv.Load(); err != nil {
		log.Info("No .env file found, using environment variables")
	}

	cfg := config.LoadConfig()

	dir, err := directory.Open(cfg.DatabaseURL, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetimeMin)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to user directory database")
	}
	defer dir.Close()

	// Redis is an optimization; the daemon runs without it on a local
	// per-process cache.
	var cache identity.CacheRepository
	if client, err := identity.Connect(cfg.RedisURL, cfg.RedisPassword); err != nil {
		log.WithError(err).Warn("Redis unavailable, falling back to in-process identity cache")
	} else {
		cache = identity.NewRedisCache(client)
		defer client.Close()
	}

	m := metrics.New()
	verifier := identity.NewVerifier([]byte(cfg.JWTSecret), dir, cache, log)
	registry := server.NewRegistry()
	gen := keygen.New(cfg.KeyBaseSecret, cfg.KeyPepper, cfg.KeyWindow)
	broadcaster := server.NewBroadcaster(gen, registry, m, log)
	handler := server.NewHandler(registry, verifier, broadcaster, m, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go broadcaster.Run(ctx, server.DefaultTick)

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: server.EnableCORS(server.NewRouter(handler, m), cfg.AllowedOrigins),
	}

	go func() {
		log.WithField("port", cfg.Port).Info("Key broadcast server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Server error")
		}
	}()

	<-ctx.Done()
	log.Info("Server is shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
	}

	log.Info("Server exited gracefully")
}
