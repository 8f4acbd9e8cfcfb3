package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/smilemakc/alphred/internal/api"
	"github.com/smilemakc/alphred/internal/config"
	"github.com/smilemakc/alphred/internal/logging"
	"github.com/smilemakc/alphred/internal/scheduler"
	"github.com/smilemakc/alphred/internal/storage"
	"github.com/smilemakc/alphred/internal/ws"
)

func main() {
	var (
		port       = flag.String("port", "", "server port (overrides config)")
		enableCORS = flag.Bool("cors", true, "enable CORS")
		apiKeys    = flag.String("api-keys", "", "comma-separated API keys for authentication")
	)
	flag.Parse()

	cfg := config.Load()
	if *port != "" {
		cfg.Port = *port
	}
	if *apiKeys != "" {
		cfg.APIKeys = splitNonEmpty(*apiKeys)
	}

	log := logging.New(cfg.LogLevel)
	log.Info().
		Str("port", cfg.Port).
		Bool("cors", *enableCORS).
		Msg("starting alphred workflow tree executor")

	store := storage.NewBunStore(cfg.DatabaseDSN)

	ctx := context.Background()
	if err := store.InitSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database schema")
	}
	log.Info().Msg("database schema initialized")

	executor := scheduler.NewExecutor(store, log, cfg.AdvanceCASRetries)
	hub := ws.NewHub(log)

	srv := api.NewServer(store, executor, hub, log, api.ServerConfig{
		EnableCORS: *enableCORS,
		JWTSecret:  cfg.SchedulerJWTSecret,
		APIKeys:    cfg.APIKeys,
	})

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("address", httpServer.Addr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
		os.Exit(1)
	}
	_ = store.Close()
	log.Info().Msg("server exited gracefully")
}

func splitNonEmpty(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
