package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/audio-relay/relay/internal/config"
	"github.com/audio-relay/relay/internal/frontend"
	"github.com/audio-relay/relay/internal/logging"
	"github.com/audio-relay/relay/internal/relay"
	"github.com/audio-relay/relay/internal/ws"
	"golang.org/x/time/rate"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	flag.Parse()

	// A config path given explicitly must exist; the default is optional.
	required := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			required = true
		}
	})

	cfg, err := config.Load(*configPath, required)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	if *port > 0 {
		cfg.Server.Port = *port
		if err := cfg.Validate(); err != nil {
			slog.Error("Invalid port", "error", err)
			os.Exit(1)
		}
	}

	logging.InitLogger(cfg.Log.Level, cfg.Log.Format)

	registry := relay.NewRegistry()
	router := relay.NewRouter(registry, relay.Options{
		LogRate: rate.Limit(cfg.Relay.ListenerLogRate),
	})
	server := ws.NewServer(cfg, router, frontend.Handler(), nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
	}

	slog.Info("Shutting down relay", "timeout", cfg.Shutdown.Timeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.Timeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Shutdown did not complete cleanly", "error", err)
	}
	if err := <-serveErr; err != nil {
		slog.Warn("Server stopped with error", "error", err)
	}
	slog.Info("Relay stopped")
}
