package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/audio-relay/relay/internal/logging"
	"github.com/audio-relay/relay/internal/mock"
	"github.com/joho/godotenv"
)

func main() {
	url := flag.String("url", "ws://127.0.0.1:3002/ws", "WebSocket URL of the relay")
	token := flag.String("token", "", "Source token (defaults to RELAY_SOURCE_TOKEN)")
	chunk := flag.Duration("chunk", 100*time.Millisecond, "Audio chunk duration")
	tone := flag.Float64("tone", 440, "Tone frequency in Hz")
	sampleRate := flag.Int("rate", 16000, "Sample rate in Hz")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	logging.InitLogger(*logLevel, "text")

	if *token == "" {
		_ = godotenv.Load()
		*token = os.Getenv("RELAY_SOURCE_TOKEN")
	}
	if *token == "" {
		slog.Error("No source token: pass -token or set RELAY_SOURCE_TOKEN")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gen := mock.NewGenerator(mock.GeneratorConfig{
		SampleRate:    *sampleRate,
		ChunkDuration: *chunk,
		ToneHz:        *tone,
	}, nil)
	src := mock.NewSource(mock.SourceConfig{URL: *url, Token: *token}, gen, nil)

	if err := src.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Mock source stopped", "error", err)
		os.Exit(1)
	}
}
