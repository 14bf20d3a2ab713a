package mock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

// SourceConfig describes how to reach the relay.
type SourceConfig struct {
	URL   string
	Token string
	// MaxAttempts bounds dial retries per connection; 0 means 5.
	MaxAttempts    int
	InitialBackoff time.Duration
	WriteTimeout   time.Duration
}

// Source streams a Generator's frames to the relay with the bearer token, so
// the relay classifies it as the audio source.
type Source struct {
	cfg   SourceConfig
	gen   *Generator
	clock clockwork.Clock
	log   *slog.Logger
}

func NewSource(cfg SourceConfig, gen *Generator, clock clockwork.Clock) *Source {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Source{cfg: cfg, gen: gen, clock: clock, log: slog.Default().With("component", "mock_source")}
}

// Dial connects with exponential backoff.
func (s *Source) Dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.cfg.Token)

	backoff := s.cfg.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.cfg.URL, header)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if attempt == s.cfg.MaxAttempts {
			break
		}
		s.log.Warn("Relay connection failed, retrying", "attempt", attempt, "max_attempts", s.cfg.MaxAttempts, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.clock.After(backoff):
			backoff *= 2
		}
	}
	return nil, fmt.Errorf("dial %s after %d attempts: %w", s.cfg.URL, s.cfg.MaxAttempts, lastErr)
}

// Run streams until ctx ends. When the relay closes the connection (for
// example because another source took over) Run returns the close error.
func (s *Source) Run(ctx context.Context) error {
	conn, err := s.Dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	s.log.Info("Connected to relay as source", "url", s.cfg.URL)

	// Reading is needed to process pings and the relay's close frame.
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				readErr <- err
				return
			}
		}
	}()

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	streamErr := make(chan error, 1)
	go func() {
		streamErr <- s.gen.Run(streamCtx, func(frame []byte) error {
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			return conn.WriteMessage(websocket.TextMessage, frame)
		})
	}()

	select {
	case <-ctx.Done():
		cancel()
		<-streamErr
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return nil
	case err := <-readErr:
		cancel()
		<-streamErr
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			s.log.Info("Relay closed the source connection", "code", ce.Code, "reason", ce.Text)
		}
		return err
	case err := <-streamErr:
		return err
	}
}
