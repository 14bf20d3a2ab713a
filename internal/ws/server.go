package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/audio-relay/relay/internal/config"
	"github.com/audio-relay/relay/internal/logging"
	"github.com/audio-relay/relay/internal/metrics"
	"github.com/audio-relay/relay/internal/procstats"
	"github.com/audio-relay/relay/internal/relay"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server accepts WebSocket upgrades, classifies each connection and hands it
// to the relay router. It also serves the listener page and diagnostics.
type Server struct {
	router         *relay.Router
	classifier     relay.Classifier
	connOpts       ConnOptions
	frontend       http.Handler
	stats          *procstats.Sampler
	clock          clockwork.Clock
	startedAt      time.Time
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	upgrader       websocket.Upgrader

	shuttingDown atomic.Bool
	httpSrv      *http.Server
}

// NewServer wires the transport. frontend may be nil, in which case plain
// GET / answers 404. clock may be nil.
func NewServer(cfg *config.Config, router *relay.Router, frontend http.Handler, clock clockwork.Clock) *Server {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	s := &Server{
		router:     router,
		classifier: relay.NewClassifier(cfg.Relay.SourceToken),
		connOpts: ConnOptions{
			SendQueueSize:  cfg.Relay.SendQueueSize,
			WriteTimeout:   cfg.Relay.WriteTimeout,
			PingInterval:   cfg.Relay.PingInterval,
			PongTimeout:    cfg.Relay.PongTimeout,
			CloseGrace:     cfg.Relay.CloseGrace,
			MaxMessageSize: cfg.Relay.MaxMessageSize,
			Clock:          clock,
		},
		frontend:       frontend,
		stats:          procstats.NewSampler(),
		clock:          clock,
		startedAt:      clock.Now(),
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
	}

	for _, origin := range cfg.Relay.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	s.httpSrv = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Routes builds the HTTP handler. Upgrade routes skip the request logger so
// the hijacked connection is not reported as a finished request.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.handleWS)
	r.Get("/", s.handleRoot)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Logger)
		r.Use(securityHeaders)

		r.Get("/healthz", s.handleHealth)
		r.Get("/api/stats", s.handleStats)
		r.Handle("/metrics", promhttp.Handler())
		if s.frontend != nil {
			r.Handle("/*", s.frontend)
		}
	})
	return r
}

// ListenAndServe blocks until the server stops. It returns nil after a
// graceful Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

func (s *Server) Serve(ln net.Listener) error {
	slog.Info("Relay listening", "addr", ln.Addr().String())
	if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown closes every relay connection with 1000 "Server shutting down",
// refuses further upgrades, stops the listener and waits for connection
// goroutines to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shuttingDown.Store(true)
	s.router.Shutdown()

	err := s.httpSrv.Shutdown(ctx)
	if waitErr := s.router.Wait(ctx); waitErr != nil && err == nil {
		err = waitErr
	}
	return err
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.handleWS(w, r)
		return
	}
	if s.frontend == nil {
		http.NotFound(w, r)
		return
	}
	securityHeaders(s.frontend).ServeHTTP(w, r)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		metrics.WebSocketUpgradeRejections.WithLabelValues("shutting_down").Inc()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	role := s.classifier.ClassifyRequest(r)

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		metrics.WebSocketUpgradeRejections.WithLabelValues("upgrade_failed").Inc()
		slog.Debug("WebSocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	conn := newConn(wsConn, r.RemoteAddr, s.connOpts)
	started := time.Now()
	defer func() {
		metrics.WebSocketConnectionDuration.WithLabelValues(role.String()).Observe(time.Since(started).Seconds())
	}()

	session, err := s.router.Attach(conn, role)
	if err != nil {
		// Shutdown won the race against this upgrade.
		metrics.WebSocketUpgradeRejections.WithLabelValues("shutting_down").Inc()
		logging.WithConn(conn.ID(), role.String(), conn.RemoteAddr()).Info("Refusing connection", "error", err)
		_ = conn.Close(relay.CloseNormal, relay.ReasonShutdown)
		conn.Serve(discard{})
		return
	}

	conn.Serve(session)
}

type statsResponse struct {
	Listeners     int                 `json:"listeners"`
	SourceLive    bool                `json:"source_live"`
	UptimeSeconds float64             `json:"uptime_seconds"`
	Process       *procstats.Snapshot `json:"process,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	reg := s.router.Registry()
	resp := statsResponse{
		Listeners:     reg.ListenerCount(),
		SourceLive:    reg.IsSourceLive(),
		UptimeSeconds: s.clock.Since(s.startedAt).Seconds(),
	}

	snap, err := s.stats.Sample(r.Context())
	if err != nil {
		slog.Debug("Process stats unavailable", "error", err)
	} else {
		resp.Process = &snap
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.shuttingDown.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

// checkOrigin admits any origin when no allow-list is configured; listeners
// are public and non-browser clients send no Origin at all.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.allowedOrigins) == 0 {
		return true
	}
	if s.allowedOrigins[origin] {
		return true
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	return s.allowedHosts[parsed.Host] || parsed.Host == r.Host
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

// discard drains a connection that was refused after the upgrade.
type discard struct{}

func (discard) HandleMessage(relay.Payload) {}
func (discard) HandleClose(int, string)     {}
func (discard) HandleError(error)           {}
