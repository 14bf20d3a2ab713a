package relay

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/audio-relay/relay/internal/logging"
	"github.com/audio-relay/relay/internal/metrics"
	"golang.org/x/time/rate"
)

// SessionState is the lifecycle position of one connection. Transitions only
// move forward: Open -> Closed or Open -> Errored -> Closed.
type SessionState int32

const (
	StateOpen SessionState = iota
	StateErrored
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateErrored:
		return "errored"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session binds one connection to its role. The transport calls
// HandleMessage for each inbound frame and exactly one of HandleClose or
// HandleError when the connection ends; extra terminal calls are ignored.
type Session struct {
	router  *Router
	conn    Conn
	role    Role
	log     *slog.Logger
	limiter *rate.Limiter

	state   atomic.Int32
	cleanup sync.Once
}

func newSession(rt *Router, conn Conn, role Role) *Session {
	return &Session{
		router:  rt,
		conn:    conn,
		role:    role,
		log:     logging.WithConn(conn.ID(), role.String(), conn.RemoteAddr()),
		limiter: rate.NewLimiter(rt.opts.LogRate, rt.opts.LogBurst),
	}
}

func (s *Session) Conn() Conn          { return s.conn }
func (s *Session) Role() Role          { return s.role }
func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

// HandleMessage processes one inbound frame. Source frames are fanned out
// unmodified while the connection still holds the source slot; listener
// frames are logged and dropped.
func (s *Session) HandleMessage(p Payload) {
	if s.State() != StateOpen {
		return
	}

	if s.role == RoleSource {
		if _, ok := s.router.Forward(s.conn, p); !ok {
			// Replaced or closing; its remaining frames belong to no stream.
			metrics.StaleSourceFramesTotal.Inc()
			if s.limiter.Allow() {
				s.log.Debug("Dropping frame from source that no longer holds the slot")
			}
			return
		}

		typ, ok := peekType(p)
		if !ok {
			metrics.MalformedPayloadsTotal.Inc()
			typ = "unparsed"
			if s.limiter.Allow() {
				s.log.Warn("Forwarded unparseable payload from source", "bytes", len(p.Data))
			}
		}
		metrics.SourceMessagesTotal.WithLabelValues(typ).Inc()
		return
	}

	metrics.ListenerMessagesTotal.Inc()
	if s.limiter.Allow() {
		s.log.Info("Received message from listener", "bytes", len(p.Data), "message", truncate(p.Data, 256))
	}
}

// HandleClose is the normal termination path.
func (s *Session) HandleClose(code int, reason string) {
	s.finish(func() {
		s.log.Info("Connection closed", "code", code, "reason", reason)
	})
}

// HandleError records a transport failure and then runs the same cleanup as a
// close. Errors are never retried.
func (s *Session) HandleError(err error) {
	s.state.CompareAndSwap(int32(StateOpen), int32(StateErrored))
	s.finish(func() {
		metrics.ConnectionErrorsTotal.WithLabelValues(s.role.String()).Inc()
		s.log.Error("Connection error", "error", err)
	})
}

func (s *Session) finish(logFn func()) {
	s.cleanup.Do(func() {
		logFn()

		switch s.role {
		case RoleSource:
			if cleared, n := s.router.releaseSource(s.conn); cleared {
				s.log.Info("Audio source disconnected", "notified_listeners", n)
			}
		default:
			s.router.registry.RemoveListener(s.conn)
			s.log.Info("Listener disconnected", "total", s.router.registry.ListenerCount())
		}

		s.state.Store(int32(StateClosed))
		s.router.sessions.Done()
	})
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
