package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/audio-relay/relay/internal/logging"
	"github.com/audio-relay/relay/internal/metrics"
	"golang.org/x/time/rate"
)

// Options tune the router. Zero values fall back to defaults.
type Options struct {
	// LogRate limits per-connection anomaly logging (listener chatter,
	// unparseable source payloads), in log lines per second.
	LogRate  rate.Limit
	LogBurst int
}

const (
	defaultLogRate  = rate.Limit(1)
	defaultLogBurst = 5
)

// Router routes frames between sessions according to their role. It owns no
// state beyond the registry it was given and a count of live sessions.
type Router struct {
	registry *Registry
	opts     Options
	sessions sync.WaitGroup
}

func NewRouter(registry *Registry, opts Options) *Router {
	if opts.LogRate <= 0 {
		opts.LogRate = defaultLogRate
	}
	if opts.LogBurst <= 0 {
		opts.LogBurst = defaultLogBurst
	}
	return &Router{registry: registry, opts: opts}
}

func (rt *Router) Registry() *Registry {
	return rt.registry
}

// Attach registers conn under role and returns the session the transport
// must feed. After Shutdown it fails with ErrRegistryClosed and the caller
// owns closing conn.
func (rt *Router) Attach(conn Conn, role Role) (*Session, error) {
	s := newSession(rt, conn, role)

	// Counted before the conn becomes visible to Drain, so Wait never misses
	// a session that Shutdown closed.
	rt.sessions.Add(1)

	switch role {
	case RoleSource:
		evicted, err := rt.registry.RegisterSource(conn)
		if err != nil {
			rt.sessions.Done()
			return nil, fmt.Errorf("register source %s: %w", conn.ID(), err)
		}
		if evicted != nil {
			s.log.Warn("New source connection replacing old one", "evicted_conn_id", evicted.ID())
		}
		s.log.Info("Audio source connected")

	default:
		_, err := rt.registry.AddListener(conn, func(sourceLive bool) {
			rt.greet(s, sourceLive)
		})
		if err != nil {
			rt.sessions.Done()
			return nil, fmt.Errorf("add listener %s: %w", conn.ID(), err)
		}
		s.log.Info("Listener connected", "total", rt.registry.ListenerCount())
	}

	metrics.ConnectionsTotal.WithLabelValues(role.String()).Inc()
	return s, nil
}

func (rt *Router) greet(s *Session, sourceLive bool) {
	rt.sendStatus(s.conn, EventServerHello)
	if !sourceLive {
		rt.sendStatus(s.conn, EventSourceDisconnected)
	}
}

func (rt *Router) sendStatus(conn Conn, ev EventType) {
	if err := conn.Send(statusPayload(ev)); err != nil {
		slog.Debug("Status event not delivered", "conn_id", conn.ID(), "event", string(ev), "error", err)
		return
	}
	metrics.StatusEventsTotal.WithLabelValues(string(ev)).Inc()
}

// Broadcast enqueues p to every open listener and returns how many accepted
// it. Failures are isolated per listener.
func (rt *Router) Broadcast(p Payload) int {
	n, _ := rt.fanout(p, func(fn func(Conn)) bool {
		rt.registry.ForEachOpenListener(fn)
		return true
	})
	return n
}

// Forward is Broadcast on behalf of src. Nothing is sent, and ok is false,
// unless src is the current live source at the moment of fan-out.
func (rt *Router) Forward(src Conn, p Payload) (delivered int, ok bool) {
	return rt.fanout(p, func(fn func(Conn)) bool {
		return rt.registry.ForEachOpenListenerFrom(src, fn)
	})
}

func (rt *Router) fanout(p Payload, each func(func(Conn)) bool) (int, bool) {
	start := time.Now()
	delivered, dropped := 0, 0

	ok := each(func(conn Conn) {
		if err := conn.Send(p); err != nil {
			dropped++
			slog.Debug("Dropped payload for listener", "conn_id", conn.ID(), "error", err)
			return
		}
		delivered++
	})
	if !ok {
		return 0, false
	}

	metrics.FanoutDuration.Observe(time.Since(start).Seconds())
	metrics.DeliveriesTotal.WithLabelValues("sent").Add(float64(delivered))
	if dropped > 0 {
		metrics.DeliveriesTotal.WithLabelValues("dropped").Add(float64(dropped))
	}
	return delivered, true
}

// releaseSource clears the slot if conn still holds it and, in the same
// critical section, tells every open listener the source is gone. A source
// that was already replaced or drained announces nothing.
func (rt *Router) releaseSource(conn Conn) (cleared bool, notified int) {
	cleared = rt.registry.releaseSource(conn, func(l Conn) {
		if err := l.Send(sourceDisconnectedPayload); err != nil {
			slog.Debug("Status event not delivered", "conn_id", l.ID(), "event", string(EventSourceDisconnected), "error", err)
			return
		}
		notified++
	})
	if notified > 0 {
		metrics.StatusEventsTotal.WithLabelValues(string(EventSourceDisconnected)).Add(float64(notified))
	}
	return cleared, notified
}

// Shutdown closes every tracked connection with 1000 "Server shutting down"
// and refuses further registrations. Individual close failures are logged and
// skipped. It returns the number of connections it closed.
func (rt *Router) Shutdown() int {
	conns := rt.registry.Drain()
	closed := 0
	for _, conn := range conns {
		if err := conn.Close(CloseNormal, ReasonShutdown); err != nil && !errors.Is(err, ErrConnClosed) {
			logging.WithError(err).Warn("Closing connection during shutdown failed", "conn_id", conn.ID())
			continue
		}
		closed++
	}
	slog.Info("Relay drained", "connections", len(conns), "closed", closed)
	return closed
}

// Wait blocks until every attached session has finished its cleanup or ctx
// is done.
func (rt *Router) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		rt.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
