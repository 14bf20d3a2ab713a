package relay

import (
	"log/slog"
	"sync"

	"github.com/audio-relay/relay/internal/metrics"
)

// Registry tracks the single source slot and the listener set. Every
// mutation and every fan-out iteration takes mu, so registration, cleanup and
// broadcast never interleave.
type Registry struct {
	mu        sync.Mutex
	source    Conn
	listeners map[Conn]struct{}
	closed    bool
}

func NewRegistry() *Registry {
	return &Registry{
		listeners: make(map[Conn]struct{}),
	}
}

// RegisterSource installs conn as the source. An open previous source is
// closed before the slot is overwritten and returned as evicted.
func (r *Registry) RegisterSource(conn Conn) (evicted Conn, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}

	if old := r.source; old != nil && old != conn && old.Open() {
		if err := old.Close(CloseNormal, ReasonNewSource); err != nil {
			slog.Debug("Closing evicted source failed", "conn_id", old.ID(), "error", err)
		}
		evicted = old
		metrics.SourceEvictionsTotal.Inc()
	}

	r.source = conn
	metrics.SourceConnected.Set(1)
	return evicted, nil
}

// UnregisterSource clears the slot only if it still holds conn, so a late
// close event from an evicted source cannot clobber its replacement.
func (r *Registry) UnregisterSource(conn Conn) bool {
	return r.releaseSource(conn, nil)
}

// releaseSource is UnregisterSource that, when the slot was cleared, also
// visits every open listener under the same lock.
func (r *Registry) releaseSource(conn Conn, notify func(Conn)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.source == nil || r.source != conn {
		return false
	}
	r.source = nil
	metrics.SourceConnected.Set(0)

	if notify != nil {
		r.forEachOpenListenerLocked(notify)
	}
	return true
}

// AddListener inserts conn into the listener set. greet runs under the lock
// before insertion with the current source liveness, so nothing broadcast
// concurrently can reach conn ahead of its greeting. Adding a member twice is
// a no-op and does not greet again.
func (r *Registry) AddListener(conn Conn, greet func(sourceLive bool)) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false, ErrRegistryClosed
	}
	if _, ok := r.listeners[conn]; ok {
		return false, nil
	}

	if greet != nil {
		greet(r.sourceLiveLocked())
	}
	r.listeners[conn] = struct{}{}
	metrics.ListenersCurrent.Set(float64(len(r.listeners)))
	return true, nil
}

// RemoveListener deletes conn from the listener set. Idempotent.
func (r *Registry) RemoveListener(conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.listeners[conn]; !ok {
		return false
	}
	delete(r.listeners, conn)
	metrics.ListenersCurrent.Set(float64(len(r.listeners)))
	return true
}

func (r *Registry) CurrentSource() Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.source
}

func (r *Registry) IsSourceLive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sourceLiveLocked()
}

func (r *Registry) sourceLiveLocked() bool {
	return r.source != nil && r.source.Open()
}

func (r *Registry) ListenerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners)
}

// ForEachOpenListener calls fn for every listener whose connection is open,
// holding the registry lock for the whole loop. fn must not block and must not
// call back into the registry.
func (r *Registry) ForEachOpenListener(fn func(Conn)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forEachOpenListenerLocked(fn)
}

// ForEachOpenListenerFrom is ForEachOpenListener gated on src still holding
// the source slot. It reports false, without calling fn, when src has been
// replaced, released or closed.
func (r *Registry) ForEachOpenListenerFrom(src Conn, fn func(Conn)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if src == nil || r.source != src || !src.Open() {
		return false
	}
	r.forEachOpenListenerLocked(fn)
	return true
}

func (r *Registry) forEachOpenListenerLocked(fn func(Conn)) {
	for conn := range r.listeners {
		if !conn.Open() {
			continue
		}
		fn(conn)
	}
}

// Drain closes the registry to new registrations and hands back every tracked
// connection, source first. The slot and the set are emptied.
func (r *Registry) Drain() []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true

	conns := make([]Conn, 0, len(r.listeners)+1)
	if r.source != nil {
		conns = append(conns, r.source)
		r.source = nil
	}
	for conn := range r.listeners {
		conns = append(conns, conn)
	}
	r.listeners = make(map[Conn]struct{})

	metrics.SourceConnected.Set(0)
	metrics.ListenersCurrent.Set(0)
	return conns
}

// Closed reports whether Drain has run.
func (r *Registry) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
