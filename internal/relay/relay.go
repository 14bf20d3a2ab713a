// Package relay implements the single-source, multi-listener fan-out core.
//
// A Registry owns the source slot and the listener set behind one mutex. The
// Router classifies nothing itself: the transport asks the Classifier for a
// Role, then hands the connection to Router.Attach, which returns a Session
// that the transport feeds with inbound frames and the terminal close/error
// event. Payloads are opaque; the relay only synthesizes the two status events
// in events.go.
package relay

import (
	"errors"
	"fmt"
)

// Close codes and reasons sent by the relay.
const (
	CloseNormal = 1000

	ReasonNewSource = "New source connected"
	ReasonShutdown  = "Server shutting down"
)

var (
	// ErrConnClosed is returned by Conn.Send once the connection left the open state.
	ErrConnClosed = errors.New("connection closed")
	// ErrSendQueueFull is returned by Conn.Send when the writer cannot keep up.
	ErrSendQueueFull = errors.New("send queue full")
	// ErrRegistryClosed is returned when registering after shutdown began.
	ErrRegistryClosed = errors.New("registry closed")
)

// Role is the classification of an accepted connection.
type Role int

const (
	RoleListener Role = iota
	RoleSource
)

func (r Role) String() string {
	switch r {
	case RoleSource:
		return "source"
	case RoleListener:
		return "listener"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Payload is one frame as it travels through the relay. Data is never parsed
// for routing; Binary records the frame kind it arrived in so it leaves the
// same way.
type Payload struct {
	Data   []byte
	Binary bool
}

// TextPayload wraps data as a text frame.
func TextPayload(data []byte) Payload {
	return Payload{Data: data}
}

// Conn is the relay's view of a bidirectional connection. Implementations
// must make Send and Close safe for concurrent use and must never block on
// network I/O inside either.
type Conn interface {
	ID() string
	RemoteAddr() string
	Send(p Payload) error
	// Close moves the connection out of the open state before returning and
	// schedules a close frame with the given code and reason.
	Close(code int, reason string) error
	Open() bool
}
