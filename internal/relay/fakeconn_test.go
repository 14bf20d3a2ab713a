package relay

import (
	"fmt"
	"sync"
	"sync/atomic"
)

type closeCall struct {
	code   int
	reason string
}

// fakeConn records everything the relay does to a connection.
type fakeConn struct {
	id      string
	open    atomic.Bool
	sendErr error

	mu     sync.Mutex
	sent   []Payload
	closes []closeCall
}

var fakeSeq atomic.Int64

func newFakeConn() *fakeConn {
	c := &fakeConn{id: fmt.Sprintf("fake-%d", fakeSeq.Add(1))}
	c.open.Store(true)
	return c
}

func (c *fakeConn) ID() string         { return c.id }
func (c *fakeConn) RemoteAddr() string { return "127.0.0.1:0" }
func (c *fakeConn) Open() bool         { return c.open.Load() }

func (c *fakeConn) Send(p Payload) error {
	if !c.Open() {
		return ErrConnClosed
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, p)
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	if !c.open.CompareAndSwap(true, false) {
		return ErrConnClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes = append(c.closes, closeCall{code: code, reason: reason})
	return nil
}

// kill simulates the peer vanishing without the relay closing it.
func (c *fakeConn) kill() {
	c.open.Store(false)
}

func (c *fakeConn) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	for i, p := range c.sent {
		out[i] = string(p.Data)
	}
	return out
}

func (c *fakeConn) closeCalls() []closeCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]closeCall(nil), c.closes...)
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = nil
}

const (
	helloJSON        = `{"type":"server_hello"}`
	disconnectedJSON = `{"type":"source_disconnected"}`
)
