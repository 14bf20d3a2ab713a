package ws

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/audio-relay/relay/internal/metrics"
	"github.com/audio-relay/relay/internal/relay"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

const (
	connOpen int32 = iota
	connClosing
	connClosed
)

// ConnOptions bound the resources one connection may hold.
type ConnOptions struct {
	SendQueueSize  int
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	PongTimeout    time.Duration
	CloseGrace     time.Duration
	MaxMessageSize int64
	// Clock drives the ping ticker. Socket deadlines always use wall time.
	Clock clockwork.Clock
}

func (o ConnOptions) withDefaults() ConnOptions {
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = 256
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 60 * time.Second
	}
	if o.CloseGrace <= 0 {
		o.CloseGrace = 2 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	return o
}

// Handler receives the inbound side of a connection. relay.Session
// implements it.
type Handler interface {
	HandleMessage(p relay.Payload)
	HandleClose(code int, reason string)
	HandleError(err error)
}

type closeFrame struct {
	code   int
	reason string
}

// Conn adapts a gorilla connection to relay.Conn. A single writer goroutine
// owns all data and ping writes; Send only enqueues, so a stalled peer fills
// its own queue and nothing else.
type Conn struct {
	id         string
	remoteAddr string
	ws         *websocket.Conn
	opts       ConnOptions

	send       chan relay.Payload
	closeReq   chan closeFrame
	done       chan struct{}
	writerDone chan struct{}

	state      atomic.Int32
	sentClose  atomic.Pointer[closeFrame]
	finishOnce sync.Once
}

func newConn(ws *websocket.Conn, remoteAddr string, opts ConnOptions) *Conn {
	opts = opts.withDefaults()
	c := &Conn{
		id:         uuid.NewString(),
		remoteAddr: remoteAddr,
		ws:         ws,
		opts:       opts,
		send:       make(chan relay.Payload, opts.SendQueueSize),
		closeReq:   make(chan closeFrame, 1),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	go c.writePump()
	return c
}

func (c *Conn) ID() string         { return c.id }
func (c *Conn) RemoteAddr() string { return c.remoteAddr }
func (c *Conn) Open() bool         { return c.state.Load() == connOpen }

// Send enqueues p without blocking.
func (c *Conn) Send(p relay.Payload) error {
	if !c.Open() {
		return relay.ErrConnClosed
	}
	select {
	case c.send <- p:
		return nil
	default:
		return relay.ErrSendQueueFull
	}
}

// Close leaves the open state immediately and hands the close frame to the
// writer. Frames still queued are discarded.
func (c *Conn) Close(code int, reason string) error {
	if !c.state.CompareAndSwap(connOpen, connClosing) {
		return relay.ErrConnClosed
	}
	c.closeReq <- closeFrame{code: code, reason: reason}
	return nil
}

func (c *Conn) writePump() {
	ticker := c.opts.Clock.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	defer close(c.writerDone)

	for {
		// A pending close wins over queued data.
		select {
		case cf := <-c.closeReq:
			c.writeClose(cf)
			return
		default:
		}

		select {
		case cf := <-c.closeReq:
			c.writeClose(cf)
			return
		case p := <-c.send:
			if err := c.write(p); err != nil {
				metrics.WebSocketWriteErrors.Inc()
				c.abort()
				return
			}
		case <-ticker.Chan():
			c.setWriteDeadline()
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				metrics.WebSocketPingFailures.Inc()
				c.abort()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) write(p relay.Payload) error {
	mt := websocket.TextMessage
	if p.Binary {
		mt = websocket.BinaryMessage
	}
	c.setWriteDeadline()
	return c.ws.WriteMessage(mt, p.Data)
}

// writeClose sends the close frame and gives the peer CloseGrace to answer
// before the reader gives up.
func (c *Conn) writeClose(cf closeFrame) {
	c.sentClose.Store(&cf)
	c.setWriteDeadline()
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(cf.code, cf.reason))
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.CloseGrace))
}

// abort tears the socket down after a write failure; the reader then fails
// and reports the error.
func (c *Conn) abort() {
	c.state.CompareAndSwap(connOpen, connClosing)
	_ = c.ws.Close()
}

func (c *Conn) setWriteDeadline() {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
}

// Serve runs the read loop until the connection ends, feeding h. It reports
// exactly one terminal event and releases the socket before returning.
func (c *Conn) Serve(h Handler) {
	defer c.finish()

	c.ws.SetReadLimit(c.opts.MaxMessageSize)
	c.extendReadDeadline()
	c.ws.SetPongHandler(func(string) error {
		if c.Open() {
			c.extendReadDeadline()
		}
		return nil
	})

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			c.reportEnd(h, err)
			return
		}
		if c.Open() {
			c.extendReadDeadline()
		}

		switch mt {
		case websocket.TextMessage:
			h.HandleMessage(relay.Payload{Data: data})
		case websocket.BinaryMessage:
			h.HandleMessage(relay.Payload{Data: data, Binary: true})
		}
	}
}

func (c *Conn) extendReadDeadline() {
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
}

func (c *Conn) reportEnd(h Handler, err error) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		h.HandleClose(ce.Code, ce.Text)
		return
	}

	// We started the close handshake and the peer never answered, or it
	// dropped the socket after reading our frame.
	if cf := c.sentClose.Load(); cf != nil && isTerminalReadError(err) {
		h.HandleClose(cf.code, cf.reason)
		return
	}

	h.HandleError(err)
}

func isTerminalReadError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, net.ErrClosed)
}

func (c *Conn) finish() {
	c.finishOnce.Do(func() {
		c.state.Store(connClosed)
		close(c.done)
		<-c.writerDone
		_ = c.ws.Close()
	})
}
