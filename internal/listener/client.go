// Package listener is a relay client that connects without credentials and
// turns relayed frames into Bubble Tea messages.
package listener

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
)

const (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
	writeTimeout       = 10 * time.Second
	// The relay pings every 30s by default.
	readTimeout = 90 * time.Second
)

var errNotConnected = errors.New("not connected")

// Client manages the listener connection and reconnects when it drops.
type Client struct {
	url string

	mu    sync.Mutex
	conn  *websocket.Conn
	delay time.Duration

	baseDelay time.Duration
	maxDelay  time.Duration
}

func NewClient(url string) *Client {
	return &Client{url: url, baseDelay: reconnectBaseDelay, maxDelay: reconnectMaxDelay}
}

// --- Bubble Tea messages ---

// ConnectedMsg is sent when the connection is established.
type ConnectedMsg struct{}

// DisconnectedMsg is sent when the connection drops.
type DisconnectedMsg struct{ Err error }

// HelloMsg is the relay's greeting.
type HelloMsg struct{}

// SourceLostMsg reports that no source is streaming.
type SourceLostMsg struct{}

// AudioMsg is one audio chunk. Bytes is the decoded PCM size when the chunk
// carries base64 data, otherwise the raw frame size.
type AudioMsg struct {
	Bytes      int
	SampleRate int
}

// TranscriptMsg is a transcription line.
type TranscriptMsg struct {
	Text  string
	Final bool
}

// FrameMsg is any other frame.
type FrameMsg struct {
	Type   string
	Size   int
	Binary bool
}

// Listen returns a command that dials with exponential backoff and reports
// ConnectedMsg once a connection is up.
func (c *Client) Listen(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		for {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
			if err == nil {
				c.mu.Lock()
				c.conn = conn
				c.delay = 0
				c.mu.Unlock()
				return ConnectedMsg{}
			}

			delay := c.nextDelay()
			slog.Debug("Relay dial failed", "url", c.url, "retry_in", delay, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
		}
	}
}

func (c *Client) nextDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.delay == 0 {
		c.delay = c.baseDelay
	} else {
		c.delay = min(c.delay*2, c.maxDelay)
	}
	return c.delay
}

// ReadLoop returns a command that reads the next frame and decodes it. The
// model re-issues it after every message.
func (c *Client) ReadLoop(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return DisconnectedMsg{Err: errNotConnected}
		}
		if ctx.Err() != nil {
			return nil
		}

		conn.SetPingHandler(func(data string) error {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
		})
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		mt, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			conn.Close()
			return DisconnectedMsg{Err: err}
		}
		return Decode(mt, data)
	}
}

// Close sends a normal close frame and drops the connection.
func (c *Client) Close() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
	conn.Close()
}

type frame struct {
	Type       string `json:"type"`
	Data       string `json:"data"`
	SampleRate int    `json:"sample_rate"`
	Text       string `json:"text"`
	Final      bool   `json:"final"`
}

// Decode maps one relayed frame to a message. Unknown or unparseable frames
// become FrameMsg; the relay forwards them verbatim so they can be anything.
func Decode(messageType int, data []byte) tea.Msg {
	if messageType == websocket.BinaryMessage {
		return FrameMsg{Type: "binary", Size: len(data), Binary: true}
	}

	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return FrameMsg{Size: len(data)}
	}

	switch f.Type {
	case "server_hello":
		return HelloMsg{}
	case "source_disconnected":
		return SourceLostMsg{}
	case "audio_chunk", "audio":
		n := len(data)
		if pcm, err := base64.StdEncoding.DecodeString(f.Data); err == nil && f.Data != "" {
			n = len(pcm)
		}
		return AudioMsg{Bytes: n, SampleRate: f.SampleRate}
	case "transcription", "transcript", "partial", "final":
		return TranscriptMsg{Text: f.Text, Final: f.Final || f.Type == "final"}
	default:
		return FrameMsg{Type: f.Type, Size: len(data)}
	}
}
