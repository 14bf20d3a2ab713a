// Package tui is a terminal listener for the relay: connection state, source
// availability, traffic counters and the latest transcription lines.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/audio-relay/relay/internal/listener"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const (
	maxTranscriptLines = 12
	statsInterval      = 5 * time.Second
)

type statsTickMsg struct{}

// Model is the root Bubble Tea model.
type Model struct {
	ws     *listener.Client
	stats  *listener.StatsClient
	ctx    context.Context
	cancel context.CancelFunc

	keys    KeyMap
	spinner spinner.Model
	width   int
	height  int

	// Connection state.
	connected  bool
	greeted    bool
	sourceLive bool
	lastErr    error

	// Traffic.
	frames      int
	audioChunks int
	audioBytes  int64
	sampleRate  int
	transcript  []string

	relayStats *listener.Stats
	statsErr   error
}

// New creates the root model. stats may be nil.
func New(ws *listener.Client, stats *listener.StatsClient) Model {
	ctx, cancel := context.WithCancel(context.Background())
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(ColorAccent)

	return Model{
		ws:      ws,
		stats:   stats,
		ctx:     ctx,
		cancel:  cancel,
		keys:    DefaultKeyMap(),
		spinner: sp,
	}
}

func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.ws.Listen(m.ctx), m.spinner.Tick}
	if m.stats != nil {
		cmds = append(cmds, m.stats.Fetch(m.ctx))
	}
	return tea.Batch(cmds...)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case listener.ConnectedMsg:
		m.connected = true
		m.lastErr = nil
		return m, m.ws.ReadLoop(m.ctx)

	case listener.DisconnectedMsg:
		m.connected = false
		m.greeted = false
		m.sourceLive = false
		m.lastErr = msg.Err
		return m, m.ws.Listen(m.ctx)

	case listener.HelloMsg:
		// A source_disconnected follows immediately when nothing is streaming.
		m.greeted = true
		m.sourceLive = true
		return m, m.ws.ReadLoop(m.ctx)

	case listener.SourceLostMsg:
		m.sourceLive = false
		return m, m.ws.ReadLoop(m.ctx)

	case listener.AudioMsg:
		m.frames++
		m.audioChunks++
		m.audioBytes += int64(msg.Bytes)
		if msg.SampleRate > 0 {
			m.sampleRate = msg.SampleRate
		}
		m.sourceLive = true
		return m, m.ws.ReadLoop(m.ctx)

	case listener.TranscriptMsg:
		m.frames++
		m.sourceLive = true
		if msg.Final && msg.Text != "" {
			m.appendTranscript(msg.Text)
		}
		return m, m.ws.ReadLoop(m.ctx)

	case listener.FrameMsg:
		m.frames++
		return m, m.ws.ReadLoop(m.ctx)

	case listener.StatsMsg:
		if msg.Err != nil {
			m.statsErr = msg.Err
		} else {
			m.relayStats = msg.Stats
			m.statsErr = nil
		}
		return m, tea.Tick(statsInterval, func(time.Time) tea.Msg { return statsTickMsg{} })

	case statsTickMsg:
		if m.stats == nil {
			return m, nil
		}
		return m, m.stats.Fetch(m.ctx)
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		m.cancel()
		m.ws.Close()
		return m, tea.Quit

	case key.Matches(msg, m.keys.Clear):
		m.transcript = nil
		return m, nil

	case key.Matches(msg, m.keys.Refresh):
		if m.stats != nil {
			return m, m.stats.Fetch(m.ctx)
		}
	}
	return m, nil
}

func (m *Model) appendTranscript(line string) {
	m.transcript = append(m.transcript, line)
	if over := len(m.transcript) - maxTranscriptLines; over > 0 {
		m.transcript = m.transcript[over:]
	}
}

func (m Model) View() string {
	width := max(m.width, 40)

	sections := []string{
		m.statusLine(width),
		m.trafficPanel(width),
		m.transcriptPanel(width),
		StyleDimmed.Render("  c:clear  s:stats  q:quit"),
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) statusLine(width int) string {
	var conn string
	switch {
	case !m.connected:
		conn = m.spinner.View() + lipgloss.NewStyle().Foreground(ColorDanger).Render(" Connecting...")
	case !m.greeted:
		conn = lipgloss.NewStyle().Foreground(ColorWarning).Render("● Waiting for greeting")
	default:
		conn = lipgloss.NewStyle().Foreground(ColorHealthy).Render("● Connected")
	}

	var source string
	if m.connected && m.sourceLive {
		source = lipgloss.NewStyle().Foreground(ColorHealthy).Render("source: live")
	} else {
		source = lipgloss.NewStyle().Foreground(ColorDimmed).Render("source: offline")
	}

	sep := lipgloss.NewStyle().Foreground(ColorBorder).Render(" | ")
	content := conn + sep + source
	if m.relayStats != nil {
		content += sep + fmt.Sprintf("%d listeners", m.relayStats.Listeners)
	}
	if !m.connected && m.lastErr != nil {
		content += sep + StyleDimmed.Render(m.lastErr.Error())
	}

	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(ColorBorder).
		Render(content)
}

func (m Model) trafficPanel(width int) string {
	lines := []string{
		StyleHeader.Render("Traffic"),
		fmt.Sprintf("frames %d  audio chunks %d  audio %s", m.frames, m.audioChunks, formatBytes(m.audioBytes)),
	}
	if m.sampleRate > 0 {
		lines = append(lines, fmt.Sprintf("sample rate %d Hz", m.sampleRate))
	}
	if s := m.relayStats; s != nil {
		line := fmt.Sprintf("relay up %s", (time.Duration(s.UptimeSeconds) * time.Second).String())
		if p := s.Process; p != nil {
			line += fmt.Sprintf("  rss %s  cpu %.1f%%  goroutines %d", formatBytes(int64(p.RSSBytes)), p.CPUPercent, p.Goroutines)
		}
		lines = append(lines, line)
	} else if m.statsErr != nil {
		lines = append(lines, StyleDimmed.Render("stats unavailable: "+m.statsErr.Error()))
	}
	return StylePanel.Width(width - 2).Render(strings.Join(lines, "\n"))
}

func (m Model) transcriptPanel(width int) string {
	lines := []string{StyleHeader.Render("Transcript")}
	if len(m.transcript) == 0 {
		lines = append(lines, StyleDimmed.Render("(nothing yet)"))
	}
	for _, t := range m.transcript {
		lines = append(lines, StyleFinal.Render(t))
	}
	return StylePanel.Width(width - 2).Render(strings.Join(lines, "\n"))
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
