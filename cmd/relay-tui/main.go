package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/audio-relay/relay/internal/listener"
	"github.com/audio-relay/relay/internal/tui"
	tea "github.com/charmbracelet/bubbletea"
)

func main() {
	wsURL := flag.String("url", "ws://127.0.0.1:3002/ws", "WebSocket URL of the relay")
	noStats := flag.Bool("no-stats", false, "Do not poll /api/stats")
	flag.Parse()

	var stats *listener.StatsClient
	if !*noStats {
		stats = listener.NewStatsClient(listener.HTTPBase(*wsURL))
	}

	m := tui.New(listener.NewClient(*wsURL), stats)
	p := tea.NewProgram(m, tea.WithAltScreen())

	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
