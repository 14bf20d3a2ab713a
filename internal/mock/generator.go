// Package mock stands in for the real audio source during development. It
// synthesizes a sine tone as base64 PCM chunks plus periodic transcription
// events, and streams them to the relay as an authenticated source.
package mock

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/jonboulle/clockwork"
)

// Event is the JSON shape the generator emits. The relay treats it as opaque.
type Event struct {
	Type       string `json:"type"`
	Seq        int    `json:"seq"`
	Timestamp  int64  `json:"timestamp"`
	Data       string `json:"data,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Text       string `json:"text,omitempty"`
	Final      bool   `json:"final,omitempty"`
}

type GeneratorConfig struct {
	SampleRate    int
	ChunkDuration time.Duration
	ToneHz        float64
	Amplitude     float64
	// TranscriptEvery emits one transcription event per this many chunks.
	TranscriptEvery int
	Phrases         []string
}

var defaultPhrases = []string{
	"testing one two three",
	"the relay is forwarding audio",
	"this is a synthetic transcription",
	"listeners should see this line",
}

func (c GeneratorConfig) withDefaults() GeneratorConfig {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.ChunkDuration <= 0 {
		c.ChunkDuration = 100 * time.Millisecond
	}
	if c.ToneHz <= 0 {
		c.ToneHz = 440
	}
	if c.Amplitude <= 0 || c.Amplitude > 1 {
		c.Amplitude = 0.3
	}
	if c.TranscriptEvery <= 0 {
		c.TranscriptEvery = 20
	}
	if len(c.Phrases) == 0 {
		c.Phrases = defaultPhrases
	}
	return c
}

// Generator produces frames one tick at a time. It is not safe for
// concurrent use.
type Generator struct {
	cfg    GeneratorConfig
	clock  clockwork.Clock
	seq    int
	chunks int
	phrase int
	sample int64
}

func NewGenerator(cfg GeneratorConfig, clock clockwork.Clock) *Generator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Generator{cfg: cfg.withDefaults(), clock: clock}
}

func (g *Generator) Interval() time.Duration {
	return g.cfg.ChunkDuration
}

// Next returns the encoded frames for one tick: always an audio chunk, and a
// transcription after every TranscriptEvery chunks.
func (g *Generator) Next() ([][]byte, error) {
	frames := make([][]byte, 0, 2)

	chunk, err := g.encode(Event{
		Type:       "audio_chunk",
		Data:       base64.StdEncoding.EncodeToString(g.pcm()),
		SampleRate: g.cfg.SampleRate,
	})
	if err != nil {
		return nil, err
	}
	frames = append(frames, chunk)
	g.chunks++

	if g.chunks%g.cfg.TranscriptEvery == 0 {
		text := g.cfg.Phrases[g.phrase%len(g.cfg.Phrases)]
		g.phrase++
		tr, err := g.encode(Event{Type: "transcription", Text: text, Final: true})
		if err != nil {
			return nil, err
		}
		frames = append(frames, tr)
	}
	return frames, nil
}

func (g *Generator) encode(ev Event) ([]byte, error) {
	g.seq++
	ev.Seq = g.seq
	ev.Timestamp = g.clock.Now().UnixMilli()
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.Type, err)
	}
	return data, nil
}

// pcm renders the next chunk of a continuous tone as 16-bit little-endian
// mono samples.
func (g *Generator) pcm() []byte {
	n := int(int64(g.cfg.SampleRate) * int64(g.cfg.ChunkDuration) / int64(time.Second))
	buf := make([]byte, n*2)
	step := 2 * math.Pi * g.cfg.ToneHz / float64(g.cfg.SampleRate)
	for i := 0; i < n; i++ {
		v := g.cfg.Amplitude * math.Sin(step*float64(g.sample))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(v*math.MaxInt16)))
		g.sample++
	}
	return buf
}

// Run emits frames on every tick until ctx ends or emit fails.
func (g *Generator) Run(ctx context.Context, emit func([]byte) error) error {
	ticker := g.clock.NewTicker(g.cfg.ChunkDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			frames, err := g.Next()
			if err != nil {
				return err
			}
			for _, f := range frames {
				if err := emit(f); err != nil {
					return err
				}
			}
		}
	}
}
