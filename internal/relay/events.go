package relay

import (
	"bytes"
	"encoding/json"
)

type EventType string

const (
	EventServerHello        EventType = "server_hello"
	EventSourceDisconnected EventType = "source_disconnected"
)

// StatusEvent is a payload the relay synthesizes itself. These are the only
// payloads with a shape the relay defines.
type StatusEvent struct {
	Type EventType `json:"type"`
}

var (
	serverHelloPayload        = mustEncode(StatusEvent{Type: EventServerHello})
	sourceDisconnectedPayload = mustEncode(StatusEvent{Type: EventSourceDisconnected})
)

func mustEncode(ev StatusEvent) Payload {
	data, err := json.Marshal(ev)
	if err != nil {
		panic(err)
	}
	return TextPayload(data)
}

// statusPayload returns a copy-free shared payload for ev. Payload data is
// never mutated after creation.
func statusPayload(ev EventType) Payload {
	switch ev {
	case EventServerHello:
		return serverHelloPayload
	default:
		return sourceDisconnectedPayload
	}
}

type payloadHeader struct {
	Type string `json:"type"`
}

// knownPayloadTypes bounds the label set of SourceMessagesTotal.
var knownPayloadTypes = map[string]bool{
	"audio_chunk":   true,
	"audio":         true,
	"transcription": true,
	"transcript":    true,
	"partial":       true,
	"final":         true,
	"error":         true,
}

// peekType reports the top-level "type" of a JSON object payload for metrics
// and logs. ok is false when data is not JSON; the payload is forwarded anyway.
func peekType(p Payload) (typ string, ok bool) {
	if p.Binary {
		return "binary", true
	}
	trimmed := bytes.TrimSpace(p.Data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		if json.Valid(trimmed) {
			return "other", true
		}
		return "", false
	}

	var h payloadHeader
	if err := json.Unmarshal(trimmed, &h); err != nil {
		return "", false
	}
	if knownPayloadTypes[h.Type] {
		return h.Type, true
	}
	return "other", true
}
