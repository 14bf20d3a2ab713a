package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusPayloads(t *testing.T) {
	assert.Equal(t, helloJSON, string(statusPayload(EventServerHello).Data))
	assert.Equal(t, disconnectedJSON, string(statusPayload(EventSourceDisconnected).Data))
	assert.False(t, statusPayload(EventServerHello).Binary)
}

func TestPeekType(t *testing.T) {
	tests := []struct {
		name   string
		p      Payload
		want   string
		wantOK bool
	}{
		{"audio chunk", TextPayload([]byte(`{"type":"audio_chunk","data":"AAA="}`)), "audio_chunk", true},
		{"transcription", TextPayload([]byte(` {"type":"transcription","text":"hi"}`)), "transcription", true},
		{"unknown type", TextPayload([]byte(`{"type":"weird"}`)), "other", true},
		{"no type", TextPayload([]byte(`{"text":"hi"}`)), "other", true},
		{"json array", TextPayload([]byte(`[1,2]`)), "other", true},
		{"plain text", TextPayload([]byte(`chunk1`)), "", false},
		{"truncated object", TextPayload([]byte(`{"type":`)), "", false},
		{"empty", TextPayload(nil), "", false},
		{"binary", Payload{Data: []byte{1, 2, 3}, Binary: true}, "binary", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := peekType(tt.p)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
