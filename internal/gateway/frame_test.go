package gateway

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// rawFrame builds a binary audio message around an arbitrary header blob.
func rawFrame(header, pcm []byte) []byte {
	buf := make([]byte, 4, 4+len(header)+len(pcm))
	binary.LittleEndian.PutUint32(buf, uint32(len(header)))
	buf = append(buf, header...)
	return append(buf, pcm...)
}

func TestParseBinaryFrameRoundTrip(t *testing.T) {
	pcm := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	sr, got, err := parseBinaryFrame(encodeBinaryFrame(48000, pcm))
	if err != nil {
		t.Fatalf("parseBinaryFrame: %v", err)
	}
	if sr != 48000 {
		t.Errorf("sample rate = %d, want 48000", sr)
	}
	if !bytes.Equal(got, pcm) {
		t.Errorf("pcm = %v, want %v", got, pcm)
	}
}

func TestParseBinaryFrameEmptyPayload(t *testing.T) {
	sr, pcm, err := parseBinaryFrame(encodeBinaryFrame(16000, nil))
	if err != nil {
		t.Fatalf("parseBinaryFrame: %v", err)
	}
	if sr != 16000 || len(pcm) != 0 {
		t.Errorf("got rate %d, %d payload bytes; want 16000 and none", sr, len(pcm))
	}
}

func TestParseBinaryFrameRejectsMalformed(t *testing.T) {
	overrun := make([]byte, 10)
	binary.LittleEndian.PutUint32(overrun, 100)
	absurd := make([]byte, 8)
	binary.LittleEndian.PutUint32(absurd, maxFrameHeader+1)

	tests := []struct {
		name string
		data []byte
	}{
		{"too short", []byte{0x01, 0x02}},
		{"header overruns message", overrun},
		{"header length above limit", absurd},
		{"header not json", rawFrame([]byte("{"), nil)},
		{"missing sample rate", rawFrame([]byte(`{}`), nil)},
		{"negative sample rate", rawFrame([]byte(`{"sampleRate":-8000}`), []byte{1, 2})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := parseBinaryFrame(tt.data); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}
