package gateway

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// maxFrameHeader bounds the declared JSON header length so a corrupt or
// hostile length prefix cannot make us slice past the message.
const maxFrameHeader = 4096

// frameHeader is the JSON prelude of every binary audio message.
type frameHeader struct {
	SampleRate int `json:"sampleRate"`
}

// parseBinaryFrame splits a client audio message into its declared sample
// rate and the raw little-endian 16-bit PCM payload. The layout is a 4-byte
// little-endian header length, the JSON header, then the samples.
func parseBinaryFrame(data []byte) (sampleRate int, pcm []byte, err error) {
	if len(data) < 4 {
		return 0, nil, fmt.Errorf("gateway: audio frame too short: %d bytes", len(data))
	}
	hlen := binary.LittleEndian.Uint32(data[:4])
	if hlen > maxFrameHeader {
		return 0, nil, fmt.Errorf("gateway: audio frame header length %d exceeds limit %d", hlen, maxFrameHeader)
	}
	if int(hlen) > len(data)-4 {
		return 0, nil, fmt.Errorf("gateway: audio frame header length %d overruns %d byte message", hlen, len(data))
	}
	var hdr frameHeader
	if err := json.Unmarshal(data[4:4+hlen], &hdr); err != nil {
		return 0, nil, fmt.Errorf("gateway: decode audio frame header: %w", err)
	}
	if hdr.SampleRate <= 0 {
		return 0, nil, fmt.Errorf("gateway: audio frame declares sample rate %d", hdr.SampleRate)
	}
	return hdr.SampleRate, data[4+hlen:], nil
}

// encodeBinaryFrame builds a client audio message. It mirrors
// parseBinaryFrame and exists for tests and local tooling.
func encodeBinaryFrame(sampleRate int, pcm []byte) []byte {
	hdr, _ := json.Marshal(frameHeader{SampleRate: sampleRate})
	buf := make([]byte, 4, 4+len(hdr)+len(pcm))
	binary.LittleEndian.PutUint32(buf, uint32(len(hdr)))
	buf = append(buf, hdr...)
	buf = append(buf, pcm...)
	return buf
}
