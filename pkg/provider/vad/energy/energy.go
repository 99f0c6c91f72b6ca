// Package energy implements the pipeline's fast deterministic voice
// detector (detector A in the fused engine): RMS volume with a
// zero-crossing-rate gate and an adaptive noise floor.
//
// The detector is tuned through a single aggressiveness knob (0–3) mapping
// to preset thresholds. Level 0 is the most permissive and will pass
// steady mid-level noise; level 3 demands a clear margin over the ambient
// floor. False positives in noise are expected here and are filtered by
// the neural detector the engine fuses it with.
package energy

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/lingostream/lingostream/pkg/provider/vad"
)

const (
	bytesPerSample = 2
	maxAmplitude   = 32768.0

	// rmsAlpha smooths the per-frame RMS so single-frame spikes and dips do
	// not flap the verdict.
	rmsAlpha = 0.3

	// floorAlpha tracks the ambient noise floor across quiet frames.
	floorAlpha = 0.1
)

// preset holds the per-aggressiveness thresholds. RMS values are
// normalized to [0,1]; zcrMax is the fraction of sample pairs allowed to
// cross zero before a frame is rejected as noise.
type preset struct {
	minRMS     float64
	floorRatio float64
	zcrMax     float64
}

// presets indexed by aggressiveness 0–3.
var presets = [4]preset{
	{minRMS: 0.010, floorRatio: 1.5, zcrMax: 0.50},
	{minRMS: 0.015, floorRatio: 2.0, zcrMax: 0.45},
	{minRMS: 0.020, floorRatio: 2.5, zcrMax: 0.40},
	{minRMS: 0.030, floorRatio: 3.0, zcrMax: 0.35},
}

var (
	_ vad.Detector = (*Detector)(nil)
	_ vad.Factory  = (*Factory)(nil)
)

// ErrClosed is returned by Classify after the detector has been closed.
var ErrClosed = errors.New("energy: detector closed")

// Detector classifies frames by smoothed RMS volume against the larger of
// an absolute threshold and a multiple of the tracked noise floor, gated
// by zero-crossing rate. Frames must arrive in stream order; the internal
// lock only guards against Close racing a classification.
type Detector struct {
	preset preset

	mu          sync.Mutex
	smoothedRMS float64
	noiseFloor  float64
	closed      bool
}

// New creates a detector with the given aggressiveness (0 = most
// permissive, 3 = most aggressive filtering).
func New(aggressiveness int) (*Detector, error) {
	if aggressiveness < 0 || aggressiveness >= len(presets) {
		return nil, fmt.Errorf("energy: aggressiveness %d out of range [0,%d]", aggressiveness, len(presets)-1)
	}
	return &Detector{preset: presets[aggressiveness]}, nil
}

// Classify analyses one frame of 16-bit little-endian PCM. Any non-empty
// frame with a whole number of samples is accepted.
func (d *Detector) Classify(frame []byte) (vad.Decision, error) {
	if len(frame) == 0 || len(frame)%bytesPerSample != 0 {
		return vad.Decision{}, fmt.Errorf("energy: frame of %d bytes is not whole 16-bit samples", len(frame))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return vad.Decision{}, ErrClosed
	}

	rms, zcr := analyze(frame)
	d.smoothedRMS = rmsAlpha*rms + (1-rmsAlpha)*d.smoothedRMS

	threshold := d.preset.minRMS
	if adaptive := d.noiseFloor * d.preset.floorRatio; adaptive > threshold {
		threshold = adaptive
	}

	// Only frames below the current threshold feed the floor, so speech
	// never drags it upward.
	if rms < threshold {
		d.noiseFloor = floorAlpha*rms + (1-floorAlpha)*d.noiseFloor
	}

	speech := d.smoothedRMS >= threshold && zcr <= d.preset.zcrMax
	dec := vad.Decision{Speech: speech}
	if speech {
		dec.Probability = 1
	}
	return dec, nil
}

// Reset clears the smoothing and noise-floor state.
func (d *Detector) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.smoothedRMS = 0
	d.noiseFloor = 0
	return nil
}

// Close marks the detector closed. Safe to call more than once.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// analyze computes the normalized RMS and the zero-crossing fraction of a
// frame in one pass.
func analyze(frame []byte) (rms, zcr float64) {
	n := len(frame) / bytesPerSample
	var sumSquares float64
	var crossings int
	var prev int16
	for i := 0; i < n; i++ {
		sample := int16(binary.LittleEndian.Uint16(frame[i*bytesPerSample:]))
		normalized := float64(sample) / maxAmplitude
		sumSquares += normalized * normalized
		if i > 0 && (sample >= 0) != (prev >= 0) {
			crossings++
		}
		prev = sample
	}
	rms = math.Sqrt(sumSquares / float64(n))
	if n > 1 {
		zcr = float64(crossings) / float64(n-1)
	}
	return rms, zcr
}

// Factory creates energy detectors with a fixed aggressiveness.
type Factory struct {
	// Aggressiveness is the preset index (0–3) applied to every detector.
	Aggressiveness int
}

// NewDetector implements vad.Factory.
func (f *Factory) NewDetector() (vad.Detector, error) {
	return New(f.Aggressiveness)
}
