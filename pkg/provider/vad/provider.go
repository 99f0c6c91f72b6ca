// Package vad defines the voice-activity-detection interfaces the gateway
// drives for every session, and the fused engine that combines two
// detectors into the pipeline's speech/non-speech verdict.
//
// Detectors classify consecutive 10 ms frames of 16 kHz mono s16le PCM.
// Two families exist: fast deterministic detectors (energy/zero-crossing,
// see the energy subpackage) and neural detectors emitting a speech
// probability (see the silero subpackage). The fused engine applies the
// voting rule: a frame is speech only when the deterministic detector
// agrees AND the neural detector clears its threshold. The former's false
// positives dominate in steady noise and the latter's false negatives
// dominate on short plosives, so the conjunction suppresses both.
//
// VAD is synchronous: Classify returns immediately, which suits the
// low-latency gateway loop that gates STT input.
package vad

import "fmt"

// Decision is one detector verdict for one frame.
type Decision struct {
	// Speech reports whether the frame is classified as speech.
	Speech bool

	// Probability is the detector's confidence when it produces one.
	// Deterministic detectors report 0 or 1; neural detectors report the
	// model's speech probability.
	Probability float32
}

// Detector classifies consecutive fixed-size audio frames. Implementations
// carry per-session state (noise floors, recurrent model state) and are NOT
// safe for concurrent use; the gateway creates one per session via a
// Factory.
type Detector interface {
	// Classify processes one 10 ms frame (320 bytes of 16 kHz mono s16le)
	// and returns the verdict. Frames must arrive in stream order.
	Classify(frame []byte) (Decision, error)

	// Reset clears accumulated state without closing the detector. Use it
	// when the stream restarts so stale history cannot leak into the next
	// utterance.
	Reset() error

	// Close releases detector resources. Calling Close more than once is
	// safe and returns nil.
	Close() error
}

// Factory creates one Detector per session. Implementations must be safe
// for concurrent use; the detectors they return need not be.
type Factory interface {
	NewDetector() (Detector, error)
}

// ─── Fused engine ─────────────────────────────────────────────────────────────

var (
	_ Detector = (*Fused)(nil)
	_ Factory  = (*FusedFactory)(nil)
)

// Fused is the two-detector voting engine: speech iff detector A (fast,
// deterministic) says speech AND detector B (neural) says speech. The
// reported probability is B's, since A only votes.
type Fused struct {
	a Detector
	b Detector
}

// NewFused combines the two detectors. Both must be fresh per-session
// instances.
func NewFused(a, b Detector) *Fused {
	return &Fused{a: a, b: b}
}

// Classify runs both detectors on the frame and applies the AND rule. Both
// detectors see every frame so their internal state stays in sync with the
// stream.
func (f *Fused) Classify(frame []byte) (Decision, error) {
	da, err := f.a.Classify(frame)
	if err != nil {
		return Decision{}, fmt.Errorf("vad: detector A: %w", err)
	}
	db, err := f.b.Classify(frame)
	if err != nil {
		return Decision{}, fmt.Errorf("vad: detector B: %w", err)
	}
	return Decision{
		Speech:      da.Speech && db.Speech,
		Probability: db.Probability,
	}, nil
}

// Reset resets both detectors.
func (f *Fused) Reset() error {
	if err := f.a.Reset(); err != nil {
		return fmt.Errorf("vad: reset detector A: %w", err)
	}
	if err := f.b.Reset(); err != nil {
		return fmt.Errorf("vad: reset detector B: %w", err)
	}
	return nil
}

// Close closes both detectors. Both are attempted; the first error wins.
func (f *Fused) Close() error {
	errA := f.a.Close()
	errB := f.b.Close()
	if errA != nil {
		return fmt.Errorf("vad: close detector A: %w", errA)
	}
	if errB != nil {
		return fmt.Errorf("vad: close detector B: %w", errB)
	}
	return nil
}

// FusedFactory builds fused detectors from two component factories.
type FusedFactory struct {
	// A builds the fast deterministic detector.
	A Factory

	// B builds the neural detector.
	B Factory
}

// NewDetector creates fresh component detectors and fuses them. If B's
// construction fails the already-created A is closed.
func (f *FusedFactory) NewDetector() (Detector, error) {
	a, err := f.A.NewDetector()
	if err != nil {
		return nil, fmt.Errorf("vad: create detector A: %w", err)
	}
	b, err := f.B.NewDetector()
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("vad: create detector B: %w", err)
	}
	return NewFused(a, b), nil
}
