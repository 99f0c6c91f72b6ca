// Package mock provides test doubles for the vad package interfaces.
//
// Use Factory to verify detector creation and Detector to script per-frame
// decisions and inspect the frames that were submitted.
//
// Example:
//
//	det := &mock.Detector{Result: vad.Decision{Speech: true, Probability: 0.9}}
//	fac := &mock.Factory{Detector: det}
//	d, _ := fac.NewDetector()
package mock

import (
	"sync"

	"github.com/lingostream/lingostream/pkg/provider/vad"
)

// Factory is a mock implementation of vad.Factory.
type Factory struct {
	mu sync.Mutex

	// Detector is returned by NewDetector. If nil, NewDetector returns a new
	// default Detector.
	Detector vad.Detector

	// NewDetectorErr, if non-nil, is returned as the error from NewDetector.
	NewDetectorErr error

	// NewDetectorCallCount is the number of times NewDetector was called.
	NewDetectorCallCount int
}

// NewDetector records the call and returns Detector, NewDetectorErr.
func (f *Factory) NewDetector() (vad.Detector, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.NewDetectorCallCount++
	if f.NewDetectorErr != nil {
		return nil, f.NewDetectorErr
	}
	if f.Detector != nil {
		return f.Detector, nil
	}
	return &Detector{}, nil
}

// Ensure Factory implements vad.Factory at compile time.
var _ vad.Factory = (*Factory)(nil)

// ClassifyCall records a single invocation of Detector.Classify.
type ClassifyCall struct {
	// Frame is a copy of the bytes passed to Classify.
	Frame []byte
}

// Detector is a mock implementation of vad.Detector.
type Detector struct {
	mu sync.Mutex

	// Script, if non-empty, supplies the decisions returned by successive
	// Classify calls, in order. Once exhausted, Result is returned.
	Script []vad.Decision

	// Result is returned by Classify once Script is exhausted (or if Script
	// is empty).
	Result vad.Decision

	// ClassifyErr, if non-nil, is returned by every Classify call.
	ClassifyErr error

	// ResetErr, if non-nil, is returned by Reset.
	ResetErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// ClassifyCalls records every call to Classify in order.
	ClassifyCalls []ClassifyCall

	// ResetCallCount is the number of times Reset was called.
	ResetCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	scriptPos int
}

// Classify records the call and returns the next scripted decision, falling
// back to Result.
func (d *Detector) Classify(frame []byte) (vad.Decision, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	d.ClassifyCalls = append(d.ClassifyCalls, ClassifyCall{Frame: cp})
	if d.ClassifyErr != nil {
		return vad.Decision{}, d.ClassifyErr
	}
	if d.scriptPos < len(d.Script) {
		dec := d.Script[d.scriptPos]
		d.scriptPos++
		return dec, nil
	}
	return d.Result, nil
}

// Reset records the call and returns ResetErr.
func (d *Detector) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ResetCallCount++
	return d.ResetErr
}

// Close records the call and returns CloseErr.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CloseCallCount++
	return d.CloseErr
}

// ResetCalls clears all recorded call history and rewinds the script.
// Thread-safe.
func (d *Detector) ResetCalls() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ClassifyCalls = nil
	d.ResetCallCount = 0
	d.CloseCallCount = 0
	d.scriptPos = 0
}

// Ensure Detector implements vad.Detector at compile time.
var _ vad.Detector = (*Detector)(nil)
