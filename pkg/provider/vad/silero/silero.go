// Package silero implements the pipeline's neural voice detector
// (detector B in the fused engine) using Silero VAD v5 via ONNX Runtime.
//
// The model operates on 512-sample windows (32 ms at 16 kHz) and carries
// recurrent state between windows, so each audio stream needs its own
// Detector. The Provider loads the model file once and stamps out
// per-session detectors.
package silero

import (
	"errors"
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/lingostream/lingostream/pkg/provider/vad"
)

const (
	// windowSize is the number of float32 samples per inference call.
	// Silero VAD v5 at 16 kHz requires exactly 512 samples (32 ms).
	windowSize = 512

	// stateSize is the hidden state dimension per layer. The model uses a
	// combined state tensor of shape [2, 1, 128].
	stateSize = 128

	// sampleRate is the only rate the model accepts.
	sampleRate = 16000

	// DefaultThreshold is the speech probability cutoff applied when no
	// option overrides it.
	DefaultThreshold = 0.5
)

// ErrClosed is returned by Classify after the detector has been closed.
var ErrClosed = errors.New("silero: detector closed")

// The ONNX Runtime environment is process-global and initialized exactly
// once; the error is kept so later constructions surface the failure
// instead of running against an uninitialized runtime.
var (
	ortOnce sync.Once
	ortErr  error
)

func initRuntime(libPath string) error {
	ortOnce.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		ortErr = ort.InitializeEnvironment()
	})
	return ortErr
}

var (
	_ vad.Factory  = (*Provider)(nil)
	_ vad.Detector = (*Detector)(nil)
)

// Provider loads the Silero model once and creates per-session detectors.
// Safe for concurrent use.
type Provider struct {
	modelData []byte
	threshold float32
	libPath   string
}

// Option configures a Provider.
type Option func(*Provider)

// WithThreshold sets the speech probability cutoff. Must be in (0, 1).
func WithThreshold(t float32) Option {
	return func(p *Provider) { p.threshold = t }
}

// WithRuntimeLibrary points ONNX Runtime at a specific shared library. The
// runtime is initialized once per process; the first provider's path wins.
func WithRuntimeLibrary(path string) Option {
	return func(p *Provider) { p.libPath = path }
}

// New reads the model file and initializes the ONNX runtime.
func New(modelPath string, opts ...Option) (*Provider, error) {
	data, err := os.ReadFile(modelPath)
	if err != nil {
		return nil, fmt.Errorf("silero: read model: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("silero: model file %s is empty", modelPath)
	}

	p := &Provider{modelData: data, threshold: DefaultThreshold}
	for _, opt := range opts {
		opt(p)
	}
	if p.threshold <= 0 || p.threshold >= 1 {
		return nil, fmt.Errorf("silero: threshold %v out of range (0, 1)", p.threshold)
	}

	if err := initRuntime(p.libPath); err != nil {
		return nil, fmt.Errorf("silero: initialize onnxruntime: %w", err)
	}
	return p, nil
}

// NewDetector allocates the tensors and inference session for one stream.
func (p *Provider) NewDetector() (vad.Detector, error) {
	d := &Detector{
		threshold: p.threshold,
		buf:       make([]float32, 0, windowSize*2),
	}

	var err error
	if d.input, err = ort.NewEmptyTensor[float32](ort.NewShape(1, windowSize)); err != nil {
		return nil, fmt.Errorf("silero: create input tensor: %w", err)
	}
	if d.state, err = ort.NewEmptyTensor[float32](ort.NewShape(2, 1, stateSize)); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("silero: create state tensor: %w", err)
	}
	if d.sr, err = ort.NewTensor(ort.NewShape(1), []int64{sampleRate}); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("silero: create sr tensor: %w", err)
	}
	if d.output, err = ort.NewEmptyTensor[float32](ort.NewShape(1, 1)); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("silero: create output tensor: %w", err)
	}
	if d.stateN, err = ort.NewEmptyTensor[float32](ort.NewShape(2, 1, stateSize)); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("silero: create stateN tensor: %w", err)
	}

	// The runtime does not guarantee zeroed tensor memory.
	clearFloat32(d.state.GetData())
	clearFloat32(d.stateN.GetData())

	d.session, err = ort.NewAdvancedSessionWithONNXData(
		p.modelData,
		[]string{"input", "state", "sr"},
		[]string{"output", "stateN"},
		[]ort.Value{d.input, d.state, d.sr},
		[]ort.Value{d.output, d.stateN},
		nil,
	)
	if err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("silero: create session: %w", err)
	}
	return d, nil
}

// Detector runs Silero inference for a single audio stream. It buffers
// 10 ms frames into 512-sample windows; between inferences the last
// window's probability holds, so every frame gets a verdict.
type Detector struct {
	session *ort.AdvancedSession

	// Tensors are reused between inference calls.
	input  *ort.Tensor[float32] // [1, 512]
	state  *ort.Tensor[float32] // [2, 1, 128]
	sr     *ort.Tensor[int64]   // [1]
	output *ort.Tensor[float32] // [1, 1]
	stateN *ort.Tensor[float32] // [2, 1, 128]

	buf       []float32
	lastProb  float32
	threshold float32
	closed    bool
}

// Classify buffers the frame and runs inference for each complete window.
func (d *Detector) Classify(frame []byte) (vad.Decision, error) {
	if d.closed {
		return vad.Decision{}, ErrClosed
	}
	if len(frame) == 0 || len(frame)%2 != 0 {
		return vad.Decision{}, fmt.Errorf("silero: frame of %d bytes is not whole 16-bit samples", len(frame))
	}

	d.buf = append(d.buf, pcmToFloat32(frame)...)
	for len(d.buf) >= windowSize {
		prob, err := d.infer(d.buf[:windowSize])
		if err != nil {
			return vad.Decision{}, err
		}
		d.buf = d.buf[windowSize:]
		d.lastProb = prob
	}

	return vad.Decision{
		Speech:      d.lastProb >= d.threshold,
		Probability: d.lastProb,
	}, nil
}

// infer runs one inference on exactly 512 samples and carries the
// recurrent state forward.
func (d *Detector) infer(window []float32) (float32, error) {
	copy(d.input.GetData(), window)
	if err := d.session.Run(); err != nil {
		return 0, fmt.Errorf("silero: inference: %w", err)
	}
	prob := d.output.GetData()[0]
	copy(d.state.GetData(), d.stateN.GetData())
	return prob, nil
}

// Reset clears the recurrent state, the sample buffer and the held
// probability.
func (d *Detector) Reset() error {
	if d.closed {
		return nil
	}
	clearFloat32(d.state.GetData())
	d.buf = d.buf[:0]
	d.lastProb = 0
	return nil
}

// Close releases the ONNX session and tensors. Safe to call more than
// once.
func (d *Detector) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true

	var errs []error
	if d.session != nil {
		errs = append(errs, d.session.Destroy())
		d.session = nil
	}
	for _, t := range []*ort.Tensor[float32]{d.input, d.state, d.output, d.stateN} {
		if t != nil {
			errs = append(errs, t.Destroy())
		}
	}
	d.input, d.state, d.output, d.stateN = nil, nil, nil, nil
	if d.sr != nil {
		errs = append(errs, d.sr.Destroy())
		d.sr = nil
	}
	return errors.Join(errs...)
}

// pcmToFloat32 converts s16le bytes to float32 samples normalized to
// [-1, 1). Dividing by 32768 keeps the full int16 range strictly inside
// the model's expected interval.
func pcmToFloat32(buf []byte) []float32 {
	n := len(buf) / 2
	if n == 0 {
		return nil
	}
	samples := make([]float32, n)
	for i := 0; i < n; i++ {
		u := uint16(buf[2*i]) | uint16(buf[2*i+1])<<8
		samples[i] = float32(int16(u)) / 32768.0
	}
	return samples
}

func clearFloat32(s []float32) {
	for i := range s {
		s[i] = 0
	}
}
