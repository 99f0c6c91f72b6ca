package audio

// FrameDuration helpers assume the pipeline's 10 ms detector frame:
// 160 samples, 320 bytes at 16 kHz mono s16le.
const (
	// FrameMs is the detector frame length in milliseconds.
	FrameMs = 10

	// FrameBytes is the size of one detector frame at TargetSampleRate.
	FrameBytes = TargetSampleRate / 1000 * FrameMs * bytesPerSample
)

// Framer slices an arbitrary-sized PCM byte stream into fixed-size frames,
// carrying any trailing remainder into the next push. One Framer per
// session; it is not safe for concurrent use.
type Framer struct {
	size int
	rest []byte
}

// NewFramer returns a Framer emitting frames of size bytes. Sizes that are
// not positive fall back to FrameBytes.
func NewFramer(size int) *Framer {
	if size <= 0 {
		size = FrameBytes
	}
	return &Framer{size: size}
}

// Push appends pcm to the carried remainder and returns every complete
// frame now available. Returned slices are freshly allocated and safe to
// retain.
func (f *Framer) Push(pcm []byte) [][]byte {
	f.rest = append(f.rest, pcm...)
	if len(f.rest) < f.size {
		return nil
	}
	n := len(f.rest) / f.size
	frames := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		frame := make([]byte, f.size)
		copy(frame, f.rest[i*f.size:(i+1)*f.size])
		frames = append(frames, frame)
	}
	f.rest = append(f.rest[:0], f.rest[n*f.size:]...)
	return frames
}

// Reset discards any carried remainder.
func (f *Framer) Reset() {
	f.rest = f.rest[:0]
}
