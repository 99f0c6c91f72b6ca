package audio_test

import (
	"bytes"
	"testing"

	"github.com/lingostream/lingostream/pkg/audio"
)

func TestFramer_ExactMultiple_EmitsAllFrames(t *testing.T) {
	f := audio.NewFramer(4)
	frames := f.Push([]byte{1, 2, 3, 4, 5, 6, 7, 8})
	if len(frames) != 2 {
		t.Fatalf("frames = %d; want 2", len(frames))
	}
	if !bytes.Equal(frames[0], []byte{1, 2, 3, 4}) || !bytes.Equal(frames[1], []byte{5, 6, 7, 8}) {
		t.Errorf("frames = %v; want [1 2 3 4] [5 6 7 8]", frames)
	}
}

func TestFramer_CarriesRemainderAcrossPushes(t *testing.T) {
	f := audio.NewFramer(4)
	if frames := f.Push([]byte{1, 2, 3}); frames != nil {
		t.Fatalf("short push emitted frames: %v", frames)
	}
	frames := f.Push([]byte{4, 5})
	if len(frames) != 1 || !bytes.Equal(frames[0], []byte{1, 2, 3, 4}) {
		t.Fatalf("frames = %v; want single [1 2 3 4]", frames)
	}
	// The trailing 5 stays buffered for the next push.
	frames = f.Push([]byte{6, 7, 8})
	if len(frames) != 1 || !bytes.Equal(frames[0], []byte{5, 6, 7, 8}) {
		t.Fatalf("frames = %v; want single [5 6 7 8]", frames)
	}
}

func TestFramer_ReturnedFramesAreStable(t *testing.T) {
	f := audio.NewFramer(2)
	in := []byte{9, 8, 7, 6}
	frames := f.Push(in)
	in[0] = 0 // mutate the input after Push
	if frames[0][0] != 9 {
		t.Error("frame aliases caller's buffer; frames must be copies")
	}
}

func TestFramer_Reset_DropsRemainder(t *testing.T) {
	f := audio.NewFramer(4)
	f.Push([]byte{1, 2, 3})
	f.Reset()
	frames := f.Push([]byte{4, 5, 6, 7})
	if len(frames) != 1 || !bytes.Equal(frames[0], []byte{4, 5, 6, 7}) {
		t.Fatalf("frames after reset = %v; want single [4 5 6 7]", frames)
	}
}

func TestFramer_DefaultSize_IsDetectorFrame(t *testing.T) {
	f := audio.NewFramer(0)
	frames := f.Push(make([]byte, audio.FrameBytes))
	if len(frames) != 1 || len(frames[0]) != audio.FrameBytes {
		t.Fatalf("default framer emitted %d frames of %d bytes; want 1 of %d",
			len(frames), len(frames[0]), audio.FrameBytes)
	}
}
