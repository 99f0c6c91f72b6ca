package whisper_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/lingostream/lingostream/pkg/provider/stt/whisper"
)

// testModelPath returns the path to a whisper model for integration tests.
// It reads from the WHISPER_MODEL_PATH environment variable. If unset the
// test is skipped.
func testModelPath(t *testing.T) string {
	t.Helper()
	p := os.Getenv("WHISPER_MODEL_PATH")
	if p == "" {
		t.Skip("WHISPER_MODEL_PATH not set; skipping native whisper test")
	}
	return p
}

func TestNewNative_EmptyPath_ReturnsError(t *testing.T) {
	_, err := whisper.NewNative("")
	if err == nil {
		t.Fatal("expected error for empty model path, got nil")
	}
}

func TestNewNative_InvalidPath_ReturnsError(t *testing.T) {
	_, err := whisper.NewNative("/nonexistent/path/to/model.bin")
	if err == nil {
		t.Fatal("expected error for invalid model path, got nil")
	}
}

func TestNewNative_WithOptions_DoesNotError(t *testing.T) {
	modelPath := testModelPath(t)
	n, err := whisper.NewNative(modelPath, whisper.WithNativeLanguage("en"))
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	defer n.Close()
}

func TestNativeTranscribe_EmptyAudio_ReturnsError(t *testing.T) {
	modelPath := testModelPath(t)
	n, err := whisper.NewNative(modelPath)
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	defer n.Close()

	if _, err := n.Transcribe(context.Background(), nil, "en"); err == nil {
		t.Fatal("expected error for empty audio, got nil")
	}
}

func TestNativeTranscribe_CancelledContext_ReturnsError(t *testing.T) {
	modelPath := testModelPath(t)
	n, err := whisper.NewNative(modelPath)
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := n.Transcribe(ctx, makeSpeechPCM(16000), "en"); err == nil {
		t.Fatal("expected error for cancelled context, got nil")
	}
}

func TestNativeTranscribe_SpeechSegmentRoundTrips(t *testing.T) {
	modelPath := testModelPath(t)
	n, err := whisper.NewNative(modelPath)
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	defer n.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	// A pure sine wave is not speech; the model may transcribe anything,
	// including nothing. The point is that a real segment round-trips
	// without error.
	if _, err := n.Transcribe(ctx, makeSpeechPCM(16000), "en"); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
}

func TestNativeTranscribe_AutoDetectsLanguage(t *testing.T) {
	modelPath := testModelPath(t)
	n, err := whisper.NewNative(modelPath)
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	defer n.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	res, err := n.Transcribe(ctx, makeSpeechPCM(16000), "")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.DetectedLang == "" {
		t.Error("DetectedLang should be set when no source language is given")
	}
}
