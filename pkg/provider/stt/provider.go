// Package stt defines the transcription interface the STT worker drives.
//
// Unlike streaming recognizers, the pipeline hands a transcriber one
// complete audio segment at a time: the gateway's VAD already decided the
// utterance boundaries, so providers only turn PCM into text. The central
// abstraction is Transcriber, a single blocking call the worker bounds
// with a deadline context.
//
// Implementations must be safe for concurrent use; the worker may overlap
// calls for different sessions.
package stt

import "context"

// Result is one transcription outcome.
type Result struct {
	// Text is the transcribed text, trimmed. May be empty when the segment
	// contains no intelligible speech.
	Text string

	// DetectedLang is the ISO 639-1 code the model detected, when language
	// auto-detection ran. Empty when the caller pinned the language or the
	// backend does not report one.
	DetectedLang string
}

// Transcriber converts one complete utterance segment to text.
type Transcriber interface {
	// Transcribe runs recognition over pcm, which must be 16 kHz mono
	// s16le. sourceLang is an ISO 639-1 hint; empty requests auto-detection
	// where the backend supports it. Implementations must honor ctx
	// cancellation and deadlines.
	Transcribe(ctx context.Context, pcm []byte, sourceLang string) (Result, error)
}
