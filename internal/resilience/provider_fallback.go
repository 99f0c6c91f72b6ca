package resilience

import (
	"context"

	"github.com/lingostream/lingostream/pkg/provider/stt"
	"github.com/lingostream/lingostream/pkg/provider/translate"
)

// TranscriberFallback implements [stt.Transcriber] with automatic failover
// across multiple speech-to-text backends, e.g. an in-process whisper model
// with a whisper-server instance behind it. Each backend has its own circuit
// breaker; when the primary fails or its breaker is open, the next healthy
// fallback is tried.
type TranscriberFallback struct {
	group *FallbackGroup[stt.Transcriber]
}

// Compile-time interface assertion.
var _ stt.Transcriber = (*TranscriberFallback)(nil)

// NewTranscriberFallback creates a [TranscriberFallback] with primary as the
// preferred backend.
func NewTranscriberFallback(primary stt.Transcriber, primaryName string, cfg FallbackConfig) *TranscriberFallback {
	return &TranscriberFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional speech-to-text backend.
func (f *TranscriberFallback) AddFallback(name string, t stt.Transcriber) {
	f.group.AddFallback(name, t)
}

// Transcribe sends the segment to the first healthy backend and returns its
// result. If the primary fails, subsequent fallbacks are tried.
func (f *TranscriberFallback) Transcribe(ctx context.Context, pcm []byte, sourceLang string) (stt.Result, error) {
	return ExecuteWithResult(f.group, func(t stt.Transcriber) (stt.Result, error) {
		return t.Transcribe(ctx, pcm, sourceLang)
	})
}

// TranslatorFallback implements [translate.Translator] with automatic
// failover across multiple translation backends.
type TranslatorFallback struct {
	group *FallbackGroup[translate.Translator]
}

// Compile-time interface assertion.
var _ translate.Translator = (*TranslatorFallback)(nil)

// NewTranslatorFallback creates a [TranslatorFallback] with primary as the
// preferred backend.
func NewTranslatorFallback(primary translate.Translator, primaryName string, cfg FallbackConfig) *TranslatorFallback {
	return &TranslatorFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional translation backend.
func (f *TranslatorFallback) AddFallback(name string, t translate.Translator) {
	f.group.AddFallback(name, t)
}

// Translate sends the text to the first healthy backend and returns its
// translation. If the primary fails, subsequent fallbacks are tried.
func (f *TranslatorFallback) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	return ExecuteWithResult(f.group, func(t translate.Translator) (string, error) {
		return t.Translate(ctx, text, sourceLang, targetLang)
	})
}
