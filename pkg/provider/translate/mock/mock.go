// Package mock provides a test double for the translate.Translator interface.
//
// Pre-set Result (or a Script of results) and Err, then inspect
// TranslateCalls to verify what the caller asked to translate.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/lingostream/lingostream/pkg/provider/translate"
)

// TranslateCall records a single invocation of Translator.Translate.
type TranslateCall struct {
	Text       string
	SourceLang string
	TargetLang string
}

// Translator is a mock implementation of translate.Translator.
type Translator struct {
	mu sync.Mutex

	// Result is returned by Translate when Script is exhausted or empty.
	Result string

	// Script, if non-empty, is played back one entry per call before
	// falling back to Result.
	Script []string

	// Err, if non-nil, is returned as the error from every Translate call.
	Err error

	// Delay, if non-zero, makes Translate wait before returning, honouring
	// context cancellation. Useful for exercising deadline paths.
	Delay time.Duration

	// TranslateCalls records every call in order.
	TranslateCalls []TranslateCall

	scriptPos int
}

// Translate records the call and returns the scripted result, Result or Err.
func (m *Translator) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	m.mu.Lock()
	m.TranslateCalls = append(m.TranslateCalls, TranslateCall{
		Text:       text,
		SourceLang: sourceLang,
		TargetLang: targetLang,
	})
	res := m.Result
	if m.scriptPos < len(m.Script) {
		res = m.Script[m.scriptPos]
		m.scriptPos++
	}
	err := m.Err
	delay := m.Delay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return "", err
	}
	return res, nil
}

// TranslateCallCount returns the number of Translate calls. Thread-safe.
func (m *Translator) TranslateCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.TranslateCalls)
}

// ResetCalls clears all recorded calls and rewinds the script. Thread-safe.
func (m *Translator) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TranslateCalls = nil
	m.scriptPos = 0
}

// Ensure Translator implements translate.Translator at compile time.
var _ translate.Translator = (*Translator)(nil)
