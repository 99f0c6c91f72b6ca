// Package mock provides a test double for the stt.Transcriber interface.
//
// Pre-set Result (or a Script of results) and Err, then inspect
// TranscribeCalls to verify which segments the caller handed to the model.
//
// Example:
//
//	tr := &mock.Transcriber{Result: stt.Result{Text: "hello"}}
//	res, _ := tr.Transcribe(ctx, pcm, "en")
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/lingostream/lingostream/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Transcriber.Transcribe.
type TranscribeCall struct {
	// PCM is a copy of the audio bytes passed to Transcribe.
	PCM []byte
	// SourceLang is the language hint passed to Transcribe.
	SourceLang string
}

// Transcriber is a mock implementation of stt.Transcriber.
type Transcriber struct {
	mu sync.Mutex

	// Result is returned by Transcribe when Script is exhausted or empty.
	Result stt.Result

	// Script, if non-empty, is played back one entry per call before
	// falling back to Result.
	Script []stt.Result

	// Err, if non-nil, is returned as the error from every Transcribe call.
	Err error

	// Delay, if non-zero, makes Transcribe wait before returning, honouring
	// context cancellation. Useful for exercising deadline paths.
	Delay time.Duration

	// TranscribeCalls records every call in order.
	TranscribeCalls []TranscribeCall

	scriptPos int
}

// Transcribe records the call and returns the scripted result, Result or Err.
func (m *Transcriber) Transcribe(ctx context.Context, pcm []byte, sourceLang string) (stt.Result, error) {
	m.mu.Lock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	m.TranscribeCalls = append(m.TranscribeCalls, TranscribeCall{PCM: cp, SourceLang: sourceLang})
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
			return stt.Result{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return stt.Result{}, err
	}
	return res, nil
}

// TranscribeCallCount returns the number of Transcribe calls. Thread-safe.
func (m *Transcriber) TranscribeCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.TranscribeCalls)
}

// ResetCalls clears all recorded calls and rewinds the script. Thread-safe.
func (m *Transcriber) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TranscribeCalls = nil
	m.scriptPos = 0
}

// Ensure Transcriber implements stt.Transcriber at compile time.
var _ stt.Transcriber = (*Transcriber)(nil)
