// Package wire defines the payloads that cross the broker between the
// gateway and the worker pools: audio segment jobs on the audio_jobs
// stream, translation jobs on the final_transcripts stream, and result
// messages on the per-session results channel.
//
// Stream entries are encoded as flat string maps because the broker's
// stream API transports hashes of strings; audio is base64-encoded inside
// them. Result messages are JSON because the pub/sub channel carries
// opaque bytes.
package wire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
)

// Stream names and consumer groups. Gateways append to StreamAudioJobs;
// STT workers consume it via GroupSTT and append finals to
// StreamFinalTranscripts, which translation workers consume via
// GroupTranslation.
const (
	StreamAudioJobs        = "audio_jobs"
	StreamFinalTranscripts = "final_transcripts"
	GroupSTT               = "stt-workers"
	GroupTranslation       = "translation-workers"
)

// ResultsChannel returns the pub/sub channel name carrying all results
// (partial and final) for one session.
func ResultsChannel(sessionID string) string {
	return "results:" + sessionID
}

// JobID builds the idempotency key for a segment job. The epoch is part of
// the key because segment_seq restarts from zero after a start_over.
func JobID(sessionID string, epoch, seq uint64) string {
	return sessionID + ":" + strconv.FormatUint(epoch, 10) + ":" + strconv.FormatUint(seq, 10)
}

// ─── Audio segment jobs ───────────────────────────────────────────────────────

// AudioJob is one audio segment emitted by a gateway session and consumed
// by exactly one STT worker. Audio is raw PCM, 16-bit little-endian signed,
// 16 kHz mono; the gateway resamples before publishing.
type AudioJob struct {
	// JobID is the idempotency key, session_id:epoch:segment_seq.
	JobID string

	// SessionID identifies the originating client session.
	SessionID string

	// SegmentSeq is the session-monotonic segment counter. Strictly
	// increasing within one epoch.
	SegmentSeq uint64

	// Epoch is the session's start_over generation. Results tagged with an
	// older epoch are dropped by the gateway.
	Epoch uint64

	// Audio is the raw PCM payload for this segment. Partial jobs carry the
	// whole utterance buffer accumulated so far; final jobs carry the full
	// utterance.
	Audio []byte

	// SampleRate is always 16000 after gateway resampling; carried so
	// workers never have to assume.
	SampleRate int

	SourceLang string
	TargetLang string

	// TranslationEnabled mirrors source != target at emission time.
	TranslationEnabled bool

	// IsFinal marks the segment that seals an utterance.
	IsFinal bool

	// TS is the emission time in Unix milliseconds.
	TS int64

	// GatewayInstance identifies the emitting gateway process, for
	// operational tracing only.
	GatewayInstance string
}

// StreamValues encodes the job as a flat string map suitable for a stream
// append.
func (j AudioJob) StreamValues() map[string]any {
	return map[string]any{
		"job_id":              j.JobID,
		"session_id":          j.SessionID,
		"segment_seq":         strconv.FormatUint(j.SegmentSeq, 10),
		"epoch":               strconv.FormatUint(j.Epoch, 10),
		"audio_b64":           base64.StdEncoding.EncodeToString(j.Audio),
		"sample_rate":         strconv.Itoa(j.SampleRate),
		"source_lang":         j.SourceLang,
		"target_lang":         j.TargetLang,
		"translation_enabled": strconv.FormatBool(j.TranslationEnabled),
		"is_final":            strconv.FormatBool(j.IsFinal),
		"ts":                  strconv.FormatInt(j.TS, 10),
		"gateway_instance":    j.GatewayInstance,
	}
}

// AudioJobFromValues decodes a stream entry produced by StreamValues.
// Unknown fields are ignored so that rolling upgrades can add fields
// without breaking old consumers.
func AudioJobFromValues(values map[string]any) (AudioJob, error) {
	var (
		j   AudioJob
		err error
	)
	j.JobID = str(values, "job_id")
	j.SessionID = str(values, "session_id")
	if j.SessionID == "" {
		return AudioJob{}, fmt.Errorf("wire: audio job missing session_id")
	}
	if j.SegmentSeq, err = num(values, "segment_seq"); err != nil {
		return AudioJob{}, fmt.Errorf("wire: audio job: %w", err)
	}
	if j.Epoch, err = num(values, "epoch"); err != nil {
		return AudioJob{}, fmt.Errorf("wire: audio job: %w", err)
	}
	j.Audio, err = base64.StdEncoding.DecodeString(str(values, "audio_b64"))
	if err != nil {
		return AudioJob{}, fmt.Errorf("wire: audio job: decode audio_b64: %w", err)
	}
	sr, err := num(values, "sample_rate")
	if err != nil {
		return AudioJob{}, fmt.Errorf("wire: audio job: %w", err)
	}
	j.SampleRate = int(sr)
	j.SourceLang = str(values, "source_lang")
	j.TargetLang = str(values, "target_lang")
	j.TranslationEnabled = str(values, "translation_enabled") == "true"
	j.IsFinal = str(values, "is_final") == "true"
	ts, err := num(values, "ts")
	if err != nil {
		return AudioJob{}, fmt.Errorf("wire: audio job: %w", err)
	}
	j.TS = int64(ts)
	j.GatewayInstance = str(values, "gateway_instance")
	return j, nil
}

// ─── Translation jobs ─────────────────────────────────────────────────────────

// TranslationJob is one final transcript handed from an STT worker to the
// translation pool. Only finals travel this stream; partials never do.
type TranslationJob struct {
	SessionID  string
	SegmentSeq uint64
	Epoch      uint64
	Text       string
	SourceLang string
	TargetLang string

	// TS is the STT worker's emission time in Unix milliseconds.
	TS int64
}

// StreamValues encodes the job as a flat string map suitable for a stream
// append.
func (j TranslationJob) StreamValues() map[string]any {
	return map[string]any{
		"session_id":  j.SessionID,
		"segment_seq": strconv.FormatUint(j.SegmentSeq, 10),
		"epoch":       strconv.FormatUint(j.Epoch, 10),
		"text":        j.Text,
		"source_lang": j.SourceLang,
		"target_lang": j.TargetLang,
		"ts":          strconv.FormatInt(j.TS, 10),
	}
}

// TranslationJobFromValues decodes a stream entry produced by StreamValues.
func TranslationJobFromValues(values map[string]any) (TranslationJob, error) {
	var (
		j   TranslationJob
		err error
	)
	j.SessionID = str(values, "session_id")
	if j.SessionID == "" {
		return TranslationJob{}, fmt.Errorf("wire: translation job missing session_id")
	}
	if j.SegmentSeq, err = num(values, "segment_seq"); err != nil {
		return TranslationJob{}, fmt.Errorf("wire: translation job: %w", err)
	}
	if j.Epoch, err = num(values, "epoch"); err != nil {
		return TranslationJob{}, fmt.Errorf("wire: translation job: %w", err)
	}
	j.Text = str(values, "text")
	j.SourceLang = str(values, "source_lang")
	j.TargetLang = str(values, "target_lang")
	ts, err := num(values, "ts")
	if err != nil {
		return TranslationJob{}, fmt.Errorf("wire: translation job: %w", err)
	}
	j.TS = int64(ts)
	return j, nil
}

// ─── Results ──────────────────────────────────────────────────────────────────

// Result is one message on a session's results channel. Workers publish
// them; the gateway's result router consumes them. Every result carries the
// session, sequence and epoch so the router can apply its drop rules
// without further lookups.
type Result struct {
	SessionID  string `json:"session_id"`
	SegmentSeq uint64 `json:"segment_seq"`
	Epoch      uint64 `json:"epoch"`

	// Text is the transcription. Empty text on a final means the model
	// failed on this segment and the gateway should unblock silently.
	Text string `json:"text"`

	// Translation is set only on results published by the translation pool.
	Translation string `json:"translation,omitempty"`

	// DetectedLang is the model-reported source language, when available.
	DetectedLang string `json:"detected_lang,omitempty"`

	IsFinal bool `json:"is_final"`

	// TS is the publishing worker's emission time in Unix milliseconds.
	TS int64 `json:"ts"`
}

// Encode marshals the result for publishing.
func (r Result) Encode() ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("wire: encode result: %w", err)
	}
	return b, nil
}

// DecodeResult unmarshals a results-channel payload.
func DecodeResult(data []byte) (Result, error) {
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return Result{}, fmt.Errorf("wire: decode result: %w", err)
	}
	if r.SessionID == "" {
		return Result{}, fmt.Errorf("wire: result missing session_id")
	}
	return r, nil
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// str reads a string field from a decoded stream entry. Stream values come
// back as strings but the client API types them as any.
func str(values map[string]any, key string) string {
	if v, ok := values[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// num reads an unsigned numeric field from a decoded stream entry.
func num(values map[string]any, key string) (uint64, error) {
	s := str(values, key)
	if s == "" {
		return 0, fmt.Errorf("missing field %q", key)
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("field %q: %w", key, err)
	}
	return n, nil
}
