// Package config loads the pipeline's configuration from environment
// variables into typed per-service sections.
//
// All three binaries share one schema: [FromEnv] parses every documented
// variable, applies defaults for the absent ones, and validates only the
// requirements of the service that is starting. Durations are configured in
// milliseconds (the *_MS variables) and stored as [time.Duration].
package config

import (
	"log/slog"
	"strings"
	"time"
)

// LogLevel controls log verbosity for the pipeline services.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l onto the slog levels. Unrecognised values map to info so a
// typo degrades verbosity instead of crashing logging.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Service identifies which binary is loading the configuration. It selects
// the HEALTH_PORT default and which settings are required.
type Service string

const (
	ServiceGateway           Service = "gateway"
	ServiceSTTWorker         Service = "stt-worker"
	ServiceTranslationWorker Service = "translation-worker"
)

// IsValid reports whether s is a recognised service name.
func (s Service) IsValid() bool {
	switch s {
	case ServiceGateway, ServiceSTTWorker, ServiceTranslationWorker:
		return true
	}
	return false
}

// Config is the root configuration for one pipeline service.
// It is assembled from the environment by [FromEnv].
type Config struct {
	// Service is the binary this configuration was loaded for.
	Service Service

	// LogLevel controls verbosity (LOG_LEVEL).
	LogLevel LogLevel

	// HealthPort is where the service exposes /healthz, /readyz and
	// /metrics (HEALTH_PORT). Each binary defaults to its own port so one
	// host can run all three.
	HealthPort int

	Broker  BrokerConfig
	Gateway GatewayConfig
	Worker  WorkerConfig
	VAD     VADConfig
	Models  ModelsConfig
}

// BrokerConfig holds the connection settings for the message broker.
type BrokerConfig struct {
	// URL is the broker connection string (BROKER_URL),
	// e.g. "redis://localhost:6379/0".
	URL string
}

// GatewayConfig holds the WebSocket gateway's network, flow-control, and
// segmentation settings.
type GatewayConfig struct {
	// Port is the WebSocket listen port (GATEWAY_PORT).
	Port int

	// SilenceThreshold is how much continuous fused-VAD silence closes an
	// open segment (SILENCE_THRESHOLD_MS).
	SilenceThreshold time.Duration

	// PreRoll is the window of audio retained before speech onset and
	// prepended to each segment, so attacks are not clipped (PRE_ROLL_MS).
	PreRoll time.Duration

	// MaxBuffer caps one segment; the session force-flushes when an
	// utterance reaches this length (MAX_BUFFER_MS).
	MaxBuffer time.Duration

	// StreamChunk is the cadence at which partial-transcription chunks are
	// cut from an open segment (STREAM_CHUNK_MS).
	StreamChunk time.Duration

	// AckWait bounds how long a final held back by an unacknowledged
	// predecessor may wait before being published anyway (ACK_WAIT_MS).
	AckWait time.Duration

	// PublishDeadline bounds each broker publish (PUBLISH_DEADLINE_MS).
	PublishDeadline time.Duration

	// MaxQueueDepth is the audio_jobs stream depth above which new segments
	// are rejected with a backpressure error frame (MAX_QUEUE_DEPTH).
	MaxQueueDepth int

	// SessionTTL arms the expiry of the per-session broker hash
	// (SESSION_TTL_MS).
	SessionTTL time.Duration

	// VolumeGain scales inbound PCM after resampling (VOLUME_GAIN).
	VolumeGain float64

	// DefaultSourceLang and DefaultTargetLang seed sessions that have not
	// sent set_langs yet (DEFAULT_SOURCE_LANG, DEFAULT_TARGET_LANG).
	DefaultSourceLang string
	DefaultTargetLang string
}

// WorkerConfig tunes the consumer-group loops shared by both workers.
type WorkerConfig struct {
	// AckWait is how long a delivered stream entry may sit unacknowledged
	// before a peer may claim it; also the reclaim scan cadence
	// (ACK_WAIT_MS).
	AckWait time.Duration

	// ModelDeadline bounds one transcription or translation call
	// (MODEL_DEADLINE_MS).
	ModelDeadline time.Duration

	// PublishDeadline bounds each broker publish (PUBLISH_DEADLINE_MS).
	PublishDeadline time.Duration

	// Block is the long-poll window of the blocking stream read (BLOCK_MS).
	Block time.Duration

	// BatchMax and BatchWait bound the opportunistic batch the STT worker
	// gathers once the first job arrives (BATCH_MAX, BATCH_WAIT_MS).
	BatchMax  int
	BatchWait time.Duration

	// TranslateCacheSize caps the translation worker's LRU cache
	// (TRANSLATE_CACHE_SIZE).
	TranslateCacheSize int
}

// VADConfig tunes the two detectors of the fused voice-activity engine.
type VADConfig struct {
	// Aggressiveness selects the energy detector preset, 0 (most
	// permissive) to 3 (most aggressive) (VAD_A_AGGR).
	Aggressiveness int

	// SileroThreshold is the neural detector's speech-probability cutoff,
	// exclusive range (0, 1) (VAD_B_THRESHOLD).
	SileroThreshold float64

	// SileroModelPath locates the Silero VAD ONNX model file
	// (SILERO_MODEL_PATH). Required by the gateway.
	SileroModelPath string

	// ORTLibraryPath optionally points ONNX Runtime at a specific shared
	// library (ORT_LIBRARY_PATH); empty uses the system default.
	ORTLibraryPath string
}

// Translator backend families.
const (
	TranslateFamilyAnyLLM = "anyllm"
	TranslateFamilyOpenAI = "openai"
)

// TranslateBackend names one Translator construction. The anyllm family
// expects Model in "provider/model" form (e.g. "ollama/llama3.1"); the
// openai family takes a bare model name.
type TranslateBackend struct {
	Family  string
	Model   string
	BaseURL string
	APIKey  string
}

// Configured reports whether any of the backend's variables were set.
func (b TranslateBackend) Configured() bool {
	return b.Family != "" || b.Model != "" || b.BaseURL != "" || b.APIKey != ""
}

// Split separates a provider-qualified Model string into the any-llm
// provider name and the bare model. A Model with no "/" yields an empty
// provider.
func (b TranslateBackend) Split() (provider, model string) {
	provider, model, ok := strings.Cut(b.Model, "/")
	if !ok {
		return "", b.Model
	}
	return provider, model
}

// ModelsConfig selects the model backends the workers construct.
type ModelsConfig struct {
	// WhisperModelPath enables the in-process whisper.cpp Transcriber and
	// WhisperServerURL the whisper-server HTTP one (WHISPER_MODEL_PATH,
	// WHISPER_SERVER_URL). The STT worker needs at least one and chains
	// native first, server second, when both are set.
	WhisperModelPath string
	WhisperServerURL string

	// Translate is the primary Translator; TranslateFallback, when
	// configured, is tried after it behind its own circuit breaker
	// (TRANSLATE_* and TRANSLATE_FALLBACK_* variables).
	Translate         TranslateBackend
	TranslateFallback TranslateBackend

	// LanguagesFile optionally overrides the embedded language registry
	// (LANGUAGES_FILE).
	LanguagesFile string
}
