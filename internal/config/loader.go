package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Per-service HEALTH_PORT defaults.
const (
	defaultGatewayHealthPort     = 8016
	defaultSTTHealthPort         = 8017
	defaultTranslationHealthPort = 8018
)

// FromEnv assembles the configuration for service from the process
// environment and validates it. Malformed values fail loudly; absent values
// fall back to the documented defaults. The returned error joins every
// problem found, so a misconfigured deployment surfaces all of them in one
// start attempt.
func FromEnv(service Service) (*Config, error) {
	if !service.IsValid() {
		return nil, fmt.Errorf("config: unknown service %q", service)
	}

	healthDefault := defaultGatewayHealthPort
	switch service {
	case ServiceSTTWorker:
		healthDefault = defaultSTTHealthPort
	case ServiceTranslationWorker:
		healthDefault = defaultTranslationHealthPort
	}

	p := &parser{}

	// Two variables feed both the gateway and worker sections.
	ackWait := p.millis("ACK_WAIT_MS", 5000)
	publishDeadline := p.millis("PUBLISH_DEADLINE_MS", 3000)

	cfg := &Config{
		Service:    service,
		LogLevel:   LogLevel(strings.ToLower(p.str("LOG_LEVEL", "info"))),
		HealthPort: p.num("HEALTH_PORT", healthDefault),
		Broker: BrokerConfig{
			URL: p.str("BROKER_URL", "redis://localhost:6379/0"),
		},
		Gateway: GatewayConfig{
			Port:              p.num("GATEWAY_PORT", 8015),
			SilenceThreshold:  p.millis("SILENCE_THRESHOLD_MS", 2000),
			PreRoll:           p.millis("PRE_ROLL_MS", 1000),
			MaxBuffer:         p.millis("MAX_BUFFER_MS", 30000),
			StreamChunk:       p.millis("STREAM_CHUNK_MS", 800),
			AckWait:           ackWait,
			PublishDeadline:   publishDeadline,
			MaxQueueDepth:     p.num("MAX_QUEUE_DEPTH", 100),
			SessionTTL:        p.millis("SESSION_TTL_MS", 900000),
			VolumeGain:        p.float("VOLUME_GAIN", 1.0),
			DefaultSourceLang: p.str("DEFAULT_SOURCE_LANG", "en"),
			DefaultTargetLang: p.str("DEFAULT_TARGET_LANG", "en"),
		},
		Worker: WorkerConfig{
			AckWait:            ackWait,
			ModelDeadline:      p.millis("MODEL_DEADLINE_MS", 15000),
			PublishDeadline:    publishDeadline,
			Block:              p.millis("BLOCK_MS", 1000),
			BatchMax:           p.num("BATCH_MAX", 4),
			BatchWait:          p.millis("BATCH_WAIT_MS", 60),
			TranslateCacheSize: p.num("TRANSLATE_CACHE_SIZE", 1024),
		},
		VAD: VADConfig{
			Aggressiveness:  p.num("VAD_A_AGGR", 2),
			SileroThreshold: p.float("VAD_B_THRESHOLD", 0.5),
			SileroModelPath: p.str("SILERO_MODEL_PATH", ""),
			ORTLibraryPath:  p.str("ORT_LIBRARY_PATH", ""),
		},
		Models: ModelsConfig{
			WhisperModelPath: p.str("WHISPER_MODEL_PATH", ""),
			WhisperServerURL: p.str("WHISPER_SERVER_URL", ""),
			Translate: TranslateBackend{
				Family:  strings.ToLower(p.str("TRANSLATE_PROVIDER", TranslateFamilyAnyLLM)),
				Model:   p.str("TRANSLATE_MODEL", ""),
				BaseURL: p.str("TRANSLATE_BASE_URL", ""),
				APIKey:  p.str("TRANSLATE_API_KEY", ""),
			},
			TranslateFallback: TranslateBackend{
				Family:  strings.ToLower(p.str("TRANSLATE_FALLBACK_PROVIDER", "")),
				Model:   p.str("TRANSLATE_FALLBACK_MODEL", ""),
				BaseURL: p.str("TRANSLATE_FALLBACK_BASE_URL", ""),
				APIKey:  p.str("TRANSLATE_FALLBACK_API_KEY", ""),
			},
			LanguagesFile: p.str("LANGUAGES_FILE", ""),
		},
	}

	// A fallback configured by model alone belongs to the default family.
	if cfg.Models.TranslateFallback.Configured() && cfg.Models.TranslateFallback.Family == "" {
		cfg.Models.TranslateFallback.Family = TranslateFamilyAnyLLM
	}

	if err := errors.Join(p.errs...); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if len(p.defaulted) > 0 {
		slog.Debug("config: defaults applied", "service", string(service), "vars", p.defaulted)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values for its
// service. It returns a joined error listing all violations found.
func (c *Config) Validate() error {
	var errs []error

	if c.LogLevel != "" && !c.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("LOG_LEVEL %q is invalid; valid values: debug, info, warn, error", c.LogLevel))
	}
	errs = append(errs, validPort("HEALTH_PORT", c.HealthPort)...)
	if c.Broker.URL == "" {
		errs = append(errs, errors.New("BROKER_URL must not be empty"))
	}

	// Timing values shared by more than one service. These have sane
	// defaults; only explicit garbage lands here.
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"SILENCE_THRESHOLD_MS", c.Gateway.SilenceThreshold},
		{"MAX_BUFFER_MS", c.Gateway.MaxBuffer},
		{"STREAM_CHUNK_MS", c.Gateway.StreamChunk},
		{"ACK_WAIT_MS", c.Gateway.AckWait},
		{"PUBLISH_DEADLINE_MS", c.Gateway.PublishDeadline},
		{"SESSION_TTL_MS", c.Gateway.SessionTTL},
		{"MODEL_DEADLINE_MS", c.Worker.ModelDeadline},
		{"BLOCK_MS", c.Worker.Block},
	} {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.name))
		}
	}
	// Zero disables the pre-roll and the batch linger; negatives are still
	// nonsense.
	if c.Gateway.PreRoll < 0 {
		errs = append(errs, errors.New("PRE_ROLL_MS must not be negative"))
	}
	if c.Worker.BatchWait < 0 {
		errs = append(errs, errors.New("BATCH_WAIT_MS must not be negative"))
	}
	if c.Gateway.PreRoll >= c.Gateway.MaxBuffer && c.Gateway.MaxBuffer > 0 {
		errs = append(errs, fmt.Errorf("PRE_ROLL_MS (%v) must be below MAX_BUFFER_MS (%v)", c.Gateway.PreRoll, c.Gateway.MaxBuffer))
	}

	errs = append(errs, validPort("GATEWAY_PORT", c.Gateway.Port)...)
	if c.Gateway.MaxQueueDepth < 1 {
		errs = append(errs, errors.New("MAX_QUEUE_DEPTH must be at least 1"))
	}
	if c.Gateway.VolumeGain <= 0 {
		errs = append(errs, fmt.Errorf("VOLUME_GAIN %.2f must be positive", c.Gateway.VolumeGain))
	}
	if c.Gateway.DefaultSourceLang == "" {
		errs = append(errs, errors.New("DEFAULT_SOURCE_LANG must not be empty"))
	}
	if c.Gateway.DefaultTargetLang == "" {
		errs = append(errs, errors.New("DEFAULT_TARGET_LANG must not be empty"))
	}

	if c.VAD.Aggressiveness < 0 || c.VAD.Aggressiveness > 3 {
		errs = append(errs, fmt.Errorf("VAD_A_AGGR %d is out of range [0, 3]", c.VAD.Aggressiveness))
	}
	if c.VAD.SileroThreshold <= 0 || c.VAD.SileroThreshold >= 1 {
		errs = append(errs, fmt.Errorf("VAD_B_THRESHOLD %.2f is out of range (0, 1)", c.VAD.SileroThreshold))
	}

	if c.Worker.BatchMax < 1 {
		errs = append(errs, errors.New("BATCH_MAX must be at least 1"))
	}
	if c.Worker.TranslateCacheSize < 1 {
		errs = append(errs, errors.New("TRANSLATE_CACHE_SIZE must be at least 1"))
	}

	// Requirements only the starting service can judge.
	switch c.Service {
	case ServiceGateway:
		if c.VAD.SileroModelPath == "" {
			errs = append(errs, errors.New("SILERO_MODEL_PATH is required by the gateway"))
		}
	case ServiceSTTWorker:
		if c.Models.WhisperModelPath == "" && c.Models.WhisperServerURL == "" {
			errs = append(errs, errors.New("stt worker needs WHISPER_MODEL_PATH or WHISPER_SERVER_URL (both chain native first)"))
		}
	case ServiceTranslationWorker:
		errs = append(errs, c.Models.Translate.validate("TRANSLATE")...)
		if c.Models.TranslateFallback.Configured() {
			errs = append(errs, c.Models.TranslateFallback.validate("TRANSLATE_FALLBACK")...)
		}
	}

	return errors.Join(errs...)
}

// validate checks one Translator backend. prefix is the environment variable
// prefix used in messages ("TRANSLATE" or "TRANSLATE_FALLBACK").
func (b TranslateBackend) validate(prefix string) []error {
	var errs []error
	switch b.Family {
	case TranslateFamilyAnyLLM:
		provider, model := b.Split()
		switch {
		case b.Model == "":
			errs = append(errs, fmt.Errorf(`%s_MODEL is required (e.g. "ollama/llama3.1")`, prefix))
		case provider == "" || model == "":
			errs = append(errs, fmt.Errorf(`%s_MODEL %q needs "provider/model" form for the anyllm family`, prefix, b.Model))
		}
	case TranslateFamilyOpenAI:
		if b.Model == "" {
			errs = append(errs, fmt.Errorf("%s_MODEL is required", prefix))
		}
		if b.APIKey == "" && b.BaseURL == "" {
			errs = append(errs, fmt.Errorf("%s_API_KEY is required for the openai family (or %s_BASE_URL for a compatible server)", prefix, prefix))
		}
	default:
		errs = append(errs, fmt.Errorf("%s_PROVIDER %q is invalid; valid values: anyllm, openai", prefix, b.Family))
	}
	return errs
}

func validPort(name string, port int) []error {
	if port < 1 || port > 65535 {
		return []error{fmt.Errorf("%s %d is out of range [1, 65535]", name, port)}
	}
	return nil
}

// parser accumulates parse failures and default substitutions across one
// FromEnv pass, so every malformed variable is reported together. An empty
// variable counts as absent.
type parser struct {
	errs      []error
	defaulted []string
}

func (p *parser) str(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	if def != "" {
		p.defaulted = append(p.defaulted, key)
	}
	return def
}

func (p *parser) num(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		p.defaulted = append(p.defaulted, key)
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not an integer", key, v))
		return def
	}
	return n
}

func (p *parser) millis(key string, def int) time.Duration {
	return time.Duration(p.num(key, def)) * time.Millisecond
}

func (p *parser) float(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		p.defaulted = append(p.defaulted, key)
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not a number", key, v))
		return def
	}
	return f
}
