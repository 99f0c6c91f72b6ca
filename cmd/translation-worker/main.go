// Command translation-worker drains the final-transcript stream and
// publishes the translated leg of each final back to its session.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/lingostream/lingostream/internal/broker"
	"github.com/lingostream/lingostream/internal/config"
	"github.com/lingostream/lingostream/internal/health"
	"github.com/lingostream/lingostream/internal/lang"
	"github.com/lingostream/lingostream/internal/observe"
	"github.com/lingostream/lingostream/internal/resilience"
	"github.com/lingostream/lingostream/internal/wire"
	"github.com/lingostream/lingostream/internal/worker"
	"github.com/lingostream/lingostream/pkg/provider/translate"
	"github.com/lingostream/lingostream/pkg/provider/translate/anyllm"
	translateoai "github.com/lingostream/lingostream/pkg/provider/translate/openai"
)

const shutdownGrace = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.FromEnv(config.ServiceTranslationWorker)
	if err != nil {
		fmt.Fprintf(os.Stderr, "translation-worker: %v\n", err)
		return 1
	}

	slog.SetDefault(newLogger(cfg.LogLevel))
	slog.Info("translation worker starting",
		"health_port", cfg.HealthPort,
		"model_deadline", cfg.Worker.ModelDeadline,
		"cache_size", cfg.Worker.TranslateCacheSize,
		"log_level", cfg.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "lingostream-translation-worker",
	})
	if err != nil {
		slog.Error("telemetry init failed", "error", err)
		return 1
	}
	defer flushTelemetry(shutdownTelemetry)

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("metrics init failed", "error", err)
		return 1
	}

	brk, err := broker.DialRedis(ctx, cfg.Broker.URL)
	if err != nil {
		slog.Error("broker dial failed", "error", err)
		return 1
	}
	defer func() {
		if err := brk.Close(); err != nil {
			slog.Warn("broker close", "error", err)
		}
	}()

	// Health listener first so /readyz reports "model" red while the
	// translator chain is being assembled.
	modelGate := health.NewGate("model")
	healthSrv := health.NewServer(cfg.HealthPort,
		health.New(health.BrokerChecker(brk), modelGate.Checker()),
		observe.Middleware(metrics),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return healthSrv.ListenAndServe() })
	g.Go(func() error {
		<-gctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return healthSrv.Shutdown(shCtx)
	})

	reg, err := loadRegistry(cfg.Models.LanguagesFile)
	if err != nil {
		slog.Error("language registry load failed", "error", err)
		stop()
		_ = g.Wait()
		return 1
	}

	translator, err := buildTranslator(cfg.Models, metrics)
	if err != nil {
		slog.Error("translation backend init failed", "error", err)
		stop()
		_ = g.Wait()
		return 1
	}
	modelGate.Set(true)

	if err := metrics.RegisterStreamDepth(wire.StreamFinalTranscripts, func(ctx context.Context) (int64, error) {
		return brk.Depth(ctx, wire.StreamFinalTranscripts)
	}); err != nil {
		slog.Warn("stream depth gauge unavailable", "error", err)
	}

	w, err := worker.NewTranslation(brk, translator, reg, cfg.Worker, metrics)
	if err != nil {
		slog.Error("worker init failed", "error", err)
		stop()
		_ = g.Wait()
		return 1
	}
	g.Go(func() error { return w.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("translation worker terminated", "error", err)
		return 1
	}
	slog.Info("shutdown complete")
	return 0
}

// buildTranslator assembles the translation chain: the configured primary
// first, the fallback backend after it, each behind its own breaker.
func buildTranslator(models config.ModelsConfig, m *observe.Metrics) (translate.Translator, error) {
	fbCfg := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, from, to resilience.State) {
				m.RecordBreakerTransition(name, to.String())
			},
		},
	}

	primary, name, err := newTranslateBackend(models.Translate)
	if err != nil {
		return nil, err
	}
	chain := resilience.NewTranslatorFallback(primary, name, fbCfg)
	slog.Info("translation backend ready", "backend", name)

	if models.TranslateFallback.Configured() {
		fallback, fbName, err := newTranslateBackend(models.TranslateFallback)
		if err != nil {
			return nil, fmt.Errorf("fallback: %w", err)
		}
		chain.AddFallback(fbName, fallback)
		slog.Info("translation fallback ready", "backend", fbName)
	}
	return chain, nil
}

func newTranslateBackend(b config.TranslateBackend) (translate.Translator, string, error) {
	switch b.Family {
	case config.TranslateFamilyOpenAI:
		var opts []translateoai.Option
		if b.BaseURL != "" {
			opts = append(opts, translateoai.WithBaseURL(b.BaseURL))
		}
		tr, err := translateoai.New(b.APIKey, b.Model, opts...)
		if err != nil {
			return nil, "", fmt.Errorf("openai translator: %w", err)
		}
		return tr, "openai:" + b.Model, nil

	case config.TranslateFamilyAnyLLM:
		provider, model := b.Split()
		var opts []anyllmlib.Option
		if b.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(b.APIKey))
		}
		if b.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(b.BaseURL))
		}
		tr, err := anyllm.New(provider, model, opts...)
		if err != nil {
			return nil, "", fmt.Errorf("anyllm translator: %w", err)
		}
		return tr, "anyllm:" + b.Model, nil

	default:
		return nil, "", fmt.Errorf("unknown translate family %q", b.Family)
	}
}

func loadRegistry(path string) (*lang.Registry, error) {
	if path == "" {
		return lang.Default()
	}
	return lang.LoadFile(path)
}

func newLogger(level config.LogLevel) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level.Level()}))
}

func flushTelemetry(shutdown func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		slog.Warn("telemetry shutdown", "error", err)
	}
}
