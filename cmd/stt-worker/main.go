// Command stt-worker drains the audio job stream and turns speech segments
// into transcripts. Run more instances of it to scale transcription: every
// process joins the same consumer group.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/lingostream/lingostream/internal/broker"
	"github.com/lingostream/lingostream/internal/config"
	"github.com/lingostream/lingostream/internal/health"
	"github.com/lingostream/lingostream/internal/observe"
	"github.com/lingostream/lingostream/internal/resilience"
	"github.com/lingostream/lingostream/internal/wire"
	"github.com/lingostream/lingostream/internal/worker"
	"github.com/lingostream/lingostream/pkg/provider/stt"
	"github.com/lingostream/lingostream/pkg/provider/stt/whisper"
)

const shutdownGrace = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.FromEnv(config.ServiceSTTWorker)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stt-worker: %v\n", err)
		return 1
	}

	slog.SetDefault(newLogger(cfg.LogLevel))
	slog.Info("stt worker starting",
		"health_port", cfg.HealthPort,
		"model_deadline", cfg.Worker.ModelDeadline,
		"batch_max", cfg.Worker.BatchMax,
		"log_level", cfg.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "lingostream-stt-worker",
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

	// The health listener comes up before the model chain so that /readyz
	// reports "model" red for the whole load, which can take a while for
	// large whisper files.
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

	transcriber, closers, err := buildTranscriber(cfg.Models, metrics)
	if err != nil {
		slog.Error("stt backend init failed", "error", err)
		stop()
		_ = g.Wait()
		return 1
	}
	defer closeAll(closers)
	modelGate.Set(true)

	if err := metrics.RegisterStreamDepth(wire.StreamAudioJobs, func(ctx context.Context) (int64, error) {
		return brk.Depth(ctx, wire.StreamAudioJobs)
	}); err != nil {
		slog.Warn("stream depth gauge unavailable", "error", err)
	}

	w := worker.NewSTT(brk, transcriber, cfg.Worker, metrics)
	g.Go(func() error { return w.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("stt worker terminated", "error", err)
		return 1
	}
	slog.Info("shutdown complete")
	return 0
}

// buildTranscriber assembles the whisper backend chain. When both a model
// file and a server URL are configured the native backend is primary and
// the server its fallback; each sits behind its own circuit breaker.
func buildTranscriber(models config.ModelsConfig, m *observe.Metrics) (stt.Transcriber, []io.Closer, error) {
	fbCfg := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, from, to resilience.State) {
				m.RecordBreakerTransition(name, to.String())
			},
		},
	}

	var (
		chain   *resilience.TranscriberFallback
		closers []io.Closer
	)
	if models.WhisperModelPath != "" {
		native, err := whisper.NewNative(models.WhisperModelPath)
		if err != nil {
			return nil, nil, fmt.Errorf("load whisper model: %w", err)
		}
		closers = append(closers, native)
		chain = resilience.NewTranscriberFallback(native, "whisper-native", fbCfg)
		slog.Info("stt backend ready", "backend", "whisper-native", "model", models.WhisperModelPath)
	}
	if models.WhisperServerURL != "" {
		server, err := whisper.New(models.WhisperServerURL)
		if err != nil {
			closeAll(closers)
			return nil, nil, fmt.Errorf("whisper server client: %w", err)
		}
		if chain == nil {
			chain = resilience.NewTranscriberFallback(server, "whisper-server", fbCfg)
		} else {
			chain.AddFallback("whisper-server", server)
		}
		slog.Info("stt backend ready", "backend", "whisper-server", "url", models.WhisperServerURL)
	}
	if chain == nil {
		return nil, nil, errors.New("no whisper backend configured")
	}
	return chain, closers, nil
}

func closeAll(closers []io.Closer) {
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			slog.Warn("backend close", "error", err)
		}
	}
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
