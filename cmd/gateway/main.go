// Command gateway is the WebSocket ingress of the pipeline: it terminates
// client connections, segments speech, and feeds the worker pools through
// the broker.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/lingostream/lingostream/internal/broker"
	"github.com/lingostream/lingostream/internal/config"
	"github.com/lingostream/lingostream/internal/gateway"
	"github.com/lingostream/lingostream/internal/health"
	"github.com/lingostream/lingostream/internal/lang"
	"github.com/lingostream/lingostream/internal/observe"
	"github.com/lingostream/lingostream/internal/wire"
	"github.com/lingostream/lingostream/pkg/provider/vad"
	"github.com/lingostream/lingostream/pkg/provider/vad/energy"
	"github.com/lingostream/lingostream/pkg/provider/vad/silero"
)

const shutdownGrace = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.FromEnv(config.ServiceGateway)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		return 1
	}

	slog.SetDefault(newLogger(cfg.LogLevel))
	slog.Info("gateway starting",
		"port", cfg.Gateway.Port,
		"health_port", cfg.HealthPort,
		"log_level", cfg.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "lingostream-gateway",
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

	// Health listener first so /readyz reports "startup" red while the
	// Silero session loads and the listener warms up.
	startup := health.NewGate("startup")
	healthSrv := health.NewServer(cfg.HealthPort,
		health.New(health.BrokerChecker(brk), startup.Checker()),
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

	vads, err := buildVADFactory(cfg.VAD)
	if err != nil {
		slog.Error("vad init failed", "error", err)
		stop()
		_ = g.Wait()
		return 1
	}

	if err := metrics.RegisterStreamDepth(wire.StreamAudioJobs, func(ctx context.Context) (int64, error) {
		return brk.Depth(ctx, wire.StreamAudioJobs)
	}); err != nil {
		slog.Warn("stream depth gauge unavailable", "error", err)
	}

	srv := gateway.New(cfg.Gateway, brk, vads, reg, metrics)

	printStartupSummary(cfg, srv.Instance())

	g.Go(func() error { return srv.Run(gctx) })

	startup.Set(true)
	slog.Info("gateway ready", "instance", srv.Instance())

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("gateway terminated", "error", err)
		return 1
	}
	slog.Info("gateway stopped")
	return 0
}

// buildVADFactory assembles the per-session detector factory: the energy
// detector votes first and Silero confirms, so a frame counts as speech
// only when both agree.
func buildVADFactory(cfg config.VADConfig) (vad.Factory, error) {
	opts := []silero.Option{silero.WithThreshold(float32(cfg.SileroThreshold))}
	if cfg.ORTLibraryPath != "" {
		opts = append(opts, silero.WithRuntimeLibrary(cfg.ORTLibraryPath))
	}
	neural, err := silero.New(cfg.SileroModelPath, opts...)
	if err != nil {
		return nil, err
	}
	return &vad.FusedFactory{
		A: &energy.Factory{Aggressiveness: cfg.Aggressiveness},
		B: neural,
	}, nil
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

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, instance string) {
	fmt.Println("╔════════════════════════════════════════╗")
	fmt.Println("║      LingoStream — audio gateway       ║")
	fmt.Println("╠════════════════════════════════════════╣")
	printRow("Instance", instance)
	printRow("WebSocket port", strconv.Itoa(cfg.Gateway.Port))
	printRow("Health port", strconv.Itoa(cfg.HealthPort))
	printRow("Languages", cfg.Gateway.DefaultSourceLang+" -> "+cfg.Gateway.DefaultTargetLang)
	printRow("Silence cutoff", cfg.Gateway.SilenceThreshold.String())
	printRow("Max queue depth", strconv.Itoa(cfg.Gateway.MaxQueueDepth))
	printRow("Session TTL", cfg.Gateway.SessionTTL.String())
	fmt.Println("╚════════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-15s : %-19s ║\n", label, value)
}
