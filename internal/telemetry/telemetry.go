package telemetry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"pyceon-backend/internal/config"
	"pyceon-backend/pkg/logger"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

const instrumentationName = "pyceon-backend"

// Telemetry bundles the tracer and the guide counters. The zero cost Noop
// variant is used when telemetry is disabled and in tests.
type Telemetry struct {
	Tracer trace.Tracer

	requests      metric.Int64Counter
	fragments     metric.Int64Counter
	backendErrors metric.Int64Counter
	disconnects   metric.Int64Counter
	duration      metric.Float64Histogram

	shutdown func(context.Context) error
}

// Noop returns telemetry that records nothing.
func Noop() *Telemetry {
	t, _ := newTelemetry(tracenoop.NewTracerProvider().Tracer(instrumentationName),
		metricnoop.NewMeterProvider().Meter(instrumentationName))
	t.shutdown = func(context.Context) error { return nil }
	return t
}

func newTelemetry(tracer trace.Tracer, meter metric.Meter) (*Telemetry, error) {
	t := &Telemetry{Tracer: tracer}

	var err error
	if t.requests, err = meter.Int64Counter("guide.requests",
		metric.WithDescription("Guide requests by response mode")); err != nil {
		return nil, err
	}
	if t.fragments, err = meter.Int64Counter("guide.fragments",
		metric.WithDescription("Token fragments relayed to clients")); err != nil {
		return nil, err
	}
	if t.backendErrors, err = meter.Int64Counter("guide.backend_errors",
		metric.WithDescription("Generations that failed in the backend")); err != nil {
		return nil, err
	}
	if t.disconnects, err = meter.Int64Counter("guide.disconnects",
		metric.WithDescription("Generations abandoned because the client went away")); err != nil {
		return nil, err
	}
	if t.duration, err = meter.Float64Histogram("guide.duration",
		metric.WithDescription("Guide generation time"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return t, nil
}

// Init installs tracer and meter providers that export to rotated files
// under cfg.Dir. It returns Noop when telemetry is disabled.
func Init(ctx context.Context, cfg config.TelemetryConfig) (*Telemetry, error) {
	if !cfg.Enabled {
		return Noop(), nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create telemetry directory: %w", err)
	}

	traceFile := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Dir, cfg.ServiceName+"_traces.log"),
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}
	traceExporter, err := stdouttrace.New(stdouttrace.WithWriter(traceFile))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricsFile := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Dir, cfg.ServiceName+"_metrics.log"),
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}
	metricExporter, err := stdoutmetric.New(stdoutmetric.WithWriter(metricsFile))
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	interval := cfg.MetricInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(interval))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	t, err := newTelemetry(tp.Tracer(instrumentationName), mp.Meter(instrumentationName))
	if err != nil {
		return nil, fmt.Errorf("failed to create instruments: %w", err)
	}
	t.shutdown = func(ctx context.Context) error {
		if err := tp.Shutdown(ctx); err != nil {
			logger.Errorf("failed to shutdown tracer provider: %v", err)
		}
		if err := mp.Shutdown(ctx); err != nil {
			logger.Errorf("failed to shutdown meter provider: %v", err)
		}
		traceFile.Close()
		return metricsFile.Close()
	}

	logger.Infof("Telemetry exporting to %s", cfg.Dir)
	return t, nil
}

func (t *Telemetry) Shutdown(ctx context.Context) error {
	return t.shutdown(ctx)
}

func modeAttr(mode string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("mode", mode))
}

func (t *Telemetry) RecordRequest(ctx context.Context, mode string) {
	t.requests.Add(ctx, 1, modeAttr(mode))
}

func (t *Telemetry) RecordFragment(ctx context.Context) {
	t.fragments.Add(ctx, 1)
}

func (t *Telemetry) RecordBackendError(ctx context.Context) {
	t.backendErrors.Add(ctx, 1)
}

func (t *Telemetry) RecordDisconnect(ctx context.Context) {
	t.disconnects.Add(ctx, 1)
}

func (t *Telemetry) RecordDuration(ctx context.Context, mode string, d time.Duration) {
	t.duration.Record(ctx, d.Seconds(), modeAttr(mode))
}
