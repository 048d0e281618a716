// Package telemetry configures OpenTelemetry tracing and metrics and records
// model load and transcription outcomes.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"

	"github.com/rbright/murmur/internal/config"
)

const serviceName = "murmur"

// Telemetry owns the tracer and meter providers plus the optional
// Prometheus endpoint. It implements the loader and transcription metric
// hooks.
type Telemetry struct {
	logger   *slog.Logger
	tracer   *sdktrace.TracerProvider
	meter    *sdkmetric.MeterProvider
	registry *prom.Registry
	server   *http.Server
	addr     string

	loadDuration metric.Float64Histogram
	jobDuration  metric.Float64Histogram
	downloaded   metric.Int64Counter
	jobs         metric.Int64Counter
}

// Setup builds providers from cfg and installs them globally. Traces go to
// the OTLP collector when an endpoint is set, to stderr when trace_stdout is
// set, and nowhere otherwise.
func Setup(ctx context.Context, cfg config.TelemetryConfig, serviceVersion string, logger *slog.Logger) (*Telemetry, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build telemetry resource: %w", err)
	}

	t := &Telemetry{logger: logger}

	t.tracer, err = initTracer(ctx, cfg, res, logger)
	if err != nil {
		return nil, err
	}
	if t.tracer != nil {
		otel.SetTracerProvider(t.tracer)
	}

	if err := t.initMetrics(res); err != nil {
		t.shutdownTracer(ctx)
		return nil, err
	}
	otel.SetMeterProvider(t.meter)

	if addr := strings.TrimSpace(cfg.PrometheusAddr); addr != "" {
		if err := t.serve(addr); err != nil {
			_ = t.Shutdown(ctx)
			return nil, err
		}
	}
	return t, nil
}

func initTracer(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource, logger *slog.Logger) (*sdktrace.TracerProvider, error) {
	if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("create otlp trace exporter: %w", err)
		}
		logger.Info("telemetry initialized", slog.String("exporter", "otlp"), slog.String("endpoint", endpoint))
		return sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter), sdktrace.WithResource(res)), nil
	}

	if cfg.TraceStdout {
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout trace exporter: %w", err)
		}
		logger.Info("telemetry initialized", slog.String("exporter", "stdout"))
		return sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter), sdktrace.WithResource(res)), nil
	}
	return nil, nil
}

func (t *Telemetry) initMetrics(res *resource.Resource) error {
	t.registry = prom.NewRegistry()
	t.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	exporter, err := otelprom.New(otelprom.WithRegisterer(t.registry))
	if err != nil {
		t.logger.Warn("failed to initialize prometheus exporter", slog.String("error", err.Error()))
		t.meter = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	} else {
		t.meter = sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter), sdkmetric.WithResource(res))
	}

	meter := t.meter.Meter("github.com/rbright/murmur")
	if t.loadDuration, err = meter.Float64Histogram("murmur.model.load.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Time from load request to a terminal load event"),
	); err != nil {
		return err
	}
	if t.jobDuration, err = meter.Float64Histogram("murmur.transcription.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Time from job submission to a terminal job event"),
	); err != nil {
		return err
	}
	if t.downloaded, err = meter.Int64Counter("murmur.model.downloaded",
		metric.WithUnit("By"),
		metric.WithDescription("Model artifact bytes downloaded from the hub"),
	); err != nil {
		return err
	}
	if t.jobs, err = meter.Int64Counter("murmur.transcription.jobs",
		metric.WithDescription("Finished transcription jobs by outcome"),
	); err != nil {
		return err
	}
	return nil
}

func (t *Telemetry) serve(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen for metrics on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", t.Handler())
	t.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	t.addr = listener.Addr().String()

	go func() {
		if err := t.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Warn("metrics server stopped", slog.String("error", err.Error()))
		}
	}()
	t.logger.Info("serving metrics", slog.String("addr", t.addr))
	return nil
}

// Handler exposes the Prometheus registry.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// Addr is the bound metrics address, or empty when not serving.
func (t *Telemetry) Addr() string {
	return t.addr
}

// LoadFinished records one model load outcome.
func (t *Telemetry) LoadFinished(ctx context.Context, outcome string, elapsed time.Duration) {
	t.loadDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
}

// BytesDownloaded adds n downloaded bytes.
func (t *Telemetry) BytesDownloaded(ctx context.Context, n int64) {
	if n > 0 {
		t.downloaded.Add(ctx, n)
	}
}

// JobFinished records one transcription job outcome.
func (t *Telemetry) JobFinished(ctx context.Context, outcome string, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	t.jobDuration.Record(ctx, elapsed.Seconds(), attrs)
	t.jobs.Add(ctx, 1, attrs)
}

// Shutdown stops the metrics server and flushes both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if t.server != nil {
		if err := t.server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if t.meter != nil {
		if err := t.meter.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if t.tracer != nil {
		if err := t.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *Telemetry) shutdownTracer(ctx context.Context) {
	if t.tracer != nil {
		_ = t.tracer.Shutdown(ctx)
	}
}
