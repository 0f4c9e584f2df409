// Package telemetry provides OpenTelemetry setup for boxclient
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"google.golang.org/grpc/credentials"
)

const serviceName = "boxclient"

var (
	initMutex    sync.Mutex
	shutdownOTEL func(context.Context) error
	current      Config
)

// Config selects the OTLP collector and the signals exported to it.
type Config struct {
	Endpoint string            `json:"endpoint"`
	Headers  map[string]string `json:"headers,omitempty"`
	Traces   bool              `json:"traces"`
	Metrics  bool              `json:"metrics"`
	// SampleRate is the ratio of root spans sampled. Values <= 0 sample everything.
	SampleRate float64 `json:"sample_rate,omitempty"`
	// MetricsInterval is the export interval in seconds. Zero uses the SDK default.
	MetricsInterval int `json:"metrics_interval,omitempty"`
}

func (c Config) equal(o Config) bool {
	if c.Endpoint != o.Endpoint || c.Traces != o.Traces || c.Metrics != o.Metrics ||
		c.SampleRate != o.SampleRate || c.MetricsInterval != o.MetricsInterval || len(c.Headers) != len(o.Headers) {
		return false
	}
	for k, v := range c.Headers {
		if o.Headers[k] != v {
			return false
		}
	}
	return true
}

type Attributes struct {
	AppVersion    string
	EngineVersion string
	DeviceID      string
	GoVersion     string
	OSName        string
	OSArch        string
}

// DefaultAttributes fills in the runtime attributes.
func DefaultAttributes(appVersion, engineVersion string) Attributes {
	return Attributes{
		AppVersion:    appVersion,
		EngineVersion: engineVersion,
		GoVersion:     runtime.Version(),
		OSName:        runtime.GOOS,
		OSArch:        runtime.GOARCH,
	}
}

// Setup installs global tracer and meter providers exporting to cfg.Endpoint. Calling it again
// with the same configuration is a no-op; a different configuration replaces the providers.
func Setup(ctx context.Context, cfg Config, attrs Attributes) error {
	initMutex.Lock()
	defer initMutex.Unlock()

	if cfg.Endpoint == "" {
		slog.Debug("No otel endpoint configured, skipping OpenTelemetry initialization")
		return nil
	}
	if shutdownOTEL != nil && current.equal(cfg) {
		slog.Debug("OpenTelemetry configuration has not changed, skipping initialization")
		return nil
	}
	if shutdownOTEL != nil {
		slog.Info("Shutting down existing OpenTelemetry SDK")
		if err := shutdownOTEL(ctx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry SDK", "error", err)
			return fmt.Errorf("failed to shutdown OpenTelemetry SDK: %w", err)
		}
		shutdownOTEL = nil
	}

	shutdown, err := setupOTelSDK(ctx, attrs, cfg)
	if err != nil {
		slog.Error("Failed to start OpenTelemetry SDK", "error", err)
		return fmt.Errorf("failed to start OpenTelemetry SDK: %w", err)
	}
	shutdownOTEL = shutdown
	current = cfg
	return nil
}

// Close flushes and shuts down the providers installed by Setup.
func Close(ctx context.Context) error {
	initMutex.Lock()
	defer initMutex.Unlock()

	if shutdownOTEL == nil {
		return nil
	}
	slog.Info("Shutting down OpenTelemetry SDK")
	err := shutdownOTEL(ctx)
	shutdownOTEL = nil
	current = Config{}
	if err != nil {
		slog.Error("Failed to shutdown OpenTelemetry SDK", "error", err)
		return fmt.Errorf("failed to shutdown OpenTelemetry SDK: %w", err)
	}
	return nil
}

func buildResources(a Attributes) []attribute.KeyValue {
	return []attribute.KeyValue{
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceVersionKey.String(a.AppVersion),
		attribute.String("engine.version", a.EngineVersion),
		attribute.String("device.id", a.DeviceID),
		attribute.String("library.language", "go"),
		attribute.String("library.language.version", a.GoVersion),
		attribute.String("os.name", a.OSName),
		attribute.String("os.arch", a.OSArch),
	}
}

// setupOTelSDK bootstraps the OpenTelemetry pipeline.
// If it does not return an error, make sure to call shutdown for proper cleanup.
func setupOTelSDK(ctx context.Context, attributes Attributes, cfg Config) (func(context.Context) error, error) {
	if !cfg.Traces && !cfg.Metrics {
		return func(_ context.Context) error { return nil }, nil
	}
	var shutdownFuncs []func(context.Context) error
	shutdown := func(ctx context.Context) error {
		var err error
		for _, fn := range shutdownFuncs {
			err = errors.Join(err, fn(ctx))
		}
		shutdownFuncs = nil
		return err
	}
	res, err := resource.New(ctx, resource.WithAttributes(buildResources(attributes)...))
	if err != nil {
		return shutdown, fmt.Errorf("failed to create resource: %w", err)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if cfg.Traces {
		shutdownFunc, err := initTracer(ctx, res, cfg)
		if err != nil {
			return shutdown, fmt.Errorf("failed to initialize tracer: %w", err)
		}
		shutdownFuncs = append(shutdownFuncs, shutdownFunc)
		slog.Info("OpenTelemetry tracer initialized")
	}

	if cfg.Metrics {
		mp, err := initMeterProvider(ctx, res, cfg)
		if err != nil {
			return shutdown, errors.Join(fmt.Errorf("failed to initialize meter provider: %w", err), shutdown(ctx))
		}
		shutdownFuncs = append(shutdownFuncs, mp)
		slog.Info("OpenTelemetry meter provider initialized")
	}
	return shutdown, nil
}

func sampler(rate float64) sdktrace.Sampler {
	if rate <= 0 || rate >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

func initTracer(ctx context.Context, res *resource.Resource, cfg Config) (func(context.Context) error, error) {
	exporter, err := otlptrace.New(
		ctx,
		otlptracegrpc.NewClient(
			otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")),
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithHeaders(cfg.Headers),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tracerProvider)
	return func(ctx context.Context) error {
		if err := tracerProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown tracer provider: %w", err)
		}
		if err := exporter.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown exporter: %w", err)
		}
		return nil
	}, nil
}

// Initializes an OTLP exporter, and configures the corresponding meter provider.
func initMeterProvider(ctx context.Context, res *resource.Resource, cfg Config) (func(context.Context) error, error) {
	metricExporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")),
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
		otlpmetricgrpc.WithHeaders(cfg.Headers),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics exporter: %w", err)
	}

	var readerOpts []sdkmetric.PeriodicReaderOption
	if cfg.MetricsInterval > 0 {
		readerOpts = append(readerOpts, sdkmetric.WithInterval(time.Duration(cfg.MetricsInterval)*time.Second))
	}
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, readerOpts...)),
	)
	otel.SetMeterProvider(meterProvider)

	return meterProvider.Shutdown, nil
}
