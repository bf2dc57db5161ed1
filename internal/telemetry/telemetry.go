// Package telemetry initialises optional OpenTelemetry trace, metric, and
// log providers backed by an OTLP gRPC collector. All three providers share
// a single gRPC connection.
//
// Call [Setup] once during startup and defer the returned [ShutdownFunc].
// When telemetry is not configured the global providers stay no-ops and the
// sync engine's instruments cost nothing.
package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

const defaultServiceName = "expensesyncd"

// Config groups the telemetry settings, mapping 1-to-1 with the
// config.TelemetryConfig YAML block.
type Config struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector.
	OTLPEndpoint string

	// Insecure disables TLS for the collector connection.
	Insecure bool

	// ServiceName overrides the OTel service.name attribute.
	ServiceName string

	// Headers is sent as gRPC metadata on every OTLP request.
	Headers map[string]string
}

// ShutdownFunc flushes and closes all OTel providers. Call it with a fresh
// context: the main context is usually already cancelled by shutdown time.
type ShutdownFunc func(context.Context) error

// noopShutdown is returned on error so callers can defer unconditionally.
func noopShutdown(_ context.Context) error { return nil }

// Setup initialises the global OpenTelemetry trace, metric, and log
// providers, all exporting over one shared gRPC connection. The returned
// ShutdownFunc is always non-nil.
func Setup(ctx context.Context, cfg Config) (ShutdownFunc, error) {
	res, err := buildResource(cfg.ServiceName)
	if err != nil {
		return noopShutdown, err
	}

	conn, err := dialCollector(cfg)
	if err != nil {
		return noopShutdown, err
	}

	var closers []func(context.Context) error
	fail := func(err error) (ShutdownFunc, error) {
		for _, c := range closers {
			_ = c(ctx)
		}
		_ = conn.Close()
		return noopShutdown, err
	}

	tp, err := traceProvider(ctx, conn, cfg.Headers, res)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, tp.Shutdown)
	otel.SetTracerProvider(tp)

	mp, err := meterProvider(ctx, conn, cfg.Headers, res)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, mp.Shutdown)
	otel.SetMeterProvider(mp)

	lp, err := loggerProvider(ctx, conn, cfg.Headers, res)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, lp.Shutdown)
	global.SetLoggerProvider(lp)

	return func(ctx context.Context) error {
		var errs []error
		for _, c := range closers {
			if err := c(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("OTLP gRPC connection close: %w", err))
		}
		return errors.Join(errs...)
	}, nil
}

// buildResource describes this service instance. resource.NewSchemaless
// sidesteps the schema URL mismatch between resource.Default() and our
// semconv import when their versions differ.
func buildResource(serviceName string) (*resource.Resource, error) {
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	res, err := resource.Merge(resource.Default(),
		resource.NewSchemaless(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("building OTel resource: %w", err)
	}
	return res, nil
}

// dialCollector opens the single gRPC connection shared by all exporters.
func dialCollector(cfg Config) (*grpc.ClientConn, error) {
	var creds credentials.TransportCredentials
	if cfg.Insecure {
		creds = insecure.NewCredentials()
	} else {
		creds = credentials.NewTLS(nil) // system root CAs
	}
	conn, err := grpc.NewClient(cfg.OTLPEndpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("dialling OTLP collector at %q: %w", cfg.OTLPEndpoint, err)
	}
	return conn, nil
}

func traceProvider(ctx context.Context, conn *grpc.ClientConn, headers map[string]string, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithGRPCConn(conn),
		otlptracegrpc.WithHeaders(headers),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP trace exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	), nil
}

func meterProvider(ctx context.Context, conn *grpc.ClientConn, headers map[string]string, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	exp, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithGRPCConn(conn),
		otlpmetricgrpc.WithHeaders(headers),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP metric exporter: %w", err)
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)),
		sdkmetric.WithResource(res),
	), nil
}

func loggerProvider(ctx context.Context, conn *grpc.ClientConn, headers map[string]string, res *resource.Resource) (*sdklog.LoggerProvider, error) {
	exp, err := otlploggrpc.New(ctx,
		otlploggrpc.WithGRPCConn(conn),
		otlploggrpc.WithHeaders(headers),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP log exporter: %w", err)
	}
	return sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)),
		sdklog.WithResource(res),
	), nil
}
