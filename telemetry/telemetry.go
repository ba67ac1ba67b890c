// Package telemetry wires the runtime's span tracing onto
// go.opentelemetry.io/otel. It is a strictly ambient concern: with no
// collector endpoint configured, Setup leaves otel's default no-op
// TracerProvider in place and every Start call downstream is free.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Config controls whether and where spans are exported.
type Config struct {
	// Endpoint is the OTLP/gRPC collector address ("host:port"). Empty
	// disables tracing entirely.
	Endpoint string
	// ServiceName identifies this process in exported spans.
	ServiceName string
	// Insecure disables TLS on the collector connection; labs running a
	// local collector alongside the instrument host typically want this.
	Insecure bool
}

// Provider owns the process-wide TracerProvider and its shutdown path.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// Setup builds a Provider from cfg and installs it as the global
// TracerProvider. With cfg.Endpoint empty it leaves otel's built-in no-op
// global provider untouched and returns a Provider whose Shutdown is a no-op, so callers
// never need to branch on whether tracing is enabled.
func Setup(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.Endpoint == "" {
		// otel's global provider defaults to a no-op implementation; leave
		// it untouched rather than constructing our own.
		return &Provider{}, nil
	}

	// The exporter's own connection to the collector is itself traced, so an
	// operator pointing two qudicore processes at the same collector can see
	// the exporter's export RPCs alongside the application spans they carry.
	dialOpts := []grpc.DialOption{
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}
	if cfg.Insecure {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithDialOption(dialOpts...),
	)
	if err != nil {
		return nil, fmt.Errorf("dialing trace collector %q: %w", cfg.Endpoint, err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("building trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return &Provider{tp: tp}, nil
}

// Shutdown flushes any buffered spans and releases the exporter connection.
// Safe to call on a no-op Provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// Tracer returns the named tracer from the process-wide provider, following
// the same lookup otelgrpc's server/client interceptors use internally.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
