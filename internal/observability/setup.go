// Package observability wires OTLP tracing and the Prometheus registry
// behind a nil-safe Provider so callers never branch on whether it is on.
package observability

import (
	"context"
	"errors"
	"net/http"
	"strings"

	promreg "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/config"
)

const (
	serviceName         = "radio-imaging-generator"
	defaultOTLPEndpoint = "localhost:4317"
)

type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	promHandler    http.Handler
	shutdownFuncs  []func(context.Context) error
	*metrics
}

// Setup returns a nil Provider when both tracing and metrics are disabled.
func Setup(ctx context.Context, cfg config.ObservabilityConfig) (*Provider, error) {
	if !cfg.EnableOTLP && !cfg.EnableMetrics {
		return nil, nil
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, err
	}

	p := &Provider{}
	if cfg.EnableOTLP {
		if err := p.setupTracing(ctx, cfg.OTLPEndpoint, res); err != nil {
			return nil, err
		}
	}
	if cfg.EnableMetrics {
		if err := p.setupMetrics(res); err != nil {
			_ = p.Shutdown(ctx)
			return nil, err
		}
	}
	return p, nil
}

func (p *Provider) setupTracing(ctx context.Context, rawEndpoint string, res *resource.Resource) error {
	endpoint, insecure := parseOTLPEndpoint(rawEndpoint)
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
	if insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptrace.New(ctx, otlptracegrpc.NewClient(opts...))
	if err != nil {
		return err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter), sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)
	p.tracerProvider = tp
	p.shutdownFuncs = append(p.shutdownFuncs, tp.Shutdown)
	return nil
}

// parseOTLPEndpoint strips the scheme for the gRPC client. Only https://
// turns TLS on; bare host:port is treated as a local plaintext collector.
func parseOTLPEndpoint(raw string) (endpoint string, insecure bool) {
	endpoint = strings.TrimSpace(raw)
	if endpoint == "" {
		return defaultOTLPEndpoint, true
	}
	if rest, ok := strings.CutPrefix(endpoint, "https://"); ok {
		return rest, false
	}
	return strings.TrimPrefix(endpoint, "http://"), true
}

func (p *Provider) setupMetrics(res *resource.Resource) error {
	registry := promreg.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return err
	}
	mp := metric.NewMeterProvider(metric.WithReader(exporter), metric.WithResource(res))
	otel.SetMeterProvider(mp)
	p.shutdownFuncs = append(p.shutdownFuncs, mp.Shutdown)

	p.metrics = newMetrics(registry)
	p.promHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
	return nil
}

func (p *Provider) PrometheusHandler() http.Handler {
	if p == nil {
		return nil
	}
	return p.promHandler
}

func (p *Provider) TracerProvider() *sdktrace.TracerProvider {
	if p == nil {
		return nil
	}
	return p.tracerProvider
}

// Shutdown flushes every exporter, continuing past failures.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	for _, fn := range p.shutdownFuncs {
		errs = append(errs, fn(ctx))
	}
	return errors.Join(errs...)
}
