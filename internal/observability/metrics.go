package observability

import (
	"context"
	"strconv"
	"time"

	promreg "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "radio_imaging"

type metrics struct {
	httpRequests    *promreg.CounterVec
	httpLatency     *promreg.HistogramVec
	upstreamLatency *promreg.HistogramVec
	tokens          *promreg.CounterVec
	generations     *promreg.CounterVec
	clipSeconds     *promreg.HistogramVec
}

func newMetrics(reg promreg.Registerer) *metrics {
	factory := promauto.With(reg)
	httpLabels := []string{"method", "route", "status"}
	return &metrics{
		httpRequests: factory.NewCounterVec(promreg.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served, by route and status.",
		}, httpLabels),
		httpLatency: factory.NewHistogramVec(promreg.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.2, 0.5, 1, 2, 5, 10},
		}, httpLabels),
		// synthesis routinely takes minutes on a cold model
		upstreamLatency: factory.NewHistogramVec(promreg.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_request_duration_seconds",
			Help:      "Latency of chat completion and audio synthesis calls.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"upstream", "model", "outcome"}),
		tokens: factory.NewCounterVec(promreg.CounterOpts{
			Namespace: namespace,
			Name:      "description_tokens_total",
			Help:      "Prompt and completion tokens spent on descriptions.",
		}, []string{"model", "type"}),
		generations: factory.NewCounterVec(promreg.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Generation attempts by mode and outcome.",
		}, []string{"mode", "outcome"}),
		clipSeconds: factory.NewHistogramVec(promreg.HistogramOpts{
			Namespace: namespace,
			Name:      "clip_duration_seconds",
			Help:      "Length of synthesized clips.",
			Buckets:   []float64{1, 2, 5, 10, 15, 20, 30},
		}, []string{"content_type"}),
	}
}

// The Record methods below are no-ops on a nil Provider or when metrics are off.

func (p *Provider) RecordHTTPRequest(_ context.Context, method, route string, status int, took time.Duration) {
	if p == nil || p.metrics == nil {
		return
	}
	code := strconv.Itoa(status)
	p.httpRequests.WithLabelValues(method, route, code).Inc()
	p.httpLatency.WithLabelValues(method, route, code).Observe(took.Seconds())
}

// RecordUpstream observes one call to the chat or audio upstream.
func (p *Provider) RecordUpstream(upstream, model string, err error, took time.Duration) {
	if p == nil || p.metrics == nil {
		return
	}
	p.upstreamLatency.WithLabelValues(upstream, model, outcome(err)).Observe(took.Seconds())
}

func (p *Provider) RecordTokens(model string, prompt, completion int64) {
	if p == nil || p.metrics == nil {
		return
	}
	if prompt > 0 {
		p.tokens.WithLabelValues(model, "prompt").Add(float64(prompt))
	}
	if completion > 0 {
		p.tokens.WithLabelValues(model, "completion").Add(float64(completion))
	}
}

func (p *Provider) RecordGeneration(mode string, err error) {
	if p == nil || p.metrics == nil {
		return
	}
	p.generations.WithLabelValues(mode, outcome(err)).Inc()
}

func (p *Provider) RecordClip(contentType string, length time.Duration) {
	if p == nil || p.metrics == nil || length <= 0 {
		return
	}
	p.clipSeconds.WithLabelValues(contentType).Observe(length.Seconds())
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
