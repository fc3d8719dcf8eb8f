// Package telemetry registers the engine's OpenTelemetry instruments.
//
// Instruments are created against the global meter provider, which is a
// no-op until the host process installs an SDK meter provider. Every
// record method tolerates a nil receiver, so callers can treat the whole
// package as optional wiring.
package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const scopeName = "github.com/thebtf/taxon"

// Metrics holds the engine's instruments. Safe for concurrent use.
type Metrics struct {
	promptsIngested metric.Int64Counter
	decisions       metric.Int64Counter
	runs            metric.Int64Counter
	runSeconds      metric.Float64Histogram
	registryVersion metric.Int64Gauge
	familiesActive  metric.Int64Gauge
	searches        metric.Int64Counter
	httpRequests    metric.Int64Counter
	httpSeconds     metric.Float64Histogram
}

// New registers the instrument set. Registration failures disable the
// affected instrument and log a warning instead of failing startup.
func New(logger zerolog.Logger) *Metrics {
	meter := otel.Meter(scopeName)
	check := func(name string, err error) {
		if err != nil {
			logger.Warn().Err(err).Str("instrument", name).Msg("Instrument registration failed; metric disabled")
		}
	}

	m := &Metrics{}
	var err error

	m.promptsIngested, err = meter.Int64Counter("taxon.prompts.ingested",
		metric.WithDescription("Prompts accepted into the corpus, by source and outcome."),
		metric.WithUnit("{prompt}"))
	check("taxon.prompts.ingested", err)

	m.decisions, err = meter.Int64Counter("taxon.classify.decisions",
		metric.WithDescription("Incremental classification decisions, by tier."),
		metric.WithUnit("{decision}"))
	check("taxon.classify.decisions", err)

	m.runs, err = meter.Int64Counter("taxon.pipeline.runs",
		metric.WithDescription("Pipeline runs, by kind and final status."),
		metric.WithUnit("{run}"))
	check("taxon.pipeline.runs", err)

	m.runSeconds, err = meter.Float64Histogram("taxon.pipeline.run_duration",
		metric.WithDescription("Wall-clock duration of pipeline runs."),
		metric.WithUnit("s"))
	check("taxon.pipeline.run_duration", err)

	m.registryVersion, err = meter.Int64Gauge("taxon.registry.version",
		metric.WithDescription("Version of the last committed centroid registry."))
	check("taxon.registry.version", err)

	m.familiesActive, err = meter.Int64Gauge("taxon.registry.families",
		metric.WithDescription("Family count in the last committed registry."),
		metric.WithUnit("{family}"))
	check("taxon.registry.families", err)

	m.searches, err = meter.Int64Counter("taxon.search.requests",
		metric.WithDescription("Semantic search requests, by cache outcome."),
		metric.WithUnit("{request}"))
	check("taxon.search.requests", err)

	m.httpRequests, err = meter.Int64Counter("taxon.http.requests",
		metric.WithDescription("HTTP requests served, by route and status."),
		metric.WithUnit("{request}"))
	check("taxon.http.requests", err)

	m.httpSeconds, err = meter.Float64Histogram("taxon.http.request_duration",
		metric.WithDescription("HTTP request handling time."),
		metric.WithUnit("s"))
	check("taxon.http.request_duration", err)

	return m
}

// RecordIngest counts one ingested prompt.
func (m *Metrics) RecordIngest(ctx context.Context, source string, created bool) {
	if m == nil || m.promptsIngested == nil {
		return
	}
	outcome := "created"
	if !created {
		outcome = "duplicate"
	}
	m.promptsIngested.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("outcome", outcome),
	))
}

// RecordIngestBatch counts a bulk ingest in two adds.
func (m *Metrics) RecordIngestBatch(ctx context.Context, source string, created, duplicates int64) {
	if m == nil || m.promptsIngested == nil {
		return
	}
	if created > 0 {
		m.promptsIngested.Add(ctx, created, metric.WithAttributes(
			attribute.String("source", source),
			attribute.String("outcome", "created"),
		))
	}
	if duplicates > 0 {
		m.promptsIngested.Add(ctx, duplicates, metric.WithAttributes(
			attribute.String("source", source),
			attribute.String("outcome", "duplicate"),
		))
	}
}

// RecordDecision counts one classification decision.
func (m *Metrics) RecordDecision(ctx context.Context, tier string) {
	if m == nil || m.decisions == nil {
		return
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier)))
}

// RecordRun records a finished pipeline run and its duration.
func (m *Metrics) RecordRun(ctx context.Context, kind, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("status", status),
	)
	if m.runs != nil {
		m.runs.Add(ctx, 1, attrs)
	}
	if m.runSeconds != nil {
		m.runSeconds.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("kind", kind)))
	}
}

// RecordRegistry records the registry version and family count after a swap.
func (m *Metrics) RecordRegistry(ctx context.Context, version int64, families int) {
	if m == nil {
		return
	}
	if m.registryVersion != nil {
		m.registryVersion.Record(ctx, version)
	}
	if m.familiesActive != nil {
		m.familiesActive.Record(ctx, int64(families))
	}
}

// RecordSearch counts one search request.
func (m *Metrics) RecordSearch(ctx context.Context, cached bool) {
	if m == nil || m.searches == nil {
		return
	}
	outcome := "miss"
	if cached {
		outcome = "hit"
	}
	m.searches.Add(ctx, 1, metric.WithAttributes(attribute.String("cache", outcome)))
}

// Middleware instruments every request with a count and a latency sample,
// labeled by the chi route pattern rather than the raw path.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			next.ServeHTTP(w, r)
			return
		}
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		attrs := []attribute.KeyValue{
			attribute.String("method", r.Method),
			attribute.String("route", route),
		}
		if m.httpRequests != nil {
			m.httpRequests.Add(r.Context(), 1, metric.WithAttributes(
				append(attrs, attribute.Int("status", ww.Status()))...,
			))
		}
		if m.httpSeconds != nil {
			m.httpSeconds.Record(r.Context(), time.Since(start).Seconds(), metric.WithAttributes(attrs...))
		}
	})
}
