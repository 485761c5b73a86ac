// Package telemetry holds the engine's Prometheus collectors and the
// OpenTelemetry tracer setup.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/danielpatrickdp/adaptive-policy"

// #region metrics
var (
	PlansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "policy_plans_total",
		Help: "Plans served, by source (bandit, cache, static).",
	}, []string{"source"})

	PlanLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "policy_plan_duration_seconds",
		Help:    "Wall time of Plan including fallbacks.",
		Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25},
	})

	ObservationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "policy_observations_total",
		Help: "Observations by result (applied, rejected, duplicate).",
	}, []string{"result"})

	CumulativeRegret = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "policy_regret_cumulative",
		Help: "Global cumulative regret.",
	})

	AlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "policy_monitor_alerts_total",
		Help: "Bias and drift alerts by kind and severity.",
	}, []string{"kind", "severity"})

	StudyTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "policy_study_transitions_total",
		Help: "Study lifecycle actions (advance, rollback).",
	}, []string{"action"})

	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "policy_events_rate_limited_total",
		Help: "Event submissions rejected by the per-user limiter.",
	})
)

// #endregion metrics

// #region tracing
// InitTracing installs a global tracer provider. exporter is "stdout" or
// "none"; with "none" the global no-op provider stays in place.
func InitTracing(ctx context.Context, exporter, service string) (func(context.Context) error, error) {
	switch exporter {
	case "", "none":
		return func(context.Context) error { return nil }, nil
	case "stdout":
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", exporter)
	}

	exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stdout), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("stdout trace exporter: %w", err)
	}
	res, err := resource.Merge(resource.Default(),
		resource.NewSchemaless(attribute.String("service.name", service)))
	if err != nil {
		return nil, fmt.Errorf("trace resource: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return func(ctx context.Context) error {
		return errors.Join(tp.ForceFlush(ctx), tp.Shutdown(ctx))
	}, nil
}

// Tracer returns the engine's tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// #endregion tracing
