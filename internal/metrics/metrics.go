// Package metrics provides the counters, histograms, and span wrapping
// emitted at every stage boundary (C9). Observations here are purely
// additive and never influence pipeline control flow. Grounded on
// jordigilh-kubernaut's go.mod (prometheus/client_golang,
// go.opentelemetry.io/otel) since the teacher repo has no metrics
// library of its own — only the ad hoc counters in
// internal/jobs/state/stats.go, which this package's counter shape
// follows.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Registry bundles every metric the pipeline emits; one instance is
// created per process and passed to the components that record metrics
// through their constructors.
type Registry struct {
	StageSuccessTotal *prometheus.CounterVec
	StageFailureTotal *prometheus.CounterVec
	StageDuration     *prometheus.HistogramVec

	EmbeddingRequestsTotal             prometheus.Counter
	EmbeddingFailuresTotal             prometheus.Counter
	EmbeddingDimensionMismatchesTotal  prometheus.Counter
	EmbeddingBatchDuration             prometheus.Histogram

	OptimisticLockConflictsTotal prometheus.Counter
	LLMSkippedTotal              prometheus.Counter
	QueueDepth                   prometheus.Gauge
}

// NewRegistry constructs and registers all pipeline metrics against reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		StageSuccessTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_stage_success_total",
			Help: "Count of successful stage executions, labeled by stage and company code.",
		}, []string{"stage", "company_code"}),
		StageFailureTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_stage_failure_total",
			Help: "Count of failed stage executions, labeled by stage and company code.",
		}, []string{"stage", "company_code"}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipeline_stage_duration_seconds",
			Help:    "Stage execution duration in seconds, labeled by stage.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		EmbeddingRequestsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "embedding_requests_total",
			Help: "Total embedding adapter calls issued.",
		}),
		EmbeddingFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "embedding_failures_total",
			Help: "Total embedding adapter calls that failed.",
		}),
		EmbeddingDimensionMismatchesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "embedding_dimension_mismatches_total",
			Help: "Total vectors dropped for returning the wrong dimension.",
		}),
		EmbeddingBatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "embedding_batch_duration_seconds",
			Help:    "Duration of one embedding batch call.",
			Buckets: prometheus.DefBuckets,
		}),
		OptimisticLockConflictsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "fusion_optimistic_lock_conflicts_total",
			Help: "Total fusion updates lost to a concurrent writer.",
		}),
		LLMSkippedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "extraction_llm_skipped_total",
			Help: "Total extractions short-circuited by a cost-avoidance rule.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_queue_depth",
			Help: "Current number of work items queued for processing.",
		}),
	}
}

// Tracer is the package-wide OpenTelemetry tracer used to span every
// stage boundary.
var Tracer = otel.Tracer("ashare-fusion-pipeline")

// StartStageSpan starts a span named for the given stage, scoped to a
// single document.
func StartStageSpan(ctx context.Context, stage, companyCode string) (context.Context, trace.Span) {
	return Tracer.Start(ctx, "pipeline.stage."+stage, trace.WithAttributes())
}

// ObserveStage records the outcome and duration of one stage execution.
func (r *Registry) ObserveStage(stage, companyCode string, start time.Time, err error) {
	r.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	if err != nil {
		r.StageFailureTotal.WithLabelValues(stage, companyCode).Inc()
		return
	}
	r.StageSuccessTotal.WithLabelValues(stage, companyCode).Inc()
}

// Server wraps a minimal HTTP server exposing /metrics for Prometheus
// scraping. It is entirely optional and additive: the pipeline runs
// identically whether or not it is started.
type Server struct {
	httpServer *http.Server
}

// NewServer returns a Server that will listen on addr and expose
// Prometheus text exposition at /metrics.
func NewServer(addr string, gatherer prometheus.Gatherer) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return &Server{httpServer: &http.Server{Addr: addr, Handler: mux}}
}

// ListenAndServe starts the server; callers typically run this in a
// goroutine and call Shutdown on pipeline exit.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the metrics server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
