package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nimbusworks/taskpipe/internal/config"
	"github.com/nimbusworks/taskpipe/internal/logging"
)

// Metrics owns a dedicated registry and serves it on its own listener,
// separate from the API server. All helpers are nil-safe so tests can pass
// a nil *Metrics.
type Metrics struct {
	cfg      config.MetricsConfig
	registry *prometheus.Registry
	server   *http.Server

	submissionsAccepted  prometheus.Counter
	submissionsDuplicate prometheus.Counter
	submissionsRejected  prometheus.Counter
	stepDuration         *prometheus.HistogramVec
	stepFailures         *prometheus.CounterVec
	pipelineOutcomes     *prometheus.CounterVec
	queueRetries         prometheus.Counter
}

func New(cfg config.MetricsConfig) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		cfg:      cfg,
		registry: reg,
		submissionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskpipe", Name: "submissions_accepted_total",
			Help: "New submissions accepted by intake.",
		}),
		submissionsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskpipe", Name: "submissions_duplicate_total",
			Help: "Submissions deduplicated against an existing key.",
		}),
		submissionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskpipe", Name: "submissions_rejected_total",
			Help: "Submissions rejected for a bad secret.",
		}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "taskpipe", Name: "pipeline_step_duration_seconds",
			Help:    "Wall time per pipeline step.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"step"}),
		stepFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskpipe", Name: "pipeline_step_failures_total",
			Help: "Step failures by classification.",
		}, []string{"step", "class"}),
		pipelineOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskpipe", Name: "pipeline_outcomes_total",
			Help: "Terminal pipeline outcomes.",
		}, []string{"status"}),
		queueRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskpipe", Name: "queue_retries_total",
			Help: "Messages rescheduled for redelivery.",
		}),
	}
	reg.MustRegister(
		m.submissionsAccepted, m.submissionsDuplicate, m.submissionsRejected,
		m.stepDuration, m.stepFailures, m.pipelineOutcomes, m.queueRetries,
	)
	return m
}

func (m *Metrics) Start(ctx context.Context) error {
	if m == nil || !m.cfg.Enabled {
		return nil
	}
	path := m.cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	m.server = &http.Server{
		Addr:              m.cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logging.Infof(ctx, "metrics listening on %s%s", m.cfg.Address, path)
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Errorf(ctx, "metrics server error: %v", err)
		}
	}()
	return nil
}

func (m *Metrics) Stop(ctx context.Context) error {
	if m == nil || m.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics server shutdown: %w", err)
	}
	return nil
}

func (m *Metrics) IncAccepted() {
	if m != nil {
		m.submissionsAccepted.Inc()
	}
}

func (m *Metrics) IncDuplicate() {
	if m != nil {
		m.submissionsDuplicate.Inc()
	}
}

func (m *Metrics) IncRejected() {
	if m != nil {
		m.submissionsRejected.Inc()
	}
}

func (m *Metrics) ObserveStep(step string, d time.Duration) {
	if m != nil {
		m.stepDuration.WithLabelValues(step).Observe(d.Seconds())
	}
}

func (m *Metrics) IncStepFailure(step, class string) {
	if m != nil {
		m.stepFailures.WithLabelValues(step, class).Inc()
	}
}

func (m *Metrics) IncOutcome(status string) {
	if m != nil {
		m.pipelineOutcomes.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) IncQueueRetry() {
	if m != nil {
		m.queueRetries.Inc()
	}
}
