package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collection results recorded on CollectionsTotal.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Metrics groups the process-level Prometheus collectors. Each instance
// registers on its own registry so tests can build as many as they need.
type Metrics struct {
	Registry *prometheus.Registry

	ReporterIterations       prometheus.Counter
	ReporterIterationFailure prometheus.Counter
	CollectionsTotal         *prometheus.CounterVec
	ActiveRuns               prometheus.Gauge
	CounterIncrements        prometheus.Counter
	RetentionDeleted         prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		ReporterIterations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tasker",
			Subsystem: "reporter",
			Name:      "iterations_total",
			Help:      "Reporter loop iterations started.",
		}),
		ReporterIterationFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tasker",
			Subsystem: "reporter",
			Name:      "iteration_failures_total",
			Help:      "Reporter loop iterations aborted by a store error.",
		}),
		CollectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tasker",
			Subsystem: "reporter",
			Name:      "collections_total",
			Help:      "Process metric collections by result and error type.",
		}, []string{"result", "error_type"}),
		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tasker",
			Subsystem: "reporter",
			Name:      "active_runs",
			Help:      "Runs monitored in the latest reporter iteration.",
		}),
		CounterIncrements: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tasker",
			Subsystem: "counter",
			Name:      "increments_total",
			Help:      "Atomic item counter increments applied.",
		}),
		RetentionDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tasker",
			Subsystem: "retention",
			Name:      "deleted_snapshots_total",
			Help:      "Metric snapshots removed by retention cleanup.",
		}),
	}

	m.Registry.MustRegister(
		m.ReporterIterations,
		m.ReporterIterationFailure,
		m.CollectionsTotal,
		m.ActiveRuns,
		m.CounterIncrements,
		m.RetentionDeleted,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Serve exposes Handler at /metrics on ln until ctx is done. Used by a
// standalone reporter, which has no API server to mount it on.
func (m *Metrics) Serve(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
