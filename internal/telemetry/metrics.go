// Package telemetry exposes sync counters in Prometheus format.
package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const namespace = "attendagent"

// Metrics records per-device and per-pass outcomes. A nil *Metrics is a
// valid no-op recorder.
type Metrics struct {
	registry     *prometheus.Registry
	deviceSyncs  *prometheus.CounterVec
	newRecords   *prometheus.CounterVec
	passDuration prometheus.Histogram
	cleanup      prometheus.Counter
	openConns    prometheus.Gauge
}

// New registers the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		deviceSyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_syncs_total",
			Help:      "Device sync attempts by outcome.",
		}, []string{"device", "result"}),
		newRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "new_records_total",
			Help:      "Attendance records stored for the first time.",
		}, []string{"device"}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pass_duration_seconds",
			Help:      "Wall time of a full sync pass.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		cleanup: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_removed_total",
			Help:      "Records removed by retention cleanup.",
		}),
		openConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_device_connections",
			Help:      "Device sessions currently open.",
		}),
	}
	m.registry.MustRegister(
		m.deviceSyncs, m.newRecords, m.passDuration, m.cleanup, m.openConns,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveDevice counts one device outcome.
func (m *Metrics) ObserveDevice(device string, success bool, newRecords int) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.deviceSyncs.WithLabelValues(device, result).Inc()
	if newRecords > 0 {
		m.newRecords.WithLabelValues(device).Add(float64(newRecords))
	}
}

// ObservePass records the duration of a finished pass.
func (m *Metrics) ObservePass(d time.Duration, removed int64) {
	if m == nil {
		return
	}
	m.passDuration.Observe(d.Seconds())
	if removed > 0 {
		m.cleanup.Add(float64(removed))
	}
}

// SetOpenConnections reports the live session count.
func (m *Metrics) SetOpenConnections(n int) {
	if m == nil {
		return
	}
	m.openConns.Set(float64(n))
}

// Registry exposes the underlying registry for tests and custom handlers.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs an HTTP server exposing /metrics until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("metrics server listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "metrics server failed")
	}
}
