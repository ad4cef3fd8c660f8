// Package metrics exposes pipeline counters and gauges in Prometheus format.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/surge-downloader/otaupdate/internal/engine/events"
	"github.com/surge-downloader/otaupdate/internal/engine/types"
)

const namespace = "otaupdate"

var globalPhases = []types.GlobalCode{
	types.GlobalNone,
	types.GlobalDownloadPending,
	types.GlobalDownloading,
	types.GlobalUpdatePending,
	types.GlobalUpdating,
	types.GlobalRebootPending,
	types.GlobalFinished,
}

// Metrics owns a private registry so several instances can coexist in tests.
type Metrics struct {
	registry *prometheus.Registry

	downloadedBytes  prometheus.Counter
	downloadOutcomes *prometheus.CounterVec
	applyOutcomes    *prometheus.CounterVec
	globalPhase      *prometheus.GaugeVec
	downloadPercent  prometheus.Gauge
	applyPercent     prometheus.Gauge
}

// New registers every metric, plus the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		downloadedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "download",
			Name:      "bytes_total",
			Help:      "Bytes of update package received from the server",
		}),
		downloadOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "download",
			Name:      "outcomes_total",
			Help:      "Finished download attempts by outcome",
		}, []string{"outcome"}),
		applyOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "apply",
			Name:      "outcomes_total",
			Help:      "Finished apply attempts by outcome",
		}, []string{"outcome"}),
		globalPhase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "global_phase",
			Help:      "1 for the current pipeline phase, 0 for the others",
		}, []string{"phase"}),
		downloadPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "download",
			Name:      "percent",
			Help:      "Persisted download progress",
		}),
		applyPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "apply",
			Name:      "percent",
			Help:      "Progress of the current apply step",
		}),
	}
	m.registry.MustRegister(
		m.downloadedBytes,
		m.downloadOutcomes,
		m.applyOutcomes,
		m.globalPhase,
		m.downloadPercent,
		m.applyPercent,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m.setGlobal(types.GlobalNone)
	return m
}

// Registry returns the registry backing Handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) AddDownloadedBytes(n int64) {
	if n > 0 {
		m.downloadedBytes.Add(float64(n))
	}
}

func (m *Metrics) DownloadOutcome(outcome string) {
	m.downloadOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ApplyOutcome(outcome string) {
	m.applyOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) setGlobal(code types.GlobalCode) {
	for _, c := range globalPhases {
		v := 0.0
		if c == code {
			v = 1
		}
		m.globalPhase.WithLabelValues(c.String()).Set(v)
	}
}

// Observe updates the gauges from a status message.
func (m *Metrics) Observe(msg any) {
	switch msg := msg.(type) {
	case events.GlobalChangedMsg:
		m.setGlobal(msg.Status.Code)
	case events.DownloadChangedMsg:
		m.downloadPercent.Set(float64(msg.Status.Percent))
	case events.UpdateChangedMsg:
		m.applyPercent.Set(float64(msg.Status.ProgressPercent))
	}
}

// Source is a stream of status messages, such as state.Store.
type Source interface {
	Subscribe() (<-chan any, func())
}

// Follow seeds the gauges from snap and keeps them current until ctx is
// done or the stream closes.
func (m *Metrics) Follow(ctx context.Context, src Source, snap types.Snapshot) {
	msgs, cancel := src.Subscribe()
	defer cancel()

	m.setGlobal(snap.Global.Code)
	m.downloadPercent.Set(float64(snap.Download.Percent))
	m.applyPercent.Set(float64(snap.Update.ProgressPercent))

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			m.Observe(msg)
		}
	}
}
