package monitor

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

var allStatuses = []JobStatus{StatusRunning, StatusTransitional, StatusFailed, StatusCompletedOrIdle}

// Metrics holds the Prometheus collectors updated by the monitor loop.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ticks        *prometheus.CounterVec
	jobStatus    *prometheus.GaugeVec
	tickDuration prometheus.Histogram
	dispatches   *prometheus.CounterVec
	nodes        prometheus.Gauge
	running      prometheus.Gauge
}

// NewMetrics creates the monitor collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ticks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobwatch_ticks_total",
				Help: "Monitor ticks by outcome",
			},
			[]string{"result"}, // "ok", "error", "terminal"
		),
		jobStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "jobwatch_job_status",
				Help: "Last observed job lifecycle state (1 for the current state)",
			},
			[]string{"status"},
		),
		tickDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "jobwatch_tick_duration_seconds",
				Help:    "Time spent sampling, collecting and diagnosing per tick",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
			},
		),
		dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobwatch_dispatches_total",
				Help: "Per-node collaborator dispatches by stage and result",
			},
			[]string{"stage", "result"}, // result: "ok", "error", "skipped"
		),
		nodes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "jobwatch_nodes",
				Help: "Number of nodes enumerated at the last tick",
			},
		),
		running: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "jobwatch_monitor_running",
				Help: "1 while the monitor loop is running",
			},
		),
	}

	reg.MustRegister(m.ticks, m.jobStatus, m.tickDuration, m.dispatches, m.nodes, m.running)
	return m
}

func (m *Metrics) observeTick(r TickReport) {
	if m == nil {
		return
	}

	result := "ok"
	switch {
	case r.Err != nil:
		result = "error"
	case r.Terminal:
		result = "terminal"
	}
	m.ticks.WithLabelValues(result).Inc()
	m.tickDuration.Observe(r.Duration.Seconds())

	if r.StatusKnown {
		for _, s := range allStatuses {
			v := 0.0
			if s == r.Status {
				v = 1
			}
			m.jobStatus.WithLabelValues(s.String()).Set(v)
		}
	}
	if r.Nodes > 0 {
		m.nodes.Set(float64(r.Nodes))
	}
}

func (m *Metrics) observeDispatch(stage Stage, result string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(string(stage), result).Inc()
}

func (m *Metrics) setRunning(running bool) {
	if m == nil {
		return
	}
	if running {
		m.running.Set(1)
	} else {
		m.running.Set(0)
	}
}

// WriteTextfile dumps every metric of g in the Prometheus text format to
// path, for node_exporter's textfile collector. The file is replaced atomically.
func WriteTextfile(g prometheus.Gatherer, path string) error {
	metricFamilies, err := g.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}

	var buf bytes.Buffer
	encoder := expfmt.NewEncoder(&buf, expfmt.FmtText)
	for _, mf := range metricFamilies {
		if err := encoder.Encode(mf); err != nil {
			return fmt.Errorf("failed to encode %s: %w", mf.GetName(), err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create textfile directory: %w", err)
	}
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write temp textfile: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename textfile: %w", err)
	}
	return nil
}
