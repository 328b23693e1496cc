package report

import (
	"time"

	"github.com/kvesta/quietpatch/internal/vulnscan"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the textfile-collector view of one scan.
type Metrics struct {
	registry *prometheus.Registry

	ItemsScanned  prometheus.Gauge
	ItemsReported prometheus.Gauge
	Findings      *prometheus.GaugeVec
	KEVFindings   prometheus.Gauge
	Lookups       *prometheus.GaugeVec
	ScanDuration  prometheus.Gauge
	SnapshotAge   prometheus.Gauge
	LastScan      prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.ItemsScanned = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quietpatch_items_scanned",
		Help: "Inventory items correlated in the last scan",
	})
	m.ItemsReported = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quietpatch_items_reported",
		Help: "Items left after policy in the last scan",
	})
	m.Findings = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "quietpatch_findings",
		Help: "Reported vulnerabilities by severity label",
	}, []string{"severity"})
	m.KEVFindings = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quietpatch_kev_findings",
		Help: "Reported vulnerabilities in the known exploited catalog",
	})
	m.Lookups = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "quietpatch_lookups",
		Help: "Correlation steps taken in the last scan",
	}, []string{"kind"})
	m.ScanDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quietpatch_scan_duration_seconds",
		Help: "Wall time of the last scan",
	})
	m.SnapshotAge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quietpatch_snapshot_age_days",
		Help: "Days between the installed snapshot date and the scan",
	})
	m.LastScan = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quietpatch_last_scan_timestamp_seconds",
		Help: "Unix time the last scan finished",
	})

	m.registry.MustRegister(m.ItemsScanned, m.ItemsReported, m.Findings, m.KEVFindings,
		m.Lookups, m.ScanDuration, m.SnapshotAge, m.LastScan)
	return m
}

// Observe records a finished scan. reported is the post-policy result set.
func (m *Metrics) Observe(c *vulnscan.Counters, reported []vulnscan.ScanResult, took time.Duration, meta Meta) {
	s := Summarize(reported)

	m.ItemsScanned.Set(float64(c.Items.Load()))
	m.ItemsReported.Set(float64(len(reported)))
	m.Findings.WithLabelValues("critical").Set(float64(s.Critical))
	m.Findings.WithLabelValues("high").Set(float64(s.High))
	m.Findings.WithLabelValues("medium").Set(float64(s.Medium))
	m.Findings.WithLabelValues("low").Set(float64(s.Low))
	m.Findings.WithLabelValues("none").Set(float64(s.None))
	m.KEVFindings.Set(float64(s.KEV))

	m.Lookups.WithLabelValues("resolved").Set(float64(c.Resolved.Load()))
	m.Lookups.WithLabelValues("unresolved").Set(float64(c.Unresolved.Load()))
	m.Lookups.WithLabelValues("remote").Set(float64(c.RemoteLookups.Load()))
	m.Lookups.WithLabelValues("fallback").Set(float64(c.Fallbacks.Load()))
	m.Lookups.WithLabelValues("failed").Set(float64(c.Failures.Load()))

	m.ScanDuration.Set(took.Seconds())
	if d, err := time.Parse("2006-01-02", meta.DBSnapshot); err == nil {
		m.SnapshotAge.Set(meta.GeneratedAt.Sub(d).Hours() / 24)
	}
	m.LastScan.Set(float64(meta.GeneratedAt.Unix()))
}

// WriteTextfile writes the registry for the node_exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
