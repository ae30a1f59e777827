// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics holds the agent's Prometheus collectors.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"grimm.is/arflow/internal/transport"
)

// Metrics holds all arflow Prometheus metrics. A nil *Metrics is valid and
// records nothing, so components can be built without a registry.
type Metrics struct {
	// Probing
	ProbeRounds   prometheus.Counter
	ProbesSent    prometheus.Counter
	ProbeReplies  prometheus.Counter
	ProbeTimeouts prometheus.Counter
	StaleReplies  prometheus.Counter
	ProbeLatency  prometheus.Histogram

	// Offload rules
	RulesInstalled      prometheus.Counter
	RuleInstallFailures prometheus.Counter
	RulesAged           prometheus.Counter
	RuleDeleteFailures  prometheus.Counter
	Evictions           *prometheus.CounterVec

	// Data plane
	Connections       prometheus.Gauge
	Unsupported       prometheus.Counter
	AdmissionFailures prometheus.Counter
	PendingForwards   prometheus.Counter

	mu        sync.RWMutex
	ports     func() []transport.Stats
	portDescs map[string]*prometheus.Desc
}

// NewMetrics creates the collectors. Register them with Register.
func NewMetrics() *Metrics {
	return &Metrics{
		ProbeRounds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arflow_probe_rounds_total",
			Help: "Probe rounds started, one per new flow resolved by probing",
		}),
		ProbesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arflow_probes_sent_total",
			Help: "Probe packets accepted by the network port",
		}),
		ProbeReplies: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arflow_probe_replies_total",
			Help: "Probe rounds won by a reply before the deadline",
		}),
		ProbeTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arflow_probe_timeouts_total",
			Help: "Probe rounds that fell back to the original path",
		}),
		StaleReplies: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arflow_probe_stale_replies_total",
			Help: "Probe replies that matched no outstanding round",
		}),
		ProbeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "arflow_probe_latency_seconds",
			Help:    "Time from sending probes to the winning reply",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		}),

		RulesInstalled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arflow_rules_installed_total",
			Help: "Offload rules installed",
		}),
		RuleInstallFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arflow_rule_install_failures_total",
			Help: "Offload rule installs rejected by the engine",
		}),
		RulesAged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arflow_rules_aged_total",
			Help: "Offload rules reported idle by the engine",
		}),
		RuleDeleteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arflow_rule_delete_failures_total",
			Help: "Offload rule deletions that failed",
		}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arflow_evictions_total",
			Help: "Connections released from the table",
		}, []string{"reason"}),

		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arflow_connections",
			Help: "Connections currently tracked",
		}),
		Unsupported: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arflow_unsupported_packets_total",
			Help: "Ingress packets outside the handled tunnel encapsulation",
		}),
		AdmissionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arflow_admission_failures_total",
			Help: "Resolved flows that could not be cached because the table was full",
		}),
		PendingForwards: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arflow_pending_forwards_total",
			Help: "Packets forwarded on their original path while a probe was in flight",
		}),

		portDescs: map[string]*prometheus.Desc{
			"rx_packets": prometheus.NewDesc("arflow_port_rx_packets_total", "Frames received", []string{"port"}, nil),
			"rx_bytes":   prometheus.NewDesc("arflow_port_rx_bytes_total", "Bytes received", []string{"port"}, nil),
			"tx_packets": prometheus.NewDesc("arflow_port_tx_packets_total", "Frames transmitted", []string{"port"}, nil),
			"tx_bytes":   prometheus.NewDesc("arflow_port_tx_bytes_total", "Bytes transmitted", []string{"port"}, nil),
			"tx_dropped": prometheus.NewDesc("arflow_port_tx_dropped_total", "Frames the port refused", []string{"port"}, nil),
		},
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ProbeRounds, m.ProbesSent, m.ProbeReplies, m.ProbeTimeouts, m.StaleReplies, m.ProbeLatency,
		m.RulesInstalled, m.RuleInstallFailures, m.RulesAged, m.RuleDeleteFailures, m.Evictions,
		m.Connections, m.Unsupported, m.AdmissionFailures, m.PendingForwards,
	}
}

// Describe implements prometheus.Collector
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
	for _, d := range m.portDescs {
		ch <- d
	}
}

// Collect implements prometheus.Collector
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}

	m.mu.RLock()
	src := m.ports
	m.mu.RUnlock()
	if src == nil {
		return
	}
	for _, s := range src() {
		for name, v := range map[string]uint64{
			"rx_packets": s.RxPackets,
			"rx_bytes":   s.RxBytes,
			"tx_packets": s.TxPackets,
			"tx_bytes":   s.TxBytes,
			"tx_dropped": s.TxDropped,
		} {
			ch <- prometheus.MustNewConstMetric(m.portDescs[name], prometheus.CounterValue, float64(v), s.Name)
		}
	}
}

// Register adds the collectors to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	return reg.Register(m)
}

// SetPortSource makes port counters part of every scrape.
func (m *Metrics) SetPortSource(fn func() []transport.Stats) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.ports = fn
	m.mu.Unlock()
}

func (m *Metrics) ProbeRound(sent int) {
	if m == nil {
		return
	}
	m.ProbeRounds.Inc()
	m.ProbesSent.Add(float64(sent))
}

func (m *Metrics) ProbeResolved(latency time.Duration) {
	if m == nil {
		return
	}
	m.ProbeReplies.Inc()
	m.ProbeLatency.Observe(latency.Seconds())
}

func (m *Metrics) ProbeTimedOut() {
	if m != nil {
		m.ProbeTimeouts.Inc()
	}
}

func (m *Metrics) StaleReply() {
	if m != nil {
		m.StaleReplies.Inc()
	}
}

func (m *Metrics) RuleInstalled() {
	if m != nil {
		m.RulesInstalled.Inc()
	}
}

func (m *Metrics) RuleInstallFailed() {
	if m != nil {
		m.RuleInstallFailures.Inc()
	}
}

func (m *Metrics) RuleAged() {
	if m != nil {
		m.RulesAged.Inc()
	}
}

func (m *Metrics) RuleDeleteFailed() {
	if m != nil {
		m.RuleDeleteFailures.Inc()
	}
}

func (m *Metrics) Evicted(reason string) {
	if m != nil {
		m.Evictions.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) SetConnections(n int) {
	if m != nil {
		m.Connections.Set(float64(n))
	}
}

func (m *Metrics) UnsupportedPacket() {
	if m != nil {
		m.Unsupported.Inc()
	}
}

func (m *Metrics) AdmissionFailed() {
	if m != nil {
		m.AdmissionFailures.Inc()
	}
}

func (m *Metrics) PendingForward() {
	if m != nil {
		m.PendingForwards.Inc()
	}
}
