// Package metrics exposes the control loops as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"relay-netctl/internal/core"
	"relay-netctl/internal/failover"
	"relay-netctl/internal/latency"
	"relay-netctl/internal/quality"
)

const namespace = "relaynet"

// Metrics holds every collector of the daemon on its own registry.
type Metrics struct {
	reg *prometheus.Registry

	score         *prometheus.GaugeVec
	rawScore      *prometheus.GaugeVec
	latencyAvg    *prometheus.GaugeVec
	latencyP95    *prometheus.GaugeVec
	jitter        *prometheus.GaugeVec
	loss          *prometheus.GaugeVec
	probeRTT      *prometheus.HistogramVec
	probeTimeouts *prometheus.CounterVec
	urgency       prometheus.Gauge
	state         *prometheus.GaugeVec
	switches      *prometheus.CounterVec
	events        *prometheus.CounterVec
	routeOps      *prometheus.CounterVec
}

// New creates and registers the collectors, plus the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		score: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "quality_score",
			Help: "Smoothed link quality score (0-100)",
		}, []string{"path"}),
		rawScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "quality_score_raw",
			Help: "Unsmoothed link quality score (0-100)",
		}, []string{"path"}),
		latencyAvg: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "latency_avg_ms",
			Help: "Windowed mean round-trip time",
		}, []string{"path"}),
		latencyP95: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "latency_p95_ms",
			Help: "Windowed 95th percentile round-trip time",
		}, []string{"path"}),
		jitter: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "latency_jitter_ms",
			Help: "Windowed jitter",
		}, []string{"path"}),
		loss: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "latency_loss_ratio",
			Help: "Windowed probe loss fraction",
		}, []string{"path"}),
		probeRTT: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "probe_rtt_seconds",
			Help:    "Round-trip time of successful probes",
			Buckets: []float64{.01, .025, .05, .1, .15, .2, .3, .5, .75, 1, 1.5},
		}, []string{"path"}),
		probeTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "probe_timeouts_total",
			Help: "Probes that timed out",
		}, []string{"path"}),
		urgency: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "failover_urgency",
			Help: "Predictive urgency (0-1)",
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "failover_state",
			Help: "1 for the current failover state, 0 otherwise",
		}, []string{"state"}),
		switches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "failover_switches_total",
			Help: "Path switches by result",
		}, []string{"result"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "network_events_total",
			Help: "Network events by kind",
		}, []string{"kind"}),
		routeOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "route_operations_total",
			Help: "Route change strategies attempted, by strategy and result",
		}, []string{"strategy", "result"}),
	}
	m.reg.MustRegister(
		m.score, m.rawScore, m.latencyAvg, m.latencyP95, m.jitter, m.loss,
		m.probeRTT, m.probeTimeouts, m.urgency, m.state, m.switches, m.events, m.routeOps,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// ObserveTick records the probes of one sampling round.
func (m *Metrics) ObserveTick(path string, tick latency.Tick) {
	for _, s := range tick.Samples {
		if s.Timeout {
			m.probeTimeouts.WithLabelValues(path).Inc()
			continue
		}
		m.probeRTT.WithLabelValues(path).Observe(s.RTT.Seconds())
	}
}

// ObserveLatency sets the window statistics of a path.
func (m *Metrics) ObserveLatency(path string, st latency.Stats) {
	m.latencyAvg.WithLabelValues(path).Set(st.AvgMs)
	m.latencyP95.WithLabelValues(path).Set(st.P95Ms)
	m.jitter.WithLabelValues(path).Set(st.JitterMs)
	m.loss.WithLabelValues(path).Set(st.Loss)
}

// ObserveScore sets the score gauges of a path.
func (m *Metrics) ObserveScore(path string, sc quality.Score) {
	m.score.WithLabelValues(path).Set(sc.Value)
	m.rawScore.WithLabelValues(path).Set(sc.Raw)
}

// ObserveFailover sets the urgency and the state gauges.
func (m *Metrics) ObserveFailover(snap failover.Snapshot) {
	m.urgency.Set(snap.Urgency)
	for _, s := range []failover.State{failover.StateStable, failover.StateDegrading, failover.StateSwitching, failover.StateCooldown} {
		v := 0.0
		if s == snap.State {
			v = 1
		}
		m.state.WithLabelValues(s.String()).Set(v)
	}
}

// ObserveEvent counts a network event; switch outcomes also feed the
// switch counter.
func (m *Metrics) ObserveEvent(e core.NetworkEvent) {
	m.events.WithLabelValues(e.Kind.String()).Inc()
	switch e.Kind {
	case core.KindPathSwitch:
		m.switches.WithLabelValues("ok").Inc()
	case core.KindAutoRestore:
		m.switches.WithLabelValues("restore").Inc()
	case core.KindSwitchFailed:
		m.switches.WithLabelValues("failed").Inc()
	}
}

// ObserveRouteOp counts one route strategy attempt.
func (m *Metrics) ObserveRouteOp(strategy, result string) {
	m.routeOps.WithLabelValues(strategy, result).Inc()
}
