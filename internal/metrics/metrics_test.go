package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay-netctl/internal/core"
	"relay-netctl/internal/failover"
	"relay-netctl/internal/latency"
	"relay-netctl/internal/quality"
)

func TestObserveEventCountsSwitches(t *testing.T) {
	m := New()
	now := time.Now()
	m.ObserveEvent(core.NewNetworkEvent(core.KindPathSwitch, now, "wifi", nil))
	m.ObserveEvent(core.NewNetworkEvent(core.KindPathSwitch, now, "lte", nil))
	m.ObserveEvent(core.NewNetworkEvent(core.KindSwitchFailed, now, "lte", nil))
	m.ObserveEvent(core.NewNetworkEvent(core.KindCellChange, now, "lte", nil))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.switches.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.switches.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.events.WithLabelValues("cell-change")))
}

func TestObserveFailoverState(t *testing.T) {
	m := New()
	m.ObserveFailover(failover.Snapshot{State: failover.StateCooldown, Urgency: 0.5})

	assert.Equal(t, 0.5, testutil.ToFloat64(m.urgency))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.state.WithLabelValues("cooldown")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.state.WithLabelValues("stable")))
}

func TestObserveTickAndScore(t *testing.T) {
	m := New()
	m.ObserveTick("lte", latency.Tick{Samples: []latency.Sample{
		{Target: "a", RTT: 40 * time.Millisecond},
		{Target: "b", RTT: 60 * time.Millisecond},
		{Target: "c", Timeout: true},
	}})
	m.ObserveScore("lte", quality.Score{Value: 70, Raw: 65})
	m.ObserveLatency("lte", latency.Stats{AvgMs: 50, P95Ms: 60, JitterMs: 20, Loss: 1.0 / 3})
	m.ObserveRouteOp("replace", "ok")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.probeTimeouts.WithLabelValues("lte")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.probeRTT))
	assert.Equal(t, 70.0, testutil.ToFloat64(m.score.WithLabelValues("lte")))
	assert.Equal(t, 65.0, testutil.ToFloat64(m.rawScore.WithLabelValues("lte")))
	assert.Equal(t, 20.0, testutil.ToFloat64(m.jitter.WithLabelValues("lte")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.routeOps.WithLabelValues("replace", "ok")))

	expected := `
# HELP relaynet_probe_timeouts_total Probes that timed out
# TYPE relaynet_probe_timeouts_total counter
relaynet_probe_timeouts_total{path="lte"} 1
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "relaynet_probe_timeouts_total"))
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveScore("wifi", quality.Score{Value: 90, Raw: 90})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `relaynet_quality_score{path="wifi"} 90`)
}
