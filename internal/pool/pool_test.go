package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	psnet "github.com/shirou/gopsutil/v4/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay-netctl/internal/latency"
	"relay-netctl/internal/signal"
)

type fakeStats struct {
	stats latency.Stats
	err   error
}

func (f *fakeStats) Aggregate() (latency.Stats, error) { return f.stats, f.err }

type fakeRounds struct {
	fakeStats
	last latency.Tick
}

func (f *fakeRounds) Latest() latency.Tick { return f.last }

type fakeSignal struct {
	snap  signal.Snapshot
	fresh bool
}

func (f *fakeSignal) Latest() (signal.Snapshot, bool) { return f.snap, f.fresh }

func newTestPool() *Pool {
	p := New(time.Second)
	p.counters = nil
	return p
}

func TestRegistry(t *testing.T) {
	p := newTestPool()
	require.NoError(t, p.Add(Link{Name: "lte", Interface: "wwan0", Kind: "cellular", Sampler: &fakeStats{}}))
	require.NoError(t, p.Add(Link{Name: "eth", Interface: "eth0", Kind: "ethernet", Sampler: &fakeStats{}}))

	assert.Error(t, p.Add(Link{Name: "lte", Sampler: &fakeStats{}}), "duplicate")
	assert.Error(t, p.Add(Link{Name: "nosampler"}))

	all := p.All()
	require.Len(t, all, 2)
	assert.Equal(t, "eth", all[0].Name)

	st, ok := p.Get("lte")
	require.True(t, ok)
	assert.Equal(t, "wwan0", st.Interface)
	assert.False(t, st.Scored)

	p.Remove("lte")
	p.Remove("lte")
	_, ok = p.Get("lte")
	assert.False(t, ok)
}

func TestBestCandidate(t *testing.T) {
	p := newTestPool()
	good := &fakeStats{stats: latency.Stats{AvgMs: 30, JitterMs: 2, Count: 30}}
	poor := &fakeStats{stats: latency.Stats{AvgMs: 90, JitterMs: 35, Loss: 0.08, Count: 30, Lost: 2}}
	dead := &fakeStats{stats: latency.Stats{Loss: 1, Count: 30, Lost: 30}}
	require.NoError(t, p.Add(Link{Name: "eth", Sampler: good}))
	require.NoError(t, p.Add(Link{Name: "lte", Sampler: poor}))
	require.NoError(t, p.Add(Link{Name: "sat", Sampler: dead}))

	_, err := p.BestCandidate("")
	assert.ErrorIs(t, err, ErrNoCandidate, "nothing is scored before the first refresh")

	p.Refresh(context.Background())

	best, err := p.BestCandidate("")
	require.NoError(t, err)
	assert.Equal(t, "eth", best)

	best, err = p.BestCandidate("eth")
	require.NoError(t, err)
	assert.Equal(t, "lte", best, "a dead link is never a candidate")

	good.err = errors.New("no samples")
	p.Refresh(context.Background())
	best, err = p.BestCandidate("lte")
	assert.ErrorIs(t, err, ErrNoCandidate)
	assert.Empty(t, best)
}

func TestUsableFollowsLatestRound(t *testing.T) {
	p := newTestPool()
	// a mostly healthy window whose newest round lost every target
	eth := &fakeRounds{
		fakeStats: fakeStats{stats: latency.Stats{AvgMs: 20, Count: 30, Lost: 3, Loss: 0.1}},
		last:      latency.Tick{Seq: 10, Total: 3, Lost: 3},
	}
	lte := &fakeRounds{
		fakeStats: fakeStats{stats: latency.Stats{AvgMs: 80, Count: 30, Lost: 2}},
		last:      latency.Tick{Seq: 10, Total: 3, Lost: 1},
	}
	require.NoError(t, p.Add(Link{Name: "eth", Sampler: eth}))
	require.NoError(t, p.Add(Link{Name: "lte", Sampler: lte}))

	p.Refresh(context.Background())
	st, _ := p.Get("eth")
	assert.False(t, st.Usable)
	best, err := p.BestCandidate("")
	require.NoError(t, err)
	assert.Equal(t, "lte", best)

	eth.last = latency.Tick{Seq: 11, Total: 3, Lost: 0}
	p.Refresh(context.Background())
	st, _ = p.Get("eth")
	assert.True(t, st.Usable, "one answered round brings the link back")

	lte.last = latency.Tick{}
	p.Refresh(context.Background())
	st, _ = p.Get("lte")
	assert.True(t, st.Usable, "no round yet falls back to the window")
}

func TestRefreshUsesFreshSignalOnly(t *testing.T) {
	p := newTestPool()
	stats := &fakeStats{stats: latency.Stats{AvgMs: 40, JitterMs: 15, Count: 10}}
	sig := &fakeSignal{snap: signal.Snapshot{SINR: 14, RSRQ: -9, Time: time.Now()}, fresh: true}
	require.NoError(t, p.Add(Link{Name: "lte", Sampler: stats, Signal: sig}))

	p.Refresh(context.Background())
	st, _ := p.Get("lte")
	require.True(t, st.Scored)
	assert.True(t, st.Score.Components.Signal)
	assert.InDelta(t, 74.71, st.Score.Value, 0.01)

	sig.fresh = false
	p.Refresh(context.Background())
	st, _ = p.Get("lte")
	assert.False(t, st.Score.Components.Signal)
	assert.InDelta(t, 82.0, st.Score.Raw, 0.01)
	assert.Greater(t, st.Score.Value, 74.71)
	assert.Less(t, st.Score.Value, st.Score.Raw, "the per-link score is smoothed")
}

func TestRefreshThroughput(t *testing.T) {
	p := newTestPool()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return clock }
	var rx, tx uint64 = 1000, 500
	p.counters = func(context.Context) ([]psnet.IOCountersStat, error) {
		return []psnet.IOCountersStat{{Name: "wwan0", BytesRecv: rx, BytesSent: tx}}, nil
	}
	require.NoError(t, p.Add(Link{Name: "lte", Interface: "wwan0", Sampler: &fakeStats{err: latency.ErrNotStarted}}))

	p.Refresh(context.Background())
	st, _ := p.Get("lte")
	assert.Zero(t, st.Throughput.RxBps)

	clock = clock.Add(2 * time.Second)
	rx, tx = 5000, 1500
	p.Refresh(context.Background())
	st, _ = p.Get("lte")
	assert.InDelta(t, 2000, st.Throughput.RxBps, 1e-9)
	assert.InDelta(t, 500, st.Throughput.TxBps, 1e-9)
	assert.False(t, st.Scored)

	clock = clock.Add(time.Second)
	rx = 10
	p.Refresh(context.Background())
	st, _ = p.Get("lte")
	assert.Zero(t, st.Throughput.RxBps, "counter reset")
}

func TestStartStop(t *testing.T) {
	p := newTestPool()
	stats := &fakeStats{stats: latency.Stats{AvgMs: 20, Count: 5}}
	require.NoError(t, p.Add(Link{Name: "eth", Sampler: stats}))

	p.Start(context.Background())
	p.Start(context.Background())
	require.Eventually(t, func() bool {
		st, _ := p.Get("eth")
		return st.Scored
	}, time.Second, 10*time.Millisecond)
	p.Stop()
	p.Stop()
}
