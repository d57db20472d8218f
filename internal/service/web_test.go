package service

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay-netctl/internal/core"
	"relay-netctl/internal/metrics"
)

func newWeb(t *testing.T) (*fixture, http.Handler) {
	t.Helper()
	f := newFixture(t)
	return f, NewWebServer(f.svc, nil, metrics.New()).Handler()
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestWebStatus(t *testing.T) {
	_, h := newWeb(t)
	rec := get(t, h, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var st Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Len(t, st.Paths, 2)
	assert.Equal(t, "lte", st.Failover.CurrentPath)
	assert.False(t, st.Routing.Enabled)
}

func TestWebEvents(t *testing.T) {
	f, h := newWeb(t)
	base := time.Now().Add(time.Hour)
	for i, kind := range []core.EventKind{core.KindHighJitter, core.KindSINRDrop, core.KindCellChange} {
		f.events.Append(core.NewNetworkEvent(kind, base.Add(time.Duration(i)*time.Minute), "lte", nil))
	}

	var body struct {
		Events []core.NetworkEvent `json:"events"`
	}
	rec := get(t, h, "/api/events?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Events, 2)
	assert.Equal(t, core.KindSINRDrop, body.Events[0].Kind)
	assert.Equal(t, core.KindCellChange, body.Events[1].Kind)

	rec = get(t, h, "/api/events?since="+base.Add(30*time.Second).Format(time.RFC3339))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Events, 2)

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/events?since=yesterday").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/events?limit=-3").Code)
}

func TestWebFailoverAndRouting(t *testing.T) {
	_, h := newWeb(t)

	rec := get(t, h, "/api/failover")
	require.Equal(t, http.StatusOK, rec.Code)
	var fo struct {
		Config core.FailoverYAML `json:"config"`
		State  struct {
			CurrentPath string `json:"current_path"`
		} `json:"state"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fo))
	assert.Equal(t, "lte", fo.Config.PreferredPath)
	assert.Equal(t, "lte", fo.State.CurrentPath)

	rec = get(t, h, "/api/routing")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"enabled":false`)
}

func TestWebMetricsAndHealth(t *testing.T) {
	_, h := newWeb(t)

	rec := get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "go_goroutines"))

	rec = get(t, h, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	assert.Equal(t, http.StatusNotFound, get(t, h, "/ws").Code, "no broadcaster configured")
}
