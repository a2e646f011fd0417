package patroni

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t *testing.T, h *testHarness) *APIServer {
	t.Helper()
	metrics := NewMetrics("test", h.db.Name())
	return NewAPIServer(h.ha.config, h.ha, h.db, h.dcs, metrics)
}

func doRequest(s *APIServer, method, path, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestProbeRunning(t *testing.T) {
	h := newTestHa(t, clusterWithLeader(nil))
	h.db.xlog = 42
	s := newTestAPI(t, h)

	w := doRequest(s, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body NodeProbeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "running", body.State)
	assert.Equal(t, RoleReplica, body.Role)
	assert.Equal(t, uint64(42), body.Xlog.Location)

	// The alias peers use resolves to the same probe.
	w = doRequest(s, http.MethodGet, "/patroni", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestProbeStopped(t *testing.T) {
	h := newTestHa(t, clusterWithLeader(nil))
	h.db.running = false
	s := newTestAPI(t, h)

	w := doRequest(s, http.MethodGet, "/", "")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body NodeProbeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "stopped", body.State)
}

func TestClusterStatus(t *testing.T) {
	h := newTestHa(t, clusterWithLeader(nil))
	s := newTestAPI(t, h)

	// No snapshot before the first cycle.
	w := doRequest(s, http.MethodGet, "/cluster", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	h.ha.RunCycle()
	w = doRequest(s, http.MethodGet, "/cluster", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "leader", body["leader"])
	assert.Equal(t, true, body["initialized"])
	assert.Len(t, body["members"], 2)
}

func TestFailoverEndpoint(t *testing.T) {
	h := newTestHa(t, clusterWithLeader(nil))
	s := newTestAPI(t, h)
	h.ha.RunCycle()

	w := doRequest(s, http.MethodPost, "/failover", "{}")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(s, http.MethodPost, "/failover", "not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(s, http.MethodPost, "/failover", `{"candidate": "nobody"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(s, http.MethodPost, "/failover", `{"leader": "leader", "candidate": "other"}`)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRestartEndpoint(t *testing.T) {
	h := newTestHa(t, clusterWithLeader(nil))
	s := newTestAPI(t, h)

	w := doRequest(s, http.MethodPost, "/restart", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "restarted successfully")

	h.db.restartErr = &PostgresError{Op: "restart", Err: assert.AnError}
	w = doRequest(s, http.MethodPost, "/restart", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestReinitializeEndpoint(t *testing.T) {
	h := newTestHa(t, clusterWithLeader(nil))
	s := newTestAPI(t, h)

	w := doRequest(s, http.MethodPost, "/reinitialize", "")
	assert.Equal(t, http.StatusOK, w.Code)

	// The slot is still occupied until the next HA cycle consumes it.
	w = doRequest(s, http.MethodPost, "/reinitialize", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHealthEndpoint(t *testing.T) {
	h := newTestHa(t, clusterWithLeader(nil))
	s := newTestAPI(t, h)

	w := doRequest(s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "postgresql0")
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestHa(t, clusterWithLeader(nil))
	metrics := NewMetrics("test", h.db.Name())
	s := NewAPIServer(h.ha.config, h.ha, h.db, h.dcs, metrics)

	metrics.ObserveCycle("no action.  i am the leader with the lock", 0.01, true)

	w := doRequest(s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "patroni_ha_cycles_total")
	assert.Contains(t, w.Body.String(), "patroni_leader")
}
