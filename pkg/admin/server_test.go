package admin

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baaaht/msgplane/internal/config"
	"github.com/baaaht/msgplane/internal/logger"
	"github.com/baaaht/msgplane/pkg/ipc"
	"github.com/baaaht/msgplane/pkg/metrics"
	"github.com/baaaht/msgplane/pkg/store"
	"github.com/baaaht/msgplane/pkg/types"
)

type fakePlane struct {
	mu      sync.Mutex
	status  types.Status
	stats   ipc.BrokerStats
	conns   []ipc.ConnectionInfo
	plugins []store.PluginInfo
	pending []store.PendingRequest
}

func (p *fakePlane) Status() types.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *fakePlane) Stats() ipc.BrokerStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *fakePlane) Connections() []ipc.ConnectionInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns
}

func (p *fakePlane) Plugins() []store.PluginInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.plugins
}

func (p *fakePlane) Plugin(id types.PluginID) (store.PluginInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, info := range p.plugins {
		if info.ID == id {
			return info, true
		}
	}
	return store.PluginInfo{}, false
}

func (p *fakePlane) Pending() []store.PendingRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

func (p *fakePlane) setStatus(st types.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = st
}

func newTestServer(t *testing.T, plane Plane) (*Server, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	cfg := config.DefaultMetricsConfig()
	cfg.Address = "127.0.0.1:0"
	s, err := New(cfg, plane, reg, m, logger.NewNop())
	require.NoError(t, err)
	return s, reg
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestNewRequiresPlane(t *testing.T) {
	_, err := New(config.DefaultMetricsConfig(), nil, nil, nil, logger.NewNop())
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
}

func TestHealthz(t *testing.T) {
	plane := &fakePlane{status: types.StatusRunning}
	s, _ := newTestServer(t, plane)

	rec := get(t, s.Handler(), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"running"}`, rec.Body.String())

	plane.setStatus(types.StatusDraining)
	rec = get(t, s.Handler(), "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"draining"}`, rec.Body.String())
}

func TestStats(t *testing.T) {
	plane := &fakePlane{
		status: types.StatusRunning,
		stats: ipc.BrokerStats{
			Status:      types.StatusRunning,
			Connections: 3,
			Registered:  2,
			Topics:      1,
			Pending:     4,
			FramesSent:  10,
		},
	}
	s, _ := newTestServer(t, plane)

	rec := get(t, s.Handler(), "/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var got ipc.BrokerStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, plane.stats, got)
}

func TestConnections(t *testing.T) {
	plane := &fakePlane{
		status: types.StatusRunning,
		conns: []ipc.ConnectionInfo{
			{ID: "c1", Network: "tcp", State: "registered", Identity: "A"},
		},
	}
	s, _ := newTestServer(t, plane)

	rec := get(t, s.Handler(), "/connections")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"identity":"A"`)
}

func TestPlugins(t *testing.T) {
	registered := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	plane := &fakePlane{
		status: types.StatusRunning,
		plugins: []store.PluginInfo{
			{ID: "A", Peer: "c1", RegisteredAt: registered, LastSeen: registered,
				Subscriptions: []types.Topic{"news"}, Pending: 1},
			{ID: "B", Peer: "c2", RegisteredAt: registered, LastSeen: registered,
				Subscriptions: []types.Topic{}},
		},
	}
	s, _ := newTestServer(t, plane)

	rec := get(t, s.Handler(), "/plugins")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Plugins []store.PluginInfo `json:"plugins"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, plane.plugins, list.Plugins)

	rec = get(t, s.Handler(), "/plugins/A")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"subscriptions":["news"]`)
	assert.Contains(t, rec.Body.String(), `"pending":1`)

	rec = get(t, s.Handler(), "/plugins/ghost")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPending(t *testing.T) {
	deadline := time.Date(2024, 1, 1, 0, 0, 30, 0, time.UTC)
	plane := &fakePlane{
		status: types.StatusRunning,
		pending: []store.PendingRequest{
			{Requester: "A", Target: "B", CorrelationID: 7, Deadline: deadline, OpenedAt: deadline.Add(-30 * time.Second)},
		},
	}
	s, _ := newTestServer(t, plane)

	rec := get(t, s.Handler(), "/pending")
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Pending []store.PendingRequest `json:"pending"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, plane.pending, got.Pending)
	assert.Contains(t, rec.Body.String(), `"correlation_id":7`)
}

func TestMetricsRoute(t *testing.T) {
	s, reg := newTestServer(t, &fakePlane{status: types.StatusRunning})

	get(t, s.Handler(), "/healthz")
	get(t, s.Handler(), "/nowhere")

	rec := get(t, s.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "msgplane_connections")

	expected := `
# HELP msgplane_http_requests_total Total admin HTTP requests.
# TYPE msgplane_http_requests_total counter
msgplane_http_requests_total{method="GET",path="/healthz",status="200"} 1
msgplane_http_requests_total{method="GET",path="unmatched",status="404"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "msgplane_http_requests_total"))
}

func TestStartShutdown(t *testing.T) {
	s, _ := newTestServer(t, &fakePlane{status: types.StatusRunning})
	assert.Empty(t, s.Addr())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Start(ctx))
	assert.Error(t, s.Start(ctx))

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "running")

	require.NoError(t, s.Shutdown(ctx))
	_, err = http.Get("http://" + s.Addr() + "/healthz")
	assert.Error(t, err)
}
