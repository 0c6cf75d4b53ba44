package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"muruntime/internal/directory"
	"muruntime/internal/domain"
	"muruntime/internal/telemetry"
	"muruntime/logging"
)

type fakeSnapshotter struct {
	snapshot  []directory.InstanceSnapshot
	sessions  int
	instances int
}

func (f fakeSnapshotter) DirectorySnapshot() []directory.InstanceSnapshot { return f.snapshot }
func (f fakeSnapshotter) SessionCount() int                               { return f.sessions }
func (f fakeSnapshotter) InstanceCount() int                              { return f.instances }

type fakeConnCounter int

func (f fakeConnCounter) ConnectionCount() int { return int(f) }

type fakePersistenceGauge int

func (f fakePersistenceGauge) BufferedCount() int { return int(f) }

type fakeLogStatter logging.RouterStats

func (f fakeLogStatter) Stats() logging.RouterStats { return logging.RouterStats(f) }

func TestHealthEndpoint(t *testing.T) {
	handler := NewHandler(fakeSnapshotter{}, nil, nil, nil, telemetry.WrapLogger(nil), DefaultConfig())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	handler := NewHandler(fakeSnapshotter{}, nil, nil, nil, telemetry.WrapLogger(nil), DefaultConfig())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRuntimeWorldsGroupsByWorldAndMapKind(t *testing.T) {
	snap := []directory.InstanceSnapshot{
		{Route: domain.Route{World: "azuria", MapKind: "town", InstanceID: "town-1"}, Occupancy: 3, SoftCap: 10, HardCap: 20},
		{Route: domain.Route{World: "azuria", MapKind: "town", InstanceID: "town-2"}, Occupancy: 1, SoftCap: 10, HardCap: 20},
		{Route: domain.Route{World: "azuria", MapKind: "dungeon-1", InstanceID: "dungeon-1"}, Occupancy: 5, SoftCap: 10, HardCap: 20},
	}
	handler := NewHandler(fakeSnapshotter{snapshot: snap}, nil, nil, nil, telemetry.WrapLogger(nil), DefaultConfig())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runtime/worlds", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var worlds []worldEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &worlds))
	require.Len(t, worlds, 1)
	require.Equal(t, "azuria", worlds[0].World)
	require.Len(t, worlds[0].Maps, 2)

	total := 0
	for _, m := range worlds[0].Maps {
		total += len(m.Instances)
	}
	require.Equal(t, 3, total)
}

func TestRuntimeMapsReturnsFlatSnapshot(t *testing.T) {
	snap := []directory.InstanceSnapshot{
		{Route: domain.Route{World: "azuria", MapKind: "town", InstanceID: "town-1"}, Occupancy: 2, SoftCap: 10, HardCap: 20},
	}
	handler := NewHandler(fakeSnapshotter{snapshot: snap}, nil, nil, nil, telemetry.WrapLogger(nil), DefaultConfig())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runtime/maps", nil))

	var out []directory.InstanceSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, snap, out)
}

func TestRuntimeStatsIncludesConnectionsOnlyWhenCounterProvided(t *testing.T) {
	snap := fakeSnapshotter{sessions: 4, instances: 2}

	withoutConns := NewHandler(snap, nil, nil, nil, telemetry.WrapLogger(nil), DefaultConfig())
	rec := httptest.NewRecorder()
	withoutConns.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runtime/stats", nil))
	var statsNoConns map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &statsNoConns))
	require.NotContains(t, statsNoConns, "connections")
	require.Equal(t, float64(4), statsNoConns["sessions"])

	withConns := NewHandler(snap, fakeConnCounter(7), nil, nil, telemetry.WrapLogger(nil), DefaultConfig())
	rec = httptest.NewRecorder()
	withConns.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runtime/stats", nil))
	var statsWithConns map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &statsWithConns))
	require.Equal(t, float64(7), statsWithConns["connections"])
}

func TestRuntimeStatsIncludesLoggingStatsOnlyWhenRouterProvided(t *testing.T) {
	snap := fakeSnapshotter{sessions: 1}

	withoutLogs := NewHandler(snap, nil, nil, nil, telemetry.WrapLogger(nil), DefaultConfig())
	rec := httptest.NewRecorder()
	withoutLogs.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runtime/stats", nil))
	var statsNoLogs map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &statsNoLogs))
	require.NotContains(t, statsNoLogs, "logging")

	logs := fakeLogStatter{EventsTotal: 12, DroppedTotal: 3}
	withLogs := NewHandler(snap, nil, nil, logs, telemetry.WrapLogger(nil), DefaultConfig())
	rec = httptest.NewRecorder()
	withLogs.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runtime/stats", nil))
	var body struct {
		Logging *logging.RouterStats `json:"logging"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotNil(t, body.Logging)
	require.Equal(t, uint64(12), body.Logging.EventsTotal)
	require.Equal(t, uint64(3), body.Logging.DroppedTotal)
}

func TestRuntimePersistenceReportsBufferedCountWhenConfigured(t *testing.T) {
	handler := NewHandler(fakeSnapshotter{}, nil, fakePersistenceGauge(42), nil, telemetry.WrapLogger(nil), DefaultConfig())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runtime/persistence", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		BufferedEntries int `json:"bufferedEntries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 42, body.BufferedEntries)
}

func TestRuntimePersistenceNotFoundWhenNoWorkerConfigured(t *testing.T) {
	handler := NewHandler(fakeSnapshotter{}, nil, nil, nil, telemetry.WrapLogger(nil), DefaultConfig())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runtime/persistence", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLoginDisabledByDefault(t *testing.T) {
	handler := NewHandler(fakeSnapshotter{}, nil, nil, nil, telemetry.WrapLogger(nil), DefaultConfig())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/login", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLoginIssuesAuthToken(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LoginEnabled = true
	cfg.AuthSecret = []byte("httpapi-test-secret")
	handler := NewHandler(fakeSnapshotter{}, nil, nil, nil, telemetry.WrapLogger(nil), cfg)

	body, err := json.Marshal(loginRequest{AccountID: "acct-1", Characters: []string{"char-1"}})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp loginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.AuthToken)
}

func TestLoginRejectsMissingAccountID(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LoginEnabled = true
	cfg.AuthSecret = []byte("httpapi-test-secret")
	handler := NewHandler(fakeSnapshotter{}, nil, nil, nil, telemetry.WrapLogger(nil), cfg)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader([]byte(`{}`))))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
