package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossline/hydrod/internal/config"
	"github.com/mossline/hydrod/internal/control"
	"github.com/mossline/hydrod/internal/dispatch"
	"github.com/mossline/hydrod/internal/engine"
	"github.com/mossline/hydrod/internal/store"
	"github.com/mossline/hydrod/internal/telemetry"
	"github.com/mossline/hydrod/internal/testutil"
)

type apiHarness struct {
	server *Server
	store  *store.Store
	engine *engine.Engine
	cfg    config.Config
	clock  *testutil.Clock
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()

	cfg := config.Default()
	cfg.StorePath = filepath.Join(t.TempDir(), "hydrod.db")

	st, err := store.Open(cfg.StorePath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := testutil.NewClock()
	eng := engine.New(cfg, st, nil, dispatch.NewSim(log), log,
		engine.WithClock(clock.Now),
		engine.WithIDGenerator(testutil.IDSequence("id")),
	)

	return &apiHarness{
		server: New(cfg, st, eng, log),
		store:  st,
		engine: eng,
		cfg:    cfg,
		clock:  clock,
	}
}

// runCycle seeds telemetry and executes one cycle so the read model has
// something to serve.
func (h *apiHarness) runCycle(t *testing.T, values map[telemetry.Channel]float64) {
	t.Helper()
	zone := h.cfg.Zones[0]
	for _, snap := range testutil.SteadyWindow(zone.ID, h.clock.Now(), 24, 5*time.Minute, values) {
		require.NoError(t, h.store.WriteSnapshot(context.Background(), snap))
	}
	_, err := h.engine.RunCycle(context.Background(), zone)
	require.NoError(t, err)
}

func (h *apiHarness) request(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.server.Router().ServeHTTP(rec, req)

	var payload map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	}
	return rec, payload
}

// TestHealthz verifies the liveness endpoint.
func TestHealthz(t *testing.T) {
	h := newAPIHarness(t)
	rec, payload := h.request(t, http.MethodGet, "/healthz", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", payload["status"])
}

// TestListZones verifies the configured zone inventory.
func TestListZones(t *testing.T) {
	h := newAPIHarness(t)
	rec, payload := h.request(t, http.MethodGet, "/api/v1/zones", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	zones := payload["zones"].([]any)
	require.Len(t, zones, 1)
	zone := zones[0].(map[string]any)
	assert.Equal(t, "zone-a", zone["id"])
	assert.Equal(t, "GREENS", zone["grow_phase"])
}

// TestZoneStatus verifies the status view before and after a cycle.
func TestZoneStatus(t *testing.T) {
	h := newAPIHarness(t)

	rec, payload := h.request(t, http.MethodGet, "/api/v1/zones/zone-a/status", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, payload, "state", "no state before the first cycle")
	assert.NotContains(t, payload, "last_cycle")

	h.runCycle(t, testutil.HealthyValues())

	rec, payload = h.request(t, http.MethodGet, "/api/v1/zones/zone-a/status", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), payload["last_cycle"])
	assert.Equal(t, float64(1), payload["health_score"])
	state := payload["state"].(map[string]any)
	assert.Equal(t, string(control.ModeNormal), state["mode"])
}

// TestZoneCycles verifies the cycle listing and its limit validation.
func TestZoneCycles(t *testing.T) {
	h := newAPIHarness(t)
	h.runCycle(t, testutil.HealthyValues())
	h.clock.Advance(10 * time.Minute)
	h.runCycle(t, testutil.HealthyValues())

	rec, payload := h.request(t, http.MethodGet, "/api/v1/zones/zone-a/cycles?limit=1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	cycles := payload["cycles"].([]any)
	require.Len(t, cycles, 1)
	newest := cycles[0].(map[string]any)
	assert.Equal(t, float64(2), newest["cycle_seq"], "newest first")

	for _, bad := range []string{"0", "201", "abc"} {
		rec, _ := h.request(t, http.MethodGet, "/api/v1/zones/zone-a/cycles?limit="+bad, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, "limit %q", bad)
	}
}

// TestZoneRollups verifies the daily KPI trend endpoint: the since
// filter, the rows a committed cycle leaves behind, and parameter
// validation.
func TestZoneRollups(t *testing.T) {
	h := newAPIHarness(t)
	h.runCycle(t, testutil.HealthyValues())

	rec, payload := h.request(t, http.MethodGet, "/api/v1/zones/zone-a/rollups?since=2026-03-01", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2026-03-01", payload["since"])
	rollups := payload["rollups"].([]any)
	require.NotEmpty(t, rollups)
	first := rollups[0].(map[string]any)
	assert.Equal(t, "2026-03-10", first["day"])
	assert.Equal(t, "zone-a", first["zone_id"])
	assert.NotEmpty(t, first["trend"])

	// A later since excludes the day entirely.
	rec, payload = h.request(t, http.MethodGet, "/api/v1/zones/zone-a/rollups?since=2026-03-11", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, payload["rollups"])

	rec, _ = h.request(t, http.MethodGet, "/api/v1/zones/zone-a/rollups?since=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// TestUnknownZone verifies every zone-scoped route 404s on a zone that
// is not configured.
func TestUnknownZone(t *testing.T) {
	h := newAPIHarness(t)

	paths := []string{
		"/api/v1/zones/zone-x/status",
		"/api/v1/zones/zone-x/cycles",
		"/api/v1/zones/zone-x/rollups",
		"/api/v1/zones/zone-x/events",
	}
	for _, path := range paths {
		rec, payload := h.request(t, http.MethodGet, path, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
		assert.Contains(t, payload["error"], "unknown zone")
	}

	rec, _ := h.request(t, http.MethodPost, "/api/v1/zones/zone-x/ack", `{"operator": "jamie"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// TestAcknowledge verifies the operator endpoint: validation, the
// conflict on a zone that is not locked out, and the happy path.
func TestAcknowledge(t *testing.T) {
	h := newAPIHarness(t)

	rec, _ := h.request(t, http.MethodPost, "/api/v1/zones/zone-a/ack", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "operator is required")

	// NORMAL zone: nothing to acknowledge.
	h.runCycle(t, testutil.HealthyValues())
	rec, _ = h.request(t, http.MethodPost, "/api/v1/zones/zone-a/ack", `{"operator": "jamie"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Trip the lockout, then clear it.
	values := testutil.HealthyValues()
	values[telemetry.ChannelPH] = 3.0
	h.clock.Advance(10 * time.Minute)
	h.runCycle(t, values)

	rec, events := h.request(t, http.MethodGet, "/api/v1/zones/zone-a/events", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, events["events"].([]any), 1)

	rec, payload := h.request(t, http.MethodPost, "/api/v1/zones/zone-a/ack", `{"operator": "jamie"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), payload["events_closed"])

	rec, events = h.request(t, http.MethodGet, "/api/v1/zones/zone-a/events", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, events["events"])
}
