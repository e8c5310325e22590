package advisory

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossline/hydrod/internal/config"
	"github.com/mossline/hydrod/internal/control"
	"github.com/mossline/hydrod/internal/telemetry"
)

func testClient(t *testing.T, endpoint string) *Client {
	t.Helper()
	cfg := config.Default()
	params := cfg.Advisory
	params.Enabled = true
	params.Endpoint = endpoint
	params.Timeout = config.Duration(2 * time.Second)
	params.APIKeyEnv = "ADVISORY_TEST_KEY"

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := NewClient(params, cfg.Limits, log)
	require.NoError(t, err)
	return c
}

// completionServer wraps payload as the content of a single
// chat-completion choice, the shape the adapter unwraps.
func completionServer(t *testing.T, payload string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": payload}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func testContext() Context {
	return Context{
		KPIs:  telemetry.KPISet{ZoneID: "zone-a"},
		State: control.SystemState{ZoneID: "zone-a", Mode: control.ModeNormal},
	}
}

// TestPropose_Disabled verifies the switched-off adapter abstains
// without touching the network.
func TestPropose_Disabled(t *testing.T) {
	cfg := config.Default()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := NewClient(cfg.Advisory, cfg.Limits, log)
	require.NoError(t, err)

	res := c.Propose(context.Background(), testContext())
	assert.True(t, res.Abstained)
	assert.Equal(t, AbstainDisabled, res.Reason)
}

// TestPropose_ValidActions verifies the happy path: a schema-valid
// completion becomes validated proposals tagged with the advisory
// source.
func TestPropose_ValidActions(t *testing.T) {
	srv := completionServer(t, `{
		"actions": [
			{"channel": "ph_pump", "magnitude": 1.5, "confidence": 0.85, "reason": "pH trending low"},
			{"channel": "fan", "magnitude": 20, "confidence": 0.6, "reason": "slight heat buildup"}
		],
		"reasoning": "pH drift with mild temperature rise",
		"abstain": false
	}`)
	defer srv.Close()

	res := testClient(t, srv.URL).Propose(context.Background(), testContext())
	require.False(t, res.Abstained)
	require.Len(t, res.Proposals, 2)

	p := res.Proposals[0]
	assert.Equal(t, control.ChannelPHPump, p.Channel)
	assert.InDelta(t, 1.5, p.Magnitude, 1e-9)
	assert.Equal(t, control.SourceAdvisory, p.Source)
	assert.InDelta(t, 0.85, p.Confidence, 1e-9)
	assert.Equal(t, "pH trending low", p.Reason)
	assert.Equal(t, "pH drift with mild temperature rise", res.Reasoning)
}

// TestPropose_ExplicitAbstain verifies that an empty action list or
// abstain flag carries the model's reasoning through.
func TestPropose_ExplicitAbstain(t *testing.T) {
	srv := completionServer(t, `{"actions": [], "reasoning": "all channels in spec", "abstain": true}`)
	defer srv.Close()

	res := testClient(t, srv.URL).Propose(context.Background(), testContext())
	assert.True(t, res.Abstained)
	assert.Equal(t, AbstainExplicit, res.Reason)
	assert.Equal(t, "all channels in spec", res.Reasoning)
}

// TestPropose_SchemaViolations verifies that malformed completions
// collapse to schema abstentions rather than partial parses.
func TestPropose_SchemaViolations(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{name: "not json", payload: `increase the pH a little`},
		{name: "missing reasoning", payload: `{"actions": []}`},
		{name: "unknown channel", payload: `{"actions": [{"channel": "heater", "magnitude": 1, "confidence": 0.9, "reason": "cold"}], "reasoning": "x"}`},
		{name: "confidence out of range", payload: `{"actions": [{"channel": "fan", "magnitude": 10, "confidence": 1.5, "reason": "x"}], "reasoning": "x"}`},
		{name: "extra top-level field", payload: `{"actions": [], "reasoning": "x", "mood": "optimistic"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := completionServer(t, tt.payload)
			defer srv.Close()

			res := testClient(t, srv.URL).Propose(context.Background(), testContext())
			assert.True(t, res.Abstained)
			assert.Equal(t, AbstainSchema, res.Reason)
			assert.Empty(t, res.Proposals)
		})
	}
}

// TestPropose_DropsInadmissibleChannels verifies per-channel
// abstention: forbidden channels, over-limit magnitudes, and duplicate
// channels are dropped while valid siblings survive.
func TestPropose_DropsInadmissibleChannels(t *testing.T) {
	srv := completionServer(t, `{
		"actions": [
			{"channel": "refill_pump", "magnitude": 500, "confidence": 0.9, "reason": "level low"},
			{"channel": "ph_pump", "magnitude": 25, "confidence": 0.9, "reason": "way too much"},
			{"channel": "fan", "magnitude": 15, "confidence": 0.7, "reason": "warm"},
			{"channel": "fan", "magnitude": 30, "confidence": 0.7, "reason": "duplicate"}
		],
		"reasoning": "mixed quality",
		"abstain": false
	}`)
	defer srv.Close()

	res := testClient(t, srv.URL).Propose(context.Background(), testContext())
	require.False(t, res.Abstained)
	require.Len(t, res.Proposals, 1)
	assert.Equal(t, control.ChannelFan, res.Proposals[0].Channel)
	assert.InDelta(t, 15.0, res.Proposals[0].Magnitude, 1e-9)
	assert.ElementsMatch(t, []control.ActuatorChannel{
		control.ChannelRefillPump, control.ChannelPHPump, control.ChannelFan,
	}, res.DroppedChannels)
}

// TestPropose_AllDroppedIsAbstention verifies that a completion whose
// every action fails validation counts as a schema abstention.
func TestPropose_AllDroppedIsAbstention(t *testing.T) {
	srv := completionServer(t, `{
		"actions": [{"channel": "reservoir", "magnitude": 1, "confidence": 0.9, "reason": "change water"}],
		"reasoning": "only forbidden work",
		"abstain": false
	}`)
	defer srv.Close()

	res := testClient(t, srv.URL).Propose(context.Background(), testContext())
	assert.True(t, res.Abstained)
	assert.Equal(t, AbstainSchema, res.Reason)
	assert.Equal(t, []control.ActuatorChannel{control.ChannelReservoir}, res.DroppedChannels)
}

// TestPropose_TransportFailures verifies that HTTP errors abstain
// instead of propagating.
func TestPropose_TransportFailures(t *testing.T) {
	t.Run("server error status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		res := testClient(t, srv.URL).Propose(context.Background(), testContext())
		assert.True(t, res.Abstained)
		assert.Equal(t, AbstainTransport, res.Reason)
	})

	t.Run("connection refused", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		srv.Close() // nothing listening anymore

		res := testClient(t, srv.URL).Propose(context.Background(), testContext())
		assert.True(t, res.Abstained)
		assert.Equal(t, AbstainTransport, res.Reason)
	})

	t.Run("no choices", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"choices": []}`))
		}))
		defer srv.Close()

		res := testClient(t, srv.URL).Propose(context.Background(), testContext())
		assert.True(t, res.Abstained)
		assert.Equal(t, AbstainTransport, res.Reason)
	})
}

// TestPropose_SendsBearerToken verifies the API key is read from the
// configured environment variable.
func TestPropose_SendsBearerToken(t *testing.T) {
	t.Setenv("ADVISORY_TEST_KEY", "sk-test-123")

	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": `{"actions": [], "reasoning": "ok"}`}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	testClient(t, srv.URL).Propose(context.Background(), testContext())
	assert.Equal(t, "Bearer sk-test-123", gotAuth)
}
