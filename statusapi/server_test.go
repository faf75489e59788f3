package statusapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"github.com/jd3nn1s/skimmer"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type navStub struct {
	mu       sync.Mutex
	status   skimmer.Status
	history  []skimmer.Decision
	estops   []string
	clears   int
	goalErr  error
	decision skimmer.Decision
	envelope skimmer.CommandEnvelope
}

func newNavStub() *navStub {
	return &navStub{
		status: skimmer.Status{
			RunID:      "run-1",
			Tick:       42,
			Time:       epoch,
			Mode:       skimmer.ModeDegraded,
			ModeReason: "waste unhealthy",
			Sources: map[skimmer.SourceID]skimmer.SourceHealth{
				skimmer.SourceCompass: {Healthy: true, AgeMillis: 20},
				skimmer.SourceWaste:   {Healthy: false, AgeMillis: 3000, Failures: 4, Reason: "stale"},
			},
			LastAckSeq: 17,
			LastAckAt:  epoch,
			Dispatch:   skimmer.DispatchStats{Sent: 17, Acked: 17},
			Goal:       skimmer.Goal{Mode: skimmer.GoalHeading, Heading: 90},
		},
		decision: skimmer.Decision{Heading: 90, Speed: 0.4, Reason: skimmer.ReasonHeadingHold, Timestamp: epoch},
		envelope: skimmer.CommandEnvelope{Seq: 17, Heading: 90, Speed: 0.4, IssuedAt: epoch},
		history: []skimmer.Decision{
			{Heading: 85, Speed: 0.4, Reason: skimmer.ReasonHeadingHold, Timestamp: epoch.Add(-100 * time.Millisecond)},
			{Heading: 90, Speed: 0.4, Reason: skimmer.ReasonHeadingHold, Timestamp: epoch},
		},
	}
}

func (n *navStub) Decision() (skimmer.Decision, skimmer.CommandEnvelope) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.decision, n.envelope
}

func (n *navStub) Status() skimmer.Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

func (n *navStub) History() []skimmer.Decision {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.history
}

func (n *navStub) EStop(reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.estops = append(n.estops, reason)
}

func (n *navStub) ClearEStop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.clears++
}

func (n *navStub) SetGoal(g skimmer.Goal) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.goalErr != nil {
		return n.goalErr
	}
	n.status.Goal = g
	return nil
}

func newTestServer(t *testing.T, nav *navStub) *httptest.Server {
	srv := httptest.NewServer(New(nav, 10*time.Millisecond).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, out interface{}) {
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestDecision(t *testing.T) {
	nav := newNavStub()
	srv := newTestServer(t, nav)

	var got DecisionResponse
	getJSON(t, srv.URL+"/decision", &got)
	if diff := cmp.Diff(DecisionResponse{Decision: nav.decision, Envelope: nav.envelope}, got); diff != "" {
		t.Errorf("decision mismatch (-want +got):\n%s", diff)
	}
}

func TestStatus(t *testing.T) {
	nav := newNavStub()
	srv := newTestServer(t, nav)

	var got skimmer.Status
	getJSON(t, srv.URL+"/status", &got)
	if diff := cmp.Diff(nav.status, got); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}

	// field names are part of the surface
	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw := map[string]interface{}{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	assert.Equal(t, "DEGRADED", raw["mode"])
	assert.Equal(t, float64(17), raw["last_ack_seq"])
	waste := raw["sources"].(map[string]interface{})["waste"].(map[string]interface{})
	assert.Equal(t, float64(3000), waste["age_ms"])
	assert.Equal(t, "stale", waste["reason"])
}

func TestHistory(t *testing.T) {
	nav := newNavStub()
	srv := newTestServer(t, nav)

	var got []skimmer.Decision
	getJSON(t, srv.URL+"/history", &got)
	assert.Equal(t, nav.history, got)

	nav.mu.Lock()
	nav.history = nil
	nav.mu.Unlock()
	var body []skimmer.Decision
	getJSON(t, srv.URL+"/history", &body)
	assert.NotNil(t, body, "an empty history is an empty list")
}

func TestEStop(t *testing.T) {
	nav := newNavStub()
	srv := newTestServer(t, nav)

	resp, err := http.Post(srv.URL+"/estop", "application/json", strings.NewReader(`{"reason": "swimmer"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/estop?reason=dock", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/estop", "", nil)
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Post(srv.URL+"/estop", "application/json", strings.NewReader(`{`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/estop/clear", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	nav.mu.Lock()
	assert.Equal(t, []string{"swimmer", "dock", "operator request"}, nav.estops)
	assert.Equal(t, 1, nav.clears)
	nav.mu.Unlock()

	resp, err = http.Get(srv.URL + "/estop")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	nav.mu.Lock()
	assert.Len(t, nav.estops, 3)
	nav.mu.Unlock()
}

func TestGoal(t *testing.T) {
	nav := newNavStub()
	srv := newTestServer(t, nav)

	body := `{"mode": "position", "target": {"latitude": 51.5, "longitude": -0.12}}`
	resp, err := http.Post(srv.URL+"/goal", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var goal skimmer.Goal
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&goal))
	assert.Equal(t, skimmer.GoalPosition, goal.Mode)
	assert.Equal(t, 51.5, goal.Target.Latitude)

	var current skimmer.Goal
	getJSON(t, srv.URL+"/goal", &current)
	assert.Equal(t, goal, current)

	for _, bad := range []string{`{"mode": "wander"}`, `not json`} {
		resp, err := http.Post(srv.URL+"/goal", "application/json", strings.NewReader(bad))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, bad)
	}

	nav.mu.Lock()
	nav.goalErr = errors.New("goal target out of range")
	nav.mu.Unlock()
	resp2, err := http.Post(srv.URL+"/goal", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
	msg := map[string]string{}
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&msg))
	assert.Equal(t, "goal target out of range", msg["error"])

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/goal", nil)
	require.NoError(t, err)
	resp3, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp3.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp3.StatusCode)
}

func TestWebsocketPushesStatus(t *testing.T) {
	nav := newNavStub()
	srv := newTestServer(t, nav)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first skimmer.Status
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, uint64(42), first.Tick)

	nav.mu.Lock()
	nav.status.Tick = 43
	nav.status.Mode = skimmer.ModeHold
	nav.mu.Unlock()

	require.Eventually(t, func() bool {
		var st skimmer.Status
		if err := conn.ReadJSON(&st); err != nil {
			return false
		}
		return st.Tick == 43 && st.Mode == skimmer.ModeHold
	}, time.Second, time.Millisecond)
}

func TestDebugNavChart(t *testing.T) {
	nav := newNavStub()
	srv := newTestServer(t, nav)

	resp, err := http.Get(srv.URL + "/debug/nav")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	page, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(page), "Heading")
	assert.Contains(t, string(page), "12:00:00.000")

	var stats skimmer.DispatchStats
	getJSON(t, srv.URL+"/debug/dispatch", &stats)
	assert.Equal(t, uint64(17), stats.Acked)
}
