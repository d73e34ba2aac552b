package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/cloudlaunch/internal/activity"
	"github.com/nexus-trading/cloudlaunch/internal/agent"
	"github.com/nexus-trading/cloudlaunch/internal/driver"
	"github.com/nexus-trading/cloudlaunch/internal/imagesearch"
	"github.com/nexus-trading/cloudlaunch/internal/instance"
	"github.com/nexus-trading/cloudlaunch/internal/kvstore"
	"github.com/nexus-trading/cloudlaunch/internal/ledger"
	"github.com/nexus-trading/cloudlaunch/internal/observability"
	"github.com/nexus-trading/cloudlaunch/internal/sources"
	"github.com/nexus-trading/cloudlaunch/internal/tracker"
)

// -----------------------------------------------------------------------
// Fakes
// -----------------------------------------------------------------------

type staticFetcher struct {
	tokens []instance.Candidate
}

func (f staticFetcher) Fetch(_ context.Context, cursor int) sources.Batch {
	return sources.Batch{Tokens: f.tokens, Next: cursor + 1, Label: "static"}
}

type okLauncher struct {
	mu    sync.Mutex
	calls int
}

func (l *okLauncher) Launch(_ context.Context, _ *instance.Config, c instance.Candidate) agent.Result {
	l.mu.Lock()
	l.calls++
	l.mu.Unlock()
	return agent.Result{OK: true, PostID: "post-" + c.Symbol}
}

type fakeTracker struct {
	payload tracker.Payload
	err     error
}

func (f fakeTracker) Snapshot(context.Context) (tracker.Payload, error) {
	return f.payload, f.err
}

type fakeImages struct{}

func (fakeImages) Search(_ context.Context, name, _ string) (imagesearch.Hit, error) {
	switch strings.TrimSpace(name) {
	case "":
		return imagesearch.Hit{}, imagesearch.ErrNoName
	case "ghost":
		return imagesearch.Hit{}, imagesearch.ErrNotFound
	case "boom":
		return imagesearch.Hit{}, errors.New("upstream exploded")
	}
	return imagesearch.Hit{URL: "https://img/" + name + ".png", Source: imagesearch.SourceCoinGecko}, nil
}

type apiHarness struct {
	store   *kvstore.MemoryStore
	hub     *activity.Hub
	trail   *ledger.Trail
	metrics *observability.Metrics
	srv     *httptest.Server
}

func newAPI(t *testing.T) *apiHarness {
	t.Helper()
	h := &apiHarness{
		store:   kvstore.NewMemoryStore(),
		hub:     activity.NewHub(50),
		trail:   ledger.NewTrail(nil, 50),
		metrics: observability.NewMetrics(),
	}
	fetcher := staticFetcher{tokens: []instance.Candidate{
		{Name: "Moon Dog", Symbol: "MDOG", Chain: "bsc", Image: "https://img/mdog.png"},
	}}
	engine := driver.NewEngine(h.store, fetcher, &okLauncher{}, []int{1, 2},
		driver.WithFeed(h.hub), driver.WithLedger(h.trail))
	svc := driver.NewService(engine, nil, driver.WithDefaultWallet("0xfee"))

	s := NewServer(svc,
		WithTracker(fakeTracker{payload: tracker.Payload{Tokens: []tracker.Token{}, UpdatedAt: 42}}),
		WithImages(fakeImages{}),
		WithActivity(h.hub),
		WithLaunches(ledger.BufferReader{Trail: h.trail}),
		WithMetrics(h.metrics),
		WithClock(func() time.Time { return time.UnixMilli(1_700_000_000_000) }),
	)
	h.srv = httptest.NewServer(s.Handler())
	t.Cleanup(h.srv.Close)
	return h
}

func (h *apiHarness) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rdr)
	require.NoError(t, err)
	resp, err := h.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func logMessages(t *testing.T, body map[string]any) []string {
	t.Helper()
	raw, ok := body["logs"].([]any)
	require.True(t, ok, "logs must be an array")
	var msgs []string
	for _, l := range raw {
		msgs = append(msgs, l.(map[string]any)["msg"].(string))
	}
	return msgs
}

// -----------------------------------------------------------------------
// Control
// -----------------------------------------------------------------------

func TestStatus_EmptyInstance(t *testing.T) {
	h := newAPI(t)

	code, body := h.do(t, http.MethodGet, "/api/cloud-launch", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Nil(t, body["config"])
	assert.Equal(t, []any{}, body["logs"])
}

func TestStatus_BadInstance(t *testing.T) {
	h := newAPI(t)

	for _, q := range []string{"?id=abc", "?id=9"} {
		code, body := h.do(t, http.MethodGet, "/api/cloud-launch"+q, nil)
		assert.Equal(t, http.StatusBadRequest, code, q)
		assert.Contains(t, body["error"], "invalid instance id")
	}
}

func TestControl_StartStopClear(t *testing.T) {
	h := newAPI(t)

	code, body := h.do(t, http.MethodPost, "/api/cloud-launch", map[string]any{
		"action": "start", "instanceId": "2", "mode": "edge", "delaySeconds": 5, "maxLaunches": 3,
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])
	cfg := body["config"].(map[string]any)
	assert.Equal(t, true, cfg["running"])
	assert.Equal(t, "edge", cfg["mode"])
	assert.Equal(t, float64(instance.MinEdgeDelaySeconds), cfg["delaySeconds"])
	assert.Equal(t, "0xfee", cfg["wallet"])

	_, body = h.do(t, http.MethodGet, "/api/cloud-launch?id=2", nil)
	assert.Equal(t, []string{"Cloud #2 started (edge mode)"}, logMessages(t, body))

	code, body = h.do(t, http.MethodPost, "/api/cloud-launch", map[string]any{"action": "stop", "instanceId": 2})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])

	_, body = h.do(t, http.MethodGet, "/api/cloud-launch?id=2", nil)
	assert.Equal(t, false, body["config"].(map[string]any)["running"])
	assert.Equal(t, []string{"Cloud #2 started (edge mode)", "Stopped by user"}, logMessages(t, body))

	code, _ = h.do(t, http.MethodPost, "/api/cloud-launch", map[string]any{"action": "clear", "instanceId": 2})
	require.Equal(t, http.StatusOK, code)

	_, body = h.do(t, http.MethodGet, "/api/cloud-launch?id=2", nil)
	assert.Nil(t, body["config"])
	assert.Equal(t, []any{}, body["logs"])
}

func TestControl_Rejects(t *testing.T) {
	h := newAPI(t)

	tests := []struct {
		name    string
		body    map[string]any
		wantErr string
	}{
		{"unknown action", map[string]any{"action": "explode"}, "Invalid action"},
		{"bad mode", map[string]any{"action": "start", "mode": "hourly"}, "invalid mode"},
		{"unknown instance", map[string]any{"action": "start", "instanceId": 7}, "invalid instance id"},
		{"garbage instance", map[string]any{"action": "stop", "instanceId": "two"}, "invalid instance id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := h.do(t, http.MethodPost, "/api/cloud-launch", tt.body)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.Contains(t, body["error"], tt.wantErr)
		})
	}
}

func TestRun_LogDeployedUpdateSource(t *testing.T) {
	h := newAPI(t)

	code, body := h.do(t, http.MethodPost, "/api/cloud-launch/run", map[string]any{
		"action": "deployed", "instanceId": 1, "symbol": "MDOG",
	})
	assert.Equal(t, http.StatusNotFound, code)
	assert.NotEmpty(t, body["error"])

	h.do(t, http.MethodPost, "/api/cloud-launch", map[string]any{"action": "start", "instanceId": 1, "maxLaunches": 2})

	code, body = h.do(t, http.MethodPost, "/api/cloud-launch/run", map[string]any{
		"action": "log", "instanceId": 1, "msg": "hello from the browser", "type": "skip",
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["ok"])

	code, body = h.do(t, http.MethodPost, "/api/cloud-launch/run", map[string]any{
		"action": "deployed", "instanceId": 1, "symbol": "MDOG", "sourceIndex": 4,
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]any{"ok": true, "totalLaunched": float64(1), "stopped": false}, body)

	code, body = h.do(t, http.MethodPost, "/api/cloud-launch/run", map[string]any{
		"action": "deployed", "instanceId": 1, "symbol": "CAT", "name": "Cat Coin",
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["stopped"])

	cfg, err := h.store.GetConfig(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, []string{"mdog", "cat_cat coin"}, cfg.LaunchedKeys)
	assert.Equal(t, 4, cfg.SourceIndex)
	assert.False(t, cfg.Running)

	code, _ = h.do(t, http.MethodPost, "/api/cloud-launch/run", map[string]any{"action": "update_source", "instanceId": 1})
	require.Equal(t, http.StatusOK, code)
	cfg, err = h.store.GetConfig(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.SourceIndex)

	_, body = h.do(t, http.MethodGet, "/api/cloud-launch?id=1", nil)
	msgs := logMessages(t, body)
	assert.Contains(t, msgs, "hello from the browser")
	assert.Contains(t, msgs, "Max launches reached (2). Auto-stopped.")

	code, body = h.do(t, http.MethodPost, "/api/cloud-launch/run", map[string]any{"action": "nope"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "unknown action", body["error"])
}

func TestCron_TicksServerCronInstances(t *testing.T) {
	h := newAPI(t)

	code, body := h.do(t, http.MethodGet, "/api/cloud-launch/cron", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["cron"])
	assert.Equal(t, float64(1_700_000_000_000), body["ts"])
	assert.Equal(t, []any{}, body["results"])

	h.do(t, http.MethodPost, "/api/cloud-launch", map[string]any{"action": "start", "instanceId": 1, "mode": "server_cron"})
	h.do(t, http.MethodPost, "/api/cloud-launch", map[string]any{"action": "start", "instanceId": 2, "mode": "cron"})

	_, body = h.do(t, http.MethodGet, "/api/cloud-launch/cron", nil)
	results := body["results"].([]any)
	require.Len(t, results, 1)
	res := results[0].(map[string]any)
	assert.Equal(t, float64(1), res["instanceId"])
	assert.Equal(t, true, res["deployed"])
	assert.Equal(t, float64(1), res["totalLaunched"])

	code, body = h.do(t, http.MethodGet, "/api/launches?id=1", nil)
	require.Equal(t, http.StatusOK, code)
	launches := body["launches"].([]any)
	require.Len(t, launches, 1)
	assert.Equal(t, "MDOG", launches[0].(map[string]any)["symbol"])

	_, body = h.do(t, http.MethodGet, "/api/launches?id=2", nil)
	assert.Equal(t, []any{}, body["launches"])
}

// -----------------------------------------------------------------------
// Other endpoints
// -----------------------------------------------------------------------

func TestSearchImage(t *testing.T) {
	h := newAPI(t)

	tests := []struct {
		name     string
		wantCode int
		wantKey  string
		wantVal  string
	}{
		{"pepe", http.StatusOK, "url", "https://img/pepe.png"},
		{"", http.StatusBadRequest, "error", "Token name required"},
		{"ghost", http.StatusNotFound, "error", "No image found. Try AI Generate instead."},
		{"boom", http.StatusInternalServerError, "error", "upstream exploded"},
	}
	for _, tt := range tests {
		t.Run("name="+tt.name, func(t *testing.T) {
			code, body := h.do(t, http.MethodPost, "/api/search-image", map[string]any{"name": tt.name, "symbol": "X"})
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantVal, body[tt.wantKey])
		})
	}
}

func TestActivity_ListAndClear(t *testing.T) {
	h := newAPI(t)
	h.hub.Publish("first", instance.SeverityInfo)
	h.hub.Publish("second", instance.SeveritySuccess)

	code, body := h.do(t, http.MethodGet, "/api/activity", nil)
	require.Equal(t, http.StatusOK, code)
	entries := body["entries"].([]any)
	require.Len(t, entries, 2)
	assert.Equal(t, "second", entries[0].(map[string]any)["msg"])

	code, _ = h.do(t, http.MethodDelete, "/api/activity", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, h.hub.Snapshot())
}

func TestTracker_Endpoint(t *testing.T) {
	h := newAPI(t)

	code, body := h.do(t, http.MethodGet, "/api/token-tracker", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(42), body["updatedAt"])
}

func TestTracker_Failure(t *testing.T) {
	engine := driver.NewEngine(kvstore.NewMemoryStore(), staticFetcher{}, &okLauncher{}, []int{1})
	s := NewServer(driver.NewService(engine, nil), WithTracker(fakeTracker{err: errors.New("kv down")}))

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/token-tracker", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "kv down")
}

func TestLaunches_BadLimit(t *testing.T) {
	h := newAPI(t)

	code, _ := h.do(t, http.MethodGet, "/api/launches?id=1&limit=-3", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = h.do(t, http.MethodGet, "/api/launches?id=5", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHealthWithoutMonitor(t *testing.T) {
	h := newAPI(t)

	code, body := h.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestMetrics_CountsRoutes(t *testing.T) {
	h := newAPI(t)

	h.do(t, http.MethodGet, "/api/cloud-launch", nil)
	h.do(t, http.MethodGet, "/api/cloud-launch?id=x", nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.HTTPRequests.WithLabelValues("GET /api/cloud-launch", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.HTTPRequests.WithLabelValues("GET /api/cloud-launch", "400")))

	resp, err := h.srv.Client().Get(h.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestInstanceID_Unmarshal(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{`2`, 2, false},
		{`"3"`, 3, false},
		{`""`, 1, false},
		{`null`, 1, false},
		{`"x"`, 0, true},
		{`1.5`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var v instanceID
			err := json.Unmarshal([]byte(tt.in), &v)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, v.orDefault())
		})
	}
}
