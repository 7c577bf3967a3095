package api_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authwatch/sharing-api/internal/api"
	"authwatch/sharing-api/internal/detection"
	"authwatch/sharing-api/internal/domain"
	"authwatch/sharing-api/internal/processor"
	"authwatch/sharing-api/internal/store"
)

// ─── Test server setup ────────────────────────────────────────────────────────

type recordingDispatcher struct {
	mu     sync.Mutex
	alerts []domain.Alert
}

func (d *recordingDispatcher) Dispatch(a domain.Alert, _ domain.AlertContext) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.alerts = append(d.alerts, a)
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.alerts)
}

func newTestServer(t *testing.T, cfg api.RouterConfig) (*httptest.Server, *recordingDispatcher) {
	t.Helper()
	s := store.New()
	d := &recordingDispatcher{}
	p := processor.New(s, detection.New(detection.DefaultConfig()), d)
	h := api.NewHandler(p, s)

	if cfg.CORSOrigins == nil {
		cfg.CORSOrigins = []string{"*"}
	}
	if cfg.RateLimitWindow == 0 {
		cfg.RateLimitWindow = time.Minute
	}
	srv := httptest.NewServer(api.NewRouter(h, cfg))
	t.Cleanup(srv.Close)
	return srv, d
}

func postWithHeaders(t *testing.T, srv *httptest.Server, path string, body any, headers map[string]string) *http.Response {
	t.Helper()
	var b []byte
	if raw, ok := body.(string); ok {
		b = []byte(raw)
	} else {
		b, _ = json.Marshal(body)
	}
	req, _ := http.NewRequest(http.MethodPost, srv.URL+path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func post(t *testing.T, srv *httptest.Server, path string, body any) *http.Response {
	t.Helper()
	return postWithHeaders(t, srv, path, body, nil)
}

func get(t *testing.T, srv *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body
}

func decodeData(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	env := decodeBody(t, resp)
	d, ok := env["data"].(map[string]any)
	if !ok {
		t.Fatalf("response has no 'data' key: %v", env)
	}
	return d
}

func decodeError(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	env := decodeBody(t, resp)
	e, ok := env["error"].(map[string]any)
	if !ok {
		t.Fatalf("response has no 'error' key: %v", env)
	}
	return e
}

func authEvent(key, session, ip string) map[string]any {
	return map[string]any{
		"apiKey":    key,
		"sessionId": session,
		"ipAddress": ip,
		"username":  "player1",
		"userId":    123456,
	}
}

// ─── Health ───────────────────────────────────────────────────────────────────

func TestHealth_Returns200(t *testing.T) {
	srv, _ := newTestServer(t, api.RouterConfig{})
	resp := get(t, srv, "/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data := decodeData(t, resp)
	assert.Equal(t, "ok", data["status"])
	assert.Equal(t, "sharing-api", data["service"])
}

func TestMetrics_Exposed(t *testing.T) {
	srv, _ := newTestServer(t, api.RouterConfig{})
	post(t, srv, "/api/auth-log", authEvent("key-metrics", "s1", "1.1.1.1"))

	resp := get(t, srv, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	assert.Contains(t, buf.String(), "authwatch_events_processed_total")
}

// ─── POST /api/auth-log ───────────────────────────────────────────────────────

func TestAuthLog_CleanEvent_Returns200(t *testing.T) {
	srv, d := newTestServer(t, api.RouterConfig{})
	resp := postWithHeaders(t, srv, "/api/auth-log", authEvent("key-1", "s1", "1.1.1.1"),
		map[string]string{"X-Forwarded-For": "203.0.113.5, 10.0.0.1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, true, body["logged"])
	assert.Equal(t, 0.0, body["alertCount"])
	assert.Equal(t, []any{}, body["alerts"])
	assert.Equal(t, "203.0.113.5", body["executionIP"])

	ts, _ := body["timestamp"].(string)
	_, err := time.Parse(domain.TimestampLayout, ts)
	assert.NoError(t, err)
	assert.Zero(t, d.count())
}

func TestAuthLog_V1PathIsEquivalent(t *testing.T) {
	srv, _ := newTestServer(t, api.RouterConfig{})
	resp := post(t, srv, "/api/v1/auth-events", authEvent("key-1", "s1", "1.1.1.1"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthLog_MissingFields_Returns400(t *testing.T) {
	srv, _ := newTestServer(t, api.RouterConfig{})
	resp := post(t, srv, "/api/auth-log", map[string]any{"username": "player1"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	e := decodeError(t, resp)
	assert.Equal(t, "VALIDATION_ERROR", e["code"])
	assert.Equal(t, "missing required fields: apiKey, sessionId", e["message"])
}

func TestAuthLog_InvalidJSON_Returns400(t *testing.T) {
	srv, _ := newTestServer(t, api.RouterConfig{})
	for _, body := range []string{`{not json`, `{"apiKey":"k","sessionId":"s","userId":{"a":1}}`} {
		resp := post(t, srv, "/api/auth-log", body)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "INVALID_JSON", decodeError(t, resp)["code"])
	}
}

func TestAuthLog_CoordinatesOutOfRange_Returns400(t *testing.T) {
	srv, _ := newTestServer(t, api.RouterConfig{})
	ev := authEvent("key-1", "s1", "1.1.1.1")
	ev["latitude"] = 123.0
	ev["longitude"] = 0.0

	resp := post(t, srv, "/api/auth-log", ev)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", decodeError(t, resp)["code"])
}

// failingProcessor stands in for a core that breaks after validation.
type failingProcessor struct {
	err error
}

func (f failingProcessor) Process(context.Context, domain.Event, string) (*domain.Result, error) {
	return nil, f.err
}

func TestAuthLog_InternalError_HidesDetail(t *testing.T) {
	p := failingProcessor{err: fmt.Errorf("%w: store exploded at 0xdeadbeef", domain.ErrInternal)}
	srv := httptest.NewServer(api.NewRouter(api.NewHandler(p, store.New()), api.RouterConfig{CORSOrigins: []string{"*"}}))
	t.Cleanup(srv.Close)

	resp := post(t, srv, "/api/auth-log", authEvent("key-1", "s1", "1.1.1.1"))
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "store exploded")
	assert.NotContains(t, string(raw), "deadbeef")

	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, "INTERNAL_ERROR", env.Error.Code)
	assert.Equal(t, "an unexpected error occurred", env.Error.Message)
}

func TestAuthLog_MethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t, api.RouterConfig{})
	resp := get(t, srv, "/api/auth-log")
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, "METHOD_NOT_ALLOWED", decodeError(t, resp)["code"])
}

func TestAuthLog_SharedKey_RaisesAlerts(t *testing.T) {
	srv, d := newTestServer(t, api.RouterConfig{})

	for i := 1; i <= 3; i++ {
		resp := post(t, srv, "/api/auth-log", authEvent("shared", fmt.Sprintf("s%d", i), fmt.Sprintf("10.0.0.%d", i)))
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp := post(t, srv, "/api/auth-log", authEvent("shared", "s4", "10.0.0.4"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, 2.0, body["alertCount"])
	alerts := body["alerts"].([]any)
	first := alerts[0].(map[string]any)
	assert.Equal(t, "MULTIPLE_IPS", first["type"])
	assert.Equal(t, "WARNING", first["severity"])
	assert.Equal(t, 4.0, first["data"].(map[string]any)["uniqueIPCount"])
	assert.Equal(t, "CONCURRENT_SESSIONS", alerts[1].(map[string]any)["type"])

	// s3 already alerted on sessions; s4 alerts on both.
	assert.Equal(t, 3, d.count())
}

func TestAuthLog_ImpossibleTravel(t *testing.T) {
	srv, _ := newTestServer(t, api.RouterConfig{})

	nyc := authEvent("traveller", "s1", "1.1.1.1")
	nyc["latitude"], nyc["longitude"] = 40.7128, -74.0060
	london := authEvent("traveller", "s1", "2.2.2.2")
	london["latitude"], london["longitude"] = 51.5074, -0.1278

	post(t, srv, "/api/auth-log", nyc)
	resp := post(t, srv, "/api/auth-log", london)
	body := decodeBody(t, resp)

	require.Equal(t, 1.0, body["alertCount"])
	alert := body["alerts"].([]any)[0].(map[string]any)
	assert.Equal(t, "IMPOSSIBLE_TRAVEL", alert["type"])
	assert.Equal(t, "CRITICAL", alert["severity"])
	data := alert["data"].(map[string]any)
	assert.InDelta(t, 5570, data["distanceKm"], 10)
}

func TestAuthLog_FallsBackToExecutionIP(t *testing.T) {
	srv, _ := newTestServer(t, api.RouterConfig{})
	ev := map[string]any{"apiKey": "key-nip", "sessionId": "s1"}
	resp := postWithHeaders(t, srv, "/api/auth-log", ev, map[string]string{"X-Real-IP": "198.51.100.4"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data := decodeData(t, get(t, srv, "/api/v1/keys/key-nip"))
	assert.Equal(t, []any{"198.51.100.4"}, data["uniqueIPs"])
}

// ─── CORS & rate limiting ─────────────────────────────────────────────────────

func TestAuthLog_CORSPreflight(t *testing.T) {
	srv, _ := newTestServer(t, api.RouterConfig{})
	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/api/auth-log", nil)
	req.Header.Set("Origin", "https://game.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Content-Type")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Less(t, resp.StatusCode, 300)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestAuthLog_RateLimited(t *testing.T) {
	srv, _ := newTestServer(t, api.RouterConfig{RateLimitRequests: 2, RateLimitWindow: time.Minute})

	for i := 0; i < 2; i++ {
		resp := post(t, srv, "/api/auth-log", authEvent("rl", "s", "1.1.1.1"))
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp := post(t, srv, "/api/auth-log", authEvent("rl", "s", "1.1.1.1"))
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "RATE_LIMITED", decodeError(t, resp)["code"])

	// Inspection is not rate limited.
	assert.Equal(t, http.StatusOK, get(t, srv, "/api/v1/keys/rl").StatusCode)
}

// ─── GET /api/v1/keys/{apiKey} ────────────────────────────────────────────────

func TestKeyActivity_Returns200(t *testing.T) {
	srv, _ := newTestServer(t, api.RouterConfig{})
	post(t, srv, "/api/auth-log", authEvent("key-abcdef", "s1", "1.1.1.1"))
	post(t, srv, "/api/auth-log", authEvent("key-abcdef", "s2", "2.2.2.2"))

	data := decodeData(t, get(t, srv, "/api/v1/keys/key-abcdef"))
	assert.Equal(t, "key-…", data["apiKey"])
	assert.Equal(t, []any{"1.1.1.1", "2.2.2.2"}, data["uniqueIPs"])
	assert.Equal(t, []any{"s1", "s2"}, data["sessionIds"])
	assert.Equal(t, 2.0, data["ipSightings"])
}

func TestKeyActivity_Unknown_Returns404(t *testing.T) {
	srv, _ := newTestServer(t, api.RouterConfig{})
	resp := get(t, srv, "/api/v1/keys/nobody")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", decodeError(t, resp)["code"])
}

// ─── Execution IP ─────────────────────────────────────────────────────────────

func TestExecutionIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{name: "forwarded chain", headers: map[string]string{"X-Forwarded-For": " 203.0.113.5 , 10.0.0.1"}, remote: "10.0.0.9:1234", want: "203.0.113.5"},
		{name: "forwarded beats real ip", headers: map[string]string{"X-Forwarded-For": "203.0.113.5", "X-Real-IP": "198.51.100.1"}, remote: "10.0.0.9:1234", want: "203.0.113.5"},
		{name: "real ip", headers: map[string]string{"X-Real-IP": "198.51.100.1"}, remote: "10.0.0.9:1234", want: "198.51.100.1"},
		{name: "peer address", remote: "10.0.0.9:1234", want: "10.0.0.9"},
		{name: "ipv6 peer", remote: "[2001:db8::1]:443", want: "2001:db8::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/api/auth-log", strings.NewReader("{}"))
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, api.ExecutionIP(r))
		})
	}
}
