package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/ent0n29/geotrack/internal/config"
	"github.com/ent0n29/geotrack/internal/observability"
	"github.com/ent0n29/geotrack/internal/protocol"
	"github.com/ent0n29/geotrack/internal/provider"
	"github.com/ent0n29/geotrack/internal/spool"
	"github.com/ent0n29/geotrack/internal/stream"
	"github.com/ent0n29/geotrack/internal/tracking"
)

type testEnv struct {
	ts      *httptest.Server
	manager *tracking.Manager
	bridge  *provider.Bridge
	metrics *observability.Metrics
}

func newTestEnv(t *testing.T, withBridge bool) *testEnv {
	t.Helper()

	logger := zerolog.Nop()
	metrics := observability.NewMetrics("test_httpapi", prometheus.NewRegistry())
	bridge := provider.NewBridge(logger)

	ctx, cancel := context.WithCancel(context.Background())
	manager, err := tracking.NewManager(ctx, tracking.Options{
		Provider: bridge,
		Store:    spool.NewMemoryStore(),
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		cancel()
		t.Fatalf("NewManager() error = %v", err)
	}
	hub := stream.NewHub(nil, "test", logger, metrics)
	manager.Attach(hub)
	go func() { _ = manager.Run(ctx) }()

	var exposed *provider.Bridge
	if withBridge {
		exposed = bridge
	}
	srv := New(config.Config{ProviderMode: config.ProviderBridge}, manager, hub, exposed, metrics, logger)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		manager.Close()
	})
	return &testEnv{ts: ts, manager: manager, bridge: bridge, metrics: metrics}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	defer res.Body.Close()
	var payload map[string]any
	_ = json.NewDecoder(res.Body).Decode(&payload)
	return res, payload
}

func fix(i int) tracking.LocationSample {
	return tracking.LocationSample{
		RecordedAt: time.Date(2026, 3, 1, 8, 0, i*10, 0, time.UTC),
		Latitude:   -6.2 + float64(i)*0.001,
		Longitude:  106.8,
		AccuracyM:  5,
	}
}

func TestTrackingLifecycle(t *testing.T) {
	env := newTestEnv(t, true)

	res, payload := env.do(t, http.MethodPut, "/v1/tracking/config", map[string]any{
		"distance_filter_m": 0,
		"interval_ms":       1000,
		"accuracy":          "high",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("configure status = %d, want %d (%v)", res.StatusCode, http.StatusOK, payload)
	}

	res, payload = env.do(t, http.MethodPost, "/v1/tracking/start", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d, want %d (%v)", res.StatusCode, http.StatusOK, payload)
	}
	if payload["state"] != string(tracking.StateActive) {
		t.Fatalf("state after start = %v, want %v", payload["state"], tracking.StateActive)
	}

	res, payload = env.do(t, http.MethodPut, "/v1/tracking/config", map[string]any{"interval_ms": 5000, "accuracy": "low_power"})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("configure while active status = %d, want %d", res.StatusCode, http.StatusConflict)
	}
	if payload["code"] != "already_active" {
		t.Fatalf("code = %v, want already_active", payload["code"])
	}

	res, payload = env.do(t, http.MethodPost, "/v1/provider/fixes", []tracking.LocationSample{fix(0), fix(1)})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("push fixes status = %d, want %d (%v)", res.StatusCode, http.StatusOK, payload)
	}
	if payload["accepted"] != float64(2) {
		t.Fatalf("accepted = %v, want 2", payload["accepted"])
	}

	_, payload = env.do(t, http.MethodGet, "/v1/tracking/session", nil)
	if payload["last_seq"] != float64(2) {
		t.Fatalf("last_seq = %v, want 2", payload["last_seq"])
	}

	res, payload = env.do(t, http.MethodPost, "/v1/tracking/stop", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stop status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if payload["state"] != string(tracking.StateStopped) {
		t.Fatalf("state after stop = %v, want %v", payload["state"], tracking.StateStopped)
	}
}

func TestConfigureRejectsInvalidParameters(t *testing.T) {
	env := newTestEnv(t, true)

	res, payload := env.do(t, http.MethodPut, "/v1/tracking/config", map[string]any{
		"distance_filter_m": -1,
		"interval_ms":       1000,
		"accuracy":          "high",
	})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
	if payload["code"] != "invalid_parameter" {
		t.Fatalf("code = %v, want invalid_parameter", payload["code"])
	}

	res, _ = env.do(t, http.MethodPut, "/v1/tracking/config", nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty body status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestStartWithoutPermission(t *testing.T) {
	env := newTestEnv(t, true)

	res, _ := env.do(t, http.MethodPost, "/v1/provider/events", map[string]any{"event": "permission_revoked"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("revoke status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	res, payload := env.do(t, http.MethodPost, "/v1/tracking/start", nil)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("start status = %d, want %d", res.StatusCode, http.StatusForbidden)
	}
	if payload["code"] != "permission_denied" {
		t.Fatalf("code = %v, want permission_denied", payload["code"])
	}
	if got := env.manager.State(); got != tracking.StateStopped {
		t.Fatalf("state = %v, want %v", got, tracking.StateStopped)
	}
}

func TestProviderRoutes(t *testing.T) {
	env := newTestEnv(t, false)
	res, payload := env.do(t, http.MethodPost, "/v1/provider/fixes", []tracking.LocationSample{fix(0)})
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("fixes without bridge status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
	if payload["code"] != "bridge_disabled" {
		t.Fatalf("code = %v, want bridge_disabled", payload["code"])
	}

	env = newTestEnv(t, true)
	res, _ = env.do(t, http.MethodPost, "/v1/provider/fixes", []tracking.LocationSample{fix(0)})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("fixes while stopped status = %d, want %d", res.StatusCode, http.StatusConflict)
	}
	res, _ = env.do(t, http.MethodPost, "/v1/provider/events", map[string]any{"event": "teleported"})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown event status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t, true)

	res, _ := env.do(t, http.MethodGet, "/healthz", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", res.StatusCode)
	}
	res, payload := env.do(t, http.MethodGet, "/readyz", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("readyz status = %d", res.StatusCode)
	}
	if payload["provider_mode"] != config.ProviderBridge {
		t.Fatalf("provider_mode = %v, want %v", payload["provider_mode"], config.ProviderBridge)
	}
	res, payload = env.do(t, http.MethodGet, "/v1/tracking/latency", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("latency status = %d", res.StatusCode)
	}
	if _, ok := payload["stages"]; !ok {
		t.Fatalf("missing stages in latency response: %+v", payload)
	}
}

func TestResetLatencyWindow(t *testing.T) {
	env := newTestEnv(t, true)

	env.metrics.ObserveStage(observability.StageReplay, 5*time.Millisecond)
	_, payload := env.do(t, http.MethodGet, "/v1/tracking/latency", nil)
	if stages, _ := payload["stages"].([]any); len(stages) == 0 {
		t.Fatalf("stages before reset = %v, want at least one", payload["stages"])
	}

	res, payload := env.do(t, http.MethodDelete, "/v1/tracking/latency", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reset status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if stages, _ := payload["stages"].([]any); len(stages) != 0 {
		t.Fatalf("stages after reset = %v, want none", payload["stages"])
	}
}

func TestStreamWebSocket(t *testing.T) {
	env := newTestEnv(t, true)

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/v1/tracking/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()

	readType := func(want protocol.MessageType) map[string]any {
		t.Helper()
		deadline := time.Now().Add(3 * time.Second)
		for {
			_ = conn.SetReadDeadline(deadline)
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				t.Fatalf("waiting for %s: %v", want, err)
			}
			if msg["type"] == string(want) {
				return msg
			}
		}
	}

	hello := readType(protocol.TypeSystemEvent)
	if hello["code"] != "connected" {
		t.Fatalf("first system event code = %v, want connected", hello["code"])
	}

	if err := conn.WriteJSON(map[string]any{"type": "client_control", "action": "start"}); err != nil {
		t.Fatalf("write start: %v", err)
	}
	changed := readType(protocol.TypeStateChanged)
	if changed["to"] != string(tracking.StateStarting) && changed["to"] != string(tracking.StateActive) {
		t.Fatalf("state_changed to = %v", changed["to"])
	}

	deadline := time.Now().Add(2 * time.Second)
	for env.manager.State() != tracking.StateActive {
		if time.Now().After(deadline) {
			t.Fatalf("manager never became active")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if ok, err := env.bridge.PushFix(fix(0)); err != nil || !ok {
		t.Fatalf("PushFix() = %v, %v", ok, err)
	}
	batch := readType(protocol.TypeSampleBatch)
	samples, _ := batch["samples"].([]any)
	if len(samples) != 1 {
		t.Fatalf("sample batch size = %d, want 1", len(samples))
	}

	if err := conn.WriteJSON(map[string]any{"type": "bogus"}); err != nil {
		t.Fatalf("write bogus: %v", err)
	}
	errEvent := readType(protocol.TypeErrorEvent)
	if errEvent["code"] != "unsupported_type" {
		t.Fatalf("error code = %v, want unsupported_type", errEvent["code"])
	}
}
