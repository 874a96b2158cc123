package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roelfdiedericks/serialmon/internal/bus"
	"github.com/roelfdiedericks/serialmon/internal/metrics"
	"github.com/roelfdiedericks/serialmon/internal/sources"
	"github.com/roelfdiedericks/serialmon/internal/stream"
	"github.com/roelfdiedericks/serialmon/internal/toggle"
)

// gatedBackend holds Open until release is closed.
type gatedBackend struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gatedBackend) Open(ctx context.Context) error {
	close(g.entered)
	<-g.release
	return nil
}

func (g *gatedBackend) Close(ctx context.Context) error { return nil }

func newTestServer(t *testing.T, cfg ServerConfig, backend toggle.Backend) *Server {
	t.Helper()
	if backend == nil {
		backend = toggle.Funcs{OpenFunc: func(context.Context) error { return nil }}
	}
	set := toggle.NewSet(toggle.New("httptest", backend))

	mgr := stream.NewManager(nil)
	mgr.AddSource(sources.NewNetwork("network", "Network", sources.NetworkConfig{}))

	s, err := NewServer(cfg, set, mgr)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return s
}

func do(t *testing.T, h http.Handler, method, target, body string, mod func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if mod != nil {
		mod(req)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeState(t *testing.T, rec *httptest.ResponseRecorder) stateResponse {
	t.Helper()
	var st stateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return st
}

func TestStateAndToggle(t *testing.T) {
	h := newTestServer(t, ServerConfig{}, nil).Handler()

	rec := do(t, h, http.MethodGet, "/api/state", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("state code = %d", rec.Code)
	}
	if st := decodeState(t, rec); st.Name != "httptest" || st.Open || st.Busy || st.Status != "closed" {
		t.Errorf("state = %+v", st)
	}

	rec = do(t, h, http.MethodPost, "/api/toggle", "", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("toggle code = %d", rec.Code)
	}
	if st := decodeState(t, rec); !st.Open || st.Busy || st.Status != "open" {
		t.Errorf("after toggle = %+v", st)
	}

	// Close has no backend; the state still follows the request.
	rec = do(t, h, http.MethodPost, "/api/toggle?channel=httptest", "", nil)
	if st := decodeState(t, rec); st.Open || st.Status != "closed" {
		t.Errorf("after second toggle = %+v", st)
	}

	tests := []struct {
		method, target string
		want           int
	}{
		{http.MethodPost, "/api/state", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/toggle", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/state?channel=nope", http.StatusNotFound},
		{http.MethodPost, "/api/toggle?channel=nope", http.StatusNotFound},
	}
	for _, tt := range tests {
		if rec := do(t, h, tt.method, tt.target, "", nil); rec.Code != tt.want {
			t.Errorf("%s %s = %d, want %d", tt.method, tt.target, rec.Code, tt.want)
		}
	}

	rec = do(t, h, http.MethodGet, "/api/channels", "", nil)
	var list []stateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil || len(list) != 1 {
		t.Errorf("channels = %s (%v)", rec.Body.String(), err)
	}
}

func TestToggleDuringTransition(t *testing.T) {
	gate := &gatedBackend{entered: make(chan struct{}), release: make(chan struct{})}
	h := newTestServer(t, ServerConfig{Channel: "httptest"}, gate).Handler()

	first := make(chan *httptest.ResponseRecorder, 1)
	go func() { first <- do(t, h, http.MethodPost, "/api/toggle", "", nil) }()
	<-gate.entered

	rec := do(t, h, http.MethodPost, "/api/toggle", "", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("code = %d", rec.Code)
	}
	if st := decodeState(t, rec); !st.Busy || st.Open || st.Status != "transitioning" {
		t.Errorf("dropped toggle state = %+v", st)
	}

	close(gate.release)
	select {
	case rec := <-first:
		if st := decodeState(t, rec); !st.Open || st.Busy {
			t.Errorf("first toggle state = %+v", st)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first toggle did not finish")
	}
}

func TestSourceEndpoints(t *testing.T) {
	h := newTestServer(t, ServerConfig{}, nil).Handler()

	rec := do(t, h, http.MethodGet, "/api/sources", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"network"`) {
		t.Errorf("sources = %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/api/parsers", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "line_splitter") {
		t.Errorf("parsers = %d %s", rec.Code, rec.Body.String())
	}

	tests := []struct {
		target, body string
		want         int
	}{
		{"/api/sources/network/mock", "1.5", http.StatusOK},
		{"/api/sources/nope/mock", "1.5", http.StatusNotFound},
		{"/api/sources/nope/start", "", http.StatusNotFound},
		{"/api/sources/network/start", "", http.StatusBadGateway}, // no url configured
		{"/api/sources/network/stop", "", http.StatusOK},
		{"/api/sources/network/reboot", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		if rec := do(t, h, http.MethodPost, tt.target, tt.body, nil); rec.Code != tt.want {
			t.Errorf("POST %s = %d, want %d (%s)", tt.target, rec.Code, tt.want, rec.Body.String())
		}
	}

	if rec := do(t, h, http.MethodGet, "/api/sources/network/stop", "", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET stop = %d", rec.Code)
	}
}

func TestNoProvider(t *testing.T) {
	s, err := NewServer(ServerConfig{}, nil, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	h := s.Handler()
	if rec := do(t, h, http.MethodGet, "/api/sources", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("sources = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/state", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("state = %d", rec.Code)
	}
}

func TestTokenAuth(t *testing.T) {
	h := newTestServer(t, ServerConfig{Token: "secret"}, nil).Handler()
	from := func(ip, auth string) func(*http.Request) {
		return func(r *http.Request) {
			r.Header.Set("X-Forwarded-For", ip)
			if auth != "" {
				r.Header.Set("Authorization", auth)
			}
		}
	}

	if rec := do(t, h, http.MethodGet, "/api/state", "", from("10.0.0.1", "")); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/state", "", from("10.0.0.2", "Bearer wrong")); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d", rec.Code)
	}
	// The failed IP is now blocked even with the right token.
	if rec := do(t, h, http.MethodGet, "/api/state", "", from("10.0.0.2", "Bearer secret")); rec.Code != http.StatusTooManyRequests {
		t.Errorf("limited = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/state", "", from("10.0.0.3", "Bearer secret")); rec.Code != http.StatusOK {
		t.Errorf("header token = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/state?token=secret", "", from("10.0.0.4", "")); rec.Code != http.StatusOK {
		t.Errorf("query token = %d", rec.Code)
	}

	// The dashboard itself is public.
	if rec := do(t, h, http.MethodGet, "/", "", nil); rec.Code != http.StatusOK {
		t.Errorf("index = %d", rec.Code)
	}
}

func TestIndex(t *testing.T) {
	h := newTestServer(t, ServerConfig{}, nil).Handler()

	rec := do(t, h, http.MethodGet, "/", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("index = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "<title>serialmon</title>") || !strings.Contains(body, `data-channel="httptest"`) {
		t.Errorf("index body missing content:\n%s", body)
	}

	if rec := do(t, h, http.MethodGet, "/missing", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing = %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestServer(t, ServerConfig{}, nil).Handler()
	metrics.MetricInc("httptest", "hits")

	rec := do(t, h, http.MethodGet, "/api/metrics?prefix=httptest", "", nil)
	var snap map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := snap["httptest/hits"]; !ok || len(snap) != 1 {
		t.Errorf("snapshot = %s", rec.Body.String())
	}
}

func TestWebSocketFeed(t *testing.T) {
	s := newTestServer(t, ServerConfig{}, nil)
	s.Hub().Start()
	t.Cleanup(s.Hub().Stop)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for s.Hub().ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	bus.PublishEvent(toggle.TopicState("httptest-ws"), toggle.State{Open: true})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var env struct {
			Topic     string          `json:"topic"`
			Data      json.RawMessage `json:"data"`
			Timestamp int64           `json:"timestamp"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		if env.Topic != toggle.TopicState("httptest-ws") {
			continue
		}
		var st toggle.State
		if err := json.Unmarshal(env.Data, &st); err != nil || !st.Open || env.Timestamp == 0 {
			t.Errorf("envelope = %s (%v)", data, err)
		}
		break
	}
}

func TestStatusCommand(t *testing.T) {
	s := newTestServer(t, ServerConfig{Listen: "127.0.0.1:0"}, nil)
	s.RegisterOperationalCommands()
	t.Cleanup(s.UnregisterOperationalCommands)

	res := bus.SendCommand(component, "status", nil)
	if !res.Success || !strings.Contains(res.Message, "127.0.0.1:0") {
		t.Errorf("result = %+v", res)
	}
}
