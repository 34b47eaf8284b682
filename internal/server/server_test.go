package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/otoscribe/livesub/internal/observe"
	"github.com/otoscribe/livesub/internal/pipeline"
	"github.com/otoscribe/livesub/internal/subtitle"
)

// fakeController records control calls and serves a fixed state.
type fakeController struct {
	state    pipeline.State
	pauseErr error
	calls    []string
}

func (f *fakeController) Start(context.Context) error  { f.calls = append(f.calls, "start"); return nil }
func (f *fakeController) Stop(context.Context) error   { f.calls = append(f.calls, "stop"); return nil }
func (f *fakeController) Resume(context.Context) error { f.calls = append(f.calls, "resume"); return nil }
func (f *fakeController) Pause(context.Context) error {
	f.calls = append(f.calls, "pause")
	return f.pauseErr
}
func (f *fakeController) State() pipeline.State { return f.state }

func newTestServer(t *testing.T, ctrl Controller) (*Server, *subtitle.Bus) {
	t.Helper()
	bus, err := subtitle.NewBus(64, subtitle.DropOldest)
	if err != nil {
		t.Fatalf("NewBus: %v", err)
	}
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	s, err := New(Config{
		ListenAddr:        "127.0.0.1:0",
		Poll:              10 * time.Millisecond,
		MaxUpdatesPerTick: 20,
	}, bus, ctrl, WithMetrics(m))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, bus
}

func TestServer_HealthAndMetricsEndpoints(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestServer_StatusReportsState(t *testing.T) {
	t.Parallel()
	ctrl := &fakeController{state: pipeline.StateRunning}
	s, _ := newTestServer(t, ctrl)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		State    string `json:"state"`
		QueueLen int    `json:"queue_len"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.State != "running" {
		t.Errorf("state = %q, want running", body.State)
	}
}

func TestServer_ControlEndpoints(t *testing.T) {
	t.Parallel()
	ctrl := &fakeController{state: pipeline.StatePaused}
	s, _ := newTestServer(t, ctrl)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/control/pause", "", nil)
	if err != nil {
		t.Fatalf("POST /control/pause: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("pause status = %d, want 200", resp.StatusCode)
	}
	if len(ctrl.calls) != 1 || ctrl.calls[0] != "pause" {
		t.Errorf("controller calls = %v, want [pause]", ctrl.calls)
	}
}

func TestServer_ControlFailureReturnsConflict(t *testing.T) {
	t.Parallel()
	ctrl := &fakeController{pauseErr: pipeline.ErrNotRunning}
	s, _ := newTestServer(t, ctrl)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/control/pause", "", nil)
	if err != nil {
		t.Fatalf("POST /control/pause: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusConflict)
	}
}

func TestServer_BroadcastsSubtitleEvents(t *testing.T) {
	t.Parallel()
	s, bus := newTestServer(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(ctx) }()

	// Wait for the listener to come up.
	deadline := time.Now().Add(5 * time.Second)
	for s.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("server did not start listening")
		}
		time.Sleep(10 * time.Millisecond)
	}
	base := "ws://" + s.Addr().String()

	conn, _, err := websocket.Dial(ctx, base+"/subtitles", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "test done")

	// Wait until the handler has registered the subscriber before pushing,
	// otherwise the fanout may run against an empty client set.
	for s.clientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client was never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	want := subtitle.Event{
		Kind: subtitle.KindInsert,
		Line: subtitle.Line{ID: 1, Source: "hello world", T0: 0, T1: 1.2},
	}
	if err := bus.Push(ctx, want); err != nil {
		t.Fatalf("Push: %v", err)
	}

	rctx, rcancel := context.WithTimeout(ctx, 5*time.Second)
	defer rcancel()
	typ, data, err := conn.Read(rctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != websocket.MessageText {
		t.Errorf("message type = %v, want text", typ)
	}

	var got subtitle.Event
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	if got.Kind != subtitle.KindInsert || got.Line.ID != 1 || got.Line.Source != "hello world" {
		t.Errorf("event = %+v, want %+v", got, want)
	}

	cancel()
	select {
	case err := <-runDone:
		if err != nil {
			t.Errorf("Run returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestServer_RequiresBusAndAddr(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{ListenAddr: ":0"}, nil, nil); err == nil {
		t.Error("New without bus should fail")
	}
	bus, _ := subtitle.NewBus(8, subtitle.DropOldest)
	if _, err := New(Config{}, bus, nil); err == nil {
		t.Error("New without listen address should fail")
	}
}

// Ensure the fanout drops rather than blocks when a subscriber stalls.
func TestServer_FanoutSkipsFullBuffers(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, nil)

	c := &client{ch: make(chan []byte, 1)}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	for i := 0; i < 10; i++ {
		s.fanout([]byte(fmt.Sprintf(`{"n":%d}`, i)))
	}
	if got := len(c.ch); got != 1 {
		t.Errorf("buffered messages = %d, want 1", got)
	}
}
