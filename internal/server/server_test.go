package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/jpeg"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/go-cmp/cmp"

	"github.com/GriffinCanCode/egm-detector/internal/capture"
	"github.com/GriffinCanCode/egm-detector/internal/config"
	"github.com/GriffinCanCode/egm-detector/internal/debounce"
	"github.com/GriffinCanCode/egm-detector/internal/detector"
	apperrors "github.com/GriffinCanCode/egm-detector/internal/errors"
	"github.com/GriffinCanCode/egm-detector/internal/fingerprint"
	"github.com/GriffinCanCode/egm-detector/internal/history"
	"github.com/GriffinCanCode/egm-detector/internal/matcher"
	"github.com/GriffinCanCode/egm-detector/internal/notify"
	"github.com/GriffinCanCode/egm-detector/internal/refstore"
	"github.com/GriffinCanCode/egm-detector/internal/trace"
)

type mockDetector struct {
	result detector.Result
	events chan detector.Event
}

func newMockDetector() *mockDetector {
	return &mockDetector{
		result: detector.Result{
			State:     "SELECT",
			Matches:   map[string]matcher.Result{"SELECT": {MatchedROIs: []string{"banner"}, AverageDistance: 4, IsMatch: true}},
			Timestamp: 1767225600,
		},
		events: make(chan detector.Event, 4),
	}
}

func (m *mockDetector) Latest() detector.Result { return m.result }
func (m *mockDetector) Debounce() debounce.Snapshot {
	return debounce.Snapshot{Current: "SELECT", HitStreaks: map[string]int{"SELECT": 3}}
}
func (m *mockDetector) Events() <-chan detector.Event { return m.events }

type mockCapture struct {
	mu       sync.Mutex
	status   capture.Status
	calls    map[string]int
	restarts chan struct{}
}

func newMockCapture() *mockCapture {
	return &mockCapture{
		status:   capture.Status{Phase: capture.PhaseRunning, Running: true, PID: 4242},
		calls:    map[string]int{},
		restarts: make(chan struct{}, 1),
	}
}

func (m *mockCapture) Status() capture.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *mockCapture) Start(context.Context) { m.record("start") }
func (m *mockCapture) Restart(context.Context) {
	m.record("restart")
	m.restarts <- struct{}{}
}
func (m *mockCapture) Stop() {
	m.record("stop")
	m.mu.Lock()
	m.status = capture.Status{Phase: capture.PhaseStopped}
	m.mu.Unlock()
}

func (m *mockCapture) record(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[name]++
}

func (m *mockCapture) count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[name]
}

type mockFrames struct {
	data []byte
	err  error
}

func (m *mockFrames) Raw(context.Context) ([]byte, error) { return m.data, m.err }

type mockHistory struct {
	rows  []history.Transition
	limit int
}

func (m *mockHistory) Recent(_ context.Context, limit int) ([]history.Transition, error) {
	m.limit = limit
	return m.rows, nil
}

func (m *mockHistory) Count(context.Context) (int, error) { return len(m.rows), nil }

type mockNotifier struct{ status notify.Status }

func (m *mockNotifier) Status() notify.Status { return m.status }

func jpegBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewGray(image.Rect(0, 0, 64, 64)), nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

type testEnv struct {
	srv      *Server
	handler  http.Handler
	det      *mockDetector
	capture  *mockCapture
	frames   *mockFrames
	refs     *refstore.Store
	history  *mockHistory
	notifier *mockNotifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	h, err := fingerprint.NewHasher(fingerprint.DHash, 8)
	if err != nil {
		t.Fatal(err)
	}
	refs := refstore.New([]config.State{{
		Name:    "SELECT",
		RefsDir: filepath.Join(t.TempDir(), "select"),
		ROIs:    []config.ROI{{Name: "banner", Rect: fingerprint.Rect(0, 0, 32, 16)}},
	}}, h)
	refs.LoadAll()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	notifier := &mockNotifier{status: notify.Status{
		Delivered: 4,
		Dropped:   1,
		Circuit:   &notify.CircuitStatus{State: "closed"},
	}}
	env := &testEnv{
		det:      newMockDetector(),
		capture:  newMockCapture(),
		frames:   &mockFrames{data: jpegBytes(t)},
		refs:     refs,
		history:  &mockHistory{},
		notifier: notifier,
	}
	env.srv = New(ctx, Deps{
		Detector: env.det,
		Capture:  env.capture,
		Frames:   env.frames,
		Refs:     refs,
		History:  env.history,
		Notifier: env.notifier,
	})
	env.handler = env.srv.Handler()
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body []byte, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestCORSMiddleware(t *testing.T) {
	handler := corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// Test OPTIONS request
	req := httptest.NewRequest("OPTIONS", "/api/state", http.NoBody)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("OPTIONS status = %d, want %d", rec.Code, http.StatusOK)
	}
	if v := rec.Header().Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("CORS origin = %q, want %q", v, "*")
	}
	if v := rec.Header().Get("Access-Control-Allow-Methods"); v != "GET, POST, DELETE, OPTIONS" {
		t.Errorf("CORS methods = %q", v)
	}
}

func TestHandleState(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, "GET", "/api/state", nil, "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if rec.Header().Get(trace.TraceIDKey) == "" {
		t.Error("trace id header missing")
	}

	var got StateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(env.det.result, got.Result); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
	if got.Debounce.HitStreaks["SELECT"] != 3 {
		t.Errorf("debounce = %+v", got.Debounce)
	}

	// the status-file fields sit at the top level
	var raw map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &raw)
	for _, k := range []string{"state", "matches", "timestamp", "debounce", "service"} {
		if _, ok := raw[k]; !ok {
			t.Errorf("response missing %q", k)
		}
	}
}

func TestHandleStateService(t *testing.T) {
	env := newTestEnv(t)
	env.history.rows = []history.Transition{{ID: "a"}, {ID: "b"}}

	var got StateResponse
	rec := env.do(t, "GET", "/api/state", nil, "")
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	rows := 2
	want := ServiceStatus{Clients: 0, HistoryRows: &rows, Notifier: &env.notifier.status}
	if diff := cmp.Diff(want, got.Service); diff != "" {
		t.Errorf("service (-want +got):\n%s", diff)
	}

	env.srv.deps.History = nil
	env.srv.deps.Notifier = nil
	rec = env.do(t, "GET", "/api/state", nil, "")
	got = StateResponse{}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Service.HistoryRows != nil || got.Service.Notifier != nil {
		t.Errorf("service without history or notifier = %+v", got.Service)
	}
}

func TestHandleCapture(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "GET", "/api/capture", nil, "")
	var st capture.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil || !st.Running || st.PID != 4242 {
		t.Errorf("GET /api/capture = %s (%v)", rec.Body, err)
	}

	rec = env.do(t, "POST", "/api/capture/restart", nil, "")
	if rec.Code != http.StatusAccepted {
		t.Errorf("restart status = %d, want 202", rec.Code)
	}
	select {
	case <-env.capture.restarts:
	case <-time.After(time.Second):
		t.Fatal("Restart was not called")
	}

	rec = env.do(t, "POST", "/api/capture/stop", nil, "")
	if rec.Code != http.StatusOK || env.capture.count("stop") != 1 {
		t.Errorf("stop status = %d, calls = %d", rec.Code, env.capture.count("stop"))
	}

	rec = env.do(t, "POST", "/api/capture/pause", nil, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown action status = %d, want 400", rec.Code)
	}
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.Code != "INVALID_ARGUMENT" {
		t.Errorf("error body = %s", rec.Body)
	}
}

func TestHandleCaptureUnmanaged(t *testing.T) {
	env := newTestEnv(t)
	env.srv.deps.Capture = nil

	if rec := env.do(t, "GET", "/api/capture", nil, ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestReferenceLifecycle(t *testing.T) {
	env := newTestEnv(t)

	// empty body saves the live frame
	rec := env.do(t, "POST", "/api/refs/SELECT", nil, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("add status = %d, body %s", rec.Code, rec.Body)
	}
	var added map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &added); err != nil {
		t.Fatal(err)
	}
	name := added["file"]
	if !strings.HasSuffix(name, ".jpg") {
		t.Errorf("file = %q, want .jpg", name)
	}
	if got := len(env.refs.Fingerprints("SELECT", "banner")); got != 1 {
		t.Errorf("fingerprints after add = %d, want 1", got)
	}

	rec = env.do(t, "GET", "/api/refs/SELECT", nil, "")
	var files []refstore.File
	if err := json.Unmarshal(rec.Body.Bytes(), &files); err != nil || len(files) != 1 || files[0].Name != name {
		t.Errorf("list = %s (%v)", rec.Body, err)
	}

	rec = env.do(t, "GET", "/api/refs/SELECT/"+name+"/image", nil, "")
	if rec.Code != http.StatusOK || !bytes.Equal(rec.Body.Bytes(), env.frames.data) {
		t.Errorf("image status = %d, %d bytes", rec.Code, rec.Body.Len())
	}

	rec = env.do(t, "DELETE", "/api/refs/SELECT/"+name, nil, "")
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, body %s", rec.Code, rec.Body)
	}
	if got := len(env.refs.Fingerprints("SELECT", "banner")); got != 0 {
		t.Errorf("fingerprints after delete = %d, want 0", got)
	}

	rec = env.do(t, "DELETE", "/api/refs/SELECT/"+name, nil, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}
}

func TestAddReferenceUpload(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "POST", "/api/refs/SELECT", jpegBytes(t), "image/jpeg")
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload status = %d, body %s", rec.Code, rec.Body)
	}

	rec = env.do(t, "POST", "/api/refs/SELECT", []byte("GIF89a"), "image/gif")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("gif status = %d, want 400", rec.Code)
	}

	rec = env.do(t, "POST", "/api/refs/BONUS", jpegBytes(t), "image/jpeg")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown state status = %d, want 404", rec.Code)
	}
}

func TestHandleLiveFrame(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "GET", "/api/live/frame", nil, "")
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/jpeg" {
		t.Errorf("status = %d, type %q", rec.Code, rec.Header().Get("Content-Type"))
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, 8, 8))); err != nil {
		t.Fatal(err)
	}
	env.frames.data = buf.Bytes()
	rec = env.do(t, "GET", "/api/live/frame", nil, "")
	if got := rec.Header().Get("Content-Type"); got != "image/png" {
		t.Errorf("png frame type = %q, want image/png", got)
	}

	env.frames.err = apperrors.New(apperrors.CodeAcquisition, "frame file missing")
	rec = env.do(t, "GET", "/api/live/frame", nil, "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("missing frame status = %d, want 503", rec.Code)
	}
	env.frames.err = errors.New("disk")
	if rec = env.do(t, "GET", "/api/live/frame", nil, ""); rec.Code != http.StatusInternalServerError {
		t.Errorf("plain error status = %d, want 500", rec.Code)
	}
}

func TestHandleHistory(t *testing.T) {
	env := newTestEnv(t)
	env.history.rows = []history.Transition{{ID: "a", From: "OTHER", To: "SELECT", At: time.Unix(100, 0).UTC()}}

	rec := env.do(t, "GET", "/api/history?limit=5", nil, "")
	if rec.Code != http.StatusOK || env.history.limit != 5 {
		t.Fatalf("status = %d, limit = %d", rec.Code, env.history.limit)
	}
	var rows []history.Transition
	if err := json.Unmarshal(rec.Body.Bytes(), &rows); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(env.history.rows, rows); diff != "" {
		t.Errorf("rows (-want +got):\n%s", diff)
	}

	if rec := env.do(t, "GET", "/api/history?limit=abc", nil, ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", rec.Code)
	}

	env.srv.deps.History = nil
	if rec := env.do(t, "GET", "/api/history", nil, ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("disabled status = %d, want 503", rec.Code)
	}
}

func TestWebSocketStateFeed(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var hello StateMessage
	if err := wsjson.Read(ctx, conn, &hello); err != nil {
		t.Fatalf("read initial state: %v", err)
	}
	if hello.Type != "state" || hello.Result.State != "SELECT" {
		t.Errorf("initial message = %+v", hello)
	}

	env.det.events <- detector.Event{From: "SELECT", To: "PLAYING", Result: detector.Result{State: "PLAYING"}}

	var change ChangeMessage
	if err := wsjson.Read(ctx, conn, &change); err != nil {
		t.Fatalf("read change: %v", err)
	}
	if change.Type != "state_change" || change.From != "SELECT" || change.To != "PLAYING" {
		t.Errorf("change message = %+v", change)
	}

	if err := wsjson.Write(ctx, conn, Message{Type: "ping"}); err != nil {
		t.Fatal(err)
	}
	var pong Message
	if err := wsjson.Read(ctx, conn, &pong); err != nil || pong.Type != "pong" {
		t.Errorf("pong = %+v, %v", pong, err)
	}
}

func TestWebSocketRateLimit(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var hello StateMessage
	if err := wsjson.Read(ctx, conn, &hello); err != nil {
		t.Fatalf("read initial state: %v", err)
	}
	if n := env.srv.Clients(); n != 1 {
		t.Errorf("Clients() = %d, want 1", n)
	}

	for i := 0; i <= RateLimitMessages; i++ {
		if err := wsjson.Write(ctx, conn, Message{Type: "ping"}); err != nil {
			t.Fatal(err)
		}
	}

	var replies []string
	for i := 0; i <= RateLimitMessages; i++ {
		var reply Message
		if err := wsjson.Read(ctx, conn, &reply); err != nil {
			t.Fatalf("read reply %d: %v", i, err)
		}
		replies = append(replies, reply.Type)
	}
	for i, typ := range replies[:RateLimitMessages] {
		if typ != "pong" {
			t.Errorf("reply %d = %q, want pong", i, typ)
		}
	}
	if last := replies[RateLimitMessages]; last != "rate_limited" {
		t.Errorf("reply over the limit = %q, want rate_limited", last)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := &rateLimiter{}
	now := time.Unix(1000, 0)

	for i := 0; i < RateLimitMessages; i++ {
		if !rl.allow(now) {
			t.Fatalf("message %d rejected", i)
		}
	}
	if rl.allow(now) {
		t.Error("message over the limit allowed")
	}
	if !rl.allow(now.Add(RateLimitWindow + time.Millisecond)) {
		t.Error("message after the window rejected")
	}
}

func TestImageExt(t *testing.T) {
	tests := []struct {
		ct      string
		want    string
		wantErr bool
	}{
		{"image/jpeg", ".jpg", false},
		{"image/png; charset=binary", ".png", false},
		{"image/webp", ".webp", false},
		{"text/plain", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := imageExt(tt.ct)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("imageExt(%q) = %q, %v", tt.ct, got, err)
		}
	}
}
