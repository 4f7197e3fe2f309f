package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"enrollgate/internal/device"
	"enrollgate/internal/device/simulator"
	"enrollgate/internal/metrics"
	"enrollgate/internal/pool"
	"enrollgate/internal/registry"
	"enrollgate/internal/session"
	"enrollgate/internal/transport"
	"enrollgate/util"
)

type testServer struct {
	router *gin.Engine
	sim    *simulator.Server
	mgr    *session.Manager
}

func newTestServer(t *testing.T, simCfg simulator.Config) *testServer {
	t.Helper()
	ctx := context.Background()

	sim, err := simulator.Start("127.0.0.1:0", simCfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sim.Close() })

	reg, err := registry.Open(ctx, "sqlite", filepath.Join(t.TempDir(), "reg.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { reg.Close() })
	id := sim.Identity()
	must(t, reg.PutDevice(ctx, registry.Device{ID: "dev-1", SchoolID: "sch-1", Address: id.Address, Port: id.Port, Secret: id.Secret}))
	must(t, reg.PutStudent(ctx, registry.Student{ID: "stu-1", SchoolID: "sch-1"}))
	must(t, reg.PutStudent(ctx, registry.Student{ID: "stu-2", SchoolID: "sch-1"}))

	m := metrics.New()
	opener := &device.DialOpener{
		Dialer:         &transport.TCPDialer{Timeout: time.Second},
		DialTimeout:    time.Second,
		CommandTimeout: time.Second,
		Metrics:        m,
		Logger:         util.Discard(),
	}
	p := pool.New(opener, pool.Options{Attempts: 1, Metrics: m, Logger: util.Discard()})
	t.Cleanup(func() { p.Close() })
	mgr := session.NewManager(p, session.Options{PollInterval: 10 * time.Millisecond, Metrics: m, Logger: util.Discard()})
	t.Cleanup(func() { mgr.Close() })

	h := New(Deps{
		Sessions:    mgr,
		Registry:    reg,
		Pool:        p,
		Opener:      opener,
		TestTimeout: time.Second,
		Metrics:     m,
		Logger:      util.Discard(),
	})
	return &testServer{router: h.Router(), sim: sim, mgr: mgr}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	var out map[string]any
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			t.Fatalf("%s %s: bad json %q", method, path, w.Body.String())
		}
	}
	return w, out
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, simulator.Config{})
	w, body := s.do(t, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK || body["status"] != "ok" {
		t.Errorf("health = %d %v", w.Code, body)
	}
}

func TestEnrollment_Lifecycle(t *testing.T) {
	s := newTestServer(t, simulator.Config{PollsToResult: 2})

	w, body := s.do(t, http.MethodPost, "/api/v1/enrollments", gin.H{"student_id": "stu-1", "device_id": "dev-1", "finger": 0})
	if w.Code != http.StatusCreated {
		t.Fatalf("start = %d %v", w.Code, body)
	}
	id, _ := body["id"].(string)
	if body["state"] != string(session.AwaitingCapture) || id == "" {
		t.Fatalf("unexpected body: %v", body)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_, body = s.do(t, http.MethodGet, "/api/v1/enrollments/"+id, nil)
		if body["state"] == string(session.Completed) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if body["state"] != string(session.Completed) {
		t.Fatalf("state = %v", body["state"])
	}
	res, _ := body["result"].(map[string]any)
	if res["template_ref"] != "SIM0001/stu-1/0" {
		t.Errorf("result = %v", res)
	}

	w, _ = s.do(t, http.MethodGet, "/api/v1/pool", nil)
	if w.Code != http.StatusOK {
		t.Errorf("pool = %d", w.Code)
	}
	w, body = s.do(t, http.MethodGet, "/api/v1/metrics", nil)
	if w.Code != http.StatusOK || body["sessions_started"] != float64(1) {
		t.Errorf("metrics = %d %v", w.Code, body)
	}
	_, body = s.do(t, http.MethodGet, "/api/v1/enrollments", nil)
	if list, _ := body["sessions"].([]any); len(list) != 1 {
		t.Errorf("list = %v", body)
	}
}

func TestEnrollment_Errors(t *testing.T) {
	s := newTestServer(t, simulator.Config{})

	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"missing finger", gin.H{"student_id": "stu-1", "device_id": "dev-1"}, http.StatusBadRequest, "invalid_request"},
		{"unknown student", gin.H{"student_id": "nobody", "device_id": "dev-1", "finger": 1}, http.StatusNotFound, "not_found"},
		{"unknown device", gin.H{"student_id": "stu-1", "device_id": "nowhere", "finger": 1}, http.StatusNotFound, "not_found"},
		{"finger out of range", gin.H{"student_id": "stu-1", "device_id": "dev-1", "finger": 12}, http.StatusBadRequest, "invalid_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := s.do(t, http.MethodPost, "/api/v1/enrollments", tt.body)
			if w.Code != tt.status || errorCode(body) != tt.code {
				t.Errorf("got %d %v, want %d %s", w.Code, body, tt.status, tt.code)
			}
		})
	}

	w, body := s.do(t, http.MethodGet, "/api/v1/enrollments/unknown", nil)
	if w.Code != http.StatusNotFound || errorCode(body) != "not_found" {
		t.Errorf("status of unknown = %d %v", w.Code, body)
	}
}

func TestEnrollment_ConflictAndCancel(t *testing.T) {
	s := newTestServer(t, simulator.Config{})

	w, body := s.do(t, http.MethodPost, "/api/v1/enrollments", gin.H{"student_id": "stu-1", "device_id": "dev-1", "finger": 1})
	if w.Code != http.StatusCreated {
		t.Fatalf("start = %d %v", w.Code, body)
	}
	id := body["id"].(string)

	w, body = s.do(t, http.MethodPost, "/api/v1/enrollments", gin.H{"student_id": "stu-2", "device_id": "dev-1", "finger": 1})
	if w.Code != http.StatusConflict || errorCode(body) != "session_conflict" {
		t.Errorf("second start = %d %v", w.Code, body)
	}

	w, body = s.do(t, http.MethodPost, "/api/v1/enrollments/"+id+"/cancel", nil)
	if w.Code != http.StatusOK || body["state"] != string(session.Cancelled) {
		t.Errorf("cancel = %d %v", w.Code, body)
	}
	// Cancelling again is harmless.
	w, body = s.do(t, http.MethodDelete, "/api/v1/enrollments/"+id, nil)
	if w.Code != http.StatusOK || body["state"] != string(session.Cancelled) {
		t.Errorf("second cancel = %d %v", w.Code, body)
	}
}

func TestEnrollment_DeviceOffline(t *testing.T) {
	s := newTestServer(t, simulator.Config{})
	s.sim.Close()

	w, body := s.do(t, http.MethodPost, "/api/v1/enrollments", gin.H{"student_id": "stu-1", "device_id": "dev-1", "finger": 1})
	if w.Code != http.StatusServiceUnavailable || errorCode(body) != "device_unavailable" {
		t.Fatalf("start = %d %v", w.Code, body)
	}
	sess, _ := body["session"].(map[string]any)
	if sess["state"] != string(session.Failed) {
		t.Errorf("session = %v", sess)
	}
}

func TestDeviceTest(t *testing.T) {
	s := newTestServer(t, simulator.Config{Serial: "GATE-42"})
	id := s.sim.Identity()

	w, body := s.do(t, http.MethodPost, "/api/v1/devices/test", gin.H{"address": id.Address, "port": id.Port})
	if w.Code != http.StatusOK || body["ok"] != true {
		t.Fatalf("test = %d %v", w.Code, body)
	}
	dev, _ := body["device"].(map[string]any)
	if dev["serial"] != "GATE-42" {
		t.Errorf("device = %v", dev)
	}

	w, body = s.do(t, http.MethodGet, "/api/v1/devices/dev-1/test", nil)
	if w.Code != http.StatusOK || body["ok"] != true {
		t.Errorf("registered test = %d %v", w.Code, body)
	}

	w, body = s.do(t, http.MethodPost, "/api/v1/devices/test", gin.H{"address": id.Address, "port": id.Port, "secret": "wrong"})
	if w.Code != http.StatusOK || body["ok"] != false || errorCode(body) != "refused" {
		t.Errorf("wrong secret = %d %v", w.Code, body)
	}

	w, body = s.do(t, http.MethodPost, "/api/v1/devices/test", gin.H{"port": 4370})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing address = %d %v", w.Code, body)
	}

	w, _ = s.do(t, http.MethodGet, "/api/v1/devices/nope/test", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown device = %d", w.Code)
	}
}
