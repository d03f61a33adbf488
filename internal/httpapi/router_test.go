package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/freeeve/hipsgen/internal/build"
)

type fakeController struct {
	mu      sync.Mutex
	paused  bool
	aborted error
	workers int
}

func (f *fakeController) GetStatus() build.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := build.Status{Running: true, Paused: f.paused, Aborting: f.aborted != nil, QueueLen: 3}
	for i := 0; i < 4; i++ {
		state := build.Exec.String()
		if i >= f.workers {
			state = build.Died.String()
		}
		st.Workers = append(st.Workers, build.WorkerStatus{ID: i, State: state})
	}
	return st
}

func (f *fakeController) Dump() string { return "queue: 3 items\n" }

func (f *fakeController) Pause() {
	f.mu.Lock()
	f.paused = true
	f.mu.Unlock()
}

func (f *fakeController) Resume() {
	f.mu.Lock()
	f.paused = false
	f.mu.Unlock()
}

func (f *fakeController) Abort(cause error) {
	f.mu.Lock()
	f.aborted = cause
	f.mu.Unlock()
}

func (f *fakeController) SetWorkers(n int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workers = n
	return n
}

func serve(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndRequestID(t *testing.T) {
	h := NewRouter(zerolog.Nop(), &fakeController{workers: 4})
	rec := serve(t, h, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", rec.Code, rec.Body.String())
	}
	if rid := rec.Header().Get("X-Request-ID"); len(rid) != 8 {
		t.Errorf("generated request id = %q", rid)
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "client-supplied-id")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rid := rec.Header().Get("X-Request-ID"); rid != "client-supplied-id" {
		t.Errorf("request id = %q, want client's", rid)
	}
}

func TestStatus(t *testing.T) {
	h := NewRouter(zerolog.Nop(), &fakeController{workers: 4})
	rec := serve(t, h, http.MethodGet, "/v1/build/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var st build.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if !st.Running || st.QueueLen != 3 || len(st.Workers) != 4 {
		t.Errorf("status = %+v", st)
	}

	if rec := serve(t, h, http.MethodPost, "/v1/build/status", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d", rec.Code)
	}
	if rec := serve(t, h, http.MethodGet, "/v1/build/dump", ""); !strings.Contains(rec.Body.String(), "queue:") {
		t.Errorf("dump = %q", rec.Body.String())
	}
}

func TestPauseResumeAbort(t *testing.T) {
	ctl := &fakeController{workers: 4}
	h := NewRouter(zerolog.Nop(), ctl)

	if rec := serve(t, h, http.MethodGet, "/v1/build/pause", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET pause = %d", rec.Code)
	}
	serve(t, h, http.MethodPost, "/v1/build/pause", "")
	if !ctl.GetStatus().Paused {
		t.Error("pause not applied")
	}
	serve(t, h, http.MethodPost, "/v1/build/resume", "")
	if ctl.GetStatus().Paused {
		t.Error("resume not applied")
	}

	rec := serve(t, h, http.MethodPost, "/v1/build/abort", "")
	if rec.Code != http.StatusAccepted {
		t.Errorf("abort = %d", rec.Code)
	}
	if !errors.Is(ctl.aborted, ErrAbortRequested) {
		t.Errorf("abort cause = %v", ctl.aborted)
	}
}

func TestWorkers(t *testing.T) {
	ctl := &fakeController{workers: 4}
	h := NewRouter(zerolog.Nop(), ctl)

	rec := serve(t, h, http.MethodPost, "/v1/build/workers?workers=2", "")
	if rec.Code != http.StatusOK || ctl.workers != 2 {
		t.Fatalf("set workers = %d, workers %d", rec.Code, ctl.workers)
	}

	rec = serve(t, h, http.MethodGet, "/v1/build/workers", "")
	var counts WorkersResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &counts); err != nil {
		t.Fatal(err)
	}
	if counts.ActiveWorkers != 2 || counts.Slots != 4 || counts.ByState["died"] != 2 {
		t.Errorf("workers = %+v", counts)
	}

	serve(t, h, http.MethodPost, "/v1/build/workers", `{"workers": 3}`)
	if ctl.workers != 3 {
		t.Errorf("workers from body = %d", ctl.workers)
	}

	for _, target := range []string{"/v1/build/workers?workers=x", "/v1/build/workers?workers=0"} {
		if rec := serve(t, h, http.MethodPost, target, ""); rec.Code != http.StatusBadRequest {
			t.Errorf("%s = %d", target, rec.Code)
		}
	}
	if rec := serve(t, h, http.MethodPost, "/v1/build/workers", "{"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad body = %d", rec.Code)
	}
}
