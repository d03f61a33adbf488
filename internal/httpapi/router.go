// Package httpapi serves the status and control endpoints of a running build.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/freeeve/hipsgen/internal/build"
)

// ErrAbortRequested is the cause recorded when a build is aborted over HTTP.
var ErrAbortRequested = errors.New("abort requested over http")

// Controller is the part of a build the API drives.
type Controller interface {
	GetStatus() build.Status
	Dump() string
	Pause()
	Resume()
	Abort(cause error)
	SetWorkers(n int) int
}

// Handler serves build status and control requests.
type Handler struct {
	ctl Controller
	log zerolog.Logger
}

// NewRouter creates the HTTP router for ctl.
func NewRouter(log zerolog.Logger, ctl Controller) http.Handler {
	h := &Handler{ctl: ctl, log: log}

	mux := http.NewServeMux()
	mux.Handle("/healthz", http.HandlerFunc(h.health))
	mux.Handle("/v1/build/status", http.HandlerFunc(h.status))
	mux.Handle("/v1/build/dump", http.HandlerFunc(h.dump))
	mux.Handle("/v1/build/pause", http.HandlerFunc(h.pause))
	mux.Handle("/v1/build/resume", http.HandlerFunc(h.resume))
	mux.Handle("/v1/build/abort", http.HandlerFunc(h.abort))
	mux.Handle("/v1/build/workers", http.HandlerFunc(h.workers))

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return RequestID(AccessLog(log, mux))
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, h.ctl.GetStatus())
}

// dump returns the plain-text diagnostic dump of workers, queue and memory.
func (h *Handler) dump(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(h.ctl.Dump()))
}

func (h *Handler) pause(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	h.ctl.Pause()
	h.log.Info().Str("rid", GetRequestID(r.Context())).Msg("build paused via API")
	writeJSON(w, http.StatusOK, map[string]any{"paused": true})
}

func (h *Handler) resume(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	h.ctl.Resume()
	h.log.Info().Str("rid", GetRequestID(r.Context())).Msg("build resumed via API")
	writeJSON(w, http.StatusOK, map[string]any{"paused": false})
}

func (h *Handler) abort(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	h.ctl.Abort(ErrAbortRequested)
	h.log.Warn().Str("rid", GetRequestID(r.Context())).Msg("build aborted via API")
	writeJSON(w, http.StatusAccepted, map[string]any{"aborting": true})
}

// workers reports or changes the pool size.
// GET: returns current count
// POST: sets count from ?workers=N query param or JSON body {"workers": N}
func (h *Handler) workers(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet, http.MethodPost) {
		return
	}
	if r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, workerCounts(h.ctl.GetStatus()))
		return
	}

	var n int
	if param := r.URL.Query().Get("workers"); param != "" {
		v, err := strconv.Atoi(param)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid workers param")
			return
		}
		n = v
	} else {
		var body struct {
			Workers int `json:"workers"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		n = body.Workers
	}
	if n < 1 {
		writeError(w, http.StatusBadRequest, "workers must be >= 1")
		return
	}

	active := h.ctl.SetWorkers(n)
	h.log.Info().Int("workers", active).Msg("build workers updated via API")
	writeJSON(w, http.StatusOK, map[string]any{"active_workers": active})
}

func allow(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}
