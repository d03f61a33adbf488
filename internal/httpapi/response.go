package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/freeeve/hipsgen/internal/build"
)

// WorkersResponse counts workers by state.
type WorkersResponse struct {
	ActiveWorkers int            `json:"active_workers"`
	Slots         int            `json:"slots"`
	ByState       map[string]int `json:"by_state"`
}

func workerCounts(st build.Status) WorkersResponse {
	resp := WorkersResponse{Slots: len(st.Workers), ByState: make(map[string]int)}
	for _, w := range st.Workers {
		resp.ByState[w.State]++
		if w.State != build.Died.String() {
			resp.ActiveWorkers++
		}
	}
	return resp
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
	// Don't call http.Error after setting headers - it causes "superfluous WriteHeader"
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}
