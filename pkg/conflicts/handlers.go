package conflicts

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// checkRequest is the body of a conflict check: the field configuration to
// apply and the entity snapshot to apply it to.
type checkRequest struct {
	Fields   []Field  `json:"fields"`
	Snapshot Snapshot `json:"snapshot"`
}

// checkConflictsHandler returns a handler that runs the detector over a
// caller-supplied snapshot. Findings never fail the request; an invalid
// field configuration does.
func checkConflictsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req checkRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
		if len(req.Fields) == 0 {
			writeError(w, http.StatusBadRequest, "fields must not be empty")
			return
		}
		findings, err := Detect(req.Snapshot, req.Fields)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		if findings == nil {
			findings = []Finding{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"findings": findings,
			"size":     len(findings),
		})
	}
}

// NewRouter creates a chi router with the conflict check route.
func NewRouter() chi.Router {
	r := chi.NewRouter()
	r.Post("/check", checkConflictsHandler())
	return r
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
