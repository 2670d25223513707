package registry

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// listTemplatesHandler returns a handler over the known template codes.
func listTemplatesHandler(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		codes, err := store.Codes()
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list templates: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": codes, "size": len(codes)})
	}
}

// getLatestHandler returns a handler for the newest version of a template.
func getLatestHandler(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := chi.URLParam(r, "code")
		entry, err := store.Latest(code)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get template: %v", err))
			return
		}
		if entry == nil {
			writeError(w, http.StatusNotFound, fmt.Sprintf("template %s not found", code))
			return
		}
		writeJSON(w, http.StatusOK, entryResponse(entry))
	}
}

// listVersionsHandler returns a handler over a template's version chain.
func listVersionsHandler(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := chi.URLParam(r, "code")
		records, err := store.Versions(code)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list versions: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": records, "size": len(records)})
	}
}

// getVersionHandler returns a handler for one pinned version.
func getVersionHandler(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := chi.URLParam(r, "code")
		version, err := strconv.Atoi(chi.URLParam(r, "version"))
		if err != nil || version < 1 {
			writeError(w, http.StatusBadRequest, "version must be a positive integer")
			return
		}
		entry, err := store.GetVersion(code, version)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get version: %v", err))
			return
		}
		if entry == nil {
			writeError(w, http.StatusNotFound, fmt.Sprintf("template %s v%d not found", code, version))
			return
		}
		writeJSON(w, http.StatusOK, entryResponse(entry))
	}
}

// verifyChainHandler returns a handler that audits a template's supersedes
// chain.
func verifyChainHandler(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := chi.URLParam(r, "code")
		if err := store.VerifyChain(code); err != nil {
			writeJSON(w, http.StatusConflict, map[string]any{
				"template_code": code,
				"intact":        false,
				"error":         err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"template_code": code,
			"intact":        true,
		})
	}
}

// resolveHandler returns a handler for assignment rule resolution:
// ?entity_type= and optional ?entity_subtype=.
func resolveHandler(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entityType := r.URL.Query().Get("entity_type")
		if entityType == "" {
			writeError(w, http.StatusBadRequest, "entity_type is required")
			return
		}
		code, ok, err := store.ResolveTemplate(entityType, r.URL.Query().Get("entity_subtype"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to resolve template: %v", err))
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, "no assignment rule matches")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"template_code": code})
	}
}

func entryResponse(entry *Entry) map[string]any {
	return map[string]any{
		"entry":  entry.EntryRecord,
		"fields": entry.FieldDefinitions(),
		"rules":  entry.Rules,
	}
}

// NewRouter creates a chi router with the read-only registry routes.
func NewRouter(store *Store) chi.Router {
	r := chi.NewRouter()
	r.Get("/templates", listTemplatesHandler(store))
	r.Get("/templates/resolve", resolveHandler(store))
	r.Get("/templates/{code}", getLatestHandler(store))
	r.Get("/templates/{code}/versions", listVersionsHandler(store))
	r.Get("/templates/{code}/versions/{version}", getVersionHandler(store))
	r.Get("/templates/{code}/chain", verifyChainHandler(store))
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
