package contributions

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/domika-dev/template-registry/pkg/registry"
	"github.com/domika-dev/template-registry/pkg/sites"
)

// submitContributionHandler returns a handler for the cross-site submission
// endpoint. Callers authenticate with X-Site-URL and X-Api-Key; an optional
// X-Idempotency-Key scopes duplicate detection. Responses: 201 with the new
// request, 409 with the original request id on a duplicate, 400 with
// findings on a rejected payload.
func submitContributionHandler(svc *Service, auth *sites.Authenticator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		site, err := auth.Authenticate(r.Header.Get("X-Site-URL"), r.Header.Get("X-Api-Key"))
		if err != nil {
			writeAuthError(w, err)
			return
		}

		var req SubmissionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}

		result, err := svc.Submit(site.SiteURL, r.Header.Get("X-Idempotency-Key"), req)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to accept submission: %v", err))
			return
		}
		if len(result.Findings) > 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":    "payload validation failed",
				"findings": result.Findings,
			})
			return
		}
		if !result.Created {
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":      "duplicate submission",
				"request_id": result.Request.ID,
				"state":      result.Request.State,
			})
			return
		}
		writeJSON(w, http.StatusCreated, result.Request)
	}
}

// getRequestHandler returns a handler that retrieves one request.
func getRequestHandler(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		record, err := svc.Requests().Get(id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get request: %v", err))
			return
		}
		if record == nil {
			writeError(w, http.StatusNotFound, fmt.Sprintf("request %s not found", id))
			return
		}
		writeJSON(w, http.StatusOK, record)
	}
}

// listRequestsHandler returns a handler that lists requests, optionally
// filtered by ?state=.
func listRequestsHandler(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records, err := svc.Requests().List(State(r.URL.Query().Get("state")), 0)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list requests: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": records, "size": len(records)})
	}
}

// getTransitionsHandler returns a handler for a request's lifecycle log.
func getTransitionsHandler(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records, err := svc.Requests().Transitions(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list transitions: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": records, "size": len(records)})
	}
}

// getPreviewHandler returns a handler for the reviewer's payload summary.
func getPreviewHandler(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		preview, err := svc.Preview(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("no preview: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, preview)
	}
}

type actionRequest struct {
	Reason string `json:"reason,omitempty"`
}

// requestActionHandler returns a handler that applies a lifecycle action to
// a request. Illegal transitions come back as 409 with the structured error.
func requestActionHandler(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		action := Action(chi.URLParam(r, "action"))
		actor := extractActor(r)

		var body actionRequest
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&body)
		}

		var (
			record *RequestRecord
			extra  map[string]any
			err    error
		)
		switch action {
		case ActionSubmit:
			var findings []Finding
			record, findings, err = svc.SubmitDraft(id, actor)
			if err == nil && len(findings) > 0 {
				writeJSON(w, http.StatusBadRequest, map[string]any{
					"error":    "payload validation failed",
					"findings": findings,
				})
				return
			}
		case ActionReview:
			record, err = svc.Review(id, actor)
		case ActionApprove:
			var entry *registry.Entry
			record, entry, err = svc.Approve(id, actor)
			if err == nil {
				extra = map[string]any{"entry": entry}
			}
		case ActionReject:
			record, err = svc.Reject(id, actor, body.Reason)
		case ActionIntegrate:
			record, err = svc.Integrate(id, actor)
		default:
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %s", action))
			return
		}
		if err != nil {
			var te *TransitionError
			if errors.As(err, &te) {
				writeJSON(w, http.StatusConflict, te)
				return
			}
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}

		resp := map[string]any{"request": record}
		for k, v := range extra {
			resp[k] = v
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// createDraftHandler returns a handler that persists a local draft. The
// payload is not validated until the draft is submitted.
func createDraftHandler(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SubmissionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
		if req.SubmittedBy == "" {
			req.SubmittedBy = extractActor(r)
		}
		record, err := svc.CreateDraft(req)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, record)
	}
}

// deleteDraftHandler returns a handler that discards a request still in
// Draft. Submitted history is never destroyed, so anything else is a 409.
func deleteDraftHandler(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		record, err := svc.Requests().Get(id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get request: %v", err))
			return
		}
		if record == nil {
			writeError(w, http.StatusNotFound, fmt.Sprintf("request %s not found", id))
			return
		}
		if err := svc.Requests().DeleteDraft(id); err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// listCategoriesHandler returns a handler that lists contribution categories.
func listCategoriesHandler(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		categories, err := svc.Categories().List()
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list categories: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": categories, "size": len(categories)})
	}
}

// createCategoryHandler returns a handler that registers a new category.
func createCategoryHandler(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var category CategoryRecord
		if err := json.NewDecoder(r.Body).Decode(&category); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
		if err := svc.Categories().Create(&category); err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, category)
	}
}

func extractActor(r *http.Request) string {
	if principal := r.Header.Get("X-User-Principal"); principal != "" {
		return principal
	}
	return "system"
}

func writeAuthError(w http.ResponseWriter, err error) {
	var ae *sites.AuthError
	if errors.As(err, &ae) {
		status := http.StatusUnauthorized
		if ae.Code == sites.CodeRateLimited {
			status = http.StatusTooManyRequests
		}
		writeJSON(w, status, ae)
		return
	}
	writeError(w, http.StatusUnauthorized, err.Error())
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
