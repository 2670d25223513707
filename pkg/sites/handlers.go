package sites

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

type registerSiteRequest struct {
	SiteURL      string `json:"site_url"`
	CompanyName  string `json:"company_name"`
	ContactEmail string `json:"contact_email,omitempty"`
}

// registerSiteHandler returns a handler that registers a site and returns
// its freshly generated API key. The plaintext key appears in this response
// and nowhere else.
func registerSiteHandler(store *SiteStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerSiteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
		if req.SiteURL == "" || req.CompanyName == "" {
			writeError(w, http.StatusBadRequest, "site_url and company_name are required")
			return
		}
		key, err := GenerateKey()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		record, err := store.Register(req.SiteURL, req.CompanyName, req.ContactEmail, key)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"site":    record,
			"api_key": key,
		})
	}
}

// listSitesHandler returns a handler for paged site listing.
func listSitesHandler(store *SiteStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pageSize, _ := strconv.Atoi(r.URL.Query().Get("pageSize"))
		records, nextToken, err := store.List(pageSize, r.URL.Query().Get("pageToken"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list sites: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items":         records,
			"size":          len(records),
			"nextPageToken": nextToken,
		})
	}
}

// getSiteHandler returns a handler that fetches a site by ?url=.
func getSiteHandler(store *SiteStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		url := r.URL.Query().Get("url")
		record, err := store.GetByURL(url)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if record == nil {
			writeError(w, http.StatusNotFound, fmt.Sprintf("site %s not found", url))
			return
		}
		writeJSON(w, http.StatusOK, record)
	}
}

type siteActionRequest struct {
	SiteURL   string `json:"site_url"`
	Subscribe *bool  `json:"subscribe,omitempty"`
}

// siteActionHandler returns a handler for deactivate and subscribe actions.
func siteActionHandler(store *SiteStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		action := chi.URLParam(r, "action")
		var req siteActionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}

		var err error
		switch action {
		case "deactivate":
			err = store.Deactivate(req.SiteURL)
		case "subscribe":
			subscribe := true
			if req.Subscribe != nil {
				subscribe = *req.Subscribe
			}
			err = store.SetSubscriber(req.SiteURL, subscribe)
		default:
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %s", action))
			return
		}
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}

		record, err := store.GetByURL(req.SiteURL)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, record)
	}
}

// NewRouter creates a chi router with the site administration routes.
func NewRouter(store *SiteStore) chi.Router {
	r := chi.NewRouter()
	r.Get("/", listSitesHandler(store))
	r.Post("/", registerSiteHandler(store))
	r.Get("/lookup", getSiteHandler(store))
	r.Post("/actions/{action}", siteActionHandler(store))
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
