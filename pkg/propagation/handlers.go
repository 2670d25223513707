package propagation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/domika-dev/template-registry/pkg/fields"
	"github.com/domika-dev/template-registry/pkg/registry"
)

// Integrator applies an inbound template version on the receiving site.
// applied is false when the version is already present, which the endpoint
// reports as a conflict so the sender stops retrying.
type Integrator interface {
	Apply(ctx context.Context, payload TemplatePayload) (applied bool, err error)
}

// RegistryIntegrator applies inbound templates to the local registry copy.
type RegistryIntegrator struct {
	store  *registry.Store
	logger *slog.Logger
}

// NewRegistryIntegrator creates a RegistryIntegrator. logger may be nil.
func NewRegistryIntegrator(store *registry.Store, logger *slog.Logger) *RegistryIntegrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &RegistryIntegrator{store: store, logger: logger}
}

// Apply implements Integrator. Versions at or below the local latest are
// reported already applied; a version more than one ahead is a gap and
// fails, the sender retries once the predecessor lands.
func (ri *RegistryIntegrator) Apply(ctx context.Context, payload TemplatePayload) (bool, error) {
	latest, err := ri.store.Latest(payload.TemplateCode)
	if err != nil {
		return false, err
	}
	localVersion := 0
	if latest != nil {
		localVersion = latest.Version
	}
	if payload.Version <= localVersion {
		return false, nil
	}
	if payload.Version != localVersion+1 {
		return false, fmt.Errorf("version gap for %s: local v%d, received v%d",
			payload.TemplateCode, localVersion, payload.Version)
	}

	spec := registry.MintSpec{
		TemplateCode:          payload.TemplateCode,
		TemplateName:          payload.TemplateName,
		InfrastructureType:    payload.InfrastructureType,
		InfrastructureSubtype: payload.InfrastructureSubtype,
		TargetDocument:        payload.TargetDocument,
		TemplateContent:       payload.TemplateContent,
		ContributedBySite:     payload.ContributedBySite,
		BusinessJustification: payload.BusinessJustification,
		Actor:                 "propagation",
	}
	for _, f := range payload.Fields {
		spec.Fields = append(spec.Fields, fields.Definition{
			FieldName:     f.FieldName,
			FieldLabel:    f.FieldLabel,
			FieldType:     fields.FieldType(f.FieldType),
			IsRequired:    f.IsRequired,
			Default:       f.Default,
			SourceField:   f.SourceField,
			SelectOptions: f.SelectOptions,
		})
	}
	for _, r := range payload.Rules {
		spec.Rules = append(spec.Rules, registry.Rule{
			EntityType:         r.EntityType,
			EntitySubtype:      r.EntitySubtype,
			TargetTemplateCode: payload.TemplateCode,
			Priority:           r.Priority,
		})
	}

	entry, err := ri.store.Mint(spec)
	if err != nil {
		return false, err
	}
	ri.logger.Info("applied propagated template",
		"template", entry.TemplateCode, "version", entry.Version)
	return true, nil
}

// receiveTemplateHandler returns the subscriber-side handler. The sender
// authenticates with a bearer token minted from the shared network secret.
// Replays of an applied version come back 409 so re-delivery stays
// harmless.
func receiveTemplateHandler(secret string, integrator Integrator, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokenString := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if tokenString == "" || tokenString == r.Header.Get("Authorization") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := VerifyToken(tokenString, secret)
		if err != nil {
			writeError(w, http.StatusUnauthorized, fmt.Sprintf("invalid propagation token: %v", err))
			return
		}

		var payload TemplatePayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
		if payload.TemplateCode == "" || payload.Version < 1 {
			writeError(w, http.StatusBadRequest, "payload needs a template_code and a positive version")
			return
		}
		// The token is bound to one template version.
		if code, ok := claims["template_code"].(string); ok && code != payload.TemplateCode {
			writeError(w, http.StatusUnauthorized, "token was minted for a different template")
			return
		}

		applied, err := integrator.Apply(r.Context(), payload)
		if err != nil {
			logger.Error("failed to apply propagated template",
				"template", payload.TemplateCode, "version", payload.Version, "error", err)
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		if !applied {
			writeJSON(w, http.StatusConflict, map[string]any{
				"status":        "already_applied",
				"template_code": payload.TemplateCode,
				"version":       payload.Version,
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":        "applied",
			"template_code": payload.TemplateCode,
			"version":       payload.Version,
		})
	}
}

// listDeliveriesHandler returns a handler over the outbound queue,
// filterable by ?subscriber=, ?template= and ?status=.
func listDeliveriesHandler(store *DeliveryStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deliveries, err := store.List(DeliveryFilter{
			SubscriberSiteURL: r.URL.Query().Get("subscriber"),
			TemplateCode:      r.URL.Query().Get("template"),
			Status:            DeliveryStatus(r.URL.Query().Get("status")),
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list deliveries: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": deliveries, "size": len(deliveries)})
	}
}

// requeueDeliveryHandler returns a handler that resets a failed delivery.
func requeueDeliveryHandler(store *DeliveryStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := store.Requeue(id); err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		delivery, err := store.Get(id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, delivery)
	}
}

// NewRouter creates a chi router with the propagation routes: the inbound
// template endpoint plus queue inspection for operators.
func NewRouter(secret string, integrator Integrator, store *DeliveryStore, logger *slog.Logger) chi.Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()

	if integrator != nil {
		r.Post("/templates", receiveTemplateHandler(secret, integrator, logger))
	}
	if store != nil {
		r.Get("/deliveries", listDeliveriesHandler(store))
		r.Post("/deliveries/{id}/requeue", requeueDeliveryHandler(store))
	}
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
