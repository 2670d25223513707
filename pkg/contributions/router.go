package contributions

import (
	"github.com/go-chi/chi/v5"

	"github.com/domika-dev/template-registry/pkg/sites"
)

// NewRouter creates a chi router with the contribution API routes. The
// authenticated submission endpoint is mounted only when auth is non-nil.
func NewRouter(svc *Service, auth *sites.Authenticator) chi.Router {
	r := chi.NewRouter()

	if auth != nil {
		r.Post("/contributions", submitContributionHandler(svc, auth))
	}

	r.Route("/requests", func(r chi.Router) {
		r.Get("/", listRequestsHandler(svc))
		r.Post("/drafts", createDraftHandler(svc))
		r.Get("/{id}", getRequestHandler(svc))
		r.Delete("/{id}", deleteDraftHandler(svc))
		r.Get("/{id}/transitions", getTransitionsHandler(svc))
		r.Get("/{id}/preview", getPreviewHandler(svc))
		r.Post("/{id}/actions/{action}", requestActionHandler(svc))
	})

	r.Route("/categories", func(r chi.Router) {
		r.Get("/", listCategoriesHandler(svc))
		r.Post("/", createCategoryHandler(svc))
	})

	return r
}
