package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	defaultLinkTTL   = 5 * time.Minute
	maxLinkTTL       = time.Hour
)

// API wires the backends to the HTTP handlers.
type API struct {
	store *Store
}

// New returns an API serving whichever backends store provides.
func New(store *Store) (*API, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if store.ORM == nil && store.Links == nil {
		return nil, errors.New("store has no backend")
	}
	return &API{store: store}, nil
}

// Register adds the API endpoints below /v1 to r.
func (a *API) Register(r chi.Router) {
	if a.store.ORM != nil {
		r.Get("/v1/checks", a.handleListChecks)
		r.Get("/v1/checks/{strategy}/{yyyymmdd}", a.handleGetCheck)
		r.Get("/v1/build-stats", a.handleListBuildStats)
	}
	if a.store.Links != nil {
		r.Get("/v1/artifacts/*", a.handleArtifactLink)
	}
}

// Routes returns a standalone router serving the API.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	a.Register(r)
	return r
}
