package api

import (
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

// handleArtifactLink answers with a presigned URL for an uploaded snapshot
// object, e.g. /v1/artifacts/20240501.abcdef01/rpms/llvm.rpm. With
// ?redirect=1 the client is sent straight to the object.
func (a *API) handleArtifactLink(w http.ResponseWriter, r *http.Request) {
	rel := strings.Trim(chi.URLParam(r, "*"), "/")
	if rel == "" || path.Clean(rel) != rel || strings.HasPrefix(rel, "..") {
		respondError(w, http.StatusBadRequest, errors.New("invalid artifact path"))
		return
	}

	ttl := defaultLinkTTL
	if raw := r.URL.Query().Get("ttl"); raw != "" {
		secs, err := intParam(raw, 0, int(maxLinkTTL/time.Second))
		if err != nil {
			respondError(w, http.StatusBadRequest, fmt.Errorf("ttl: %w", err))
			return
		}
		ttl = time.Duration(secs) * time.Second
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	url, err := a.store.Links.PresignGet(ctx, a.store.Links.Key(rel), ttl)
	if err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Errorf("presign: %w", err))
		return
	}
	if r.URL.Query().Get("redirect") == "1" {
		http.Redirect(w, r, url, http.StatusFound)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"url": url})
}
