package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"

	"llvmsnapshots/pkg/db/migrations"
)

type checkQuery struct {
	Strategy string
	Since    string
	Limit    int
}

func parseCheckQuery(r *http.Request) (checkQuery, error) {
	q := r.URL.Query()
	since, err := dayParam(q.Get("since"))
	if err != nil {
		return checkQuery{}, fmt.Errorf("since: %w", err)
	}
	limit, err := intParam(q.Get("limit"), defaultListLimit, maxListLimit)
	if err != nil {
		return checkQuery{}, fmt.Errorf("limit: %w", err)
	}
	return checkQuery{Strategy: q.Get("strategy"), Since: since, Limit: limit}, nil
}

func (a *API) handleListChecks(w http.ResponseWriter, r *http.Request) {
	cq, err := parseCheckQuery(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	tx := a.store.ORM.WithContext(ctx).Model(&migrations.CheckResult{})
	if cq.Strategy != "" {
		tx = tx.Where("strategy = ?", cq.Strategy)
	}
	if cq.Since != "" {
		tx = tx.Where("date >= ?", cq.Since)
	}
	var models []migrations.CheckResult
	if err := tx.Order("checked_at DESC").Limit(cq.Limit).Find(&models).Error; err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	checks := make([]Check, 0, len(models))
	for _, m := range models {
		checks = append(checks, checkFromModel(m))
	}
	respondJSON(w, http.StatusOK, map[string]any{"checks": checks})
}

func (a *API) handleGetCheck(w http.ResponseWriter, r *http.Request) {
	strategy := chi.URLParam(r, "strategy")
	day, err := dayParam(chi.URLParam(r, "yyyymmdd"))
	if err != nil || day == "" {
		respondError(w, http.StatusBadRequest, fmt.Errorf("invalid day %q", chi.URLParam(r, "yyyymmdd")))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	var model migrations.CheckResult
	err = a.store.ORM.WithContext(ctx).
		Where("strategy = ? AND date = ?", strategy, day).
		Order("checked_at DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(w, http.StatusNotFound, fmt.Errorf("no check of %s for %s", strategy, day))
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"check": checkFromModel(model)})
}
