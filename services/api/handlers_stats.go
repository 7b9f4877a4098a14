package api

import (
	"fmt"
	"net/http"

	"llvmsnapshots/pkg/db/migrations"
)

func (a *API) handleListBuildStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since, err := dayParam(q.Get("since"))
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("since: %w", err))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	tx := a.store.ORM.WithContext(ctx).Model(&migrations.BuildStat{})
	if pkg := q.Get("package"); pkg != "" {
		tx = tx.Where("package = ?", pkg)
	}
	if chroot := q.Get("chroot"); chroot != "" {
		tx = tx.Where("chroot = ?", chroot)
	}
	if since != "" {
		tx = tx.Where("date >= ?", since)
	}
	var models []migrations.BuildStat
	if err := tx.Order("date, chroot, timestamp").Find(&models).Error; err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	stats := make([]BuildStat, 0, len(models))
	for _, m := range models {
		stats = append(stats, buildStatFromModel(m))
	}
	respondJSON(w, http.StatusOK, map[string]any{"build_stats": stats})
}
