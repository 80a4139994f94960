package handlers

import (
	"net/http"
	"strconv"

	"signforge/internal/archive"
)

// RecentJobs lists archived jobs from Postgres, newest first. Returns 404
// when no archive database is configured.
func (a *App) RecentJobs(w http.ResponseWriter, r *http.Request) {
	if a.Archive == nil {
		a.json(w, http.StatusNotFound, map[string]string{
			"error":   "NOT_FOUND",
			"message": "job archive is not configured",
		})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	jobs, err := a.Archive.RecentJobs(r.Context(), limit)
	if err != nil {
		a.error(w, err)
		return
	}
	if jobs == nil {
		jobs = []archive.ArchivedJob{}
	}
	a.json(w, http.StatusOK, map[string]any{"jobs": jobs})
}
