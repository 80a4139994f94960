package handlers

import (
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"
)

// RunImage serves a persisted output image by its runs/ path. The file
// store sanitizes the key, so traversal outside the output root 404s.
func (a *App) RunImage(w http.ResponseWriter, r *http.Request) {
	session := chi.URLParam(r, "session")
	file := chi.URLParam(r, "file")
	if session == "" || file == "" || strings.Contains(file, "/") {
		http.NotFound(w, r)
		return
	}
	full, err := a.Files.Path(path.Join("runs", session, "images", file))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	http.ServeFile(w, r, full)
}
