package handlers

import (
	"net/http"
)

// Health reports overall service state: model readiness, queue occupancy
// and device telemetry.
func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	backend := a.Service.Backend()
	a.json(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"model_loaded":   backend.Loaded(),
		"queue":          a.Service.QueueStatus(),
		"device":         backend.Telemetry(),
		"uptime_seconds": int64(a.Service.Uptime().Seconds()),
	})
}

// Ready answers 503 until the model finished loading, for load balancers
// that gate traffic on readiness.
func (a *App) Ready(w http.ResponseWriter, r *http.Request) {
	if !a.Service.Backend().Loaded() {
		a.json(w, http.StatusServiceUnavailable, map[string]string{"status": "loading"})
		return
	}
	a.json(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Live is the trivial liveness probe.
func (a *App) Live(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, map[string]string{"status": "alive"})
}

// Queue reports queue occupancy.
func (a *App) Queue(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, a.Service.QueueStatus())
}
