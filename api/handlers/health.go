package handlers

import (
	"net/http"
	"runtime"

	"github.com/geoplace/geoplace/api"
)

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready reports readiness: the registry must answer before we accept
// traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if _, err := h.registry.Count(r.Context()); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Version reports build identity.
func (h *Handler) Version(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, api.VersionInfo{
		Version:   h.version,
		GoVersion: runtime.Version(),
	})
}
