package handlers

import (
	"net/http"

	"github.com/geoplace/geoplace/api"
	"github.com/geoplace/geoplace/canvas"
)

// Generate submits an asset-generation job for the requested tiles.
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	var req api.GenerateRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	tiles := make([]canvas.Coord, 0, len(req.Tiles))
	for _, t := range req.Tiles {
		tiles = append(tiles, canvas.Coord{X: t.TileX, Y: t.TileY})
	}

	jobID, err := h.sched.Submit(r.Context(), tiles)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	WriteSuccess(w, api.GenerateResponse{JobID: jobID})
}

// JobStatus returns the current snapshot of one job.
func (h *Handler) JobStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := h.sched.Status(r.PathValue("job_id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, snap)
}

// CancelJob interrupts a queued or running job.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	if err := h.sched.Cancel(jobID); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]string{"job_id": jobID, "status": "cancelled"})
}

// AdminJobs lists every known job, newest first.
func (h *Handler) AdminJobs(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, h.sched.Jobs())
}
