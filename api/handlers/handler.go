package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/geoplace/geoplace/broadcast"
	"github.com/geoplace/geoplace/cache"
	"github.com/geoplace/geoplace/canvas"
	"github.com/geoplace/geoplace/internal/metrics"
	"github.com/geoplace/geoplace/scheduler"
	"github.com/geoplace/geoplace/world"
)

// Handler bundles every HTTP endpoint with its dependencies.
type Handler struct {
	store       *canvas.Store
	sched       *scheduler.Scheduler
	registry    *world.Registry
	index       cache.Index
	broadcaster *broadcast.Broadcaster
	metrics     *metrics.Collector
	logger      *zap.Logger
	version     string
}

// New creates the API handler set.
func New(
	store *canvas.Store,
	sched *scheduler.Scheduler,
	registry *world.Registry,
	index cache.Index,
	broadcaster *broadcast.Broadcaster,
	collector *metrics.Collector,
	version string,
	logger *zap.Logger,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		store:       store,
		sched:       sched,
		registry:    registry,
		index:       index,
		broadcaster: broadcaster,
		metrics:     collector,
		logger:      logger.With(zap.String("component", "api")),
		version:     version,
	}
}

// RegisterRoutes mounts every endpoint on the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/paint", h.Paint)
	mux.HandleFunc("POST /api/generate", h.Generate)
	mux.HandleFunc("GET /api/status/{job_id}", h.JobStatus)
	mux.HandleFunc("DELETE /api/jobs/{job_id}", h.CancelJob)
	mux.HandleFunc("GET /api/tiles", h.Tiles)
	mux.HandleFunc("GET /api/tile/{x}/{y}", h.TilePNG)
	mux.HandleFunc("GET /api/objects", h.Objects)

	mux.HandleFunc("GET /api/admin/jobs", h.AdminJobs)
	mux.HandleFunc("DELETE /api/admin/objects/{id}", h.AdminDeleteObject)
	mux.HandleFunc("POST /api/admin/clear_cache", h.AdminClearCache)
	mux.HandleFunc("GET /api/admin/stats", h.AdminStats)

	mux.HandleFunc("GET /ws", h.Websocket)

	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /healthz", h.Health)
	mux.HandleFunc("GET /ready", h.Ready)
	mux.HandleFunc("GET /version", h.Version)
}
