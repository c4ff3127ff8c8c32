package handlers

import (
	"net/http"
	"strconv"

	"github.com/geoplace/geoplace/types"
	"github.com/geoplace/geoplace/world"
)

// Objects lists placed world objects, optionally limited to a tile region
// via min_x/min_y/max_x/max_y query parameters.
func (h *Handler) Objects(w http.ResponseWriter, r *http.Request) {
	region, err := regionFromQuery(r)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	objs, err := h.registry.List(r.Context(), region)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, objs)
}

func regionFromQuery(r *http.Request) (*world.Region, error) {
	q := r.URL.Query()
	keys := []string{"min_x", "min_y", "max_x", "max_y"}

	present := 0
	for _, k := range keys {
		if q.Get(k) != "" {
			present++
		}
	}
	if present == 0 {
		return nil, nil
	}
	if present != len(keys) {
		return nil, types.NewError(types.ErrInvalidRequest,
			"region query needs all of min_x, min_y, max_x, max_y").
			WithHTTPStatus(http.StatusBadRequest)
	}

	vals := make([]int, len(keys))
	for i, k := range keys {
		v, err := strconv.Atoi(q.Get(k))
		if err != nil {
			return nil, types.NewError(types.ErrInvalidRequest, k+" must be an integer").
				WithHTTPStatus(http.StatusBadRequest).WithCause(err)
		}
		vals[i] = v
	}
	return &world.Region{MinX: vals[0], MinY: vals[1], MaxX: vals[2], MaxY: vals[3]}, nil
}

// AdminDeleteObject removes one world object.
func (h *Handler) AdminDeleteObject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.registry.Remove(r.Context(), id); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]string{"id": id, "status": "deleted"})
}

// AdminClearCache drops every cache entry and lease. Asset files stay on
// disk; subsequent identical content rebuilds and recommits.
func (h *Handler) AdminClearCache(w http.ResponseWriter, r *http.Request) {
	if err := h.index.Clear(r.Context()); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]string{"status": "cleared"})
}

// AdminStats reports scheduler, broadcast and registry statistics.
func (h *Handler) AdminStats(w http.ResponseWriter, r *http.Request) {
	objects, err := h.registry.Count(r.Context())
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	WriteSuccess(w, map[string]any{
		"pool":           h.sched.PoolStats(),
		"jobs":           len(h.sched.Jobs()),
		"objects":        objects,
		"subscribers":    h.broadcaster.SubscriberCount(),
		"events_dropped": h.broadcaster.Dropped(),
		"modified_tiles": len(h.store.ModifiedTiles()),
	})
}
