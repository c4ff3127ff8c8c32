package handlers

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/geoplace/geoplace/api"
	"github.com/geoplace/geoplace/canvas"
	"github.com/geoplace/geoplace/types"
)

// Paint writes one tile's pixel buffer and broadcasts the update.
func (h *Handler) Paint(w http.ResponseWriter, r *http.Request) {
	var req api.PaintRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	coord := canvas.Coord{X: req.TileX, Y: req.TileY}
	if err := h.store.ApplyDiff(coord, req.Pixels); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	if h.metrics != nil {
		h.metrics.PaintOps.Inc()
	}
	h.broadcaster.Publish(types.Event{
		Type:  types.EventTileUpdated,
		TileX: &req.TileX,
		TileY: &req.TileY,
	})
	h.logger.Debug("tile painted",
		zap.String("tile", coord.Key()),
		zap.String("user_id", req.UserID),
	)

	WriteSuccess(w, map[string]string{"tile": coord.Key()})
}

// Tiles lists every modified tile with its last write time.
func (h *Handler) Tiles(w http.ResponseWriter, r *http.Request) {
	coords := h.store.ModifiedTiles()
	out := make([]api.TileInfo, 0, len(coords))
	for _, c := range coords {
		out = append(out, api.TileInfo{
			TileX:        c.X,
			TileY:        c.Y,
			LastModified: h.store.LastModified(c).UTC().Format(time.RFC3339),
		})
	}
	WriteSuccess(w, out)
}

// TilePNG renders the current tile content as a PNG image.
func (h *Handler) TilePNG(w http.ResponseWriter, r *http.Request) {
	x, errX := strconv.Atoi(r.PathValue("x"))
	y, errY := strconv.Atoi(r.PathValue("y"))
	if errX != nil || errY != nil {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "tile coordinates must be integers").
			WithHTTPStatus(http.StatusBadRequest), h.logger)
		return
	}

	data, err := h.store.EncodePNG(canvas.Coord{X: x, Y: y})
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(data)
}
