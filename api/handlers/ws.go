package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/geoplace/geoplace/types"
)

// writeTimeout bounds a single websocket frame write; a peer that cannot
// accept a frame within it is dropped.
const writeTimeout = 5 * time.Second

// Websocket upgrades the connection, sends a hello snapshot of current
// world state and then streams live events. Events published before the
// client connected are not replayed beyond the snapshot.
func (h *Handler) Websocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "server shutting down")

	if h.metrics != nil {
		h.metrics.WSConnections.Inc()
		defer h.metrics.WSConnections.Dec()
	}

	// The feed is write-only; CloseRead discards client frames and cancels
	// the context when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	// Subscribe before the snapshot so nothing falls between snapshot and
	// live feed; an update may appear in both, which clients tolerate.
	sub := h.broadcaster.Subscribe()
	defer h.broadcaster.Unsubscribe(sub.ID)

	if err := h.sendHello(ctx, conn); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-sub.Events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(writeCtx, conn, ev)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (h *Handler) sendHello(ctx context.Context, conn *websocket.Conn) error {
	objs, err := h.registry.List(ctx, nil)
	if err != nil {
		h.logger.Warn("hello snapshot failed", zap.Error(err))
		objs = nil
	}

	tiles := h.store.ModifiedTiles()
	hello := types.Event{
		Type: types.EventHello,
		Entry: map[string]any{
			"objects": objs,
			"tiles":   tiles,
		},
		Timestamp: time.Now().UTC(),
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, hello)
}
