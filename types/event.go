package types

import "time"

// Progress event types pushed over the websocket feed. The wire shapes match
// what the rendering client consumes:
//
//	{"type":"job_progress","job_id":"...","stage":"light","entry":{...}}
//	{"type":"job_done","job_id":"...","stage":"refine"}
const (
	EventJobProgress = "job_progress"
	EventJobDone     = "job_done"
	EventJobFailed   = "job_error"
	EventTileUpdated = "tile_updated"
	EventHello       = "hello"
)

// Event is a single progress notification. Events for one job are delivered
// to each observer in publish order; delivery is best-effort and there is no
// replay for late subscribers.
type Event struct {
	Type      string         `json:"type"`
	JobID     string         `json:"job_id,omitempty"`
	Stage     string         `json:"stage,omitempty"`
	Status    JobStatus      `json:"status,omitempty"`
	Entry     map[string]any `json:"entry,omitempty"`
	Error     string         `json:"error,omitempty"`
	TileX     *int           `json:"tile_x,omitempty"`
	TileY     *int           `json:"tile_y,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
