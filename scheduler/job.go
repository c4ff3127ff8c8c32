package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/geoplace/geoplace/canvas"
	"github.com/geoplace/geoplace/types"
)

// JobSnapshot is the externally visible state of a job, returned by Status
// and embedded in API responses.
type JobSnapshot struct {
	ID         string          `json:"job_id"`
	Tiles      []canvas.Coord  `json:"tiles"`
	Status     types.JobStatus `json:"status"`
	Stage      string          `json:"stage,omitempty"`
	GLBURL     string          `json:"glb_url,omitempty"`
	RefinedURL string          `json:"refined_glb_url,omitempty"`
	ObjectID   string          `json:"object_id,omitempty"`
	Error      string          `json:"error,omitempty"`
	CacheHit   bool            `json:"cache_hit"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// job is the scheduler-internal record. All field access goes through the
// mutex; the snapshot is copied out for readers.
type job struct {
	mu     sync.Mutex
	snap   JobSnapshot
	ctx    context.Context
	cancel context.CancelFunc

	lightFp  string
	refineFp string
	anchor   canvas.Coord
	pixels   []byte
}

func newJob(parent context.Context, id string, tiles []canvas.Coord, anchor canvas.Coord) *job {
	ctx, cancel := context.WithCancel(parent)
	now := time.Now().UTC()
	return &job{
		snap: JobSnapshot{
			ID:        id,
			Tiles:     tiles,
			Status:    types.StatusQueued,
			CreatedAt: now,
			UpdatedAt: now,
		},
		ctx:    ctx,
		cancel: cancel,
		anchor: anchor,
	}
}

func (j *job) snapshot() JobSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	snap := j.snap
	snap.Tiles = append([]canvas.Coord(nil), j.snap.Tiles...)
	return snap
}

func (j *job) status() types.JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snap.Status
}
