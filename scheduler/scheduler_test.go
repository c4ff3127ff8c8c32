package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/geoplace/geoplace/broadcast"
	"github.com/geoplace/geoplace/cache"
	"github.com/geoplace/geoplace/canvas"
	"github.com/geoplace/geoplace/pipeline"
	"github.com/geoplace/geoplace/types"
	"github.com/geoplace/geoplace/world"
)

// countingAdapter wraps a stage adapter and counts invocations per stage.
// An optional gate blocks GenerateMesh until released, to hold builds
// in flight deterministically.
type countingAdapter struct {
	inner pipeline.StageAdapter

	attrCalls   atomic.Int32
	imageCalls  atomic.Int32
	meshCalls   atomic.Int32
	refineCalls atomic.Int32

	activeMesh atomic.Int32
	peakMesh   atomic.Int32

	meshGate chan struct{}
}

func (c *countingAdapter) Name() string { return c.inner.Name() }

func (c *countingAdapter) ExtractAttributes(ctx context.Context, tileImage []byte) (*pipeline.Attributes, error) {
	c.attrCalls.Add(1)
	return c.inner.ExtractAttributes(ctx, tileImage)
}

func (c *countingAdapter) SynthesizeImage(ctx context.Context, attrs *pipeline.Attributes) ([]byte, error) {
	c.imageCalls.Add(1)
	return c.inner.SynthesizeImage(ctx, attrs)
}

func (c *countingAdapter) GenerateMesh(ctx context.Context, image []byte) (*pipeline.MeshAsset, error) {
	c.meshCalls.Add(1)
	n := c.activeMesh.Add(1)
	defer c.activeMesh.Add(-1)
	for {
		old := c.peakMesh.Load()
		if n <= old || c.peakMesh.CompareAndSwap(old, n) {
			break
		}
	}
	if c.meshGate != nil {
		select {
		case <-c.meshGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return c.inner.GenerateMesh(ctx, image)
}

func (c *countingAdapter) RefineMesh(ctx context.Context, mesh *pipeline.MeshAsset) (*pipeline.MeshAsset, error) {
	c.refineCalls.Add(1)
	return c.inner.RefineMesh(ctx, mesh)
}

type testEnv struct {
	sched    *Scheduler
	store    *canvas.Store
	index    cache.Index
	registry *world.Registry
	bc       *broadcast.Broadcaster
	adapter  *countingAdapter
}

func newTestEnv(t *testing.T, mutate func(*Config), dummyCfg *pipeline.DummyConfig) *testEnv {
	t.Helper()

	cfg := Config{
		Workers:         4,
		QueueSize:       64,
		PerTileCooldown: time.Millisecond,
		StageTimeout:    5 * time.Second,
		EnableRefine:    true,
		TilePx:          8,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	dc := pipeline.DummyConfig{AssetsDir: t.TempDir()}
	if dummyCfg != nil {
		dc = *dummyCfg
		if dc.AssetsDir == "" {
			dc.AssetsDir = t.TempDir()
		}
	}

	store := canvas.NewStore(canvas.Config{TilePx: cfg.TilePx, TilesWide: 100, TilesHigh: 100}, zap.NewNop())
	index := cache.NewMemoryIndex(time.Minute, zap.NewNop())
	registry, err := world.NewRegistry(world.Config{Driver: "sqlite", DSN: ":memory:"}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { registry.Close() })

	bc := broadcast.New(broadcast.DefaultConfig(), zap.NewNop())
	adapter := &countingAdapter{inner: pipeline.NewDummyAdapter(dc, zap.NewNop())}

	s := New(cfg, store, index, adapter, registry, bc, nil, zap.NewNop())
	t.Cleanup(s.Close)
	t.Cleanup(bc.Close)

	return &testEnv{sched: s, store: store, index: index, registry: registry, bc: bc, adapter: adapter}
}

func (e *testEnv) paint(t *testing.T, c canvas.Coord, fill byte) {
	t.Helper()
	px := e.sched.cfg.TilePx
	buf := make([]byte, px*px*4)
	for i := range buf {
		buf[i] = fill
	}
	require.NoError(t, e.store.ApplyDiff(c, buf))
}

func waitStatus(t *testing.T, s *Scheduler, jobID string, want types.JobStatus) JobSnapshot {
	t.Helper()
	var snap JobSnapshot
	require.Eventually(t, func() bool {
		var err error
		snap, err = s.Status(jobID)
		return err == nil && snap.Status == want
	}, 5*time.Second, 2*time.Millisecond, "job %s never reached %s (last: %+v)", jobID, want, snap)
	return snap
}

func waitTerminalOrLight(t *testing.T, s *Scheduler, jobID string) JobSnapshot {
	t.Helper()
	var snap JobSnapshot
	require.Eventually(t, func() bool {
		var err error
		snap, err = s.Status(jobID)
		return err == nil && (snap.Status.Terminal() || snap.Status == types.StatusLightReady)
	}, 5*time.Second, 2*time.Millisecond)
	return snap
}

func TestScheduler_FullLifecycle(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	coord := canvas.Coord{X: 3, Y: 4}
	e.paint(t, coord, 0xAB)

	jobID, err := e.sched.Submit(context.Background(), []canvas.Coord{coord})
	require.NoError(t, err)

	snap := waitStatus(t, e.sched, jobID, types.StatusRefinedReady)
	assert.Contains(t, snap.GLBURL, "_light.glb")
	assert.Contains(t, snap.RefinedURL, "_refined.glb")
	assert.False(t, snap.CacheHit)

	obj, err := e.registry.GetByTile(context.Background(), 3, 4)
	require.NoError(t, err)
	assert.Equal(t, types.QualityRefined, obj.Quality)
	assert.Equal(t, snap.RefinedURL, obj.GLBURL)
}

func TestScheduler_CacheHitSkipsWorkers(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	coord := canvas.Coord{X: 1, Y: 1}
	e.paint(t, coord, 0x11)

	first, err := e.sched.Submit(context.Background(), []canvas.Coord{coord})
	require.NoError(t, err)
	firstSnap := waitStatus(t, e.sched, first, types.StatusRefinedReady)

	meshCalls := e.adapter.meshCalls.Load()
	refineCalls := e.adapter.refineCalls.Load()

	time.Sleep(2 * time.Millisecond) // let the cooldown lapse

	second, err := e.sched.Submit(context.Background(), []canvas.Coord{coord})
	require.NoError(t, err)
	secondSnap := waitStatus(t, e.sched, second, types.StatusRefinedReady)

	assert.True(t, secondSnap.CacheHit)
	assert.Equal(t, firstSnap.GLBURL, secondSnap.GLBURL)
	assert.Equal(t, firstSnap.RefinedURL, secondSnap.RefinedURL)
	assert.Equal(t, meshCalls, e.adapter.meshCalls.Load(), "cache hit must not rebuild")
	assert.Equal(t, refineCalls, e.adapter.refineCalls.Load())
}

func TestScheduler_SingleFlightForIdenticalContent(t *testing.T) {
	gate := make(chan struct{})
	e := newTestEnv(t, nil, nil)
	e.adapter.meshGate = gate

	// Untouched tiles all read as transparent buffers, so these three
	// submissions carry identical content and share one build.
	tiles := []canvas.Coord{{X: 10, Y: 0}, {X: 11, Y: 0}, {X: 12, Y: 0}}
	var jobIDs []string
	for _, c := range tiles {
		id, err := e.sched.Submit(context.Background(), []canvas.Coord{c})
		require.NoError(t, err)
		jobIDs = append(jobIDs, id)
	}

	// Wait until the primary build is actually inside GenerateMesh, then
	// release it.
	require.Eventually(t, func() bool { return e.adapter.activeMesh.Load() == 1 }, 5*time.Second, time.Millisecond)
	close(gate)

	var urls []string
	for _, id := range jobIDs {
		snap := waitStatus(t, e.sched, id, types.StatusRefinedReady)
		urls = append(urls, snap.GLBURL)
	}

	assert.Equal(t, int32(1), e.adapter.meshCalls.Load(), "identical content must build once")
	assert.Equal(t, int32(1), e.adapter.refineCalls.Load())
	assert.Equal(t, urls[0], urls[1])
	assert.Equal(t, urls[0], urls[2])

	// Each job still placed an object at its own tile.
	objs, err := e.registry.List(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, objs, 3)
}

func TestScheduler_CooldownActive(t *testing.T) {
	e := newTestEnv(t, func(c *Config) { c.PerTileCooldown = 100 * time.Millisecond }, nil)
	coord := canvas.Coord{X: 5, Y: 5}
	e.paint(t, coord, 0x01)

	_, err := e.sched.Submit(context.Background(), []canvas.Coord{coord})
	require.NoError(t, err)

	_, err = e.sched.Submit(context.Background(), []canvas.Coord{coord})
	require.Error(t, err)
	assert.Equal(t, types.ErrCooldownActive, types.GetErrorCode(err))

	time.Sleep(120 * time.Millisecond)

	_, err = e.sched.Submit(context.Background(), []canvas.Coord{coord})
	assert.NoError(t, err, "cooldown must expire")
}

func TestScheduler_ConcurrencyBounded(t *testing.T) {
	const workers = 2
	gate := make(chan struct{})
	e := newTestEnv(t, func(c *Config) { c.Workers = workers }, nil)
	e.adapter.meshGate = gate

	// Six jobs with six distinct contents.
	for i := 0; i < 6; i++ {
		coord := canvas.Coord{X: i, Y: 20}
		e.paint(t, coord, byte(i+1))
		_, err := e.sched.Submit(context.Background(), []canvas.Coord{coord})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return e.adapter.activeMesh.Load() == workers }, 5*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(gate)

	require.Eventually(t, func() bool {
		for _, j := range e.sched.Jobs() {
			if !j.Status.Terminal() {
				return false
			}
		}
		return true
	}, 5*time.Second, 2*time.Millisecond)

	assert.LessOrEqual(t, e.adapter.peakMesh.Load(), int32(workers),
		"in-flight builds must never exceed the worker count")
}

func TestScheduler_EventsOrderedPerJob(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	sub := e.bc.Subscribe()
	defer e.bc.Unsubscribe(sub.ID)

	coord := canvas.Coord{X: 2, Y: 9}
	e.paint(t, coord, 0x42)

	jobID, err := e.sched.Submit(context.Background(), []canvas.Coord{coord})
	require.NoError(t, err)
	waitStatus(t, e.sched, jobID, types.StatusRefinedReady)

	var statuses []types.JobStatus
collect:
	for {
		select {
		case ev := <-sub.Events:
			if ev.JobID != jobID || ev.Status == "" {
				continue
			}
			statuses = append(statuses, ev.Status)
			if ev.Status.Terminal() {
				break collect
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("event stream stalled; got %v", statuses)
		}
	}

	require.NotEmpty(t, statuses)
	assert.Equal(t, types.StatusQueued, statuses[0])
	assert.Equal(t, types.StatusRefinedReady, statuses[len(statuses)-1])
	for i := 1; i < len(statuses); i++ {
		assert.True(t, statuses[i-1].CanTransitionTo(statuses[i]),
			"out-of-order events: %s then %s", statuses[i-1], statuses[i])
	}
}

func TestScheduler_RefineFailureKeepsLightObject(t *testing.T) {
	e := newTestEnv(t, nil, &pipeline.DummyConfig{FailStages: []string{pipeline.StageRefine}})
	coord := canvas.Coord{X: 7, Y: 7}
	e.paint(t, coord, 0x77)

	jobID, err := e.sched.Submit(context.Background(), []canvas.Coord{coord})
	require.NoError(t, err)

	snap := waitStatus(t, e.sched, jobID, types.StatusFailed)
	assert.Contains(t, snap.GLBURL, "_light.glb", "light result must survive the refine failure")
	assert.NotEmpty(t, snap.Error)

	obj, err := e.registry.GetByTile(context.Background(), 7, 7)
	require.NoError(t, err)
	assert.Equal(t, types.QualityLight, obj.Quality)
	assert.Equal(t, snap.GLBURL, obj.GLBURL)
}

func TestScheduler_RefineDisabledEndsAtLightReady(t *testing.T) {
	e := newTestEnv(t, func(c *Config) { c.EnableRefine = false }, nil)
	coord := canvas.Coord{X: 8, Y: 8}
	e.paint(t, coord, 0x88)

	jobID, err := e.sched.Submit(context.Background(), []canvas.Coord{coord})
	require.NoError(t, err)

	snap := waitStatus(t, e.sched, jobID, types.StatusLightReady)
	assert.Empty(t, snap.RefinedURL)
	assert.Equal(t, int32(0), e.adapter.refineCalls.Load())
}

func TestScheduler_CancelQueuedJob(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	e := newTestEnv(t, func(c *Config) { c.Workers = 1 }, nil)
	e.adapter.meshGate = gate

	blocker := canvas.Coord{X: 30, Y: 30}
	e.paint(t, blocker, 0x30)
	_, err := e.sched.Submit(context.Background(), []canvas.Coord{blocker})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return e.adapter.activeMesh.Load() == 1 }, 5*time.Second, time.Millisecond)

	queued := canvas.Coord{X: 31, Y: 31}
	e.paint(t, queued, 0x31)
	jobID, err := e.sched.Submit(context.Background(), []canvas.Coord{queued})
	require.NoError(t, err)

	require.NoError(t, e.sched.Cancel(jobID))

	snap, err := e.sched.Status(jobID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, snap.Status)
	assert.Contains(t, snap.Error, "cancelled")

	// Cancelling a finished job is rejected.
	err = e.sched.Cancel(jobID)
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))
}

func TestScheduler_StatusUnknownJob(t *testing.T) {
	e := newTestEnv(t, nil, nil)

	_, err := e.sched.Status("nope")
	require.Error(t, err)
	assert.Equal(t, types.ErrJobNotFound, types.GetErrorCode(err))

	err = e.sched.Cancel("nope")
	require.Error(t, err)
	assert.Equal(t, types.ErrJobNotFound, types.GetErrorCode(err))
}

func TestScheduler_EmptySubmitTargetsModifiedTiles(t *testing.T) {
	e := newTestEnv(t, nil, nil)

	_, err := e.sched.Submit(context.Background(), nil)
	require.Error(t, err, "nothing painted yet")
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))

	e.paint(t, canvas.Coord{X: 0, Y: 0}, 0x01)
	e.paint(t, canvas.Coord{X: 1, Y: 0}, 0x02)

	jobID, err := e.sched.Submit(context.Background(), nil)
	require.NoError(t, err)

	snap := waitStatus(t, e.sched, jobID, types.StatusRefinedReady)
	assert.Len(t, snap.Tiles, 2)
}

func TestScheduler_StageTimeoutFailsJob(t *testing.T) {
	e := newTestEnv(t,
		func(c *Config) { c.StageTimeout = 20 * time.Millisecond },
		&pipeline.DummyConfig{Latency: 500 * time.Millisecond})
	coord := canvas.Coord{X: 9, Y: 9}
	e.paint(t, coord, 0x99)

	jobID, err := e.sched.Submit(context.Background(), []canvas.Coord{coord})
	require.NoError(t, err)

	snap := waitStatus(t, e.sched, jobID, types.StatusFailed)
	assert.Contains(t, snap.Error, "deadline")
}

func TestScheduler_QualityNeverRegresses(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	coord := canvas.Coord{X: 12, Y: 12}
	e.paint(t, coord, 0xCC)

	jobID, err := e.sched.Submit(context.Background(), []canvas.Coord{coord})
	require.NoError(t, err)
	waitStatus(t, e.sched, jobID, types.StatusRefinedReady)

	time.Sleep(2 * time.Millisecond)

	// The cache-hit resubmission replays light then refined; the object
	// must end refined either way.
	second, err := e.sched.Submit(context.Background(), []canvas.Coord{coord})
	require.NoError(t, err)
	waitStatus(t, e.sched, second, types.StatusRefinedReady)

	obj, err := e.registry.GetByTile(context.Background(), 12, 12)
	require.NoError(t, err)
	assert.Equal(t, types.QualityRefined, obj.Quality)
}
