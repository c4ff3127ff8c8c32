// Package scheduler turns tile edits into asset-generation jobs and drives
// them through the staged pipeline on a bounded worker pool. It owns the job
// registry, the per-tile cooldown table and the single-flight dedup of
// concurrent builds for identical content.
package scheduler

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/geoplace/geoplace/broadcast"
	"github.com/geoplace/geoplace/cache"
	"github.com/geoplace/geoplace/canvas"
	"github.com/geoplace/geoplace/internal/metrics"
	"github.com/geoplace/geoplace/internal/pool"
	"github.com/geoplace/geoplace/pipeline"
	"github.com/geoplace/geoplace/types"
	"github.com/geoplace/geoplace/world"
)

// Config configures the scheduler.
type Config struct {
	Workers         int           `json:"workers"`
	QueueSize       int           `json:"queue_size"`
	PerTileCooldown time.Duration `json:"per_tile_cooldown"`
	StageTimeout    time.Duration `json:"stage_timeout"`
	EnableRefine    bool          `json:"enable_refine"`
	TilePx          int           `json:"tile_px"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:         4,
		QueueSize:       256,
		PerTileCooldown: 5 * time.Second,
		StageTimeout:    10 * time.Minute,
		EnableRefine:    true,
		TilePx:          32,
	}
}

// buildParams feed the content fingerprint alongside the pixel data, so a
// different adapter or tile geometry never aliases a cached artifact.
type buildParams struct {
	Adapter string `json:"adapter"`
	TilePx  int    `json:"tile_px"`
}

// Scheduler coordinates jobs, workers, cache and the world registry.
type Scheduler struct {
	cfg         Config
	store       *canvas.Store
	cache       cache.Index
	adapter     pipeline.StageAdapter
	registry    *world.Registry
	broadcaster *broadcast.Broadcaster
	pool        *pool.WorkerPool
	metrics     *metrics.Collector
	logger      *zap.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu        sync.Mutex
	jobs      map[string]*job
	observers map[string][]*job
	cooldowns map[canvas.Coord]time.Time
	now       func() time.Time
}

// New creates a scheduler and starts its worker pool.
func New(
	cfg Config,
	store *canvas.Store,
	index cache.Index,
	adapter pipeline.StageAdapter,
	registry *world.Registry,
	broadcaster *broadcast.Broadcaster,
	collector *metrics.Collector,
	logger *zap.Logger,
) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "scheduler"))

	baseCtx, baseCancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:         cfg,
		store:       store,
		cache:       index,
		adapter:     adapter,
		registry:    registry,
		broadcaster: broadcaster,
		metrics:     collector,
		logger:      logger,
		baseCtx:     baseCtx,
		baseCancel:  baseCancel,
		jobs:        make(map[string]*job),
		observers:   make(map[string][]*job),
		cooldowns:   make(map[canvas.Coord]time.Time),
		now:         time.Now,
	}
	s.pool = pool.New(baseCtx, pool.Config{
		Workers:   cfg.Workers,
		QueueSize: cfg.QueueSize,
		PanicHandler: func(r any) {
			logger.Error("worker panic", zap.Any("panic", r))
		},
	})
	return s
}

// Close stops the workers and cancels in-flight jobs.
func (s *Scheduler) Close() {
	s.baseCancel()
	s.pool.Close()
}

// PoolStats exposes worker pool statistics for the admin surface.
func (s *Scheduler) PoolStats() pool.Stats { return s.pool.Stats() }

// Submit accepts a generation request for the given tiles. An empty tile
// list targets every tile painted since startup. Submit never blocks on
// build work: it either resolves the job from cache, attaches it to an
// in-flight build of the same content, or enqueues it.
func (s *Scheduler) Submit(ctx context.Context, tiles []canvas.Coord) (string, error) {
	tiles, anchor, err := s.resolveTiles(tiles)
	if err != nil {
		return "", err
	}
	if err := s.checkCooldown(tiles); err != nil {
		return "", err
	}

	pixels := s.combinedPixels(tiles)
	params := buildParams{Adapter: s.adapter.Name(), TilePx: s.cfg.TilePx}
	lightFp, err := canvas.Fingerprint(pixels, pipeline.StageLight, params)
	if err != nil {
		return "", types.NewError(types.ErrInternalError, "fingerprint failed").WithCause(err)
	}
	refineFp, err := canvas.Fingerprint(pixels, pipeline.StageRefine, params)
	if err != nil {
		return "", types.NewError(types.ErrInternalError, "fingerprint failed").WithCause(err)
	}

	j := newJob(s.baseCtx, uuid.NewString(), tiles, anchor)
	j.lightFp = lightFp
	j.refineFp = refineFp
	j.pixels = pixels

	// Cache hit: the job completes without touching the pool.
	if entry, ok, err := s.cache.Lookup(ctx, lightFp); err == nil && ok {
		s.recordCacheLookup("hit")
		s.registerJob(j, tiles)
		s.publishQueued(j)
		s.completeLightFromEntry(j, entry, true)
		return j.snap.ID, nil
	} else if err != nil {
		return "", err
	}
	s.recordCacheLookup("miss")

	granted, err := s.cache.AcquireLease(ctx, lightFp)
	if err != nil {
		return "", err
	}

	if !granted {
		// Another build for the same content is in flight; ride along.
		s.registerJob(j, tiles)
		s.publishQueued(j)
		if s.metrics != nil {
			s.metrics.LeaseContention.Inc()
		}
		s.attachLight(j)
		return j.snap.ID, nil
	}

	s.registerJob(j, tiles)
	s.publishQueued(j)

	task := func(context.Context) error { return s.runLight(j, pixels) }
	if err := s.pool.Submit(task); err != nil {
		_ = s.cache.ReleaseLease(ctx, lightFp)
		serr := types.NewError(types.ErrInternalError, "build queue saturated").
			WithCause(err).WithHTTPStatus(http.StatusServiceUnavailable).WithRetryable(true)
		s.failJob(j, serr)
		return "", serr
	}
	s.recordQueueDepth()
	return j.snap.ID, nil
}

// Status returns the current snapshot of a job.
func (s *Scheduler) Status(jobID string) (JobSnapshot, error) {
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return JobSnapshot{}, types.NewError(types.ErrJobNotFound, "job not found").
			WithHTTPStatus(http.StatusNotFound)
	}
	return j.snapshot(), nil
}

// Jobs returns snapshots of every known job, newest first.
func (s *Scheduler) Jobs() []JobSnapshot {
	s.mu.Lock()
	out := make([]JobSnapshot, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.snapshot())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	return out
}

// Cancel interrupts a job. Queued jobs fail immediately; running jobs have
// their stage context cancelled and fail when the adapter call returns.
func (s *Scheduler) Cancel(jobID string) error {
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return types.NewError(types.ErrJobNotFound, "job not found").
			WithHTTPStatus(http.StatusNotFound)
	}
	if j.status().Terminal() {
		return types.NewError(types.ErrInvalidRequest, "job already finished").
			WithHTTPStatus(http.StatusConflict)
	}

	j.cancel()
	// Queued or observing jobs have no goroutine to notice the cancel.
	s.failJob(j, types.NewError(types.ErrCancelled, "cancelled by request"))
	return nil
}

// ---- submission helpers ----

func (s *Scheduler) resolveTiles(tiles []canvas.Coord) ([]canvas.Coord, canvas.Coord, error) {
	if len(tiles) == 0 {
		tiles = s.store.ModifiedTiles()
	}
	if len(tiles) == 0 {
		return nil, canvas.Coord{}, types.NewError(types.ErrInvalidRequest, "no tiles to generate").
			WithHTTPStatus(http.StatusBadRequest)
	}

	seen := make(map[canvas.Coord]struct{}, len(tiles))
	out := tiles[:0]
	for _, c := range tiles {
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].Y != out[k].Y {
			return out[i].Y < out[k].Y
		}
		return out[i].X < out[k].X
	})

	anchor := out[0]
	for _, c := range out {
		if c.X < anchor.X {
			anchor.X = c.X
		}
		if c.Y < anchor.Y {
			anchor.Y = c.Y
		}
	}
	return out, anchor, nil
}

func (s *Scheduler) checkCooldown(tiles []canvas.Coord) error {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range tiles {
		if last, ok := s.cooldowns[c]; ok && now.Sub(last) < s.cfg.PerTileCooldown {
			return types.NewError(types.ErrCooldownActive, "tile "+c.Key()+" is cooling down").
				WithHTTPStatus(http.StatusTooManyRequests).WithRetryable(true)
		}
	}
	// The window restarts on every accepted submission.
	for _, c := range tiles {
		s.cooldowns[c] = now
	}
	return nil
}

func (s *Scheduler) combinedPixels(tiles []canvas.Coord) []byte {
	out := make([]byte, 0, len(tiles)*s.cfg.TilePx*s.cfg.TilePx*4)
	for _, c := range tiles {
		out = append(out, s.store.ReadTile(c)...)
	}
	return out
}

func (s *Scheduler) registerJob(j *job, tiles []canvas.Coord) {
	s.mu.Lock()
	s.jobs[j.snap.ID] = j
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.JobsSubmitted.Inc()
	}
	s.logger.Info("job submitted",
		zap.String("job_id", j.snap.ID),
		zap.Int("tiles", len(tiles)),
		zap.String("fingerprint", j.lightFp),
	)
}

// ---- state machine ----

// transition moves a job forward and publishes the matching event. Illegal
// transitions (the job already failed or finished) are silently skipped,
// which makes mirroring to observers race-free.
func (s *Scheduler) transition(j *job, next types.JobStatus, stage string, mutate func(*JobSnapshot)) bool {
	j.mu.Lock()
	if !j.snap.Status.CanTransitionTo(next) {
		j.mu.Unlock()
		return false
	}
	j.snap.Status = next
	j.snap.Stage = stage
	if mutate != nil {
		mutate(&j.snap)
	}
	j.snap.UpdatedAt = time.Now().UTC()
	snap := j.snap
	j.mu.Unlock()

	s.publishTransition(snap)
	return true
}

func (s *Scheduler) publishQueued(j *job) {
	snap := j.snapshot()
	s.broadcaster.Publish(types.Event{
		Type:   types.EventJobProgress,
		JobID:  snap.ID,
		Status: types.StatusQueued,
	})
}

func (s *Scheduler) publishTransition(snap JobSnapshot) {
	ev := types.Event{
		Type:   types.EventJobProgress,
		JobID:  snap.ID,
		Stage:  snap.Stage,
		Status: snap.Status,
		TileX:  &snap.Tiles[0].X,
		TileY:  &snap.Tiles[0].Y,
	}
	switch snap.Status {
	case types.StatusFailed:
		ev.Type = types.EventJobFailed
		ev.Error = snap.Error
	case types.StatusRefinedReady:
		ev.Type = types.EventJobDone
		ev.Entry = map[string]any{"glb_url": snap.RefinedURL, "quality": types.QualityRefined}
	case types.StatusLightReady:
		ev.Entry = map[string]any{"glb_url": snap.GLBURL, "quality": types.QualityLight}
	}
	s.broadcaster.Publish(ev)

	if snap.Status.Terminal() && s.metrics != nil {
		s.metrics.JobsByOutcome.WithLabelValues(string(snap.Status)).Inc()
	}
}

func (s *Scheduler) failJob(j *job, cause error) {
	var id string
	if s.transition(j, types.StatusFailed, "", func(snap *JobSnapshot) {
		snap.Error = cause.Error()
		id = snap.ID
	}) {
		s.logger.Warn("job failed",
			zap.String("job_id", id),
			zap.Error(cause),
		)
	}
}

// ---- observers ----

func lightKey(fp string) string  { return "light:" + fp }
func refineKey(fp string) string { return "refine:" + fp }

func (s *Scheduler) attach(key string, j *job) {
	s.mu.Lock()
	s.observers[key] = append(s.observers[key], j)
	s.mu.Unlock()
}

func (s *Scheduler) takeObservers(key string) []*job {
	s.mu.Lock()
	obs := s.observers[key]
	delete(s.observers, key)
	s.mu.Unlock()
	return obs
}

func (s *Scheduler) detach(key string, j *job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obs := s.observers[key]
	for i, o := range obs {
		if o == j {
			s.observers[key] = append(obs[:i], obs[i+1:]...)
			return
		}
	}
}

// attachLight registers j as an observer of the in-flight build for its
// fingerprint. A second lookup closes the window in which the build finished
// between our miss and the attach.
func (s *Scheduler) attachLight(j *job) {
	s.attach(lightKey(j.lightFp), j)
	if entry, ok, err := s.cache.Lookup(j.ctx, j.lightFp); err == nil && ok {
		s.detach(lightKey(j.lightFp), j)
		s.completeLightFromEntry(j, entry, true)
	}
}

// ---- light build ----

func (s *Scheduler) runLight(j *job, pixels []byte) error {
	s.recordQueueDepth()
	if j.status().Terminal() {
		// Cancelled while queued.
		_ = s.cache.ReleaseLease(context.Background(), j.lightFp)
		s.redispatchLightObservers(j.lightFp)
		return nil
	}

	entry, err := s.buildLight(j, pixels)
	if err != nil {
		s.failJob(j, err)
		_ = s.cache.ReleaseLease(context.Background(), j.lightFp)
		for _, obs := range s.takeObservers(lightKey(j.lightFp)) {
			s.failJob(obs, err)
		}
		return err
	}

	_ = s.cache.ReleaseLease(context.Background(), j.lightFp)

	s.completeLightFromEntry(j, entry, false)
	for _, obs := range s.takeObservers(lightKey(j.lightFp)) {
		s.completeLightFromEntry(obs, entry, true)
	}
	return nil
}

// redispatchLightObservers promotes observers of a build that died before
// producing anything; the first live one becomes the new primary.
func (s *Scheduler) redispatchLightObservers(fp string) {
	for _, obs := range s.takeObservers(lightKey(fp)) {
		if obs.status().Terminal() {
			continue
		}
		if granted, err := s.cache.AcquireLease(obs.ctx, fp); err == nil && granted {
			o := obs
			if err := s.pool.Submit(func(context.Context) error { return s.runLight(o, o.pixels) }); err != nil {
				_ = s.cache.ReleaseLease(context.Background(), fp)
				s.failJob(o, types.NewError(types.ErrInternalError, "build queue saturated").WithCause(err))
			}
			continue
		}
		s.attachLight(obs)
	}
}

func (s *Scheduler) buildLight(j *job, pixels []byte) (*cache.Entry, error) {
	var attrs *pipeline.Attributes
	if err := s.runStage(j, types.StatusExtracting, pipeline.StageAttributes, func(ctx context.Context) error {
		var err error
		attrs, err = s.adapter.ExtractAttributes(ctx, pixels)
		return err
	}); err != nil {
		return nil, err
	}

	var img []byte
	if err := s.runStage(j, types.StatusSynthesizing, pipeline.StageImage, func(ctx context.Context) error {
		var err error
		img, err = s.adapter.SynthesizeImage(ctx, attrs)
		return err
	}); err != nil {
		return nil, err
	}

	var mesh *pipeline.MeshAsset
	if err := s.runStage(j, types.StatusMeshing, pipeline.StageLight, func(ctx context.Context) error {
		var err error
		mesh, err = s.adapter.GenerateMesh(ctx, img)
		return err
	}); err != nil {
		return nil, err
	}

	entry := &cache.Entry{
		Fingerprint: j.lightFp,
		ArtifactURL: mesh.URL,
		Stage:       pipeline.StageLight,
		Quality:     types.QualityLight,
		Prompt:      pipeline.Prompt(attrs),
		Meta:        map[string]string{"path": mesh.Path, "format": mesh.Format},
	}
	if err := s.cache.Commit(j.ctx, j.lightFp, entry); err != nil {
		// A concurrent commit for the same fingerprint means the artifact
		// already exists; use the committed one.
		if types.GetErrorCode(err) != types.ErrAlreadyCommitted {
			return nil, err
		}
		if existing, ok, lerr := s.cache.Lookup(j.ctx, j.lightFp); lerr == nil && ok {
			return existing, nil
		}
		return nil, err
	}
	return entry, nil
}

// runStage transitions the job and executes one adapter call under the
// per-stage deadline. Cancellation and deadline expiry are mapped to their
// error codes here so every stage reports them uniformly.
func (s *Scheduler) runStage(j *job, status types.JobStatus, stage string, fn func(ctx context.Context) error) error {
	if !s.transition(j, status, stage, nil) {
		return types.NewError(types.ErrCancelled, "job no longer runnable")
	}

	ctx, cancel := context.WithTimeout(j.ctx, s.cfg.StageTimeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	if s.metrics != nil {
		s.metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	}
	if err == nil {
		return nil
	}

	switch {
	case j.ctx.Err() != nil:
		return types.NewError(types.ErrCancelled, "cancelled during "+stage).WithCause(err)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return types.NewError(types.ErrStageTimeout, stage+" stage exceeded its deadline").WithCause(err)
	default:
		return err
	}
}

// completeLightFromEntry applies a committed light entry to a job: world
// placement, light_ready transition and the refine follow-up. Used for the
// builder itself, for cache hits and for observers alike.
func (s *Scheduler) completeLightFromEntry(j *job, entry *cache.Entry, cacheHit bool) {
	objID := s.placeObject(j, entry, types.QualityLight, "")

	if !s.transition(j, types.StatusLightReady, pipeline.StageLight, func(snap *JobSnapshot) {
		snap.GLBURL = entry.ArtifactURL
		snap.ObjectID = objID
		snap.CacheHit = cacheHit
	}) {
		return
	}

	if !s.cfg.EnableRefine {
		s.publishDone(j, pipeline.StageLight)
		return
	}

	if refEntry, ok, err := s.cache.Lookup(j.ctx, j.refineFp); err == nil && ok {
		s.completeRefineFromEntry(j, refEntry)
		return
	}

	s.startRefine(j, entry)
}

// startRefine makes the job the refine builder if the lease is free, or an
// observer of whoever holds it.
func (s *Scheduler) startRefine(j *job, lightEntry *cache.Entry) {
	granted, err := s.cache.AcquireLease(j.ctx, j.refineFp)
	if err != nil {
		s.failJob(j, err)
		return
	}
	if !granted {
		s.attach(refineKey(j.refineFp), j)
		if entry, ok, lerr := s.cache.Lookup(j.ctx, j.refineFp); lerr == nil && ok {
			s.detach(refineKey(j.refineFp), j)
			s.completeRefineFromEntry(j, entry)
		}
		return
	}

	task := func(context.Context) error { return s.runRefine(j, lightEntry) }
	if err := s.pool.SubmitLow(task); err != nil {
		_ = s.cache.ReleaseLease(context.Background(), j.refineFp)
		s.failJob(j, types.NewError(types.ErrInternalError, "refine queue saturated").WithCause(err))
		return
	}
	s.recordQueueDepth()
}

func (s *Scheduler) runRefine(j *job, lightEntry *cache.Entry) error {
	s.recordQueueDepth()
	if j.status().Terminal() {
		_ = s.cache.ReleaseLease(context.Background(), j.refineFp)
		for _, obs := range s.takeObservers(refineKey(j.refineFp)) {
			if !obs.status().Terminal() {
				s.startRefine(obs, lightEntry)
			}
		}
		return nil
	}

	var refined *pipeline.MeshAsset
	err := s.runStage(j, types.StatusRefining, pipeline.StageRefine, func(ctx context.Context) error {
		var err error
		refined, err = s.adapter.RefineMesh(ctx, &pipeline.MeshAsset{
			URL:     lightEntry.ArtifactURL,
			Path:    lightEntry.Meta["path"],
			Format:  "glb",
			Quality: types.QualityLight,
		})
		return err
	})
	if err != nil {
		// The light asset stays placed; only the upgrade is lost.
		s.failJob(j, err)
		_ = s.cache.ReleaseLease(context.Background(), j.refineFp)
		for _, obs := range s.takeObservers(refineKey(j.refineFp)) {
			s.failJob(obs, err)
		}
		return err
	}

	entry := &cache.Entry{
		Fingerprint: j.refineFp,
		ArtifactURL: refined.URL,
		Stage:       pipeline.StageRefine,
		Quality:     types.QualityRefined,
		Prompt:      lightEntry.Prompt,
		Meta:        map[string]string{"path": refined.Path, "format": refined.Format},
	}
	if err := s.cache.Commit(j.ctx, j.refineFp, entry); err != nil &&
		types.GetErrorCode(err) != types.ErrAlreadyCommitted {
		s.failJob(j, err)
		_ = s.cache.ReleaseLease(context.Background(), j.refineFp)
		return err
	}

	_ = s.cache.ReleaseLease(context.Background(), j.refineFp)

	s.completeRefineFromEntry(j, entry)
	for _, obs := range s.takeObservers(refineKey(j.refineFp)) {
		s.completeRefineFromEntry(obs, entry)
	}
	return nil
}

// completeRefineFromEntry applies a committed refine entry: quality upgrade
// in the world registry and the terminal refined_ready transition.
func (s *Scheduler) completeRefineFromEntry(j *job, entry *cache.Entry) {
	s.placeObject(j, entry, types.QualityRefined, j.snapshot().ID)

	s.transition(j, types.StatusRefinedReady, pipeline.StageRefine, func(snap *JobSnapshot) {
		snap.RefinedURL = entry.ArtifactURL
	})
}

// placeObject upserts the job's world object from a cache entry. The object
// fingerprint is always the job's light fingerprint so quality upgrades for
// the same content keep one identity.
func (s *Scheduler) placeObject(j *job, entry *cache.Entry, quality, refineJobID string) string {
	snap := j.snapshot()
	obj := &world.Object{
		GLBURL:      entry.ArtifactURL,
		Quality:     quality,
		Fingerprint: j.lightFp,
		JobID:       snap.ID,
		RefineJobID: refineJobID,
	}
	world.PlaceAt(obj, j.anchor.X, j.anchor.Y, s.cfg.TilePx)

	stored, err := s.registry.Upsert(j.ctx, obj)
	if err != nil {
		// Placement failure is logged, not fatal: the artifact exists and
		// the job result is still useful to the submitter.
		s.logger.Error("world placement failed",
			zap.String("job_id", snap.ID),
			zap.Error(err),
		)
		return ""
	}
	return stored.ID
}

func (s *Scheduler) publishDone(j *job, stage string) {
	snap := j.snapshot()
	s.broadcaster.Publish(types.Event{
		Type:   types.EventJobDone,
		JobID:  snap.ID,
		Stage:  stage,
		Status: snap.Status,
		Entry:  map[string]any{"glb_url": snap.GLBURL, "quality": types.QualityLight},
	})
}

func (s *Scheduler) recordCacheLookup(result string) {
	if s.metrics != nil {
		s.metrics.CacheLookups.WithLabelValues(result).Inc()
	}
}

func (s *Scheduler) recordQueueDepth() {
	if s.metrics == nil {
		return
	}
	stats := s.pool.Stats()
	s.metrics.QueueDepth.WithLabelValues("high").Set(float64(stats.QueuedHigh))
	s.metrics.QueueDepth.WithLabelValues("low").Set(float64(stats.QueuedLow))
}
