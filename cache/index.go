// Package cache provides the artifact cache index: a write-once mapping
// from content fingerprints to produced artifacts, plus the build-lease
// table that gives the scheduler single-flight semantics.
//
// The index knows nothing about jobs, only fingerprints, entries and
// leases, so it can be tested independently of scheduling.
package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/geoplace/geoplace/types"
)

// Entry is the immutable record committed for a fingerprint. An entry is
// created exactly once per fingerprint and never mutated; new content or
// a different stage produces a new fingerprint, not an update.
type Entry struct {
	Fingerprint string            `json:"fingerprint"`
	ArtifactURL string            `json:"artifact_url"`
	Stage       string            `json:"stage"`
	Quality     string            `json:"quality"`
	Prompt      string            `json:"prompt,omitempty"`
	Meta        map[string]string `json:"meta,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Index is the cache contract the scheduler builds against.
type Index interface {
	// Lookup returns the committed entry for a fingerprint, if any.
	Lookup(ctx context.Context, fingerprint string) (*Entry, bool, error)

	// Commit stores the entry for a fingerprint. Committing a fingerprint
	// twice returns ALREADY_COMMITTED; that indicates a scheduling bug and
	// is never user-visible.
	Commit(ctx context.Context, fingerprint string, entry *Entry) error

	// AcquireLease grants the exclusive right to build a fingerprint's
	// artifact. Returns false when another builder holds the lease.
	AcquireLease(ctx context.Context, fingerprint string) (bool, error)

	// ReleaseLease releases a held lease. Releasing an unheld lease is a
	// no-op.
	ReleaseLease(ctx context.Context, fingerprint string) error

	// Clear drops every entry and lease. Admin-only; artifacts on disk are
	// not touched.
	Clear(ctx context.Context) error
}

// memoryIndex is the in-process implementation, used by default and in
// tests.
type memoryIndex struct {
	mu      sync.Mutex
	entries map[string]*Entry
	leases  map[string]time.Time
	ttl     time.Duration
	logger  *zap.Logger
}

// NewMemoryIndex creates an in-memory cache index. leaseTTL bounds how long
// a crashed builder can hold a lease; zero disables expiry.
func NewMemoryIndex(leaseTTL time.Duration, logger *zap.Logger) Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &memoryIndex{
		entries: make(map[string]*Entry),
		leases:  make(map[string]time.Time),
		ttl:     leaseTTL,
		logger:  logger.With(zap.String("component", "cache_index")),
	}
}

func (m *memoryIndex) Lookup(ctx context.Context, fingerprint string) (*Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[fingerprint]
	if !ok {
		return nil, false, nil
	}
	cp := *e
	return &cp, true, nil
}

func (m *memoryIndex) Commit(ctx context.Context, fingerprint string, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[fingerprint]; ok {
		return types.NewError(types.ErrAlreadyCommitted, "cache entry already committed for fingerprint")
	}

	cp := *entry
	cp.Fingerprint = fingerprint
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.entries[fingerprint] = &cp

	m.logger.Debug("cache entry committed",
		zap.String("fingerprint", fingerprint),
		zap.String("stage", cp.Stage),
	)
	return nil
}

func (m *memoryIndex) AcquireLease(ctx context.Context, fingerprint string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if deadline, held := m.leases[fingerprint]; held {
		if m.ttl == 0 || time.Now().Before(deadline) {
			return false, nil
		}
		// stale lease from a builder that never released; reclaim
	}
	m.leases[fingerprint] = time.Now().Add(m.ttl)
	return true, nil
}

func (m *memoryIndex) ReleaseLease(ctx context.Context, fingerprint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.leases, fingerprint)
	return nil
}

func (m *memoryIndex) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*Entry)
	m.leases = make(map[string]time.Time)
	m.logger.Info("cache index cleared")
	return nil
}
