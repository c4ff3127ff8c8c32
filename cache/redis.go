package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/geoplace/geoplace/types"
)

// redisIndex backs the cache index with Redis so that cached artifacts and
// build leases are shared across server replicas and survive restarts.
//
// Entries are plain SET NX keys (write-once by construction); leases are
// SET NX keys with a TTL so a crashed builder cannot wedge a fingerprint
// forever.
type redisIndex struct {
	client      *redis.Client
	entryPrefix string
	leasePrefix string
	leaseTTL    time.Duration
	logger      *zap.Logger
}

// RedisConfig configures the Redis-backed cache index.
type RedisConfig struct {
	Addr     string        `yaml:"addr" json:"addr"`
	Password string        `yaml:"password" json:"password"`
	DB       int           `yaml:"db" json:"db"`
	LeaseTTL time.Duration `yaml:"lease_ttl" json:"lease_ttl"`
}

// NewRedisIndex creates a Redis-backed cache index and verifies the
// connection.
func NewRedisIndex(cfg RedisConfig, logger *zap.Logger) (Index, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}

	return &redisIndex{
		client:      client,
		entryPrefix: "geoplace:cache:",
		leasePrefix: "geoplace:lease:",
		leaseTTL:    ttl,
		logger:      logger.With(zap.String("component", "cache_index_redis")),
	}, nil
}

func (r *redisIndex) Lookup(ctx context.Context, fingerprint string) (*Entry, bool, error) {
	data, err := r.client.Get(ctx, r.entryPrefix+fingerprint).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cache lookup failed: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal cache entry: %w", err)
	}
	return &entry, true, nil
}

func (r *redisIndex) Commit(ctx context.Context, fingerprint string, entry *Entry) error {
	cp := *entry
	cp.Fingerprint = fingerprint
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}

	data, err := json.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	// Entries never expire; content-addressed artifacts stay valid as long
	// as the asset files exist.
	ok, err := r.client.SetNX(ctx, r.entryPrefix+fingerprint, data, 0).Result()
	if err != nil {
		return fmt.Errorf("cache commit failed: %w", err)
	}
	if !ok {
		return types.NewError(types.ErrAlreadyCommitted, "cache entry already committed for fingerprint")
	}

	r.logger.Debug("cache entry committed",
		zap.String("fingerprint", fingerprint),
		zap.String("stage", cp.Stage),
	)
	return nil
}

func (r *redisIndex) AcquireLease(ctx context.Context, fingerprint string) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.leasePrefix+fingerprint, 1, r.leaseTTL).Result()
	if err != nil {
		return false, fmt.Errorf("lease acquire failed: %w", err)
	}
	return ok, nil
}

func (r *redisIndex) ReleaseLease(ctx context.Context, fingerprint string) error {
	if err := r.client.Del(ctx, r.leasePrefix+fingerprint).Err(); err != nil {
		return fmt.Errorf("lease release failed: %w", err)
	}
	return nil
}

func (r *redisIndex) Clear(ctx context.Context) error {
	for _, prefix := range []string{r.entryPrefix, r.leasePrefix} {
		iter := r.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
		for iter.Next(ctx) {
			if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
				return fmt.Errorf("cache clear failed: %w", err)
			}
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("cache clear scan failed: %w", err)
		}
	}
	r.logger.Info("cache index cleared")
	return nil
}
