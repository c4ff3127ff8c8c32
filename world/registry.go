// Package world persists placed 3D objects. At most one object exists per
// tile; object quality only moves upward (a light asset never replaces a
// refined one built from the same content).
package world

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/geoplace/geoplace/types"
)

// Object is a placed world object backed by the world_objects table.
type Object struct {
	ID          string    `gorm:"primaryKey;size:64" json:"id"`
	TileX       int       `gorm:"index:idx_world_objects_tile,unique" json:"tile_x"`
	TileY       int       `gorm:"index:idx_world_objects_tile,unique" json:"tile_y"`
	X           float64   `json:"x"`
	Y           float64   `json:"y"`
	Z           float64   `json:"z"`
	RotX        float64   `json:"rot_x"`
	RotY        float64   `json:"rot_y"`
	RotZ        float64   `json:"rot_z"`
	Scale       float64   `json:"scale"`
	GLBURL      string    `gorm:"size:512" json:"glb_url"`
	Quality     string    `gorm:"size:16" json:"quality"`
	Fingerprint string    `gorm:"size:64;index" json:"fingerprint"`
	JobID       string    `gorm:"size:64" json:"job_id"`
	RefineJobID string    `gorm:"size:64" json:"refine_job_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName pins the table name regardless of GORM naming strategy.
func (Object) TableName() string { return "world_objects" }

// Region is an optional spatial filter for List, in tile coordinates.
type Region struct {
	MinX, MinY int
	MaxX, MaxY int
}

// Config configures the registry store.
type Config struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver" json:"driver"`
	// DSN is the database path (sqlite) or connection string (postgres).
	DSN string `yaml:"dsn" json:"dsn"`
}

// Registry stores world objects.
type Registry struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewRegistry opens the database, runs migration and returns the registry.
func NewRegistry(cfg Config, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := openDB(cfg)
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "world database open failed").WithCause(err)
	}
	if err := db.AutoMigrate(&Object{}); err != nil {
		return nil, types.NewError(types.ErrInternalError, "world schema migration failed").WithCause(err)
	}

	return &Registry{
		db:     db,
		logger: logger.With(zap.String("component", "world_registry")),
	}, nil
}

func openDB(cfg Config) (*gorm.DB, error) {
	opts := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}
	switch cfg.Driver {
	case "", "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "geoplace.db"
		}
		return gorm.Open(sqlite.Open(dsn), opts)
	case "postgres":
		return gorm.Open(postgres.Open(cfg.DSN), opts)
	default:
		return nil, fmt.Errorf("unsupported world driver %q", cfg.Driver)
	}
}

// PlaceAt computes the world transform for a tile, using the fixed
// tile-to-world mapping (10 pixels per world unit, ground plane at y=0).
func PlaceAt(obj *Object, tileX, tileY, tilePx int) {
	obj.TileX = tileX
	obj.TileY = tileY
	obj.X = float64(tileX*tilePx) / 10
	obj.Y = 0
	obj.Z = float64(tileY*tilePx) / 10
	obj.RotX, obj.RotY, obj.RotZ = 0, 0, 0
	obj.Scale = 1
}

// Upsert inserts or replaces the object at the target tile. Quality is
// monotonic per content: when the stored object has the same fingerprint
// and a higher quality rank, the incoming object is ignored. A new
// fingerprint (a fresh edit of the tile) always replaces the stored object.
func (r *Registry) Upsert(ctx context.Context, obj *Object) (*Object, error) {
	if obj.ID == "" {
		obj.ID = uuid.NewString()
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Object
		err := tx.Where("tile_x = ? AND tile_y = ?", obj.TileX, obj.TileY).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(obj).Error
		case err != nil:
			return err
		}

		if existing.Fingerprint == obj.Fingerprint &&
			types.QualityRank(existing.Quality) > types.QualityRank(obj.Quality) {
			*obj = existing
			return nil
		}

		// Keep the row identity stable so clients can track the object
		// across quality upgrades.
		obj.ID = existing.ID
		obj.CreatedAt = existing.CreatedAt
		if obj.RefineJobID == "" {
			obj.RefineJobID = existing.RefineJobID
		}
		return tx.Save(obj).Error
	})
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "world upsert failed").WithCause(err)
	}

	r.logger.Debug("object upserted",
		zap.String("object_id", obj.ID),
		zap.Int("tile_x", obj.TileX),
		zap.Int("tile_y", obj.TileY),
		zap.String("quality", obj.Quality),
	)
	return obj, nil
}

// Get returns the object with the given id.
func (r *Registry) Get(ctx context.Context, id string) (*Object, error) {
	var obj Object
	err := r.db.WithContext(ctx).First(&obj, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewError(types.ErrObjectNotFound, "object not found")
	}
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "world lookup failed").WithCause(err)
	}
	return &obj, nil
}

// GetByTile returns the object placed at the given tile, if any.
func (r *Registry) GetByTile(ctx context.Context, tileX, tileY int) (*Object, error) {
	var obj Object
	err := r.db.WithContext(ctx).Where("tile_x = ? AND tile_y = ?", tileX, tileY).First(&obj).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewError(types.ErrObjectNotFound, "object not found")
	}
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "world lookup failed").WithCause(err)
	}
	return &obj, nil
}

// List returns objects, optionally restricted to a tile-coordinate region.
func (r *Registry) List(ctx context.Context, region *Region) ([]Object, error) {
	q := r.db.WithContext(ctx).Order("created_at asc")
	if region != nil {
		q = q.Where("tile_x >= ? AND tile_x <= ? AND tile_y >= ? AND tile_y <= ?",
			region.MinX, region.MaxX, region.MinY, region.MaxY)
	}

	var objs []Object
	if err := q.Find(&objs).Error; err != nil {
		return nil, types.NewError(types.ErrInternalError, "world list failed").WithCause(err)
	}
	return objs, nil
}

// Remove deletes the object with the given id.
func (r *Registry) Remove(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Delete(&Object{}, "id = ?", id)
	if res.Error != nil {
		return types.NewError(types.ErrInternalError, "world delete failed").WithCause(res.Error)
	}
	if res.RowsAffected == 0 {
		return types.NewError(types.ErrObjectNotFound, "object not found")
	}
	return nil
}

// Count returns the number of stored objects.
func (r *Registry) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&Object{}).Count(&n).Error; err != nil {
		return 0, types.NewError(types.ErrInternalError, "world count failed").WithCause(err)
	}
	return n, nil
}

// Close releases the underlying database connection.
func (r *Registry) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
