package canvas

import (
	"bytes"
	"image"
	"image/png"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/geoplace/geoplace/types"
)

// shardCount for the per-tile lock table. Writes to different tiles never
// block each other; writes to the same tile are serialized.
const shardCount = 64

// Store holds the current pixel state of every touched tile. Tiles that
// were never painted materialize lazily as fully transparent buffers.
type Store struct {
	tilePx     int
	tilesWide  int
	tilesHigh  int
	pixelBytes int

	shards [shardCount]storeShard

	logger *zap.Logger
}

type storeShard struct {
	mu    sync.RWMutex
	tiles map[Coord]*tile
}

type tile struct {
	pixels       []byte
	lastModified time.Time
}

// Config configures a tile store.
type Config struct {
	TilePx    int `json:"tile_px"`
	TilesWide int `json:"tiles_wide"`
	TilesHigh int `json:"tiles_high"`
}

// NewStore creates a tile store for a canvas of TilesWide x TilesHigh tiles.
func NewStore(cfg Config, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		tilePx:     cfg.TilePx,
		tilesWide:  cfg.TilesWide,
		tilesHigh:  cfg.TilesHigh,
		pixelBytes: cfg.TilePx * cfg.TilePx * 4,
		logger:     logger.With(zap.String("component", "tile_store")),
	}
	for i := range s.shards {
		s.shards[i].tiles = make(map[Coord]*tile)
	}
	return s
}

// TilePx returns the tile edge length in pixels.
func (s *Store) TilePx() int { return s.tilePx }

func (s *Store) shard(c Coord) *storeShard {
	// FNV-style mix; tile coordinates are small ints so plain modulo of X
	// alone would shard stripes of the canvas onto one lock
	h := uint32(c.X)*2654435761 + uint32(c.Y)*40503
	return &s.shards[h%shardCount]
}

func (s *Store) inBounds(c Coord) bool {
	return c.X >= 0 && c.Y >= 0 && c.X < s.tilesWide && c.Y < s.tilesHigh
}

// ApplyDiff replaces the pixel content of one tile. The patch must be a full
// RGBA buffer of exactly TilePx*TilePx*4 bytes; anything else is rejected
// with INVALID_PATCH.
func (s *Store) ApplyDiff(coord Coord, pixels []byte) error {
	if !s.inBounds(coord) {
		return types.NewError(types.ErrInvalidPatch, "tile coordinates out of canvas bounds").
			WithHTTPStatus(http.StatusBadRequest)
	}
	if len(pixels) != s.pixelBytes {
		return types.NewError(types.ErrInvalidPatch, "pixel buffer size mismatch").
			WithHTTPStatus(http.StatusBadRequest)
	}

	buf := make([]byte, s.pixelBytes)
	copy(buf, pixels)

	sh := s.shard(coord)
	sh.mu.Lock()
	t, ok := sh.tiles[coord]
	if !ok {
		t = &tile{}
		sh.tiles[coord] = t
	}
	t.pixels = buf
	t.lastModified = time.Now()
	sh.mu.Unlock()

	s.logger.Debug("tile updated", zap.String("tile", coord.Key()))
	return nil
}

// ReadTile returns a copy of the tile's current pixel buffer. Untouched
// tiles return a fully transparent buffer; this is lazy materialization,
// not an error.
func (s *Store) ReadTile(coord Coord) []byte {
	out := make([]byte, s.pixelBytes)

	sh := s.shard(coord)
	sh.mu.RLock()
	if t, ok := sh.tiles[coord]; ok {
		copy(out, t.pixels)
	}
	sh.mu.RUnlock()

	return out
}

// LastModified returns the tile's last write time, or the zero time if the
// tile was never painted.
func (s *Store) LastModified(coord Coord) time.Time {
	sh := s.shard(coord)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	if t, ok := sh.tiles[coord]; ok {
		return t.lastModified
	}
	return time.Time{}
}

// ModifiedTiles lists every tile that has been painted since the store was
// created. Generate requests with no explicit tile list target this set.
func (s *Store) ModifiedTiles() []Coord {
	var out []Coord
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for c := range sh.tiles {
			out = append(out, c)
		}
		sh.mu.RUnlock()
	}
	return out
}

// EncodePNG renders the tile's current content as a PNG, for the HTTP tile
// endpoint consumed by the canvas client.
func (s *Store) EncodePNG(coord Coord) ([]byte, error) {
	pixels := s.ReadTile(coord)

	img := image.NewRGBA(image.Rect(0, 0, s.tilePx, s.tilePx))
	copy(img.Pix, pixels)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, types.NewError(types.ErrInternalError, "png encode failed").WithCause(err)
	}
	return buf.Bytes(), nil
}
