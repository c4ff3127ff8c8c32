// Package api defines the wire types of the GeoPlace HTTP API.
package api

// PaintRequest writes one tile's full pixel buffer.
type PaintRequest struct {
	TileX int `json:"tile_x"`
	TileY int `json:"tile_y"`
	// Pixels is the raw RGBA buffer, base64-encoded by encoding/json.
	Pixels []byte `json:"pixels"`
	UserID string `json:"user_id,omitempty"`
}

// GenerateRequest starts an asset-generation job. An empty tile list targets
// every tile modified since startup.
type GenerateRequest struct {
	Tiles []TileRef `json:"tiles,omitempty"`
}

// TileRef addresses one tile.
type TileRef struct {
	TileX int `json:"tile_x"`
	TileY int `json:"tile_y"`
}

// GenerateResponse returns the accepted job.
type GenerateResponse struct {
	JobID string `json:"job_id"`
}

// TileInfo describes one modified tile in the tile listing.
type TileInfo struct {
	TileX        int    `json:"tile_x"`
	TileY        int    `json:"tile_y"`
	LastModified string `json:"last_modified"`
}

// VersionInfo reports build identity on /version.
type VersionInfo struct {
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
}
