// Package canvas owns the shared pixel canvas: fixed-size RGBA tiles, the
// apply-diff mutation path, and content fingerprinting for the generation
// cache.
package canvas

import "fmt"

// Coord identifies a tile by its integer grid coordinates.
type Coord struct {
	X int `json:"tile_x"`
	Y int `json:"tile_y"`
}

// Key returns the stable string identity used for world objects and logs,
// e.g. "tile_10_5".
func (c Coord) Key() string {
	return fmt.Sprintf("tile_%d_%d", c.X, c.Y)
}

func (c Coord) String() string { return c.Key() }
