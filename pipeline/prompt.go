package pipeline

import (
	"fmt"
	"strings"
)

// Prompt renders the image-synthesis prompt from extracted attributes.
// The template targets low-poly game assets; keep it in sync with what the
// synthesis model was tuned on.
func Prompt(attrs *Attributes) string {
	return fmt.Sprintf(
		"voxel-style %s, %s, primary colors: %s, details: %s, low-poly, game-friendly, 3D render, front view",
		attrs.Category,
		attrs.Size,
		strings.Join(attrs.Colors, ", "),
		strings.Join(attrs.Details, ", "),
	)
}
