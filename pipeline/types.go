// Package pipeline defines the uniform contract every generation stage
// satisfies (attribute extraction, image synthesis, mesh generation, mesh
// refinement) and its concrete variants: a dummy adapter producing
// deterministic placeholder artifacts and a remote adapter calling real
// model services over HTTP.
//
// Each call is a pure request/response with no hidden state. A variant may
// internally fall back to a cheaper producer before reporting failure; the
// scheduler only ever sees success or MODEL_UNAVAILABLE.
package pipeline

import "context"

// Stage identifiers. These enter cache fingerprints, so renaming one
// invalidates previously cached artifacts for that stage.
const (
	StageAttributes = "attributes"
	StageImage      = "image"
	StageLight      = "light"
	StageRefine     = "refine"
)

// Attributes is the structured description a vision-language model extracts
// from a tile image.
type Attributes struct {
	Category    string   `json:"category"`
	Colors      []string `json:"colors"`
	Size        string   `json:"size"`
	Orientation string   `json:"orientation"`
	Details     []string `json:"details"`
}

// MeshAsset is a generated 3D asset reference.
type MeshAsset struct {
	// URL the rendering client loads the asset from, e.g.
	// /assets/glb/<hash>_light.glb
	URL string `json:"url"`
	// Path on local disk, empty for purely remote assets
	Path string `json:"path,omitempty"`
	// Format of the asset file (glb)
	Format string `json:"format"`
	// Quality tier: light or refined
	Quality string `json:"quality"`
}

// StageAdapter is the contract each generation stage implementation must
// satisfy. Implementations block for non-trivial time and must honor ctx
// cancellation; any failure is reported as a MODEL_UNAVAILABLE error.
type StageAdapter interface {
	Name() string
	ExtractAttributes(ctx context.Context, tileImage []byte) (*Attributes, error)
	SynthesizeImage(ctx context.Context, attrs *Attributes) ([]byte, error)
	GenerateMesh(ctx context.Context, image []byte) (*MeshAsset, error)
	RefineMesh(ctx context.Context, mesh *MeshAsset) (*MeshAsset, error)
}
