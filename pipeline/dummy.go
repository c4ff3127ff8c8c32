package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/geoplace/geoplace/types"
)

// DummyConfig configures the dummy adapter.
type DummyConfig struct {
	// AssetsDir is where placeholder GLB files are written.
	AssetsDir string `json:"assets_dir"`
	// AssetsURLPrefix is the public path assets are served under.
	AssetsURLPrefix string `json:"assets_url_prefix"`
	// Latency simulates model inference time per call.
	Latency time.Duration `json:"latency"`
	// FailStages lists stage names that report MODEL_UNAVAILABLE, for
	// exercising failure paths in tests.
	FailStages []string `json:"fail_stages,omitempty"`
}

// DummyAdapter produces deterministic placeholder artifacts without calling
// any model service. Identical inputs yield identical artifact files, which
// keeps the cache idempotence contract observable end to end.
type DummyAdapter struct {
	cfg    DummyConfig
	fail   map[string]bool
	logger *zap.Logger
}

// NewDummyAdapter creates a dummy stage adapter.
func NewDummyAdapter(cfg DummyConfig, logger *zap.Logger) *DummyAdapter {
	if cfg.AssetsURLPrefix == "" {
		cfg.AssetsURLPrefix = "/assets/glb"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	fail := make(map[string]bool, len(cfg.FailStages))
	for _, s := range cfg.FailStages {
		fail[s] = true
	}
	return &DummyAdapter{
		cfg:    cfg,
		fail:   fail,
		logger: logger.With(zap.String("component", "pipeline_dummy")),
	}
}

func (d *DummyAdapter) Name() string { return "dummy" }

func (d *DummyAdapter) wait(ctx context.Context, stage string) error {
	if d.fail[stage] {
		return types.NewError(types.ErrModelUnavailable, fmt.Sprintf("%s stage unavailable", stage))
	}
	if d.cfg.Latency <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(d.cfg.Latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExtractAttributes returns fixed placeholder attributes.
func (d *DummyAdapter) ExtractAttributes(ctx context.Context, tileImage []byte) (*Attributes, error) {
	if err := d.wait(ctx, StageAttributes); err != nil {
		return nil, err
	}
	return &Attributes{
		Category:    "object",
		Colors:      []string{"red", "white"},
		Size:        "medium",
		Orientation: "front",
		Details:     []string{"placeholder"},
	}, nil
}

// SynthesizeImage derives a pseudo image deterministically from the prompt.
func (d *DummyAdapter) SynthesizeImage(ctx context.Context, attrs *Attributes) ([]byte, error) {
	if err := d.wait(ctx, StageImage); err != nil {
		return nil, err
	}
	sum := sha256.Sum256([]byte(Prompt(attrs)))
	return append([]byte("IMG:"), sum[:]...), nil
}

// GenerateMesh writes a placeholder GLB named after the input image hash.
func (d *DummyAdapter) GenerateMesh(ctx context.Context, image []byte) (*MeshAsset, error) {
	if err := d.wait(ctx, StageLight); err != nil {
		return nil, err
	}

	sum := sha256.Sum256(image)
	name := hex.EncodeToString(sum[:])[:16] + "_light.glb"
	path := filepath.Join(d.cfg.AssetsDir, name)

	if err := d.writeOnce(path, []byte("GLB_PLACEHOLDER\n")); err != nil {
		return nil, err
	}

	return &MeshAsset{
		URL:     d.cfg.AssetsURLPrefix + "/" + name,
		Path:    path,
		Format:  "glb",
		Quality: types.QualityLight,
	}, nil
}

// RefineMesh copies the light asset under a refined name.
func (d *DummyAdapter) RefineMesh(ctx context.Context, mesh *MeshAsset) (*MeshAsset, error) {
	if err := d.wait(ctx, StageRefine); err != nil {
		return nil, err
	}

	base := filepath.Base(mesh.URL)
	name := strings.TrimSuffix(base, "_light.glb") + "_refined.glb"
	path := filepath.Join(d.cfg.AssetsDir, name)

	var data []byte
	if mesh.Path != "" {
		var err error
		data, err = os.ReadFile(mesh.Path)
		if err != nil {
			return nil, types.NewError(types.ErrModelUnavailable, "light asset missing").WithCause(err)
		}
	}
	if err := d.writeOnce(path, append(data, []byte("_REFINED\n")...)); err != nil {
		return nil, err
	}

	return &MeshAsset{
		URL:     d.cfg.AssetsURLPrefix + "/" + name,
		Path:    path,
		Format:  "glb",
		Quality: types.QualityRefined,
	}, nil
}

func (d *DummyAdapter) writeOnce(path string, data []byte) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return types.NewError(types.ErrModelUnavailable, "assets dir unavailable").WithCause(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return types.NewError(types.ErrModelUnavailable, "asset write failed").WithCause(err)
	}
	return nil
}
