package pipeline

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/geoplace/geoplace/types"
)

// RemoteConfig configures the remote adapter. Each stage calls a dedicated
// HTTP endpoint with a JSON body; any transport or non-2xx failure is
// reported as MODEL_UNAVAILABLE.
type RemoteConfig struct {
	// VLMURL receives {"image_b64":...} and returns attribute JSON.
	VLMURL string `yaml:"vlm_url" json:"vlm_url"`
	// VLMToken, when set, is sent as a bearer token to the VLM endpoint.
	VLMToken string `yaml:"vlm_token" json:"vlm_token"`
	// ImageURL receives {"prompt","resolution","steps"} and returns
	// {"image_b64":...}.
	ImageURL string `yaml:"image_url" json:"image_url"`
	// MeshURL receives {"image_b64","quality"} and returns a mesh asset.
	MeshURL string `yaml:"mesh_url" json:"mesh_url"`
	// RefineURL receives the light asset reference and returns the refined
	// one.
	RefineURL string `yaml:"refine_url" json:"refine_url"`

	// ImageModel, ImageResolution and Steps parameterize synthesis.
	ImageModel      string `yaml:"image_model" json:"image_model"`
	ImageResolution int    `yaml:"image_resolution" json:"image_resolution"`
	StepsLight      int    `yaml:"steps_light" json:"steps_light"`
	StepsRefine     int    `yaml:"steps_refine" json:"steps_refine"`

	// Timeout bounds each HTTP call; the scheduler applies its own
	// per-stage budget on top via ctx.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// RemoteAdapter calls real model services over HTTP.
type RemoteAdapter struct {
	cfg    RemoteConfig
	client *http.Client
	logger *zap.Logger
}

// NewRemoteAdapter creates a remote stage adapter.
func NewRemoteAdapter(cfg RemoteConfig, logger *zap.Logger) *RemoteAdapter {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RemoteAdapter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(zap.String("component", "pipeline_remote")),
	}
}

func (r *RemoteAdapter) Name() string { return "remote" }

func (r *RemoteAdapter) post(ctx context.Context, url, token string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return types.NewError(types.ErrModelUnavailable, "request marshal failed").WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return types.NewError(types.ErrModelUnavailable, "request build failed").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return types.NewError(types.ErrModelUnavailable, "model service unreachable").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		r.logger.Warn("model service error",
			zap.String("url", url),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", payload),
		)
		return types.NewError(types.ErrModelUnavailable,
			fmt.Sprintf("model service returned status %d", resp.StatusCode))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return types.NewError(types.ErrModelUnavailable, "response decode failed").WithCause(err)
	}
	return nil
}

// ExtractAttributes posts the tile image to the VLM endpoint.
func (r *RemoteAdapter) ExtractAttributes(ctx context.Context, tileImage []byte) (*Attributes, error) {
	body := map[string]any{
		"image_b64": base64.StdEncoding.EncodeToString(tileImage),
	}
	var attrs Attributes
	if err := r.post(ctx, r.cfg.VLMURL, r.cfg.VLMToken, body, &attrs); err != nil {
		return nil, err
	}
	if attrs.Category == "" {
		attrs.Category = "object"
	}
	return &attrs, nil
}

// SynthesizeImage posts the rendered prompt to the image endpoint.
func (r *RemoteAdapter) SynthesizeImage(ctx context.Context, attrs *Attributes) ([]byte, error) {
	body := map[string]any{
		"prompt":     Prompt(attrs),
		"model":      r.cfg.ImageModel,
		"resolution": r.cfg.ImageResolution,
		"steps":      r.cfg.StepsLight,
	}
	var out struct {
		ImageB64 string `json:"image_b64"`
	}
	if err := r.post(ctx, r.cfg.ImageURL, "", body, &out); err != nil {
		return nil, err
	}

	img, err := base64.StdEncoding.DecodeString(out.ImageB64)
	if err != nil {
		return nil, types.NewError(types.ErrModelUnavailable, "invalid image payload").WithCause(err)
	}
	return img, nil
}

// GenerateMesh posts the synthesized image to the mesh endpoint.
func (r *RemoteAdapter) GenerateMesh(ctx context.Context, image []byte) (*MeshAsset, error) {
	body := map[string]any{
		"image_b64": base64.StdEncoding.EncodeToString(image),
		"quality":   types.QualityLight,
	}
	var out MeshAsset
	if err := r.post(ctx, r.cfg.MeshURL, "", body, &out); err != nil {
		return nil, err
	}
	if out.Format == "" {
		out.Format = "glb"
	}
	out.Quality = types.QualityLight
	return &out, nil
}

// RefineMesh posts the light asset reference to the refine endpoint.
func (r *RemoteAdapter) RefineMesh(ctx context.Context, mesh *MeshAsset) (*MeshAsset, error) {
	if r.cfg.RefineURL == "" {
		return nil, types.NewError(types.ErrModelUnavailable, "refine endpoint not configured")
	}
	body := map[string]any{
		"url":   mesh.URL,
		"path":  mesh.Path,
		"steps": r.cfg.StepsRefine,
	}
	var out MeshAsset
	if err := r.post(ctx, r.cfg.RefineURL, "", body, &out); err != nil {
		return nil, err
	}
	if out.Format == "" {
		out.Format = "glb"
	}
	out.Quality = types.QualityRefined
	return &out, nil
}
