package canvas

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type fpParams struct {
	Model      string `json:"model"`
	Resolution int    `json:"resolution"`
	Steps      int    `json:"steps"`
}

func TestFingerprint_Deterministic(t *testing.T) {
	pixels := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	params := fpParams{Model: "sd-1.5", Resolution: 512, Steps: 20}

	a, err := Fingerprint(pixels, "light", params)
	require.NoError(t, err)
	b, err := Fingerprint(pixels, "light", params)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, 64) // hex-encoded SHA-256
}

func TestFingerprint_SensitiveToEachInput(t *testing.T) {
	pixels := []byte{1, 2, 3, 4}
	params := fpParams{Model: "sd-1.5", Resolution: 512, Steps: 20}

	base, err := Fingerprint(pixels, "light", params)
	require.NoError(t, err)

	otherPixels, err := Fingerprint([]byte{1, 2, 3, 5}, "light", params)
	require.NoError(t, err)
	assert.NotEqual(t, base, otherPixels)

	otherStage, err := Fingerprint(pixels, "refine", params)
	require.NoError(t, err)
	assert.NotEqual(t, base, otherStage)

	otherParams, err := Fingerprint(pixels, "light", fpParams{Model: "sd-1.5", Resolution: 512, Steps: 50})
	require.NoError(t, err)
	assert.NotEqual(t, base, otherParams)
}

func TestFingerprint_EmptyStage(t *testing.T) {
	_, err := Fingerprint([]byte{1}, "", nil)
	assert.Error(t, err)
}

// Fingerprints must be a pure function of their inputs: equal inputs hash
// equal, and the stage/params boundary bytes prevent ambiguity between
// (pixels, stage) splits.
func TestFingerprint_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		pixels := rapid.SliceOfN(rapid.Byte(), 0, 256).Draw(t, "pixels")
		stage := rapid.StringMatching(`[a-z_]{1,16}`).Draw(t, "stage")
		steps := rapid.IntRange(1, 100).Draw(t, "steps")

		params := fpParams{Model: "m", Resolution: 64, Steps: steps}

		a, err := Fingerprint(pixels, stage, params)
		if err != nil {
			t.Fatalf("fingerprint failed: %v", err)
		}
		b, err := Fingerprint(append([]byte(nil), pixels...), stage, params)
		if err != nil {
			t.Fatalf("fingerprint failed: %v", err)
		}
		if a != b {
			t.Fatalf("equal inputs produced different digests: %s vs %s", a, b)
		}

		other, err := Fingerprint(pixels, stage, fpParams{Model: "m", Resolution: 64, Steps: steps + 1})
		if err != nil {
			t.Fatalf("fingerprint failed: %v", err)
		}
		if a == other {
			t.Fatalf("different params produced identical digest")
		}
	})
}
