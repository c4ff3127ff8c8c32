package canvas

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// Fingerprint computes the cache/dedupe key for one pipeline stage over one
// tile's pixel content: SHA-256 over (pixel bytes, stage id, serialized
// stage params).
//
// The digest is the sole notion of equality in the generation cache, so it
// must be stable across process restarts: no memory addresses, timestamps
// or random seeds enter the hash, and params are serialized to canonical
// JSON so byte-identical inputs always produce byte-identical output.
func Fingerprint(pixels []byte, stageID string, params any) (string, error) {
	if stageID == "" {
		return "", errors.New("stage id must not be empty")
	}

	data, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("failed to serialize stage params: %w", err)
	}

	h := sha256.New()
	h.Write(pixels)
	h.Write([]byte{0})
	h.Write([]byte(stageID))
	h.Write([]byte{0})
	h.Write(data)

	return hex.EncodeToString(h.Sum(nil)), nil
}
