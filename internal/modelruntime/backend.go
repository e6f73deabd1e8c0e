package modelruntime

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/example/leafscan/internal/imageprocessor"
)

// Session is a loaded, callable model.
type Session interface {
	// Run returns the class probability vector for input. The returned
	// slice is owned by the caller.
	Run(ctx context.Context, input *imageprocessor.Tensor) ([]float32, error)
	Close() error
}

// Backend turns a model asset into a Session.
type Backend interface {
	Load(ctx context.Context, path string) (Session, Metadata, error)
}

// Metadata describes a model asset. Classes, when present, names the output
// positions in order and is checked against the class catalog.
type Metadata struct {
	Version     string   `json:"version"`
	Classes     []string `json:"classes"`
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
}

// MetadataPath returns the JSON sidecar path for a model file:
// models/leaf.onnx -> models/leaf.json.
func MetadataPath(modelPath string) string {
	return strings.TrimSuffix(modelPath, filepath.Ext(modelPath)) + ".json"
}

// ReadMetadata loads and decodes a metadata sidecar.
func ReadMetadata(path string) (Metadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("read model metadata: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Metadata{}, fmt.Errorf("parse model metadata: %w", err)
	}
	return meta, nil
}
