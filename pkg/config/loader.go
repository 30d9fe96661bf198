package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format is a configuration source format.
type Format string

const (
	FormatYAML     Format = "yaml"
	FormatCUE      Format = "cue"
	FormatStarlark Format = "starlark"
)

// FormatFromPath picks the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return FormatYAML, nil
	case ".cue":
		return FormatCUE, nil
	case ".star", ".starlark", ".bzl":
		return FormatStarlark, nil
	default:
		return "", fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
}

// Load reads the deployment at path on top of Default. The result is
// normalized but not validated, so CLI overrides can be applied first.
func Load(ctx context.Context, path string) (*Deployment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	return Parse(ctx, path, format, data)
}

// Parse decodes data in the given format on top of Default. CUE and
// Starlark sources are evaluated to a plain document first, so every
// format shares the same keys and decoding rules.
func Parse(ctx context.Context, filename string, format Format, data []byte) (*Deployment, error) {
	var (
		doc []byte
		err error
	)
	switch format {
	case FormatYAML:
		doc = data
	case FormatCUE:
		doc, err = NewCUEParser().Parse(ctx, filename, data)
	case FormatStarlark:
		doc, err = evaluateStarlark(ctx, filename, data)
	default:
		err = fmt.Errorf("unsupported config format %q", format)
	}
	if err != nil {
		return nil, err
	}

	d := Default()
	if err := decode(doc, d); err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	d.Normalize()
	return d, nil
}

// decode strictly decodes a YAML (or JSON) document into d. Unknown keys
// are errors.
func decode(doc []byte, d *Deployment) error {
	dec := yaml.NewDecoder(bytes.NewReader(doc))
	dec.KnownFields(true)
	if err := dec.Decode(d); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func evaluateStarlark(ctx context.Context, filename string, src []byte) ([]byte, error) {
	res, err := NewStarlarkEvaluator(0).Evaluate(ctx, filename, string(src), nil)
	if err != nil {
		return nil, err
	}
	doc := res.Output
	if inner, ok := doc["deployment"].(map[string]interface{}); ok {
		doc = inner
	}
	return json.Marshal(doc)
}
