package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// decoders maps a file extension to the unmarshaller for it.
var decoders = map[string]func([]byte, any) error{
	".yaml": yaml.Unmarshal,
	".yml":  yaml.Unmarshal,
	".json": json.Unmarshal,
}

func decode(data []byte, format string, unmarshal func([]byte, any) error) (Config, error) {
	var doc map[string]any
	if err := unmarshal(data, &doc); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", format, err)
	}
	return New(doc), nil
}

// FromYAML parses a YAML document.
func FromYAML(data []byte) (Config, error) { return decode(data, "yaml", yaml.Unmarshal) }

// FromJSON parses a JSON document.
func FromJSON(data []byte) (Config, error) { return decode(data, "json", json.Unmarshal) }

// FromFile reads path and picks the parser from its extension
// (.yaml, .yml or .json). The file must exist.
func FromFile(path string) (Config, error) {
	ext := strings.ToLower(filepath.Ext(path))
	unmarshal, ok := decoders[ext]
	if !ok {
		return Config{}, fmt.Errorf("config %s: unsupported extension %q", path, ext)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return decode(data, strings.TrimPrefix(ext, "."), unmarshal)
}

// Load is FromFile for an optional file: an empty path or a missing file
// yields an empty Config.
func Load(path string) (Config, error) {
	if path == "" {
		return New(nil), nil
	}
	cfg, err := FromFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return New(nil), nil
	}
	return cfg, err
}
