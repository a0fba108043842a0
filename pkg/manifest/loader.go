package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads, validates and defaults the manifest at path. The format
// follows the extension: .json is JSON, anything else is YAML (a superset
// of JSON).
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		switch {
		case os.IsNotExist(err):
			return nil, fmt.Errorf("manifest file not found: %s: %w", path, os.ErrNotExist)
		case os.IsPermission(err):
			return nil, fmt.Errorf("permission denied reading manifest: %s", path)
		}
		return nil, fmt.Errorf("read manifest file: %w", err)
	}
	return LoadFromBytes(data, path)
}

// LoadForInstance loads <root>/run.yaml, or the file at override when set,
// and resolves relative paths against the instance root.
func LoadForInstance(root, override string) (*Manifest, error) {
	path := override
	if path == "" {
		path = filepath.Join(root, FileName)
	}
	m, err := Load(path)
	if err != nil {
		return nil, err
	}
	m.ResolvePaths(root)
	return m, nil
}

// LoadFromBytes parses and validates a manifest. The raw document is
// validated before decoding so unknown fields are rejected rather than
// silently dropped.
func LoadFromBytes(data []byte, path string) (*Manifest, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errors.New("manifest file is empty")
	}

	isJSON := strings.EqualFold(filepath.Ext(path), ".json")
	jsonData, err := toJSON(data, isJSON)
	if err != nil {
		return nil, err
	}
	if err := ValidateRaw(jsonData); err != nil {
		return nil, err
	}

	var m Manifest
	if isJSON {
		err = json.Unmarshal(data, &m)
	} else {
		err = yaml.Unmarshal(data, &m)
	}
	if err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	m.ApplyDefaults()
	return &m, nil
}

// LoadFromReader reads and validates a manifest from r.
func LoadFromReader(r io.Reader, path string) (*Manifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return LoadFromBytes(data, path)
}

func toJSON(data []byte, isJSON bool) ([]byte, error) {
	if isJSON {
		var raw any
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid JSON in manifest: %w", err)
		}
		return data, nil
	}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML in manifest: %w", err)
	}
	out, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("convert manifest to JSON: %w", err)
	}
	return out, nil
}

// Marshal renders m as YAML, as written by "dmftloop init".
func Marshal(m *Manifest) ([]byte, error) {
	return yaml.Marshal(m)
}
