package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// FromFile reads pipeline configuration from path, choosing the decoder by
// file extension (.yaml, .yml, or .json).
func FromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FromYAML(data)
	case ".json":
		return FromJSON(data)
	}
	return Config{}, fmt.Errorf("config: %s: unknown format (want .yaml, .yml, or .json)", path)
}

// FromYAML decodes YAML configuration data.
func FromYAML(data []byte) (Config, error) {
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Config{}, fmt.Errorf("config: decode yaml: %w", err)
	}
	return New(m), nil
}

// FromJSON decodes JSON configuration data.
func FromJSON(data []byte) (Config, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return Config{}, fmt.Errorf("config: decode json: %w", err)
	}
	return New(m), nil
}

// LoadSettings reads a config file and resolves it into pipeline Settings,
// applying defaults for every key the file leaves unset.
func LoadSettings(path string) (Settings, error) {
	cfg, err := FromFile(path)
	if err != nil {
		return Settings{}, err
	}
	return SettingsFrom(cfg), nil
}
