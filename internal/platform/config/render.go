package config

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// YAML renders the configuration using the same keys Load accepts.
func (c Config) YAML() ([]byte, error) {
	var settings map[string]any
	if err := mapstructure.Decode(c, &settings); err != nil {
		return nil, fmt.Errorf("flatten config: %w", err)
	}
	out, err := yaml.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("render config: %w", err)
	}
	return out, nil
}
