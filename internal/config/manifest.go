package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest is the static, build-shipped capability/topic manifest: which
// topics this device class exposes and which directives it accepts on
// each, not runtime-edited (SPEC_FULL.md §3 "the capability/topic manifest
// (static, shipped with the binary, not runtime-edited) is YAML").
type Manifest struct {
	Topics []TopicCapability `yaml:"topics"`
}

// TopicCapability describes one topic's role and the directive names it
// may carry, for documentation and for validating an incoming directive
// name against what this device class declares it supports.
type TopicCapability struct {
	Name       string   `yaml:"name"`
	Binary     bool     `yaml:"binary"`
	Directives []string `yaml:"directives,omitempty"`
}

// LoadManifest reads and parses a capability manifest YAML file.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("config: read manifest %s: %w", path, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("config: parse manifest %s: %w", path, err)
	}
	return m, nil
}

// Supports reports whether topic declares directiveName among its
// accepted directives.
func (m Manifest) Supports(topic, directiveName string) bool {
	for _, t := range m.Topics {
		if t.Name != topic {
			continue
		}
		for _, d := range t.Directives {
			if d == directiveName {
				return true
			}
		}
		return false
	}
	return false
}
