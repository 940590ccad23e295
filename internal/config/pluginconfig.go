package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
)

// PluginDefinition describes a trigger plugin registered at startup.
type PluginDefinition struct {
	Name      string  `json:"name"`
	Endpoint  string  `json:"endpoint"`
	Documents []int64 `json:"documents"`
}

// PluginConfig holds the plugins seeded from a file.
type PluginConfig struct {
	Plugins []PluginDefinition `json:"plugins"`
}

// LoadPluginConfig reads a JSON plugin config file and validates it.
func LoadPluginConfig(path string) (*PluginConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plugin config: %w", err)
	}

	var cfg PluginConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse plugin config: %w", err)
	}

	seen := make(map[string]bool, len(cfg.Plugins))
	for i, p := range cfg.Plugins {
		if p.Name == "" {
			return nil, fmt.Errorf("plugin config: plugin #%d has empty name", i)
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("plugin config: duplicate plugin name %q", p.Name)
		}
		seen[p.Name] = true

		u, err := url.Parse(p.Endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("plugin config: plugin %q has invalid endpoint %q", p.Name, p.Endpoint)
		}
		if len(p.Documents) == 0 {
			return nil, fmt.Errorf("plugin config: plugin %q subscribes to no documents", p.Name)
		}
		for _, id := range p.Documents {
			if id <= 0 {
				return nil, fmt.Errorf("plugin config: plugin %q has invalid document id %d", p.Name, id)
			}
		}
	}

	return &cfg, nil
}
