package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// InstanceConfig is one Galaxy instance the orchestrator coordinates with.
type InstanceConfig struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`

	// NgaURL and NgaKey address the instance-side history API.
	NgaURL string `yaml:"nga_url"`
	NgaKey string `yaml:"nga_key"`

	Active bool `yaml:"active"`
}

// InstancesFile is the structure of the instance registry YAML file.
type InstancesFile struct {
	Instances []InstanceConfig `yaml:"instances"`
}

// LoadInstances loads the instance registry from a YAML file.
func LoadInstances(filePath string) ([]InstanceConfig, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read instances file: %w", err)
	}

	var file InstancesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse instances YAML: %w", err)
	}

	seen := map[string]bool{}
	for i, inst := range file.Instances {
		if inst.ID == "" {
			return nil, fmt.Errorf("instance %d has no id", i)
		}
		if inst.URL == "" || inst.NgaURL == "" {
			return nil, fmt.Errorf("instance %s needs url and nga_url", inst.ID)
		}
		if seen[inst.ID] {
			return nil, fmt.Errorf("duplicate instance id %s", inst.ID)
		}
		seen[inst.ID] = true
	}

	return file.Instances, nil
}
