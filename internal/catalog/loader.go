package catalog

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// File is the on-disk catalog document: model definitions plus router
// declarations. Router specs are raw config here; the routing package
// turns them into live routers.
type File struct {
	Models  []*ModelDefinition `yaml:"models"`
	Routers []RouterSpec       `yaml:"routers"`
}

type RouterSpec struct {
	Name     string       `yaml:"name"`
	Strategy StrategySpec `yaml:"strategy"`
	Targets  []TargetSpec `yaml:"targets"`
}

type StrategySpec struct {
	Type    string    `yaml:"type"`
	Weights []float64 `yaml:"weights"`
	Metric  string    `yaml:"metric"`
	Order   string    `yaml:"order"`
}

type TargetSpec struct {
	Model    string         `yaml:"model"`
	Provider string         `yaml:"provider"`
	Params   map[string]any `yaml:"params"`
}

func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog file: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) validate() error {
	seen := make(map[string]bool, len(f.Models))
	for i, def := range f.Models {
		if def.ID == "" {
			return fmt.Errorf("model %d: id is required", i)
		}
		if seen[def.ID] {
			return fmt.Errorf("model %s: duplicate id", def.ID)
		}
		seen[def.ID] = true
		if def.Provider == "" {
			return fmt.Errorf("model %s: provider is required", def.ID)
		}
		if def.UpstreamModel == "" {
			def.UpstreamModel = def.ID
		}
		if def.Type == "" {
			def.Type = TypeCompletions
		}
		switch def.Type {
		case TypeCompletions, TypeEmbeddings, TypeImageGeneration:
		default:
			return fmt.Errorf("model %s: unknown type %q", def.ID, def.Type)
		}
	}

	names := make(map[string]bool, len(f.Routers))
	for i, r := range f.Routers {
		if r.Name == "" {
			return fmt.Errorf("router %d: name is required", i)
		}
		if names[r.Name] {
			return fmt.Errorf("router %s: duplicate name", r.Name)
		}
		names[r.Name] = true
		for _, t := range r.Targets {
			if t.Model == "" || t.Provider == "" {
				return fmt.Errorf("router %s: targets need model and provider", r.Name)
			}
			if !seen[t.Model] {
				log.Warn().
					Str("router", r.Name).
					Str("model", t.Model).
					Msg("router target references a model not in the catalog")
			}
		}
	}
	return nil
}
