// Package catalog holds the model table: logical model ids mapped to their
// upstream provider, model name, pricing, limits, and capabilities.
package catalog

import (
	"sort"
	"sync"

	"github.com/infergate/infergate/internal/gwerr"
)

type ModelType string

const (
	TypeCompletions     ModelType = "completions"
	TypeEmbeddings      ModelType = "embeddings"
	TypeImageGeneration ModelType = "image_generation"
)

// Price is USD per million tokens.
type Price struct {
	InputPerMillion  float64 `yaml:"input_per_million" json:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million" json:"output_per_million"`
}

type Limits struct {
	MaxContextSize    int `yaml:"max_context_size" json:"max_context_size,omitempty"`
	MaxOutputTokens   int `yaml:"max_output_tokens" json:"max_output_tokens,omitempty"`
	MaxInputTokens    int `yaml:"max_input_tokens" json:"max_input_tokens,omitempty"`
	RequestsPerMinute int `yaml:"requests_per_minute" json:"requests_per_minute,omitempty"`
}

type Capabilities struct {
	Tools           bool `yaml:"tools" json:"tools"`
	Vision          bool `yaml:"vision" json:"vision"`
	Streaming       bool `yaml:"streaming" json:"streaming"`
	JSONMode        bool `yaml:"json_mode" json:"json_mode"`
	FunctionCalling bool `yaml:"function_calling" json:"function_calling"`
}

// ModelDefinition describes one logical model. Definitions are immutable
// once loaded; a reload replaces the whole table.
type ModelDefinition struct {
	ID            string            `yaml:"id" json:"id"`
	Provider      string            `yaml:"provider" json:"provider"`
	UpstreamModel string            `yaml:"upstream_model" json:"upstream_model"`
	Endpoint      string            `yaml:"endpoint" json:"endpoint,omitempty"`
	APIVersion    string            `yaml:"api_version" json:"api_version,omitempty"`
	ExtraHeaders  map[string]string `yaml:"extra_headers" json:"extra_headers,omitempty"`
	Type          ModelType         `yaml:"type" json:"type"`
	Price         Price             `yaml:"price" json:"price"`
	Limits        Limits            `yaml:"limits" json:"limits"`
	Capabilities  Capabilities      `yaml:"capabilities" json:"capabilities"`
	Description   string            `yaml:"description" json:"description,omitempty"`
	Parameters    map[string]any    `yaml:"parameters" json:"parameters,omitempty"`
}

// Catalog is the id-keyed model table. Reads are O(1) and safe under
// concurrency; Replace swaps the whole table at once.
type Catalog struct {
	mu     sync.RWMutex
	models map[string]*ModelDefinition
}

func New() *Catalog {
	return &Catalog{models: make(map[string]*ModelDefinition)}
}

// Replace swaps in a new definition set wholesale. Duplicate ids reject the
// whole set; the previous table stays in place on error.
func (c *Catalog) Replace(defs []*ModelDefinition) error {
	next := make(map[string]*ModelDefinition, len(defs))
	for _, def := range defs {
		if def.ID == "" {
			return gwerr.Configuration("model definition with empty id")
		}
		if _, dup := next[def.ID]; dup {
			return gwerr.Configuration("duplicate model id: %s", def.ID)
		}
		next[def.ID] = def
	}

	c.mu.Lock()
	c.models = next
	c.mu.Unlock()
	return nil
}

func (c *Catalog) Get(id string) (*ModelDefinition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.models[id]
	return def, ok
}

// List returns the definitions sorted by id for stable listings.
func (c *Catalog) List() []*ModelDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*ModelDefinition, 0, len(c.models))
	for _, def := range c.models {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.models)
}
