// Package routing resolves logical model names to concrete provider targets.
// Names with the "router/" prefix go through a named router and its strategy;
// anything else is a direct catalog lookup.
package routing

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/infergate/infergate/internal/catalog"
	"github.com/infergate/infergate/internal/gwerr"
)

const routerPrefix = "router/"

// Target is the outcome of a routing decision: the model name to send
// upstream, the provider that serves it, and optional parameter overrides.
type Target struct {
	Model    string
	Provider string
	Params   map[string]any
}

type StrategyType string

const (
	StrategyFallback   StrategyType = "fallback"
	StrategyPercentage StrategyType = "percentage"
	StrategyRandom     StrategyType = "random"
	StrategyOptimized  StrategyType = "optimized"
)

// Strategy carries the per-type settings. Weights applies to percentage
// routers, Metric and Order to optimized ones.
type Strategy struct {
	Type    StrategyType
	Weights []float64
	Metric  string
	Order   string
}

type RouterConfig struct {
	Name     string
	Strategy Strategy
	Targets  []Target
}

// FromSpec converts a parsed catalog router declaration into a live config.
func FromSpec(spec catalog.RouterSpec) RouterConfig {
	targets := make([]Target, len(spec.Targets))
	for i, t := range spec.Targets {
		targets[i] = Target{Model: t.Model, Provider: t.Provider, Params: t.Params}
	}
	return RouterConfig{
		Name: spec.Name,
		Strategy: Strategy{
			Type:    StrategyType(spec.Strategy.Type),
			Weights: spec.Strategy.Weights,
			Metric:  spec.Strategy.Metric,
			Order:   spec.Strategy.Order,
		},
		Targets: targets,
	}
}

type randSource interface {
	Float64() float64
	Intn(n int) int
}

type globalRand struct{}

func (globalRand) Float64() float64 { return rand.Float64() }
func (globalRand) Intn(n int) int   { return rand.Intn(n) }

// Engine holds the router table and applies strategies. Safe for concurrent
// use; AddRouter replaces a router's whole config at once.
type Engine struct {
	mu      sync.RWMutex
	routers map[string]*RouterConfig
	catalog *catalog.Catalog
	metrics MetricsSource
	rng     randSource
}

// NewEngine creates a routing engine over the given catalog. metrics may be
// nil, in which case optimized routers fall back to random selection.
func NewEngine(cat *catalog.Catalog, metrics MetricsSource) *Engine {
	return &Engine{
		routers: make(map[string]*RouterConfig),
		catalog: cat,
		metrics: metrics,
		rng:     globalRand{},
	}
}

func (e *Engine) AddRouter(cfg RouterConfig) {
	e.mu.Lock()
	e.routers[cfg.Name] = &cfg
	e.mu.Unlock()
}

// Load installs every router declared in the given specs.
func (e *Engine) Load(specs []catalog.RouterSpec) {
	for _, spec := range specs {
		e.AddRouter(FromSpec(spec))
	}
}

func (e *Engine) Router(name string) (*RouterConfig, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cfg, ok := e.routers[name]
	return cfg, ok
}

// Names returns the router names sorted for stable listings.
func (e *Engine) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.routers))
	for name := range e.routers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve maps a requested model name to a concrete target. "router/<name>"
// goes through the named router's strategy; any other name must exist in the
// catalog and resolves to its upstream model and provider.
func (e *Engine) Resolve(model string) (Target, error) {
	if strings.HasPrefix(model, routerPrefix) {
		name := strings.TrimPrefix(model, routerPrefix)

		e.mu.RLock()
		router, ok := e.routers[name]
		e.mu.RUnlock()
		if !ok {
			return Target{}, gwerr.Router("Router not found: %s", name)
		}
		return e.route(router)
	}

	def, ok := e.catalog.Get(model)
	if !ok {
		return Target{}, gwerr.ModelNotFound("Model not found: %s", model)
	}
	return Target{Model: def.UpstreamModel, Provider: def.Provider}, nil
}

func (e *Engine) route(router *RouterConfig) (Target, error) {
	if len(router.Targets) == 0 {
		return Target{}, gwerr.Router("Router %s has no targets", router.Name)
	}

	target, err := e.selectTarget(router)
	if err != nil {
		log.Error().
			Str("router", router.Name).
			Str("strategy", string(router.Strategy.Type)).
			Err(err).
			Msg("Routing strategy failed")
		return Target{}, gwerr.Router("Routing strategy error: %v", err)
	}
	return target, nil
}

func (e *Engine) selectTarget(router *RouterConfig) (Target, error) {
	switch router.Strategy.Type {
	case StrategyFallback:
		// fallback always selects the primary target
		return router.Targets[0], nil
	case StrategyPercentage:
		return e.selectByPercentage(router)
	case StrategyRandom:
		return router.Targets[e.rng.Intn(len(router.Targets))], nil
	case StrategyOptimized:
		return e.selectOptimized(router)
	default:
		return Target{}, fmt.Errorf("unknown routing strategy: %s", router.Strategy.Type)
	}
}

func (e *Engine) selectByPercentage(router *RouterConfig) (Target, error) {
	weights := router.Strategy.Weights
	if len(weights) == 0 {
		return Target{}, fmt.Errorf("percentage strategy requires weights")
	}
	if len(weights) != len(router.Targets) {
		return Target{}, fmt.Errorf("number of weights (%d) does not match number of targets (%d)",
			len(weights), len(router.Targets))
	}

	var total float64
	for _, w := range weights {
		total += w
	}
	if total == 0 {
		return Target{}, fmt.Errorf("percentage weights sum to zero")
	}
	if total != 100 {
		normalized := make([]float64, len(weights))
		for i, w := range weights {
			normalized[i] = w * 100 / total
		}
		weights = normalized
	}

	randVal := e.rng.Float64() * 100
	var cumulative float64
	for i, pct := range weights {
		cumulative += pct
		if randVal <= cumulative {
			return router.Targets[i], nil
		}
	}
	// float rounding can leave the cumulative sum just under 100
	return router.Targets[len(router.Targets)-1], nil
}

func (e *Engine) selectOptimized(router *RouterConfig) (Target, error) {
	if router.Strategy.Metric == "" {
		return Target{}, fmt.Errorf("optimized strategy requires a metric selector")
	}

	if e.metrics == nil {
		log.Warn().
			Str("router", router.Name).
			Msg("Optimized routing strategy not fully implemented, falling back to random")
		return router.Targets[e.rng.Intn(len(router.Targets))], nil
	}

	if target, ok := e.bestByMetric(router); ok {
		return target, nil
	}
	log.Warn().
		Str("router", router.Name).
		Str("metric", router.Strategy.Metric).
		Msg("Optimized routing strategy has no samples yet, falling back to random")
	return router.Targets[e.rng.Intn(len(router.Targets))], nil
}

func (e *Engine) bestByMetric(router *RouterConfig) (Target, bool) {
	best := -1
	var bestVal float64

	for i, t := range router.Targets {
		m, ok := e.metrics.Snapshot(t.Model, t.Provider)
		if !ok || m.Samples == 0 {
			continue
		}

		var val float64
		switch router.Strategy.Metric {
		case "latency":
			val = m.AvgLatencyMS
		case "error_rate":
			val = m.ErrorRate
		default:
			return Target{}, false
		}

		if best == -1 {
			best, bestVal = i, val
			continue
		}
		if router.Strategy.Order == "max" {
			if val > bestVal {
				best, bestVal = i, val
			}
		} else {
			if val < bestVal {
				best, bestVal = i, val
			}
		}
	}

	if best == -1 {
		return Target{}, false
	}
	return router.Targets[best], true
}
