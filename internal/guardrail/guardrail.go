// Package guardrail screens chat traffic before and after execution.
// Evaluators run in registration order; the first violation aborts the
// request with a GuardrailError.
package guardrail

import (
	"context"
	"regexp"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/infergate/infergate/internal/gwerr"
	"github.com/infergate/infergate/internal/provider"
)

type Mode string

const (
	ModeBlock Mode = "block"
	ModeAllow Mode = "allow"
)

type Evaluator interface {
	Name() string
	EvaluateInput(ctx context.Context, req *provider.ChatCompletionRequest) error
	EvaluateOutput(ctx context.Context, resp *provider.ChatCompletionResponse) error
}

// RegexEvaluator matches the relevant message text against a pattern set.
// In block mode a match is a violation; in allow mode a match is required.
type RegexEvaluator struct {
	name        string
	patterns    []*regexp.Regexp
	mode        Mode
	description string
}

func NewRegex(name string, patterns []string, mode Mode, description string) (*RegexEvaluator, error) {
	compiled := make([]*regexp.Regexp, len(patterns))
	for i, pattern := range patterns {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return nil, gwerr.Configuration("invalid guardrail pattern %q: %v", pattern, err)
		}
		compiled[i] = re
	}
	return &RegexEvaluator{
		name:        name,
		patterns:    compiled,
		mode:        mode,
		description: description,
	}, nil
}

func (e *RegexEvaluator) Name() string {
	return e.name
}

func (e *RegexEvaluator) EvaluateInput(ctx context.Context, req *provider.ChatCompletionRequest) error {
	var last *provider.ChatMessage
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == provider.RoleUser {
			last = &req.Messages[i]
			break
		}
	}
	if last == nil {
		return nil
	}
	return e.check(last.Text(), "Input", "Required content missing")
}

func (e *RegexEvaluator) EvaluateOutput(ctx context.Context, resp *provider.ChatCompletionResponse) error {
	if len(resp.Choices) == 0 {
		return nil
	}
	msg := resp.Choices[0].Message
	return e.check(msg.Text(), "Output", "Required content missing")
}

func (e *RegexEvaluator) check(text, direction, allowFallback string) error {
	for _, pattern := range e.patterns {
		if pattern.MatchString(text) {
			if e.mode == ModeBlock {
				return gwerr.Guardrail("%s violates guardrail '%s': %s",
					direction, e.name, e.describeOr("Blocked content"))
			}
			return nil
		}
	}
	if e.mode == ModeBlock {
		return nil
	}
	return gwerr.Guardrail("%s violates guardrail '%s': %s", direction, e.name, e.describeOr(allowFallback))
}

func (e *RegexEvaluator) describeOr(fallback string) string {
	if e.description != "" {
		return e.description
	}
	return fallback
}

// Chain holds the active evaluators. Adding an evaluator with an existing
// name replaces it in place, keeping its position.
type Chain struct {
	mu         sync.RWMutex
	evaluators []Evaluator
	enabled    bool
}

func NewChain(enabled bool) *Chain {
	return &Chain{enabled: enabled}
}

// DefaultChain ships the stock PII blocker.
func DefaultChain(enabled bool) *Chain {
	c := NewChain(enabled)
	if !enabled {
		return c
	}
	pii, err := NewRegex("pii", []string{
		`\b\d{3}[-.]?\d{2}[-.]?\d{4}\b`,
		`\b\d{16}\b`,
		`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`,
	}, ModeBlock, "Blocks content with personally identifiable information")
	if err != nil {
		log.Error().Err(err).Msg("Failed to build default guardrails")
		return c
	}
	c.Add(pii)
	return c
}

func (c *Chain) Add(e Evaluator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.evaluators {
		if existing.Name() == e.Name() {
			c.evaluators[i] = e
			return
		}
	}
	c.evaluators = append(c.evaluators, e)
	log.Debug().Str("guardrail", e.Name()).Msg("Added guardrail evaluator")
}

func (c *Chain) Remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.evaluators {
		if e.Name() == name {
			c.evaluators = append(c.evaluators[:i], c.evaluators[i+1:]...)
			log.Debug().Str("guardrail", name).Msg("Removed guardrail evaluator")
			return
		}
	}
}

func (c *Chain) Enabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enabled
}

func (c *Chain) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, len(c.evaluators))
	for i, e := range c.evaluators {
		names[i] = e.Name()
	}
	return names
}

func (c *Chain) EvaluateInput(ctx context.Context, req *provider.ChatCompletionRequest) error {
	c.mu.RLock()
	enabled := c.enabled
	evaluators := make([]Evaluator, len(c.evaluators))
	copy(evaluators, c.evaluators)
	c.mu.RUnlock()

	if !enabled {
		return nil
	}
	for _, e := range evaluators {
		if err := e.EvaluateInput(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

func (c *Chain) EvaluateOutput(ctx context.Context, resp *provider.ChatCompletionResponse) error {
	c.mu.RLock()
	enabled := c.enabled
	evaluators := make([]Evaluator, len(c.evaluators))
	copy(evaluators, c.evaluators)
	c.mu.RUnlock()

	if !enabled {
		return nil
	}
	for _, e := range evaluators {
		if err := e.EvaluateOutput(ctx, resp); err != nil {
			return err
		}
	}
	return nil
}
