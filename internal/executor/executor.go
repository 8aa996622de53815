// Package executor orchestrates one gateway request end to end: routing,
// adapter invocation behind a per-provider circuit breaker, usage
// accounting, and structured request logging. Failures are recorded and
// re-raised unchanged; the executor never swallows an error.
package executor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/infergate/infergate/internal/gwerr"
	"github.com/infergate/infergate/internal/provider"
	"github.com/infergate/infergate/internal/registry"
	"github.com/infergate/infergate/internal/routing"
	"github.com/infergate/infergate/internal/usage"
)

type Executor struct {
	engine   *routing.Engine
	registry *registry.Registry
	sink     usage.Sink
	costs    *usage.Calculator
	tracker  *routing.Tracker

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// New wires the executor. sink and tracker may be nil; a nil costs falls
// back to default pricing.
func New(engine *routing.Engine, reg *registry.Registry, sink usage.Sink, costs *usage.Calculator, tracker *routing.Tracker) *Executor {
	if costs == nil {
		costs = usage.NewCalculator(nil)
	}
	return &Executor{
		engine:   engine,
		registry: reg,
		sink:     sink,
		costs:    costs,
		tracker:  tracker,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (e *Executor) breaker(name string) *gobreaker.CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cb, ok := e.breakers[name]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	e.breakers[name] = cb
	return cb
}

func (e *Executor) breakerError(providerName string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return gwerr.Provider("circuit breaker is open for provider: %s", providerName)
	}
	return err
}

func (e *Executor) ChatCompletion(ctx context.Context, req *provider.ChatCompletionRequest, rc *RequestContext) (*provider.ChatCompletionResponse, error) {
	if rc == nil {
		rc = NewRequestContext()
	}
	rc.ensureDefaults()

	log.Info().
		Str("request_id", rc.RequestID).
		Str("model", req.Model).
		Int("messages_count", len(req.Messages)).
		Bool("stream", req.Stream).
		Str("user_id", rc.UserID).
		Str("thread_id", rc.ThreadID).
		Msg("Chat completion request")

	target, err := e.engine.Resolve(req.Model)
	if err != nil {
		e.logError(rc, req.Model, err, "Chat completion error")
		e.recordFailure(rc, fallbackModel(rc, req.Model), err)
		return nil, err
	}
	rc.WithTarget(target)

	p, err := e.registry.Get(target.Provider)
	if err != nil {
		e.logError(rc, req.Model, err, "Chat completion error")
		e.recordFailure(rc, fallbackModel(rc, req.Model), err)
		return nil, err
	}

	modified := req.Clone()
	modified.Model = target.Model
	applyTargetParams(modified, target.Params)

	cb := e.breaker(target.Provider)
	result, err := cb.Execute(func() (interface{}, error) {
		return p.CreateChatCompletion(ctx, modified)
	})
	if err != nil {
		err = e.breakerError(target.Provider, err)
		e.observe(rc, true)
		e.logError(rc, req.Model, err, "Chat completion error")
		e.recordFailure(rc, fallbackModel(rc, req.Model), err)
		return nil, err
	}
	resp := result.(*provider.ChatCompletionResponse)
	e.observe(rc, false)

	if resp.Usage != nil {
		e.record(rc, target.Provider, target.Model,
			resp.Usage.PromptTokens, resp.Usage.CompletionTokens, resp.Usage.TotalTokens)
	}

	evt := log.Info().
		Str("request_id", rc.RequestID).
		Str("model", target.Model).
		Str("provider", target.Provider).
		Int64("latency_ms", rc.ElapsedMS())
	if resp.Usage != nil {
		evt = evt.Int("tokens", resp.Usage.TotalTokens)
	}
	evt.Msg("Chat completion success")

	return resp, nil
}

func (e *Executor) StreamChatCompletion(ctx context.Context, req *provider.ChatCompletionRequest, rc *RequestContext) (<-chan *provider.StreamChunk, error) {
	if rc == nil {
		rc = NewRequestContext()
	}
	rc.ensureDefaults()

	log.Info().
		Str("request_id", rc.RequestID).
		Str("model", req.Model).
		Int("messages_count", len(req.Messages)).
		Str("user_id", rc.UserID).
		Str("thread_id", rc.ThreadID).
		Msg("Streaming chat completion request")

	target, err := e.engine.Resolve(req.Model)
	if err != nil {
		e.logError(rc, req.Model, err, "Streaming chat completion error")
		e.recordFailure(rc, fallbackModel(rc, req.Model), err)
		return nil, err
	}
	rc.WithTarget(target)

	p, err := e.registry.Get(target.Provider)
	if err != nil {
		e.logError(rc, req.Model, err, "Streaming chat completion error")
		e.recordFailure(rc, fallbackModel(rc, req.Model), err)
		return nil, err
	}

	modified := req.Clone()
	modified.Model = target.Model
	modified.Stream = true
	applyTargetParams(modified, target.Params)

	cb := e.breaker(target.Provider)
	if cb.State() == gobreaker.StateOpen {
		err := gwerr.Provider("circuit breaker is open for provider: %s", target.Provider)
		e.logError(rc, req.Model, err, "Streaming chat completion error")
		e.recordFailure(rc, fallbackModel(rc, req.Model), err)
		return nil, err
	}

	source, err := p.CreateStreamingChatCompletion(ctx, modified)
	if err != nil {
		cb.Execute(func() (interface{}, error) { return nil, err })
		e.observe(rc, true)
		e.logError(rc, req.Model, err, "Streaming chat completion error")
		e.recordFailure(rc, fallbackModel(rc, req.Model), err)
		return nil, err
	}

	out := make(chan *provider.StreamChunk)

	go func() {
		defer close(out)

		var outputTokens int
		var streamErr error

		for chunk := range source {
			if chunk.Err != nil {
				streamErr = chunk.Err
				cb.Execute(func() (interface{}, error) { return nil, chunk.Err })
			}
			if chunk.Chunk != nil {
				for _, choice := range chunk.Chunk.Choices {
					if choice.Delta.Content != "" {
						outputTokens += len(strings.Fields(choice.Delta.Content)) / 3
					}
				}
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				e.observe(rc, true)
				e.logError(rc, req.Model, ctx.Err(), "Streaming chat completion error")
				e.recordFailure(rc, fallbackModel(rc, req.Model), ctx.Err())
				return
			}
		}

		if streamErr != nil {
			e.observe(rc, true)
			e.logError(rc, req.Model, streamErr, "Streaming chat completion error")
			e.recordFailure(rc, fallbackModel(rc, req.Model), streamErr)
			return
		}

		e.observe(rc, false)
		inputTokens := estimateInputTokens(req.Messages)
		e.record(rc, target.Provider, target.Model, inputTokens, outputTokens, inputTokens+outputTokens)

		log.Info().
			Str("request_id", rc.RequestID).
			Str("model", target.Model).
			Str("provider", target.Provider).
			Int64("latency_ms", rc.ElapsedMS()).
			Int("estimated_tokens", inputTokens+outputTokens).
			Msg("Streaming chat completion success")
	}()

	return out, nil
}

func (e *Executor) Embeddings(ctx context.Context, req *provider.EmbeddingRequest, rc *RequestContext) (*provider.EmbeddingResponse, error) {
	if rc == nil {
		rc = NewRequestContext()
	}
	rc.ensureDefaults()

	log.Info().
		Str("request_id", rc.RequestID).
		Str("model", req.Model).
		Str("user_id", rc.UserID).
		Msg("Embeddings request")

	target, err := e.engine.Resolve(req.Model)
	if err != nil {
		e.logError(rc, req.Model, err, "Embeddings error")
		e.recordFailure(rc, req.Model, err)
		return nil, err
	}
	rc.WithTarget(target)

	p, err := e.registry.Get(target.Provider)
	if err != nil {
		e.logError(rc, req.Model, err, "Embeddings error")
		e.recordFailure(rc, req.Model, err)
		return nil, err
	}

	modified := *req
	modified.Model = target.Model

	cb := e.breaker(target.Provider)
	result, err := cb.Execute(func() (interface{}, error) {
		return p.CreateEmbeddings(ctx, &modified)
	})
	if err != nil {
		err = e.breakerError(target.Provider, err)
		e.observe(rc, true)
		e.logError(rc, req.Model, err, "Embeddings error")
		e.recordFailure(rc, req.Model, err)
		return nil, err
	}
	resp := result.(*provider.EmbeddingResponse)
	e.observe(rc, false)

	if resp.Usage != nil {
		e.record(rc, target.Provider, target.Model, resp.Usage.PromptTokens, 0, resp.Usage.TotalTokens)
	}

	evt := log.Info().
		Str("request_id", rc.RequestID).
		Str("model", target.Model).
		Str("provider", target.Provider).
		Int64("latency_ms", rc.ElapsedMS())
	if resp.Usage != nil {
		evt = evt.Int("tokens", resp.Usage.TotalTokens)
	}
	evt.Msg("Embeddings success")

	return resp, nil
}

func (e *Executor) GenerateImage(ctx context.Context, req *provider.ImageGenerationRequest, rc *RequestContext) (*provider.ImageGenerationResponse, error) {
	if rc == nil {
		rc = NewRequestContext()
	}
	rc.ensureDefaults()

	log.Info().
		Str("request_id", rc.RequestID).
		Str("model", req.Model).
		Str("user_id", rc.UserID).
		Msg("Image generation request")

	target, err := e.engine.Resolve(req.Model)
	if err != nil {
		e.logError(rc, req.Model, err, "Image generation error")
		e.recordFailure(rc, req.Model, err)
		return nil, err
	}
	rc.WithTarget(target)

	p, err := e.registry.Get(target.Provider)
	if err != nil {
		e.logError(rc, req.Model, err, "Image generation error")
		e.recordFailure(rc, req.Model, err)
		return nil, err
	}

	modified := *req
	modified.Model = target.Model

	cb := e.breaker(target.Provider)
	result, err := cb.Execute(func() (interface{}, error) {
		return p.CreateImage(ctx, &modified)
	})
	if err != nil {
		err = e.breakerError(target.Provider, err)
		e.observe(rc, true)
		e.logError(rc, req.Model, err, "Image generation error")
		e.recordFailure(rc, req.Model, err)
		return nil, err
	}
	resp := result.(*provider.ImageGenerationResponse)
	e.observe(rc, false)

	promptTokens := len(strings.Fields(req.Prompt)) / 3
	e.record(rc, target.Provider, target.Model, promptTokens, 0, promptTokens)

	log.Info().
		Str("request_id", rc.RequestID).
		Str("model", target.Model).
		Str("provider", target.Provider).
		Int64("latency_ms", rc.ElapsedMS()).
		Int("images_count", len(resp.Data)).
		Msg("Image generation success")

	return resp, nil
}

func (e *Executor) observe(rc *RequestContext, failed bool) {
	if e.tracker == nil || rc.TargetProvider == "" {
		return
	}
	e.tracker.Observe(rc.TargetModel, rc.TargetProvider, time.Since(rc.Start), failed)
}

func (e *Executor) record(rc *RequestContext, providerName, model string, in, out, total int) {
	if e.sink == nil {
		return
	}
	rec := &usage.Record{
		Provider:     providerName,
		Model:        model,
		UserID:       rc.UserID,
		RequestID:    rc.RequestID,
		ThreadID:     rc.ThreadID,
		RunID:        rc.RunID,
		InputTokens:  in,
		OutputTokens: out,
		TotalTokens:  total,
		LatencyMS:    rc.ElapsedMS(),
		Success:      true,
		Cost:         e.costs.Cost(model, in, out),
	}
	if err := e.sink.Record(context.Background(), rec); err != nil {
		log.Error().Err(err).Str("request_id", rc.RequestID).Msg("Failed to record usage")
	}
}

// recordFailure writes the single zero-token failure record every failed
// request leaves behind; the cause travels back to the caller untouched.
func (e *Executor) recordFailure(rc *RequestContext, model string, cause error) {
	if e.sink == nil {
		return
	}
	providerName := rc.TargetProvider
	if providerName == "" {
		providerName = "unknown"
	}
	rec := &usage.Record{
		Provider:  providerName,
		Model:     model,
		UserID:    rc.UserID,
		RequestID: rc.RequestID,
		ThreadID:  rc.ThreadID,
		RunID:     rc.RunID,
		LatencyMS: rc.ElapsedMS(),
		Success:   false,
		Error:     cause.Error(),
	}
	if err := e.sink.Record(context.Background(), rec); err != nil {
		log.Error().Err(err).Str("request_id", rc.RequestID).Msg("Failed to record usage")
	}
}

func (e *Executor) logError(rc *RequestContext, model string, cause error, msg string) {
	log.Error().
		Err(cause).
		Str("request_id", rc.RequestID).
		Str("model", model).
		Int64("latency_ms", rc.ElapsedMS()).
		Msg(msg)
}

func fallbackModel(rc *RequestContext, requestModel string) string {
	if rc.TargetModel != "" {
		return rc.TargetModel
	}
	return requestModel
}

// estimateInputTokens is the rough streaming estimate: whole words divided
// by three, with a flat 50 words for structured multi-part content.
func estimateInputTokens(messages []provider.ChatMessage) int {
	words := 0
	for _, m := range messages {
		if len(m.Parts) > 0 {
			words += 50
		} else {
			words += len(strings.Fields(m.Content))
		}
	}
	return words / 3
}

// applyTargetParams copies recognized router target parameters onto the
// outbound request. Unknown keys are ignored.
func applyTargetParams(req *provider.ChatCompletionRequest, params map[string]any) {
	for key, value := range params {
		switch key {
		case "temperature":
			if f, ok := floatValue(value); ok {
				req.Temperature = &f
			}
		case "top_p":
			if f, ok := floatValue(value); ok {
				req.TopP = &f
			}
		case "max_tokens":
			if n, ok := intValue(value); ok {
				req.MaxTokens = &n
			}
		case "n":
			if n, ok := intValue(value); ok {
				req.N = &n
			}
		case "seed":
			if n, ok := intValue(value); ok {
				req.Seed = &n
			}
		case "presence_penalty":
			if f, ok := floatValue(value); ok {
				req.PresencePenalty = &f
			}
		case "frequency_penalty":
			if f, ok := floatValue(value); ok {
				req.FrequencyPenalty = &f
			}
		case "stop":
			if stops := stringSlice(value); stops != nil {
				req.Stop = stops
			}
		case "user":
			if s, ok := value.(string); ok {
				req.User = s
			}
		}
	}
}

func floatValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func stringSlice(v any) []string {
	switch s := v.(type) {
	case string:
		return []string{s}
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}
