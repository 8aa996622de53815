package executor

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infergate/infergate/internal/catalog"
	"github.com/infergate/infergate/internal/gwerr"
	"github.com/infergate/infergate/internal/provider"
	"github.com/infergate/infergate/internal/registry"
	"github.com/infergate/infergate/internal/routing"
	"github.com/infergate/infergate/internal/usage"
)

type fakeProvider struct {
	name       string
	chatCalls  int
	chatFn     func(ctx context.Context, req *provider.ChatCompletionRequest) (*provider.ChatCompletionResponse, error)
	streamFn   func(ctx context.Context, req *provider.ChatCompletionRequest) (<-chan *provider.StreamChunk, error)
	embedFn    func(ctx context.Context, req *provider.EmbeddingRequest) (*provider.EmbeddingResponse, error)
	imageFn    func(ctx context.Context, req *provider.ImageGenerationRequest) (*provider.ImageGenerationResponse, error)
}

var _ provider.Provider = (*fakeProvider)(nil)

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) CreateChatCompletion(ctx context.Context, req *provider.ChatCompletionRequest) (*provider.ChatCompletionResponse, error) {
	f.chatCalls++
	if f.chatFn == nil {
		return nil, errors.New("chat not configured")
	}
	return f.chatFn(ctx, req)
}

func (f *fakeProvider) CreateStreamingChatCompletion(ctx context.Context, req *provider.ChatCompletionRequest) (<-chan *provider.StreamChunk, error) {
	if f.streamFn == nil {
		return nil, errors.New("stream not configured")
	}
	return f.streamFn(ctx, req)
}

func (f *fakeProvider) CreateEmbeddings(ctx context.Context, req *provider.EmbeddingRequest) (*provider.EmbeddingResponse, error) {
	if f.embedFn == nil {
		return nil, errors.New("embeddings not configured")
	}
	return f.embedFn(ctx, req)
}

func (f *fakeProvider) CreateImage(ctx context.Context, req *provider.ImageGenerationRequest) (*provider.ImageGenerationResponse, error) {
	if f.imageFn == nil {
		return nil, errors.New("images not configured")
	}
	return f.imageFn(ctx, req)
}

type captureSink struct {
	mu      sync.Mutex
	records []*usage.Record
}

func (s *captureSink) Record(ctx context.Context, rec *usage.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *captureSink) all() []*usage.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*usage.Record, len(s.records))
	copy(out, s.records)
	return out
}

func newTestExecutor(t *testing.T, providers ...provider.Provider) (*Executor, *captureSink, *routing.Tracker) {
	t.Helper()

	cat := catalog.New()
	require.NoError(t, cat.Replace([]*catalog.ModelDefinition{
		{ID: "gpt-4o", Provider: "openai", UpstreamModel: "gpt-4o-2024-08-06", Type: catalog.TypeCompletions},
		{ID: "text-embedding-3-small", Provider: "openai", UpstreamModel: "text-embedding-3-small", Type: catalog.TypeEmbeddings, Price: catalog.Price{InputPerMillion: 0.2}},
		{ID: "dall-e-3", Provider: "openai", UpstreamModel: "dall-e-3", Type: catalog.TypeImageGeneration},
	}))

	tracker := routing.NewTracker()
	engine := routing.NewEngine(cat, tracker)
	engine.AddRouter(routing.RouterConfig{
		Name:     "tuned",
		Strategy: routing.Strategy{Type: routing.StrategyFallback},
		Targets: []routing.Target{{
			Model:    "gpt-4o-2024-08-06",
			Provider: "openai",
			Params:   map[string]any{"temperature": 0.2, "max_tokens": 128},
		}},
	})

	reg := registry.New()
	for _, p := range providers {
		reg.Register(p.Name(), p)
	}

	sink := &captureSink{}
	return New(engine, reg, sink, usage.NewCalculator(cat), tracker), sink, tracker
}

func userMessage(content string) provider.ChatMessage {
	return provider.ChatMessage{Role: provider.RoleUser, Content: content}
}

func TestChatCompletionRecordsUsage(t *testing.T) {
	var wireReq *provider.ChatCompletionRequest
	p := &fakeProvider{
		name: "openai",
		chatFn: func(ctx context.Context, req *provider.ChatCompletionRequest) (*provider.ChatCompletionResponse, error) {
			wireReq = req
			return &provider.ChatCompletionResponse{
				ID:    "chatcmpl-1",
				Model: req.Model,
				Usage: &provider.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
			}, nil
		},
	}
	exec, sink, tracker := newTestExecutor(t, p)

	rc := &RequestContext{UserID: "user-7", ThreadID: "thread-1", RunID: "run-1"}
	resp, err := exec.ChatCompletion(context.Background(), &provider.ChatCompletionRequest{
		Model:    "gpt-4o",
		Messages: []provider.ChatMessage{userMessage("hello")},
	}, rc)
	require.NoError(t, err)
	require.NotNil(t, resp)

	require.NotNil(t, wireReq)
	assert.Equal(t, "gpt-4o-2024-08-06", wireReq.Model)

	records := sink.all()
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, "openai", rec.Provider)
	assert.Equal(t, "gpt-4o-2024-08-06", rec.Model)
	assert.Equal(t, "user-7", rec.UserID)
	assert.Equal(t, "thread-1", rec.ThreadID)
	assert.Equal(t, "run-1", rec.RunID)
	assert.NotEmpty(t, rec.RequestID)
	assert.Equal(t, 10, rec.InputTokens)
	assert.Equal(t, 20, rec.OutputTokens)
	assert.Equal(t, 30, rec.TotalTokens)
	assert.True(t, rec.Success)
	// gpt-4o default pricing: 5 in, 15 out per million tokens.
	assert.InDelta(t, 10.0/1e6*5+20.0/1e6*15, rec.Cost, 1e-12)

	m, ok := tracker.Snapshot("gpt-4o-2024-08-06", "openai")
	require.True(t, ok)
	assert.Equal(t, 1, m.Samples)
	assert.Zero(t, m.ErrorRate)
}

func TestChatCompletionNoUsageNoRecord(t *testing.T) {
	p := &fakeProvider{
		name: "openai",
		chatFn: func(ctx context.Context, req *provider.ChatCompletionRequest) (*provider.ChatCompletionResponse, error) {
			return &provider.ChatCompletionResponse{ID: "chatcmpl-2", Model: req.Model}, nil
		},
	}
	exec, sink, _ := newTestExecutor(t, p)

	_, err := exec.ChatCompletion(context.Background(), &provider.ChatCompletionRequest{
		Model:    "gpt-4o",
		Messages: []provider.ChatMessage{userMessage("hi")},
	}, nil)
	require.NoError(t, err)
	assert.Empty(t, sink.all())
}

func TestChatCompletionProviderFailure(t *testing.T) {
	p := &fakeProvider{
		name: "openai",
		chatFn: func(ctx context.Context, req *provider.ChatCompletionRequest) (*provider.ChatCompletionResponse, error) {
			return nil, gwerr.RateLimitExceeded("OpenAI rate limit exceeded: slow down")
		},
	}
	exec, sink, tracker := newTestExecutor(t, p)

	_, err := exec.ChatCompletion(context.Background(), &provider.ChatCompletionRequest{
		Model:    "gpt-4o",
		Messages: []provider.ChatMessage{userMessage("hi")},
	}, nil)
	require.Error(t, err)
	assert.True(t, gwerr.IsKind(err, gwerr.KindRateLimitExceeded))

	records := sink.all()
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, "openai", rec.Provider)
	assert.Equal(t, "gpt-4o-2024-08-06", rec.Model)
	assert.False(t, rec.Success)
	assert.Contains(t, rec.Error, "rate limit")
	assert.Zero(t, rec.TotalTokens)
	assert.Zero(t, rec.Cost)

	m, ok := tracker.Snapshot("gpt-4o-2024-08-06", "openai")
	require.True(t, ok)
	assert.Equal(t, 1.0, m.ErrorRate)
}

func TestChatCompletionUnknownModel(t *testing.T) {
	exec, sink, _ := newTestExecutor(t, &fakeProvider{name: "openai"})

	_, err := exec.ChatCompletion(context.Background(), &provider.ChatCompletionRequest{
		Model:    "no-such-model",
		Messages: []provider.ChatMessage{userMessage("hi")},
	}, nil)
	require.Error(t, err)
	assert.True(t, gwerr.IsKind(err, gwerr.KindModelNotFound))

	records := sink.all()
	require.Len(t, records, 1)
	assert.Equal(t, "unknown", records[0].Provider)
	assert.Equal(t, "no-such-model", records[0].Model)
	assert.False(t, records[0].Success)
}

func TestChatCompletionBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	p := &fakeProvider{
		name: "openai",
		chatFn: func(ctx context.Context, req *provider.ChatCompletionRequest) (*provider.ChatCompletionResponse, error) {
			return nil, gwerr.Provider("OpenAI error: boom")
		},
	}
	exec, sink, _ := newTestExecutor(t, p)

	req := &provider.ChatCompletionRequest{
		Model:    "gpt-4o",
		Messages: []provider.ChatMessage{userMessage("hi")},
	}
	for i := 0; i < 3; i++ {
		_, err := exec.ChatCompletion(context.Background(), req, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "boom")
	}

	_, err := exec.ChatCompletion(context.Background(), req, nil)
	require.Error(t, err)
	assert.Equal(t, "circuit breaker is open for provider: openai", err.Error())
	assert.True(t, gwerr.IsKind(err, gwerr.KindProvider))
	assert.Equal(t, 3, p.chatCalls)
	assert.Len(t, sink.all(), 4)
}

func TestChatCompletionRouterParamsApplied(t *testing.T) {
	var wireReq *provider.ChatCompletionRequest
	p := &fakeProvider{
		name: "openai",
		chatFn: func(ctx context.Context, req *provider.ChatCompletionRequest) (*provider.ChatCompletionResponse, error) {
			wireReq = req
			return &provider.ChatCompletionResponse{ID: "chatcmpl-3", Model: req.Model}, nil
		},
	}
	exec, _, _ := newTestExecutor(t, p)

	_, err := exec.ChatCompletion(context.Background(), &provider.ChatCompletionRequest{
		Model:    "router/tuned",
		Messages: []provider.ChatMessage{userMessage("hi")},
	}, nil)
	require.NoError(t, err)

	require.NotNil(t, wireReq)
	assert.Equal(t, "gpt-4o-2024-08-06", wireReq.Model)
	require.NotNil(t, wireReq.Temperature)
	assert.Equal(t, 0.2, *wireReq.Temperature)
	require.NotNil(t, wireReq.MaxTokens)
	assert.Equal(t, 128, *wireReq.MaxTokens)
}

func TestStreamChatCompletionEstimatesTokens(t *testing.T) {
	var wireReq *provider.ChatCompletionRequest
	p := &fakeProvider{
		name: "openai",
		streamFn: func(ctx context.Context, req *provider.ChatCompletionRequest) (<-chan *provider.StreamChunk, error) {
			wireReq = req
			ch := make(chan *provider.StreamChunk, 4)
			for _, content := range []string{"alpha beta gamma", "delta epsilon", "zeta eta theta iota"} {
				ch <- &provider.StreamChunk{Chunk: &provider.ChatCompletionChunk{
					Choices: []provider.ChunkChoice{{Delta: provider.ChunkDelta{Content: content}}},
				}}
			}
			ch <- &provider.StreamChunk{Done: true}
			close(ch)
			return ch, nil
		},
	}
	exec, sink, _ := newTestExecutor(t, p)

	stream, err := exec.StreamChatCompletion(context.Background(), &provider.ChatCompletionRequest{
		Model:    "gpt-4o",
		Messages: []provider.ChatMessage{userMessage("one two three four five six")},
	}, nil)
	require.NoError(t, err)

	var got []*provider.StreamChunk
	for chunk := range stream {
		got = append(got, chunk)
	}
	require.Len(t, got, 4)
	assert.True(t, got[3].Done)

	require.NotNil(t, wireReq)
	assert.True(t, wireReq.Stream)
	assert.Equal(t, "gpt-4o-2024-08-06", wireReq.Model)

	records := sink.all()
	require.Len(t, records, 1)
	rec := records[0]
	// Output words divide per chunk: 3/3 + 2/3 + 4/3 = 1 + 0 + 1.
	assert.Equal(t, 2, rec.OutputTokens)
	// Input: 6 prompt words / 3.
	assert.Equal(t, 2, rec.InputTokens)
	assert.Equal(t, 4, rec.TotalTokens)
	assert.True(t, rec.Success)
	assert.Equal(t, "gpt-4o-2024-08-06", rec.Model)
}

func TestStreamChatCompletionSetupError(t *testing.T) {
	p := &fakeProvider{
		name: "openai",
		streamFn: func(ctx context.Context, req *provider.ChatCompletionRequest) (<-chan *provider.StreamChunk, error) {
			return nil, gwerr.Authentication("OpenAI authentication error: bad key")
		},
	}
	exec, sink, _ := newTestExecutor(t, p)

	_, err := exec.StreamChatCompletion(context.Background(), &provider.ChatCompletionRequest{
		Model:    "gpt-4o",
		Messages: []provider.ChatMessage{userMessage("hi")},
	}, nil)
	require.Error(t, err)
	assert.True(t, gwerr.IsKind(err, gwerr.KindAuthentication))

	records := sink.all()
	require.Len(t, records, 1)
	assert.False(t, records[0].Success)
	assert.Contains(t, records[0].Error, "bad key")
}

func TestStreamChatCompletionChunkError(t *testing.T) {
	p := &fakeProvider{
		name: "openai",
		streamFn: func(ctx context.Context, req *provider.ChatCompletionRequest) (<-chan *provider.StreamChunk, error) {
			ch := make(chan *provider.StreamChunk, 2)
			ch <- &provider.StreamChunk{Chunk: &provider.ChatCompletionChunk{
				Choices: []provider.ChunkChoice{{Delta: provider.ChunkDelta{Content: "partial"}}},
			}}
			ch <- &provider.StreamChunk{Err: gwerr.Provider("OpenAI error: stream blew up")}
			close(ch)
			return ch, nil
		},
	}
	exec, sink, _ := newTestExecutor(t, p)

	stream, err := exec.StreamChatCompletion(context.Background(), &provider.ChatCompletionRequest{
		Model:    "gpt-4o",
		Messages: []provider.ChatMessage{userMessage("hi")},
	}, nil)
	require.NoError(t, err)

	var sawErr error
	for chunk := range stream {
		if chunk.Err != nil {
			sawErr = chunk.Err
		}
	}
	require.Error(t, sawErr)

	records := sink.all()
	require.Len(t, records, 1)
	rec := records[0]
	assert.False(t, rec.Success)
	assert.Contains(t, rec.Error, "stream blew up")
	assert.Equal(t, "openai", rec.Provider)
	assert.Equal(t, "gpt-4o-2024-08-06", rec.Model)
}

func TestEmbeddingsRecordsUsage(t *testing.T) {
	p := &fakeProvider{
		name: "openai",
		embedFn: func(ctx context.Context, req *provider.EmbeddingRequest) (*provider.EmbeddingResponse, error) {
			return &provider.EmbeddingResponse{
				Object: "list",
				Model:  req.Model,
				Usage:  &provider.Usage{PromptTokens: 8, TotalTokens: 8},
			}, nil
		},
	}
	exec, sink, _ := newTestExecutor(t, p)

	_, err := exec.Embeddings(context.Background(), &provider.EmbeddingRequest{
		Model: "text-embedding-3-small",
		Input: provider.EmbeddingInputFrom("hello world"),
	}, nil)
	require.NoError(t, err)

	records := sink.all()
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, 8, rec.InputTokens)
	assert.Zero(t, rec.OutputTokens)
	assert.Equal(t, 8, rec.TotalTokens)
	// Catalog price for text-embedding-3-small: 0.2 per million input tokens.
	assert.InDelta(t, 8.0/1e6*0.2, rec.Cost, 1e-12)
}

func TestEmbeddingsFailureKeepsRequestModel(t *testing.T) {
	p := &fakeProvider{
		name: "openai",
		embedFn: func(ctx context.Context, req *provider.EmbeddingRequest) (*provider.EmbeddingResponse, error) {
			return nil, gwerr.Provider("OpenAI error: no embeddings today")
		},
	}
	exec, sink, _ := newTestExecutor(t, p)

	_, err := exec.Embeddings(context.Background(), &provider.EmbeddingRequest{
		Model: "text-embedding-3-small",
		Input: provider.EmbeddingInputFrom("hello"),
	}, nil)
	require.Error(t, err)

	records := sink.all()
	require.Len(t, records, 1)
	assert.Equal(t, "text-embedding-3-small", records[0].Model)
	assert.Equal(t, "openai", records[0].Provider)
	assert.False(t, records[0].Success)
}

func TestGenerateImageEstimatesPromptTokens(t *testing.T) {
	p := &fakeProvider{
		name: "openai",
		imageFn: func(ctx context.Context, req *provider.ImageGenerationRequest) (*provider.ImageGenerationResponse, error) {
			return &provider.ImageGenerationResponse{
				Data: []provider.ImageData{{URL: "https://img.example/1.png"}},
			}, nil
		},
	}
	exec, sink, _ := newTestExecutor(t, p)

	_, err := exec.GenerateImage(context.Background(), &provider.ImageGenerationRequest{
		Model:  "dall-e-3",
		Prompt: "a tiny red fox jumping over snow",
	}, nil)
	require.NoError(t, err)

	records := sink.all()
	require.Len(t, records, 1)
	rec := records[0]
	// 7 prompt words / 3.
	assert.Equal(t, 2, rec.InputTokens)
	assert.Zero(t, rec.OutputTokens)
	assert.Equal(t, 2, rec.TotalTokens)
	assert.True(t, rec.Success)
}

func TestApplyTargetParams(t *testing.T) {
	req := &provider.ChatCompletionRequest{Model: "m"}
	applyTargetParams(req, map[string]any{
		"temperature":       1,
		"top_p":             float32(0.5),
		"max_tokens":        float64(256),
		"n":                 int64(2),
		"seed":              42,
		"presence_penalty":  0.1,
		"frequency_penalty": 0.2,
		"stop":              []any{"END", "STOP"},
		"user":              "alice",
		"unknown_knob":      "ignored",
	})

	require.NotNil(t, req.Temperature)
	assert.Equal(t, 1.0, *req.Temperature)
	require.NotNil(t, req.TopP)
	assert.Equal(t, 0.5, *req.TopP)
	require.NotNil(t, req.MaxTokens)
	assert.Equal(t, 256, *req.MaxTokens)
	require.NotNil(t, req.N)
	assert.Equal(t, 2, *req.N)
	require.NotNil(t, req.Seed)
	assert.Equal(t, 42, *req.Seed)
	require.NotNil(t, req.PresencePenalty)
	assert.Equal(t, 0.1, *req.PresencePenalty)
	require.NotNil(t, req.FrequencyPenalty)
	assert.Equal(t, 0.2, *req.FrequencyPenalty)
	assert.Equal(t, []string{"END", "STOP"}, req.Stop)
	assert.Equal(t, "alice", req.User)

	applyTargetParams(req, map[string]any{"stop": "HALT"})
	assert.Equal(t, []string{"HALT"}, req.Stop)
}

func TestEstimateInputTokens(t *testing.T) {
	messages := []provider.ChatMessage{
		{Role: provider.RoleSystem, Content: "one two three"},
		{Role: provider.RoleUser, Parts: []provider.ContentPart{{Type: "text", Text: "ignored"}}},
		{Role: provider.RoleUser, Content: "four five six seven"},
	}
	// (3 + 50 + 4) / 3
	assert.Equal(t, 19, estimateInputTokens(messages))
}
