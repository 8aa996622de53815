package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infergate/infergate/internal/gwerr"
	"github.com/infergate/infergate/internal/provider"
)

type fakeProvider struct {
	name string
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) CreateChatCompletion(ctx context.Context, req *provider.ChatCompletionRequest) (*provider.ChatCompletionResponse, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeProvider) CreateStreamingChatCompletion(ctx context.Context, req *provider.ChatCompletionRequest) (<-chan *provider.StreamChunk, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeProvider) CreateEmbeddings(ctx context.Context, req *provider.EmbeddingRequest) (*provider.EmbeddingResponse, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeProvider) CreateImage(ctx context.Context, req *provider.ImageGenerationRequest) (*provider.ImageGenerationResponse, error) {
	return nil, errors.New("not implemented")
}

func TestRegisterAndGet(t *testing.T) {
	r := New()
	p := &fakeProvider{name: "openai"}
	r.Register("openai", p)

	got, err := r.Get("openai")
	require.NoError(t, err)
	assert.Same(t, p, got)
}

func TestGetUnknownProvider(t *testing.T) {
	r := New()

	_, err := r.Get("nope")
	require.Error(t, err)
	assert.True(t, gwerr.IsKind(err, gwerr.KindProviderNotFound))
	assert.Equal(t, "Provider not found: nope", err.Error())
}

func TestFactoryBuildsLazily(t *testing.T) {
	r := New()
	var built atomic.Int32
	r.RegisterFactory("anthropic", func() (provider.Provider, error) {
		built.Add(1)
		return &fakeProvider{name: "anthropic"}, nil
	})

	assert.Equal(t, int32(0), built.Load())

	first, err := r.Get("anthropic")
	require.NoError(t, err)
	second, err := r.Get("anthropic")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, int32(1), built.Load())
}

func TestFactoryBuildsOnceUnderConcurrentFirstUse(t *testing.T) {
	r := New()
	var built atomic.Int32
	r.RegisterFactory("gemini", func() (provider.Provider, error) {
		built.Add(1)
		return &fakeProvider{name: "gemini"}, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := r.Get("gemini")
			assert.NoError(t, err)
			assert.NotNil(t, p)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), built.Load())
}

func TestFailingFactoryRetriesOnNextGet(t *testing.T) {
	r := New()
	var calls atomic.Int32
	r.RegisterFactory("azure", func() (provider.Provider, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("missing endpoint")
		}
		return &fakeProvider{name: "azure"}, nil
	})

	_, err := r.Get("azure")
	require.Error(t, err)
	assert.True(t, gwerr.IsKind(err, gwerr.KindProviderNotFound))
	assert.Contains(t, err.Error(), "failed to initialize")

	p, err := r.Get("azure")
	require.NoError(t, err)
	assert.Equal(t, "azure", p.Name())
	assert.Equal(t, int32(2), calls.Load())
}

func TestNamesSortedUnion(t *testing.T) {
	r := New()
	r.Register("openai", &fakeProvider{name: "openai"})
	r.RegisterFactory("anthropic", func() (provider.Provider, error) {
		return &fakeProvider{name: "anthropic"}, nil
	})
	r.RegisterFactory("gemini", func() (provider.Provider, error) {
		return &fakeProvider{name: "gemini"}, nil
	})

	assert.Equal(t, []string{"anthropic", "gemini", "openai"}, r.Names())
}
