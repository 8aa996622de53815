package provider

import (
	"context"
	"net/http"
	"strings"

	"github.com/infergate/infergate/internal/gwerr"
)

// StreamChunk is one item of a streaming chat completion. Exactly one
// terminal item (Done or Err) closes every stream; no items follow it.
type StreamChunk struct {
	Chunk *ChatCompletionChunk
	Done  bool
	Err   error
}

// Provider adapts one upstream's wire format to the canonical contract.
// Implementations hold no mutable state, never retry, and classify their
// upstream's error vocabulary into the gateway taxonomy themselves.
type Provider interface {
	Name() string
	CreateChatCompletion(ctx context.Context, req *ChatCompletionRequest) (*ChatCompletionResponse, error)
	// CreateStreamingChatCompletion returns a finite single-consumer
	// channel. The producer honors ctx cancellation on every send and
	// closes the channel on all exit paths.
	CreateStreamingChatCompletion(ctx context.Context, req *ChatCompletionRequest) (<-chan *StreamChunk, error)
	CreateEmbeddings(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)
	CreateImage(ctx context.Context, req *ImageGenerationRequest) (*ImageGenerationResponse, error)
}

// ClassifyUpstreamError maps an upstream failure onto the gateway taxonomy.
// The HTTP status decides when present; otherwise the upstream's error
// vocabulary does. Each adapter calls this with its own name so the mapping
// stays adapter-owned.
func ClassifyUpstreamError(name string, status int, message string) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return gwerr.Authentication("%s authentication error: %s", name, message)
	case http.StatusTooManyRequests:
		return gwerr.RateLimitExceeded("%s rate limit exceeded: %s", name, message)
	}

	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "authentication"),
		strings.Contains(lower, "api key"),
		strings.Contains(lower, "unauthorized"):
		return gwerr.Authentication("%s authentication error: %s", name, message)
	case strings.Contains(lower, "rate limit"):
		return gwerr.RateLimitExceeded("%s rate limit exceeded: %s", name, message)
	default:
		return gwerr.Provider("%s error: %s", name, message)
	}
}
