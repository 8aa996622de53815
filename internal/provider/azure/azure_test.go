package azure

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/infergate/infergate/internal/gwerr"
	"github.com/infergate/infergate/internal/provider"
)

func TestCreateChatCompletion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/openai/deployments/gpt-4o/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.URL.Query().Get("api-version") != "2024-02-01" {
			t.Errorf("expected api-version query, got %q", r.URL.Query().Get("api-version"))
		}
		if r.Header.Get("api-key") != "test-key" {
			t.Errorf("expected api-key header, got %q", r.Header.Get("api-key"))
		}
		if r.Header.Get("Authorization") != "" {
			t.Errorf("expected no Authorization header, got %q", r.Header.Get("Authorization"))
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(provider.ChatCompletionResponse{
			ID:      "chatcmpl-az1",
			Object:  "chat.completion",
			Model:   "gpt-4o",
			Choices: []provider.ChatCompletionChoice{{
				Message:      provider.ChatMessage{Role: provider.RoleAssistant, Content: "Hello from Azure!"},
				FinishReason: provider.FinishStop,
			}},
			Usage: &provider.Usage{PromptTokens: 8, CompletionTokens: 4, TotalTokens: 12},
		})
	}))
	defer server.Close()

	p := &AzureProvider{apiKey: "test-key", endpoint: server.URL, apiVersion: "2024-02-01"}

	resp, err := p.CreateChatCompletion(context.Background(), &provider.ChatCompletionRequest{
		Model:    "gpt-4o",
		Messages: []provider.ChatMessage{{Role: provider.RoleUser, Content: "Hello"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Choices[0].Message.Content != "Hello from Azure!" {
		t.Errorf("unexpected content: %q", resp.Choices[0].Message.Content)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 12 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
}

func TestCreateChatCompletionAuthError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"Access denied due to invalid subscription key"}}`))
	}))
	defer server.Close()

	p := &AzureProvider{apiKey: "bad-key", endpoint: server.URL, apiVersion: "2024-02-01"}

	_, err := p.CreateChatCompletion(context.Background(), &provider.ChatCompletionRequest{
		Model:    "gpt-4o",
		Messages: []provider.ChatMessage{{Role: provider.RoleUser, Content: "hi"}},
	})
	if !gwerr.IsKind(err, gwerr.KindAuthentication) {
		t.Errorf("expected authentication error, got %v", err)
	}
	if !strings.Contains(err.Error(), "Azure authentication error:") {
		t.Errorf("unexpected message: %q", err.Error())
	}
}

func TestCreateStreamingChatCompletion(t *testing.T) {
	chunks := []string{
		`data: {"id":"chatcmpl-az2","object":"chat.completion.chunk","model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`,
		`data: {"id":"chatcmpl-az2","object":"chat.completion.chunk","model":"gpt-4o","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":"stop"}]}`,
		`data: [DONE]`,
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("failed to decode request body: %v", err)
		}
		if body["stream"] != true {
			t.Errorf("expected stream true in upstream request, got %v", body["stream"])
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(strings.Join(chunks, "\n\n") + "\n"))
	}))
	defer server.Close()

	p := &AzureProvider{apiKey: "test-key", endpoint: server.URL, apiVersion: "2024-02-01"}

	ch, err := p.CreateStreamingChatCompletion(context.Background(), &provider.ChatCompletionRequest{
		Model:    "gpt-4o",
		Messages: []provider.ChatMessage{{Role: provider.RoleUser, Content: "Hello"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var content string
	var done bool
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("unexpected stream error: %v", chunk.Err)
		}
		if chunk.Done {
			done = true
			continue
		}
		for _, c := range chunk.Chunk.Choices {
			content += c.Delta.Content
		}
	}
	if content != "Hello" {
		t.Errorf("expected streamed content %q, got %q", "Hello", content)
	}
	if !done {
		t.Error("expected done chunk")
	}
}

func TestCreateEmbeddings(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/openai/deployments/text-embedding-3-small/embeddings" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(provider.EmbeddingResponse{
			Object: "list",
			Data:   []provider.EmbeddingData{{Object: "embedding", Embedding: []float64{0.1, 0.2}}},
			Model:  "text-embedding-3-small",
			Usage:  &provider.Usage{PromptTokens: 3, TotalTokens: 3},
		})
	}))
	defer server.Close()

	p := &AzureProvider{apiKey: "test-key", endpoint: server.URL, apiVersion: "2024-02-01"}

	resp, err := p.CreateEmbeddings(context.Background(), &provider.EmbeddingRequest{
		Model: "text-embedding-3-small",
		Input: provider.EmbeddingInputFrom("hello"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Data) != 1 || len(resp.Data[0].Embedding) != 2 {
		t.Errorf("unexpected embeddings: %+v", resp.Data)
	}
}

func TestCreateEmbeddingsErrorStaysProviderError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer server.Close()

	p := &AzureProvider{apiKey: "bad-key", endpoint: server.URL, apiVersion: "2024-02-01"}

	_, err := p.CreateEmbeddings(context.Background(), &provider.EmbeddingRequest{
		Model: "text-embedding-3-small",
		Input: provider.EmbeddingInputFrom("hello"),
	})
	if !gwerr.IsKind(err, gwerr.KindProvider) {
		t.Errorf("expected provider error, got %v", err)
	}
	if !strings.HasPrefix(err.Error(), "Azure embeddings error:") {
		t.Errorf("unexpected message: %q", err.Error())
	}
}

func TestCreateImage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/openai/deployments/dall-e-3/images/generations" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var body provider.ImageGenerationRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("failed to decode request body: %v", err)
		}
		if body.N != 1 || body.Size != "1024x1024" {
			t.Errorf("expected defaults applied, got n=%d size=%q", body.N, body.Size)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(provider.ImageGenerationResponse{
			Created: 1700000000,
			Data:    []provider.ImageData{{URL: "https://example.com/img.png"}},
		})
	}))
	defer server.Close()

	p := &AzureProvider{apiKey: "test-key", endpoint: server.URL, apiVersion: "2024-02-01"}

	resp, err := p.CreateImage(context.Background(), &provider.ImageGenerationRequest{Prompt: "a lighthouse"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Data) != 1 || resp.Data[0].URL == "" {
		t.Errorf("unexpected image data: %+v", resp.Data)
	}
}

func TestNewDefaultsAPIVersion(t *testing.T) {
	p := New("key", "https://example.openai.azure.com/", "")
	ap := p.(*AzureProvider)
	if ap.apiVersion != defaultAPIVersion {
		t.Errorf("expected default api version, got %q", ap.apiVersion)
	}
	if strings.HasSuffix(ap.endpoint, "/") {
		t.Errorf("expected trailing slash trimmed, got %q", ap.endpoint)
	}
	if p.Name() != "azure" {
		t.Errorf("expected name azure, got %s", p.Name())
	}
}
