package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/infergate/infergate/internal/gwerr"
	"github.com/infergate/infergate/internal/provider"
)

const displayName = "OpenAI"

type OpenAIProvider struct {
	apiKey  string
	baseURL string
}

func New(apiKey string) provider.Provider {
	return NewWithBaseURL(apiKey, "https://api.openai.com/v1")
}

func NewWithBaseURL(apiKey, baseURL string) provider.Provider {
	return &OpenAIProvider{
		apiKey:  apiKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

func (p *OpenAIProvider) Name() string {
	return "openai"
}

func (p *OpenAIProvider) newRequest(ctx context.Context, path string, payload any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", p.apiKey))
	return httpReq, nil
}

func (p *OpenAIProvider) CreateChatCompletion(ctx context.Context, req *provider.ChatCompletionRequest) (*provider.ChatCompletionResponse, error) {
	httpReq, err := p.newRequest(ctx, "/chat/completions", req)
	if err != nil {
		return nil, err
	}

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, provider.ClassifyUpstreamError(displayName, 0, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, provider.ClassifyUpstreamError(displayName, resp.StatusCode,
			fmt.Sprintf("api error (status %d): %s", resp.StatusCode, string(respBody)))
	}

	var completion provider.ChatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return nil, gwerr.Provider("OpenAI error: failed to decode response: %v", err)
	}

	if len(completion.Choices) == 0 {
		return nil, gwerr.Provider("OpenAI error: api returned no choices")
	}

	return &completion, nil
}

func (p *OpenAIProvider) CreateStreamingChatCompletion(ctx context.Context, req *provider.ChatCompletionRequest) (<-chan *provider.StreamChunk, error) {
	if !req.Stream {
		req = req.Clone()
		req.Stream = true
	}

	httpReq, err := p.newRequest(ctx, "/chat/completions", req)
	if err != nil {
		return nil, err
	}

	ch := make(chan *provider.StreamChunk)

	go func() {
		defer close(ch)

		resp, err := http.DefaultClient.Do(httpReq)
		if err != nil {
			select {
			case ch <- &provider.StreamChunk{Err: provider.ClassifyUpstreamError(displayName, 0, err.Error())}:
			case <-ctx.Done():
			}
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			select {
			case ch <- &provider.StreamChunk{Err: provider.ClassifyUpstreamError(displayName, resp.StatusCode,
				fmt.Sprintf("api error (status %d): %s", resp.StatusCode, string(respBody)))}:
			case <-ctx.Done():
			}
			return
		}

		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					select {
					case ch <- &provider.StreamChunk{Done: true}:
					case <-ctx.Done():
					}
					return
				}
				select {
				case ch <- &provider.StreamChunk{Err: provider.ClassifyUpstreamError(displayName, 0, err.Error())}:
				case <-ctx.Done():
				}
				return
			}

			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data: ") {
				continue
			}

			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				select {
				case ch <- &provider.StreamChunk{Done: true}:
				case <-ctx.Done():
				}
				return
			}

			var chunk provider.ChatCompletionChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				select {
				case ch <- &provider.StreamChunk{Err: gwerr.Provider("OpenAI error: failed to decode stream chunk: %v", err)}:
				case <-ctx.Done():
				}
				return
			}

			select {
			case ch <- &provider.StreamChunk{Chunk: &chunk}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}

func (p *OpenAIProvider) CreateEmbeddings(ctx context.Context, req *provider.EmbeddingRequest) (*provider.EmbeddingResponse, error) {
	httpReq, err := p.newRequest(ctx, "/embeddings", req)
	if err != nil {
		return nil, err
	}

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, gwerr.Provider("OpenAI embeddings error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, gwerr.Provider("OpenAI embeddings error: api error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var embeddings provider.EmbeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&embeddings); err != nil {
		return nil, gwerr.Provider("OpenAI embeddings error: failed to decode response: %v", err)
	}

	return &embeddings, nil
}

func (p *OpenAIProvider) CreateImage(ctx context.Context, req *provider.ImageGenerationRequest) (*provider.ImageGenerationResponse, error) {
	imgReq := *req
	imgReq.ApplyDefaults()

	httpReq, err := p.newRequest(ctx, "/images/generations", &imgReq)
	if err != nil {
		return nil, err
	}

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, gwerr.Provider("OpenAI image generation error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, gwerr.Provider("OpenAI image generation error: api error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var images provider.ImageGenerationResponse
	if err := json.NewDecoder(resp.Body).Decode(&images); err != nil {
		return nil, gwerr.Provider("OpenAI image generation error: failed to decode response: %v", err)
	}

	return &images, nil
}
