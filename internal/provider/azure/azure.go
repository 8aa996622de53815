package azure

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/infergate/infergate/internal/gwerr"
	"github.com/infergate/infergate/internal/provider"
)

const (
	displayName       = "Azure"
	defaultAPIVersion = "2024-02-01"
)

// AzureProvider speaks the OpenAI wire format against an Azure OpenAI
// resource. The request model names the deployment; auth is the api-key
// header and the api-version query parameter instead of a bearer token.
type AzureProvider struct {
	apiKey     string
	endpoint   string
	apiVersion string
}

func New(apiKey, endpoint, apiVersion string) provider.Provider {
	if apiVersion == "" {
		apiVersion = defaultAPIVersion
	}
	return &AzureProvider{
		apiKey:     apiKey,
		endpoint:   strings.TrimSuffix(endpoint, "/"),
		apiVersion: apiVersion,
	}
}

func (p *AzureProvider) Name() string {
	return "azure"
}

func (p *AzureProvider) newRequest(ctx context.Context, deployment, operation string, payload any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	requestURL := fmt.Sprintf("%s/openai/deployments/%s/%s?api-version=%s",
		p.endpoint, url.PathEscape(deployment), operation, url.QueryEscape(p.apiVersion))
	httpReq, err := http.NewRequestWithContext(ctx, "POST", requestURL, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("api-key", p.apiKey)
	return httpReq, nil
}

func (p *AzureProvider) CreateChatCompletion(ctx context.Context, req *provider.ChatCompletionRequest) (*provider.ChatCompletionResponse, error) {
	httpReq, err := p.newRequest(ctx, req.Model, "chat/completions", req)
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
		return nil, gwerr.Provider("Azure error: failed to decode response: %v", err)
	}
	if len(completion.Choices) == 0 {
		return nil, gwerr.Provider("Azure error: api returned no choices")
	}
	return &completion, nil
}

func (p *AzureProvider) CreateStreamingChatCompletion(ctx context.Context, req *provider.ChatCompletionRequest) (<-chan *provider.StreamChunk, error) {
	streamReq := req
	if !req.Stream {
		streamReq = req.Clone()
		streamReq.Stream = true
	}

	httpReq, err := p.newRequest(ctx, req.Model, "chat/completions", streamReq)
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
				continue
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

func (p *AzureProvider) CreateEmbeddings(ctx context.Context, req *provider.EmbeddingRequest) (*provider.EmbeddingResponse, error) {
	httpReq, err := p.newRequest(ctx, req.Model, "embeddings", req)
	if err != nil {
		return nil, gwerr.Provider("Azure embeddings error: %v", err)
	}

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, gwerr.Provider("Azure embeddings error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, gwerr.Provider("Azure embeddings error: api error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var embeddings provider.EmbeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&embeddings); err != nil {
		return nil, gwerr.Provider("Azure embeddings error: failed to decode response: %v", err)
	}
	return &embeddings, nil
}

func (p *AzureProvider) CreateImage(ctx context.Context, req *provider.ImageGenerationRequest) (*provider.ImageGenerationResponse, error) {
	imgReq := *req
	imgReq.ApplyDefaults()

	deployment := imgReq.Model
	if deployment == "" {
		deployment = "dall-e-3"
	}
	httpReq, err := p.newRequest(ctx, deployment, "images/generations", &imgReq)
	if err != nil {
		return nil, gwerr.Provider("Azure image generation error: %v", err)
	}

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, gwerr.Provider("Azure image generation error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, gwerr.Provider("Azure image generation error: api error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var image provider.ImageGenerationResponse
	if err := json.NewDecoder(resp.Body).Decode(&image); err != nil {
		return nil, gwerr.Provider("Azure image generation error: failed to decode response: %v", err)
	}
	return &image, nil
}
