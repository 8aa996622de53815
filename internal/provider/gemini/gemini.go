package gemini

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/infergate/infergate/internal/gwerr"
	"github.com/infergate/infergate/internal/provider"
)

const displayName = "Gemini"

type GeminiProvider struct {
	apiKey  string
	baseURL string
}

type geminiRequest struct {
	Contents          []geminiContent   `json:"contents"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
	Tools             []geminiToolSet   `json:"tools,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	FileData         *geminiFileData         `json:"fileData,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiFileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

type geminiFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type geminiFunctionResponse struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

type geminiToolSet struct {
	FunctionDeclarations []geminiFunctionDecl `json:"functionDeclarations"`
}

type geminiFunctionDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type generationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate   `json:"candidates"`
	UsageMetadata geminiUsageMetadata `json:"usageMetadata"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
	Index        int           `json:"index"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type geminiEmbedRequest struct {
	Requests []geminiEmbedEntry `json:"requests"`
}

type geminiEmbedEntry struct {
	Model   string        `json:"model"`
	Content geminiContent `json:"content"`
}

type geminiEmbedResponse struct {
	Embeddings []struct {
		Values []float64 `json:"values"`
	} `json:"embeddings"`
}

func New(apiKey string) provider.Provider {
	return NewWithBaseURL(apiKey, "https://generativelanguage.googleapis.com")
}

func NewWithBaseURL(apiKey, baseURL string) provider.Provider {
	return &GeminiProvider{
		apiKey:  apiKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

func (p *GeminiProvider) Name() string {
	return "gemini"
}

func (p *GeminiProvider) mapRequest(req *provider.ChatCompletionRequest) geminiRequest {
	var system string
	var contents []geminiContent

	for _, m := range req.Messages {
		switch m.Role {
		case provider.RoleSystem:
			system = m.Text()

		case provider.RoleAssistant:
			var parts []geminiPart
			if m.Content != "" {
				parts = append(parts, geminiPart{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				parts = append(parts, geminiPart{FunctionCall: &geminiFunctionCall{
					Name: tc.Function.Name,
					Args: json.RawMessage(tc.Function.Arguments),
				}})
			}
			contents = append(contents, geminiContent{Role: "model", Parts: parts})

		case provider.RoleTool, provider.RoleFunction:
			contents = append(contents, geminiContent{Role: "user", Parts: []geminiPart{{
				FunctionResponse: &geminiFunctionResponse{
					Name:     m.Name,
					Response: functionResponseBody(m.Content),
				},
			}}})

		default:
			var parts []geminiPart
			if len(m.Parts) > 0 {
				for _, part := range m.Parts {
					switch part.Type {
					case "text":
						if part.Text != "" {
							parts = append(parts, geminiPart{Text: part.Text})
						}
					case "image_url":
						if part.ImageURL != nil {
							parts = append(parts, geminiPart{FileData: &geminiFileData{FileURI: part.ImageURL.URL}})
						}
					}
				}
			} else {
				parts = []geminiPart{{Text: m.Content}}
			}
			contents = append(contents, geminiContent{Role: "user", Parts: parts})
		}
	}

	out := geminiRequest{Contents: contents}
	if system != "" {
		out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: system}}}
	}

	if req.MaxTokens != nil || req.Temperature != nil || req.TopP != nil || len(req.Stop) > 0 {
		cfg := &generationConfig{
			Temperature:   req.Temperature,
			TopP:          req.TopP,
			StopSequences: req.Stop,
		}
		if req.MaxTokens != nil {
			cfg.MaxOutputTokens = *req.MaxTokens
		}
		out.GenerationConfig = cfg
	}

	var decls []geminiFunctionDecl
	for _, t := range req.Tools {
		if t.Type != provider.ToolTypeFunction {
			continue
		}
		decls = append(decls, geminiFunctionDecl{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}
	if len(decls) > 0 {
		out.Tools = []geminiToolSet{{FunctionDeclarations: decls}}
	}

	return out
}

// functionResponseBody keeps structured tool output as-is and wraps plain
// text, since the upstream requires a JSON object here.
func functionResponseBody(content string) json.RawMessage {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	body, _ := json.Marshal(map[string]string{"result": content})
	return body
}

func mapFinishReason(reason string) provider.FinishReason {
	switch reason {
	case "":
		return ""
	case "STOP":
		return provider.FinishStop
	case "MAX_TOKENS":
		return provider.FinishLength
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT":
		return provider.FinishContentFilter
	default:
		return provider.FinishStop
	}
}

func candidateMessage(c geminiCandidate) provider.ChatMessage {
	var text string
	var toolCalls []provider.ToolCall
	for _, part := range c.Content.Parts {
		if part.Text != "" {
			text += part.Text
		}
		if part.FunctionCall != nil {
			args := "{}"
			if len(part.FunctionCall.Args) > 0 {
				args = string(part.FunctionCall.Args)
			}
			toolCalls = append(toolCalls, provider.ToolCall{
				ID:   fmt.Sprintf("call_%d", len(toolCalls)),
				Type: provider.ToolTypeFunction,
				Function: provider.FunctionCallData{
					Name:      part.FunctionCall.Name,
					Arguments: args,
				},
			})
		}
	}
	return provider.ChatMessage{Role: provider.RoleAssistant, Content: text, ToolCalls: toolCalls}
}

func (p *GeminiProvider) CreateChatCompletion(ctx context.Context, req *provider.ChatCompletionRequest) (*provider.ChatCompletionResponse, error) {
	body, err := json.Marshal(p.mapRequest(req))
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", p.baseURL, req.Model, p.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

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

	var gResp geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&gResp); err != nil {
		return nil, gwerr.Provider("Gemini error: failed to decode response: %v", err)
	}
	if len(gResp.Candidates) == 0 {
		return nil, gwerr.Provider("Gemini error: api returned no candidates")
	}

	choices := make([]provider.ChatCompletionChoice, len(gResp.Candidates))
	for i, c := range gResp.Candidates {
		msg := candidateMessage(c)
		finish := mapFinishReason(c.FinishReason)
		if len(msg.ToolCalls) > 0 && finish == provider.FinishStop {
			finish = provider.FinishToolCalls
		}
		choices[i] = provider.ChatCompletionChoice{
			Index:        i,
			Message:      msg,
			FinishReason: finish,
		}
	}

	return &provider.ChatCompletionResponse{
		ID:      provider.NewChatCompletionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: choices,
		Usage: &provider.Usage{
			PromptTokens:     gResp.UsageMetadata.PromptTokenCount,
			CompletionTokens: gResp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      gResp.UsageMetadata.PromptTokenCount + gResp.UsageMetadata.CandidatesTokenCount,
		},
	}, nil
}

func (p *GeminiProvider) CreateStreamingChatCompletion(ctx context.Context, req *provider.ChatCompletionRequest) (<-chan *provider.StreamChunk, error) {
	body, err := json.Marshal(p.mapRequest(req))
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?key=%s&alt=sse", p.baseURL, req.Model, p.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

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

		completionID := provider.NewChatCompletionID()
		created := time.Now().Unix()
		var finish provider.FinishReason
		var usage *provider.Usage

		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					// the upstream stream ends without a terminator line
					if finish != "" {
						final := &provider.ChatCompletionChunk{
							ID:      completionID,
							Object:  "chat.completion.chunk",
							Created: created,
							Model:   req.Model,
							Choices: []provider.ChunkChoice{{Index: 0, Delta: provider.ChunkDelta{}, FinishReason: finish}},
							Usage:   usage,
						}
						select {
						case ch <- &provider.StreamChunk{Chunk: final}:
						case <-ctx.Done():
							return
						}
					}
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

			var gResp geminiResponse
			if err := json.Unmarshal([]byte(data), &gResp); err != nil {
				continue
			}

			if gResp.UsageMetadata.TotalTokenCount > 0 {
				usage = &provider.Usage{
					PromptTokens:     gResp.UsageMetadata.PromptTokenCount,
					CompletionTokens: gResp.UsageMetadata.CandidatesTokenCount,
					TotalTokens:      gResp.UsageMetadata.PromptTokenCount + gResp.UsageMetadata.CandidatesTokenCount,
				}
			}
			if len(gResp.Candidates) == 0 {
				continue
			}
			candidate := gResp.Candidates[0]
			if candidate.FinishReason != "" {
				finish = mapFinishReason(candidate.FinishReason)
			}

			var text string
			for _, part := range candidate.Content.Parts {
				text += part.Text
			}
			if text == "" {
				continue
			}

			chunk := &provider.ChatCompletionChunk{
				ID:      completionID,
				Object:  "chat.completion.chunk",
				Created: created,
				Model:   req.Model,
				Choices: []provider.ChunkChoice{{Index: 0, Delta: provider.ChunkDelta{Content: text}}},
			}
			select {
			case ch <- &provider.StreamChunk{Chunk: chunk}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}

func (p *GeminiProvider) CreateEmbeddings(ctx context.Context, req *provider.EmbeddingRequest) (*provider.EmbeddingResponse, error) {
	entries := make([]geminiEmbedEntry, len(req.Input.Texts))
	for i, text := range req.Input.Texts {
		entries[i] = geminiEmbedEntry{
			Model:   "models/" + req.Model,
			Content: geminiContent{Parts: []geminiPart{{Text: text}}},
		}
	}

	body, err := json.Marshal(geminiEmbedRequest{Requests: entries})
	if err != nil {
		return nil, gwerr.Provider("Gemini embeddings error: %v", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:batchEmbedContents?key=%s", p.baseURL, req.Model, p.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, gwerr.Provider("Gemini embeddings error: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, gwerr.Provider("Gemini embeddings error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, gwerr.Provider("Gemini embeddings error: api error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var gResp geminiEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&gResp); err != nil {
		return nil, gwerr.Provider("Gemini embeddings error: failed to decode response: %v", err)
	}

	data := make([]provider.EmbeddingData, len(gResp.Embeddings))
	for i, e := range gResp.Embeddings {
		data[i] = provider.EmbeddingData{
			Object:    "embedding",
			Index:     i,
			Embedding: e.Values,
		}
	}

	return &provider.EmbeddingResponse{
		Object: "list",
		Data:   data,
		Model:  req.Model,
	}, nil
}

func (p *GeminiProvider) CreateImage(ctx context.Context, req *provider.ImageGenerationRequest) (*provider.ImageGenerationResponse, error) {
	return nil, gwerr.Provider("Gemini image generation is not supported")
}
