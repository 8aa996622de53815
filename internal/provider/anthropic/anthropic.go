package anthropic

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

const (
	displayName      = "Anthropic"
	anthropicVersion = "2023-06-01"
	defaultMaxTokens = 4096
)

type AnthropicProvider struct {
	apiKey  string
	baseURL string
}

type anthropicRequest struct {
	Model         string               `json:"model"`
	MaxTokens     int                  `json:"max_tokens"`
	System        string               `json:"system,omitempty"`
	Messages      []anthropicMessage   `json:"messages"`
	Stream        bool                 `json:"stream,omitempty"`
	Temperature   *float64             `json:"temperature,omitempty"`
	TopP          *float64             `json:"top_p,omitempty"`
	StopSequences []string             `json:"stop_sequences,omitempty"`
	Metadata      *anthropicMetadata   `json:"metadata,omitempty"`
	Tools         []anthropicTool      `json:"tools,omitempty"`
	ToolChoice    *anthropicToolChoice `json:"tool_choice,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type anthropicBlock struct {
	Type      string           `json:"type"`
	Text      string           `json:"text,omitempty"`
	Source    *anthropicSource `json:"source,omitempty"`
	ID        string           `json:"id,omitempty"`
	Name      string           `json:"name,omitempty"`
	Input     json.RawMessage  `json:"input,omitempty"`
	ToolUseID string           `json:"tool_use_id,omitempty"`
	Content   string           `json:"content,omitempty"`
}

type anthropicSource struct {
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
}

type anthropicMetadata struct {
	UserID string `json:"user_id,omitempty"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type anthropicToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type anthropicResponse struct {
	ID         string           `json:"id"`
	Model      string           `json:"model"`
	Content    []anthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason"`
	Usage      anthropicUsage   `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicStreamEvent struct {
	Type         string               `json:"type"`
	Message      *anthropicResponse   `json:"message,omitempty"`
	Index        int                  `json:"index,omitempty"`
	ContentBlock *anthropicBlock      `json:"content_block,omitempty"`
	Delta        *anthropicEventDelta `json:"delta,omitempty"`
	Usage        *anthropicUsage      `json:"usage,omitempty"`
	Error        *anthropicError      `json:"error,omitempty"`
}

type anthropicEventDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func New(apiKey string) provider.Provider {
	return NewWithBaseURL(apiKey, "https://api.anthropic.com/v1")
}

func NewWithBaseURL(apiKey, baseURL string) provider.Provider {
	return &AnthropicProvider{
		apiKey:  apiKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

func (p *AnthropicProvider) mapRequest(req *provider.ChatCompletionRequest) anthropicRequest {
	var system string
	var messages []anthropicMessage

	for _, m := range req.Messages {
		switch m.Role {
		case provider.RoleSystem:
			// the messages api takes the system prompt as a top-level field
			system = m.Content
			if system == "" && len(m.Parts) > 0 {
				system = m.Text()
			}

		case provider.RoleAssistant:
			if len(m.ToolCalls) > 0 {
				var blocks []anthropicBlock
				if m.Content != "" {
					blocks = append(blocks, anthropicBlock{Type: "text", Text: m.Content})
				}
				for _, tc := range m.ToolCalls {
					blocks = append(blocks, anthropicBlock{
						Type:  "tool_use",
						ID:    tc.ID,
						Name:  tc.Function.Name,
						Input: json.RawMessage(tc.Function.Arguments),
					})
				}
				messages = append(messages, anthropicMessage{Role: "assistant", Content: blocks})
			} else {
				messages = append(messages, anthropicMessage{Role: "assistant", Content: m.Content})
			}

		case provider.RoleTool, provider.RoleFunction:
			messages = append(messages, anthropicMessage{Role: "user", Content: []anthropicBlock{{
				Type:      "tool_result",
				ToolUseID: m.ToolCallID,
				Content:   m.Content,
			}}})

		default:
			if len(m.Parts) > 0 {
				var blocks []anthropicBlock
				for _, part := range m.Parts {
					switch part.Type {
					case "text":
						if part.Text != "" {
							blocks = append(blocks, anthropicBlock{Type: "text", Text: part.Text})
						}
					case "image_url":
						if part.ImageURL != nil {
							blocks = append(blocks, anthropicBlock{
								Type:   "image",
								Source: &anthropicSource{Type: "url", URL: part.ImageURL.URL},
							})
						}
					}
				}
				messages = append(messages, anthropicMessage{Role: "user", Content: blocks})
			} else {
				messages = append(messages, anthropicMessage{Role: "user", Content: m.Content})
			}
		}
	}

	maxTokens := defaultMaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	out := anthropicRequest{
		Model:         req.Model,
		MaxTokens:     maxTokens,
		System:        system,
		Messages:      messages,
		Stream:        req.Stream,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
	}
	if req.User != "" {
		out.Metadata = &anthropicMetadata{UserID: req.User}
	}

	for _, t := range req.Tools {
		if t.Type != provider.ToolTypeFunction {
			continue
		}
		out.Tools = append(out.Tools, anthropicTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}
	if len(out.Tools) > 0 && len(req.ToolChoice) > 0 {
		out.ToolChoice = mapToolChoice(req.ToolChoice)
	}

	return out
}

func mapToolChoice(raw json.RawMessage) *anthropicToolChoice {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch s {
		case "auto":
			return &anthropicToolChoice{Type: "auto"}
		case "required":
			return &anthropicToolChoice{Type: "any"}
		}
		return nil
	}

	var obj struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Function.Name != "" {
		return &anthropicToolChoice{Type: "tool", Name: obj.Function.Name}
	}
	return nil
}

func mapStopReason(stop string) provider.FinishReason {
	switch {
	case stop == "":
		return ""
	case stop == "end_turn":
		return provider.FinishStop
	case stop == "max_tokens":
		return provider.FinishLength
	case stop == "tool_use":
		return provider.FinishToolCalls
	case strings.Contains(stop, "content_filter"):
		return provider.FinishContentFilter
	default:
		return provider.FinishStop
	}
}

func (p *AnthropicProvider) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	url := fmt.Sprintf("%s/messages", p.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	return httpReq, nil
}

func (p *AnthropicProvider) CreateChatCompletion(ctx context.Context, req *provider.ChatCompletionRequest) (*provider.ChatCompletionResponse, error) {
	body, err := json.Marshal(p.mapRequest(req))
	if err != nil {
		return nil, err
	}
	httpReq, err := p.newRequest(ctx, body)
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

	var aResp anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&aResp); err != nil {
		return nil, gwerr.Provider("Anthropic error: failed to decode response: %v", err)
	}

	var text string
	var toolCalls []provider.ToolCall
	for _, block := range aResp.Content {
		switch block.Type {
		case "text":
			text += block.Text
		case "tool_use":
			toolCalls = append(toolCalls, provider.ToolCall{
				ID:   block.ID,
				Type: provider.ToolTypeFunction,
				Function: provider.FunctionCallData{
					Name:      block.Name,
					Arguments: string(block.Input),
				},
			})
		}
	}

	return &provider.ChatCompletionResponse{
		ID:      "chatcmpl-" + aResp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   aResp.Model,
		Choices: []provider.ChatCompletionChoice{{
			Index: 0,
			Message: provider.ChatMessage{
				Role:      provider.RoleAssistant,
				Content:   text,
				ToolCalls: toolCalls,
			},
			FinishReason: mapStopReason(aResp.StopReason),
		}},
		Usage: &provider.Usage{
			PromptTokens:     aResp.Usage.InputTokens,
			CompletionTokens: aResp.Usage.OutputTokens,
			TotalTokens:      aResp.Usage.InputTokens + aResp.Usage.OutputTokens,
		},
	}, nil
}

func (p *AnthropicProvider) CreateStreamingChatCompletion(ctx context.Context, req *provider.ChatCompletionRequest) (<-chan *provider.StreamChunk, error) {
	aReq := p.mapRequest(req)
	aReq.Stream = true
	body, err := json.Marshal(aReq)
	if err != nil {
		return nil, err
	}
	httpReq, err := p.newRequest(ctx, body)
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

		completionID := provider.NewChatCompletionID()
		created := time.Now().Unix()
		model := req.Model
		var inputTokens, outputTokens int
		var stopReason string

		emit := func(delta provider.ChunkDelta, finish provider.FinishReason, usage *provider.Usage) bool {
			chunk := &provider.ChatCompletionChunk{
				ID:      completionID,
				Object:  "chat.completion.chunk",
				Created: created,
				Model:   model,
				Choices: []provider.ChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
				Usage:   usage,
			}
			select {
			case ch <- &provider.StreamChunk{Chunk: chunk}:
				return true
			case <-ctx.Done():
				return false
			}
		}

		reader := bufio.NewReader(resp.Body)
		var currentEvent string

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
			if line == "" {
				continue
			}

			if strings.HasPrefix(line, "event: ") {
				currentEvent = strings.TrimPrefix(line, "event: ")
				continue
			}

			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")

			switch currentEvent {
			case "message_start":
				var ev anthropicStreamEvent
				if err := json.Unmarshal([]byte(data), &ev); err != nil {
					continue
				}
				if ev.Message != nil {
					completionID = "chatcmpl-" + ev.Message.ID
					if ev.Message.Model != "" {
						model = ev.Message.Model
					}
					inputTokens = ev.Message.Usage.InputTokens
				}

			case "content_block_start":
				var ev anthropicStreamEvent
				if err := json.Unmarshal([]byte(data), &ev); err != nil {
					continue
				}
				if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
					ok := emit(provider.ChunkDelta{ToolCalls: []provider.ToolCallDelta{{
						Index: ev.Index,
						ID:    ev.ContentBlock.ID,
						Type:  provider.ToolTypeFunction,
						Function: &provider.FunctionCallData{
							Name: ev.ContentBlock.Name,
						},
					}}}, "", nil)
					if !ok {
						return
					}
				}

			case "content_block_delta":
				var ev anthropicStreamEvent
				if err := json.Unmarshal([]byte(data), &ev); err != nil {
					continue
				}
				if ev.Delta == nil {
					continue
				}
				switch ev.Delta.Type {
				case "text_delta":
					if ev.Delta.Text != "" {
						if !emit(provider.ChunkDelta{Content: ev.Delta.Text}, "", nil) {
							return
						}
					}
				case "input_json_delta":
					if ev.Delta.PartialJSON != "" {
						ok := emit(provider.ChunkDelta{ToolCalls: []provider.ToolCallDelta{{
							Index: ev.Index,
							Function: &provider.FunctionCallData{
								Arguments: ev.Delta.PartialJSON,
							},
						}}}, "", nil)
						if !ok {
							return
						}
					}
				}

			case "message_delta":
				var ev anthropicStreamEvent
				if err := json.Unmarshal([]byte(data), &ev); err != nil {
					continue
				}
				if ev.Delta != nil && ev.Delta.StopReason != "" {
					stopReason = ev.Delta.StopReason
				}
				if ev.Usage != nil {
					outputTokens = ev.Usage.OutputTokens
				}

			case "message_stop":
				usage := &provider.Usage{
					PromptTokens:     inputTokens,
					CompletionTokens: outputTokens,
					TotalTokens:      inputTokens + outputTokens,
				}
				if !emit(provider.ChunkDelta{}, mapStopReason(stopReason), usage) {
					return
				}
				select {
				case ch <- &provider.StreamChunk{Done: true}:
				case <-ctx.Done():
				}
				return

			case "error":
				var ev anthropicStreamEvent
				if err := json.Unmarshal([]byte(data), &ev); err == nil && ev.Error != nil {
					select {
					case ch <- &provider.StreamChunk{Err: provider.ClassifyUpstreamError(displayName, 0, ev.Error.Message)}:
					case <-ctx.Done():
					}
					return
				}
			}
		}
	}()

	return ch, nil
}

func (p *AnthropicProvider) CreateEmbeddings(ctx context.Context, req *provider.EmbeddingRequest) (*provider.EmbeddingResponse, error) {
	return nil, gwerr.Provider("Anthropic embeddings are not supported")
}

func (p *AnthropicProvider) CreateImage(ctx context.Context, req *provider.ImageGenerationRequest) (*provider.ImageGenerationResponse, error) {
	return nil, gwerr.Provider("Anthropic image generation is not supported")
}
