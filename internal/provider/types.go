package provider

import (
	"encoding/hex"
	"encoding/json"

	"github.com/google/uuid"
)

// Role of a message in a chat conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleFunction  Role = "function"
)

// FinishReason is the fixed enumeration every upstream's stop semantics map
// onto.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content_filter"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishFunctionCall  FinishReason = "function_call"
)

type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// ContentPart is one element of a structured multi-part message body.
type ContentPart struct {
	Type     string    `json:"type"` // "text" or "image_url"
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type FunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type ToolType string

const ToolTypeFunction ToolType = "function"

type Tool struct {
	Type     ToolType    `json:"type"`
	Function FunctionDef `json:"function"`
}

type FunctionCallData struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type ToolCall struct {
	ID       string           `json:"id"`
	Type     ToolType         `json:"type"`
	Function FunctionCallData `json:"function"`
}

type ResponseFormat struct {
	Type string `json:"type"` // "text" or "json_object"
}

type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// ChatMessage is the canonical message shape. Content holds plain text;
// Parts holds structured multi-part content and takes precedence on the
// wire when non-empty. JSON round-trips both the string and the array form.
type ChatMessage struct {
	Role         Role
	Content      string
	Parts        []ContentPart
	Name         string
	ToolCalls    []ToolCall
	ToolCallID   string
	FunctionCall *FunctionCallData
}

type chatMessageWire struct {
	Role         Role              `json:"role"`
	Content      json.RawMessage   `json:"content,omitempty"`
	Name         string            `json:"name,omitempty"`
	ToolCalls    []ToolCall        `json:"tool_calls,omitempty"`
	ToolCallID   string            `json:"tool_call_id,omitempty"`
	FunctionCall *FunctionCallData `json:"function_call,omitempty"`
}

func (m ChatMessage) MarshalJSON() ([]byte, error) {
	w := chatMessageWire{
		Role:         m.Role,
		Name:         m.Name,
		ToolCalls:    m.ToolCalls,
		ToolCallID:   m.ToolCallID,
		FunctionCall: m.FunctionCall,
	}
	var err error
	if len(m.Parts) > 0 {
		w.Content, err = json.Marshal(m.Parts)
	} else {
		w.Content, err = json.Marshal(m.Content)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	var w chatMessageWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	m.Role = w.Role
	m.Name = w.Name
	m.ToolCalls = w.ToolCalls
	m.ToolCallID = w.ToolCallID
	m.FunctionCall = w.FunctionCall
	m.Content = ""
	m.Parts = nil
	if len(w.Content) == 0 || string(w.Content) == "null" {
		return nil
	}
	if w.Content[0] == '[' {
		return json.Unmarshal(w.Content, &m.Parts)
	}
	return json.Unmarshal(w.Content, &m.Content)
}

// Text flattens the message body to plain text, joining the text parts of
// structured content with spaces.
func (m *ChatMessage) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var out string
	for _, p := range m.Parts {
		if p.Type == "text" && p.Text != "" {
			if out != "" {
				out += " "
			}
			out += p.Text
		}
	}
	return out
}

// ChatCompletionRequest is the provider-agnostic chat request. Optional
// sampling parameters are pointers so absent and zero stay distinguishable
// on the upstream wire.
type ChatCompletionRequest struct {
	Model            string             `json:"model"`
	Messages         []ChatMessage      `json:"messages"`
	Temperature      *float64           `json:"temperature,omitempty"`
	TopP             *float64           `json:"top_p,omitempty"`
	N                *int               `json:"n,omitempty"`
	Stream           bool               `json:"stream,omitempty"`
	Stop             []string           `json:"stop,omitempty"`
	MaxTokens        *int               `json:"max_tokens,omitempty"`
	PresencePenalty  *float64           `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64           `json:"frequency_penalty,omitempty"`
	LogitBias        map[string]float64 `json:"logit_bias,omitempty"`
	User             string             `json:"user,omitempty"`
	ResponseFormat   *ResponseFormat    `json:"response_format,omitempty"`
	Seed             *int               `json:"seed,omitempty"`
	Tools            []Tool             `json:"tools,omitempty"`
	ToolChoice       json.RawMessage    `json:"tool_choice,omitempty"`
	Functions        []FunctionDef      `json:"functions,omitempty"`
	FunctionCall     json.RawMessage    `json:"function_call,omitempty"`
	StreamOptions    *StreamOptions     `json:"stream_options,omitempty"`
}

// Clone returns a shallow copy suitable for per-target mutation. Messages
// and other reference fields are shared; callers only overwrite top-level
// scalars.
func (r *ChatCompletionRequest) Clone() *ChatCompletionRequest {
	cp := *r
	return &cp
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type ChatCompletionChoice struct {
	Index        int          `json:"index"`
	Message      ChatMessage  `json:"message"`
	FinishReason FinishReason `json:"finish_reason,omitempty"`
}

type ChatCompletionResponse struct {
	ID                string                 `json:"id"`
	Object            string                 `json:"object"`
	Created           int64                  `json:"created"`
	Model             string                 `json:"model"`
	Choices           []ChatCompletionChoice `json:"choices"`
	Usage             *Usage                 `json:"usage,omitempty"`
	SystemFingerprint string                 `json:"system_fingerprint,omitempty"`
}

// NewChatCompletionID mirrors the upstream convention of a "chatcmpl-"
// prefix over a random hex suffix.
func NewChatCompletionID() string {
	u := uuid.New()
	return "chatcmpl-" + hex.EncodeToString(u[:])
}

type ToolCallDelta struct {
	Index    int               `json:"index"`
	ID       string            `json:"id,omitempty"`
	Type     ToolType          `json:"type,omitempty"`
	Function *FunctionCallData `json:"function,omitempty"`
}

type ChunkDelta struct {
	Role         Role              `json:"role,omitempty"`
	Content      string            `json:"content,omitempty"`
	ToolCalls    []ToolCallDelta   `json:"tool_calls,omitempty"`
	FunctionCall *FunctionCallData `json:"function_call,omitempty"`
}

type ChunkChoice struct {
	Index        int          `json:"index"`
	Delta        ChunkDelta   `json:"delta"`
	FinishReason FinishReason `json:"finish_reason,omitempty"`
}

// ChatCompletionChunk is one canonical increment of a streaming response.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
}

// EmbeddingInput accepts both the single-string and the string-array JSON
// forms and preserves whichever one arrived.
type EmbeddingInput struct {
	Texts  []string
	single bool
}

func EmbeddingInputFrom(texts ...string) EmbeddingInput {
	return EmbeddingInput{Texts: texts, single: len(texts) == 1}
}

func (in EmbeddingInput) MarshalJSON() ([]byte, error) {
	if in.single && len(in.Texts) == 1 {
		return json.Marshal(in.Texts[0])
	}
	return json.Marshal(in.Texts)
}

func (in *EmbeddingInput) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		in.Texts = []string{s}
		in.single = true
		return nil
	}
	in.single = false
	return json.Unmarshal(data, &in.Texts)
}

type EmbeddingRequest struct {
	Model          string         `json:"model"`
	Input          EmbeddingInput `json:"input"`
	User           string         `json:"user,omitempty"`
	EncodingFormat string         `json:"encoding_format,omitempty"`
	Dimensions     *int           `json:"dimensions,omitempty"`
}

type EmbeddingData struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
}

type EmbeddingResponse struct {
	Object string          `json:"object"`
	Data   []EmbeddingData `json:"data"`
	Model  string          `json:"model"`
	Usage  *Usage          `json:"usage,omitempty"`
}

type ImageGenerationRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n,omitempty"`
	Size           string `json:"size,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
	Quality        string `json:"quality,omitempty"`
	Style          string `json:"style,omitempty"`
	User           string `json:"user,omitempty"`
}

// ApplyDefaults fills the request with the documented OpenAI defaults.
func (r *ImageGenerationRequest) ApplyDefaults() {
	if r.N <= 0 {
		r.N = 1
	}
	if r.Size == "" {
		r.Size = "1024x1024"
	}
	if r.ResponseFormat == "" {
		r.ResponseFormat = "url"
	}
	if r.Quality == "" {
		r.Quality = "standard"
	}
	if r.Style == "" {
		r.Style = "vivid"
	}
}

type ImageData struct {
	URL           string `json:"url,omitempty"`
	B64JSON       string `json:"b64_json,omitempty"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}

type ImageGenerationResponse struct {
	Created int64       `json:"created"`
	Data    []ImageData `json:"data"`
}
