// Package types defines the canonical chat-completion wire types used
// throughout the gateway.
//
// The gateway speaks the OpenAI chat-completions shape in both directions:
// downstream callers send a ChatRequest and receive a ChatResponse (or a
// stream of Chunk events), regardless of which upstream provider served the
// request. Provider-specific shapes never leak outside the providers package.
package types

import (
	"encoding/json"
	"fmt"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Object type constants for responses and stream chunks.
const (
	ObjectChatCompletion = "chat.completion"
	ObjectChunk          = "chat.completion.chunk"
)

// Reasoning effort levels accepted on requests.
const (
	ReasoningEffortLow    = "low"
	ReasoningEffortMedium = "medium"
	ReasoningEffortHigh   = "high"
)

// AutoModel is the sentinel model selector that lets the gateway pick the
// cheapest model satisfying the request's capability requirements.
const AutoModel = "auto"

// ChatRequest is the canonical request body for POST /v1/chat/completions.
type ChatRequest struct {
	Model           string          `json:"model"`
	Messages        []Message       `json:"messages"`
	Tools           []Tool          `json:"tools,omitempty"`
	ToolChoice      json.RawMessage `json:"tool_choice,omitempty"`
	ReasoningEffort string          `json:"reasoning_effort,omitempty"`
	Stream          bool            `json:"stream,omitempty"`
	ResponseFormat  json.RawMessage `json:"response_format,omitempty"`

	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	MaxTokens        *int     `json:"max_tokens,omitempty"`
}

// NeedsTools reports whether the request requires tool-calling support.
func (r *ChatRequest) NeedsTools() bool {
	return len(r.Tools) > 0
}

// NeedsVision reports whether any message carries image content.
func (r *ChatRequest) NeedsVision() bool {
	for i := range r.Messages {
		for _, part := range r.Messages[i].Content.Parts {
			if part.Type == PartTypeImageURL {
				return true
			}
		}
	}
	return false
}

// NeedsReasoning reports whether the caller asked for reasoning effort.
func (r *ChatRequest) NeedsReasoning() bool {
	return r.ReasoningEffort != ""
}

// HasAssistantToolCalls reports whether the conversation already contains
// assistant tool invocations. The openai Responses API cannot resume such
// conversations, so the dispatcher uses this to stay on chat/completions.
func (r *ChatRequest) HasAssistantToolCalls() bool {
	for i := range r.Messages {
		if r.Messages[i].Role == RoleAssistant && len(r.Messages[i].ToolCalls) > 0 {
			return true
		}
	}
	return false
}

// Message is a single conversation turn. Content accepts either a bare JSON
// string or an array of typed parts; see MessageContent.
type Message struct {
	Role       string         `json:"role"`
	Content    MessageContent `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
}

// Tool is a function tool definition in the canonical request.
type Tool struct {
	Type     string   `json:"type"`
	Function ToolFunc `json:"function"`
}

// ToolFunc describes the callable function behind a Tool.
type ToolFunc struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolCall is a completed tool invocation on an assistant message.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the function name and its JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Usage is the canonical token accounting block.
//
// TotalTokens is prompt + completion for most providers; for Google AI Studio
// the gateway recomputes it as prompt + completion + reasoning because
// Google's own total excludes thought tokens.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	ReasoningTokens  int `json:"reasoning_tokens,omitempty"`
	CachedTokens     int `json:"cached_tokens,omitempty"`
}

// ChatResponse is the canonical non-streaming response body.
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Choice is a single completion choice. The gateway always returns exactly one.
type Choice struct {
	Index        int              `json:"index"`
	Message      AssistantMessage `json:"message"`
	FinishReason string           `json:"finish_reason"`
}

// AssistantMessage is the normalized assistant turn in a non-streaming response.
type AssistantMessage struct {
	Role             string         `json:"role"`
	Content          MessageContent `json:"content"`
	ToolCalls        []ToolCall     `json:"tool_calls,omitempty"`
	ReasoningContent string         `json:"reasoning_content,omitempty"`
}

// Chunk is one canonical streaming event, emitted downstream as
// "data: <json>\n\n".
type Chunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
}

// ChunkChoice is the single choice inside a Chunk.
type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// Delta is the incremental payload of a streaming chunk.
//
// ReasoningContent is the only accepted key for reasoning text; providers
// that emit "reasoning" have it renamed before the chunk leaves the gateway.
type Delta struct {
	Role             string          `json:"role,omitempty"`
	Content          string          `json:"content,omitempty"`
	ToolCalls        []ToolCallDelta `json:"tool_calls,omitempty"`
	ReasoningContent string          `json:"reasoning_content,omitempty"`
	Images           []ContentPart   `json:"images,omitempty"`
}

// ToolCallDelta is an incremental tool-call fragment keyed by index.
type ToolCallDelta struct {
	Index    int               `json:"index"`
	ID       string            `json:"id,omitempty"`
	Type     string            `json:"type,omitempty"`
	Function FunctionCallDelta `json:"function"`
}

// FunctionCallDelta carries incremental function name/argument fragments.
type FunctionCallDelta struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// ErrorResponse is the canonical error body: {"error":{"type","message"}}.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the error kind and a sanitized message.
type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Validate performs minimal structural validation of an incoming request.
func (r *ChatRequest) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("model is required")
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("messages must not be empty")
	}
	for i := range r.Messages {
		switch r.Messages[i].Role {
		case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		default:
			return fmt.Errorf("message %d: unknown role %q", i, r.Messages[i].Role)
		}
	}
	return nil
}
