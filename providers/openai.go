package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/AltairaLabs/llmgateway/registry"
	"github.com/AltairaLabs/llmgateway/types"
)

// openAIShape speaks the OpenAI chat-completions wire format. Since the
// canonical format is the same shape, preparation is mostly a matter of
// dropping parameters the mapping does not support.
type openAIShape struct{}

func (openAIShape) Kind() registry.Kind { return registry.KindOpenAI }

func (openAIShape) PrepareBody(_ context.Context, in PrepareInput) (map[string]any, error) {
	body := map[string]any{
		"model":    in.UpstreamModel,
		"messages": in.Messages,
	}

	if in.Stream {
		body["stream"] = true
		// Force the terminal usage chunk; without it OpenAI-shaped
		// providers omit token counts on streams.
		body["stream_options"] = map[string]any{"include_usage": true}
	}

	if in.Temperature != nil && in.supportsParam("temperature") {
		body["temperature"] = *in.Temperature
	}
	if in.TopP != nil && in.supportsParam("top_p") {
		body["top_p"] = *in.TopP
	}
	if in.FrequencyPenalty != nil && in.supportsParam("frequency_penalty") {
		body["frequency_penalty"] = *in.FrequencyPenalty
	}
	if in.PresencePenalty != nil && in.supportsParam("presence_penalty") {
		body["presence_penalty"] = *in.PresencePenalty
	}
	if in.MaxTokens != nil && in.supportsParam("max_tokens") {
		body["max_tokens"] = *in.MaxTokens
	}
	if in.ResponseFormat != nil && in.supportsParam("response_format") {
		body["response_format"] = in.ResponseFormat
	}
	if len(in.Tools) > 0 && in.supportsParam("tools") {
		body["tools"] = in.Tools
		if in.ToolChoice != nil && in.supportsParam("tool_choice") {
			body["tool_choice"] = in.ToolChoice
		}
	}
	if in.ReasoningEffort != "" && in.SupportsReasoning && in.supportsParam("reasoning_effort") {
		body["reasoning_effort"] = in.ReasoningEffort
	}

	return body, nil
}

// openAIUsage is the usage block of OpenAI-shaped responses.
type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	ReasoningTokens  int `json:"reasoning_tokens"`

	PromptTokensDetails *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`

	CompletionTokensDetails *struct {
		ReasoningTokens int `json:"reasoning_tokens"`
	} `json:"completion_tokens_details"`
}

// toCanonical converts an OpenAI usage block to the canonical accounting.
func (u *openAIUsage) toCanonical() types.Usage {
	out := types.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
		ReasoningTokens:  u.ReasoningTokens,
	}
	if out.ReasoningTokens == 0 && u.CompletionTokensDetails != nil {
		out.ReasoningTokens = u.CompletionTokensDetails.ReasoningTokens
	}
	if u.PromptTokensDetails != nil {
		out.CachedTokens = u.PromptTokensDetails.CachedTokens
	}
	if out.TotalTokens == 0 {
		out.TotalTokens = out.PromptTokens + out.CompletionTokens
	}
	return out
}

type openAIResponse struct {
	ID      string `json:"id"`
	Created int64  `json:"created"`
	Choices []struct {
		Index        int           `json:"index"`
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

type openAIMessage struct {
	Role             string               `json:"role"`
	Content          types.MessageContent `json:"content"`
	ToolCalls        []types.ToolCall     `json:"tool_calls"`
	ReasoningContent string               `json:"reasoning_content"`
	Reasoning        string               `json:"reasoning"`
}

func (openAIShape) ParseResponse(body []byte, servedModel string) (*types.ChatResponse, error) {
	var resp openAIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing upstream response: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("upstream error: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("upstream response has no choices")
	}

	choice := resp.Choices[0]
	reasoning := choice.Message.ReasoningContent
	if reasoning == "" {
		reasoning = choice.Message.Reasoning
	}

	out := &types.ChatResponse{
		ID:      resp.ID,
		Object:  types.ObjectChatCompletion,
		Created: resp.Created,
		Model:   servedModel,
		Choices: []types.Choice{{
			Index: 0,
			Message: types.AssistantMessage{
				Role:             types.RoleAssistant,
				Content:          choice.Message.Content,
				ToolCalls:        choice.Message.ToolCalls,
				ReasoningContent: reasoning,
			},
			FinishReason: choice.FinishReason,
		}},
	}
	if out.ID == "" {
		out.ID = "chatcmpl-" + uuid.NewString()
	}
	if out.Created == 0 {
		out.Created = time.Now().Unix()
	}
	if resp.Usage != nil {
		u := resp.Usage.toCanonical()
		out.Usage = &u
	}
	return out, nil
}

func (openAIShape) Framer(r io.Reader) Framer {
	return NewSSEFramer(r)
}

// openAIStreamChunk is the shape of OpenAI-style streaming events.
type openAIStreamChunk struct {
	ID      string `json:"id"`
	Choices []struct {
		Delta struct {
			Content          string                `json:"content"`
			ReasoningContent string                `json:"reasoning_content"`
			Reasoning        string                `json:"reasoning"`
			ToolCalls        []types.ToolCallDelta `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}

func (openAIShape) TransformEvent(event RawEvent, acc *Accumulator) ([]types.Chunk, error) {
	var chunk openAIStreamChunk
	if err := json.Unmarshal(event.Data, &chunk); err != nil {
		// Malformed events are skipped, matching upstream SDK behavior.
		return nil, nil
	}

	if chunk.ID != "" {
		acc.ID = chunk.ID
	}

	var out []types.Chunk

	if len(chunk.Choices) == 0 {
		// Usage-only event (stream_options.include_usage).
		if chunk.Usage != nil {
			acc.SetUsage(chunk.Usage.toCanonical())
			acc.UsageEmitted = true
			out = append(out, acc.UsageChunk())
		}
		return out, nil
	}

	choice := chunk.Choices[0]
	delta := types.Delta{
		Content:          choice.Delta.Content,
		ReasoningContent: choice.Delta.ReasoningContent,
		ToolCalls:        choice.Delta.ToolCalls,
	}
	// "reasoning" is always renamed; the two never coexist downstream.
	if delta.ReasoningContent == "" {
		delta.ReasoningContent = choice.Delta.Reasoning
	}

	acc.AddContent(delta.Content)
	acc.AddReasoning(delta.ReasoningContent)
	for _, tc := range delta.ToolCalls {
		acc.MergeToolCallDelta(tc)
	}

	if chunk.Usage != nil {
		acc.SetUsage(chunk.Usage.toCanonical())
	}

	if choice.FinishReason != nil && *choice.FinishReason != "" {
		acc.FinishReason = *choice.FinishReason
		acc.FinishEmitted = true
		out = append(out, acc.NewChunk(delta, choice.FinishReason))
		return out, nil
	}

	if delta.Content != "" || delta.ReasoningContent != "" || len(delta.ToolCalls) > 0 {
		out = append(out, acc.NewChunk(delta, nil))
	}
	return out, nil
}
