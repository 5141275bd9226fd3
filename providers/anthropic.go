package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/AltairaLabs/llmgateway/registry"
	"github.com/AltairaLabs/llmgateway/types"
)

// anthropicShape speaks the Anthropic messages API.
//
// The translation differs from the canonical shape in three ways: the system
// role moves into a top-level field, tool results become user-role
// tool_result blocks, and the message list must alternate user/assistant.
type anthropicShape struct{}

// Anthropic requires max_tokens; used when neither the request nor the
// mapping provides one.
const anthropicDefaultMaxTokens = 4096

// Thinking budgets per reasoning effort level.
var anthropicThinkingBudgets = map[string]int{
	types.ReasoningEffortLow:    1024,
	types.ReasoningEffortMedium: 4096,
	types.ReasoningEffortHigh:   16384,
}

func (anthropicShape) Kind() registry.Kind { return registry.KindAnthropic }

type anthropicBlock struct {
	Type string `json:"type"`

	// text / thinking
	Text string `json:"text,omitempty"`

	// image
	Source *anthropicImageSource `json:"source,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type anthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

func (anthropicShape) PrepareBody(_ context.Context, in PrepareInput) (map[string]any, error) {
	var system []anthropicBlock
	var messages []anthropicMessage

	for i := range in.Messages {
		msg := &in.Messages[i]

		switch msg.Role {
		case types.RoleSystem:
			if text := msg.Content.Flatten(); text != "" {
				system = append(system, anthropicBlock{Type: "text", Text: text})
			}
			continue

		case types.RoleTool:
			appendAnthropicMessage(&messages, types.RoleUser, []anthropicBlock{{
				Type:      "tool_result",
				ToolUseID: msg.ToolCallID,
				Content:   msg.Content.Flatten(),
			}})
			continue
		}

		blocks, err := anthropicContentBlocks(msg)
		if err != nil {
			return nil, err
		}
		if len(blocks) == 0 {
			continue
		}
		appendAnthropicMessage(&messages, msg.Role, blocks)
	}

	maxTokens := anthropicDefaultMaxTokens
	if in.Mapping != nil && in.Mapping.MaxOutputTokens > 0 {
		maxTokens = in.Mapping.MaxOutputTokens
	}
	if in.MaxTokens != nil && in.supportsParam("max_tokens") {
		maxTokens = *in.MaxTokens
	}

	body := map[string]any{
		"model":      in.UpstreamModel,
		"max_tokens": maxTokens,
		"messages":   messages,
	}
	if len(system) > 0 {
		body["system"] = system
	}
	if in.Stream {
		body["stream"] = true
	}
	if in.Temperature != nil && in.supportsParam("temperature") {
		body["temperature"] = *in.Temperature
	}
	if in.TopP != nil && in.supportsParam("top_p") {
		body["top_p"] = *in.TopP
	}
	if len(in.Tools) > 0 && in.supportsParam("tools") {
		tools := make([]map[string]any, 0, len(in.Tools))
		for _, t := range in.Tools {
			tool := map[string]any{"name": t.Function.Name}
			if t.Function.Description != "" {
				tool["description"] = t.Function.Description
			}
			if t.Function.Parameters != nil {
				tool["input_schema"] = t.Function.Parameters
			}
			tools = append(tools, tool)
		}
		body["tools"] = tools

		if in.ToolChoice != nil && in.supportsParam("tool_choice") {
			if choice := anthropicToolChoice(in.ToolChoice); choice != nil {
				body["tool_choice"] = choice
			}
		}
	}
	if in.ReasoningEffort != "" && in.SupportsReasoning {
		if budget, ok := anthropicThinkingBudgets[in.ReasoningEffort]; ok {
			body["thinking"] = map[string]any{"type": "enabled", "budget_tokens": budget}
		}
	}

	return body, nil
}

// appendAnthropicMessage merges consecutive same-role turns so the message
// list stays alternating, which Anthropic requires.
func appendAnthropicMessage(messages *[]anthropicMessage, role string, blocks []anthropicBlock) {
	if n := len(*messages); n > 0 && (*messages)[n-1].Role == role {
		(*messages)[n-1].Content = append((*messages)[n-1].Content, blocks...)
		return
	}
	*messages = append(*messages, anthropicMessage{Role: role, Content: blocks})
}

func anthropicContentBlocks(msg *types.Message) ([]anthropicBlock, error) {
	var blocks []anthropicBlock

	if !msg.Content.IsMultimodal() {
		if msg.Content.Text != "" {
			blocks = append(blocks, anthropicBlock{Type: "text", Text: msg.Content.Text})
		}
	} else {
		for _, part := range msg.Content.Parts {
			switch part.Type {
			case types.PartTypeText, types.PartTypeToolResult:
				blocks = append(blocks, anthropicBlock{Type: "text", Text: part.Text})
			case types.PartTypeImageURL:
				if part.ImageURL == nil {
					continue
				}
				source, err := anthropicImageFromRef(part.ImageURL.URL)
				if err != nil {
					return nil, err
				}
				blocks = append(blocks, anthropicBlock{Type: "image", Source: source})
			}
		}
	}

	for _, tc := range msg.ToolCalls {
		input := json.RawMessage(tc.Function.Arguments)
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		blocks = append(blocks, anthropicBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: input,
		})
	}

	return blocks, nil
}

// anthropicImageFromRef converts an image reference into an Anthropic image
// source. Data URLs are inlined; remote URLs pass through as url sources.
func anthropicImageFromRef(ref string) (*anthropicImageSource, error) {
	if strings.HasPrefix(ref, "data:") {
		img, err := parseDataURL(ref)
		if err != nil {
			return nil, err
		}
		return &anthropicImageSource{Type: "base64", MediaType: img.MimeType, Data: img.Data}, nil
	}
	return &anthropicImageSource{Type: "url", URL: ref}, nil
}

// anthropicToolChoice translates the canonical tool_choice value.
// "none" yields nil: tools are simply not forced.
func anthropicToolChoice(raw json.RawMessage) map[string]any {
	var mode string
	if err := json.Unmarshal(raw, &mode); err == nil {
		switch mode {
		case "auto":
			return map[string]any{"type": "auto"}
		case "required":
			return map[string]any{"type": "any"}
		default:
			return nil
		}
	}

	var obj struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Function.Name != "" {
		return map[string]any{"type": "tool", "name": obj.Function.Name}
	}
	return nil
}

// anthropicUsage is the usage block on messages API responses and events.
type anthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	ReasoningOutputTokens    int `json:"reasoning_output_tokens"`
}

// applyPromptUsage folds input-side counters into the canonical usage.
// Prompt tokens are the sum of fresh, cache-creation, and cache-read tokens.
func (u *anthropicUsage) applyPromptUsage(usage *types.Usage) {
	usage.PromptTokens = u.InputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens
	usage.CachedTokens = u.CacheReadInputTokens
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
}

// applyCompletionUsage folds output-side counters into the canonical usage.
func (u *anthropicUsage) applyCompletionUsage(usage *types.Usage) {
	usage.CompletionTokens = u.OutputTokens
	if u.ReasoningOutputTokens > 0 {
		usage.ReasoningTokens = u.ReasoningOutputTokens
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
}

// anthropicFinishReason maps stop reasons onto canonical finish reasons.
func anthropicFinishReason(stopReason string) string {
	switch stopReason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return stopReason
	}
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Content []struct {
		Type     string          `json:"type"`
		Text     string          `json:"text"`
		Thinking string          `json:"thinking"`
		ID       string          `json:"id"`
		Name     string          `json:"name"`
		Input    json.RawMessage `json:"input"`
	} `json:"content"`
	StopReason string          `json:"stop_reason"`
	Usage      *anthropicUsage `json:"usage"`
	Error      *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (anthropicShape) ParseResponse(body []byte, servedModel string) (*types.ChatResponse, error) {
	var resp anthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing upstream response: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("upstream error: %s", resp.Error.Message)
	}

	acc := NewAccumulator(servedModel)
	if resp.ID != "" {
		acc.ID = resp.ID
	}

	var text, reasoning strings.Builder
	var toolCalls []types.ToolCall

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "thinking":
			reasoning.WriteString(block.Thinking)
		case "tool_use":
			args := "{}"
			if len(block.Input) > 0 {
				args = string(block.Input)
			}
			toolCalls = append(toolCalls, types.ToolCall{
				ID:       block.ID,
				Type:     "function",
				Function: types.FunctionCall{Name: block.Name, Arguments: args},
			})
		}
	}

	out := &types.ChatResponse{
		ID:      acc.ID,
		Object:  types.ObjectChatCompletion,
		Created: acc.Created,
		Model:   servedModel,
		Choices: []types.Choice{{
			Index: 0,
			Message: types.AssistantMessage{
				Role:             types.RoleAssistant,
				Content:          types.TextContent(text.String()),
				ToolCalls:        toolCalls,
				ReasoningContent: reasoning.String(),
			},
			FinishReason: anthropicFinishReason(resp.StopReason),
		}},
	}
	if resp.Usage != nil {
		var usage types.Usage
		resp.Usage.applyCompletionUsage(&usage)
		resp.Usage.applyPromptUsage(&usage)
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		out.Usage = &usage
	}
	return out, nil
}

func (anthropicShape) Framer(r io.Reader) Framer {
	return NewSSEFramer(r)
}

// anthropicEvent is the union of all streaming event payloads.
type anthropicEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`

	Message *struct {
		ID    string          `json:"id"`
		Usage *anthropicUsage `json:"usage"`
	} `json:"message"`

	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`

	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		Thinking    string `json:"thinking"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`

	Usage *anthropicUsage `json:"usage"`
}

func (anthropicShape) TransformEvent(event RawEvent, acc *Accumulator) ([]types.Chunk, error) {
	var ev anthropicEvent
	if err := json.Unmarshal(event.Data, &ev); err != nil {
		return nil, nil
	}
	eventType := ev.Type
	if eventType == "" {
		eventType = event.Name
	}

	switch eventType {
	case "message_start":
		if ev.Message != nil {
			if ev.Message.ID != "" {
				acc.ID = ev.Message.ID
			}
			if ev.Message.Usage != nil {
				usage := usageOrZero(acc)
				ev.Message.Usage.applyPromptUsage(&usage)
				acc.SetUsage(usage)
			}
		}
		return nil, nil

	case "content_block_start":
		if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
			acc.StartToolCall(ev.Index, ev.ContentBlock.ID, ev.ContentBlock.Name, "")
			chunk := acc.NewChunk(types.Delta{ToolCalls: []types.ToolCallDelta{{
				Index:    ev.Index,
				ID:       ev.ContentBlock.ID,
				Type:     "function",
				Function: types.FunctionCallDelta{Name: ev.ContentBlock.Name},
			}}}, nil)
			return []types.Chunk{chunk}, nil
		}
		return nil, nil

	case "content_block_delta":
		if ev.Delta == nil {
			return nil, nil
		}
		switch {
		case ev.Delta.Text != "":
			acc.AddContent(ev.Delta.Text)
			return []types.Chunk{acc.NewChunk(types.Delta{Content: ev.Delta.Text}, nil)}, nil
		case ev.Delta.Thinking != "":
			acc.AddReasoning(ev.Delta.Thinking)
			chunk := acc.NewChunk(types.Delta{ReasoningContent: ev.Delta.Thinking}, nil)
			if acc.OmitReasoning {
				return nil, nil
			}
			return []types.Chunk{chunk}, nil
		case ev.Delta.PartialJSON != "":
			acc.AppendToolCallArgs(ev.Index, ev.Delta.PartialJSON)
			chunk := acc.NewChunk(types.Delta{ToolCalls: []types.ToolCallDelta{{
				Index:    ev.Index,
				Function: types.FunctionCallDelta{Arguments: ev.Delta.PartialJSON},
			}}}, nil)
			return []types.Chunk{chunk}, nil
		}
		return nil, nil

	case "message_delta":
		if ev.Delta != nil && ev.Delta.StopReason != "" {
			acc.FinishReason = anthropicFinishReason(ev.Delta.StopReason)
		}
		if ev.Usage != nil {
			usage := usageOrZero(acc)
			ev.Usage.applyCompletionUsage(&usage)
			acc.SetUsage(usage)
		}
		return nil, nil

	case "message_stop":
		// The dispatcher emits the terminal and usage chunks at end of
		// stream; nothing to do here.
		return nil, nil
	}

	return nil, nil
}

func usageOrZero(acc *Accumulator) types.Usage {
	if acc.Usage != nil {
		return *acc.Usage
	}
	return types.Usage{}
}
