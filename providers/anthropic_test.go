package providers

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AltairaLabs/llmgateway/types"
)

func TestAnthropicPrepareBody_SystemExtraction(t *testing.T) {
	body, err := anthropicShape{}.PrepareBody(context.Background(), PrepareInput{
		UpstreamModel: "claude-3-5-sonnet-latest",
		Messages: []types.Message{
			{Role: types.RoleSystem, Content: types.TextContent("be terse")},
			{Role: types.RoleUser, Content: types.TextContent("hi")},
		},
	})
	require.NoError(t, err)

	system, ok := body["system"].([]anthropicBlock)
	require.True(t, ok)
	require.Len(t, system, 1)
	assert.Equal(t, "be terse", system[0].Text)

	messages, ok := body["messages"].([]anthropicMessage)
	require.True(t, ok)
	require.Len(t, messages, 1)
	assert.Equal(t, types.RoleUser, messages[0].Role)
}

func TestAnthropicPrepareBody_MaxTokensDefaulting(t *testing.T) {
	body, err := anthropicShape{}.PrepareBody(context.Background(), PrepareInput{
		UpstreamModel: "claude-3-5-haiku-latest",
		Messages:      []types.Message{{Role: types.RoleUser, Content: types.TextContent("hi")}},
	})
	require.NoError(t, err)
	assert.Equal(t, anthropicDefaultMaxTokens, body["max_tokens"])

	body, err = anthropicShape{}.PrepareBody(context.Background(), PrepareInput{
		UpstreamModel: "claude-3-5-haiku-latest",
		Messages:      []types.Message{{Role: types.RoleUser, Content: types.TextContent("hi")}},
		MaxTokens:     intPtr(256),
	})
	require.NoError(t, err)
	assert.Equal(t, 256, body["max_tokens"])
}

func TestAnthropicPrepareBody_ToolResultBecomesUserTurn(t *testing.T) {
	body, err := anthropicShape{}.PrepareBody(context.Background(), PrepareInput{
		UpstreamModel: "claude-3-5-sonnet-latest",
		Messages: []types.Message{
			{Role: types.RoleUser, Content: types.TextContent("weather in paris?")},
			{
				Role: types.RoleAssistant,
				ToolCalls: []types.ToolCall{{
					ID:       "toolu_1",
					Type:     "function",
					Function: types.FunctionCall{Name: "get_weather", Arguments: `{"city":"Paris"}`},
				}},
			},
			{Role: types.RoleTool, ToolCallID: "toolu_1", Content: types.TextContent("sunny")},
		},
	})
	require.NoError(t, err)

	messages := body["messages"].([]anthropicMessage)
	require.Len(t, messages, 3)

	assert.Equal(t, types.RoleAssistant, messages[1].Role)
	require.Len(t, messages[1].Content, 1)
	assert.Equal(t, "tool_use", messages[1].Content[0].Type)
	assert.Equal(t, "toolu_1", messages[1].Content[0].ID)
	assert.Equal(t, "get_weather", messages[1].Content[0].Name)

	assert.Equal(t, types.RoleUser, messages[2].Role)
	require.Len(t, messages[2].Content, 1)
	assert.Equal(t, "tool_result", messages[2].Content[0].Type)
	assert.Equal(t, "toolu_1", messages[2].Content[0].ToolUseID)
	assert.Equal(t, "sunny", messages[2].Content[0].Content)
}

func TestAnthropicPrepareBody_MergesConsecutiveRoles(t *testing.T) {
	body, err := anthropicShape{}.PrepareBody(context.Background(), PrepareInput{
		UpstreamModel: "claude-3-5-sonnet-latest",
		Messages: []types.Message{
			{Role: types.RoleUser, Content: types.TextContent("first")},
			{Role: types.RoleUser, Content: types.TextContent("second")},
		},
	})
	require.NoError(t, err)

	messages := body["messages"].([]anthropicMessage)
	require.Len(t, messages, 1)
	assert.Len(t, messages[0].Content, 2)
}

func TestAnthropicPrepareBody_ToolTranslation(t *testing.T) {
	params := json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}}}`)
	body, err := anthropicShape{}.PrepareBody(context.Background(), PrepareInput{
		UpstreamModel: "claude-3-5-sonnet-latest",
		Messages:      []types.Message{{Role: types.RoleUser, Content: types.TextContent("hi")}},
		Tools: []types.Tool{{
			Type: "function",
			Function: types.ToolFunc{
				Name:        "get_weather",
				Description: "look up weather",
				Parameters:  params,
			},
		}},
		ToolChoice: json.RawMessage(`"required"`),
	})
	require.NoError(t, err)

	tools := body["tools"].([]map[string]any)
	require.Len(t, tools, 1)
	assert.Equal(t, "get_weather", tools[0]["name"])
	assert.Equal(t, "look up weather", tools[0]["description"])
	assert.NotNil(t, tools[0]["input_schema"])

	choice := body["tool_choice"].(map[string]any)
	assert.Equal(t, "any", choice["type"])
}

func TestAnthropicParseResponse(t *testing.T) {
	body := []byte(`{
		"id": "msg_01",
		"content": [
			{"type": "thinking", "thinking": "let me see"},
			{"type": "text", "text": "sunny"},
			{"type": "tool_use", "id": "toolu_2", "name": "get_weather", "input": {"city": "Paris"}}
		],
		"stop_reason": "tool_use",
		"usage": {
			"input_tokens": 10,
			"output_tokens": 6,
			"cache_creation_input_tokens": 3,
			"cache_read_input_tokens": 2
		}
	}`)

	resp, err := anthropicShape{}.ParseResponse(body, "claude-3-5-sonnet")
	require.NoError(t, err)

	assert.Equal(t, "msg_01", resp.ID)
	require.Len(t, resp.Choices, 1)
	choice := resp.Choices[0]
	assert.Equal(t, "sunny", choice.Message.Content.Flatten())
	assert.Equal(t, "let me see", choice.Message.ReasoningContent)
	assert.Equal(t, "tool_calls", choice.FinishReason)
	require.Len(t, choice.Message.ToolCalls, 1)
	assert.JSONEq(t, `{"city":"Paris"}`, choice.Message.ToolCalls[0].Function.Arguments)

	// Prompt tokens fold in cache creation and cache read.
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 15, resp.Usage.PromptTokens)
	assert.Equal(t, 2, resp.Usage.CachedTokens)
	assert.Equal(t, 6, resp.Usage.CompletionTokens)
	assert.Equal(t, 21, resp.Usage.TotalTokens)
}

func TestAnthropicFinishReasonMapping(t *testing.T) {
	assert.Equal(t, "stop", anthropicFinishReason("end_turn"))
	assert.Equal(t, "stop", anthropicFinishReason("stop_sequence"))
	assert.Equal(t, "length", anthropicFinishReason("max_tokens"))
	assert.Equal(t, "tool_calls", anthropicFinishReason("tool_use"))
}

func TestAnthropicTransformEvent_StreamedToolCall(t *testing.T) {
	acc := NewAccumulator("claude-3-5-sonnet")
	shape := anthropicShape{}

	events := []RawEvent{
		{Name: "message_start", Data: []byte(`{"type":"message_start","message":{"id":"msg_02","usage":{"input_tokens":12,"cache_read_input_tokens":4}}}`)},
		{Name: "content_block_start", Data: []byte(`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_3","name":"get_weather"}}`)},
		{Name: "content_block_delta", Data: []byte(`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"city\":"}}`)},
		{Name: "content_block_delta", Data: []byte(`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"\"Paris\"}"}}`)},
		{Name: "message_delta", Data: []byte(`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":9}}`)},
		{Name: "message_stop", Data: []byte(`{"type":"message_stop"}`)},
	}

	var chunkCount int
	for _, ev := range events {
		chunks, err := shape.TransformEvent(ev, acc)
		require.NoError(t, err)
		chunkCount += len(chunks)
	}
	assert.Equal(t, 3, chunkCount)

	assert.Equal(t, "msg_02", acc.ID)
	assert.Equal(t, "tool_calls", acc.FinishReason)

	calls := acc.ToolCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "toolu_3", calls[0].ID)
	assert.Equal(t, "get_weather", calls[0].Function.Name)
	assert.JSONEq(t, `{"city":"Paris"}`, calls[0].Function.Arguments)

	require.NotNil(t, acc.Usage)
	assert.Equal(t, 16, acc.Usage.PromptTokens)
	assert.Equal(t, 4, acc.Usage.CachedTokens)
	assert.Equal(t, 9, acc.Usage.CompletionTokens)
	assert.Equal(t, 25, acc.Usage.TotalTokens)
}

func TestAnthropicTransformEvent_TextAndThinking(t *testing.T) {
	acc := NewAccumulator("claude-3-5-sonnet")
	shape := anthropicShape{}

	chunks, err := shape.TransformEvent(RawEvent{
		Name: "content_block_delta",
		Data: []byte(`{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"hmm"}}`),
	}, acc)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "hmm", chunks[0].Choices[0].Delta.ReasoningContent)

	chunks, err = shape.TransformEvent(RawEvent{
		Name: "content_block_delta",
		Data: []byte(`{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"sunny"}}`),
	}, acc)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "sunny", chunks[0].Choices[0].Delta.Content)

	assert.Equal(t, "sunny", acc.FullContent())
	assert.Equal(t, "hmm", acc.ReasoningContent())
	assert.False(t, acc.FinishEmitted)
}
