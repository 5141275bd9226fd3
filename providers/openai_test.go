package providers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AltairaLabs/llmgateway/registry"
	"github.com/AltairaLabs/llmgateway/types"
)

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int) *int           { return &v }

func TestOpenAIPrepareBody_ParamGating(t *testing.T) {
	mapping := &registry.ProviderMapping{
		Provider:            "openai",
		UpstreamModel:       "gpt-4o",
		SupportedParameters: []string{"temperature", "max_tokens"},
	}

	body, err := openAIShape{}.PrepareBody(context.Background(), PrepareInput{
		UpstreamModel: "gpt-4o",
		Messages:      []types.Message{{Role: types.RoleUser, Content: types.TextContent("hi")}},
		Temperature:   floatPtr(0.3),
		TopP:          floatPtr(0.9),
		MaxTokens:     intPtr(128),
		Mapping:       mapping,
	})
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o", body["model"])
	assert.Equal(t, 0.3, body["temperature"])
	assert.Equal(t, 128, body["max_tokens"])
	assert.NotContains(t, body, "top_p")
	assert.NotContains(t, body, "stream")
}

func TestOpenAIPrepareBody_StreamForcesUsage(t *testing.T) {
	body, err := openAIShape{}.PrepareBody(context.Background(), PrepareInput{
		UpstreamModel: "gpt-4o",
		Messages:      []types.Message{{Role: types.RoleUser, Content: types.TextContent("hi")}},
		Stream:        true,
	})
	require.NoError(t, err)

	assert.Equal(t, true, body["stream"])
	assert.Equal(t, map[string]any{"include_usage": true}, body["stream_options"])
}

func TestOpenAIPrepareBody_ReasoningEffortNeedsCapability(t *testing.T) {
	in := PrepareInput{
		UpstreamModel:   "o3-mini",
		Messages:        []types.Message{{Role: types.RoleUser, Content: types.TextContent("hi")}},
		ReasoningEffort: types.ReasoningEffortHigh,
	}

	body, err := openAIShape{}.PrepareBody(context.Background(), in)
	require.NoError(t, err)
	assert.NotContains(t, body, "reasoning_effort")

	in.SupportsReasoning = true
	body, err = openAIShape{}.PrepareBody(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "high", body["reasoning_effort"])
}

func TestOpenAIParseResponse(t *testing.T) {
	body := []byte(`{
		"id": "chatcmpl-abc",
		"created": 1700000000,
		"choices": [{
			"index": 0,
			"message": {"role": "assistant", "content": "hello", "reasoning": "thinking..."},
			"finish_reason": "stop"
		}],
		"usage": {
			"prompt_tokens": 10,
			"completion_tokens": 5,
			"total_tokens": 15,
			"prompt_tokens_details": {"cached_tokens": 4},
			"completion_tokens_details": {"reasoning_tokens": 2}
		}
	}`)

	resp, err := openAIShape{}.ParseResponse(body, "gpt-4o")
	require.NoError(t, err)

	assert.Equal(t, "chatcmpl-abc", resp.ID)
	assert.Equal(t, "gpt-4o", resp.Model)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "hello", resp.Choices[0].Message.Content.Flatten())
	assert.Equal(t, "thinking...", resp.Choices[0].Message.ReasoningContent)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)

	require.NotNil(t, resp.Usage)
	assert.Equal(t, 10, resp.Usage.PromptTokens)
	assert.Equal(t, 4, resp.Usage.CachedTokens)
	assert.Equal(t, 2, resp.Usage.ReasoningTokens)
}

func TestOpenAIParseResponse_UpstreamError(t *testing.T) {
	_, err := openAIShape{}.ParseResponse([]byte(`{"error":{"message":"rate limited","type":"rate_limit_error"}}`), "gpt-4o")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestOpenAIParseResponse_NoChoices(t *testing.T) {
	_, err := openAIShape{}.ParseResponse([]byte(`{"id":"x","choices":[]}`), "gpt-4o")
	require.Error(t, err)
}

func TestOpenAITransformEvent_ContentAndFinish(t *testing.T) {
	acc := NewAccumulator("gpt-4o")
	shape := openAIShape{}

	chunks, err := shape.TransformEvent(RawEvent{Data: []byte(`{"id":"chatcmpl-1","choices":[{"delta":{"content":"hel"}}]}`)}, acc)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "chatcmpl-1", chunks[0].ID)
	assert.Equal(t, "hel", chunks[0].Choices[0].Delta.Content)

	chunks, err = shape.TransformEvent(RawEvent{Data: []byte(`{"choices":[{"delta":{"content":"lo"},"finish_reason":"stop"}]}`)}, acc)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.NotNil(t, chunks[0].Choices[0].FinishReason)
	assert.Equal(t, "stop", *chunks[0].Choices[0].FinishReason)

	assert.Equal(t, "hello", acc.FullContent())
	assert.True(t, acc.FinishEmitted)
	assert.Equal(t, "stop", acc.FinishReason)
}

func TestOpenAITransformEvent_UsageOnlyEvent(t *testing.T) {
	acc := NewAccumulator("gpt-4o")

	chunks, err := openAIShape{}.TransformEvent(RawEvent{Data: []byte(`{"choices":[],"usage":{"prompt_tokens":7,"completion_tokens":3}}`)}, acc)
	require.NoError(t, err)
	require.Len(t, chunks, 1)

	assert.True(t, acc.UsageEmitted)
	require.NotNil(t, chunks[0].Usage)
	assert.Equal(t, 7, chunks[0].Usage.PromptTokens)
	assert.Equal(t, 10, chunks[0].Usage.TotalTokens)
}

func TestOpenAITransformEvent_ToolCallAssembly(t *testing.T) {
	acc := NewAccumulator("gpt-4o")
	shape := openAIShape{}

	events := []string{
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"get_weather","arguments":""}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"city\":"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"Paris\"}"}}]}}]}`,
	}
	for _, ev := range events {
		_, err := shape.TransformEvent(RawEvent{Data: []byte(ev)}, acc)
		require.NoError(t, err)
	}

	calls := acc.ToolCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "call_1", calls[0].ID)
	assert.Equal(t, "get_weather", calls[0].Function.Name)
	assert.JSONEq(t, `{"city":"Paris"}`, calls[0].Function.Arguments)
}

func TestOpenAITransformEvent_MalformedSkipped(t *testing.T) {
	acc := NewAccumulator("gpt-4o")
	chunks, err := openAIShape{}.TransformEvent(RawEvent{Data: []byte(`not json`)}, acc)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestOpenAITransformEvent_OmitReasoning(t *testing.T) {
	acc := NewAccumulator("deepseek-r1")
	acc.OmitReasoning = true

	chunks, err := openAIShape{}.TransformEvent(RawEvent{Data: []byte(`{"choices":[{"delta":{"reasoning_content":"hmm"}}]}`)}, acc)
	require.NoError(t, err)

	// Reasoning is dropped from the chunk but still accumulated for token
	// accounting.
	require.Len(t, chunks, 1)
	assert.Empty(t, chunks[0].Choices[0].Delta.ReasoningContent)
	assert.Equal(t, "hmm", acc.ReasoningContent())
}
