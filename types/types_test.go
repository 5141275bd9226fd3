package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageContent_UnmarshalString(t *testing.T) {
	var msg Message
	err := json.Unmarshal([]byte(`{"role":"user","content":"Hi"}`), &msg)
	require.NoError(t, err)

	assert.Equal(t, "user", msg.Role)
	assert.Equal(t, "Hi", msg.Content.Text)
	assert.False(t, msg.Content.IsMultimodal())
}

func TestMessageContent_UnmarshalParts(t *testing.T) {
	raw := `{"role":"user","content":[
		{"type":"text","text":"What is in this picture?"},
		{"type":"image_url","image_url":{"url":"https://example.com/cat.png"}}
	]}`

	var msg Message
	err := json.Unmarshal([]byte(raw), &msg)
	require.NoError(t, err)

	require.Len(t, msg.Content.Parts, 2)
	assert.Equal(t, PartTypeText, msg.Content.Parts[0].Type)
	assert.Equal(t, PartTypeImageURL, msg.Content.Parts[1].Type)
	require.NotNil(t, msg.Content.Parts[1].ImageURL)
	assert.Equal(t, "https://example.com/cat.png", msg.Content.Parts[1].ImageURL.URL)
}

func TestMessageContent_UnmarshalNull(t *testing.T) {
	var msg Message
	err := json.Unmarshal([]byte(`{"role":"assistant","content":null}`), &msg)
	require.NoError(t, err)
	assert.Equal(t, "", msg.Content.Flatten())
}

func TestMessageContent_MarshalRoundTrip(t *testing.T) {
	content := PartsContent(NewTextPart("hello"), NewImagePart("data:image/png;base64,AAAA"))

	data, err := json.Marshal(content)
	require.NoError(t, err)

	var decoded MessageContent
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, content, decoded)
}

func TestMessageContent_Flatten(t *testing.T) {
	content := PartsContent(
		NewTextPart("a"),
		NewImagePart("https://example.com/x.png"),
		ContentPart{Type: PartTypeToolResult, Text: "b"},
	)
	assert.Equal(t, "ab", content.Flatten())
}

func TestChatRequest_CapabilityProbes(t *testing.T) {
	req := ChatRequest{
		Model: "gpt-x",
		Messages: []Message{
			{Role: RoleUser, Content: PartsContent(NewImagePart("https://example.com/a.png"))},
		},
		Tools: []Tool{{Type: "function", Function: ToolFunc{Name: "get_weather"}}},
	}

	assert.True(t, req.NeedsTools())
	assert.True(t, req.NeedsVision())
	assert.False(t, req.NeedsReasoning())

	req.ReasoningEffort = ReasoningEffortMedium
	assert.True(t, req.NeedsReasoning())
}

func TestChatRequest_HasAssistantToolCalls(t *testing.T) {
	req := ChatRequest{
		Messages: []Message{
			{Role: RoleUser, Content: TextContent("weather?")},
			{Role: RoleAssistant, ToolCalls: []ToolCall{{
				ID:       "call_1",
				Type:     "function",
				Function: FunctionCall{Name: "get_weather", Arguments: `{"city":"SF"}`},
			}}},
			{Role: RoleTool, ToolCallID: "call_1", Content: TextContent("sunny")},
		},
	}
	assert.True(t, req.HasAssistantToolCalls())

	req.Messages = req.Messages[:1]
	assert.False(t, req.HasAssistantToolCalls())
}

func TestChatRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     ChatRequest
		wantErr string
	}{
		{
			name:    "missing model",
			req:     ChatRequest{Messages: []Message{{Role: RoleUser, Content: TextContent("hi")}}},
			wantErr: "model is required",
		},
		{
			name:    "empty messages",
			req:     ChatRequest{Model: "gpt-x"},
			wantErr: "messages must not be empty",
		},
		{
			name: "unknown role",
			req: ChatRequest{
				Model:    "gpt-x",
				Messages: []Message{{Role: "narrator", Content: TextContent("hi")}},
			},
			wantErr: "unknown role",
		},
		{
			name: "valid",
			req: ChatRequest{
				Model:    "gpt-x",
				Messages: []Message{{Role: RoleUser, Content: TextContent("hi")}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
