package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/AltairaLabs/llmgateway/registry"
	"github.com/AltairaLabs/llmgateway/types"
)

// googleShape speaks the Google AI Studio generateContent API.
//
// Google diverges furthest from the canonical shape: the assistant role is
// called "model", system messages move into systemInstruction, remote images
// must be fetched and inlined as base64, and tool calls carry no ids so the
// gateway synthesizes them.
type googleShape struct{}

func (googleShape) Kind() registry.Kind { return registry.KindGoogle }

type googlePart struct {
	Text          string          `json:"text,omitempty"`
	Thought       bool            `json:"thought,omitempty"`
	InlineData    *googleBlob     `json:"inlineData,omitempty"`
	InlineDataAlt *googleBlob     `json:"inline_data,omitempty"`
	FuncCall      *googleFuncCall `json:"functionCall,omitempty"`
	FuncResp      *googleFuncResp `json:"functionResponse,omitempty"`
}

type googleBlob struct {
	MimeType    string `json:"mimeType,omitempty"`
	MimeTypeAlt string `json:"mime_type,omitempty"`
	Data        string `json:"data"`
}

type googleFuncCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type googleFuncResp struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type googleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []googlePart `json:"parts"`
}

func (googleShape) PrepareBody(ctx context.Context, in PrepareInput) (map[string]any, error) {
	var systemParts []googlePart
	var contents []googleContent

	// Tool call ids are gateway-synthesized and never round-trip upstream;
	// functionResponse parts are matched by name instead. Track the mapping
	// from id to name for messages that only carry the id.
	callNames := map[string]string{}

	for i := range in.Messages {
		msg := &in.Messages[i]

		switch msg.Role {
		case types.RoleSystem:
			if text := msg.Content.Flatten(); text != "" {
				systemParts = append(systemParts, googlePart{Text: text})
			}
			continue

		case types.RoleTool:
			name := callNames[msg.ToolCallID]
			if name == "" {
				name = googleCallName(msg.ToolCallID)
			}
			contents = append(contents, googleContent{
				Role: "user",
				Parts: []googlePart{{FuncResp: &googleFuncResp{
					Name:     name,
					Response: map[string]any{"result": msg.Content.Flatten()},
				}}},
			})
			continue
		}

		role := msg.Role
		if role == types.RoleAssistant {
			role = "model"
		}

		parts, err := googleMessageParts(ctx, in.Images, msg)
		if err != nil {
			return nil, err
		}
		for _, tc := range msg.ToolCalls {
			callNames[tc.ID] = tc.Function.Name
			args := json.RawMessage(tc.Function.Arguments)
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			parts = append(parts, googlePart{FuncCall: &googleFuncCall{
				Name: tc.Function.Name,
				Args: args,
			}})
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, googleContent{Role: role, Parts: parts})
	}

	body := map[string]any{"contents": contents}
	if len(systemParts) > 0 {
		body["systemInstruction"] = googleContent{Parts: systemParts}
	}

	generationConfig := map[string]any{}
	if in.Temperature != nil && in.supportsParam("temperature") {
		generationConfig["temperature"] = *in.Temperature
	}
	if in.TopP != nil && in.supportsParam("top_p") {
		generationConfig["topP"] = *in.TopP
	}
	if in.MaxTokens != nil && in.supportsParam("max_tokens") {
		generationConfig["maxOutputTokens"] = *in.MaxTokens
	}
	if in.ResponseFormat != nil && in.supportsParam("response_format") {
		var format struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(in.ResponseFormat, &format); err == nil && strings.HasPrefix(format.Type, "json") {
			generationConfig["responseMimeType"] = "application/json"
		}
	}
	if len(generationConfig) > 0 {
		body["generationConfig"] = generationConfig
	}

	if len(in.Tools) > 0 && in.supportsParam("tools") {
		declarations := make([]map[string]any, 0, len(in.Tools))
		for _, t := range in.Tools {
			decl := map[string]any{"name": t.Function.Name}
			if t.Function.Description != "" {
				decl["description"] = t.Function.Description
			}
			if t.Function.Parameters != nil {
				decl["parameters"] = t.Function.Parameters
			}
			declarations = append(declarations, decl)
		}
		body["tools"] = []map[string]any{{"functionDeclarations": declarations}}

		if in.ToolChoice != nil && in.supportsParam("tool_choice") {
			if cfg := googleToolConfig(in.ToolChoice); cfg != nil {
				body["toolConfig"] = cfg
			}
		}
	}

	return body, nil
}

// googleMessageParts converts canonical content into Google parts. Image
// references are resolved to inline base64 data since AI Studio does not
// fetch remote URLs itself.
func googleMessageParts(ctx context.Context, images *ImageProcessor, msg *types.Message) ([]googlePart, error) {
	if !msg.Content.IsMultimodal() {
		if msg.Content.Text == "" {
			return nil, nil
		}
		return []googlePart{{Text: msg.Content.Text}}, nil
	}

	var parts []googlePart
	for _, part := range msg.Content.Parts {
		switch part.Type {
		case types.PartTypeText, types.PartTypeToolResult:
			if part.Text != "" {
				parts = append(parts, googlePart{Text: part.Text})
			}
		case types.PartTypeImageURL:
			if part.ImageURL == nil {
				continue
			}
			if images == nil {
				return nil, fmt.Errorf("image content requires an image processor")
			}
			img, err := images.Fetch(ctx, part.ImageURL.URL)
			if err != nil {
				return nil, fmt.Errorf("inlining image: %w", err)
			}
			parts = append(parts, googlePart{InlineData: &googleBlob{
				MimeType: img.MimeType,
				Data:     img.Data,
			}})
		}
	}
	return parts, nil
}

// googleToolConfig maps the canonical tool_choice onto a Google toolConfig.
func googleToolConfig(raw json.RawMessage) map[string]any {
	var mode string
	if err := json.Unmarshal(raw, &mode); err == nil {
		switch mode {
		case "auto":
			return map[string]any{"functionCallingConfig": map[string]any{"mode": "AUTO"}}
		case "none":
			return map[string]any{"functionCallingConfig": map[string]any{"mode": "NONE"}}
		case "required":
			return map[string]any{"functionCallingConfig": map[string]any{"mode": "ANY"}}
		}
		return nil
	}

	var obj struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Function.Name != "" {
		return map[string]any{"functionCallingConfig": map[string]any{
			"mode":                 "ANY",
			"allowedFunctionNames": []string{obj.Function.Name},
		}}
	}
	return nil
}

// googleCallName recovers the function name from a synthesized call id of the
// form <name>_<unix>_<index>.
func googleCallName(callID string) string {
	parts := strings.Split(callID, "_")
	if len(parts) <= 2 {
		return callID
	}
	return strings.Join(parts[:len(parts)-2], "_")
}

// googleUsage is the usageMetadata block on generateContent responses.
type googleUsage struct {
	PromptTokenCount        int `json:"promptTokenCount"`
	CandidatesTokenCount    int `json:"candidatesTokenCount"`
	ThoughtsTokenCount      int `json:"thoughtsTokenCount"`
	CachedContentTokenCount int `json:"cachedContentTokenCount"`
}

// toCanonical converts Google usage metadata. The reported totalTokenCount is
// ignored; the total is recomputed as prompt + completion + reasoning so the
// three components always add up.
func (u *googleUsage) toCanonical() types.Usage {
	return types.Usage{
		PromptTokens:     u.PromptTokenCount,
		CompletionTokens: u.CandidatesTokenCount,
		ReasoningTokens:  u.ThoughtsTokenCount,
		CachedTokens:     u.CachedContentTokenCount,
		TotalTokens:      u.PromptTokenCount + u.CandidatesTokenCount + u.ThoughtsTokenCount,
	}
}

// googleFinishReason maps Google finish reasons onto canonical ones.
func googleFinishReason(reason string) string {
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT":
		return "content_filter"
	case "":
		return ""
	default:
		return strings.ToLower(reason)
	}
}

type googleResponse struct {
	Candidates []struct {
		Content      googleContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *googleUsage `json:"usageMetadata"`
	Error         *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (googleShape) ParseResponse(body []byte, servedModel string) (*types.ChatResponse, error) {
	var resp googleResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing upstream response: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("upstream error: %s", resp.Error.Message)
	}
	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("upstream response has no candidates")
	}

	acc := NewAccumulator(servedModel)
	candidate := resp.Candidates[0]

	var text, reasoning strings.Builder
	var toolCalls []types.ToolCall

	for i, part := range candidate.Content.Parts {
		switch {
		case part.FuncCall != nil:
			args := "{}"
			if len(part.FuncCall.Args) > 0 {
				args = string(part.FuncCall.Args)
			}
			toolCalls = append(toolCalls, types.ToolCall{
				ID:       googleSynthCallID(part.FuncCall.Name, i),
				Type:     "function",
				Function: types.FunctionCall{Name: part.FuncCall.Name, Arguments: args},
			})
		case part.Thought:
			reasoning.WriteString(part.Text)
		default:
			text.WriteString(part.Text)
		}
	}

	finishReason := googleFinishReason(candidate.FinishReason)
	if finishReason == "stop" && len(toolCalls) > 0 {
		finishReason = "tool_calls"
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
			FinishReason: finishReason,
		}},
	}
	if resp.UsageMetadata != nil {
		u := resp.UsageMetadata.toCanonical()
		out.Usage = &u
	}
	return out, nil
}

// googleSynthCallID synthesizes a stable-format tool call id; Google does not
// assign one.
func googleSynthCallID(name string, index int) string {
	return fmt.Sprintf("%s_%d_%d", name, time.Now().Unix(), index)
}

func (googleShape) Framer(r io.Reader) Framer {
	return NewGoogleFramer(r)
}

func (googleShape) TransformEvent(event RawEvent, acc *Accumulator) ([]types.Chunk, error) {
	var resp googleResponse
	if err := json.Unmarshal(event.Data, &resp); err != nil {
		return nil, nil
	}

	if resp.UsageMetadata != nil {
		acc.SetUsage(resp.UsageMetadata.toCanonical())
	}
	if len(resp.Candidates) == 0 {
		return nil, nil
	}
	candidate := resp.Candidates[0]

	var out []types.Chunk
	for _, part := range candidate.Content.Parts {
		switch {
		case part.FuncCall != nil:
			args := "{}"
			if len(part.FuncCall.Args) > 0 {
				args = string(part.FuncCall.Args)
			}
			index := len(acc.ToolCalls())
			id := googleSynthCallID(part.FuncCall.Name, index)
			acc.StartToolCall(index, id, part.FuncCall.Name, args)
			out = append(out, acc.NewChunk(types.Delta{ToolCalls: []types.ToolCallDelta{{
				Index:    index,
				ID:       id,
				Type:     "function",
				Function: types.FunctionCallDelta{Name: part.FuncCall.Name, Arguments: args},
			}}}, nil))

		case part.InlineData != nil || part.InlineDataAlt != nil:
			blob := part.InlineData
			if blob == nil {
				blob = part.InlineDataAlt
			}
			mime := blob.MimeType
			if mime == "" {
				mime = blob.MimeTypeAlt
			}
			ref := fmt.Sprintf("data:%s;base64,%s", mime, blob.Data)
			out = append(out, acc.NewChunk(types.Delta{
				Images: []types.ContentPart{types.NewImagePart(ref)},
			}, nil))

		case part.Thought:
			if part.Text == "" {
				continue
			}
			acc.AddReasoning(part.Text)
			if !acc.OmitReasoning {
				out = append(out, acc.NewChunk(types.Delta{ReasoningContent: part.Text}, nil))
			}

		default:
			if part.Text == "" {
				continue
			}
			acc.AddContent(part.Text)
			out = append(out, acc.NewChunk(types.Delta{Content: part.Text}, nil))
		}
	}

	if reason := googleFinishReason(candidate.FinishReason); reason != "" {
		if reason == "stop" && acc.HasToolCalls() {
			reason = "tool_calls"
		}
		acc.FinishReason = reason
	}

	return out, nil
}
