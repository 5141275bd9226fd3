package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Content part types accepted in multimodal messages.
const (
	PartTypeText       = "text"
	PartTypeImageURL   = "image_url"
	PartTypeToolResult = "tool_result"
)

// ContentPart is a single typed piece of a multimodal message.
type ContentPart struct {
	Type string `json:"type"`

	// For text and tool_result content
	Text string `json:"text,omitempty"`

	// For image content
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL references image content. URL may be an http(s) URL or a data URL.
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// NewTextPart creates a text content part.
func NewTextPart(text string) ContentPart {
	return ContentPart{Type: PartTypeText, Text: text}
}

// NewImagePart creates an image_url content part.
func NewImagePart(url string) ContentPart {
	return ContentPart{Type: PartTypeImageURL, ImageURL: &ImageURL{URL: url}}
}

// MessageContent holds message content that is either a plain string or a
// list of typed parts. Exactly one of Text/Parts is meaningful; when Parts is
// non-nil it wins. The zero value marshals as "".
type MessageContent struct {
	Text  string
	Parts []ContentPart
}

// TextContent wraps a plain string as message content.
func TextContent(s string) MessageContent {
	return MessageContent{Text: s}
}

// PartsContent wraps a part list as message content.
func PartsContent(parts ...ContentPart) MessageContent {
	return MessageContent{Parts: parts}
}

// IsMultimodal reports whether the content is a part list.
func (c MessageContent) IsMultimodal() bool {
	return c.Parts != nil
}

// Flatten returns the concatenated text of the content. Image parts are
// skipped; tool_result parts contribute their text.
func (c MessageContent) Flatten() string {
	if c.Parts == nil {
		return c.Text
	}
	var sb strings.Builder
	for _, p := range c.Parts {
		if p.Type == PartTypeText || p.Type == PartTypeToolResult {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// MarshalJSON encodes the content as a string or a part array.
func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.Parts != nil {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// UnmarshalJSON accepts "content": "text", "content": [parts...] and null.
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*c = MessageContent{}
		return nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var parts []ContentPart
		if err := json.Unmarshal(data, &parts); err != nil {
			return fmt.Errorf("parsing content parts: %w", err)
		}
		*c = MessageContent{Parts: parts}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("parsing content string: %w", err)
	}
	*c = MessageContent{Text: s}
	return nil
}
