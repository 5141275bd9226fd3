// Package providers implements the three upstream wire shapes the gateway
// speaks: OpenAI-style chat completions, the Anthropic messages API, and the
// Google AI Studio generateContent API.
//
// Each shape knows how to:
//   - Build a provider request body from canonical messages
//   - Normalize a non-streaming response into the canonical shape
//   - Frame the provider's streaming encoding into discrete events
//   - Transform each event into zero or more canonical chunks
//   - Extract token usage
//
// Concrete providers (deepseek, groq, mistral, ...) bind to one of these
// shapes through the registry; the dispatcher never branches on provider ids.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/AltairaLabs/llmgateway/registry"
	"github.com/AltairaLabs/llmgateway/types"
)

// RawEvent is one framed upstream streaming event. Name is the SSE event name
// when present (Anthropic); otherwise empty.
type RawEvent struct {
	Name string
	Data []byte
}

// Framer splits an upstream response body into discrete events.
// Next returns io.EOF at end of stream (including the OpenAI [DONE] sentinel).
type Framer interface {
	Next() (RawEvent, error)
}

// PrepareInput carries everything body preparation needs.
type PrepareInput struct {
	UpstreamModel string
	Messages      []types.Message
	Stream        bool

	Tools          []types.Tool
	ToolChoice     json.RawMessage
	ResponseFormat json.RawMessage

	ReasoningEffort string

	Temperature      *float64
	TopP             *float64
	FrequencyPenalty *float64
	PresencePenalty  *float64
	MaxTokens        *int

	// Mapping gates which parameters survive into the body.
	Mapping *registry.ProviderMapping

	// SupportsReasoning is the resolved capability for the mapping.
	SupportsReasoning bool

	// Images fetches and inlines remote image content (Google shape only).
	Images *ImageProcessor
}

// supportsParam consults the mapping's supported parameter list.
// A nil mapping permits everything, which only happens in tests.
func (in *PrepareInput) supportsParam(name string) bool {
	if in.Mapping == nil {
		return true
	}
	return in.Mapping.SupportsParameter(name)
}

// Shape converts between the canonical wire format and one upstream encoding.
type Shape interface {
	// Kind identifies the wire shape.
	Kind() registry.Kind

	// PrepareBody builds the provider-specific request body. The result is
	// an opaque map ready for JSON serialization; same inputs produce the
	// same body.
	PrepareBody(ctx context.Context, in PrepareInput) (map[string]any, error)

	// ParseResponse normalizes a non-streaming upstream response body.
	ParseResponse(body []byte, servedModel string) (*types.ChatResponse, error)

	// Framer wraps the upstream body with the shape's stream framing.
	Framer(r io.Reader) Framer

	// TransformEvent converts one framed event into zero or more canonical
	// chunks, updating the accumulator as a side effect.
	TransformEvent(event RawEvent, acc *Accumulator) ([]types.Chunk, error)
}

// ForKind returns the shape implementation for a registry kind.
func ForKind(kind registry.Kind) (Shape, error) {
	switch kind {
	case registry.KindOpenAI:
		return openAIShape{}, nil
	case registry.KindAnthropic:
		return anthropicShape{}, nil
	case registry.KindGoogle:
		return googleShape{}, nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", kind)
	}
}
