package providers

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AltairaLabs/llmgateway/types"
)

// Accumulator carries the in-flight state of one streamed response.
//
// The stream transformer is driven event by event; rather than capturing
// state in closures, everything lives here so individual events can be
// replayed in tests and the final log record can be assembled from one value.
type Accumulator struct {
	// ID and Created stamp every emitted chunk. ID is taken from the first
	// upstream event that carries one, otherwise generated.
	ID      string
	Created int64

	// Model is the served canonical model id echoed on each chunk.
	Model string

	// OmitReasoning drops reasoning_content from emitted chunks while still
	// counting reasoning tokens (mapping reasoningOutput policy "omit").
	OmitReasoning bool

	content   strings.Builder
	reasoning strings.Builder

	toolCalls map[int]*types.ToolCall

	// Usage is the latest usage snapshot observed on the stream, nil until
	// the provider reports one.
	Usage *types.Usage

	// FinishReason is empty until the stream terminates.
	FinishReason string

	// FinishEmitted records that a chunk carrying a finish_reason already
	// went downstream; the dispatcher then skips its synthesized terminator.
	FinishEmitted bool

	// UsageEmitted records that a usage chunk already went downstream.
	UsageEmitted bool
}

// NewAccumulator creates an accumulator for one streamed dispatch.
func NewAccumulator(servedModel string) *Accumulator {
	return &Accumulator{
		ID:        "chatcmpl-" + uuid.NewString(),
		Created:   time.Now().Unix(),
		Model:     servedModel,
		toolCalls: make(map[int]*types.ToolCall),
	}
}

// AddContent appends visible completion text.
func (a *Accumulator) AddContent(text string) {
	a.content.WriteString(text)
}

// AddReasoning appends reasoning text.
func (a *Accumulator) AddReasoning(text string) {
	a.reasoning.WriteString(text)
}

// FullContent returns the accumulated completion text.
func (a *Accumulator) FullContent() string {
	return a.content.String()
}

// ReasoningContent returns the accumulated reasoning text.
func (a *Accumulator) ReasoningContent() string {
	return a.reasoning.String()
}

// StartToolCall registers a tool-call scaffold at the given block index.
func (a *Accumulator) StartToolCall(index int, id, name, arguments string) {
	a.toolCalls[index] = &types.ToolCall{
		ID:   id,
		Type: "function",
		Function: types.FunctionCall{
			Name:      name,
			Arguments: arguments,
		},
	}
}

// AppendToolCallArgs appends an argument fragment to the tool call at index.
// Fragments for unknown indexes open a fresh scaffold so out-of-order
// upstream events cannot drop data.
func (a *Accumulator) AppendToolCallArgs(index int, fragment string) {
	tc, ok := a.toolCalls[index]
	if !ok {
		tc = &types.ToolCall{Type: "function"}
		a.toolCalls[index] = tc
	}
	tc.Function.Arguments += fragment
}

// MergeToolCallDelta applies an OpenAI-style tool-call delta.
func (a *Accumulator) MergeToolCallDelta(d types.ToolCallDelta) {
	tc, ok := a.toolCalls[d.Index]
	if !ok {
		tc = &types.ToolCall{Type: "function"}
		a.toolCalls[d.Index] = tc
	}
	if d.ID != "" {
		tc.ID = d.ID
	}
	if d.Type != "" {
		tc.Type = d.Type
	}
	if d.Function.Name != "" {
		tc.Function.Name = d.Function.Name
	}
	tc.Function.Arguments += d.Function.Arguments
}

// ToolCalls returns the assembled tool calls in block-index order.
func (a *Accumulator) ToolCalls() []types.ToolCall {
	if len(a.toolCalls) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(a.toolCalls))
	for i := range a.toolCalls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	out := make([]types.ToolCall, 0, len(indexes))
	for _, i := range indexes {
		out = append(out, *a.toolCalls[i])
	}
	return out
}

// HasToolCalls reports whether any tool call was observed.
func (a *Accumulator) HasToolCalls() bool {
	return len(a.toolCalls) > 0
}

// SetUsage replaces the usage snapshot.
func (a *Accumulator) SetUsage(u types.Usage) {
	a.Usage = &u
}

// NewChunk builds a canonical chunk stamped with the stream's identity.
// The delta role is always "assistant"; reasoning content is dropped when the
// omit policy is active.
func (a *Accumulator) NewChunk(delta types.Delta, finishReason *string) types.Chunk {
	delta.Role = types.RoleAssistant
	if a.OmitReasoning {
		delta.ReasoningContent = ""
	}
	return types.Chunk{
		ID:      a.ID,
		Object:  types.ObjectChunk,
		Created: a.Created,
		Model:   a.Model,
		Choices: []types.ChunkChoice{{
			Index:        0,
			Delta:        delta,
			FinishReason: finishReason,
		}},
	}
}

// TerminalChunk builds the finishing chunk. The finish reason defaults to
// "stop", or "tool_calls" when tool calls were assembled.
func (a *Accumulator) TerminalChunk() types.Chunk {
	reason := a.FinishReason
	if reason == "" {
		if a.HasToolCalls() {
			reason = "tool_calls"
		} else {
			reason = "stop"
		}
	}
	return a.NewChunk(types.Delta{}, &reason)
}

// UsageChunk builds a trailing usage-only chunk from the accumulated snapshot.
func (a *Accumulator) UsageChunk() types.Chunk {
	chunk := types.Chunk{
		ID:      a.ID,
		Object:  types.ObjectChunk,
		Created: a.Created,
		Model:   a.Model,
		Choices: []types.ChunkChoice{{Index: 0, Delta: types.Delta{Role: types.RoleAssistant}}},
		Usage:   a.Usage,
	}
	return chunk
}
