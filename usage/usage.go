// Package usage estimates missing token counts and prices finished requests.
package usage

import (
	"math"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/AltairaLabs/llmgateway/logger"
	"github.com/AltairaLabs/llmgateway/registry"
	"github.com/AltairaLabs/llmgateway/types"
)

// defaultEncoding is the chat tokenizer used for estimation. Counts only need
// to be in the right ballpark for billing fallback, so one encoding serves
// every provider.
const defaultEncoding = "cl100k_base"

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

func chatEncoding() *tiktoken.Tiktoken {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding(defaultEncoding)
		if err != nil {
			logger.Warn("tokenizer unavailable, falling back to heuristic estimation", "error", err)
			return
		}
		encoding = enc
	})
	return encoding
}

// heuristicTokens approximates a token count as one token per four
// characters, never less than one.
func heuristicTokens(text string) int {
	n := int(math.Round(float64(len(text)) / 4))
	if n < 1 {
		return 1
	}
	return n
}

// EstimateTokens counts tokens in text with the chat tokenizer, falling back
// to the length heuristic when the tokenizer is unavailable.
func EstimateTokens(text string) int {
	if enc := chatEncoding(); enc != nil {
		if n := len(enc.Encode(text, nil, nil)); n > 0 {
			return n
		}
		return 1
	}
	return heuristicTokens(text)
}

// EstimateMessages estimates the prompt token count of a message list.
// Image parts are skipped; only textual content counts.
func EstimateMessages(messages []types.Message) int {
	total := 0
	for i := range messages {
		if text := messages[i].Content.Flatten(); text != "" {
			total += EstimateTokens(text)
		}
		for _, tc := range messages[i].ToolCalls {
			total += EstimateTokens(tc.Function.Name + tc.Function.Arguments)
		}
	}
	if total < 1 {
		return 1
	}
	return total
}

// Finalize fills token counts the provider omitted. Prompt tokens are
// estimated from the request messages, completion tokens from the produced
// content. The total is only computed when missing so provider-reported
// totals survive untouched.
func Finalize(u *types.Usage, messages []types.Message, fullContent string) {
	if u.PromptTokens == 0 && len(messages) > 0 {
		u.PromptTokens = EstimateMessages(messages)
	}
	if u.CompletionTokens == 0 && fullContent != "" {
		u.CompletionTokens = EstimateTokens(fullContent)
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens + u.ReasoningTokens
	}
}

// CostParts splits the undiscounted cost into its input, output, and
// cached-input components for the log record.
func CostParts(u types.Usage, pm *registry.ProviderMapping) (inputCost, outputCost, cachedInputCost float64) {
	if pm == nil {
		return 0, 0, 0
	}
	if pm.InputPrice != nil {
		fresh := u.PromptTokens - u.CachedTokens
		if fresh < 0 {
			fresh = 0
		}
		inputCost = float64(fresh) * *pm.InputPrice

		cachedPrice := *pm.InputPrice
		if pm.CachedInputPrice != nil {
			cachedPrice = *pm.CachedInputPrice
		}
		cachedInputCost = float64(u.CachedTokens) * cachedPrice
	}
	if pm.OutputPrice != nil {
		outputCost = float64(u.CompletionTokens+u.ReasoningTokens) * *pm.OutputPrice
	}
	return inputCost, outputCost, cachedInputCost
}

// Cost prices a finalized usage against a provider mapping, in USD.
//
// Cached prompt tokens are billed at the cached input price when the mapping
// has one, otherwise at the input price. Reasoning tokens bill as output.
// Unpriced terms contribute zero.
func Cost(u types.Usage, pm *registry.ProviderMapping) float64 {
	if pm == nil {
		return 0
	}

	inputCost, outputCost, cachedInputCost := CostParts(u, pm)

	var requestCost float64
	if pm.RequestPrice != nil {
		requestCost = *pm.RequestPrice
	}

	discount := pm.Discount
	if discount <= 0 || discount > 1 {
		discount = 1
	}

	return (inputCost + cachedInputCost + outputCost + requestCost) * discount
}
