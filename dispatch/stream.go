package dispatch

import (
	"context"
	"io"
	"time"

	"github.com/AltairaLabs/llmgateway/logger"
	"github.com/AltairaLabs/llmgateway/metrics"
	"github.com/AltairaLabs/llmgateway/providers"
	"github.com/AltairaLabs/llmgateway/registry"
	"github.com/AltairaLabs/llmgateway/types"
	"github.com/AltairaLabs/llmgateway/usage"
)

// pump drains the upstream stream, transforms each framed event, and feeds
// canonical chunks downstream in upstream order. It owns the response body,
// the context cancel, and the output channel.
func (d *Dispatcher) pump(
	ctx context.Context,
	cancel context.CancelFunc,
	body io.ReadCloser,
	shape providers.Shape,
	acc *providers.Accumulator,
	req *types.ChatRequest,
	modelID string,
	pm *registry.ProviderMapping,
	requestID string,
	start time.Time,
	out chan<- types.Chunk,
) {
	metrics.RecordStreamStart()
	defer metrics.RecordStreamEnd()
	defer close(out)
	defer cancel()
	defer body.Close()

	errorKind := ""
	framer := shape.Framer(body)

loop:
	for {
		event, err := framer.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			errorKind = string(streamErrorKind(ctx))
			logger.WarnContext(ctx, "upstream stream aborted",
				"provider", pm.Provider,
				"error", err.Error(),
			)
			break
		}

		chunks, err := shape.TransformEvent(event, acc)
		if err != nil {
			// Transform failures skip the event; the stream itself survives.
			logger.DebugContext(ctx, "dropping untransformable event", "error", err.Error())
			continue
		}
		for _, chunk := range chunks {
			if !send(ctx, out, chunk) {
				errorKind = string(KindCancelled)
				break loop
			}
		}
	}

	if errorKind != string(KindCancelled) {
		// Terminator and trailing usage, in that order, unless the provider
		// already emitted them.
		if !acc.FinishEmitted {
			if !send(ctx, out, acc.TerminalChunk()) {
				errorKind = string(KindCancelled)
			}
		}
		if errorKind == "" && !acc.UsageEmitted {
			if acc.Usage == nil {
				var u types.Usage
				usage.Finalize(&u, req.Messages, acc.FullContent())
				acc.SetUsage(u)
			}
			if !send(ctx, out, acc.UsageChunk()) {
				errorKind = string(KindCancelled)
			}
		}
	}

	status := "success"
	if errorKind != "" {
		status = "error"
	}
	metrics.RecordRequest(pm.Provider, modelID, status, time.Since(start).Seconds())
	if acc.Usage != nil {
		metrics.RecordTokens(pm.Provider, modelID,
			acc.Usage.PromptTokens, acc.Usage.CompletionTokens,
			acc.Usage.CachedTokens, acc.Usage.ReasoningTokens)
	}

	finishReason := acc.FinishReason
	if finishReason == "" && errorKind == "" {
		finishReason = "stop"
	}
	d.writeLog(buildLogRecord(requestID, req, modelID, pm, true, acc.Usage, finishReason, errorKind, acc.FullContent()))
}

// send delivers a chunk unless the downstream went away.
func send(ctx context.Context, out chan<- types.Chunk, chunk types.Chunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// streamErrorKind classifies a mid-stream failure.
func streamErrorKind(ctx context.Context) Kind {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return KindTimeout
	case context.Canceled:
		return KindCancelled
	default:
		return KindUpstreamError
	}
}
