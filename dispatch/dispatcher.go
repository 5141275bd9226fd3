// Package dispatch orchestrates one chat-completion request end to end:
// model and provider resolution, credential lookup, body preparation,
// upstream invocation with retry/fallback, and response or stream
// transformation into the canonical format.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/AltairaLabs/llmgateway/credentials"
	"github.com/AltairaLabs/llmgateway/logger"
	"github.com/AltairaLabs/llmgateway/metrics"
	"github.com/AltairaLabs/llmgateway/providers"
	"github.com/AltairaLabs/llmgateway/registry"
	"github.com/AltairaLabs/llmgateway/store"
	"github.com/AltairaLabs/llmgateway/types"
	"github.com/AltairaLabs/llmgateway/usage"
)

const (
	defaultUpstreamTimeout = 300 * time.Second
	defaultAttempts        = 1

	retryBaseDelay = 250 * time.Millisecond
	retryMaxDelay  = 2 * time.Second

	// maxErrorBodyBytes bounds how much of an upstream error body is read
	// for classification and logging.
	maxErrorBodyBytes = 64 * 1024
)

// LogWriter persists dispatch log records. A nil writer disables logging.
type LogWriter interface {
	InsertLog(ctx context.Context, rec *store.LogRecord) error
}

// Options configure a Dispatcher.
type Options struct {
	Registry    *registry.Registry
	Credentials credentials.Store
	Logs        LogWriter

	// Client performs upstream calls. Defaults to a client without a
	// transport-level timeout; the dispatch deadline bounds each call.
	Client *http.Client

	// Images resolves image references during body preparation.
	Images *providers.ImageProcessor

	UpstreamTimeout    time.Duration
	AttemptsPerMapping int

	// RequestsPerSecond paces calls per provider; zero disables pacing.
	RequestsPerSecond float64

	UseResponsesAPI bool
	Prod            bool
}

// Dispatcher routes canonical requests to upstream providers.
type Dispatcher struct {
	registry *registry.Registry
	creds    credentials.Store
	logs     LogWriter
	client   *http.Client
	images   *providers.ImageProcessor

	timeout         time.Duration
	attempts        int
	rps             float64
	useResponsesAPI bool

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a Dispatcher.
func New(opts Options) *Dispatcher {
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	timeout := opts.UpstreamTimeout
	if timeout <= 0 {
		timeout = defaultUpstreamTimeout
	}
	attempts := opts.AttemptsPerMapping
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	images := opts.Images
	if images == nil {
		images = providers.NewImageProcessor(nil, opts.Prod)
	}

	return &Dispatcher{
		registry:        opts.Registry,
		creds:           opts.Credentials,
		logs:            opts.Logs,
		client:          client,
		images:          images,
		timeout:         timeout,
		attempts:        attempts,
		rps:             opts.RequestsPerSecond,
		useResponsesAPI: opts.UseResponsesAPI,
		limiters:        make(map[string]*rate.Limiter),
	}
}

// Result is the outcome of a dispatch. Exactly one of Response (non-stream)
// and Chunks (stream) is set.
type Result struct {
	Provider string
	Model    string

	Response *types.ChatResponse
	Chunks   <-chan types.Chunk
}

// Dispatch resolves, invokes, and transforms one request. Streamed results
// return immediately after upstream headers; the chunk channel is closed when
// the stream ends.
func (d *Dispatcher) Dispatch(ctx context.Context, req *types.ChatRequest, org credentials.Organization, requestID string) (*Result, *Error) {
	if err := req.Validate(); err != nil {
		return nil, errf(KindClientError, "%s", err.Error())
	}

	model, candidates, derr := d.resolve(ctx, req, org)
	if derr != nil {
		d.writeErrorLog(requestID, req, "", "", derr)
		return nil, derr
	}

	ctx = logger.WithModel(ctx, model.ID)

	var lastErr *Error
	failures := 0
	for _, pm := range candidates {
		cred, err := d.creds.Resolve(ctx, org, pm.Provider)
		if err != nil {
			lastErr = errf(KindNoCredential, "no credential for provider %s", pm.Provider)
			continue
		}

		for attempt := 0; attempt < d.attempts; attempt++ {
			// Backoff grows with total failed attempts, so advancing to the
			// next mapping backs off the same way a same-mapping retry does.
			if failures > 0 {
				if !sleepCtx(ctx, backoffDelay(failures)) {
					return nil, wrapErr(ctx, KindCancelled, ctx.Err(), "request cancelled")
				}
			}

			result, derr := d.invoke(ctx, req, model, pm, cred, requestID)
			if derr == nil {
				return result, nil
			}
			lastErr = derr
			failures++
			if !retriable(derr) {
				d.writeErrorLog(requestID, req, pm.Provider, model.ID, derr)
				return nil, derr
			}
			logger.WarnContext(ctx, "upstream attempt failed, retrying",
				"provider", pm.Provider,
				"attempt", attempt+1,
				"error", derr.Error(),
			)
		}
	}

	if lastErr == nil {
		lastErr = errf(KindGatewayError, "no provider mapping could serve the request")
	}
	d.writeErrorLog(requestID, req, "", model.ID, lastErr)
	return nil, lastErr
}

// resolve picks the model and orders its candidate mappings cheapest first.
func (d *Dispatcher) resolve(ctx context.Context, req *types.ChatRequest, org credentials.Organization) (*registry.ModelDescriptor, []*registry.ProviderMapping, *Error) {
	available, err := d.creds.Available(ctx, org)
	if err != nil {
		return nil, nil, errf(KindGatewayError, "listing credentials: %s", err.Error())
	}
	allowed := make(map[string]bool, len(available))
	for _, id := range available {
		allowed[id] = true
	}

	selector := req.Model
	providerConstraint := ""

	if _, known := d.registry.Model(selector); !known && strings.Contains(selector, "/") {
		parts := strings.SplitN(selector, "/", 2)
		if _, ok := d.registry.Provider(parts[0]); !ok {
			return nil, nil, errf(KindNoModel, "unknown provider %q", parts[0])
		}
		providerConstraint, selector = parts[0], parts[1]
	}

	var model *registry.ModelDescriptor
	if selector == types.AutoModel {
		model = d.autoModel(req, providerConstraint, allowed)
		if model == nil {
			return nil, nil, errf(KindNoModel, "no model available for automatic selection")
		}
	} else {
		m, ok := d.registry.Model(selector)
		if !ok {
			return nil, nil, errf(KindNoModel, "unknown model %q", selector)
		}
		if m.Deactivated(time.Now()) {
			return nil, nil, errf(KindNoModel, "model %q is deactivated", selector)
		}
		model = m
	}

	capable := d.capableMappings(model, providerConstraint, req)
	if len(capable) == 0 {
		return nil, nil, errf(KindClientError, "model %q has no mapping supporting the requested capabilities", model.ID)
	}

	var candidates []*registry.ProviderMapping
	for _, pm := range capable {
		if allowed[pm.Provider] {
			candidates = append(candidates, pm)
		}
	}
	if len(candidates) == 0 {
		return nil, nil, errf(KindNoCredential, "no credential for any provider of model %q", model.ID)
	}

	// Cheapest first; unpriced mappings sort last in catalog order.
	sort.SliceStable(candidates, func(i, j int) bool {
		return priceOrInf(candidates[i]) < priceOrInf(candidates[j])
	})
	return model, candidates, nil
}

func priceOrInf(pm *registry.ProviderMapping) float64 {
	score := pm.PriceScore()
	if score < 0 {
		return math.Inf(1)
	}
	return score
}

// capableMappings filters a model's mappings down to those satisfying the
// request's capability needs and the optional provider constraint.
func (d *Dispatcher) capableMappings(model *registry.ModelDescriptor, providerConstraint string, req *types.ChatRequest) []*registry.ProviderMapping {
	var out []*registry.ProviderMapping
	for i := range model.Mappings {
		pm := &model.Mappings[i]
		if providerConstraint != "" && pm.Provider != providerConstraint {
			continue
		}
		if req.Stream && !d.registry.SupportsStreaming(pm) {
			continue
		}
		if req.NeedsVision() && !d.registry.SupportsVision(pm) {
			continue
		}
		if req.NeedsTools() && !d.registry.SupportsTools(pm) {
			continue
		}
		if req.NeedsReasoning() && !d.registry.SupportsReasoning(pm) {
			continue
		}
		out = append(out, pm)
	}
	return out
}

// autoModel picks the cheapest non-deprecated model whose capabilities and
// credentials satisfy the request.
func (d *Dispatcher) autoModel(req *types.ChatRequest, providerConstraint string, allowed map[string]bool) *registry.ModelDescriptor {
	now := time.Now()

	var best *registry.ModelDescriptor
	bestScore := math.Inf(1)

	for _, m := range d.registry.Models() {
		if m.Deprecated(now) || m.Deactivated(now) {
			continue
		}
		for _, pm := range d.capableMappings(m, providerConstraint, req) {
			if !allowed[pm.Provider] {
				continue
			}
			score := pm.PriceScore()
			if score < 0 {
				continue
			}
			if score < bestScore {
				best, bestScore = m, score
			}
		}
	}
	return best
}

// invoke performs one upstream call against one mapping.
func (d *Dispatcher) invoke(ctx context.Context, req *types.ChatRequest, model *registry.ModelDescriptor, pm *registry.ProviderMapping, cred credentials.Credential, requestID string) (*Result, *Error) {
	provider, ok := d.registry.Provider(pm.Provider)
	if !ok {
		return nil, errf(KindGatewayError, "unknown provider %q", pm.Provider)
	}
	shape, err := providers.ForKind(provider.Kind)
	if err != nil {
		return nil, errf(KindGatewayError, "%s", err.Error())
	}

	stream := req.Stream && d.registry.SupportsStreaming(pm)
	supportsReasoning := d.registry.SupportsReasoning(pm)

	in := providers.PrepareInput{
		UpstreamModel:     pm.UpstreamModel,
		Messages:          req.Messages,
		Stream:            stream,
		Tools:             req.Tools,
		ToolChoice:        req.ToolChoice,
		ResponseFormat:    req.ResponseFormat,
		ReasoningEffort:   req.ReasoningEffort,
		Temperature:       req.Temperature,
		TopP:              req.TopP,
		FrequencyPenalty:  req.FrequencyPenalty,
		PresencePenalty:   req.PresencePenalty,
		MaxTokens:         req.MaxTokens,
		Mapping:           pm,
		SupportsReasoning: supportsReasoning,
		Images:            d.images,
	}

	body, err := shape.PrepareBody(ctx, in)
	if err != nil {
		if errors.Is(err, providers.ErrImage) {
			return nil, &Error{Kind: KindImageFetch, Message: err.Error(), err: err}
		}
		return nil, &Error{Kind: KindGatewayError, Message: "preparing request body", err: err}
	}

	endpoint, err := d.registry.Endpoint(pm.Provider, registry.EndpointOptions{
		BaseURL:              cred.BaseURL,
		Model:                pm.UpstreamModel,
		APIKey:               cred.APIKey,
		Stream:               stream,
		SupportsReasoning:    supportsReasoning,
		HasExistingToolCalls: req.HasAssistantToolCalls(),
		UseResponsesAPI:      d.useResponsesAPI,
	})
	if err != nil {
		return nil, &Error{Kind: KindGatewayError, Message: "building endpoint", err: err}
	}
	headers, err := d.registry.Headers(pm.Provider, cred.APIKey)
	if err != nil {
		return nil, &Error{Kind: KindGatewayError, Message: "building headers", err: err}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Kind: KindGatewayError, Message: "encoding request body", err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	finishCancel := cancel
	defer func() {
		if finishCancel != nil {
			finishCancel()
		}
	}()

	if derr := d.pace(ctx, pm.Provider); derr != nil {
		return nil, derr
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Kind: KindGatewayError, Message: "building upstream request", err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	logger.APIRequest(pm.Provider, http.MethodPost, endpoint, headers, payload)

	start := time.Now()
	resp, err := d.client.Do(httpReq)
	if err != nil {
		metrics.RecordRequest(pm.Provider, model.ID, "error", time.Since(start).Seconds())
		return nil, wrapErr(ctx, KindUpstreamError, err, "calling upstream")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		_ = resp.Body.Close()
		metrics.RecordRequest(pm.Provider, model.ID, "error", time.Since(start).Seconds())
		logger.APIResponse(pm.Provider, resp.StatusCode, string(errBody), nil)
		return nil, &Error{
			Kind:           classifyStatus(resp.StatusCode, string(errBody)),
			Message:        upstreamErrorMessage(resp.StatusCode, errBody),
			UpstreamStatus: resp.StatusCode,
		}
	}

	if !stream {
		defer resp.Body.Close()
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, wrapErr(ctx, KindUpstreamError, err, "reading upstream response")
		}
		out, err := shape.ParseResponse(raw, model.ID)
		if err != nil {
			return nil, &Error{Kind: KindGatewayError, Message: "parsing upstream response", err: err}
		}
		if pm.ReasoningOutput == "omit" {
			out.Choices[0].Message.ReasoningContent = ""
		}
		if out.Usage == nil {
			// Providers occasionally omit the usage block; estimate so the
			// log record never persists zero prompt tokens.
			var u types.Usage
			usage.Finalize(&u, req.Messages, out.Choices[0].Message.Content.Flatten())
			out.Usage = &u
		}

		metrics.RecordRequest(pm.Provider, model.ID, "success", time.Since(start).Seconds())
		metrics.RecordTokens(pm.Provider, model.ID,
			out.Usage.PromptTokens, out.Usage.CompletionTokens,
			out.Usage.CachedTokens, out.Usage.ReasoningTokens)
		d.writeLog(buildLogRecord(requestID, req, model.ID, pm, false, out.Usage, out.Choices[0].FinishReason, "", out.Choices[0].Message.Content.Flatten()))
		return &Result{Provider: pm.Provider, Model: model.ID, Response: out}, nil
	}

	acc := providers.NewAccumulator(model.ID)
	acc.OmitReasoning = pm.ReasoningOutput == "omit"

	chunks := make(chan types.Chunk, 8)
	pumpCancel := cancel
	finishCancel = nil // the pump owns the deadline now
	go d.pump(ctx, pumpCancel, resp.Body, shape, acc, req, model.ID, pm, requestID, start, chunks)

	return &Result{Provider: pm.Provider, Model: model.ID, Chunks: chunks}, nil
}

// pace applies the optional per-provider rate limit.
func (d *Dispatcher) pace(ctx context.Context, provider string) *Error {
	if d.rps <= 0 {
		return nil
	}
	d.mu.Lock()
	limiter, ok := d.limiters[provider]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(d.rps), 1)
		d.limiters[provider] = limiter
	}
	d.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		return wrapErr(ctx, KindCancelled, err, "waiting for provider rate limit")
	}
	return nil
}

// upstreamErrorMessage extracts a provider error message, preferring the
// structured error field over raw body text.
func upstreamErrorMessage(status int, body []byte) string {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Error.Message != "" {
			return parsed.Error.Message
		}
		if parsed.Message != "" {
			return parsed.Message
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" {
		if len(text) > 256 {
			text = text[:256]
		}
		return fmt.Sprintf("upstream returned status %d: %s", status, text)
	}
	return fmt.Sprintf("upstream returned status %d", status)
}

func backoffDelay(attempt int) time.Duration {
	delay := retryBaseDelay << (attempt - 1)
	if delay > retryMaxDelay {
		return retryMaxDelay
	}
	return delay
}

// sleepCtx waits for d or until the context ends; reports whether the full
// wait elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func buildLogRecord(requestID string, req *types.ChatRequest, modelID string, pm *registry.ProviderMapping, streamed bool, u *types.Usage, finishReason string, errorKind string, content string) *store.LogRecord {
	rec := &store.LogRecord{
		RequestID:      requestID,
		CanonicalModel: req.Model,
		UsedProvider:   pm.Provider,
		UsedModel:      modelID,
		Streamed:       streamed,
		FinishReason:   finishReason,
		ErrorKind:      errorKind,
		Content:        content,
	}
	if u != nil {
		rec.PromptTokens = u.PromptTokens
		rec.CompletionTokens = u.CompletionTokens
		rec.ReasoningTokens = u.ReasoningTokens
		rec.CachedTokens = u.CachedTokens
		rec.TotalTokens = u.TotalTokens
	}
	return rec
}

// writeLog persists a log record on a fresh context so a cancelled request
// still gets its record. Failures are logged, never surfaced.
func (d *Dispatcher) writeLog(rec *store.LogRecord) {
	if d.logs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.logs.InsertLog(ctx, rec); err != nil {
		logger.Error("writing log record", "error", err)
	}
}

func (d *Dispatcher) writeErrorLog(requestID string, req *types.ChatRequest, provider, modelID string, derr *Error) {
	if d.logs == nil {
		return
	}
	rec := &store.LogRecord{
		RequestID:      requestID,
		CanonicalModel: req.Model,
		UsedProvider:   provider,
		UsedModel:      modelID,
		Streamed:       req.Stream,
		ErrorKind:      string(derr.Kind),
	}
	d.writeLog(rec)
}
