// Package keycheck probes whether a provider credential can actually make a
// call, using the cheapest model the provider serves.
package keycheck

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/AltairaLabs/llmgateway/logger"
	"github.com/AltairaLabs/llmgateway/metrics"
	"github.com/AltairaLabs/llmgateway/providers"
	"github.com/AltairaLabs/llmgateway/registry"
	"github.com/AltairaLabs/llmgateway/types"
)

const defaultProbeTimeout = 30 * time.Second

// Result is the outcome of a key validation probe. Error never contains the
// probed key.
type Result struct {
	Valid      bool   `json:"valid"`
	StatusCode int    `json:"status_code,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Validator probes provider credentials.
type Validator struct {
	registry *registry.Registry
	client   *http.Client
}

// New creates a Validator. A nil client gets a default with a 30s timeout.
func New(reg *registry.Registry, client *http.Client) *Validator {
	if client == nil {
		client = &http.Client{Timeout: defaultProbeTimeout}
	}
	return &Validator{registry: reg, client: client}
}

// Input parameterizes one validation probe.
type Input struct {
	Provider string
	Token    string

	// BaseURL overrides the provider's default endpoint.
	BaseURL string

	// Skip short-circuits the probe; the key is accepted unverified.
	Skip bool
}

// Validate probes the credential with a minimal one-token request.
//
// A 2xx means valid. A 401 reports invalid with the status code and no error
// text. Other failures carry the provider's message when parseable.
func (v *Validator) Validate(ctx context.Context, in Input) (Result, error) {
	// The custom provider has no known endpoint shape to probe against.
	if in.Skip || in.Provider == "custom" {
		return Result{Valid: true}, nil
	}

	provider, ok := v.registry.Provider(in.Provider)
	if !ok {
		return Result{}, fmt.Errorf("unknown provider %q", in.Provider)
	}
	shape, err := providers.ForKind(provider.Kind)
	if err != nil {
		return Result{}, err
	}

	model, mapping, ok := v.registry.CheapestModelForProvider(in.Provider)
	if !ok {
		return Result{}, fmt.Errorf("provider %q has no priced model to probe with", in.Provider)
	}

	probe := providers.PrepareInput{
		UpstreamModel: mapping.UpstreamModel,
		Messages: []types.Message{
			{Role: types.RoleSystem, Content: types.TextContent("You are a helpful assistant.")},
			{Role: types.RoleUser, Content: types.TextContent("Hello")},
		},
		Mapping: mapping,
	}
	if mapping.SupportsParameter("max_tokens") {
		one := 1
		probe.MaxTokens = &one
	}

	body, err := shape.PrepareBody(ctx, probe)
	if err != nil {
		return Result{}, fmt.Errorf("preparing probe body: %w", err)
	}
	endpoint, err := v.registry.Endpoint(in.Provider, registry.EndpointOptions{
		BaseURL: in.BaseURL,
		Model:   mapping.UpstreamModel,
		APIKey:  in.Token,
	})
	if err != nil {
		return Result{}, err
	}
	headers, err := v.registry.Headers(in.Provider, in.Token)
	if err != nil {
		return Result{}, err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return Result{}, fmt.Errorf("encoding probe body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("building probe request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, val := range headers {
		req.Header.Set(k, val)
	}

	logger.Debug("probing provider key", "provider", in.Provider, "model", model.ID)

	resp, err := v.client.Do(req)
	if err != nil {
		metrics.RecordKeyValidation(in.Provider, "error")
		return Result{Valid: false, Error: logger.RedactSensitiveData(err.Error())}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		metrics.RecordKeyValidation(in.Provider, "valid")
		return Result{Valid: true}, nil
	}

	metrics.RecordKeyValidation(in.Provider, "invalid")
	if resp.StatusCode == http.StatusUnauthorized {
		return Result{Valid: false, StatusCode: http.StatusUnauthorized}, nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	return Result{
		Valid:      false,
		StatusCode: resp.StatusCode,
		Error:      providerErrorText(resp.StatusCode, raw),
	}, nil
}

// providerErrorText extracts the provider's message, falling back to the
// HTTP status text.
func providerErrorText(status int, body []byte) string {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Error.Message != "" {
			return logger.RedactSensitiveData(parsed.Error.Message)
		}
		if parsed.Message != "" {
			return logger.RedactSensitiveData(parsed.Message)
		}
	}
	return http.StatusText(status)
}
