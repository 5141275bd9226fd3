// Package registry holds the static catalog of upstream providers and models.
//
// The catalog is pure in-memory data loaded from an embedded YAML document:
// providers with their endpoint/auth/capability shape, and models with one or
// more provider mappings carrying per-token pricing. The registry is immutable
// after Load and safe for concurrent use without locking.
package registry

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Kind selects the wire shape a provider speaks. Every concrete provider maps
// onto one of the three variants; adding an OpenAI-compatible provider is a
// catalog entry, not code.
type Kind string

// Provider wire shapes.
const (
	KindOpenAI    Kind = "openai"
	KindAnthropic Kind = "anthropic"
	KindGoogle    Kind = "google"
)

// AuthScheme describes how a provider expects credentials.
type AuthScheme string

// Auth header shapes.
const (
	AuthBearer    AuthScheme = "bearer"     // Authorization: Bearer <token>
	AuthAnthropic AuthScheme = "x-api-key"  // x-api-key + version headers
	AuthURLKey    AuthScheme = "url-key"    // ?key=<token> in the URL
	AuthNone      AuthScheme = "none"
)

// Anthropic version headers sent with every request.
const (
	anthropicVersion = "2023-06-01"
	anthropicBeta    = "tools-2024-04-04,prompt-caching-2024-07-31"
)

// ProviderDescriptor describes one upstream provider.
type ProviderDescriptor struct {
	ID        string     `yaml:"id"`
	Name      string     `yaml:"name"`
	Kind      Kind       `yaml:"kind"`
	BaseURL   string     `yaml:"base_url"`
	Auth      AuthScheme `yaml:"auth"`
	Streaming bool       `yaml:"streaming"`
	Vision    bool       `yaml:"vision"`
	Tools     bool       `yaml:"tools"`
	Reasoning bool       `yaml:"reasoning"`

	// KeyEnv names the environment variable holding the platform credential.
	KeyEnv string `yaml:"key_env"`
}

// ProviderMapping attaches a model to a provider with pricing and capability
// overrides. Prices are USD per token; nil means "not priced" and the term
// contributes zero to cost.
type ProviderMapping struct {
	Provider      string `yaml:"provider"`
	UpstreamModel string `yaml:"upstream_model"`

	InputPrice       *float64 `yaml:"input_price"`
	OutputPrice      *float64 `yaml:"output_price"`
	CachedInputPrice *float64 `yaml:"cached_input_price"`
	RequestPrice     *float64 `yaml:"request_price"`
	Discount         float64  `yaml:"discount"`

	ContextSize     int `yaml:"context_size"`
	MaxOutputTokens int `yaml:"max_output_tokens"`

	// Per-mapping capability overrides; nil falls back to the provider flags.
	Streaming *bool `yaml:"streaming"`
	Vision    *bool `yaml:"vision"`
	Tools     *bool `yaml:"tools"`
	Reasoning *bool `yaml:"reasoning"`

	// ReasoningOutput is "include" (default) or "omit".
	ReasoningOutput string `yaml:"reasoning_output"`

	SupportedParameters []string `yaml:"supported_parameters"`
}

// ModelDescriptor is one canonical model with its ordered provider mappings.
type ModelDescriptor struct {
	ID            string           `yaml:"id"`
	Name          string           `yaml:"name"`
	DeprecatedAt  *time.Time       `yaml:"deprecated_at"`
	DeactivatedAt *time.Time       `yaml:"deactivated_at"`
	JSONOutput    bool             `yaml:"json_output"`
	Mappings      []ProviderMapping `yaml:"mappings"`
}

// Deprecated reports whether the model is past its deprecation timestamp.
func (m *ModelDescriptor) Deprecated(now time.Time) bool {
	return m.DeprecatedAt != nil && now.After(*m.DeprecatedAt)
}

// Deactivated reports whether the model is past its deactivation timestamp.
// Deactivated models must be refused by the dispatcher.
func (m *ModelDescriptor) Deactivated(now time.Time) bool {
	return m.DeactivatedAt != nil && now.After(*m.DeactivatedAt)
}

// SupportsParameter reports whether the mapping accepts the named request
// parameter (max_tokens, temperature, tools, ...).
func (pm *ProviderMapping) SupportsParameter(name string) bool {
	for _, p := range pm.SupportedParameters {
		if p == name {
			return true
		}
	}
	return false
}

// PriceScore is the selection metric: mean of input and output price times
// the discount. Mappings without both prices are not comparable and score
// negative.
func (pm *ProviderMapping) PriceScore() float64 {
	if pm.InputPrice == nil || pm.OutputPrice == nil {
		return -1
	}
	return (*pm.InputPrice + *pm.OutputPrice) / 2 * pm.Discount
}

// Registry is the loaded catalog.
type Registry struct {
	providers  map[string]ProviderDescriptor
	models     map[string]*ModelDescriptor
	modelOrder []string
}

type catalogDoc struct {
	Providers []ProviderDescriptor `yaml:"providers"`
	Models    []ModelDescriptor    `yaml:"models"`
}

// Load parses and validates a YAML catalog document.
func Load(data []byte) (*Registry, error) {
	var doc catalogDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}

	r := &Registry{
		providers: make(map[string]ProviderDescriptor, len(doc.Providers)),
		models:    make(map[string]*ModelDescriptor, len(doc.Models)),
	}

	for _, p := range doc.Providers {
		if p.ID == "" {
			return nil, fmt.Errorf("provider with empty id")
		}
		if _, dup := r.providers[p.ID]; dup {
			return nil, fmt.Errorf("duplicate provider id %q", p.ID)
		}
		switch p.Kind {
		case KindOpenAI, KindAnthropic, KindGoogle:
		default:
			return nil, fmt.Errorf("provider %q: unknown kind %q", p.ID, p.Kind)
		}
		r.providers[p.ID] = p
	}

	for i := range doc.Models {
		m := doc.Models[i]
		if m.ID == "" {
			return nil, fmt.Errorf("model with empty id")
		}
		if _, dup := r.models[m.ID]; dup {
			return nil, fmt.Errorf("duplicate model id %q", m.ID)
		}
		seen := make(map[string]bool, len(m.Mappings))
		for j := range m.Mappings {
			pm := &m.Mappings[j]
			if _, ok := r.providers[pm.Provider]; !ok {
				return nil, fmt.Errorf("model %q: unknown provider %q", m.ID, pm.Provider)
			}
			key := pm.Provider + "/" + pm.UpstreamModel
			if seen[key] {
				return nil, fmt.Errorf("model %q: duplicate mapping %q", m.ID, key)
			}
			seen[key] = true
			if err := validatePrices(pm); err != nil {
				return nil, fmt.Errorf("model %q mapping %q: %w", m.ID, key, err)
			}
			if pm.Discount == 0 {
				pm.Discount = 1
			}
			if pm.ReasoningOutput == "" {
				pm.ReasoningOutput = "include"
			}
		}
		r.models[m.ID] = &m
		r.modelOrder = append(r.modelOrder, m.ID)
	}

	return r, nil
}

func validatePrices(pm *ProviderMapping) error {
	for name, price := range map[string]*float64{
		"input_price":        pm.InputPrice,
		"output_price":       pm.OutputPrice,
		"cached_input_price": pm.CachedInputPrice,
		"request_price":      pm.RequestPrice,
	} {
		if price != nil && *price < 0 {
			return fmt.Errorf("%s must be non-negative", name)
		}
	}
	if pm.Discount < 0 || pm.Discount > 1 {
		return fmt.Errorf("discount must be in (0,1]")
	}
	return nil
}

// Model returns the model descriptor for the given canonical id.
func (r *Registry) Model(id string) (*ModelDescriptor, bool) {
	m, ok := r.models[id]
	return m, ok
}

// Provider returns the provider descriptor for the given id.
func (r *Registry) Provider(id string) (ProviderDescriptor, bool) {
	p, ok := r.providers[id]
	return p, ok
}

// Models returns all models in catalog order.
func (r *Registry) Models() []*ModelDescriptor {
	out := make([]*ModelDescriptor, 0, len(r.modelOrder))
	for _, id := range r.modelOrder {
		out = append(out, r.models[id])
	}
	return out
}

// ProviderIDs returns all provider ids, sorted.
func (r *Registry) ProviderIDs() []string {
	out := make([]string, 0, len(r.providers))
	for id := range r.providers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// EndpointOptions parameterize Endpoint construction.
type EndpointOptions struct {
	// BaseURL overrides the provider's default base endpoint.
	BaseURL string

	// Model is the upstream model name (required for Google AI Studio).
	Model string

	// APIKey is embedded in the URL for url-key providers.
	APIKey string

	// Stream selects the streaming variant where the endpoint differs.
	Stream bool

	// SupportsReasoning and HasExistingToolCalls gate the openai
	// Responses API switch together with UseResponsesAPI.
	SupportsReasoning    bool
	HasExistingToolCalls bool
	UseResponsesAPI      bool
}

// Endpoint builds the upstream request URL for a provider.
//
// Google AI Studio embeds the key in the URL and distinguishes the streaming
// endpoint; openai-kind providers switch to /responses when the deployment
// enables it, the mapping supports reasoning, and the conversation carries no
// prior tool calls; Anthropic posts to /v1/messages.
func (r *Registry) Endpoint(providerID string, opts EndpointOptions) (string, error) {
	p, ok := r.providers[providerID]
	if !ok {
		return "", fmt.Errorf("unknown provider %q", providerID)
	}

	base := strings.TrimSuffix(p.BaseURL, "/")
	if opts.BaseURL != "" {
		base = strings.TrimSuffix(opts.BaseURL, "/")
	}

	switch p.Kind {
	case KindGoogle:
		method := "generateContent"
		if opts.Stream {
			method = "streamGenerateContent"
		}
		endpoint := fmt.Sprintf("%s/v1beta/models/%s:%s", base, opts.Model, method)
		if opts.APIKey != "" {
			endpoint += "?key=" + url.QueryEscape(opts.APIKey)
		}
		return endpoint, nil

	case KindAnthropic:
		return base + "/v1/messages", nil

	default:
		if opts.UseResponsesAPI && opts.SupportsReasoning && !opts.HasExistingToolCalls {
			return base + "/responses", nil
		}
		return base + "/chat/completions", nil
	}
}

// Headers returns the provider auth headers for the given token.
// Content-Type is set by the caller.
func (r *Registry) Headers(providerID, token string) (map[string]string, error) {
	p, ok := r.providers[providerID]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", providerID)
	}

	switch p.Auth {
	case AuthAnthropic:
		return map[string]string{
			"x-api-key":         token,
			"anthropic-version": anthropicVersion,
			"anthropic-beta":    anthropicBeta,
		}, nil
	case AuthURLKey, AuthNone:
		return map[string]string{}, nil
	default:
		return map[string]string{"Authorization": "Bearer " + token}, nil
	}
}

// CheapestModelForProvider returns the cheapest priced, not-yet-deprecated
// (model, mapping) pair for a provider. Used by the key validator to probe
// credentials at minimal cost.
func (r *Registry) CheapestModelForProvider(providerID string) (*ModelDescriptor, *ProviderMapping, bool) {
	now := time.Now()

	var bestModel *ModelDescriptor
	var bestMapping *ProviderMapping
	bestScore := -1.0

	for _, id := range r.modelOrder {
		m := r.models[id]
		if m.Deprecated(now) {
			continue
		}
		for j := range m.Mappings {
			pm := &m.Mappings[j]
			if pm.Provider != providerID {
				continue
			}
			score := pm.PriceScore()
			if score < 0 {
				continue
			}
			if bestMapping == nil || score < bestScore {
				bestModel, bestMapping, bestScore = m, pm, score
			}
		}
	}

	return bestModel, bestMapping, bestMapping != nil
}

// CheapestFromAvailableProviders picks the cheapest mapping of the model
// among the caller-filtered provider set. Ties keep the first encountered
// mapping, preserving catalog order.
func CheapestFromAvailableProviders(available []string, model *ModelDescriptor) (*ProviderMapping, bool) {
	allowed := make(map[string]bool, len(available))
	for _, id := range available {
		allowed[id] = true
	}

	var best *ProviderMapping
	bestScore := -1.0

	for i := range model.Mappings {
		pm := &model.Mappings[i]
		if !allowed[pm.Provider] {
			continue
		}
		score := pm.PriceScore()
		if score < 0 {
			continue
		}
		if best == nil || score < bestScore {
			best, bestScore = pm, score
		}
	}

	return best, best != nil
}

// Capability resolution: mapping override wins, then the provider flag.

// SupportsStreaming resolves the streaming capability for a mapping.
func (r *Registry) SupportsStreaming(pm *ProviderMapping) bool {
	return r.capability(pm.Streaming, pm.Provider, func(p ProviderDescriptor) bool { return p.Streaming })
}

// SupportsVision resolves the vision capability for a mapping.
func (r *Registry) SupportsVision(pm *ProviderMapping) bool {
	return r.capability(pm.Vision, pm.Provider, func(p ProviderDescriptor) bool { return p.Vision })
}

// SupportsTools resolves the tool-calling capability for a mapping.
func (r *Registry) SupportsTools(pm *ProviderMapping) bool {
	return r.capability(pm.Tools, pm.Provider, func(p ProviderDescriptor) bool { return p.Tools })
}

// SupportsReasoning resolves the reasoning capability for a mapping.
func (r *Registry) SupportsReasoning(pm *ProviderMapping) bool {
	return r.capability(pm.Reasoning, pm.Provider, func(p ProviderDescriptor) bool { return p.Reasoning })
}

func (r *Registry) capability(override *bool, providerID string, flag func(ProviderDescriptor) bool) bool {
	if override != nil {
		return *override
	}
	p, ok := r.providers[providerID]
	if !ok {
		return false
	}
	return flag(p)
}
