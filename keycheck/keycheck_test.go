package keycheck

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AltairaLabs/llmgateway/registry"
)

func testRegistry(t *testing.T, baseURL string) *registry.Registry {
	t.Helper()
	doc := fmt.Sprintf(`
providers:
  - id: openai
    name: OpenAI
    kind: openai
    base_url: %s
    auth: bearer
models:
  - id: gpt-cheap
    name: Cheap
    mappings:
      - provider: openai
        upstream_model: gpt-cheap-upstream
        input_price: 0.000001
        output_price: 0.000002
        supported_parameters: [max_tokens]
  - id: gpt-pricey
    name: Pricey
    mappings:
      - provider: openai
        upstream_model: gpt-pricey-upstream
        input_price: 0.00002
        output_price: 0.00008
`, baseURL)

	r, err := registry.Load([]byte(doc))
	require.NoError(t, err)
	return r
}

func TestValidate_SkipShortCircuits(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer server.Close()

	v := New(testRegistry(t, server.URL), server.Client())
	res, err := v.Validate(context.Background(), Input{Provider: "openai", Token: "sk-1", Skip: true})
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Zero(t, calls)
}

func TestValidate_CustomProviderIsAlwaysValid(t *testing.T) {
	v := New(testRegistry(t, "http://unused.invalid"), nil)
	res, err := v.Validate(context.Background(), Input{Provider: "custom", Token: "whatever"})
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestValidate_ProbesCheapestModelWithOneToken(t *testing.T) {
	var body struct {
		Model     string `json:"model"`
		MaxTokens int    `json:"max_tokens"`
		Messages  []struct {
			Role string `json:"role"`
		} `json:"messages"`
	}
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"Hi"},"finish_reason":"stop"}]}`)
	}))
	defer server.Close()

	v := New(testRegistry(t, server.URL), server.Client())
	res, err := v.Validate(context.Background(), Input{Provider: "openai", Token: "sk-probe"})
	require.NoError(t, err)

	assert.True(t, res.Valid)
	assert.Empty(t, res.Error)
	assert.Equal(t, "Bearer sk-probe", auth)
	assert.Equal(t, "gpt-cheap-upstream", body.Model)
	assert.Equal(t, 1, body.MaxTokens)
	require.Len(t, body.Messages, 2)
	assert.Equal(t, "system", body.Messages[0].Role)
	assert.Equal(t, "user", body.Messages[1].Role)
}

func TestValidate_UnauthorizedCarriesNoErrorText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"Incorrect API key provided: sk-probe"}}`, http.StatusUnauthorized)
	}))
	defer server.Close()

	v := New(testRegistry(t, server.URL), server.Client())
	res, err := v.Validate(context.Background(), Input{Provider: "openai", Token: "sk-probe"})
	require.NoError(t, err)

	assert.False(t, res.Valid)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Empty(t, res.Error)
}

func TestValidate_OtherFailureKeepsProviderMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"rate limit exceeded"}}`, http.StatusTooManyRequests)
	}))
	defer server.Close()

	v := New(testRegistry(t, server.URL), server.Client())
	res, err := v.Validate(context.Background(), Input{Provider: "openai", Token: "sk-probe"})
	require.NoError(t, err)

	assert.False(t, res.Valid)
	assert.Equal(t, http.StatusTooManyRequests, res.StatusCode)
	assert.Equal(t, "rate limit exceeded", res.Error)
}

func TestValidate_UnparseableBodyFallsBackToStatusText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "<html>upstream exploded</html>", http.StatusInternalServerError)
	}))
	defer server.Close()

	v := New(testRegistry(t, server.URL), server.Client())
	res, err := v.Validate(context.Background(), Input{Provider: "openai", Token: "sk-probe"})
	require.NoError(t, err)

	assert.False(t, res.Valid)
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
	assert.Equal(t, http.StatusText(http.StatusInternalServerError), res.Error)
}

func TestValidate_NetworkErrorReported(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // refuse connections

	v := New(testRegistry(t, server.URL), nil)
	res, err := v.Validate(context.Background(), Input{Provider: "openai", Token: "sk-probe"})
	require.NoError(t, err)

	assert.False(t, res.Valid)
	assert.Zero(t, res.StatusCode)
	assert.NotEmpty(t, res.Error)
}

func TestValidate_BaseURLOverride(t *testing.T) {
	var hit bool
	override := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit = true
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"Hi"},"finish_reason":"stop"}]}`)
	}))
	defer override.Close()

	v := New(testRegistry(t, "http://unused.invalid"), override.Client())
	res, err := v.Validate(context.Background(), Input{Provider: "openai", Token: "sk-probe", BaseURL: override.URL})
	require.NoError(t, err)

	assert.True(t, res.Valid)
	assert.True(t, hit)
}

func TestValidate_UnknownProvider(t *testing.T) {
	v := New(testRegistry(t, "http://unused.invalid"), nil)
	_, err := v.Validate(context.Background(), Input{Provider: "nope", Token: "sk-probe"})
	assert.Error(t, err)
}
