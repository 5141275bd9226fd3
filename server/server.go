// Package server exposes the gateway over HTTP: the OpenAI-compatible chat
// completions endpoint, the key validation probe, and a liveness check.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/AltairaLabs/llmgateway/credentials"
	"github.com/AltairaLabs/llmgateway/dispatch"
	"github.com/AltairaLabs/llmgateway/keycheck"
	"github.com/AltairaLabs/llmgateway/logger"
	"github.com/AltairaLabs/llmgateway/types"
)

// Dispatcher routes a chat request to an upstream provider.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *types.ChatRequest, org credentials.Organization, requestID string) (*dispatch.Result, *dispatch.Error)
}

// KeyValidator probes provider credentials.
type KeyValidator interface {
	Validate(ctx context.Context, in keycheck.Input) (keycheck.Result, error)
}

// Authenticator resolves a bearer token to the organization it belongs to.
type Authenticator interface {
	Authenticate(token string) (credentials.Organization, bool)
}

// StaticAuth authenticates against a fixed token table.
type StaticAuth map[string]credentials.Organization

func (a StaticAuth) Authenticate(token string) (credentials.Organization, bool) {
	org, ok := a[token]
	return org, ok
}

// AllowAll accepts any non-empty token, mapping every caller onto a single
// credits-mode organization. Development use only.
type AllowAll struct{}

func (AllowAll) Authenticate(string) (credentials.Organization, bool) {
	return credentials.Organization{ID: "default", CreditsMode: true}, true
}

// Server is the HTTP surface of the gateway.
type Server struct {
	router     chi.Router
	dispatcher Dispatcher
	validator  KeyValidator
	auth       Authenticator
}

// Options wire a Server. Dispatcher and Auth are required; Validator may be
// nil, which disables the key validation endpoint.
type Options struct {
	Dispatcher Dispatcher
	Validator  KeyValidator
	Auth       Authenticator
}

// New creates a Server ready to use as an http.Handler.
func New(opts Options) *Server {
	s := &Server{
		dispatcher: opts.Dispatcher,
		validator:  opts.Validator,
		auth:       opts.Auth,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Post("/v1/chat/completions", s.handleChatCompletions)
		if s.validator != nil {
			r.Post("/v1/keys/validate", s.handleValidateKey)
		}
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type ctxKey int

const orgKey ctxKey = 0

// requireAuth resolves the bearer token to an organization and stores it on
// the request context.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, dispatch.KindClientError, "missing bearer token")
			return
		}
		org, ok := s.auth.Authenticate(token)
		if !ok {
			writeError(w, http.StatusUnauthorized, dispatch.KindClientError, "invalid api key")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), orgKey, org)))
	})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
}

func orgFrom(r *http.Request) credentials.Organization {
	org, _ := r.Context().Value(orgKey).(credentials.Organization)
	return org
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleChatCompletions serves POST /v1/chat/completions, both streaming and
// non-streaming.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("x-request-id")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set("x-request-id", requestID)

	source := r.Header.Get("x-source")
	if source == "" {
		source = r.Header.Get("HTTP-Referer")
	}
	normalized, err := NormalizeSource(source)
	if err != nil {
		writeError(w, http.StatusBadRequest, dispatch.KindClientError, err.Error())
		return
	}

	var req types.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, dispatch.KindClientError, "invalid request body: "+err.Error())
		return
	}
	if override := r.Header.Get("x-llmgateway-model"); override != "" {
		req.Model = override
	}

	logger.InfoContext(r.Context(), "chat completion request",
		"request_id", requestID, "model", req.Model, "stream", req.Stream, "source", normalized)

	result, derr := s.dispatcher.Dispatch(r.Context(), &req, orgFrom(r), requestID)
	if derr != nil {
		writeError(w, derr.HTTPStatus(), derr.Kind, derr.Message)
		return
	}

	if result.Chunks != nil {
		streamChunks(w, result.Chunks)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result.Response)
}

// handleValidateKey serves POST /v1/keys/validate.
func (s *Server) handleValidateKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Provider string `json:"provider"`
		Token    string `json:"token"`
		BaseURL  string `json:"base_url,omitempty"`
		Skip     bool   `json:"skip,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, dispatch.KindClientError, "invalid request body: "+err.Error())
		return
	}

	res, err := s.validator.Validate(r.Context(), keycheck.Input{
		Provider: req.Provider,
		Token:    req.Token,
		BaseURL:  req.BaseURL,
		Skip:     req.Skip,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, dispatch.KindClientError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

func writeError(w http.ResponseWriter, status int, kind dispatch.Kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(types.ErrorResponse{
		Error: types.ErrorDetail{Type: string(kind), Message: message},
	})
}
