// Package credentials resolves upstream provider keys for organizations.
package credentials

import (
	"context"
	"errors"
	"os"
	"sync"

	"github.com/AltairaLabs/llmgateway/registry"
)

// ErrNoCredential is returned when no usable key exists for a provider.
var ErrNoCredential = errors.New("no credential available")

// Credential is a resolved provider key.
type Credential struct {
	Provider string
	APIKey   string

	// BaseURL overrides the provider's default endpoint (custom providers).
	BaseURL string

	// Platform marks a platform-owned key served under credits mode.
	Platform bool
}

// Organization identifies the caller for credential resolution.
type Organization struct {
	ID string

	// CreditsMode allows falling back to platform-owned keys when the
	// organization has no key of its own.
	CreditsMode bool
}

// Store resolves provider credentials. Reads are concurrent-safe; writes are
// serialized per (organization, provider) by the implementation.
type Store interface {
	// Resolve returns the credential to use for the provider, or
	// ErrNoCredential.
	Resolve(ctx context.Context, org Organization, provider string) (Credential, error)

	// Available lists provider ids with a usable credential for the
	// organization, in no particular order.
	Available(ctx context.Context, org Organization) ([]string, error)
}

// EnvStore serves platform keys read from the environment plus org-scoped
// keys registered at runtime.
type EnvStore struct {
	mu       sync.RWMutex
	platform map[string]Credential
	orgs     map[string]map[string]Credential
}

// NewEnvStore builds a store with one platform credential per catalog
// provider whose key environment variable is set.
func NewEnvStore(catalog *registry.Registry, providerIDs []string) *EnvStore {
	s := &EnvStore{
		platform: make(map[string]Credential),
		orgs:     make(map[string]map[string]Credential),
	}
	for _, id := range providerIDs {
		p, ok := catalog.Provider(id)
		if !ok || p.KeyEnv == "" {
			continue
		}
		if key := os.Getenv(p.KeyEnv); key != "" {
			s.platform[id] = Credential{Provider: id, APIKey: key, Platform: true}
		}
	}
	return s
}

// SetPlatformKey registers or replaces a platform-owned key.
func (s *EnvStore) SetPlatformKey(provider, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.platform == nil {
		s.platform = make(map[string]Credential)
	}
	s.platform[provider] = Credential{Provider: provider, APIKey: key, Platform: true}
}

// SetOrgKey registers or replaces an organization-scoped key.
func (s *EnvStore) SetOrgKey(orgID, provider, key, baseURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.orgs == nil {
		s.orgs = make(map[string]map[string]Credential)
	}
	keys, ok := s.orgs[orgID]
	if !ok {
		keys = make(map[string]Credential)
		s.orgs[orgID] = keys
	}
	keys[provider] = Credential{Provider: provider, APIKey: key, BaseURL: baseURL}
}

// Resolve prefers the organization's own key; platform keys only serve
// organizations in credits mode.
func (s *EnvStore) Resolve(_ context.Context, org Organization, provider string) (Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if keys, ok := s.orgs[org.ID]; ok {
		if cred, ok := keys[provider]; ok {
			return cred, nil
		}
	}
	if org.CreditsMode {
		if cred, ok := s.platform[provider]; ok {
			return cred, nil
		}
	}
	return Credential{}, ErrNoCredential
}

// Available lists providers Resolve would succeed for.
func (s *EnvStore) Available(_ context.Context, org Organization) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string

	if keys, ok := s.orgs[org.ID]; ok {
		for provider := range keys {
			if !seen[provider] {
				seen[provider] = true
				out = append(out, provider)
			}
		}
	}
	if org.CreditsMode {
		for provider := range s.platform {
			if !seen[provider] {
				seen[provider] = true
				out = append(out, provider)
			}
		}
	}
	return out, nil
}
