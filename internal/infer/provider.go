// Package infer wraps the external inference capability consumed by the
// pipeline stages and the fusion adjudicator. Providers are swappable and
// redundant; the manager rate-limits calls and falls across providers in
// priority order.
package infer

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/abelbrown/eventline/internal/logging"
)

// ErrCapability tags provider transport/API failures so callers can treat
// them as retryable, distinct from schema violations in the output.
var ErrCapability = errors.New("capability error")

// Provider is the interface for AI providers
type Provider interface {
	// Name returns the provider name (e.g., "claude", "openai")
	Name() string

	// Available returns true if the provider is configured and ready
	Available() bool

	// Generate sends a prompt and returns the response
	Generate(ctx context.Context, req Request) (Response, error)
}

// Request is a prompt request to an AI provider
type Request struct {
	SystemPrompt string
	UserPrompt   string
	MaxTokens    int
}

// Response is the AI provider's response
type Response struct {
	Content     string
	Model       string
	RawResponse string // The raw API response body for logging/debugging
}

// Manager manages multiple AI providers with fallback and a shared
// rate limiter respecting provider quotas.
type Manager struct {
	providers []Provider
	preferred string
	limiter   *rate.Limiter
}

// NewManager creates a provider manager. limiter may be nil for unlimited.
func NewManager(limiter *rate.Limiter) *Manager {
	return &Manager{
		providers: make([]Provider, 0),
		limiter:   limiter,
	}
}

// AddProvider adds a provider to the manager
func (m *Manager) AddProvider(p Provider) {
	m.providers = append(m.providers, p)
}

// SetPreferred sets the preferred provider by name
func (m *Manager) SetPreferred(name string) {
	m.preferred = name
}

// Available returns true if at least one provider is usable.
func (m *Manager) Available() bool {
	for _, p := range m.providers {
		if p.Available() {
			return true
		}
	}
	return false
}

// Name identifies the manager as a capability for telemetry.
func (m *Manager) Name() string {
	if p := m.pick(); p != nil {
		return p.Name()
	}
	return "none"
}

// Generate invokes the preferred provider, falling over to the next
// available one on capability errors. All failures are folded into a
// single ErrCapability-tagged error.
func (m *Manager) Generate(ctx context.Context, req Request) (Response, error) {
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return Response{}, fmt.Errorf("%w: rate limiter: %v", ErrCapability, err)
		}
	}

	var lastErr error
	for _, p := range m.ordered() {
		if !p.Available() {
			continue
		}
		resp, err := p.Generate(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		logging.Warn("Provider failed, trying next", "provider", p.Name(), "error", err)
		if ctx.Err() != nil {
			break
		}
	}

	if lastErr == nil {
		return Response{}, fmt.Errorf("%w: no provider available", ErrCapability)
	}
	return Response{}, fmt.Errorf("%w: %v", ErrCapability, lastErr)
}

// pick returns the provider Generate would try first.
func (m *Manager) pick() Provider {
	for _, p := range m.ordered() {
		if p.Available() {
			return p
		}
	}
	return nil
}

// ordered returns providers with the preferred one first.
func (m *Manager) ordered() []Provider {
	if m.preferred == "" {
		return m.providers
	}
	out := make([]Provider, 0, len(m.providers))
	for _, p := range m.providers {
		if p.Name() == m.preferred {
			out = append(out, p)
		}
	}
	for _, p := range m.providers {
		if p.Name() != m.preferred {
			out = append(out, p)
		}
	}
	return out
}

// ListAvailable returns names of all available providers
func (m *Manager) ListAvailable() []string {
	var names []string
	for _, p := range m.providers {
		if p.Available() {
			names = append(names, p.Name())
		}
	}
	return names
}
