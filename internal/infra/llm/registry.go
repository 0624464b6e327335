// Registry maps model names to upstream bindings.
// Built once from configuration; read-only afterwards, so it is shared without locking.
package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Provider kinds accepted in configuration.
const (
	KindOllama    = "ollama"
	KindOpenAI    = "openai"
	KindAnthropic = "anthropic"
)

var (
	// ErrUnsupportedModel is returned when no binding declares the requested model.
	ErrUnsupportedModel = errors.New("unsupported model")
	// ErrInvalidBinding is returned by NewRegistry for malformed provider configuration.
	ErrInvalidBinding = errors.New("invalid provider binding")
)

// Binding is the connection detail for one upstream backend.
// Many models map to one Binding.
type Binding struct {
	ProviderName string
	Kind         string
	Endpoint     string
	Credential   string
	Models       []string
}

// Factory builds the adapter for a binding.
type Factory func(Binding) (Provider, error)

// DefaultFactory returns a Factory producing the HTTP adapters with the given timeout.
// The first model of a binding is the adapter default.
func DefaultFactory(timeout time.Duration) Factory {
	return func(b Binding) (Provider, error) {
		endpoint := strings.TrimRight(b.Endpoint, "/")
		model := b.Models[0]
		switch b.Kind {
		case KindOllama:
			return NewOllamaProvider(endpoint, model, timeout), nil
		case KindOpenAI:
			return NewOpenAIProvider(endpoint, b.Credential, model, timeout), nil
		case KindAnthropic:
			return NewAnthropicProvider(endpoint, b.Credential, model, timeout), nil
		default:
			return nil, fmt.Errorf("%w: provider %q: unknown kind %q", ErrInvalidBinding, b.ProviderName, b.Kind)
		}
	}
}

type route struct {
	binding  Binding
	provider Provider
}

// Registry resolves a model name to its binding and adapter.
type Registry struct {
	routes map[string]route
	models []string
}

// NewRegistry validates bindings and builds one adapter per binding.
func NewRegistry(bindings []Binding, factory Factory) (*Registry, error) {
	if len(bindings) == 0 {
		return nil, fmt.Errorf("%w: no providers configured", ErrInvalidBinding)
	}
	if factory == nil {
		factory = DefaultFactory(DefaultTimeout)
	}

	r := &Registry{routes: make(map[string]route)}
	names := make(map[string]bool, len(bindings))
	for _, b := range bindings {
		if err := validateBinding(b); err != nil {
			return nil, err
		}
		if names[b.ProviderName] {
			return nil, fmt.Errorf("%w: duplicate provider %q", ErrInvalidBinding, b.ProviderName)
		}
		names[b.ProviderName] = true

		// copy so later mutation of the caller's slice cannot leak in.
		b.Models = append([]string(nil), b.Models...)
		p, err := factory(b)
		if err != nil {
			return nil, err
		}
		for _, m := range b.Models {
			if prev, taken := r.routes[m]; taken {
				return nil, fmt.Errorf("%w: model %q claimed by %q and %q", ErrInvalidBinding, m, prev.binding.ProviderName, b.ProviderName)
			}
			r.routes[m] = route{binding: b, provider: p}
			r.models = append(r.models, m)
		}
	}
	sort.Strings(r.models)
	return r, nil
}

func validateBinding(b Binding) error {
	if strings.TrimSpace(b.ProviderName) == "" {
		return fmt.Errorf("%w: provider name is required", ErrInvalidBinding)
	}
	if strings.TrimSpace(b.Endpoint) == "" {
		return fmt.Errorf("%w: provider %q: endpoint is required", ErrInvalidBinding, b.ProviderName)
	}
	switch b.Kind {
	case KindOllama, KindOpenAI, KindAnthropic:
	default:
		return fmt.Errorf("%w: provider %q: unknown kind %q", ErrInvalidBinding, b.ProviderName, b.Kind)
	}
	if len(b.Models) == 0 {
		return fmt.Errorf("%w: provider %q: no models", ErrInvalidBinding, b.ProviderName)
	}
	for _, m := range b.Models {
		if strings.TrimSpace(m) == "" {
			return fmt.Errorf("%w: provider %q: empty model name", ErrInvalidBinding, b.ProviderName)
		}
	}
	return nil
}

// Resolve returns the binding and adapter serving model.
func (r *Registry) Resolve(model string) (Binding, Provider, error) {
	rt, ok := r.routes[model]
	if !ok {
		return Binding{}, nil, fmt.Errorf("%w: %q", ErrUnsupportedModel, model)
	}
	return rt.binding, rt.provider, nil
}

// ListModels returns every configured model name, sorted.
func (r *Registry) ListModels() []string {
	return append([]string(nil), r.models...)
}

// Supports reports whether any binding declares model.
func (r *Registry) Supports(model string) bool {
	_, ok := r.routes[model]
	return ok
}

// Providers returns one binding per configured provider, sorted by name.
func (r *Registry) Providers() []Binding {
	seen := make(map[string]bool)
	var out []Binding
	for _, m := range r.models {
		b := r.routes[m].binding
		if seen[b.ProviderName] {
			continue
		}
		seen[b.ProviderName] = true
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderName < out[j].ProviderName })
	return out
}

// HealthCheck probes every provider once and returns the failures keyed by provider name.
func (r *Registry) HealthCheck(ctx context.Context) map[string]error {
	failures := make(map[string]error)
	for _, b := range r.Providers() {
		if err := r.routes[b.Models[0]].provider.HealthCheck(ctx); err != nil {
			failures[b.ProviderName] = err
		}
	}
	return failures
}
