// Uses stub Provider implementations - no HTTP needed.
package llm

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

// stubProvider is a minimal Provider stub for registry testing.
type stubProvider struct {
	binding Binding
	healthy error
}

func (s *stubProvider) ChatCompletion(_ context.Context, _ ChatRequest) (*ChatResponse, error) {
	return &ChatResponse{Content: "stub"}, nil
}
func (s *stubProvider) ModelInfo() ModelMeta {
	return ModelMeta{ID: s.binding.Models[0], Provider: s.binding.Kind}
}
func (s *stubProvider) HealthCheck(_ context.Context) error { return s.healthy }

func stubFactory(b Binding) (Provider, error) { return &stubProvider{binding: b}, nil }

func testBindings() []Binding {
	return []Binding{
		{ProviderName: "local", Kind: KindOllama, Endpoint: "http://localhost:11434", Models: []string{"llama3.2:3b", "qwen2.5"}},
		{ProviderName: "cloud", Kind: KindOpenAI, Endpoint: "https://api.openai.com", Credential: "sk", Models: []string{"gpt-4o-mini"}},
	}
}

func TestRegistry_Resolve(t *testing.T) {
	t.Parallel()

	r, err := NewRegistry(testBindings(), stubFactory)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	b, p, err := r.Resolve("qwen2.5")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if b.ProviderName != "local" || p.ModelInfo().Provider != KindOllama {
		t.Errorf("unexpected binding %+v / provider %+v", b, p.ModelInfo())
	}

	// Both models of one binding share the adapter.
	_, p2, _ := r.Resolve("llama3.2:3b")
	if p != p2 {
		t.Error("models of one binding should share one adapter")
	}
}

func TestRegistry_Resolve_Unsupported(t *testing.T) {
	t.Parallel()

	r, _ := NewRegistry(testBindings(), stubFactory)
	if _, _, err := r.Resolve("no-such-model"); !errors.Is(err, ErrUnsupportedModel) {
		t.Errorf("expected ErrUnsupportedModel, got %v", err)
	}
	if r.Supports("no-such-model") {
		t.Error("Supports should be false for unknown model")
	}
	if !r.Supports("gpt-4o-mini") {
		t.Error("Supports should be true for configured model")
	}
}

func TestRegistry_ListModels_SortedUnion(t *testing.T) {
	t.Parallel()

	r, _ := NewRegistry(testBindings(), stubFactory)
	want := []string{"gpt-4o-mini", "llama3.2:3b", "qwen2.5"}
	if got := r.ListModels(); !reflect.DeepEqual(got, want) {
		t.Errorf("ListModels = %v; want %v", got, want)
	}

	// Callers cannot mutate the registry through the returned slice.
	r.ListModels()[0] = "mutated"
	if r.ListModels()[0] != "gpt-4o-mini" {
		t.Error("ListModels returned internal slice")
	}
}

func TestRegistry_BindingsAreCopied(t *testing.T) {
	t.Parallel()

	bs := testBindings()
	r, _ := NewRegistry(bs, stubFactory)
	bs[0].Models[0] = "mutated"

	b, _, err := r.Resolve("llama3.2:3b")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if b.Models[0] != "llama3.2:3b" {
		t.Errorf("binding models changed after build: %v", b.Models)
	}
}

func TestNewRegistry_Invalid(t *testing.T) {
	t.Parallel()

	cases := map[string][]Binding{
		"empty":         nil,
		"no endpoint":   {{ProviderName: "a", Kind: KindOllama, Models: []string{"m"}}},
		"unknown kind":  {{ProviderName: "a", Kind: "gemini", Endpoint: "http://x", Models: []string{"m"}}},
		"no models":     {{ProviderName: "a", Kind: KindOllama, Endpoint: "http://x"}},
		"blank model":   {{ProviderName: "a", Kind: KindOllama, Endpoint: "http://x", Models: []string{" "}}},
		"no name":       {{Kind: KindOllama, Endpoint: "http://x", Models: []string{"m"}}},
		"dup provider":  {{ProviderName: "a", Kind: KindOllama, Endpoint: "http://x", Models: []string{"m1"}}, {ProviderName: "a", Kind: KindOllama, Endpoint: "http://y", Models: []string{"m2"}}},
		"model claimed": {{ProviderName: "a", Kind: KindOllama, Endpoint: "http://x", Models: []string{"m"}}, {ProviderName: "b", Kind: KindOpenAI, Endpoint: "http://y", Models: []string{"m"}}},
	}
	for name, bs := range cases {
		if _, err := NewRegistry(bs, stubFactory); !errors.Is(err, ErrInvalidBinding) {
			t.Errorf("%s: expected ErrInvalidBinding, got %v", name, err)
		}
	}
}

func TestDefaultFactory_BuildsAdapterPerKind(t *testing.T) {
	t.Parallel()

	f := DefaultFactory(0)
	want := map[string]string{KindOllama: KindOllama, KindOpenAI: KindOpenAI, KindAnthropic: KindAnthropic}
	for kind := range want {
		p, err := f(Binding{ProviderName: kind, Kind: kind, Endpoint: "http://x/", Models: []string{"m"}})
		if err != nil {
			t.Fatalf("%s: %v", kind, err)
		}
		if p.ModelInfo().Provider != want[kind] {
			t.Errorf("%s: provider kind = %q", kind, p.ModelInfo().Provider)
		}
	}
}

func TestRegistry_HealthCheck_ReportsFailures(t *testing.T) {
	t.Parallel()

	down := errors.New("down")
	factory := func(b Binding) (Provider, error) {
		sp := &stubProvider{binding: b}
		if b.ProviderName == "cloud" {
			sp.healthy = down
		}
		return sp, nil
	}
	r, _ := NewRegistry(testBindings(), factory)

	failures := r.HealthCheck(context.Background())
	if len(failures) != 1 || !errors.Is(failures["cloud"], down) {
		t.Errorf("unexpected failures: %v", failures)
	}
	if got := len(r.Providers()); got != 2 {
		t.Errorf("Providers() = %d; want 2", got)
	}
}
