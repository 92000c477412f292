package provider

import (
	"testing"

	"github.com/switchyard-ai/switchyard/internal/catalog"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	scripted := NewScripted(catalog.ProviderTest)
	reg.Register(scripted)

	got, ok := reg.Get(catalog.ProviderTest)
	if !ok {
		t.Fatal("Get(test) = false, want registered adapter")
	}
	if got.ID() != catalog.ProviderTest {
		t.Errorf("ID() = %s, want test", got.ID())
	}

	if _, ok := reg.Get(catalog.ProviderCohere); ok {
		t.Error("Get(cohere) = true, want false for unregistered provider")
	}
}

func TestRegistryRegisterNilIsIgnored(t *testing.T) {
	reg := NewRegistry()
	reg.Register(nil)
	if ids := reg.IDs(); len(ids) != 0 {
		t.Errorf("IDs() = %v, want empty", ids)
	}
}

func TestRegistryEmbedder(t *testing.T) {
	reg := NewRegistry()
	reg.Register(NewScripted(catalog.ProviderTest))

	anthropicAdapter, err := NewAnthropic(AnthropicConfig{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("NewAnthropic: %v", err)
	}
	reg.Register(anthropicAdapter)

	if _, ok := reg.Embedder(catalog.ProviderTest); !ok {
		t.Error("Embedder(test) = false, want embedding-capable adapter")
	}
	// Completion-only adapters do not surface as embedders.
	if _, ok := reg.Embedder(catalog.ProviderAnthropic); ok {
		t.Error("Embedder(anthropic) = true, want false")
	}
	if _, ok := reg.Embedder(catalog.ProviderOllama); ok {
		t.Error("Embedder(ollama) = true, want false for unregistered provider")
	}
}

func TestRegistryIDsSorted(t *testing.T) {
	reg := NewRegistry()
	reg.Register(NewScripted(catalog.ProviderTest))
	reg.Register(NewScripted(catalog.ProviderGemini))
	reg.Register(NewScripted(catalog.ProviderAnthropic))

	ids := reg.IDs()
	want := []catalog.ProviderID{catalog.ProviderAnthropic, catalog.ProviderGemini, catalog.ProviderTest}
	if len(ids) != len(want) {
		t.Fatalf("IDs() len = %d, want %d", len(ids), len(want))
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("IDs()[%d] = %s, want %s", i, ids[i], want[i])
		}
	}
}
