package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/switchyard-ai/switchyard/internal/catalog"
	"github.com/switchyard-ai/switchyard/pkg/models"
)

func TestScriptedReplaysQueueInOrder(t *testing.T) {
	p := NewScripted("").Enqueue(
		&models.Response{Text: "first", FinishReason: models.FinishStop},
		&models.Response{Text: "second", FinishReason: models.FinishStop},
	)

	req := &models.Request{Messages: []models.Message{models.UserMessage("hi")}}

	resp, err := p.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != "first" {
		t.Errorf("Text = %q, want %q", resp.Text, "first")
	}
	if resp.Provider != string(catalog.ProviderTest) {
		t.Errorf("Provider = %q, want test", resp.Provider)
	}

	resp, err = p.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != "second" {
		t.Errorf("Text = %q, want %q", resp.Text, "second")
	}

	// Empty queue falls back to a stop response.
	resp, err = p.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != "ok" || resp.FinishReason != models.FinishStop {
		t.Errorf("fallback = (%q, %s), want (ok, stop)", resp.Text, resp.FinishReason)
	}
	if p.Completions() != 3 {
		t.Errorf("Completions() = %d, want 3", p.Completions())
	}
}

func TestScriptedFailWith(t *testing.T) {
	p := NewScripted("")
	boom := errors.New("boom")
	p.FailWith(boom)

	req := &models.Request{Messages: []models.Message{models.UserMessage("hi")}}
	if _, err := p.Complete(context.Background(), req); !errors.Is(err, boom) {
		t.Fatalf("Complete err = %v, want boom", err)
	}

	p.FailWith(nil)
	if _, err := p.Complete(context.Background(), req); err != nil {
		t.Fatalf("Complete after clear: %v", err)
	}
}

func TestScriptedRecordsRequests(t *testing.T) {
	p := NewScripted("")
	req := &models.Request{
		Model:    "scripted-model",
		Messages: []models.Message{models.UserMessage("remember me")},
	}
	if _, err := p.Complete(context.Background(), req); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	recorded := p.Requests()
	if len(recorded) != 1 {
		t.Fatalf("Requests() len = %d, want 1", len(recorded))
	}
	if recorded[0].Model != "scripted-model" {
		t.Errorf("recorded model = %q, want scripted-model", recorded[0].Model)
	}

	// The recording is a clone; mutating the original must not leak in.
	req.Model = "changed"
	if p.Requests()[0].Model != "scripted-model" {
		t.Error("recorded request aliases the caller's request")
	}
}

func TestScriptedEmbedDeterministic(t *testing.T) {
	p := NewScripted("").SetEmbedDim(4)

	first, err := p.Embed(context.Background(), "", []string{"alpha", "beta"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(first.Embeddings) != 2 {
		t.Fatalf("embeddings = %d, want 2", len(first.Embeddings))
	}
	if first.Dimensions != 4 {
		t.Errorf("Dimensions = %d, want 4", first.Dimensions)
	}
	for i, vec := range first.Embeddings {
		if len(vec) != 4 {
			t.Errorf("embedding %d has %d dims, want 4", i, len(vec))
		}
	}

	second, err := p.Embed(context.Background(), "", []string{"alpha", "beta"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	for i := range first.Embeddings {
		for j := range first.Embeddings[i] {
			if first.Embeddings[i][j] != second.Embeddings[i][j] {
				t.Fatalf("embedding %d dim %d differs across calls", i, j)
			}
		}
	}

	if _, err := p.Embed(context.Background(), "", nil); err == nil {
		t.Error("Embed with no inputs should fail")
	}
}
