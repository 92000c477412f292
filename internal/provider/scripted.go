package provider

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/switchyard-ai/switchyard/internal/catalog"
	"github.com/switchyard-ai/switchyard/pkg/models"
)

// Scripted is an in-memory adapter that replays queued responses. It backs
// the test provider id, the demo runner, and any dev environment that wants
// deterministic completions without network access.
type Scripted struct {
	mu        sync.Mutex
	id        catalog.ProviderID
	queue     []*models.Response
	requests  []*models.Request
	err       error
	embedDim  int
	completes int
}

var (
	_ Adapter  = (*Scripted)(nil)
	_ Embedder = (*Scripted)(nil)
)

// NewScripted creates a scripted adapter. An empty id registers as the
// built-in test provider.
func NewScripted(id catalog.ProviderID) *Scripted {
	if id == "" {
		id = catalog.ProviderTest
	}
	return &Scripted{id: id, embedDim: 8}
}

// ID reports the catalog identity.
func (p *Scripted) ID() catalog.ProviderID {
	return p.id
}

// Enqueue appends responses to the replay queue in order.
func (p *Scripted) Enqueue(responses ...*models.Response) *Scripted {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, responses...)
	return p
}

// FailWith makes every Complete call return err until cleared with nil.
func (p *Scripted) FailWith(err error) *Scripted {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
	return p
}

// SetEmbedDim changes the dimensionality of generated embeddings.
func (p *Scripted) SetEmbedDim(dim int) *Scripted {
	p.mu.Lock()
	defer p.mu.Unlock()
	if dim > 0 {
		p.embedDim = dim
	}
	return p
}

// Complete replays the next queued response, or echoes a stop response when
// the queue is empty. Requests are recorded for assertions.
func (p *Scripted) Complete(ctx context.Context, req *models.Request) (*models.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	started := time.Now()

	p.mu.Lock()
	clone := req.Clone()
	p.requests = append(p.requests, &clone)
	p.completes++
	if p.err != nil {
		err := p.err
		p.mu.Unlock()
		return nil, err
	}
	var resp *models.Response
	if len(p.queue) > 0 {
		resp = p.queue[0]
		p.queue = p.queue[1:]
	}
	p.mu.Unlock()

	if resp == nil {
		resp = &models.Response{Text: "ok", FinishReason: models.FinishStop}
	}
	if resp.Provider == "" {
		resp.Provider = string(p.id)
	}
	if resp.Model == "" {
		if req.Model != "" {
			resp.Model = req.Model
		} else {
			resp.Model = catalog.Default.DefaultModel(p.id)
		}
	}
	if resp.FinishReason == models.FinishUnknown && resp.HasToolUses() {
		resp.FinishReason = models.FinishToolUse
	}
	if resp.Timing.StartedAt.IsZero() {
		resp.Timing = models.Timing{StartedAt: started, Duration: time.Since(started)}
	}
	return resp, nil
}

// Requests returns a copy of every request seen so far.
func (p *Scripted) Requests() []*models.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*models.Request, len(p.requests))
	copy(out, p.requests)
	return out
}

// Completions reports how many Complete calls were made.
func (p *Scripted) Completions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completes
}

// Embed returns deterministic vectors derived from the input text, so the
// same input always embeds to the same point.
func (p *Scripted) Embed(ctx context.Context, model string, inputs []string) (*EmbedResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		return nil, NewError(p.id, model, errNoInputs)
	}
	if model == "" {
		model = "scripted-embed"
	}

	p.mu.Lock()
	dim := p.embedDim
	p.mu.Unlock()

	embeddings := make([][]float64, len(inputs))
	var tokens int64
	for i, input := range inputs {
		embeddings[i] = scriptedVector(input, dim)
		tokens += int64(len(input) / 4)
	}
	return &EmbedResult{
		Embeddings: embeddings,
		Model:      model,
		Provider:   p.id,
		Usage:      models.Usage{InputTokens: tokens},
		Dimensions: dim,
	}, nil
}

func scriptedVector(input string, dim int) []float64 {
	vec := make([]float64, dim)
	h := fnv.New64a()
	h.Write([]byte(input))
	seed := h.Sum64()
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float64(seed%2000)/1000 - 1
	}
	return vec
}
