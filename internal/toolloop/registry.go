// Package toolloop drives bounded agentic conversations: it sends a request,
// executes the tool calls the model makes, feeds results back, and repeats
// until the model stops calling tools or the turn budget runs out.
package toolloop

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	invopop "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/switchyard-ai/switchyard/pkg/models"
)

const (
	// MaxNameLength bounds tool names; longer names are config mistakes.
	MaxNameLength = 256
	// MaxInputSize bounds a single tool invocation's input payload.
	MaxInputSize = 10 << 20
)

// Handler executes one tool call. The context carries the per-tool timeout;
// handlers that block must observe it.
type Handler func(ctx context.Context, input json.RawMessage) (string, error)

// Tool pairs a descriptor with its local handler.
type Tool struct {
	Descriptor models.ToolDescriptor
	Handler    Handler
	// Timeout overrides the loop's default per-tool timeout when positive.
	Timeout time.Duration
}

// Registry maps tool names to handlers. Duplicate registrations replace:
// last wins, first position kept, mirroring descriptor dedupe semantics.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string

	schemas sync.Map // descriptor schema text -> *jsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register validates and stores a tool. The input schema, when present, is
// compiled eagerly so a malformed schema fails registration rather than the
// first invocation.
func (r *Registry) Register(t Tool) error {
	name := t.Descriptor.Name
	if name == "" {
		return fmt.Errorf("toolloop: tool name is empty")
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("toolloop: tool name exceeds %d bytes", MaxNameLength)
	}
	if t.Handler == nil {
		return fmt.Errorf("toolloop: tool %s has no handler", name)
	}
	if len(t.Descriptor.InputSchema) > 0 {
		if _, err := r.compile(t.Descriptor.InputSchema); err != nil {
			return fmt.Errorf("toolloop: tool %s schema: %w", name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = t
	return nil
}

// RegisterFunc is Register without the struct literal noise.
func (r *Registry) RegisterFunc(desc models.ToolDescriptor, fn Handler) error {
	return r.Register(Tool{Descriptor: desc, Handler: fn})
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Descriptors lists registered tools in first-registration order.
func (r *Registry) Descriptors() []models.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ToolDescriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].Descriptor)
	}
	return out
}

// ValidateInput checks a call's input against the tool's compiled schema.
// Tools without a schema accept anything under MaxInputSize.
func (r *Registry) ValidateInput(name string, input json.RawMessage) error {
	if len(input) > MaxInputSize {
		return fmt.Errorf("input exceeds %d bytes", MaxInputSize)
	}
	t, ok := r.Get(name)
	if !ok || len(t.Descriptor.InputSchema) == 0 {
		return nil
	}
	compiled, err := r.compile(t.Descriptor.InputSchema)
	if err != nil {
		return err
	}

	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	var decoded any
	if err := json.Unmarshal(input, &decoded); err != nil {
		return fmt.Errorf("input is not valid JSON: %w", err)
	}
	return compiled.Validate(decoded)
}

func (r *Registry) compile(schema json.RawMessage) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := r.schemas.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}
	compiled, err := jsonschema.CompileString("tool.schema.json", key)
	if err != nil {
		return nil, err
	}
	r.schemas.Store(key, compiled)
	return compiled, nil
}

// SchemaFor reflects a JSON schema from a Go struct, for tools whose inputs
// are typed rather than hand-written schema documents.
func SchemaFor(v any) (json.RawMessage, error) {
	reflector := invopop.Reflector{DoNotReference: true}
	schema := reflector.Reflect(v)
	return json.Marshal(schema)
}
