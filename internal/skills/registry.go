// Package skills holds the immutable, post-startup catalog of dispatchable
// skills and validates tool-call arguments against each skill's declared
// parameter schema before dispatch.
package skills

import (
	"context"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// SandboxProfile controls what a skill's sandbox is permitted to touch.
type SandboxProfile struct {
	Backend        string // "wasm" or "shell"
	NetworkEnabled bool
	FSRoot         string
}

// Descriptor is the immutable, published shape of a skill: its name, a
// human description, its JSON Schema parameters, and its sandbox
// requirements.
type Descriptor struct {
	Name        string
	Description string
	Parameters  map[string]any // raw JSON Schema document
	Sandbox     SandboxProfile
	Sensitive   bool // requires a confirmation round trip before execution
}

// Runner is what a registered skill actually does once its arguments
// have validated against its schema.
type Runner interface {
	Run(ctx context.Context, args map[string]any) (map[string]any, error)
}

type registered struct {
	Descriptor Descriptor
	Runner     Runner
	schema     *jsonschema.Schema
}

// Registry is the immutable post-startup skill catalog: skills are
// registered once at startup via Register and never added or removed afterward, so
// lookups never take a write lock.
type Registry struct {
	mu     sync.RWMutex
	skills map[string]registered
}

func New() *Registry {
	return &Registry{skills: make(map[string]registered)}
}

// Register compiles a skill's parameter schema and adds it to the
// catalog. Intended to be called only during startup, before any
// dispatch traffic arrives.
func (r *Registry) Register(desc Descriptor, runner Runner) error {
	compiler := jsonschema.NewCompiler()
	schemaURL := "mem://" + desc.Name + ".json"
	if err := compiler.AddResource(schemaURL, desc.Parameters); err != nil {
		return fmt.Errorf("skills: add schema resource for %s: %w", desc.Name, err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return fmt.Errorf("skills: compile schema for %s: %w", desc.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.skills[desc.Name] = registered{Descriptor: desc, Runner: runner, schema: schema}
	return nil
}

func (r *Registry) Descriptor(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.skills[name]
	return reg.Descriptor, ok
}

// List returns every registered skill's descriptor.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.skills))
	for _, reg := range r.skills {
		out = append(out, reg.Descriptor)
	}
	return out
}

// ErrValidation is returned when tool-call arguments do not conform to a
// skill's declared parameter schema.
type ErrValidation struct {
	Skill string
	Err   error
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("skills: invalid arguments for %s: %v", e.Skill, e.Err)
}

func (e *ErrValidation) Unwrap() error { return e.Err }

// Dispatch validates args against the named skill's schema and, if they
// conform, runs it.
func (r *Registry) Dispatch(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	r.mu.RLock()
	reg, ok := r.skills[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("skills: unknown skill %q", name)
	}

	if err := reg.schema.Validate(args); err != nil {
		return nil, &ErrValidation{Skill: name, Err: err}
	}

	return reg.Runner.Run(ctx, args)
}
