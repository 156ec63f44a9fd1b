// Package command defines the schemas that task parameters are validated
// against. Each command type is a tagged variant: the type names a registered
// Spec, and the Spec describes the parameter fields an operator may supply.
// Validation happens once, at task creation — never at execution time.
package command

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/seantiz/hermes/internal/model"
)

// Kind enumerates the value types a parameter field may hold.
type Kind string

const (
	KindString   Kind = "string"
	KindInt      Kind = "int"
	KindBool     Kind = "bool"
	KindDuration Kind = "duration"
)

// Field describes one parameter of a command.
type Field struct {
	Name     string
	Kind     Kind
	Required bool
	// Enum restricts a string field to a fixed set of values. Empty = any.
	Enum []string
}

// Spec describes one command type: its parameter schema and whether its
// results may arrive as a chunked stream rather than a single envelope.
type Spec struct {
	Type      string
	Summary   string
	Fields    []Field
	Streaming bool
}

// Registry holds the known command specs. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]Spec
}

// NewRegistry creates an empty command registry.
func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]Spec)}
}

// Register adds a spec. Registering a type twice is a conflict.
func (r *Registry) Register(s Spec) error {
	if s.Type == "" {
		return fmt.Errorf("command spec missing type: %w", model.ErrValidation)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.specs[s.Type]; ok {
		return fmt.Errorf("command type %q already registered: %w", s.Type, model.ErrConflict)
	}
	r.specs[s.Type] = s
	return nil
}

// Get returns the spec for a command type.
func (r *Registry) Get(commandType string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.specs[commandType]
	return s, ok
}

// Types returns the registered command types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.specs))
	for t := range r.specs {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Validate checks params against the spec registered for commandType.
// Unknown types, unknown fields, missing required fields, and kind mismatches
// all fail with a validation error.
func (r *Registry) Validate(commandType string, params json.RawMessage) error {
	spec, ok := r.Get(commandType)
	if !ok {
		return fmt.Errorf("unknown command type %q: %w", commandType, model.ErrValidation)
	}

	values := map[string]any{}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &values); err != nil {
			return fmt.Errorf("parameters for %q are not a JSON object: %w", commandType, model.ErrValidation)
		}
	}

	known := make(map[string]Field, len(spec.Fields))
	for _, f := range spec.Fields {
		known[f.Name] = f
	}

	for name := range values {
		if _, ok := known[name]; !ok {
			return fmt.Errorf("command %q: unknown parameter %q: %w", commandType, name, model.ErrValidation)
		}
	}

	for _, f := range spec.Fields {
		v, present := values[f.Name]
		if !present {
			if f.Required {
				return fmt.Errorf("command %q: missing required parameter %q: %w", commandType, f.Name, model.ErrValidation)
			}
			continue
		}
		if err := checkKind(f, v); err != nil {
			return fmt.Errorf("command %q: %w", commandType, err)
		}
	}

	return nil
}

// checkKind validates a single decoded JSON value against its field spec.
func checkKind(f Field, v any) error {
	switch f.Kind {
	case KindString:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("parameter %q must be a string: %w", f.Name, model.ErrValidation)
		}
		if len(f.Enum) > 0 {
			for _, e := range f.Enum {
				if s == e {
					return nil
				}
			}
			return fmt.Errorf("parameter %q value %q not in %v: %w", f.Name, s, f.Enum, model.ErrValidation)
		}
	case KindInt:
		// JSON numbers decode as float64; reject fractional values.
		n, ok := v.(float64)
		if !ok || n != math.Trunc(n) {
			return fmt.Errorf("parameter %q must be an integer: %w", f.Name, model.ErrValidation)
		}
	case KindBool:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("parameter %q must be a boolean: %w", f.Name, model.ErrValidation)
		}
	case KindDuration:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("parameter %q must be a duration string: %w", f.Name, model.ErrValidation)
		}
		if _, err := time.ParseDuration(s); err != nil {
			return fmt.Errorf("parameter %q is not a valid duration: %w", f.Name, model.ErrValidation)
		}
	default:
		return fmt.Errorf("parameter %q has unsupported kind %q: %w", f.Name, f.Kind, model.ErrValidation)
	}
	return nil
}
