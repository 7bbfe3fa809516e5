// Package capability holds the catalog of functions the assistant may invoke
// against a chain, their parameter schemas and their read-only classification.
package capability

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	GetTokenBalance    = "get_token_balance"
	GetTokenPrice      = "get_token_price"
	GetGasPrice        = "get_gas_price"
	SendToken          = "send_token"
	SwapTokens         = "swap_tokens"
	AddLiquidity       = "add_liquidity"
	ExplainTransaction = "explain_transaction"
	EstimateGas        = "estimate_gas"
)

// readOnly is the fixed allow-list of functions that only query state.
var readOnly = map[string]struct{}{
	GetTokenBalance:    {},
	GetTokenPrice:      {},
	GetGasPrice:        {},
	ExplainTransaction: {},
	EstimateGas:        {},
}

// IsReadOnly reports whether name may run without user approval.
// Unknown names are never read-only.
func IsReadOnly(name string) bool {
	_, ok := readOnly[strings.TrimSpace(name)]
	return ok
}

type Parameter struct {
	Type        string   `json:"type"`
	Description string   `json:"description"`
	Required    bool     `json:"required,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

type Capability struct {
	Name        string               `json:"name"`
	Description string               `json:"description"`
	Parameters  map[string]Parameter `json:"parameters"`
	ReadOnly    bool                 `json:"read_only"`
}

// JSONSchema renders the capability parameters as a JSON-schema object, the
// shape completion providers expect for tool declarations.
func (c Capability) JSONSchema() map[string]any {
	props := make(map[string]any, len(c.Parameters))
	required := []string{}
	for _, name := range c.ParameterNames() {
		p := c.Parameters[name]
		prop := map[string]any{
			"type":        p.Type,
			"description": p.Description,
		}
		if len(p.Enum) > 0 {
			values := make([]any, 0, len(p.Enum))
			for _, v := range p.Enum {
				values = append(values, v)
			}
			prop["enum"] = values
		}
		props[name] = prop
		if p.Required {
			required = append(required, name)
		}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

// ParameterNames returns parameter names sorted for stable output.
func (c Capability) ParameterNames() []string {
	names := make([]string, 0, len(c.Parameters))
	for name := range c.Parameters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// InvalidArgumentsError is returned when arguments do not satisfy a
// capability's parameter schema, or when the capability does not exist.
type InvalidArgumentsError struct {
	Function string
	Problems []string
	Cause    error
}

func (e *InvalidArgumentsError) Error() string {
	if len(e.Problems) == 0 {
		return fmt.Sprintf("invalid arguments for %s", e.Function)
	}
	return fmt.Sprintf("invalid arguments for %s: %s", e.Function, strings.Join(e.Problems, "; "))
}

func (e *InvalidArgumentsError) Unwrap() error { return e.Cause }

type entry struct {
	capability Capability
	schema     *jsonschema.Schema
}

// Registry is immutable after construction and safe for concurrent use.
type Registry struct {
	order   []string
	entries map[string]entry
}

func NewRegistry(caps ...Capability) (*Registry, error) {
	r := &Registry{entries: make(map[string]entry, len(caps))}
	for _, c := range caps {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			return nil, fmt.Errorf("capability name is required")
		}
		if _, dup := r.entries[name]; dup {
			return nil, fmt.Errorf("duplicate capability %q", name)
		}
		c.Name = name
		c.ReadOnly = IsReadOnly(name)
		schema, err := compile(c)
		if err != nil {
			return nil, err
		}
		r.order = append(r.order, name)
		r.entries[name] = entry{capability: c, schema: schema}
	}
	return r, nil
}

// Default returns the registry with the built-in function catalog.
func Default() *Registry {
	r, err := NewRegistry(Defaults()...)
	if err != nil {
		panic(fmt.Sprintf("capability: default catalog: %v", err))
	}
	return r
}

func compile(c Capability) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(c.JSONSchema())
	if err != nil {
		return nil, fmt.Errorf("encode schema for %q: %w", c.Name, err)
	}
	url := c.Name + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema resource for %q: %w", c.Name, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %q: %w", c.Name, err)
	}
	return schema, nil
}

func (r *Registry) List() []Capability {
	out := make([]Capability, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name].capability)
	}
	return out
}

func (r *Registry) Lookup(name string) (Capability, bool) {
	e, ok := r.entries[strings.TrimSpace(name)]
	return e.capability, ok
}

func (r *Registry) IsReadOnly(name string) bool {
	return IsReadOnly(name)
}

// Prepare normalizes args for the named capability and validates them.
// Numbers supplied for string-typed parameters are converted to strings.
func (r *Registry) Prepare(name string, args map[string]any) (map[string]any, error) {
	e, ok := r.entries[strings.TrimSpace(name)]
	if !ok {
		return nil, &InvalidArgumentsError{Function: name, Problems: []string{"unknown function"}}
	}

	prepared := make(map[string]any, len(args))
	for k, v := range args {
		if p, known := e.capability.Parameters[k]; known && p.Type == "string" {
			v = coerceString(v)
		}
		prepared[k] = v
	}

	raw, err := json.Marshal(prepared)
	if err != nil {
		return nil, &InvalidArgumentsError{Function: name, Problems: []string{"arguments are not JSON encodable"}, Cause: err}
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &InvalidArgumentsError{Function: name, Problems: []string{"arguments are not JSON decodable"}, Cause: err}
	}
	if err := e.schema.Validate(doc); err != nil {
		return nil, &InvalidArgumentsError{Function: name, Problems: problems(err), Cause: err}
	}
	return prepared, nil
}

func coerceString(v any) any {
	switch n := v.(type) {
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(n), 'f', -1, 32)
	case int:
		return strconv.Itoa(n)
	case int64:
		return strconv.FormatInt(n, 10)
	case json.Number:
		return n.String()
	default:
		return v
	}
}

func problems(err error) []string {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}
	var out []string
	var walk func(*jsonschema.ValidationError)
	walk = func(v *jsonschema.ValidationError) {
		if len(v.Causes) == 0 {
			loc := v.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			out = append(out, fmt.Sprintf("%s: %s", loc, v.Message))
			return
		}
		for _, c := range v.Causes {
			walk(c)
		}
	}
	walk(verr)
	if len(out) == 0 {
		out = append(out, verr.Message)
	}
	return out
}
