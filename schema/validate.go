// Package schema implements strict JSON-Schema validation of tool
// arguments (C4) and a TTL+LRU cache of tool descriptors with single-flight
// fetch and disk persistence (C5).
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidationFailure describes one constraint violation found during
// Validate, carrying enough detail to build a validation-failed error.
type ValidationFailure struct {
	Path     string
	Expected string
}

// Validator compiles and applies JSON schemas in strict mode: no additional
// properties beyond those declared, no type coercion, integer-vs-number
// distinguished, arrays and objects recursed fully. Strictness on
// additional properties is a property of the Validator, not of each tool's
// own schema: every object subschema is rewritten with
// "additionalProperties": false injected before compilation unless it
// already sets that keyword, so a tool author forgetting to declare it
// doesn't silently reopen the door to undeclared fields.
type Validator struct {
	mu       sync.Mutex
	compiled map[string]*compiledEntry // keyed by tool name
}

type compiledEntry struct {
	schemaHash string
	schema     *jsonschema.Schema
}

// maxCompiledEntries bounds the compiled-schema cache so a tool set that
// churns its schemas across the process lifetime can't grow it unbounded.
const maxCompiledEntries = 4096

// NewValidator returns a Validator configured for strict evaluation.
func NewValidator() *Validator {
	return &Validator{compiled: make(map[string]*compiledEntry)}
}

// Validate checks args against the given raw JSON schema for toolName.
// On success it returns (nil, nil). On failure it returns the first
// structured ValidationFailure (path + expected constraint) along with the
// underlying error for logging.
func (v *Validator) Validate(toolName string, args, rawSchema json.RawMessage) (*ValidationFailure, error) {
	compiled, err := v.compiledSchema(toolName, rawSchema)
	if err != nil {
		return nil, err
	}

	var argsDoc any
	if err := json.Unmarshal(args, &argsDoc); err != nil {
		return &ValidationFailure{Path: "/", Expected: "valid JSON"}, err
	}

	if err := compiled.Validate(argsDoc); err != nil {
		if verr, ok := err.(*jsonschema.ValidationError); ok {
			return validationFailureFrom(verr), err
		}
		return &ValidationFailure{Path: "/", Expected: "schema-conformant value"}, err
	}
	return nil, nil
}

// compiledSchema returns toolName's compiled schema, recompiling only when
// the cache is cold or rawSchema's content has changed since the last
// compile (a schema cache refresh can hand back an updated descriptor for
// the same tool name).
func (v *Validator) compiledSchema(toolName string, rawSchema json.RawMessage) (*jsonschema.Schema, error) {
	hash := hashSchema(rawSchema)

	v.mu.Lock()
	if entry, ok := v.compiled[toolName]; ok && entry.schemaHash == hash {
		v.mu.Unlock()
		return entry.schema, nil
	}
	v.mu.Unlock()

	var schemaDoc any
	if err := json.Unmarshal(rawSchema, &schemaDoc); err != nil {
		return nil, fmt.Errorf("schema: tool %q has invalid schema: %w", toolName, err)
	}
	enforceStrictObjects(schemaDoc)

	resourceName := "tool://" + toolName
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat()
	compiler.DefaultDraft(jsonschema.Draft2020)
	if err := compiler.AddResource(resourceName, schemaDoc); err != nil {
		return nil, fmt.Errorf("schema: add resource for %q: %w", toolName, err)
	}
	compiled, err := compiler.Compile(resourceName)
	if err != nil {
		return nil, fmt.Errorf("schema: compile schema for %q: %w", toolName, err)
	}

	v.mu.Lock()
	if len(v.compiled) >= maxCompiledEntries {
		v.compiled = make(map[string]*compiledEntry, 1)
	}
	v.compiled[toolName] = &compiledEntry{schemaHash: hash, schema: compiled}
	v.mu.Unlock()

	return compiled, nil
}

func hashSchema(rawSchema json.RawMessage) string {
	sum := sha256.Sum256(rawSchema)
	return hex.EncodeToString(sum[:])
}

// enforceStrictObjects walks a decoded JSON-Schema document in place and
// injects "additionalProperties": false into every object subschema (one
// declaring "type": "object", "properties", or "patternProperties") that
// doesn't already set the keyword, then recurses into every place a
// subschema can appear. Boolean schemas (true/false) and non-object nodes
// are left untouched.
func enforceStrictObjects(node any) {
	m, ok := node.(map[string]any)
	if !ok {
		return
	}

	isObject := false
	if t, ok := m["type"].(string); ok && t == "object" {
		isObject = true
	}
	if _, ok := m["properties"]; ok {
		isObject = true
	}
	if _, ok := m["patternProperties"]; ok {
		isObject = true
	}
	if isObject {
		if _, set := m["additionalProperties"]; !set {
			m["additionalProperties"] = false
		}
	}

	recurseIntoMap(m["properties"])
	recurseIntoMap(m["patternProperties"])
	recurseIntoMap(m["$defs"])
	recurseIntoMap(m["definitions"])

	if addl, ok := m["additionalProperties"].(map[string]any); ok {
		enforceStrictObjects(addl)
	}
	if addl, ok := m["additionalItems"].(map[string]any); ok {
		enforceStrictObjects(addl)
	}
	if contains, ok := m["contains"].(map[string]any); ok {
		enforceStrictObjects(contains)
	}
	switch items := m["items"].(type) {
	case map[string]any:
		enforceStrictObjects(items)
	case []any:
		recurseIntoSlice(items)
	}
	recurseIntoSlice(sliceOf(m["prefixItems"]))
	for _, key := range []string{"allOf", "anyOf", "oneOf"} {
		recurseIntoSlice(sliceOf(m[key]))
	}
	for _, key := range []string{"not", "if", "then", "else"} {
		enforceStrictObjects(m[key])
	}
}

func recurseIntoMap(node any) {
	m, ok := node.(map[string]any)
	if !ok {
		return
	}
	for _, sub := range m {
		enforceStrictObjects(sub)
	}
}

func recurseIntoSlice(items []any) {
	for _, sub := range items {
		enforceStrictObjects(sub)
	}
}

func sliceOf(node any) []any {
	s, _ := node.([]any)
	return s
}

// validationFailureFrom walks to the deepest cause in the jsonschema error
// tree so the reported path/constraint is the specific field that failed,
// not just the top-level "value does not conform".
func validationFailureFrom(verr *jsonschema.ValidationError) *ValidationFailure {
	leaf := verr
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	path := "/"
	if len(leaf.InstanceLocation) > 0 {
		path = "/" + joinPointer(leaf.InstanceLocation)
	}
	return &ValidationFailure{
		Path:     path,
		Expected: leaf.Error(),
	}
}

func joinPointer(segments []string) string {
	out := ""
	for i, s := range segments {
		if i > 0 {
			out += "/"
		}
		out += s
	}
	return out
}
