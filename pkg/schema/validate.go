package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/twinops/twinops/pkg/twinerr"
)

// Validator checks tool arguments against the compiled input schemas.
type Validator struct {
	mu       sync.RWMutex
	compiled map[string]*jsonschema.Schema
}

// NewValidator compiles every tool's input schema up front so a bad
// catalog fails at startup, not on the first call.
func NewValidator(tools []ToolSpec) (*Validator, error) {
	v := &Validator{compiled: make(map[string]*jsonschema.Schema, len(tools))}
	for _, t := range tools {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := "tool://" + t.Name
		if err := c.AddResource(url, bytes.NewReader(t.InputSchema)); err != nil {
			return nil, fmt.Errorf("tool %s: adding input schema: %w", t.Name, err)
		}
		s, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("tool %s: compiling input schema: %w", t.Name, err)
		}
		v.compiled[t.Name] = s
	}
	return v, nil
}

// Validate checks the arguments for one tool call.
func (v *Validator) Validate(tool string, args map[string]any) error {
	v.mu.RLock()
	s, ok := v.compiled[tool]
	v.mu.RUnlock()
	if !ok {
		return twinerr.New(twinerr.CodeNotFound, "unknown tool %q", tool)
	}
	if args == nil {
		args = map[string]any{}
	}
	// Round-trip so integers arrive as the json.Unmarshal float64 shape the
	// validator expects regardless of how the caller built the map.
	raw, err := json.Marshal(args)
	if err != nil {
		return twinerr.Wrap(twinerr.CodeInvalidJSON, err, "tool %s arguments are not JSON-encodable", tool)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return twinerr.Wrap(twinerr.CodeInvalidJSON, err, "tool %s arguments", tool)
	}
	if err := s.Validate(doc); err != nil {
		return twinerr.Wrap(twinerr.CodeMalformedInput, err,
			"arguments for %s do not match the tool schema", tool)
	}
	return nil
}
