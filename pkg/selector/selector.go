// Package selector turns a free-text operator request into tool calls.
// The Rules selector is the deterministic built-in: a pattern table plus
// fuzzy tool matching, good enough for development and for driving the
// pipeline without an LLM endpoint.
package selector

import (
	"context"

	"github.com/twinops/twinops/pkg/schema"
)

// ToolCall is one proposed call, before schema validation.
type ToolCall struct {
	Name      string
	Arguments map[string]any
	Simulate  bool
}

// Selection is the selector's answer: free text, proposed calls, or both.
type Selection struct {
	Reply string
	Calls []ToolCall
}

// Selector maps a message onto the offered tools.
type Selector interface {
	Select(ctx context.Context, message string, tools []schema.ToolSpec) (Selection, error)
}
