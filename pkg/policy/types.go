// Package policy loads, verifies and caches the signed safety policy
// ("CovenantTwin") that every kernel decision evaluates against.
// The schema is fixed: role bindings, ordered interlocks, risk thresholds.
package policy

import (
	"encoding/json"
	"fmt"

	"github.com/twinops/twinops/pkg/twinerr"
)

// RiskLevel orders operation risk. Comparisons use Rank.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

var riskOrder = map[RiskLevel]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// Rank returns the ordinal of the level; unknown levels rank above CRITICAL
// so a typo in a policy can only make the system stricter.
func (r RiskLevel) Rank() int {
	if o, ok := riskOrder[r]; ok {
		return o
	}
	return len(riskOrder)
}

// AtLeast reports whether r >= other in risk ordering.
func (r RiskLevel) AtLeast(other RiskLevel) bool { return r.Rank() >= other.Rank() }

// ParseRisk validates a risk string from policy or schema.
func ParseRisk(s string) (RiskLevel, error) {
	r := RiskLevel(s)
	if _, ok := riskOrder[r]; !ok {
		return "", twinerr.New(twinerr.CodeMalformedInput, "unknown risk level %q", s)
	}
	return r, nil
}

// Binding lists the operations a role may invoke. "*" allows all.
type Binding struct {
	Allow []string `json:"allow"`
}

// Allows reports whether the binding permits the named operation.
func (b Binding) Allows(operation string) bool {
	for _, a := range b.Allow {
		if a == "*" || a == operation {
			return true
		}
	}
	return false
}

// CompareOp is one of the six fixed interlock comparison operators.
type CompareOp string

const (
	OpGT  CompareOp = ">"
	OpLT  CompareOp = "<"
	OpGTE CompareOp = ">="
	OpLTE CompareOp = "<="
	OpEQ  CompareOp = "=="
	OpNEQ CompareOp = "!="
)

// Predicate is the deny condition of an interlock: a comparison of a live
// shadow value against a threshold.
type Predicate struct {
	Submodel string    `json:"submodel"`
	Path     string    `json:"path"`
	Op       CompareOp `json:"op"`
	Value    any       `json:"value"`
}

// Interlock blocks all operations while its predicate holds.
type Interlock struct {
	ID       string    `json:"id"`
	DenyWhen Predicate `json:"deny_when"`
	Message  string    `json:"message,omitempty"`
}

// Document is the parsed policy payload.
type Document struct {
	RequireSimulationForRisk RiskLevel            `json:"require_simulation_for_risk"`
	RequireApprovalForRisk   RiskLevel            `json:"require_approval_for_risk"`
	RoleBindings             map[string]Binding   `json:"role_bindings,omitempty"`
	Interlocks               []Interlock          `json:"interlocks,omitempty"`
	OperationRisk            map[string]RiskLevel `json:"operation_risk,omitempty"`
	// ApproverRoles names the roles allowed to approve pending tasks.
	// Empty means: any role whose binding allows "*".
	ApproverRoles []string `json:"approver_roles,omitempty"`
}

// ParseDocument decodes and validates a policy payload.
func ParseDocument(payload []byte) (*Document, error) {
	var d Document
	if err := json.Unmarshal(payload, &d); err != nil {
		return nil, twinerr.Wrap(twinerr.CodeInvalidJSON, err, "policy payload is not valid JSON")
	}
	if d.RequireSimulationForRisk == "" {
		d.RequireSimulationForRisk = RiskHigh
	}
	if d.RequireApprovalForRisk == "" {
		d.RequireApprovalForRisk = RiskCritical
	}
	for _, lvl := range []RiskLevel{d.RequireSimulationForRisk, d.RequireApprovalForRisk} {
		if _, err := ParseRisk(string(lvl)); err != nil {
			return nil, err
		}
	}
	for op, lvl := range d.OperationRisk {
		if _, err := ParseRisk(string(lvl)); err != nil {
			return nil, fmt.Errorf("operation_risk[%s]: %w", op, err)
		}
	}
	for i, il := range d.Interlocks {
		if il.DenyWhen.Submodel == "" || il.DenyWhen.Path == "" || il.DenyWhen.Op == "" {
			return nil, twinerr.New(twinerr.CodeMissingField,
				"interlock %d (%s) is missing submodel, path or op", i, il.ID)
		}
		switch il.DenyWhen.Op {
		case OpGT, OpLT, OpGTE, OpLTE, OpEQ, OpNEQ:
		default:
			return nil, twinerr.New(twinerr.CodeMalformedInput,
				"interlock %s has unknown operator %q", il.ID, il.DenyWhen.Op)
		}
	}
	return &d, nil
}

// ApproverAllowed reports whether any of roles may approve pending tasks.
func (d *Document) ApproverAllowed(roles []string) bool {
	if len(d.ApproverRoles) > 0 {
		for _, r := range roles {
			for _, a := range d.ApproverRoles {
				if r == a {
					return true
				}
			}
		}
		return false
	}
	// Default: a role with a wildcard binding is an approver.
	for _, r := range roles {
		if b, ok := d.RoleBindings[r]; ok && b.Allows("*") {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so cached documents stay immutable under
// copy-on-read.
func (d *Document) Clone() *Document {
	out := &Document{
		RequireSimulationForRisk: d.RequireSimulationForRisk,
		RequireApprovalForRisk:   d.RequireApprovalForRisk,
	}
	if d.RoleBindings != nil {
		out.RoleBindings = make(map[string]Binding, len(d.RoleBindings))
		for k, v := range d.RoleBindings {
			out.RoleBindings[k] = Binding{Allow: append([]string(nil), v.Allow...)}
		}
	}
	if d.Interlocks != nil {
		out.Interlocks = append([]Interlock(nil), d.Interlocks...)
	}
	if d.OperationRisk != nil {
		out.OperationRisk = make(map[string]RiskLevel, len(d.OperationRisk))
		for k, v := range d.OperationRisk {
			out.OperationRisk[k] = v
		}
	}
	if d.ApproverRoles != nil {
		out.ApproverRoles = append([]string(nil), d.ApproverRoles...)
	}
	return out
}

// SignedEnvelope is the wire shape of the policy submodel element:
// the payload plus a detached Ed25519 signature over its canonical JSON.
type SignedEnvelope struct {
	Payload      json.RawMessage `json:"payload"`
	SignatureB64 string          `json:"signature_b64"`
	KeyID        string          `json:"key_id,omitempty"`
}
