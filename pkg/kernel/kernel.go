// Package kernel is the safety kernel: every tool call the selector
// proposes passes through Evaluate, which applies policy in a fixed
// order. No call reaches the twin any other way.
package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/twinops/twinops/pkg/approval"
	"github.com/twinops/twinops/pkg/audit"
	"github.com/twinops/twinops/pkg/canonical"
	"github.com/twinops/twinops/pkg/policy"
	"github.com/twinops/twinops/pkg/schema"
	"github.com/twinops/twinops/pkg/shadow"
	"github.com/twinops/twinops/pkg/twin"
	"github.com/twinops/twinops/pkg/twinerr"
)

var tracer = otel.Tracer("github.com/twinops/twinops/pkg/kernel")

// ToolCall is one proposed invocation, as it leaves schema validation.
type ToolCall struct {
	Name              string
	Arguments         map[string]any
	RequestedSimulate bool
	IdempotencyKey    string
}

// Outcome of a kernel decision.
type Outcome string

const (
	OutcomeExecute  Outcome = "executed"
	OutcomeSimulate Outcome = "simulated"
	OutcomeDeny     Outcome = "denied"
	OutcomePending  Outcome = "pending_approval"
)

// Decision is the single result of one Evaluate call.
type Decision struct {
	Outcome Outcome
	Reason  string
	Code    twinerr.Code // set on Deny
	TaskID  string       // set on PendingApproval
	Result  *twin.Result // set on Execute/Simulate
}

func deny(code twinerr.Code, format string, args ...any) Decision {
	return Decision{Outcome: OutcomeDeny, Code: code, Reason: fmt.Sprintf(format, args...)}
}

// Invoker drives the twin; implemented by twin.Client.
type Invoker interface {
	Invoke(ctx context.Context, op twin.OperationRef, args map[string]any, simulate bool, idemKey string) (*twin.Result, error)
}

// PolicyProvider yields the current verified policy.
type PolicyProvider interface {
	Current(ctx context.Context) (*policy.Document, error)
}

// Catalog resolves tool names to their specs.
type Catalog interface {
	ByName(name string) (*schema.ToolSpec, bool)
}

// Approvals enqueues calls held for a human decision.
type Approvals interface {
	Create(ctx context.Context, call approval.Call, requestedBy string, roles []string) (*approval.Task, error)
}

// Options for kernel construction.
type Options struct {
	// InterlockFailSafe denies when an interlock's shadow path has no
	// value, instead of treating the predicate as false.
	InterlockFailSafe bool
	Logger            *slog.Logger
}

// Kernel mediates tool calls.
type Kernel struct {
	policies  PolicyProvider
	catalog   Catalog
	shadow    *shadow.Twin
	invoker   Invoker
	approvals Approvals
	auditLog  *audit.Log
	failSafe  bool
	log       *slog.Logger
}

// New wires the kernel. The approval store's resubmit callback must be
// pointed at Resubmit by the caller.
func New(policies PolicyProvider, catalog Catalog, sh *shadow.Twin, invoker Invoker, approvals Approvals, auditLog *audit.Log, opts Options) *Kernel {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Kernel{
		policies:  policies,
		catalog:   catalog,
		shadow:    sh,
		invoker:   invoker,
		approvals: approvals,
		auditLog:  auditLog,
		failSafe:  opts.InterlockFailSafe,
		log:       opts.Logger,
	}
}

// Evaluate runs the decision pipeline for one call. The returned error is
// non-nil only when the audit log cannot be written; the kernel never
// executes a call it could not audit.
func (k *Kernel) Evaluate(ctx context.Context, call ToolCall, actor string, roles []string) (Decision, error) {
	return k.evaluate(ctx, call, actor, roles, "")
}

// Resubmit re-drives an approved task through the pipeline, skipping the
// approval gate. Handed to the approval store as its callback.
func (k *Kernel) Resubmit(ctx context.Context, task *approval.Task) (json.RawMessage, error) {
	call := ToolCall{
		Name:              task.Call.Tool,
		Arguments:         task.Call.Arguments,
		RequestedSimulate: task.Call.Simulate,
		IdempotencyKey:    task.Call.IdempotencyKey,
	}
	dec, err := k.evaluate(ctx, call, task.RequestedBy, task.RequestedRoles, task.ID)
	if err != nil {
		return nil, err
	}
	switch dec.Outcome {
	case OutcomeExecute, OutcomeSimulate:
		return twin.MarshalResult(dec.Result), nil
	default:
		return nil, twinerr.New(dec.Code, "approved call was denied on resubmission: %s", dec.Reason)
	}
}

func (k *Kernel) evaluate(ctx context.Context, call ToolCall, actor string, roles []string, approvedTaskID string) (Decision, error) {
	ctx, span := tracer.Start(ctx, "kernel.Evaluate")
	span.SetAttributes(attribute.String("tool.name", call.Name))
	defer span.End()

	argsDigest, _ := canonical.Digest(call.Arguments)
	if err := k.auditLog.Append(&audit.Entry{
		Actor:      actor,
		Roles:      roles,
		Event:      audit.EventProposed,
		Tool:       call.Name,
		ArgsDigest: argsDigest,
		TaskID:     approvedTaskID,
	}); err != nil {
		return Decision{}, err
	}

	spec, ok := k.catalog.ByName(call.Name)
	if !ok {
		return k.denied(ctx, call, actor, roles, argsDigest,
			deny(twinerr.CodeNotFound, "unknown tool %q", call.Name))
	}

	// 1. Policy. Any failure to obtain a verified, fresh policy denies.
	doc, err := k.policies.Current(ctx)
	if err != nil {
		code := twinerr.CodeOf(err)
		if code != twinerr.CodePolicyStale {
			code = twinerr.CodePolicyUnverified
		}
		return k.denied(ctx, call, actor, roles, argsDigest,
			deny(code, "no usable policy: %v", err))
	}

	// 2. RBAC. An empty role_bindings table means access control is not
	// configured and every caller is allowed.
	if len(doc.RoleBindings) > 0 && !roleAllowed(doc, roles, call.Name) {
		return k.denied(ctx, call, actor, roles, argsDigest,
			deny(twinerr.CodeRoleUnauthorized,
				"none of roles %v may invoke %s", roles, call.Name))
	}

	// 3. Interlocks, in policy order, against one consistent view.
	if d, triggered := k.checkInterlocks(doc, call.Name); triggered {
		return k.denied(ctx, call, actor, roles, argsDigest, d)
	}

	// 4. Risk resolution and simulation forcing. Policy overrides the
	// schema qualifier.
	risk := spec.Risk
	if r, ok := doc.OperationRisk[call.Name]; ok {
		risk = r
	}
	if risk == "" {
		risk = policy.RiskMedium
	}
	// Forcing applies below the approval threshold only: a call that must
	// be approved is held as requested, not silently downgraded to a
	// simulation.
	requiresApproval := risk.AtLeast(doc.RequireApprovalForRisk)
	simulate := call.RequestedSimulate
	if !simulate && !requiresApproval && risk.AtLeast(doc.RequireSimulationForRisk) {
		simulate = true
	}

	// 5. Approval gate. Resubmissions arrive with the approving task id
	// and pass through.
	if approvedTaskID == "" && !simulate && requiresApproval {
		task, err := k.approvals.Create(ctx, approval.Call{
			Tool:           call.Name,
			Arguments:      call.Arguments,
			Simulate:       call.RequestedSimulate,
			IdempotencyKey: call.IdempotencyKey,
		}, actor, roles)
		if err != nil {
			return k.denied(ctx, call, actor, roles, argsDigest,
				deny(twinerr.CodeOperationFailed, "failed to queue approval: %v", err))
		}
		if err := k.auditLog.Append(&audit.Entry{
			Actor:      actor,
			Roles:      roles,
			Event:      audit.EventPendingApproval,
			Tool:       call.Name,
			ArgsDigest: argsDigest,
			TaskID:     task.ID,
			Details:    map[string]any{"risk": string(risk)},
		}); err != nil {
			return Decision{}, err
		}
		return Decision{
			Outcome: OutcomePending,
			Reason:  fmt.Sprintf("%s risk %s requires approval", call.Name, risk),
			TaskID:  task.ID,
		}, nil
	}

	// 6. Execute.
	op := twin.OperationRef{
		Name:          spec.Name,
		SubmodelID:    spec.SubmodelID,
		Path:          spec.OperationPath,
		DelegationURL: spec.DelegationURL,
	}
	res, err := k.invoker.Invoke(ctx, op, call.Arguments, simulate, call.IdempotencyKey)
	if err != nil || !res.Success {
		detail := map[string]any{}
		reason := "twin reported failure"
		if err != nil {
			reason = err.Error()
			detail["code"] = string(twinerr.CodeOf(err))
			if ctx.Err() != nil {
				detail["cancelled"] = true
			}
		} else if res.Message != "" {
			reason = res.Message
		}
		if aerr := k.auditLog.Append(&audit.Entry{
			Actor:      actor,
			Roles:      roles,
			Event:      audit.EventExecFailed,
			Tool:       call.Name,
			ArgsDigest: argsDigest,
			TaskID:     approvedTaskID,
			Details:    detail,
		}); aerr != nil {
			return Decision{}, aerr
		}
		return deny(twinerr.CodeExecutionFailed, "%s failed: %s", call.Name, reason), nil
	}

	event := audit.EventExecuted
	outcome := OutcomeExecute
	if simulate {
		event = audit.EventSimulated
		outcome = OutcomeSimulate
	}
	resultDigest, _ := canonical.Digest(res)
	if err := k.auditLog.Append(&audit.Entry{
		Actor:        actor,
		Roles:        roles,
		Event:        event,
		Tool:         call.Name,
		ArgsDigest:   argsDigest,
		ResultDigest: resultDigest,
		TaskID:       approvedTaskID,
	}); err != nil {
		return Decision{}, err
	}
	return Decision{Outcome: outcome, Result: res}, nil
}

// denied writes the denial audit entry and returns the decision.
func (k *Kernel) denied(ctx context.Context, call ToolCall, actor string, roles []string, argsDigest string, d Decision) (Decision, error) {
	if err := k.auditLog.Append(&audit.Entry{
		Actor:      actor,
		Roles:      roles,
		Event:      audit.EventDenied,
		Tool:       call.Name,
		ArgsDigest: argsDigest,
		Decision:   string(d.Code),
		Details:    map[string]any{"reason": d.Reason},
	}); err != nil {
		return Decision{}, err
	}
	k.log.Warn("tool call denied",
		"tool", call.Name, "actor", actor, "code", d.Code, "reason", d.Reason)
	return d, nil
}

func roleAllowed(doc *policy.Document, roles []string, operation string) bool {
	for _, r := range roles {
		if b, ok := doc.RoleBindings[r]; ok && b.Allows(operation) {
			return true
		}
	}
	return false
}

// checkInterlocks evaluates every interlock against one frozen shadow
// view and reports the first trigger.
func (k *Kernel) checkInterlocks(doc *policy.Document, tool string) (Decision, bool) {
	if len(doc.Interlocks) == 0 {
		return Decision{}, false
	}
	view := k.shadow.View()
	defer view.Close()

	for _, il := range doc.Interlocks {
		v, ok := view.Get(il.DenyWhen.Submodel, il.DenyWhen.Path)
		if !ok {
			if k.failSafe {
				return deny(twinerr.CodeInterlockTriggered,
					"interlock %s: no shadow value for %s/%s",
					il.ID, il.DenyWhen.Submodel, il.DenyWhen.Path), true
			}
			k.log.Warn("interlock path has no shadow value",
				"interlock", il.ID,
				"submodel", il.DenyWhen.Submodel, "path", il.DenyWhen.Path)
			continue
		}
		if predicateHolds(il.DenyWhen, v.Value) {
			msg := il.Message
			if msg == "" {
				msg = fmt.Sprintf("interlock %s triggered", il.ID)
			}
			return deny(twinerr.CodeInterlockTriggered, "%s: %s", il.ID, msg), true
		}
	}
	return Decision{}, false
}

// predicateHolds compares the live value against the threshold. Numeric
// comparison applies when both sides parse as floats; otherwise only
// equality operators are meaningful and ordered comparisons are false.
func predicateHolds(p policy.Predicate, live any) bool {
	lf, lok := toFloat(live)
	tf, tok := toFloat(p.Value)
	if lok && tok {
		switch p.Op {
		case policy.OpGT:
			return lf > tf
		case policy.OpLT:
			return lf < tf
		case policy.OpGTE:
			return lf >= tf
		case policy.OpLTE:
			return lf <= tf
		case policy.OpEQ:
			return lf == tf
		case policy.OpNEQ:
			return lf != tf
		}
		return false
	}
	ls := fmt.Sprint(live)
	ts := fmt.Sprint(p.Value)
	switch p.Op {
	case policy.OpEQ:
		return ls == ts
	case policy.OpNEQ:
		return ls != ts
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	case bool:
		return 0, false
	default:
		return 0, false
	}
}
