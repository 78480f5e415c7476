package kernel

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinops/twinops/pkg/approval"
	"github.com/twinops/twinops/pkg/audit"
	"github.com/twinops/twinops/pkg/policy"
	"github.com/twinops/twinops/pkg/schema"
	"github.com/twinops/twinops/pkg/shadow"
	"github.com/twinops/twinops/pkg/twin"
	"github.com/twinops/twinops/pkg/twinerr"
)

type mapCatalog map[string]*schema.ToolSpec

func (m mapCatalog) ByName(name string) (*schema.ToolSpec, bool) {
	s, ok := m[name]
	return s, ok
}

type fixedPolicy struct {
	doc *policy.Document
	err error
}

func (p fixedPolicy) Current(ctx context.Context) (*policy.Document, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.doc.Clone(), nil
}

type invocation struct {
	op       twin.OperationRef
	args     map[string]any
	simulate bool
	idemKey  string
}

type fakeInvoker struct {
	calls []invocation
	res   *twin.Result
	err   error
}

func (f *fakeInvoker) Invoke(ctx context.Context, op twin.OperationRef, args map[string]any, simulate bool, idemKey string) (*twin.Result, error) {
	f.calls = append(f.calls, invocation{op: op, args: args, simulate: simulate, idemKey: idemKey})
	if f.err != nil {
		return nil, f.err
	}
	if f.res != nil {
		return f.res, nil
	}
	return &twin.Result{Success: true, Simulated: simulate}, nil
}

type fixture struct {
	kernel    *Kernel
	invoker   *fakeInvoker
	shadow    *shadow.Twin
	approvals *approval.Store
	auditPath string
}

func testCatalog() mapCatalog {
	return mapCatalog{
		"SetSpeed": {
			Name: "SetSpeed", SubmodelID: "urn:sm:ops", OperationPath: "SetSpeed",
			Risk: policy.RiskMedium,
		},
		"SetTemperature": {
			Name: "SetTemperature", SubmodelID: "urn:sm:ops", OperationPath: "SetTemperature",
			Risk: policy.RiskHigh,
		},
		"EmergencyStop": {
			Name: "EmergencyStop", SubmodelID: "urn:sm:ops", OperationPath: "EmergencyStop",
			Risk: policy.RiskCritical,
		},
		"GetStatus": {
			Name: "GetStatus", SubmodelID: "urn:sm:ops", OperationPath: "GetStatus",
			Risk: policy.RiskLow,
		},
	}
}

func testPolicy() *policy.Document {
	return &policy.Document{
		RequireSimulationForRisk: policy.RiskHigh,
		RequireApprovalForRisk:   policy.RiskCritical,
		RoleBindings: map[string]policy.Binding{
			"operator":   {Allow: []string{"SetSpeed", "SetTemperature", "GetStatus", "EmergencyStop"}},
			"supervisor": {Allow: []string{"*"}},
			"viewer":     {Allow: []string{"GetStatus"}},
		},
		Interlocks: []policy.Interlock{{
			ID: "temp-high",
			DenyWhen: policy.Predicate{
				Submodel: "urn:sm:telemetry", Path: "CurrentTemperature",
				Op: policy.OpGT, Value: 95.0,
			},
			Message: "temperature above safe limit",
		}},
	}
}

func newFixture(t *testing.T, pol PolicyProvider, opts Options) *fixture {
	t.Helper()
	auditPath := filepath.Join(t.TempDir(), "audit.jsonl")
	log, err := audit.Open(auditPath)
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	sh := shadow.New(nil, nil)
	sh.Apply(shadow.Update{Submodel: "urn:sm:telemetry", Path: "CurrentTemperature", Value: 72.0})

	approvals := approval.NewStore(pol, log, approval.Options{TTL: time.Hour})
	t.Cleanup(approvals.Close)

	inv := &fakeInvoker{}
	k := New(pol, testCatalog(), sh, inv, approvals, log, opts)
	approvals.SetResubmit(k.Resubmit)

	return &fixture{kernel: k, invoker: inv, shadow: sh, approvals: approvals, auditPath: auditPath}
}

func (f *fixture) auditEvents(t *testing.T) []audit.Entry {
	t.Helper()
	fh, err := os.Open(f.auditPath)
	require.NoError(t, err)
	defer fh.Close()
	var entries []audit.Entry
	sc := bufio.NewScanner(fh)
	for sc.Scan() {
		var e audit.Entry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		entries = append(entries, e)
	}
	return entries
}

func TestEvaluate_ExecutesAllowedCall(t *testing.T) {
	f := newFixture(t, fixedPolicy{doc: testPolicy()}, Options{})

	dec, err := f.kernel.Evaluate(context.Background(),
		ToolCall{Name: "SetSpeed", Arguments: map[string]any{"rpm": 1200}, IdempotencyKey: "k1"},
		"alice", []string{"operator"})
	require.NoError(t, err)

	assert.Equal(t, OutcomeExecute, dec.Outcome)
	require.Len(t, f.invoker.calls, 1)
	assert.False(t, f.invoker.calls[0].simulate)
	assert.Equal(t, "k1", f.invoker.calls[0].idemKey)
	assert.Equal(t, "urn:sm:ops", f.invoker.calls[0].op.SubmodelID)

	events := f.auditEvents(t)
	require.Len(t, events, 2)
	assert.Equal(t, audit.EventProposed, events[0].Event)
	assert.Equal(t, audit.EventExecuted, events[1].Event)
	assert.NotEmpty(t, events[1].ResultDigest)
}

func TestEvaluate_RBACDeny(t *testing.T) {
	f := newFixture(t, fixedPolicy{doc: testPolicy()}, Options{})

	dec, err := f.kernel.Evaluate(context.Background(),
		ToolCall{Name: "SetSpeed"}, "eve", []string{"viewer"})
	require.NoError(t, err)

	assert.Equal(t, OutcomeDeny, dec.Outcome)
	assert.Equal(t, twinerr.CodeRoleUnauthorized, dec.Code)
	assert.Empty(t, f.invoker.calls)

	events := f.auditEvents(t)
	assert.Equal(t, audit.EventDenied, events[len(events)-1].Event)
	assert.Equal(t, string(twinerr.CodeRoleUnauthorized), events[len(events)-1].Decision)
}

func TestEvaluate_EmptyBindingsAllowEveryone(t *testing.T) {
	pol := testPolicy()
	pol.RoleBindings = nil
	f := newFixture(t, fixedPolicy{doc: pol}, Options{})

	dec, err := f.kernel.Evaluate(context.Background(),
		ToolCall{Name: "SetSpeed"}, "anyone", nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeExecute, dec.Outcome)
}

func TestEvaluate_InterlockDeny(t *testing.T) {
	f := newFixture(t, fixedPolicy{doc: testPolicy()}, Options{})
	f.shadow.Apply(shadow.Update{Submodel: "urn:sm:telemetry", Path: "CurrentTemperature", Value: 97.0})

	dec, err := f.kernel.Evaluate(context.Background(),
		ToolCall{Name: "SetSpeed"}, "alice", []string{"operator"})
	require.NoError(t, err)

	assert.Equal(t, OutcomeDeny, dec.Outcome)
	assert.Equal(t, twinerr.CodeInterlockTriggered, dec.Code)
	assert.Contains(t, dec.Reason, "temp-high")
	assert.Empty(t, f.invoker.calls)
}

func TestEvaluate_InterlockMissingPath(t *testing.T) {
	pol := testPolicy()
	pol.Interlocks[0].DenyWhen.Path = "NoSuchElement"

	// Default: missing value means the predicate cannot hold.
	f := newFixture(t, fixedPolicy{doc: pol}, Options{})
	dec, err := f.kernel.Evaluate(context.Background(),
		ToolCall{Name: "SetSpeed"}, "alice", []string{"operator"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeExecute, dec.Outcome)

	// Fail-safe mode: missing value denies.
	f2 := newFixture(t, fixedPolicy{doc: pol}, Options{InterlockFailSafe: true})
	dec, err = f2.kernel.Evaluate(context.Background(),
		ToolCall{Name: "SetSpeed"}, "alice", []string{"operator"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeny, dec.Outcome)
	assert.Equal(t, twinerr.CodeInterlockTriggered, dec.Code)
}

func TestEvaluate_HighRiskForcesSimulation(t *testing.T) {
	f := newFixture(t, fixedPolicy{doc: testPolicy()}, Options{})

	dec, err := f.kernel.Evaluate(context.Background(),
		ToolCall{Name: "SetTemperature", Arguments: map[string]any{"celsius": 80}},
		"alice", []string{"operator"})
	require.NoError(t, err)

	assert.Equal(t, OutcomeSimulate, dec.Outcome)
	require.Len(t, f.invoker.calls, 1)
	assert.True(t, f.invoker.calls[0].simulate)

	events := f.auditEvents(t)
	assert.Equal(t, audit.EventSimulated, events[len(events)-1].Event)
}

func TestEvaluate_PolicyRiskOverridesSchema(t *testing.T) {
	pol := testPolicy()
	pol.OperationRisk = map[string]policy.RiskLevel{"SetSpeed": policy.RiskHigh}
	f := newFixture(t, fixedPolicy{doc: pol}, Options{})

	dec, err := f.kernel.Evaluate(context.Background(),
		ToolCall{Name: "SetSpeed"}, "alice", []string{"operator"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSimulate, dec.Outcome, "policy raised SetSpeed to HIGH")
}

func TestEvaluate_CriticalRequiresApprovalThenExecutes(t *testing.T) {
	f := newFixture(t, fixedPolicy{doc: testPolicy()}, Options{})
	ctx := context.Background()

	dec, err := f.kernel.Evaluate(ctx,
		ToolCall{Name: "EmergencyStop"}, "alice", []string{"operator"})
	require.NoError(t, err)

	require.Equal(t, OutcomePending, dec.Outcome)
	require.NotEmpty(t, dec.TaskID)
	assert.Empty(t, f.invoker.calls, "held calls must not reach the twin")

	task, err := f.approvals.Approve(ctx, dec.TaskID, "boss", []string{"supervisor"})
	require.NoError(t, err)
	assert.Equal(t, approval.StateApproved, task.State)
	assert.NotEmpty(t, task.Outcome)
	require.Len(t, f.invoker.calls, 1)

	// The executed entry is linked to the approval task.
	events := f.auditEvents(t)
	last := events[len(events)-1]
	assert.Equal(t, audit.EventExecuted, last.Event)
	assert.Equal(t, dec.TaskID, last.TaskID)

	var sawPending, sawApproved bool
	for _, e := range events {
		if e.Event == audit.EventPendingApproval && e.TaskID == dec.TaskID {
			sawPending = true
		}
		if e.Event == audit.EventApproved && e.TaskID == dec.TaskID {
			sawApproved = true
		}
	}
	assert.True(t, sawPending)
	assert.True(t, sawApproved)
}

func TestEvaluate_PolicyFailureDenies(t *testing.T) {
	f := newFixture(t, fixedPolicy{err: twinerr.New(twinerr.CodePolicyUnverified, "bad signature")}, Options{})

	dec, err := f.kernel.Evaluate(context.Background(),
		ToolCall{Name: "SetSpeed"}, "alice", []string{"operator"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeny, dec.Outcome)
	assert.Equal(t, twinerr.CodePolicyUnverified, dec.Code)

	f2 := newFixture(t, fixedPolicy{err: twinerr.New(twinerr.CodePolicyStale, "too old")}, Options{})
	dec, err = f2.kernel.Evaluate(context.Background(),
		ToolCall{Name: "SetSpeed"}, "alice", []string{"operator"})
	require.NoError(t, err)
	assert.Equal(t, twinerr.CodePolicyStale, dec.Code)
}

func TestEvaluate_UnknownTool(t *testing.T) {
	f := newFixture(t, fixedPolicy{doc: testPolicy()}, Options{})
	dec, err := f.kernel.Evaluate(context.Background(),
		ToolCall{Name: "LaunchMissiles"}, "alice", []string{"supervisor"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeny, dec.Outcome)
	assert.Equal(t, twinerr.CodeNotFound, dec.Code)
}

func TestEvaluate_ExecutionFailure(t *testing.T) {
	f := newFixture(t, fixedPolicy{doc: testPolicy()}, Options{})
	f.invoker.err = twinerr.New(twinerr.CodeCircuitOpen, "endpoint down")

	dec, err := f.kernel.Evaluate(context.Background(),
		ToolCall{Name: "SetSpeed"}, "alice", []string{"operator"})
	require.NoError(t, err)

	assert.Equal(t, OutcomeDeny, dec.Outcome)
	assert.Equal(t, twinerr.CodeExecutionFailed, dec.Code)

	events := f.auditEvents(t)
	last := events[len(events)-1]
	assert.Equal(t, audit.EventExecFailed, last.Event)
	assert.Equal(t, "circuit_open", last.Details["code"])
}

func TestPredicateHolds(t *testing.T) {
	p := func(op policy.CompareOp, threshold any) policy.Predicate {
		return policy.Predicate{Submodel: "s", Path: "p", Op: op, Value: threshold}
	}

	assert.True(t, predicateHolds(p(policy.OpGT, 95.0), 97.0))
	assert.False(t, predicateHolds(p(policy.OpGT, 95.0), 95.0))
	assert.True(t, predicateHolds(p(policy.OpGTE, 95.0), 95.0))
	assert.True(t, predicateHolds(p(policy.OpLT, 10), 5.0))
	assert.True(t, predicateHolds(p(policy.OpLTE, "10"), "10"))

	// Numeric strings compare numerically.
	assert.True(t, predicateHolds(p(policy.OpGT, 95.0), "97.5"))

	// Non-numeric values: only equality is meaningful.
	assert.True(t, predicateHolds(p(policy.OpEQ, "running"), "running"))
	assert.True(t, predicateHolds(p(policy.OpNEQ, "running"), "stopped"))
	assert.False(t, predicateHolds(p(policy.OpGT, "running"), "stopped"))
}
