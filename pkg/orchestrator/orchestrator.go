// Package orchestrator runs the request loop: rank the catalog, let the
// selector propose calls, validate them, and push each through the safety
// kernel in order.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/twinops/twinops/pkg/capability"
	"github.com/twinops/twinops/pkg/kernel"
	"github.com/twinops/twinops/pkg/selector"
	"github.com/twinops/twinops/pkg/twinerr"
)

// Request is one operator message.
type Request struct {
	Message        string   `json:"message"`
	Actor          string   `json:"actor"`
	Roles          []string `json:"roles,omitempty"`
	Simulate       bool     `json:"simulate,omitempty"`
	IdempotencyKey string   `json:"idempotency_key,omitempty"`
}

// Tool result statuses.
const (
	StatusCompleted       = "completed"
	StatusDenied          = "denied"
	StatusSimulatedOnly   = "simulated_only"
	StatusPendingApproval = "pending_approval"
	StatusFailed          = "failed"
)

// ToolResult reports one call's fate. Error carries the stable taxonomy
// code; Reason is the human-readable explanation.
type ToolResult struct {
	Tool      string         `json:"tool"`
	Status    string         `json:"status"`
	Success   bool           `json:"success"`
	Simulated bool           `json:"simulated,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	Reason    string         `json:"reason,omitempty"`
}

// Response is the assembled answer.
type Response struct {
	Reply           string       `json:"reply"`
	ToolResults     []ToolResult `json:"tool_results,omitempty"`
	PendingApproval bool         `json:"pending_approval,omitempty"`
	TaskID          string       `json:"task_id,omitempty"`
}

// Validator checks call arguments; implemented by schema.Validator.
type Validator interface {
	Validate(tool string, args map[string]any) error
}

// Evaluator is the kernel surface the loop needs.
type Evaluator interface {
	Evaluate(ctx context.Context, call kernel.ToolCall, actor string, roles []string) (kernel.Decision, error)
}

// Options for the orchestrator.
type Options struct {
	TopK           int           // tools offered to the selector, default 5
	RequestTimeout time.Duration // per-request deadline, default 60s
	RatePerSec     float64       // requests per second, default 2
	RateBurst      int           // default 5
	MaxConcurrent  int64         // in-flight kernel evaluations, default 8
	Logger         *slog.Logger
}

// Orchestrator drives requests end to end.
type Orchestrator struct {
	index     *capability.Index
	selector  selector.Selector
	validator Validator
	kernel    Evaluator
	limiter   *rate.Limiter
	sem       *semaphore.Weighted
	timeout   time.Duration
	topK      int
	log       *slog.Logger
}

// New wires the orchestrator.
func New(index *capability.Index, sel selector.Selector, validator Validator, k Evaluator, opts Options) *Orchestrator {
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 2
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 5
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 8
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Orchestrator{
		index:     index,
		selector:  sel,
		validator: validator,
		kernel:    k,
		limiter:   rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.RateBurst),
		sem:       semaphore.NewWeighted(opts.MaxConcurrent),
		timeout:   opts.RequestTimeout,
		topK:      opts.TopK,
		log:       opts.Logger,
	}
}

// Handle processes one request. Calls run sequentially in selector order;
// the first denial or pending approval stops the rest.
func (o *Orchestrator) Handle(ctx context.Context, req Request) (*Response, error) {
	if !o.limiter.Allow() {
		return nil, twinerr.New(twinerr.CodeOperationFailed, "request rate limit exceeded")
	}
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	// Offer the selector only the most relevant slice of the catalog;
	// when nothing scores, fall back to the whole catalog so exact-name
	// commands still resolve.
	hits := o.index.Search(req.Message, o.topK)
	tools := o.index.All()
	if len(hits) > 0 {
		tools = tools[:0]
		for _, h := range hits {
			tools = append(tools, h.Spec)
		}
	}

	sel, err := o.selector.Select(ctx, req.Message, tools)
	if err != nil {
		return nil, twinerr.Wrap(twinerr.CodeOperationFailed, err, "selector failed")
	}
	if len(sel.Calls) == 0 {
		return &Response{Reply: sel.Reply}, nil
	}

	resp := &Response{}
	for i, call := range sel.Calls {
		tr := o.runCall(ctx, req, call, i, len(sel.Calls))
		resp.ToolResults = append(resp.ToolResults, tr)
		if tr.Status == StatusPendingApproval {
			resp.PendingApproval = true
			resp.TaskID = tr.Result["task_id"].(string)
		}
		if tr.Status != StatusCompleted && tr.Status != StatusSimulatedOnly {
			break
		}
	}

	resp.Reply = buildReply(sel.Reply, resp.ToolResults)
	return resp, nil
}

func (o *Orchestrator) runCall(ctx context.Context, req Request, call selector.ToolCall, i, total int) ToolResult {
	tr := ToolResult{Tool: call.Name}

	if err := o.validator.Validate(call.Name, call.Arguments); err != nil {
		tr.Status = StatusFailed
		tr.Error = string(twinerr.CodeOf(err))
		tr.Reason = err.Error()
		return tr
	}

	if err := o.sem.Acquire(ctx, 1); err != nil {
		tr.Status = StatusFailed
		tr.Error = "request deadline exceeded while waiting for an execution slot"
		return tr
	}
	defer o.sem.Release(1)

	idemKey := req.IdempotencyKey
	if idemKey != "" && total > 1 {
		idemKey = fmt.Sprintf("%s-%d", idemKey, i)
	}

	dec, err := o.kernel.Evaluate(ctx, kernel.ToolCall{
		Name:              call.Name,
		Arguments:         call.Arguments,
		RequestedSimulate: call.Simulate || req.Simulate,
		IdempotencyKey:    idemKey,
	}, req.Actor, req.Roles)
	if err != nil {
		o.log.Error("kernel evaluation failed", "tool", call.Name, "error", err)
		tr.Status = StatusFailed
		tr.Error = err.Error()
		return tr
	}

	switch dec.Outcome {
	case kernel.OutcomeExecute:
		tr.Status = StatusCompleted
		tr.Success = true
		tr.Result = dec.Result.Outputs
	case kernel.OutcomeSimulate:
		tr.Status = StatusSimulatedOnly
		tr.Success = true
		tr.Simulated = true
		tr.Result = dec.Result.Outputs
	case kernel.OutcomePending:
		tr.Status = StatusPendingApproval
		tr.Result = map[string]any{"task_id": dec.TaskID}
	case kernel.OutcomeDeny:
		tr.Status = StatusDenied
		tr.Error = string(dec.Code)
		tr.Reason = dec.Reason
	}
	return tr
}

// buildReply assembles the operator-facing summary.
func buildReply(selectorReply string, results []ToolResult) string {
	var parts []string
	if selectorReply != "" {
		parts = append(parts, selectorReply)
	}
	for _, tr := range results {
		switch tr.Status {
		case StatusCompleted:
			parts = append(parts, fmt.Sprintf("%s completed.", tr.Tool))
		case StatusSimulatedOnly:
			parts = append(parts, fmt.Sprintf("%s ran in simulation only.", tr.Tool))
		case StatusPendingApproval:
			parts = append(parts, fmt.Sprintf("%s is waiting for approval.", tr.Tool))
		case StatusDenied:
			why := tr.Reason
			if why == "" {
				why = tr.Error
			}
			parts = append(parts, fmt.Sprintf("%s was denied: %s", tr.Tool, why))
		case StatusFailed:
			parts = append(parts, fmt.Sprintf("%s failed: %s", tr.Tool, tr.Error))
		}
	}
	if len(parts) == 0 {
		return "Nothing to do."
	}
	return strings.Join(parts, " ")
}
