// Package approval holds tool calls that crossed the approval risk
// threshold until a human decides. Tasks are kept in memory; decisions are
// idempotent and terminal states never change.
package approval

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/twinops/twinops/pkg/audit"
	"github.com/twinops/twinops/pkg/policy"
	"github.com/twinops/twinops/pkg/twinerr"
)

// State of a task. pending is the only non-terminal state.
type State string

const (
	StatePending  State = "pending"
	StateApproved State = "approved"
	StateRejected State = "rejected"
	StateExpired  State = "expired"
)

// Call is the held tool call, detached from the kernel's types so the
// approval store stays on the callback side of the dependency.
type Call struct {
	Tool           string         `json:"tool"`
	Arguments      map[string]any `json:"arguments,omitempty"`
	Simulate       bool           `json:"simulate"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// Task is one pending decision and its eventual outcome.
type Task struct {
	ID             string    `json:"id"`
	Call           Call      `json:"call"`
	RequestedBy    string    `json:"requested_by"`
	RequestedRoles []string  `json:"requested_roles,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	State          State     `json:"state"`

	ApprovedBy string    `json:"approved_by,omitempty"`
	ApprovedAt time.Time `json:"approved_at,omitempty"`

	RejectedBy   string    `json:"rejected_by,omitempty"`
	RejectReason string    `json:"reject_reason,omitempty"`
	RejectedAt   time.Time `json:"rejected_at,omitempty"`

	// Outcome is the execution result recorded after an approval was acted
	// on; OutcomeError carries the failure message instead.
	Outcome      json.RawMessage `json:"outcome,omitempty"`
	OutcomeError string          `json:"outcome_error,omitempty"`

	resubmitted bool
}

// PolicyProvider yields the current verified policy for approver checks.
type PolicyProvider interface {
	Current(ctx context.Context) (*policy.Document, error)
}

// ResubmitFunc re-enters the kernel with an approved task. Wired after
// construction because the kernel and the store reference each other.
type ResubmitFunc func(ctx context.Context, t *Task) (json.RawMessage, error)

// Clock is injectable time.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Options configure the store.
type Options struct {
	TTL    time.Duration // default 24h
	Clock  Clock
	Logger *slog.Logger
}

// Store is the in-memory approval queue.
type Store struct {
	mu    sync.Mutex
	tasks map[string]*Task

	ttl      time.Duration
	clock    Clock
	log      *slog.Logger
	auditLog *audit.Log
	policies PolicyProvider
	resubmit ResubmitFunc

	stop     chan struct{}
	stopOnce sync.Once
}

// NewStore builds the store and starts the expiry janitor.
func NewStore(policies PolicyProvider, auditLog *audit.Log, opts Options) *Store {
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.Clock == nil {
		opts.Clock = wallClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Store{
		tasks:    make(map[string]*Task),
		ttl:      opts.TTL,
		clock:    opts.Clock,
		log:      opts.Logger,
		auditLog: auditLog,
		policies: policies,
		stop:     make(chan struct{}),
	}
	go s.janitor()
	return s
}

// SetResubmit installs the kernel callback. Must be called before the
// first Approve.
func (s *Store) SetResubmit(fn ResubmitFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resubmit = fn
}

// Create enqueues a pending task.
func (s *Store) Create(ctx context.Context, call Call, requestedBy string, roles []string) (*Task, error) {
	now := s.clock.Now().UTC()
	t := &Task{
		ID:             uuid.NewString(),
		Call:           call,
		RequestedBy:    requestedBy,
		RequestedRoles: append([]string(nil), roles...),
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.ttl),
		State:          StatePending,
	}
	s.mu.Lock()
	s.tasks[t.ID] = t
	s.mu.Unlock()

	s.log.Info("approval task created",
		"task_id", t.ID, "tool", call.Tool, "requested_by", requestedBy)
	return t.clone(), nil
}

// Get returns a copy of the task.
func (s *Store) Get(id string) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	s.expireLocked(t)
	return t.clone(), true
}

// List returns copies of tasks, filtered by state when given.
func (s *Store) List(state State) []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		s.expireLocked(t)
		if state == "" || t.State == state {
			out = append(out, t.clone())
		}
	}
	return out
}

// Approve records an approval and re-drives the held call through the
// kernel exactly once. Repeating an approval returns the recorded task.
func (s *Store) Approve(ctx context.Context, id, actor string, roles []string) (*Task, error) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return nil, twinerr.New(twinerr.CodeNotFound, "approval task %s not found", id)
	}
	s.expireLocked(t)

	switch t.State {
	case StateApproved:
		cp := t.clone()
		s.mu.Unlock()
		return cp, nil
	case StateRejected, StateExpired:
		cp := t.clone()
		s.mu.Unlock()
		return cp, twinerr.New(twinerr.CodeOperationFailed,
			"approval task %s is already %s", id, cp.State)
	}

	if actor == t.RequestedBy {
		s.mu.Unlock()
		return nil, twinerr.New(twinerr.CodeSelfApproval,
			"requester %s cannot approve their own task", actor)
	}

	doc, err := s.policies.Current(ctx)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if !doc.ApproverAllowed(roles) {
		s.mu.Unlock()
		return nil, twinerr.New(twinerr.CodeForbidden,
			"%s holds no role allowed to approve", actor)
	}

	resubmit := s.resubmit
	t.State = StateApproved
	t.ApprovedBy = actor
	t.ApprovedAt = s.clock.Now().UTC()
	cp := t.clone()
	s.mu.Unlock()

	if err := s.auditLog.Append(&audit.Entry{
		Actor:  actor,
		Roles:  roles,
		Event:  audit.EventApproved,
		Tool:   t.Call.Tool,
		TaskID: t.ID,
	}); err != nil {
		return nil, err
	}

	// The execution runs outside the lock; the approved state above makes
	// a concurrent repeat idempotent rather than a double execution.
	if resubmit != nil && s.markResubmitted(id) {
		outcome, rerr := resubmit(ctx, cp)
		s.mu.Lock()
		if rerr != nil {
			t.OutcomeError = rerr.Error()
		} else {
			t.Outcome = outcome
		}
		cp = t.clone()
		s.mu.Unlock()
		if rerr != nil {
			s.log.Error("approved call failed on resubmission",
				"task_id", id, "tool", t.Call.Tool, "error", rerr)
		}
	}
	return cp, nil
}

// markResubmitted flips the once-flag under the lock.
func (s *Store) markResubmitted(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.resubmitted {
		return false
	}
	t.resubmitted = true
	return true
}

// Reject records a rejection. Repeats return the recorded task.
func (s *Store) Reject(ctx context.Context, id, actor, reason string) (*Task, error) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return nil, twinerr.New(twinerr.CodeNotFound, "approval task %s not found", id)
	}
	s.expireLocked(t)

	switch t.State {
	case StateRejected:
		cp := t.clone()
		s.mu.Unlock()
		return cp, nil
	case StateApproved, StateExpired:
		cp := t.clone()
		s.mu.Unlock()
		return cp, twinerr.New(twinerr.CodeOperationFailed,
			"approval task %s is already %s", id, cp.State)
	}

	t.State = StateRejected
	t.RejectedBy = actor
	t.RejectReason = reason
	t.RejectedAt = s.clock.Now().UTC()
	cp := t.clone()
	s.mu.Unlock()

	if err := s.auditLog.Append(&audit.Entry{
		Actor:   actor,
		Event:   audit.EventRejected,
		Tool:    t.Call.Tool,
		TaskID:  t.ID,
		Details: map[string]any{"reason": reason},
	}); err != nil {
		return nil, err
	}
	return cp, nil
}

// Close stops the janitor.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Store) expireLocked(t *Task) {
	if t.State == StatePending && s.clock.Now().After(t.ExpiresAt) {
		t.State = StateExpired
	}
}

func (s *Store) janitor() {
	tick := time.NewTicker(time.Minute)
	defer tick.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-tick.C:
			s.mu.Lock()
			for _, t := range s.tasks {
				s.expireLocked(t)
			}
			s.mu.Unlock()
		}
	}
}

func (t *Task) clone() *Task {
	cp := *t
	cp.RequestedRoles = append([]string(nil), t.RequestedRoles...)
	if t.Call.Arguments != nil {
		args := make(map[string]any, len(t.Call.Arguments))
		for k, v := range t.Call.Arguments {
			args[k] = v
		}
		cp.Call.Arguments = args
	}
	if t.Outcome != nil {
		cp.Outcome = append(json.RawMessage(nil), t.Outcome...)
	}
	return &cp
}
