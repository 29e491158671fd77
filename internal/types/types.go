// Package types provides shared type definitions used across franklab
// components. This package exists to break import cycles between the bus,
// the Doctor, and the workers. Types here are foundational data structures
// with no complex dependencies.
package types

import (
	"time"
)

// Action is a plan step verb. The set is closed; the compiler never emits
// anything outside it and executors reject anything outside it.
type Action string

const (
	ActionLaunch     Action = "launch"
	ActionNavigate   Action = "navigate"
	ActionClick      Action = "click"
	ActionType       Action = "type"
	ActionSelect     Action = "select"
	ActionScreenshot Action = "screenshot"
	ActionWait       Action = "wait"
	ActionVerify     Action = "verify"
	ActionClose      Action = "close"
)

// allActions is the closed action set.
var allActions = map[Action]bool{
	ActionLaunch:     true,
	ActionNavigate:   true,
	ActionClick:      true,
	ActionType:       true,
	ActionSelect:     true,
	ActionScreenshot: true,
	ActionWait:       true,
	ActionVerify:     true,
	ActionClose:      true,
}

// Valid reports whether a is in the closed action set.
func (a Action) Valid() bool {
	return allActions[a]
}

// DefaultTimeout returns the recommended per-action timeout.
func (a Action) DefaultTimeout() time.Duration {
	switch a {
	case ActionNavigate, ActionLaunch:
		return 30 * time.Second
	case ActionVerify:
		return 10 * time.Second
	case ActionClick, ActionType, ActionSelect:
		return 5 * time.Second
	default:
		return 10 * time.Second
	}
}

// DefaultRetries returns the per-action retry budget ceiling. The effective
// budget for a step is min(step.Retries, action default).
func (a Action) DefaultRetries() int {
	switch a {
	case ActionClick, ActionType, ActionSelect:
		return 2
	case ActionNavigate, ActionVerify:
		return 1
	default:
		return 0
	}
}

// Step is a single browser action within a plan.
type Step struct {
	Action    Action         `json:"action"`
	Params    map[string]any `json:"params,omitempty"`
	TimeoutMs int            `json:"timeoutMs,omitempty"`
	Retries   int            `json:"retries,omitempty"`
}

// Timeout returns the step timeout, falling back to the action default.
func (s Step) Timeout() time.Duration {
	if s.TimeoutMs > 0 {
		return time.Duration(s.TimeoutMs) * time.Millisecond
	}
	return s.Action.DefaultTimeout()
}

// StringParam returns a string parameter, or "" if absent or not a string.
func (s Step) StringParam(key string) string {
	v, _ := s.Params[key].(string)
	return v
}

// BoolParam returns a bool parameter, false if absent.
func (s Step) BoolParam(key string) bool {
	v, _ := s.Params[key].(bool)
	return v
}

// Route identifies one user-flow variant of a branching intent.
type Route struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Selector string `json:"selector,omitempty"`
	Value    string `json:"value,omitempty"`
}

// Plan is a compiled, ordered sequence of browser actions derived from an
// intent. Plans are immutable after compilation.
type Plan struct {
	ID              string    `json:"id"`
	Intent          string    `json:"intent"`
	Steps           []Step    `json:"steps"`
	ExpectedOutcome string    `json:"expectedOutcome,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	ParentPlanID    string    `json:"parentPlanId,omitempty"`
	Route           *Route    `json:"route,omitempty"`
}

// PlanStatus is the lifecycle state of a plan on the Doctor side.
type PlanStatus string

const (
	PlanPending   PlanStatus = "pending"
	PlanExecuting PlanStatus = "executing"
	PlanCompleted PlanStatus = "completed"
	PlanFailed    PlanStatus = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s PlanStatus) Terminal() bool {
	return s == PlanCompleted || s == PlanFailed
}

// StepResult records the outcome of one executed step.
type StepResult struct {
	Index      int    `json:"index"`
	Success    bool   `json:"success"`
	Skipped    bool   `json:"skipped,omitempty"`
	Result     any    `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// PlanState is the Doctor-side mutable state of a plan. Status progresses
// monotonically except for the failed -> pending retry transition, which is
// only legal when a tool creation is causally linked to one of the
// accumulated errors (see doctor.failureTracker).
type PlanState struct {
	Plan        *Plan        `json:"plan"`
	Status      PlanStatus   `json:"status"`
	CurrentStep int          `json:"currentStep"`
	StepResults []StepResult `json:"stepResults,omitempty"`
	Errors      []string     `json:"errors,omitempty"`
	AssignedTo  string       `json:"assignedTo,omitempty"`
	CompletedAt time.Time    `json:"completedAt,omitzero"`
}

// BranchStatus is the aggregate state of a branching plan. It is a pure
// function of the children's terminal states.
type BranchStatus string

const (
	BranchPending   BranchStatus = "pending"
	BranchExecuting BranchStatus = "executing"
	BranchCompleted BranchStatus = "completed"
	BranchPartial   BranchStatus = "partial"
	BranchFailed    BranchStatus = "failed"
)

// RouteResult records one child route's terminal outcome.
type RouteResult struct {
	Success bool   `json:"success"`
	Result  string `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// BranchingPlan is the parent container for per-route child plans executed
// concurrently by distinct workers.
type BranchingPlan struct {
	ID           string                 `json:"id"`
	Description  string                 `json:"description"`
	Intent       string                 `json:"intent"`
	Routes       []Route                `json:"routes"`
	ChildPlanIDs []string               `json:"childPlanIds"`
	RouteResults map[string]RouteResult `json:"routeResults"`
	Status       BranchStatus           `json:"status"`
	CreatedAt    time.Time              `json:"createdAt"`
}

// AggregateStatus computes the parent status from terminal child results.
// completed: every child terminal and succeeded; failed: every child terminal
// and failed; partial: every child terminal with mixed outcomes. While any
// child is outstanding the status stays executing.
func (b *BranchingPlan) AggregateStatus() BranchStatus {
	if len(b.ChildPlanIDs) == 0 {
		return b.Status
	}
	if len(b.RouteResults) < len(b.ChildPlanIDs) {
		return BranchExecuting
	}
	succeeded := 0
	for _, r := range b.RouteResults {
		if r.Success {
			succeeded++
		}
	}
	switch succeeded {
	case len(b.RouteResults):
		return BranchCompleted
	case 0:
		return BranchFailed
	default:
		return BranchPartial
	}
}

// IgorStatus is the scheduler's view of a worker.
type IgorStatus string

const (
	IgorIdle    IgorStatus = "idle"
	IgorBusy    IgorStatus = "busy"
	IgorUnknown IgorStatus = "unknown"
)

// IgorInstance tracks one worker in the Doctor's table. Invariant: at any
// instant a plan id appears in at most one instance's CurrentPlanID.
type IgorInstance struct {
	ID            string     `json:"id"`
	Status        IgorStatus `json:"status"`
	CurrentPlanID string     `json:"currentPlanId,omitempty"`
	Completed     int        `json:"completed"`
	Failed        int        `json:"failed"`
	Route         *Route     `json:"route,omitempty"`
	RegisteredAt  time.Time  `json:"registeredAt"`
	LastSeen      time.Time  `json:"lastSeen"`
}

// DefaultIgorID is the id of the statically started worker. Route workers
// are named "igor-<routeId>".
const DefaultIgorID = "igor"

// IgorIDForRoute returns the worker id for a route-specialized Igor.
func IgorIDForRoute(routeID string) string {
	if routeID == "" {
		return DefaultIgorID
	}
	return DefaultIgorID + "-" + routeID
}
