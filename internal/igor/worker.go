// Package igor implements the executor worker: it accepts plan submissions,
// drives steps against Frank's browser surface, attempts dynamic-tool
// repairs on failure, and reports per-step progress back over the bus.
package igor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"franklab/internal/bus"
	"franklab/internal/config"
	"franklab/internal/types"
)

// Version announced on registration.
const Version = "1.0.0"

// planDeadline bounds one full plan execution.
const planDeadline = 120 * time.Second

// execution is the in-flight plan. One per worker, strictly.
type execution struct {
	plan      *types.Plan
	bag       types.ToolBag
	resume    int
	sessionID string
	results   []types.StepResult
	cancel    context.CancelFunc
	cancelled bool
}

// Worker is one Igor instance. The default worker accepts any plan;
// route-specialized workers ("igor-<routeId>") accept only plans bound to
// their route.
type Worker struct {
	id      string
	routeID string
	client  *bus.Client
	log     *zap.Logger

	mu      sync.Mutex
	current *execution
}

// New builds a worker and wires its bus handlers.
func New(cfg config.Igor, common config.Common, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	id := cfg.ID
	if cfg.RouteID != "" {
		id = types.IgorIDForRoute(cfg.RouteID)
	}
	w := &Worker{
		id:      id,
		routeID: cfg.RouteID,
		log:     log.Named("igor").With(zap.String("id", id)),
	}
	w.client = bus.NewClient(bus.ClientOptions{
		ID:               id,
		Version:          Version,
		URL:              common.BridgeURL,
		Token:            common.AuthToken,
		Logger:           log,
		ReconnectInitial: common.ReconnectInitial(),
		ReconnectMax:     common.ReconnectMax(),
		MaxAttempts:      common.ReconnectMaxAttempts,
	})
	w.client.Handle(bus.TypePlanSubmit, w.handleSubmit)
	w.client.Handle(bus.TypePlanCancel, w.handleCancel)
	w.client.Handle(bus.TypeToolCreated, w.handleToolCreated)
	w.client.Handle(bus.TypeVersionAnnounce, func(context.Context, *bus.Message) {})
	w.client.Handle(bus.TypeEventConsole, func(context.Context, *bus.Message) {})
	w.client.Handle(bus.TypeEventError, func(context.Context, *bus.Message) {})
	return w
}

// Run serves until ctx is cancelled, then announces a clean exit.
func (w *Worker) Run(ctx context.Context) error {
	err := w.client.Run(ctx)
	// Best-effort: the connection may already be gone.
	exitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = w.client.Emit(exitCtx, bus.ComponentDoctor, bus.TypeIgorExited, bus.IgorExitedPayload{
		ID:      w.id,
		RouteID: w.routeID,
	})
	return err
}

func (w *Worker) handleSubmit(ctx context.Context, msg *bus.Message) {
	var req bus.PlanSubmitPayload
	if err := msg.Decode(&req); err != nil || req.Plan == nil {
		w.replyError(ctx, msg, types.NewError(types.KindValidationFailed, "malformed plan submission"))
		return
	}
	plan := req.Plan

	if w.routeID != "" && (plan.Route == nil || plan.Route.ID != w.routeID) {
		w.replyError(ctx, msg, types.Errorf(types.KindValidationFailed,
			"worker %s only accepts plans for route %s", w.id, w.routeID))
		return
	}

	w.mu.Lock()
	if w.current != nil {
		w.mu.Unlock()
		w.replyError(ctx, msg, types.Errorf(types.KindOverload, "worker %s is busy", w.id))
		return
	}
	execCtx, cancel := context.WithTimeout(context.Background(), planDeadline)
	exec := &execution{
		plan:    plan,
		bag:     req.ToolBag,
		resume:  req.ResumeFromStep,
		results: make([]types.StepResult, len(plan.Steps)),
		cancel:  cancel,
	}
	if exec.resume < 0 {
		exec.resume = 0
	}
	if exec.resume > len(plan.Steps) {
		exec.resume = len(plan.Steps)
	}
	// Steps before the resume point succeeded in a previous run; carry them
	// into the final results as skipped successes.
	for i := 0; i < exec.resume; i++ {
		exec.results[i] = types.StepResult{Index: i, Success: true, Skipped: true}
	}
	w.current = exec
	w.mu.Unlock()

	if reply, err := msg.Reply(w.id, bus.TypePlanAccepted, bus.PlanAcceptedPayload{PlanID: plan.ID}); err == nil {
		_ = w.client.Send(ctx, reply)
	}
	w.log.Info("plan accepted", zap.String("plan", plan.ID), zap.Int("steps", len(plan.Steps)))

	go w.execute(execCtx, exec)
}

// handleCancel aborts the matching in-flight plan. Cancelling a plan this
// worker is not executing (already terminal) is a no-op success.
func (w *Worker) handleCancel(ctx context.Context, msg *bus.Message) {
	var req bus.PlanCancelPayload
	if err := msg.Decode(&req); err != nil {
		w.replyError(ctx, msg, types.NewError(types.KindValidationFailed, "malformed cancel"))
		return
	}
	w.mu.Lock()
	exec := w.current
	if exec != nil && exec.plan.ID == req.PlanID {
		exec.cancelled = true
		exec.cancel()
	}
	w.mu.Unlock()

	if reply, err := msg.Reply(w.id, bus.TypePlanAccepted, bus.PlanAcceptedPayload{PlanID: req.PlanID}); err == nil {
		_ = w.client.Send(ctx, reply)
	}
}

// execute runs the step loop and always terminates the plan with exactly one
// plan.completed.
func (w *Worker) execute(ctx context.Context, exec *execution) {
	defer exec.cancel()

	plan := exec.plan
	success := true
	var finalErr string

	for i := exec.resume; i < len(plan.Steps); i++ {
		if ctx.Err() != nil {
			success = false
			finalErr = "cancelled"
			break
		}
		step := plan.Steps[i]
		w.emit(ctx, bus.TypeStepStarted, bus.StepStartedPayload{
			PlanID:    plan.ID,
			StepIndex: i,
			Action:    step.Action,
		})

		result, err := w.runStepWithRetries(ctx, exec, i, step)
		exec.results[i] = result
		if err != nil {
			success = false
			finalErr = err.Error()
			break
		}
	}

	w.mu.Lock()
	cancelled := exec.cancelled
	w.current = nil
	w.mu.Unlock()

	if cancelled {
		success = false
		finalErr = "cancelled"
	}
	w.emit(context.Background(), bus.TypePlanCompleted, bus.PlanCompletedPayload{
		PlanID:    plan.ID,
		Success:   success,
		Cancelled: cancelled,
		Error:     finalErr,
		Results:   exec.results,
	})
	w.log.Info("plan finished", zap.String("plan", plan.ID), zap.Bool("success", success))
}

// runStepWithRetries executes one step under its retry budget. After the
// first failure it may attempt a single Frank dynamic-tool repair; each
// retry is announced with step.retrying and backs off exponentially with
// jitter.
func (w *Worker) runStepWithRetries(ctx context.Context, exec *execution, index int, step types.Step) (types.StepResult, error) {
	budget := step.Action.DefaultRetries()
	if step.Retries > 0 && step.Retries < budget {
		budget = step.Retries
	}

	toolUsed := ""
	var lastErr error
	for attempt := 0; ; attempt++ {
		start := time.Now()
		result, err := w.runStep(ctx, exec, step)
		elapsed := time.Since(start)

		if err == nil {
			sr := types.StepResult{
				Index:      index,
				Success:    true,
				Result:     result,
				DurationMs: elapsed.Milliseconds(),
			}
			w.emit(ctx, bus.TypeStepCompleted, bus.StepCompletedPayload{
				PlanID:     exec.plan.ID,
				StepIndex:  index,
				Result:     result,
				DurationMs: elapsed.Milliseconds(),
			})
			return sr, nil
		}
		lastErr = err

		terr, ok := err.(*types.Error)
		if !ok {
			terr = types.WrapError(types.KindUnexpected, string(step.Action), err)
		}
		w.emit(ctx, bus.TypeStepFailed, bus.StepFailedPayload{
			PlanID:    exec.plan.ID,
			StepIndex: index,
			Action:    step.Action,
			Selector:  step.StringParam("selector"),
			Error:     terr,
		})

		retriesLeft := budget - attempt
		if retriesLeft <= 0 || !terr.Kind.Retryable() || ctx.Err() != nil {
			w.emitThought(ctx, exec.plan.ID, step, terr)
			break
		}

		// One repair attempt per step, before the first retry.
		if toolUsed == "" && attempt == 0 {
			toolUsed = w.attemptRepair(ctx, exec, terr)
		}

		delay := retryBackoff(attempt + 1)
		w.emit(ctx, bus.TypeStepRetrying, bus.StepRetryingPayload{
			PlanID:        exec.plan.ID,
			StepIndex:     index,
			Attempt:       attempt + 1,
			BackoffMs:     delay.Milliseconds(),
			RetriesLeft:   retriesLeft - 1,
			FrankToolUsed: toolUsed,
		})
		select {
		case <-ctx.Done():
			return types.StepResult{Index: index, Error: "cancelled"}, ctx.Err()
		case <-time.After(delay):
		}
	}

	return types.StepResult{
		Index: index,
		Error: lastErr.Error(),
	}, lastErr
}

// attemptRepair invokes at most one applicable dynamic tool from the bag and
// returns its name, or "" when nothing applied.
func (w *Worker) attemptRepair(ctx context.Context, exec *execution, stepErr *types.Error) string {
	tool := pickRepairTool(exec.bag, stepErr.Kind)
	if tool == nil {
		return ""
	}
	target := tool.ToolID
	if target == "" {
		target = tool.Name
	}
	w.log.Info("attempting tool repair",
		zap.String("tool", tool.Name), zap.String("kind", string(stepErr.Kind)))
	_, err := w.client.Request(ctx, bus.ComponentFrank, bus.TypeToolInvoke, bus.ToolInvokePayload{
		ToolID: target,
		Params: map[string]any{
			"error":     stepErr.Detail,
			"selector":  stepErr.Context["selector"],
			"sessionId": exec.sessionID,
		},
	}, 30*time.Second)
	if err != nil {
		w.log.Warn("tool repair failed", zap.String("tool", tool.Name), zap.Error(err))
	}
	return tool.Name
}

// handleToolCreated observes the Doctor's new-tool broadcast. The bag for an
// in-flight plan is fixed at submission and the next submission carries the
// new tool, so this is informational only.
func (w *Worker) handleToolCreated(_ context.Context, msg *bus.Message) {
	var p bus.ToolCreatedPayload
	if err := msg.Decode(&p); err != nil {
		return
	}
	w.log.Debug("new dynamic tool available", zap.String("tool", p.Name))
}

// emitThought surfaces the worker's repair reasoning to Doctor. Advisory
// only.
func (w *Worker) emitThought(ctx context.Context, planID string, step types.Step, stepErr *types.Error) {
	prompt := fmt.Sprintf("step %s failed with %s; what would fix it?", step.Action, stepErr.Kind)
	thought := thoughtFor(stepErr.Kind)
	if thought == "" {
		return
	}
	_ = w.client.Emit(ctx, bus.ComponentDoctor, bus.TypeIgorThought, bus.IgorThoughtPayload{
		PlanID:  planID,
		Prompt:  prompt,
		Thought: thought,
		Context: bus.ThoughtContext{Action: step.Action, Error: stepErr.Detail},
	})
}

func thoughtFor(kind types.Kind) string {
	switch kind {
	case types.KindElementNotFound:
		return "the selector may be stale; a resilient selector strategy or an explicit visibility wait could help"
	case types.KindBrowserTimeout:
		return "the page is slow; waiting for network idle before interacting could help"
	case types.KindNavigationFailed:
		return "navigation did not settle; retrying after a network check could help"
	default:
		return ""
	}
}

func (w *Worker) emit(ctx context.Context, typ string, payload any) {
	if err := w.client.Emit(ctx, bus.ComponentDoctor, typ, payload); err != nil {
		w.log.Debug("emit failed", zap.String("type", typ), zap.Error(err))
	}
}

func (w *Worker) replyError(ctx context.Context, msg *bus.Message, terr *types.Error) {
	reply, err := msg.Reply(w.id, bus.TypeError, bus.ErrorPayload{Error: terr})
	if err != nil {
		return
	}
	_ = w.client.Send(ctx, reply)
}
