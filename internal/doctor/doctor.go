package doctor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"franklab/internal/bus"
	"franklab/internal/config"
	"franklab/internal/types"
)

// Version announced on registration.
const Version = "1.0.0"

// spawnAckWindow bounds how long a branching submission waits for a
// route worker's version.announce before falling back to the default Igor.
const spawnAckWindow = 5 * time.Second

// Service is the Doctor component: plan compiler, branching detector,
// scheduler, failure tracker, tool-creation loop, and restart coordinator.
type Service struct {
	cfg     config.Doctor
	log     *zap.Logger
	client  *bus.Client
	comp    *Compiler
	store   *planStore
	igors   *igorTable
	tracker *failureTracker
	bags    *bagSelector
	frank   *restarter
	metrics *metrics
	start   time.Time

	// pendingSubmits maps plan.submit message ids to plan ids so an
	// undeliverable reply can fail the right plan.
	submitMu       sync.Mutex
	pendingSubmits map[string]string
}

// New assembles the service.
func New(cfg config.Doctor, common config.Common, log *zap.Logger) (*Service, error) {
	if log == nil {
		log = zap.NewNop()
	}

	store, err := newPlanStore(cfg.StateDir, log)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:            cfg,
		log:            log,
		comp:           NewCompiler(cfg.AllowLocalhost),
		store:          store,
		igors:          newIgorTable(),
		tracker:        newFailureTracker(cfg.FailureThreshold, cfg.ToolCreationEnabled, log),
		bags:           &bagSelector{},
		metrics:        newMetrics(),
		start:          time.Now(),
		pendingSubmits: make(map[string]string),
	}

	s.client = bus.NewClient(bus.ClientOptions{
		ID:               bus.ComponentDoctor,
		Version:          Version,
		URL:              common.BridgeURL,
		Token:            common.AuthToken,
		Logger:           log,
		ReconnectInitial: common.ReconnectInitial(),
		ReconnectMax:     common.ReconnectMax(),
		MaxAttempts:      common.ReconnectMaxAttempts,
	})

	s.frank = newRestarter(cfg.FrankURL, cfg.FrankSpawnCommand, log)
	s.frank.sendShutdown = func(ctx context.Context, reason string) error {
		return s.client.Emit(ctx, bus.ComponentFrank, bus.TypeShutdown, bus.ShutdownPayload{Reason: reason})
	}
	s.frank.resyncTools = func(ctx context.Context) error {
		tools, err := s.frank.FetchTools(ctx)
		if err != nil {
			return err
		}
		s.bags.SetDynamicTools(tools)
		return nil
	}

	s.registerHandlers()
	s.client.OnConnect(func(ctx context.Context) {
		// Best effort; Frank may not be up yet.
		if err := s.frank.resyncTools(ctx); err != nil {
			s.log.Debug("initial tool resync failed", zap.Error(err))
		}
	})
	return s, nil
}

// Run serves until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.client.Run(gCtx) })
	g.Go(func() error { return s.sweepLoop(gCtx) })
	g.Go(func() error {
		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", s.cfg.Port),
			Handler:           NewServer(s).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		errCh := make(chan error, 1)
		go func() { errCh <- server.ListenAndServe() }()
		select {
		case err := <-errCh:
			return err
		case <-gCtx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
			return gCtx.Err()
		}
	})
	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *Service) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PlanCleanupInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := s.store.Sweep(s.cfg.PlanTTL()); n > 0 {
				s.log.Info("evicted expired plans", zap.Int("count", n))
			}
			s.metrics.activePlans.Set(float64(s.store.ActiveCount()))
		}
	}
}

// BusConnected reports bridge connectivity for /health.
func (s *Service) BusConnected() bool {
	return s.client.Connected()
}

func (s *Service) registerHandlers() {
	s.client.Handle(bus.TypePlanAccepted, s.handlePlanAccepted)
	s.client.Handle(bus.TypePlanCompleted, s.handlePlanCompleted)
	s.client.Handle(bus.TypeStepStarted, s.handleStepStarted)
	s.client.Handle(bus.TypeStepCompleted, s.handleStepCompleted)
	s.client.Handle(bus.TypeStepFailed, s.handleStepFailed)
	s.client.Handle(bus.TypeStepRetrying, s.handleStepRetrying)
	s.client.Handle(bus.TypeIgorThought, s.handleThought)
	s.client.Handle(bus.TypeIgorExited, s.handleIgorExited)
	s.client.Handle(bus.TypeToolCreated, s.handleToolCreated)
	s.client.Handle(bus.TypeToolError, s.handleToolError)
	s.client.Handle(bus.TypeVersionAnnounce, s.handleAnnounce)
	s.client.Handle(bus.TypeUndeliverable, s.handleUndeliverable)
	s.client.Handle(bus.TypeSlowConsumer, func(context.Context, *bus.Message) {})
	s.client.Handle(bus.TypeEventConsole, func(context.Context, *bus.Message) {})
	s.client.Handle(bus.TypeEventError, func(context.Context, *bus.Message) {})
}

// RouteAssignment is one route's worker binding in a branching submission.
type RouteAssignment struct {
	RouteID    string `json:"routeId"`
	PlanID     string `json:"planId"`
	AssignedTo string `json:"assignedTo"`
}

// SubmitResult is the outcome of SubmitIntent, shaped for POST /plan.
type SubmitResult struct {
	Type              string            `json:"type"`
	PlanID            string            `json:"planId,omitempty"`
	Steps             []types.Step      `json:"steps,omitempty"`
	ParentPlanID      string            `json:"parentPlanId,omitempty"`
	BranchDescription string            `json:"branchDescription,omitempty"`
	Routes            []RouteAssignment `json:"routes,omitempty"`
}

// SubmitIntent compiles an intent, detects branching, and dispatches the
// resulting plan(s) to workers.
func (s *Service) SubmitIntent(ctx context.Context, intent, explicitURL string, forceBranching bool) (*SubmitResult, error) {
	intent = types.SanitizeIntent(intent)

	bp := DetectBranch(intent)
	if bp == nil && forceBranching {
		return nil, types.NewError(types.KindValidationFailed, "forceBranching set but no branch point detected")
	}
	if bp != nil {
		return s.submitBranching(ctx, intent, explicitURL, bp)
	}

	plan, err := s.comp.Compile(intent, explicitURL)
	if err != nil {
		return nil, err
	}
	if err := s.admit(1); err != nil {
		return nil, err
	}

	s.store.Put(&types.PlanState{Plan: plan, Status: types.PlanPending})
	s.metrics.plansCreated.Inc()
	s.metrics.activePlans.Set(float64(s.store.ActiveCount()))

	worker := s.igors.GetAvailableIgor()
	if worker == "" {
		s.failPlan(plan.ID, types.NewError(types.KindOverload, "no worker available"))
		return nil, types.NewError(types.KindOverload, "no worker available")
	}
	if err := s.submitToWorker(ctx, plan, worker, 0); err != nil {
		return nil, err
	}
	return &SubmitResult{Type: "standard", PlanID: plan.ID, Steps: plan.Steps}, nil
}

func (s *Service) submitBranching(ctx context.Context, intent, explicitURL string, bp *BranchPoint) (*SubmitResult, error) {
	if err := s.admit(len(bp.Routes)); err != nil {
		return nil, err
	}

	parent := &types.BranchingPlan{
		ID:           uuid.NewString(),
		Description:  bp.Description,
		Intent:       intent,
		Routes:       bp.Routes,
		RouteResults: make(map[string]types.RouteResult),
		Status:       types.BranchExecuting,
		CreatedAt:    time.Now().UTC(),
	}

	plans := make([]*types.Plan, 0, len(bp.Routes))
	for _, route := range bp.Routes {
		plan, err := s.comp.CompileRoute(intent, explicitURL, route, parent.ID)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", route.ID, err)
		}
		parent.ChildPlanIDs = append(parent.ChildPlanIDs, plan.ID)
		plans = append(plans, plan)
	}
	s.store.PutBranch(parent)
	for _, plan := range plans {
		s.store.Put(&types.PlanState{Plan: plan, Status: types.PlanPending})
		s.metrics.plansCreated.Inc()
	}
	s.metrics.activePlans.Set(float64(s.store.ActiveCount()))

	assignments := make([]RouteAssignment, len(bp.Routes))
	var g errgroup.Group
	for i := range bp.Routes {
		route, plan := bp.Routes[i], plans[i]
		idx := i
		g.Go(func() error {
			worker := s.dispatchRoute(ctx, bp, route)
			assignments[idx] = RouteAssignment{RouteID: route.ID, PlanID: plan.ID, AssignedTo: worker}
			if worker == "" {
				err := types.NewError(types.KindOverload, "no worker available for route "+route.ID)
				s.failPlan(plan.ID, err)
				return nil
			}
			if err := s.submitToWorker(ctx, plan, worker, 0); err != nil {
				s.log.Warn("route submission failed",
					zap.String("route", route.ID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	return &SubmitResult{
		Type:              "branching",
		ParentPlanID:      parent.ID,
		BranchDescription: parent.Description,
		Routes:            assignments,
	}, nil
}

// dispatchRoute requests a route-specialized worker and waits a bounded
// window for its announce. On timeout the placeholder stays unknown and the
// plan falls back to route-preference scheduling (usually the default Igor).
func (s *Service) dispatchRoute(ctx context.Context, bp *BranchPoint, route types.Route) string {
	workerID := routeWorkerID(route)
	r := route
	s.igors.Ensure(workerID, &r, types.IgorUnknown)

	_ = s.client.Broadcast(ctx, bus.TypeIgorSpawn, bus.IgorSpawnPayload{
		ID:         workerID,
		Route:      route,
		Conditions: SpawnConditions(bp, route),
	})
	if err := s.spawnIgorProcess(workerID, route); err != nil {
		s.log.Warn("igor spawn failed, falling back",
			zap.String("igor", workerID), zap.Error(err))
		return s.igors.GetIgorForRoute(route.ID)
	}

	deadline := time.Now().Add(spawnAckWindow)
	for time.Now().Before(deadline) {
		if s.igors.Status(workerID) == types.IgorIdle {
			return workerID
		}
		select {
		case <-ctx.Done():
			return s.igors.GetIgorForRoute(route.ID)
		case <-time.After(100 * time.Millisecond):
		}
	}
	s.log.Warn("spawn acknowledgement timed out", zap.String("igor", workerID))
	return s.igors.GetIgorForRoute(route.ID)
}

// spawnIgorProcess starts a detached route worker via IGOR_SPAWN_COMMAND.
func (s *Service) spawnIgorProcess(workerID string, route types.Route) error {
	fields := strings.Fields(s.cfg.IgorSpawnCommand)
	if len(fields) == 0 {
		return types.NewError(types.KindUnexpected, "no igor spawn command configured")
	}
	cmd := exec.Command(fields[0], fields[1:]...)
	cmd.Env = append(os.Environ(),
		"IGOR_ID="+workerID,
		"IGOR_ROUTE="+route.ID,
	)
	if err := cmd.Start(); err != nil {
		return err
	}
	s.log.Info("spawned igor",
		zap.String("igor", workerID), zap.Int("pid", cmd.Process.Pid))
	return cmd.Process.Release()
}

// admit enforces the active-plan cap for n new plans.
func (s *Service) admit(n int) error {
	if s.store.ActiveCount()+n > s.cfg.MaxActivePlans {
		s.metrics.overloadRejected.Inc()
		return types.Errorf(types.KindOverload,
			"active plan limit reached (%d)", s.cfg.MaxActivePlans)
	}
	return nil
}

// submitToWorker sends plan.submit and binds the worker.
func (s *Service) submitToWorker(ctx context.Context, plan *types.Plan, workerID string, resumeFrom int) error {
	bag := s.bags.Select(plan.Intent)
	msg, err := bus.New(s.client.ID(), workerID, bus.TypePlanSubmit, bus.PlanSubmitPayload{
		Plan:                   plan,
		ToolBag:                bag,
		ToolSelectionReasoning: bag.Reasoning,
		ResumeFromStep:         resumeFrom,
	})
	if err != nil {
		return err
	}

	if !s.igors.MarkBusy(workerID, plan.ID) {
		return types.Errorf(types.KindOverload, "worker %s is busy", workerID)
	}
	s.store.Mutate(plan.ID, func(ps *types.PlanState) {
		ps.Status = types.PlanExecuting
		ps.AssignedTo = workerID
		ps.CurrentStep = resumeFrom
	})

	s.submitMu.Lock()
	s.pendingSubmits[msg.ID] = plan.ID
	s.submitMu.Unlock()

	if err := s.client.Send(ctx, msg); err != nil {
		s.igors.MarkDone(workerID, false)
		s.failPlan(plan.ID, types.WrapError(types.KindUndeliverable, "plan.submit", err))
		return err
	}
	s.log.Info("plan submitted",
		zap.String("planId", plan.ID),
		zap.String("igor", workerID),
		zap.Int("steps", len(plan.Steps)),
		zap.Int("resumeFrom", resumeFrom))
	return nil
}

// failPlan force-terminates a plan and propagates into its branching parent.
func (s *Service) failPlan(planID string, cause *types.Error) {
	var parentID, routeID string
	s.store.Mutate(planID, func(ps *types.PlanState) {
		if ps.Status.Terminal() {
			return
		}
		ps.Status = types.PlanFailed
		ps.Errors = append(ps.Errors, cause.Error())
		ps.CompletedAt = time.Now().UTC()
		if ps.Plan.ParentPlanID != "" && ps.Plan.Route != nil {
			parentID, routeID = ps.Plan.ParentPlanID, ps.Plan.Route.ID
		}
	})
	s.metrics.plansCompleted.WithLabelValues("failed").Inc()
	s.metrics.activePlans.Set(float64(s.store.ActiveCount()))
	if parentID != "" {
		s.store.RecordRouteResult(parentID, routeID, types.RouteResult{Error: cause.Error()})
	}
}

func (s *Service) handlePlanAccepted(_ context.Context, msg *bus.Message) {
	var p bus.PlanAcceptedPayload
	if err := msg.Decode(&p); err != nil {
		return
	}
	s.submitMu.Lock()
	delete(s.pendingSubmits, msg.CorrelationID)
	s.submitMu.Unlock()
	s.log.Debug("plan accepted",
		zap.String("planId", p.PlanID), zap.String("igor", msg.Source))
}

func (s *Service) handlePlanCompleted(_ context.Context, msg *bus.Message) {
	var p bus.PlanCompletedPayload
	if err := msg.Decode(&p); err != nil {
		return
	}
	s.igors.MarkDone(msg.Source, p.Success)

	var parentID, routeID string
	var resultText string
	s.store.Mutate(p.PlanID, func(ps *types.PlanState) {
		if ps.Status.Terminal() {
			return
		}
		if p.Success {
			ps.Status = types.PlanCompleted
		} else {
			ps.Status = types.PlanFailed
			if p.Error != "" {
				ps.Errors = append(ps.Errors, p.Error)
			}
		}
		if len(p.Results) > 0 {
			ps.StepResults = p.Results
			ps.CurrentStep = len(p.Results) - 1
		}
		ps.CompletedAt = time.Now().UTC()
		if ps.Plan.ParentPlanID != "" && ps.Plan.Route != nil {
			parentID, routeID = ps.Plan.ParentPlanID, ps.Plan.Route.ID
		}
		resultText = fmt.Sprintf("%d/%d steps", len(p.Results), len(ps.Plan.Steps))
	})

	outcome := "failed"
	if p.Success {
		outcome = "completed"
	}
	if p.Cancelled {
		outcome = "cancelled"
	}
	s.metrics.plansCompleted.WithLabelValues(outcome).Inc()
	s.metrics.activePlans.Set(float64(s.store.ActiveCount()))
	s.log.Info("plan completed",
		zap.String("planId", p.PlanID),
		zap.Bool("success", p.Success),
		zap.Bool("cancelled", p.Cancelled))

	if parentID != "" {
		status, _ := s.store.RecordRouteResult(parentID, routeID, types.RouteResult{
			Success: p.Success,
			Result:  resultText,
			Error:   p.Error,
		})
		if status != types.BranchExecuting {
			s.log.Info("branching plan settled",
				zap.String("parentId", parentID), zap.String("status", string(status)))
		}
	}
}

func (s *Service) handleStepStarted(_ context.Context, msg *bus.Message) {
	var p bus.StepStartedPayload
	if err := msg.Decode(&p); err != nil {
		return
	}
	s.store.Mutate(p.PlanID, func(ps *types.PlanState) {
		ps.CurrentStep = p.StepIndex
	})
}

func (s *Service) handleStepCompleted(_ context.Context, msg *bus.Message) {
	var p bus.StepCompletedPayload
	if err := msg.Decode(&p); err != nil {
		return
	}
	s.store.Mutate(p.PlanID, func(ps *types.PlanState) {
		ps.StepResults = appendStepResult(ps.StepResults, types.StepResult{
			Index: p.StepIndex, Success: true, Result: p.Result, DurationMs: p.DurationMs,
		})
	})
}

func (s *Service) handleStepRetrying(_ context.Context, msg *bus.Message) {
	var p bus.StepRetryingPayload
	if err := msg.Decode(&p); err != nil {
		return
	}
	s.log.Info("step retrying",
		zap.String("planId", p.PlanID),
		zap.Int("step", p.StepIndex),
		zap.Int("attempt", p.Attempt),
		zap.Int64("backoffMs", p.BackoffMs),
		zap.String("frankTool", p.FrankToolUsed))
}

// handleStepFailed is the entry to the failure-analysis loop: upsert the
// pattern, and when the threshold trips, send tool.create to Frank.
func (s *Service) handleStepFailed(ctx context.Context, msg *bus.Message) {
	var p bus.StepFailedPayload
	if err := msg.Decode(&p); err != nil {
		return
	}
	errText := serializeError(p.Error)
	s.store.Mutate(p.PlanID, func(ps *types.PlanState) {
		ps.CurrentStep = p.StepIndex
		ps.Errors = append(ps.Errors, fmt.Sprintf("step %d (%s): %s", p.StepIndex, p.Action, errText))
		ps.StepResults = appendStepResult(ps.StepResults, types.StepResult{
			Index: p.StepIndex, Success: false, Error: errText,
		})
	})

	req := s.tracker.Record(p.PlanID, p.StepIndex, p.Action, p.Selector, p.Error)
	if req == nil {
		return
	}
	msgOut, err := bus.New(s.client.ID(), bus.ComponentFrank, bus.TypeToolCreate, req.Payload)
	if err != nil {
		return
	}
	s.tracker.TrackRequest(msgOut.ID, p.PlanID, p.StepIndex, req.Pattern.Key, req.Payload.Name)
	if err := s.client.Send(ctx, msgOut); err != nil {
		s.log.Warn("tool.create not sent", zap.Error(err))
		_ = s.tracker.ResolveError(msgOut.ID)
		return
	}
	s.log.Info("tool creation requested",
		zap.String("tool", req.Payload.Name),
		zap.String("pattern", req.Pattern.Key))
}

// handleToolCreated closes the loop: record latency, restart Frank so the
// tool is live, then retry the originating plan from its failing step. The
// failed -> pending transition here is the single legal non-monotonic plan
// transition.
func (s *Service) handleToolCreated(ctx context.Context, msg *bus.Message) {
	var p bus.ToolCreatedPayload
	if err := msg.Decode(&p); err != nil {
		return
	}
	req := s.tracker.ResolveCreated(msg.CorrelationID, p.Name)
	if req == nil {
		// Not one of ours (HTTP-created, or a purged late reply).
		s.bags.AddDynamicTool(p.ID, p.Name)
		return
	}
	s.metrics.toolCreateLatency.Observe(time.Since(req.CreatedAt).Seconds())
	s.bags.AddDynamicTool(p.ID, p.Name)
	_ = s.client.Broadcast(ctx, bus.TypeToolCreated, p)
	s.log.Info("tool created for failure pattern",
		zap.String("tool", p.Name), zap.String("pattern", req.PatternKey))

	started, err := s.frank.Restart(ctx, "activating tool "+p.Name)
	if err != nil {
		s.metrics.restartFailures.Inc()
		s.log.Error("frank restart failed", zap.Error(err))
		return
	}
	if started {
		s.metrics.frankRestarts.Inc()
	}
	s.retryPlan(ctx, req)
}

// retryPlan resets a failed plan to pending at its failing step and
// resubmits it with a refreshed tool bag.
func (s *Service) retryPlan(ctx context.Context, req *types.PendingToolRequest) {
	var plan *types.Plan
	ok := s.store.Mutate(req.PlanID, func(ps *types.PlanState) {
		if ps.Status != types.PlanFailed {
			return
		}
		ps.Status = types.PlanPending
		ps.CurrentStep = req.StepIndex
		ps.CompletedAt = time.Time{}
		plan = ps.Plan
	})
	if !ok || plan == nil {
		s.log.Debug("no failed plan to retry", zap.String("planId", req.PlanID))
		return
	}
	s.metrics.activePlans.Set(float64(s.store.ActiveCount()))

	worker := ""
	if plan.Route != nil {
		worker = s.igors.GetIgorForRoute(plan.Route.ID)
	} else {
		worker = s.igors.GetAvailableIgor()
	}
	if worker == "" {
		s.failPlan(plan.ID, types.NewError(types.KindOverload, "no worker available for retry"))
		return
	}
	if err := s.submitToWorker(ctx, plan, worker, req.StepIndex); err != nil {
		s.log.Warn("plan retry submission failed",
			zap.String("planId", plan.ID), zap.Error(err))
	}
}

func (s *Service) handleToolError(_ context.Context, msg *bus.Message) {
	var p bus.ToolErrorPayload
	if err := msg.Decode(&p); err != nil {
		return
	}
	s.metrics.toolCreateErrors.Inc()
	if req := s.tracker.ResolveError(msg.CorrelationID); req != nil {
		s.log.Warn("tool creation failed, pattern re-eligible",
			zap.String("tool", req.ToolName), zap.String("error", p.Error))
	}
}

func (s *Service) handleThought(_ context.Context, msg *bus.Message) {
	var p bus.IgorThoughtPayload
	if err := msg.Decode(&p); err != nil {
		return
	}
	s.tracker.RecordThought(p)
	s.appendExperience(p)
}

// appendExperience persists remediation hints as JSON lines under the
// experience dir. Advisory data only; failures are ignored.
func (s *Service) appendExperience(p bus.IgorThoughtPayload) {
	if s.cfg.ExperienceDir == "" {
		return
	}
	if err := os.MkdirAll(s.cfg.ExperienceDir, 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(filepath.Join(s.cfg.ExperienceDir, "thoughts.jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	line, err := json.Marshal(p)
	if err != nil {
		return
	}
	f.Write(append(line, '\n'))
}

func (s *Service) handleIgorExited(_ context.Context, msg *bus.Message) {
	var p bus.IgorExitedPayload
	if err := msg.Decode(&p); err != nil {
		return
	}
	heldPlan := s.igors.Remove(p.ID)
	s.log.Warn("igor exited",
		zap.String("igor", p.ID), zap.Int("exitCode", p.ExitCode))
	if heldPlan == "" {
		return
	}
	if ps, ok := s.store.Get(heldPlan); ok && ps.Status == types.PlanExecuting {
		s.failPlan(heldPlan, types.Errorf(types.KindWorkerCrashed,
			"worker %s exited with code %d mid-execution", p.ID, p.ExitCode))
	}
}

func (s *Service) handleAnnounce(ctx context.Context, msg *bus.Message) {
	var p bus.VersionAnnouncePayload
	if err := msg.Decode(&p); err != nil {
		return
	}
	switch {
	case strings.HasPrefix(p.ID, types.DefaultIgorID):
		s.igors.MarkAnnounced(p.ID)
		s.log.Info("igor announced",
			zap.String("igor", p.ID), zap.String("version", p.Version))
	case p.ID == bus.ComponentFrank:
		if err := s.frank.resyncTools(ctx); err != nil {
			s.log.Debug("tool resync after frank announce failed", zap.Error(err))
		}
	}
}

// handleUndeliverable fails the plan whose submit could not be routed.
func (s *Service) handleUndeliverable(_ context.Context, msg *bus.Message) {
	var p bus.UndeliverablePayload
	if err := msg.Decode(&p); err != nil {
		return
	}
	s.submitMu.Lock()
	planID, ok := s.pendingSubmits[p.OriginalID]
	if ok {
		delete(s.pendingSubmits, p.OriginalID)
	}
	s.submitMu.Unlock()
	if !ok {
		s.log.Debug("undeliverable",
			zap.String("target", p.Target), zap.String("reason", p.Reason))
		return
	}
	s.igors.MarkDone(p.Target, false)
	s.failPlan(planID, types.Errorf(types.KindUndeliverable,
		"plan.submit to %s: %s", p.Target, p.Reason))
}

func appendStepResult(results []types.StepResult, r types.StepResult) []types.StepResult {
	for i := range results {
		if results[i].Index == r.Index {
			results[i] = r
			return results
		}
	}
	return append(results, r)
}
