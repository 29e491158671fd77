package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"franklab/internal/types"
)

// planStore holds plan and branching-plan state. Persistence is best-effort
// JSON under the state dir: enough for crash inspection and recovery, not
// ACID.
type planStore struct {
	log *zap.Logger
	dir string

	mu       sync.Mutex
	plans    map[string]*types.PlanState
	branches map[string]*types.BranchingPlan
}

func newPlanStore(dir string, log *zap.Logger) (*planStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &planStore{
		log:      log.Named("store"),
		dir:      dir,
		plans:    make(map[string]*types.PlanState),
		branches: make(map[string]*types.BranchingPlan),
	}
	if dir != "" {
		if err := os.MkdirAll(filepath.Join(dir, "plans"), 0o755); err != nil {
			return nil, fmt.Errorf("creating state dir: %w", err)
		}
		if err := os.MkdirAll(filepath.Join(dir, "branches"), 0o755); err != nil {
			return nil, fmt.Errorf("creating state dir: %w", err)
		}
		s.recover()
	}
	return s, nil
}

// recover reloads persisted state. Plans that were mid-flight when the
// process died cannot resume (their worker is gone), so they are marked
// failed on load.
func (s *planStore) recover() {
	entries, err := os.ReadDir(filepath.Join(s.dir, "plans"))
	if err != nil {
		return
	}
	recovered := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, "plans", e.Name()))
		if err != nil {
			continue
		}
		var ps types.PlanState
		if err := json.Unmarshal(data, &ps); err != nil || ps.Plan == nil {
			continue
		}
		if !ps.Status.Terminal() {
			ps.Status = types.PlanFailed
			ps.Errors = append(ps.Errors, "doctor restarted while plan was in flight")
			ps.CompletedAt = time.Now().UTC()
		}
		s.plans[ps.Plan.ID] = &ps
		recovered++
	}
	if recovered > 0 {
		s.log.Info("recovered persisted plans", zap.Int("count", recovered))
	}
}

// Put registers a new plan state and persists it.
func (s *planStore) Put(ps *types.PlanState) {
	s.mu.Lock()
	s.plans[ps.Plan.ID] = ps
	s.mu.Unlock()
	s.persistPlan(ps)
}

// Get returns a copy of a plan's state.
func (s *planStore) Get(id string) (types.PlanState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.plans[id]
	if !ok {
		return types.PlanState{}, false
	}
	return *ps, true
}

// ActiveCount counts non-terminal plans; the overload gate.
func (s *planStore) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ps := range s.plans {
		if !ps.Status.Terminal() {
			n++
		}
	}
	return n
}

// Mutate applies fn to a plan's state under the lock and persists the
// result. Returns false when the plan is unknown.
func (s *planStore) Mutate(id string, fn func(*types.PlanState)) bool {
	s.mu.Lock()
	ps, ok := s.plans[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	fn(ps)
	snapshot := *ps
	s.mu.Unlock()
	s.persistPlan(&snapshot)
	return true
}

// List snapshots every plan, newest first.
func (s *planStore) List() []types.PlanState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.PlanState, 0, len(s.plans))
	for _, ps := range s.plans {
		out = append(out, *ps)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Plan.CreatedAt.After(out[j].Plan.CreatedAt)
	})
	return out
}

// PutBranch registers a branching parent.
func (s *planStore) PutBranch(bp *types.BranchingPlan) {
	s.mu.Lock()
	s.branches[bp.ID] = bp
	s.mu.Unlock()
	s.persistBranch(bp)
}

// GetBranch returns a copy of a branching plan.
func (s *planStore) GetBranch(id string) (types.BranchingPlan, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bp, ok := s.branches[id]
	if !ok {
		return types.BranchingPlan{}, false
	}
	return *bp, true
}

// RecordRouteResult stores one child outcome and recomputes the parent
// status as a pure function of the children. Returns the new status.
func (s *planStore) RecordRouteResult(parentID, routeID string, res types.RouteResult) (types.BranchStatus, bool) {
	s.mu.Lock()
	bp, ok := s.branches[parentID]
	if !ok {
		s.mu.Unlock()
		return "", false
	}
	if bp.RouteResults == nil {
		bp.RouteResults = make(map[string]types.RouteResult)
	}
	bp.RouteResults[routeID] = res
	bp.Status = bp.AggregateStatus()
	snapshot := *bp
	s.mu.Unlock()
	s.persistBranch(&snapshot)
	return snapshot.Status, true
}

// ListBranches snapshots all branching plans, newest first.
func (s *planStore) ListBranches() []types.BranchingPlan {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.BranchingPlan, 0, len(s.branches))
	for _, bp := range s.branches {
		out = append(out, *bp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Sweep evicts terminal plans (and terminal branching parents) older than
// ttl. Returns the eviction count.
func (s *planStore) Sweep(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)
	var evictPlans, evictBranches []string

	s.mu.Lock()
	for id, ps := range s.plans {
		if ps.Status.Terminal() && !ps.CompletedAt.IsZero() && ps.CompletedAt.Before(cutoff) {
			evictPlans = append(evictPlans, id)
		}
	}
	for id, bp := range s.branches {
		terminal := bp.Status == types.BranchCompleted || bp.Status == types.BranchFailed || bp.Status == types.BranchPartial
		if terminal && bp.CreatedAt.Before(cutoff) {
			evictBranches = append(evictBranches, id)
		}
	}
	for _, id := range evictPlans {
		delete(s.plans, id)
	}
	for _, id := range evictBranches {
		delete(s.branches, id)
	}
	s.mu.Unlock()

	for _, id := range evictPlans {
		s.removeFile("plans", id)
	}
	for _, id := range evictBranches {
		s.removeFile("branches", id)
	}
	return len(evictPlans) + len(evictBranches)
}

func (s *planStore) persistPlan(ps *types.PlanState) {
	s.persist("plans", ps.Plan.ID, ps)
}

func (s *planStore) persistBranch(bp *types.BranchingPlan) {
	s.persist("branches", bp.ID, bp)
}

func (s *planStore) persist(kind, id string, v any) {
	if s.dir == "" {
		return
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return
	}
	path := filepath.Join(s.dir, kind, id+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.log.Debug("persist failed", zap.String("path", path), zap.Error(err))
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		s.log.Debug("persist rename failed", zap.String("path", path), zap.Error(err))
	}
}

func (s *planStore) removeFile(kind, id string) {
	if s.dir == "" {
		return
	}
	_ = os.Remove(filepath.Join(s.dir, kind, id+".json"))
}
