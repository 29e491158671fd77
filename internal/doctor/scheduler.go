package doctor

import (
	"sort"
	"sync"
	"time"

	"franklab/internal/types"
)

// igorTable is the Doctor's view of the worker pool. All mutation happens
// under one mutex; operations are short and never block on I/O.
type igorTable struct {
	mu     sync.Mutex
	igors  map[string]*types.IgorInstance
	rrNext int
}

func newIgorTable() *igorTable {
	t := &igorTable{igors: make(map[string]*types.IgorInstance)}
	// The default worker always has a slot; it starts unknown until its
	// version.announce arrives.
	t.igors[types.DefaultIgorID] = &types.IgorInstance{
		ID:           types.DefaultIgorID,
		Status:       types.IgorUnknown,
		RegisteredAt: time.Now().UTC(),
	}
	return t
}

// Ensure adds a worker slot if absent and returns it. Used both for spawn
// placeholders and for announces from workers the Doctor did not spawn.
func (t *igorTable) Ensure(id string, route *types.Route, status types.IgorStatus) *types.IgorInstance {
	t.mu.Lock()
	defer t.mu.Unlock()
	ig, ok := t.igors[id]
	if !ok {
		ig = &types.IgorInstance{
			ID:           id,
			Status:       status,
			Route:        route,
			RegisteredAt: time.Now().UTC(),
		}
		t.igors[id] = ig
	}
	if route != nil && ig.Route == nil {
		ig.Route = route
	}
	ig.LastSeen = time.Now().UTC()
	return ig
}

// MarkAnnounced transitions a worker to idle on version.announce.
func (t *igorTable) MarkAnnounced(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ig, ok := t.igors[id]
	if !ok {
		ig = &types.IgorInstance{ID: id, RegisteredAt: time.Now().UTC()}
		t.igors[id] = ig
	}
	if ig.Status != types.IgorBusy {
		ig.Status = types.IgorIdle
	}
	ig.LastSeen = time.Now().UTC()
}

// Status returns a worker's current status, or unknown when absent.
func (t *igorTable) Status(id string) types.IgorStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ig, ok := t.igors[id]; ok {
		return ig.Status
	}
	return types.IgorUnknown
}

// MarkBusy binds a plan to a worker. Fails closed when the worker already
// holds a different plan: a plan id may live in at most one CurrentPlanID.
func (t *igorTable) MarkBusy(id, planID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	ig, ok := t.igors[id]
	if !ok {
		return false
	}
	if ig.Status == types.IgorBusy && ig.CurrentPlanID != planID {
		return false
	}
	ig.Status = types.IgorBusy
	ig.CurrentPlanID = planID
	ig.LastSeen = time.Now().UTC()
	return true
}

// MarkDone releases a worker after plan.completed and bumps its counters.
func (t *igorTable) MarkDone(id string, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ig, ok := t.igors[id]
	if !ok {
		return
	}
	ig.Status = types.IgorIdle
	ig.CurrentPlanID = ""
	ig.LastSeen = time.Now().UTC()
	if success {
		ig.Completed++
	} else {
		ig.Failed++
	}
}

// Remove drops a worker on igor.exited and returns the plan it held, if
// any. The default worker keeps its slot but falls back to unknown.
func (t *igorTable) Remove(id string) (heldPlan string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ig, ok := t.igors[id]
	if !ok {
		return ""
	}
	heldPlan = ig.CurrentPlanID
	if id == types.DefaultIgorID {
		ig.Status = types.IgorUnknown
		ig.CurrentPlanID = ""
		return heldPlan
	}
	delete(t.igors, id)
	return heldPlan
}

// GetAvailableIgor returns any idle or unknown worker, round-robin across
// the eligible set so load spreads. Empty string when every worker is busy.
func (t *igorTable) GetAvailableIgor() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	eligible := t.eligibleLocked()
	if len(eligible) == 0 {
		return ""
	}
	id := eligible[t.rrNext%len(eligible)]
	t.rrNext++
	return id
}

// GetIgorForRoute prefers the route's dedicated worker when it is idle or
// unknown, falling back to round-robin.
func (t *igorTable) GetIgorForRoute(routeID string) string {
	dedicated := types.IgorIDForRoute(routeID)
	t.mu.Lock()
	if ig, ok := t.igors[dedicated]; ok && ig.Status != types.IgorBusy {
		t.mu.Unlock()
		return dedicated
	}
	t.mu.Unlock()
	return t.GetAvailableIgor()
}

// eligibleLocked lists idle/unknown workers in stable id order so the
// round-robin cursor is meaningful.
func (t *igorTable) eligibleLocked() []string {
	var ids []string
	for id, ig := range t.igors {
		if ig.Status == types.IgorIdle || ig.Status == types.IgorUnknown {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Snapshot copies the table for the HTTP surface.
func (t *igorTable) Snapshot() []types.IgorInstance {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.IgorInstance, 0, len(t.igors))
	for _, ig := range t.igors {
		out = append(out, *ig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Summary aggregates counts for /igors.
func (t *igorTable) Summary() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	idle, busy, unknown := 0, 0, 0
	for _, ig := range t.igors {
		switch ig.Status {
		case types.IgorIdle:
			idle++
		case types.IgorBusy:
			busy++
		default:
			unknown++
		}
	}
	return map[string]any{
		"total": len(t.igors), "idle": idle, "busy": busy, "unknown": unknown,
	}
}
