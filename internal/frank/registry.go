package frank

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/invopop/jsonschema"
	"go.uber.org/zap"

	"franklab/internal/bus"
	"franklab/internal/types"
)

// Promotion thresholds: experimental tools that clear both become igorify
// candidates. The experimental -> stable transition stays manual.
const (
	PromotionMinInvocations = 10
	PromotionMinSuccessRate = 0.9
)

// DefaultInvokeTimeout is the hard wall-clock cap on one tool invocation.
const DefaultInvokeTimeout = 30 * time.Second

// durationWindow is the rolling per-tool duration buffer size.
const durationWindow = 100

// DynamicTool is one registered tool: metadata, source, and the compiled
// callable. Interpreted closures are not reentrant, so each tool has a
// single execution slot (busy); the slot is released by the closure itself
// when it actually returns, which keeps an invocation abandoned on timeout
// from overlapping the next one.
type DynamicTool struct {
	Info   types.ToolInfo
	Source string

	fn        ToolFunc
	busy      chan struct{}
	durations []int64
}

// Registry owns the dynamic tool inventory. Lookups by id and by name
// always agree; name is unique among non-deleted tools.
type Registry struct {
	sandbox *Sandbox
	caps    CapabilityConfig
	log     *zap.Logger
	store   *toolStore

	mu     sync.RWMutex
	byID   map[string]*DynamicTool
	byName map[string]*DynamicTool
}

// NewRegistry builds an empty registry. store may be nil for tests.
func NewRegistry(sandbox *Sandbox, caps CapabilityConfig, store *toolStore, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		sandbox: sandbox,
		caps:    caps,
		log:     log.Named("tools"),
		store:   store,
		byID:    make(map[string]*DynamicTool),
		byName:  make(map[string]*DynamicTool),
	}
}

// Create compiles and registers a new tool under a fresh id and the declared
// name. Duplicate names are rejected.
func (r *Registry) Create(spec bus.ToolCreatePayload) (*types.ToolInfo, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return nil, types.NewError(types.KindValidationFailed, "tool name is empty")
	}
	fn, err := r.sandbox.Compile(spec.Code)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; exists {
		return nil, types.Errorf(types.KindValidationFailed, "tool %q already registered", name)
	}

	now := time.Now().UTC()
	tool := &DynamicTool{
		Info: types.ToolInfo{
			ID:          uuid.NewString(),
			Name:        name,
			Description: spec.Description,
			InputSchema: spec.InputSchema,
			Author:      spec.Author,
			CreatedAt:   now,
			UpdatedAt:   now,
			Status:      types.ToolExperimental,
		},
		Source: spec.Code,
		fn:     fn,
		busy:   make(chan struct{}, 1),
	}
	r.byID[tool.Info.ID] = tool
	r.byName[name] = tool
	r.persist(tool)
	r.log.Info("tool registered", zap.String("id", tool.Info.ID), zap.String("name", name))
	info := tool.Info
	return &info, nil
}

// Update recompiles first and swaps atomically: a failed compile leaves the
// previous version active.
func (r *Registry) Update(idOrName string, spec bus.ToolCreatePayload) (*types.ToolInfo, error) {
	fn, err := r.sandbox.Compile(spec.Code)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	tool := r.lookupLocked(idOrName)
	if tool == nil {
		return nil, types.Errorf(types.KindToolNotFound, "no tool %q", idOrName)
	}
	tool.fn = fn
	tool.Source = spec.Code
	if spec.Description != "" {
		tool.Info.Description = spec.Description
	}
	if spec.InputSchema != nil {
		tool.Info.InputSchema = spec.InputSchema
	}
	tool.Info.UpdatedAt = time.Now().UTC()
	r.persist(tool)
	info := tool.Info
	return &info, nil
}

// Delete removes a tool by id or name.
func (r *Registry) Delete(idOrName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tool := r.lookupLocked(idOrName)
	if tool == nil {
		return types.Errorf(types.KindToolNotFound, "no tool %q", idOrName)
	}
	delete(r.byID, tool.Info.ID)
	delete(r.byName, tool.Info.Name)
	if r.store != nil {
		r.store.Remove(tool.Info.ID)
	}
	r.log.Info("tool deleted", zap.String("id", tool.Info.ID), zap.String("name", tool.Info.Name))
	return nil
}

// Get returns a tool's info by id or name.
func (r *Registry) Get(idOrName string) (*types.ToolInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool := r.lookupLocked(idOrName)
	if tool == nil {
		return nil, false
	}
	info := tool.Info
	return &info, true
}

// Source returns a tool's source code.
func (r *Registry) Source(idOrName string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool := r.lookupLocked(idOrName)
	if tool == nil {
		return "", false
	}
	return tool.Source, true
}

// List returns every tool's info, sorted by name.
func (r *Registry) List() []types.ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.ToolInfo, 0, len(r.byID))
	for _, tool := range r.byID {
		out = append(out, tool.Info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke executes a tool. Timeouts, panics, and successful returns are all
// reflected in the per-tool counters and the rolling duration buffer. A
// caller that cannot claim the execution slot within its timeout (a prior
// invocation is still running, possibly abandoned after its own timeout)
// fails with tool_timeout instead of entering the closure concurrently.
func (r *Registry) Invoke(ctx context.Context, idOrName string, params map[string]any, correlationID string, timeout time.Duration) (any, time.Duration, error) {
	r.mu.RLock()
	tool := r.lookupLocked(idOrName)
	var fn ToolFunc
	if tool != nil {
		fn = tool.fn
	}
	r.mu.RUnlock()
	if tool == nil {
		return nil, 0, types.Errorf(types.KindToolNotFound, "no tool %q", idOrName)
	}
	if timeout <= 0 {
		timeout = DefaultInvokeTimeout
	}

	claim := time.NewTimer(timeout)
	defer claim.Stop()
	select {
	case tool.busy <- struct{}{}:
	case <-ctx.Done():
		return nil, 0, types.WrapError(types.KindToolInvokeFailed, "invoke", ctx.Err())
	case <-claim.C:
		return nil, 0, types.Errorf(types.KindToolTimeout,
			"tool %q is still executing a previous invocation", tool.Info.Name)
	}
	// The slot is released by the closure's own defer, so when the sandbox
	// abandons a timed-out goroutine the slot stays held until that
	// goroutine actually returns.
	guarded := func(p, c map[string]any) (any, error) {
		defer func() { <-tool.busy }()
		return fn(p, c)
	}

	caps := BuildCapabilities(ctx, r.caps, correlationID, timeout)

	start := time.Now()
	result, err := r.sandbox.Invoke(ctx, guarded, params, caps, timeout)
	elapsed := time.Since(start)

	r.mu.Lock()
	tool.Info.Invocations++
	tool.Info.LastUsed = time.Now().UTC()
	if err != nil {
		tool.Info.Failures++
		tool.Info.LastError = err.Error()
	} else {
		tool.Info.Successes++
		tool.Info.LastError = ""
	}
	tool.durations = append(tool.durations, elapsed.Milliseconds())
	if len(tool.durations) > durationWindow {
		tool.durations = tool.durations[len(tool.durations)-durationWindow:]
	}
	r.persist(tool)
	r.mu.Unlock()

	return result, elapsed, err
}

// IgorifyCandidates returns experimental tools that clear the promotion
// thresholds.
func (r *Registry) IgorifyCandidates() []types.ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []types.ToolInfo
	for _, tool := range r.byID {
		info := tool.Info
		if info.Status != types.ToolExperimental {
			continue
		}
		if info.Invocations >= PromotionMinInvocations && info.SuccessRate() >= PromotionMinSuccessRate {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SuccessRate() > out[j].SuccessRate() })
	return out
}

// ExportArtifact is the language-neutral export emitted when a tool is
// igorified.
type ExportArtifact struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	InputSchema  map[string]any `json:"inputSchema,omitempty"`
	Stats        ExportStats    `json:"stats"`
	CodeSkeleton string         `json:"codeSkeleton"`
	ArtifactMeta any            `json:"artifactSchema"`
	ExportedAt   time.Time      `json:"exportedAt"`
}

// ExportStats summarizes a tool's track record at export time.
type ExportStats struct {
	Invocations int     `json:"invocations"`
	Successes   int     `json:"successes"`
	Failures    int     `json:"failures"`
	SuccessRate float64 `json:"successRate"`
}

// Export emits the artifact and transitions the tool to igorified.
func (r *Registry) Export(idOrName string) (*ExportArtifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tool := r.lookupLocked(idOrName)
	if tool == nil {
		return nil, types.Errorf(types.KindToolNotFound, "no tool %q", idOrName)
	}

	now := time.Now().UTC()
	artifact := &ExportArtifact{
		Name:        tool.Info.Name,
		Description: tool.Info.Description,
		InputSchema: tool.Info.InputSchema,
		Stats: ExportStats{
			Invocations: tool.Info.Invocations,
			Successes:   tool.Info.Successes,
			Failures:    tool.Info.Failures,
			SuccessRate: tool.Info.SuccessRate(),
		},
		CodeSkeleton: tool.Source,
		ArtifactMeta: jsonschema.Reflect(&ExportArtifact{}),
		ExportedAt:   now,
	}
	tool.Info.Status = types.ToolIgorified
	tool.Info.IgorifiedAt = &now
	tool.Info.UpdatedAt = now
	r.persist(tool)
	r.log.Info("tool igorified", zap.String("name", tool.Info.Name))
	return artifact, nil
}

// lookupLocked resolves id first, then name. Caller holds a lock.
func (r *Registry) lookupLocked(idOrName string) *DynamicTool {
	if tool, ok := r.byID[idOrName]; ok {
		return tool
	}
	return r.byName[idOrName]
}

func (r *Registry) persist(tool *DynamicTool) {
	if r.store == nil {
		return
	}
	if err := r.store.Save(tool); err != nil {
		r.log.Warn("tool persistence failed", zap.String("name", tool.Info.Name), zap.Error(err))
	}
}

// restore loads a persisted tool without re-persisting it. Used by the
// store's initial load and hot-reload paths.
func (r *Registry) restore(record persistedTool) error {
	fn, err := r.sandbox.Compile(record.Source)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byID[record.Info.ID]; ok {
		delete(r.byName, existing.Info.Name)
	}
	tool := &DynamicTool{Info: record.Info, Source: record.Source, fn: fn, busy: make(chan struct{}, 1)}
	r.byID[tool.Info.ID] = tool
	r.byName[tool.Info.Name] = tool
	return nil
}
