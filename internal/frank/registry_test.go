package frank

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"franklab/internal/bus"
	"franklab/internal/types"
)

func newTestRegistry() *Registry {
	return NewRegistry(NewSandbox(), CapabilityConfig{}, nil, nil)
}

func TestRegistryCreateAndLookup(t *testing.T) {
	r := newTestRegistry()

	info, err := r.Create(bus.ToolCreatePayload{
		Name:        "auto_smart_selector_abc123",
		Description: "selector fallback",
		Code:        echoToolSource,
		Author:      "doctor",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, info.ID)
	assert.Equal(t, types.ToolExperimental, info.Status)

	byID, ok := r.Get(info.ID)
	require.True(t, ok)
	byName, ok := r.Get("auto_smart_selector_abc123")
	require.True(t, ok)
	assert.Equal(t, byID.ID, byName.ID)

	source, ok := r.Source(info.ID)
	require.True(t, ok)
	assert.Equal(t, echoToolSource, source)
}

func TestRegistryRejectsDuplicateName(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Create(bus.ToolCreatePayload{Name: "dup", Code: echoToolSource})
	require.NoError(t, err)

	_, err = r.Create(bus.ToolCreatePayload{Name: "dup", Code: echoToolSource})
	require.Error(t, err)
	assert.Equal(t, types.KindValidationFailed, types.KindOf(err))
}

func TestRegistryCreateRejectsBadCode(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Create(bus.ToolCreatePayload{Name: "broken", Code: "func Run(x int) {}"})
	require.Error(t, err)
	assert.Equal(t, types.KindToolCompileFailed, types.KindOf(err))
	_, ok := r.Get("broken")
	assert.False(t, ok, "failed compiles register nothing")
}

func TestRegistryUpdateKeepsOldVersionOnBadCompile(t *testing.T) {
	r := newTestRegistry()
	info, err := r.Create(bus.ToolCreatePayload{Name: "tool", Code: echoToolSource})
	require.NoError(t, err)

	_, err = r.Update(info.ID, bus.ToolCreatePayload{Code: "this is not go"})
	require.Error(t, err)

	// The previous compile still runs.
	result, _, err := r.Invoke(context.Background(), info.ID,
		map[string]any{"value": 7.0}, "corr-1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 7.0, result)
}

func TestRegistryUpdateSwapsCode(t *testing.T) {
	r := newTestRegistry()
	info, err := r.Create(bus.ToolCreatePayload{Name: "tool", Code: echoToolSource})
	require.NoError(t, err)

	_, err = r.Update("tool", bus.ToolCreatePayload{
		Description: "v2",
		Code: `
func Run(params map[string]interface{}, ctx map[string]interface{}) (interface{}, error) {
	return "v2", nil
}
`})
	require.NoError(t, err)

	result, _, err := r.Invoke(context.Background(), info.ID, nil, "corr-1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "v2", result)

	got, _ := r.Get(info.ID)
	assert.Equal(t, "v2", got.Description)
}

func TestRegistryDelete(t *testing.T) {
	r := newTestRegistry()
	info, err := r.Create(bus.ToolCreatePayload{Name: "tool", Code: echoToolSource})
	require.NoError(t, err)

	require.NoError(t, r.Delete("tool"))
	_, ok := r.Get(info.ID)
	assert.False(t, ok)
	_, ok = r.Get("tool")
	assert.False(t, ok)

	err = r.Delete("tool")
	require.Error(t, err)
	assert.Equal(t, types.KindToolNotFound, types.KindOf(err))
}

func TestRegistryInvokeCounters(t *testing.T) {
	r := newTestRegistry()
	info, err := r.Create(bus.ToolCreatePayload{Name: "flaky", Code: `
import "errors"

func Run(params map[string]interface{}, ctx map[string]interface{}) (interface{}, error) {
	if fail, _ := params["fail"].(bool); fail {
		return nil, errors.New("induced failure")
	}
	return "ok", nil
}
`})
	require.NoError(t, err)

	_, _, err = r.Invoke(context.Background(), info.ID, map[string]any{"fail": false}, "c1", time.Second)
	require.NoError(t, err)
	_, _, err = r.Invoke(context.Background(), info.ID, map[string]any{"fail": true}, "c2", time.Second)
	require.Error(t, err)
	assert.Equal(t, types.KindToolInvokeFailed, types.KindOf(err))

	got, _ := r.Get(info.ID)
	assert.Equal(t, 2, got.Invocations)
	assert.Equal(t, 1, got.Successes)
	assert.Equal(t, 1, got.Failures)
	assert.Contains(t, got.LastError, "induced failure")
	assert.False(t, got.LastUsed.IsZero())
}

func TestRegistryInvokeNeverOverlapsRunawayTool(t *testing.T) {
	r := newTestRegistry()
	info, err := r.Create(bus.ToolCreatePayload{Name: "sleeper", Code: `
import "time"

func Run(params map[string]interface{}, ctx map[string]interface{}) (interface{}, error) {
	time.Sleep(300 * time.Millisecond)
	return "done", nil
}
`})
	require.NoError(t, err)

	// First invocation times out and leaves the goroutine running.
	_, _, err = r.Invoke(context.Background(), info.ID, nil, "c1", 50*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, types.KindToolTimeout, types.KindOf(err))

	// The runaway still owns the execution slot, so an immediate second
	// invocation must not enter the closure; it fails instead of overlapping.
	_, _, err = r.Invoke(context.Background(), info.ID, nil, "c2", 50*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, types.KindToolTimeout, types.KindOf(err))
	assert.Contains(t, err.Error(), "previous invocation")

	// Once the runaway returns the slot frees up and the tool works again.
	result, _, err := r.Invoke(context.Background(), info.ID, nil, "c3", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "done", result)
}

func TestRegistryInvokeUnknownTool(t *testing.T) {
	r := newTestRegistry()
	_, _, err := r.Invoke(context.Background(), "nope", nil, "c1", time.Second)
	require.Error(t, err)
	assert.Equal(t, types.KindToolNotFound, types.KindOf(err))
}

func TestRegistryListSorted(t *testing.T) {
	r := newTestRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		_, err := r.Create(bus.ToolCreatePayload{Name: name, Code: echoToolSource})
		require.NoError(t, err)
	}
	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, "alpha", list[0].Name)
	assert.Equal(t, "zeta", list[2].Name)
}

func TestIgorifyCandidatesAndExport(t *testing.T) {
	r := newTestRegistry()
	info, err := r.Create(bus.ToolCreatePayload{Name: "veteran", Code: echoToolSource})
	require.NoError(t, err)

	assert.Empty(t, r.IgorifyCandidates(), "fresh tools are not candidates")

	for i := 0; i < PromotionMinInvocations; i++ {
		_, _, err := r.Invoke(context.Background(), info.ID,
			map[string]any{"value": fmt.Sprintf("v%d", i)}, "c", time.Second)
		require.NoError(t, err)
	}

	candidates := r.IgorifyCandidates()
	require.Len(t, candidates, 1)
	assert.Equal(t, "veteran", candidates[0].Name)

	artifact, err := r.Export(info.ID)
	require.NoError(t, err)
	assert.Equal(t, "veteran", artifact.Name)
	assert.Equal(t, PromotionMinInvocations, artifact.Stats.Invocations)
	assert.Equal(t, 1.0, artifact.Stats.SuccessRate)
	assert.Equal(t, echoToolSource, artifact.CodeSkeleton)
	assert.NotNil(t, artifact.ArtifactMeta)

	got, _ := r.Get(info.ID)
	assert.Equal(t, types.ToolIgorified, got.Status)
	require.NotNil(t, got.IgorifiedAt)

	assert.Empty(t, r.IgorifyCandidates(), "igorified tools leave the candidate pool")
}
