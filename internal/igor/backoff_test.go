package igor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"franklab/internal/types"
)

func TestRetryBackoffBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := retryBackoff(1)
		assert.GreaterOrEqual(t, d, 400*time.Millisecond)
		assert.LessOrEqual(t, d, 600*time.Millisecond)

		d = retryBackoff(2)
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.LessOrEqual(t, d, 1200*time.Millisecond)
	}
}

func TestRetryBackoffCap(t *testing.T) {
	for _, attempt := range []int{6, 10, 63, 100} {
		d := retryBackoff(attempt)
		assert.LessOrEqual(t, d, 12*time.Second, "attempt %d stays within cap plus jitter", attempt)
		assert.GreaterOrEqual(t, d, 8*time.Second, "attempt %d", attempt)
	}
}

func TestRetryBackoffClampsAttempt(t *testing.T) {
	d := retryBackoff(0)
	assert.GreaterOrEqual(t, d, 400*time.Millisecond)
	assert.LessOrEqual(t, d, 600*time.Millisecond)
}

func TestPickRepairTool(t *testing.T) {
	bag := types.ToolBag{Tools: []types.BagTool{
		{Name: "form_filler"}, // static, never picked
		{Name: "auto_wait_helper_0a0a0a", Dynamic: true},
		{Name: "auto_smart_selector_b1b1b1", Dynamic: true},
	}}

	tool := pickRepairTool(bag, types.KindElementNotFound)
	require.NotNil(t, tool)
	assert.Equal(t, "auto_smart_selector_b1b1b1", tool.Name)

	tool = pickRepairTool(bag, types.KindBrowserTimeout)
	require.NotNil(t, tool)
	assert.Equal(t, "auto_wait_helper_0a0a0a", tool.Name)

	assert.Nil(t, pickRepairTool(bag, types.KindNavigationFailed),
		"no network or popup tool in the bag")
	assert.Nil(t, pickRepairTool(bag, types.KindUnexpected),
		"unmapped kinds never trigger repair")
}

func TestPickRepairToolIgnoresStatic(t *testing.T) {
	bag := types.ToolBag{Tools: []types.BagTool{
		{Name: "wait_stabilizer"}, // matches "wait" but is not dynamic
	}}
	assert.Nil(t, pickRepairTool(bag, types.KindBrowserTimeout))
}
