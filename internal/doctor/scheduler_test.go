package doctor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"franklab/internal/types"
)

func TestIgorTableRoundRobin(t *testing.T) {
	tbl := newIgorTable()
	tbl.MarkAnnounced(types.DefaultIgorID)
	tbl.MarkAnnounced("igor-boy")
	tbl.MarkAnnounced("igor-girl")

	var picks []string
	for i := 0; i < 6; i++ {
		picks = append(picks, tbl.GetAvailableIgor())
	}
	// sorted eligible set is [igor, igor-boy, igor-girl], cursor wraps
	assert.Equal(t, []string{
		"igor", "igor-boy", "igor-girl",
		"igor", "igor-boy", "igor-girl",
	}, picks)
}

func TestIgorTableSkipsBusy(t *testing.T) {
	tbl := newIgorTable()
	tbl.MarkAnnounced(types.DefaultIgorID)
	tbl.MarkAnnounced("igor-boy")
	require.True(t, tbl.MarkBusy(types.DefaultIgorID, "plan-1"))

	for i := 0; i < 3; i++ {
		assert.Equal(t, "igor-boy", tbl.GetAvailableIgor())
	}

	require.True(t, tbl.MarkBusy("igor-boy", "plan-2"))
	assert.Empty(t, tbl.GetAvailableIgor(), "all workers busy")
}

func TestMarkBusyRejectsSecondPlan(t *testing.T) {
	tbl := newIgorTable()
	tbl.MarkAnnounced(types.DefaultIgorID)

	require.True(t, tbl.MarkBusy(types.DefaultIgorID, "plan-1"))
	assert.True(t, tbl.MarkBusy(types.DefaultIgorID, "plan-1"), "rebinding the same plan is idempotent")
	assert.False(t, tbl.MarkBusy(types.DefaultIgorID, "plan-2"), "a busy worker holds one plan")
	assert.False(t, tbl.MarkBusy("igor-ghost", "plan-3"), "unknown workers cannot be bound")

	tbl.MarkDone(types.DefaultIgorID, true)
	assert.True(t, tbl.MarkBusy(types.DefaultIgorID, "plan-2"))
}

func TestGetIgorForRoutePrefersDedicated(t *testing.T) {
	tbl := newIgorTable()
	tbl.MarkAnnounced(types.DefaultIgorID)
	tbl.MarkAnnounced("igor-boy")

	assert.Equal(t, "igor-boy", tbl.GetIgorForRoute("boy"))

	require.True(t, tbl.MarkBusy("igor-boy", "plan-1"))
	assert.Equal(t, types.DefaultIgorID, tbl.GetIgorForRoute("boy"),
		"busy dedicated worker falls back to round-robin")

	// No dedicated worker registered for this route at all.
	assert.Equal(t, types.DefaultIgorID, tbl.GetIgorForRoute("girl"))
}

func TestRemoveDefaultKeepsSlot(t *testing.T) {
	tbl := newIgorTable()
	tbl.MarkAnnounced(types.DefaultIgorID)
	require.True(t, tbl.MarkBusy(types.DefaultIgorID, "plan-1"))

	held := tbl.Remove(types.DefaultIgorID)
	assert.Equal(t, "plan-1", held)
	assert.Equal(t, types.IgorUnknown, tbl.Status(types.DefaultIgorID),
		"default worker keeps its slot as unknown")

	// A restarted default worker announces and is schedulable again.
	tbl.MarkAnnounced(types.DefaultIgorID)
	assert.Equal(t, types.IgorIdle, tbl.Status(types.DefaultIgorID))
}

func TestRemoveRouteWorkerDeletesSlot(t *testing.T) {
	tbl := newIgorTable()
	tbl.Ensure("igor-boy", &types.Route{ID: "boy", Name: "Boy"}, types.IgorIdle)
	require.True(t, tbl.MarkBusy("igor-boy", "plan-7"))

	assert.Equal(t, "plan-7", tbl.Remove("igor-boy"))
	assert.Equal(t, types.IgorUnknown, tbl.Status("igor-boy"))
	for _, ig := range tbl.Snapshot() {
		assert.NotEqual(t, "igor-boy", ig.ID, "route worker slot is gone")
	}

	assert.Empty(t, tbl.Remove("igor-boy"), "removing twice is harmless")
}

func TestEnsureKeepsExistingRoute(t *testing.T) {
	tbl := newIgorTable()
	tbl.Ensure("igor-boy", &types.Route{ID: "boy"}, types.IgorUnknown)
	ig := tbl.Ensure("igor-boy", &types.Route{ID: "girl"}, types.IgorIdle)
	require.NotNil(t, ig.Route)
	assert.Equal(t, "boy", ig.Route.ID, "first route binding wins")
	assert.Equal(t, types.IgorUnknown, ig.Status, "Ensure never changes status of an existing slot")
}

func TestIgorTableSummary(t *testing.T) {
	tbl := newIgorTable()
	tbl.MarkAnnounced(types.DefaultIgorID)
	tbl.MarkAnnounced("igor-boy")
	require.True(t, tbl.MarkBusy("igor-boy", "plan-1"))
	tbl.Ensure("igor-girl", nil, types.IgorUnknown)

	s := tbl.Summary()
	assert.Equal(t, 3, s["total"])
	assert.Equal(t, 1, s["idle"])
	assert.Equal(t, 1, s["busy"])
	assert.Equal(t, 1, s["unknown"])
}

func TestMarkDoneCounters(t *testing.T) {
	tbl := newIgorTable()
	tbl.MarkAnnounced(types.DefaultIgorID)
	require.True(t, tbl.MarkBusy(types.DefaultIgorID, "p1"))
	tbl.MarkDone(types.DefaultIgorID, true)
	require.True(t, tbl.MarkBusy(types.DefaultIgorID, "p2"))
	tbl.MarkDone(types.DefaultIgorID, false)

	snap := tbl.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 1, snap[0].Completed)
	assert.Equal(t, 1, snap[0].Failed)
	assert.Empty(t, snap[0].CurrentPlanID)
}
