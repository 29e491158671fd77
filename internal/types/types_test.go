package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActionValid(t *testing.T) {
	for _, a := range []Action{ActionLaunch, ActionNavigate, ActionClick, ActionType,
		ActionSelect, ActionScreenshot, ActionWait, ActionVerify, ActionClose} {
		assert.True(t, a.Valid(), a)
	}
	assert.False(t, Action("hover").Valid())
	assert.False(t, Action("").Valid())
}

func TestStepTimeoutFallback(t *testing.T) {
	s := Step{Action: ActionNavigate}
	assert.Equal(t, 30*time.Second, s.Timeout())

	s.TimeoutMs = 1500
	assert.Equal(t, 1500*time.Millisecond, s.Timeout())

	assert.Equal(t, 5*time.Second, Step{Action: ActionClick}.Timeout())
	assert.Equal(t, 10*time.Second, Step{Action: ActionWait}.Timeout())
}

func TestStepParams(t *testing.T) {
	s := Step{Action: ActionClick, Params: map[string]any{
		"selector":          "#go",
		"waitForNavigation": true,
		"count":             3,
	}}
	assert.Equal(t, "#go", s.StringParam("selector"))
	assert.Empty(t, s.StringParam("missing"))
	assert.Empty(t, s.StringParam("count"), "non-string params read as empty")
	assert.True(t, s.BoolParam("waitForNavigation"))
	assert.False(t, s.BoolParam("selector"))
}

func TestIgorIDForRoute(t *testing.T) {
	assert.Equal(t, "igor", IgorIDForRoute(""))
	assert.Equal(t, "igor-boy", IgorIDForRoute("boy"))
}

func TestAggregateStatus(t *testing.T) {
	bp := &BranchingPlan{Status: BranchExecuting, ChildPlanIDs: []string{"a", "b"}}
	assert.Equal(t, BranchExecuting, bp.AggregateStatus())

	bp.RouteResults = map[string]RouteResult{"boy": {Success: true}}
	assert.Equal(t, BranchExecuting, bp.AggregateStatus(), "one child still outstanding")

	bp.RouteResults["girl"] = RouteResult{Success: true}
	assert.Equal(t, BranchCompleted, bp.AggregateStatus())

	bp.RouteResults["girl"] = RouteResult{Success: false}
	assert.Equal(t, BranchPartial, bp.AggregateStatus())

	bp.RouteResults["boy"] = RouteResult{Success: false}
	assert.Equal(t, BranchFailed, bp.AggregateStatus())
}

func TestRetryableKinds(t *testing.T) {
	assert.True(t, KindBrowserTimeout.Retryable())
	assert.True(t, KindElementNotFound.Retryable())
	assert.False(t, KindNavigationFailed.Retryable())
	assert.False(t, KindValidationFailed.Retryable())
	assert.False(t, KindUnexpected.Retryable())
}

func TestErrorChain(t *testing.T) {
	e := Errorf(KindBrowserTimeout, "click on %s timed out", "#go").With("selector", "#go")
	assert.Equal(t, "browser_timeout: click on #go timed out", e.Error())
	assert.Equal(t, KindBrowserTimeout, KindOf(e))
	assert.Equal(t, "#go", e.Context["selector"])

	wrapped := WrapError(KindNavigationFailed, "browser.navigate", e)
	require.NotNil(t, wrapped)
	assert.Equal(t, KindNavigationFailed, KindOf(wrapped))
	assert.ErrorIs(t, wrapped, e)

	assert.Nil(t, WrapError(KindUnexpected, "x", nil))
	assert.Equal(t, KindUnexpected, KindOf(nil))
}
