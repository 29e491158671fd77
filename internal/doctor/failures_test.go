package doctor

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"franklab/internal/types"
)

func TestPatternKeyCollapsesQuotedAndDigits(t *testing.T) {
	a := PatternKey(types.ActionClick, "#submit",
		`element 'button 42' not found after 5000ms`)
	b := PatternKey(types.ActionClick, "#submit",
		`element 'button 7' not found after 30000ms`)
	assert.Equal(t, a, b, "quoted strings and digit runs must not split patterns")

	c := PatternKey(types.ActionType, "#submit",
		`element 'button 42' not found after 5000ms`)
	assert.NotEqual(t, a, c, "different actions are different patterns")
}

func TestPatternKeyTruncated(t *testing.T) {
	key := PatternKey(types.ActionClick, strings.Repeat("div > ", 40), "element not found")
	assert.LessOrEqual(t, len(key), patternKeyMaxLen)
}

func TestPatternKeyTruncatesOnRuneBoundary(t *testing.T) {
	key := PatternKey(types.ActionClick, "", strings.Repeat("é", 80))
	assert.LessOrEqual(t, len(key), patternKeyMaxLen)
	assert.True(t, utf8.ValidString(key), "truncation must not split a rune")
}

func TestClassifyFailure(t *testing.T) {
	cases := map[string]string{
		"element not found: #login":           ToolTypeSmartSelector,
		"cannot find element matching .btn":   ToolTypeSmartSelector,
		"operation timed out after Nms":       ToolTypeWaitHelper,
		"net::ERR_CONNECTION_REFUSED":         ToolTypeNetworkHelper,
		"element is not visible":              ToolTypeVisibilityHelper,
		"element is inside an iframe":         ToolTypeFrameHandler,
		"blocked by modal dialog":             ToolTypePopupHandler,
		"recaptcha challenge presented":       ToolTypeCaptchaHandler,
		"date picker did not open":            ToolTypeDatePicker,
		"dropdown has no option 'x'":          ToolTypeDropdownHandler,
		"file upload input not interactable":  ToolTypeFileUpload,
		"something completely unintelligible": "",
	}
	for input, want := range cases {
		assert.Equal(t, want, classifyFailure(input), "input %q", input)
	}
}

func TestRecordThresholdTriggersOneRequest(t *testing.T) {
	tr := newFailureTracker(2, true, nil)
	stepErr := types.NewError(types.KindElementNotFound, "element not found: #submit")

	req := tr.Record("plan-1", 3, types.ActionClick, "#submit", stepErr)
	assert.Nil(t, req, "first occurrence is below threshold")

	req = tr.Record("plan-2", 1, types.ActionClick, "#submit", stepErr)
	require.NotNil(t, req, "second occurrence crosses the threshold")
	assert.True(t, strings.HasPrefix(req.Payload.Name, "auto_smart_selector_"),
		"got %q", req.Payload.Name)
	assert.Contains(t, req.Payload.Code, "func Run(params map[string]interface{}, ctx map[string]interface{})")
	assert.NotEmpty(t, req.Payload.InputSchema)

	req = tr.Record("plan-3", 0, types.ActionClick, "#submit", stepErr)
	assert.Nil(t, req, "a requested pattern is not re-requested")

	patterns := tr.Patterns()
	require.Len(t, patterns, 1)
	assert.Equal(t, 3, patterns[0].Count)
	assert.ElementsMatch(t, []string{"plan-1", "plan-2", "plan-3"}, patterns[0].PlanIDs)
	assert.True(t, patterns[0].ToolRequested)
}

func TestRecordDisabledTracker(t *testing.T) {
	tr := newFailureTracker(1, false, nil)
	stepErr := types.NewError(types.KindElementNotFound, "element not found")
	assert.Nil(t, tr.Record("p", 0, types.ActionClick, "#x", stepErr))
}

func TestRecordUnclassifiedNeverRequests(t *testing.T) {
	tr := newFailureTracker(1, true, nil)
	stepErr := types.NewError(types.KindUnexpected, "gremlins")
	assert.Nil(t, tr.Record("p", 0, types.ActionClick, "#x", stepErr))
	assert.Nil(t, tr.Record("p", 0, types.ActionClick, "#x", stepErr))
}

func TestResolveCreatedAndRetryOrigin(t *testing.T) {
	tr := newFailureTracker(1, true, nil)
	stepErr := types.NewError(types.KindBrowserTimeout, "click timed out")
	req := tr.Record("plan-9", 4, types.ActionClick, "#slow", stepErr)
	require.NotNil(t, req)

	tr.TrackRequest("msg-1", "plan-9", 4, req.Pattern.Key, req.Payload.Name)
	require.Len(t, tr.Pending(), 1)

	pending := tr.ResolveCreated("msg-1", req.Payload.Name)
	require.NotNil(t, pending)
	assert.Equal(t, "plan-9", pending.PlanID)
	assert.Equal(t, 4, pending.StepIndex)
	assert.Empty(t, tr.Pending())

	patterns := tr.Patterns()
	require.Len(t, patterns, 1)
	assert.Equal(t, req.Payload.Name, patterns[0].ToolCreated)
	assert.True(t, patterns[0].ToolRequested, "toolCreated implies toolRequested")

	assert.Nil(t, tr.ResolveCreated("msg-1", req.Payload.Name), "a slot fires once")
}

func TestResolveErrorReenablesPattern(t *testing.T) {
	tr := newFailureTracker(1, true, nil)
	stepErr := types.NewError(types.KindElementNotFound, "element not found: #a")

	req := tr.Record("plan-1", 0, types.ActionClick, "#a", stepErr)
	require.NotNil(t, req)
	tr.TrackRequest("msg-1", "plan-1", 0, req.Pattern.Key, req.Payload.Name)

	require.NotNil(t, tr.ResolveError("msg-1"))
	assert.Empty(t, tr.Pending())

	again := tr.Record("plan-1", 0, types.ActionClick, "#a", stepErr)
	require.NotNil(t, again, "a cleared pattern may request again")
}

func TestSerializeErrorPrefersDetail(t *testing.T) {
	e := types.NewError(types.KindElementNotFound, "element not found: #x")
	s := serializeError(e)
	assert.Contains(t, s, "element_not_found")
	assert.Contains(t, s, "element not found: #x")
	assert.Equal(t, "unknown error", serializeError(nil))
}

func TestGeneratedSourcesHaveRunSignature(t *testing.T) {
	for _, toolType := range []string{
		ToolTypeSmartSelector, ToolTypeWaitHelper, ToolTypeNetworkHelper,
		ToolTypeVisibilityHelper, ToolTypeFrameHandler, ToolTypePopupHandler,
		ToolTypeCaptchaHandler, ToolTypeDatePicker, ToolTypeDropdownHandler,
		ToolTypeFileUpload,
	} {
		src := generatedToolSource(toolType, "#target")
		require.NotEmpty(t, src, toolType)
		assert.Contains(t, src,
			"func Run(params map[string]interface{}, ctx map[string]interface{}) (interface{}, error)",
			toolType)
		schema := generatedToolSchema(toolType)
		assert.Equal(t, "object", schema["type"], toolType)
	}
}
