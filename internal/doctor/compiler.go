// Package doctor implements the planner component: intent compilation,
// branching detection, worker scheduling, failure-pattern tracking, the
// tool-creation loop, and the Frank restart coordinator.
package doctor

import (
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"franklab/internal/types"
)

// Compiler turns a sanitized intent string into an ordered plan by matching
// a closed set of recognizers. Recognizer order is fixed; each recognizer is
// independent and contributes zero or more steps.
type Compiler struct {
	allowLocalhost bool
}

// NewCompiler builds a compiler honoring the localhost url policy.
func NewCompiler(allowLocalhost bool) *Compiler {
	return &Compiler{allowLocalhost: allowLocalhost}
}

var (
	navigateRx = regexp.MustCompile(`(?i)\b(?:navigate|go)\s+to\s+(\S+)`)

	// Password capture stops at whitespace or comma so chained patterns
	// ("... with password hunter2, then click ...") keep working.
	loginRx = regexp.MustCompile(`(?i)\blogin\s+as\s+(\S+)\s+with\s+password\s+([^\s,]+)`)

	postRx = regexp.MustCompile(`(?i)\b(?:submit|create|post)\s+(?:a\s+)?(?:new\s+)?post\s+titled\s+['"]?([^'"]+?)['"]?\s+with\s+content\s+['"]?([^'"]+?)['"]?(?:\s+to\s+(\S+?))?\s*(?:[.,]|$)`)

	approveRx = regexp.MustCompile(`(?i)\bapprove\s+(?:the\s+)?(?:post\s+)?(?:titled\s+)?['"]?([^'",.]+)['"]?`)

	clickRx = regexp.MustCompile(`(?i)\bclick\s+(?:on\s+)?(?:'([^']+)'|"([^"]+)"|(\S+))`)

	typeRx = regexp.MustCompile(`(?i)\btype\s+['"]([^'"]+)['"]\s+in(?:to)?\s+(\S+)`)
)

// Compile produces a validated plan for an intent. explicitURL, when set and
// the intent carries no navigation target, is prepended as the first
// navigation.
func (c *Compiler) Compile(intent, explicitURL string) (*types.Plan, error) {
	return c.compile(intent, explicitURL, nil, "")
}

// CompileRoute produces a route-bound child plan: the same recognizer
// pipeline with a route-specific interaction inserted directly after the
// initial navigation.
func (c *Compiler) CompileRoute(intent, explicitURL string, route types.Route, parentID string) (*types.Plan, error) {
	return c.compile(intent, explicitURL, &route, parentID)
}

func (c *Compiler) compile(intent, explicitURL string, route *types.Route, parentID string) (*types.Plan, error) {
	intent = types.SanitizeIntent(intent)
	if intent == "" {
		return nil, types.NewError(types.KindValidationFailed, "intent is empty")
	}

	var body []types.Step
	var expected string

	baseURL := ""
	if m := navigateRx.FindStringSubmatch(intent); m != nil {
		baseURL = strings.TrimRight(m[1], ".,")
		body = append(body, step(types.ActionNavigate, map[string]any{"url": baseURL}))
	} else if explicitURL != "" {
		baseURL = explicitURL
		body = append(body, step(types.ActionNavigate, map[string]any{"url": explicitURL}))
	}

	if route != nil {
		body = append(body, routeInteraction(*route))
	}

	if m := loginRx.FindStringSubmatch(intent); m != nil {
		body = append(body,
			waitStep(1000),
			step(types.ActionType, map[string]any{"name": "email", "text": m[1]}),
			step(types.ActionType, map[string]any{"name": "password", "text": m[2]}),
			step(types.ActionScreenshot, nil),
			step(types.ActionClick, map[string]any{"type": "submit", "waitForNavigation": true}),
			waitStep(500),
		)
	}

	if m := postRx.FindStringSubmatch(intent); m != nil {
		title, content, sub := strings.TrimSpace(m[1]), strings.TrimSpace(m[2]), m[3]
		body = append(body,
			waitStep(2000),
			step(types.ActionScreenshot, nil),
			step(types.ActionClick, map[string]any{"text": "Submit Post", "waitForNavigation": true}),
			step(types.ActionType, map[string]any{"name": "title", "text": title}),
			step(types.ActionType, map[string]any{"name": "content", "text": content}),
		)
		if sub != "" {
			body = append(body, step(types.ActionSelect, map[string]any{"name": "subreddit", "value": sub}))
		}
		body = append(body,
			step(types.ActionClick, map[string]any{"type": "submit", "waitForNavigation": true}),
			waitStep(1000),
		)
		expected = title
	}

	if m := approveRx.FindStringSubmatch(intent); m != nil {
		if mod := modQueueURL(baseURL); mod != "" {
			body = append(body, step(types.ActionNavigate, map[string]any{"url": mod}))
		}
		body = append(body,
			step(types.ActionClick, map[string]any{"text": "Approve"}),
			waitStep(1000),
		)
		if expected == "" {
			expected = strings.TrimSpace(m[1])
		}
	}

	for _, m := range clickRx.FindAllStringSubmatch(intent, -1) {
		target := firstGroup(m[1:])
		if target == "" {
			continue
		}
		target = strings.TrimRight(target, ".,")
		if looksLikeSelector(target) {
			body = append(body, step(types.ActionClick, map[string]any{"selector": target}))
		} else {
			body = append(body, step(types.ActionClick, map[string]any{"text": target}))
		}
	}

	for _, m := range typeRx.FindAllStringSubmatch(intent, -1) {
		sel := strings.TrimRight(m[2], ".,")
		body = append(body, step(types.ActionType, map[string]any{"selector": sel, "text": m[1]}))
	}

	steps := make([]types.Step, 0, len(body)+4)
	steps = append(steps, step(types.ActionLaunch, nil))
	steps = append(steps, body...)
	if expected != "" {
		steps = append(steps, step(types.ActionVerify, map[string]any{
			"expected":          expected,
			"captureScreenshot": true,
		}))
	}
	steps = append(steps, step(types.ActionScreenshot, nil), step(types.ActionClose, nil))

	plan := &types.Plan{
		ID:              uuid.NewString(),
		Intent:          intent,
		Steps:           steps,
		ExpectedOutcome: expected,
		CreatedAt:       time.Now().UTC(),
		ParentPlanID:    parentID,
		Route:           route,
	}
	if err := types.ValidatePlan(plan, c.allowLocalhost); err != nil {
		return nil, err
	}
	return plan, nil
}

// routeInteraction produces the first interaction that steers a child plan
// onto its route: a select when the route targets a dropdown, otherwise a
// click on the route's selector or visible name.
func routeInteraction(r types.Route) types.Step {
	if r.Selector != "" && r.Value != "" && strings.HasPrefix(r.Selector, "select") {
		return step(types.ActionSelect, map[string]any{"selector": r.Selector, "value": r.Value})
	}
	if r.Selector != "" {
		return step(types.ActionClick, map[string]any{"selector": r.Selector})
	}
	return step(types.ActionClick, map[string]any{"text": r.Name})
}

func step(a types.Action, params map[string]any) types.Step {
	return types.Step{
		Action:    a,
		Params:    params,
		TimeoutMs: int(a.DefaultTimeout() / time.Millisecond),
		Retries:   a.DefaultRetries(),
	}
}

func waitStep(ms int) types.Step {
	s := step(types.ActionWait, map[string]any{"ms": ms})
	return s
}

func modQueueURL(base string) string {
	if base == "" {
		return ""
	}
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return ""
	}
	u.Path = "/mod/queue"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

func firstGroup(groups []string) string {
	for _, g := range groups {
		if g != "" {
			return g
		}
	}
	return ""
}

func looksLikeSelector(s string) bool {
	return strings.HasPrefix(s, "#") || strings.HasPrefix(s, ".") || strings.HasPrefix(s, "[")
}
