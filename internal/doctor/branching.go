package doctor

import (
	"regexp"
	"strings"

	"franklab/internal/types"
)

// BranchPoint is the result of branch detection: a human description plus
// the ordered routes the intent fans out into.
type BranchPoint struct {
	Description string
	Routes      []types.Route
}

// branchRule is one entry in the fixed branch-detection table. The rule
// fires when every pattern matches the intent.
type branchRule struct {
	description string
	patterns    []*regexp.Regexp
	routes      []types.Route
}

var branchRules = []branchRule{
	{
		description: "gender selection",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(?:boy|male)\b`),
			regexp.MustCompile(`(?i)\b(?:girl|female)\b`),
		},
		routes: []types.Route{
			{ID: "boy", Name: "boy", Selector: `input[name="gender"][value="boy"]`, Value: "boy"},
			{ID: "girl", Name: "girl", Selector: `input[name="gender"][value="girl"]`, Value: "girl"},
		},
	},
	{
		description: "role selection",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\badmin\b`),
			regexp.MustCompile(`(?i)\b(?:user|guest)\b`),
		},
		routes: []types.Route{
			{ID: "admin", Name: "admin", Selector: `select[name="role"]`, Value: "admin"},
			{ID: "user", Name: "user", Selector: `select[name="role"]`, Value: "user"},
			{ID: "guest", Name: "guest", Selector: `select[name="role"]`, Value: "guest"},
		},
	},
	{
		description: "A/B variant",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bvariant\s+A\b`),
			regexp.MustCompile(`(?i)\bvariant\s+B\b`),
		},
		routes: []types.Route{
			{ID: "a", Name: "Variant A"},
			{ID: "b", Name: "Variant B"},
		},
	},
}

// DetectBranch checks the sanitized intent against the branch table and
// returns the first matching branch point, or nil. Detection is orthogonal
// to step recognition; a branching intent still compiles per route.
func DetectBranch(intent string) *BranchPoint {
	for _, rule := range branchRules {
		matched := true
		for _, p := range rule.patterns {
			if !p.MatchString(intent) {
				matched = false
				break
			}
		}
		if !matched {
			continue
		}
		// role rule with only two of the three roles named: trim absent ones
		routes := make([]types.Route, 0, len(rule.routes))
		lower := strings.ToLower(intent)
		for _, r := range rule.routes {
			if len(rule.routes) > 2 && !strings.Contains(lower, r.ID) {
				continue
			}
			routes = append(routes, r)
		}
		if len(routes) < 2 {
			routes = rule.routes
		}
		return &BranchPoint{Description: rule.description, Routes: routes}
	}
	return nil
}

// SpawnConditions describes what a route worker should assume about its
// flow; attached to igor.spawn for observability.
func SpawnConditions(bp *BranchPoint, r types.Route) map[string]any {
	return map[string]any{
		"branch":   bp.Description,
		"routeId":  r.ID,
		"selector": r.Selector,
		"value":    r.Value,
	}
}

// routeWorkerID names the worker a route plan is destined for.
func routeWorkerID(r types.Route) string {
	return types.IgorIDForRoute(r.ID)
}
