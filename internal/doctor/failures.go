package doctor

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"franklab/internal/bus"
	"franklab/internal/types"
)

// patternKeyMaxLen caps a failure-pattern key.
const patternKeyMaxLen = 100

// Tool types the classifier can propose. An unclassified failure never
// triggers tool creation.
const (
	ToolTypeSmartSelector    = "smart_selector"
	ToolTypeWaitHelper       = "wait_helper"
	ToolTypeNetworkHelper    = "network_helper"
	ToolTypeVisibilityHelper = "visibility_helper"
	ToolTypeFrameHandler     = "frame_handler"
	ToolTypePopupHandler     = "popup_handler"
	ToolTypeCaptchaHandler   = "captcha_handler"
	ToolTypeDatePicker       = "date_picker"
	ToolTypeDropdownHandler  = "dropdown_handler"
	ToolTypeFileUpload       = "file_upload"
)

// classifyRules maps error text onto a tool type. First match wins; order
// puts the more specific surface patterns before the broad timeout rule.
var classifyRules = []struct {
	rx       *regexp.Regexp
	toolType string
}{
	{regexp.MustCompile(`(?i)captcha|recaptcha|hcaptcha`), ToolTypeCaptchaHandler},
	{regexp.MustCompile(`(?i)iframe|frame`), ToolTypeFrameHandler},
	{regexp.MustCompile(`(?i)popup|dialog|modal|alert`), ToolTypePopupHandler},
	{regexp.MustCompile(`(?i)date\s*picker|calendar`), ToolTypeDatePicker},
	{regexp.MustCompile(`(?i)dropdown|select\s+option|no\s+option`), ToolTypeDropdownHandler},
	{regexp.MustCompile(`(?i)file\s*upload|input\[type=.?file`), ToolTypeFileUpload},
	{regexp.MustCompile(`(?i)not\s+visible|hidden|zero\s+size|obscured`), ToolTypeVisibilityHelper},
	{regexp.MustCompile(`(?i)element\s+not\s+found|cannot\s+find\s+element|no\s+node|no\s+such\s+element`), ToolTypeSmartSelector},
	{regexp.MustCompile(`(?i)net::|network|connection\s+refused|dns|navigation\s+failed`), ToolTypeNetworkHelper},
	{regexp.MustCompile(`(?i)timeout|timed\s+out|deadline`), ToolTypeWaitHelper},
}

// classifyFailure returns the tool type for an error string, or "".
func classifyFailure(errText string) string {
	for _, rule := range classifyRules {
		if rule.rx.MatchString(errText) {
			return rule.toolType
		}
	}
	return ""
}

var (
	quotedRx   = regexp.MustCompile("'[^']*'|\"[^\"]*\"|`[^`]*`")
	digitRunRx = regexp.MustCompile(`\d+`)
	spaceRunRx = regexp.MustCompile(`\s+`)
)

// normalizeErrorText redacts the volatile parts of an error message so that
// textually distinct occurrences of the same failure collapse: quoted
// substrings are stripped, digit runs become N, whitespace collapses.
func normalizeErrorText(s string) string {
	s = quotedRx.ReplaceAllString(s, "")
	s = digitRunRx.ReplaceAllString(s, "N")
	s = spaceRunRx.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// PatternKey derives the failure-pattern equivalence key from the failing
// action, its selector, and the redacted error text.
func PatternKey(action types.Action, selector, errText string) string {
	key := string(action) + "|" + normalizeErrorText(selector) + "|" + normalizeErrorText(errText)
	return types.Truncate(key, patternKeyMaxLen)
}

// serializeError renders a structured error to a stable string, preferring
// the message fields over a JSON dump.
func serializeError(e *types.Error) string {
	if e == nil {
		return "unknown error"
	}
	if e.Detail != "" {
		return fmt.Sprintf("[%s] %s", e.Kind, e.Detail)
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %v", e.Kind, e.Cause)
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return string(e.Kind)
	}
	return string(raw)
}

// toolRequest is what the tracker asks the Doctor to send to Frank.
type toolRequest struct {
	Pattern *types.FailurePattern
	Payload bus.ToolCreatePayload
}

// failureTracker aggregates step failures into normalized patterns and
// decides when a pattern has earned a generated repair tool.
type failureTracker struct {
	log       *zap.Logger
	threshold int
	enabled   bool

	mu       sync.Mutex
	patterns map[string]*types.FailurePattern
	pending  map[string]*types.PendingToolRequest // keyed by tool.create message id

	toolsCreated  int
	toolsFailed   int
	latencies     []time.Duration // rolling, createLatencyWindow entries
	thoughtHints  []bus.IgorThoughtPayload
	maxThoughtLog int
}

const createLatencyWindow = 100

func newFailureTracker(threshold int, enabled bool, log *zap.Logger) *failureTracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &failureTracker{
		log:           log.Named("failures"),
		threshold:     threshold,
		enabled:       enabled,
		patterns:      make(map[string]*types.FailurePattern),
		pending:       make(map[string]*types.PendingToolRequest),
		maxThoughtLog: 200,
	}
}

// Record upserts the pattern for one step failure. When the pattern crosses
// the creation threshold, has no tool requested yet, and classifies to a
// known tool type, the returned request is non-nil and must be sent to
// Frank; the caller registers it with TrackRequest once the message id is
// known.
func (t *failureTracker) Record(planID string, stepIndex int, action types.Action, selector string, stepErr *types.Error) *toolRequest {
	errText := serializeError(stepErr)
	key := PatternKey(action, selector, errText)
	now := time.Now().UTC()

	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.patterns[key]
	if !ok {
		p = &types.FailurePattern{
			Key:       key,
			Action:    action,
			Selector:  selector,
			FirstSeen: now,
			ToolType:  classifyFailure(errText),
		}
		t.patterns[key] = p
	}
	p.Count++
	p.LastSeen = now
	p.LastError = errText
	if !containsString(p.PlanIDs, planID) {
		p.PlanIDs = append(p.PlanIDs, planID)
	}

	if !t.enabled || p.ToolRequested || p.ToolType == "" || p.Count < t.threshold {
		return nil
	}

	p.ToolRequested = true
	name := generatedToolName(p.ToolType, key)
	t.log.Info("failure pattern crossed tool-creation threshold",
		zap.String("pattern", key),
		zap.Int("count", p.Count),
		zap.String("toolType", p.ToolType),
		zap.String("toolName", name))
	return &toolRequest{
		Pattern: p,
		Payload: bus.ToolCreatePayload{
			Name:        name,
			Description: toolDescription(p.ToolType, action, selector),
			Code:        generatedToolSource(p.ToolType, selector),
			InputSchema: generatedToolSchema(p.ToolType),
			Author:      "doctor",
		},
	}
}

// TrackRequest records the outstanding tool.create once its message id is
// known. One PendingToolRequest per in-flight create.
func (t *failureTracker) TrackRequest(requestID, planID string, stepIndex int, patternKey, toolName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[requestID] = &types.PendingToolRequest{
		RequestID:  requestID,
		PlanID:     planID,
		StepIndex:  stepIndex,
		PatternKey: patternKey,
		ToolName:   toolName,
		CreatedAt:  time.Now().UTC(),
	}
}

// ResolveCreated consumes the pending request matching a tool.created
// correlation id: records latency, pins the created tool name onto the
// pattern, and returns the origin so the Doctor can retry the plan.
func (t *failureTracker) ResolveCreated(correlationID, toolName string) *types.PendingToolRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	req, ok := t.pending[correlationID]
	if !ok {
		return nil
	}
	delete(t.pending, correlationID)

	t.toolsCreated++
	latency := time.Since(req.CreatedAt)
	t.latencies = append(t.latencies, latency)
	if len(t.latencies) > createLatencyWindow {
		t.latencies = t.latencies[len(t.latencies)-createLatencyWindow:]
	}
	if p, ok := t.patterns[req.PatternKey]; ok {
		p.ToolCreated = toolName
	}
	return req
}

// ResolveError clears a failed tool.create so the pattern may re-request
// later. The pending entry is discarded.
func (t *failureTracker) ResolveError(correlationID string) *types.PendingToolRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	req, ok := t.pending[correlationID]
	if !ok {
		return nil
	}
	delete(t.pending, correlationID)
	t.toolsFailed++
	if p, ok := t.patterns[req.PatternKey]; ok {
		p.ToolRequested = false
	}
	return req
}

// RecordThought keeps an igor.thought as a remediation hint. Advisory only.
func (t *failureTracker) RecordThought(thought bus.IgorThoughtPayload) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.thoughtHints = append(t.thoughtHints, thought)
	if len(t.thoughtHints) > t.maxThoughtLog {
		t.thoughtHints = t.thoughtHints[len(t.thoughtHints)-t.maxThoughtLog:]
	}
}

// Patterns snapshots all known failure patterns.
func (t *failureTracker) Patterns() []types.FailurePattern {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.FailurePattern, 0, len(t.patterns))
	for _, p := range t.patterns {
		out = append(out, *p)
	}
	return out
}

// Pending snapshots outstanding tool requests.
func (t *failureTracker) Pending() []types.PendingToolRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.PendingToolRequest, 0, len(t.pending))
	for _, r := range t.pending {
		out = append(out, *r)
	}
	return out
}

// Stats reports tool-creation counters and the mean creation latency.
func (t *failureTracker) Stats() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	var mean time.Duration
	if len(t.latencies) > 0 {
		var sum time.Duration
		for _, l := range t.latencies {
			sum += l
		}
		mean = sum / time.Duration(len(t.latencies))
	}
	return map[string]any{
		"enabled":           t.enabled,
		"threshold":         t.threshold,
		"patterns":          len(t.patterns),
		"pendingRequests":   len(t.pending),
		"toolsCreated":      t.toolsCreated,
		"toolsFailed":       t.toolsFailed,
		"meanCreateLatency": mean.String(),
	}
}

// generatedToolName builds the auto_<tooltype>_<hash> name; the hash keeps
// names distinct across patterns of the same type.
func generatedToolName(toolType, patternKey string) string {
	h := fnv.New32a()
	h.Write([]byte(patternKey))
	return fmt.Sprintf("auto_%s_%06x", toolType, h.Sum32()&0xffffff)
}

func toolDescription(toolType string, action types.Action, selector string) string {
	desc := fmt.Sprintf("auto-generated %s repair for failing %s steps", strings.ReplaceAll(toolType, "_", " "), action)
	if selector != "" {
		desc += fmt.Sprintf(" (selector %s)", selector)
	}
	return desc
}

func containsString(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
