package types

import (
	"fmt"
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Validation limits for compiled plans.
const (
	MaxPlanSteps  = 50
	MaxTextLength = 10000
	MaxIntentLen  = 2000
)

// SanitizeIntent truncates to MaxIntentLen and strips control characters.
// Truncation is deterministic: same input, same output.
func SanitizeIntent(intent string) string {
	var b strings.Builder
	b.Grow(len(intent))
	for _, r := range intent {
		if r == '\n' || r == '\t' {
			b.WriteRune(' ')
			continue
		}
		if unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
	}
	return Truncate(strings.TrimSpace(b.String()), MaxIntentLen)
}

// Truncate cuts s to at most max bytes without splitting a UTF-8 rune.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// ValidateURL enforces the http(s) scheme and the localhost policy.
func ValidateURL(raw string, allowLocalhost bool) error {
	u, err := url.Parse(raw)
	if err != nil {
		return Errorf(KindValidationFailed, "invalid url %q: %v", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Errorf(KindValidationFailed, "url %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return Errorf(KindValidationFailed, "url %q: missing host", raw)
	}
	if !allowLocalhost && isLoopbackHost(u.Hostname()) {
		return Errorf(KindValidationFailed, "url %q: localhost is not allowed", raw)
	}
	return nil
}

func isLoopbackHost(host string) bool {
	host = strings.ToLower(host)
	return host == "localhost" || host == "127.0.0.1" || host == "::1" || strings.HasSuffix(host, ".localhost")
}

// ValidateSelector rejects empty selectors and control characters.
func ValidateSelector(sel string) error {
	if strings.TrimSpace(sel) == "" {
		return NewError(KindValidationFailed, "selector is empty")
	}
	for _, r := range sel {
		if unicode.IsControl(r) {
			return Errorf(KindValidationFailed, "selector %q contains control characters", sel)
		}
	}
	return nil
}

// ValidatePlan runs the pre-submission checks: step count, closed action
// set, url policy, selector hygiene, and text length.
func ValidatePlan(p *Plan, allowLocalhost bool) error {
	if p == nil || len(p.Steps) == 0 {
		return NewError(KindValidationFailed, "plan has no steps")
	}
	if len(p.Steps) > MaxPlanSteps {
		return Errorf(KindValidationFailed, "plan has %d steps (max %d)", len(p.Steps), MaxPlanSteps)
	}
	for i, step := range p.Steps {
		if !step.Action.Valid() {
			return Errorf(KindValidationFailed, "step %d: unknown action %q", i, step.Action)
		}
		if u := step.StringParam("url"); u != "" {
			if err := ValidateURL(u, allowLocalhost); err != nil {
				return fmt.Errorf("step %d: %w", i, err)
			}
		}
		if sel := step.StringParam("selector"); sel != "" {
			if err := ValidateSelector(sel); err != nil {
				return fmt.Errorf("step %d: %w", i, err)
			}
		}
		for key, v := range step.Params {
			s, ok := v.(string)
			if !ok {
				continue
			}
			if len(s) > MaxTextLength {
				return Errorf(KindValidationFailed, "step %d: param %q exceeds %d chars", i, key, MaxTextLength)
			}
		}
	}
	return nil
}
