package types

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeIntent(t *testing.T) {
	assert.Equal(t, "a b c", SanitizeIntent("a\nb\tc"))
	assert.Equal(t, "clean", SanitizeIntent("  clean \x00\x1b "))

	long := strings.Repeat("x", MaxIntentLen+500)
	got := SanitizeIntent(long)
	assert.Len(t, got, MaxIntentLen)
	assert.Equal(t, got, SanitizeIntent(long), "truncation is deterministic")
}

func TestSanitizeIntentTruncatesOnRuneBoundary(t *testing.T) {
	// 1999 ascii bytes, then a 3-byte rune straddling the byte cap.
	got := SanitizeIntent(strings.Repeat("a", MaxIntentLen-1) + "日本語")
	assert.True(t, utf8.ValidString(got))
	assert.Len(t, got, MaxIntentLen-1)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 10))
	assert.Equal(t, "ab", Truncate("abcd", 2))
	assert.Equal(t, "é", Truncate("éé", 3), "cut backs off to the rune start")
	assert.Equal(t, "", Truncate("é", 1))
}

func TestValidateURL(t *testing.T) {
	assert.NoError(t, ValidateURL("https://example.com/path", false))
	assert.NoError(t, ValidateURL("http://localhost:3000", true))

	for _, raw := range []string{
		"ftp://example.com",
		"javascript:alert(1)",
		"http://",
		"not a url at all://",
	} {
		err := ValidateURL(raw, true)
		require.Error(t, err, raw)
		assert.Equal(t, KindValidationFailed, KindOf(err), raw)
	}

	for _, host := range []string{"localhost", "127.0.0.1", "sub.localhost"} {
		err := ValidateURL("http://"+host+":3000", false)
		assert.Error(t, err, host)
	}
}

func TestValidateSelector(t *testing.T) {
	assert.NoError(t, ValidateSelector(`input[name="gender"][value="boy"]`))
	assert.Error(t, ValidateSelector(""))
	assert.Error(t, ValidateSelector("   "))
	assert.Error(t, ValidateSelector("#id\x00"))
}

func TestValidatePlan(t *testing.T) {
	good := &Plan{ID: "p", Steps: []Step{
		{Action: ActionLaunch},
		{Action: ActionNavigate, Params: map[string]any{"url": "https://example.com"}},
		{Action: ActionClick, Params: map[string]any{"selector": "#go"}},
		{Action: ActionClose},
	}}
	assert.NoError(t, ValidatePlan(good, false))

	assert.Error(t, ValidatePlan(nil, false))
	assert.Error(t, ValidatePlan(&Plan{}, false), "empty plans are rejected")

	tooMany := &Plan{Steps: make([]Step, MaxPlanSteps+1)}
	for i := range tooMany.Steps {
		tooMany.Steps[i] = Step{Action: ActionWait}
	}
	assert.Error(t, ValidatePlan(tooMany, false))

	badAction := &Plan{Steps: []Step{{Action: "hover"}}}
	assert.Error(t, ValidatePlan(badAction, false))

	badURL := &Plan{Steps: []Step{
		{Action: ActionNavigate, Params: map[string]any{"url": "http://localhost:3000"}},
	}}
	assert.Error(t, ValidatePlan(badURL, false))
	assert.NoError(t, ValidatePlan(badURL, true))

	longText := &Plan{Steps: []Step{
		{Action: ActionType, Params: map[string]any{"text": strings.Repeat("a", MaxTextLength+1)}},
	}}
	err := ValidatePlan(longText, false)
	require.Error(t, err)
	assert.Equal(t, KindValidationFailed, KindOf(err))
}
