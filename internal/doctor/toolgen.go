package doctor

import "fmt"

// Generated repair tools are source-level: Frank compiles them in its
// sandbox, so each template must declare
// Run(params map[string]interface{}, ctx map[string]interface{}) and only
// touch the host through the ctx capability map.

// generatedToolSource renders the code template for a tool type. The
// failing selector is baked in as the default parameter value.
func generatedToolSource(toolType, selector string) string {
	switch toolType {
	case ToolTypeSmartSelector:
		return fmt.Sprintf(`import "strings"

func Run(params map[string]interface{}, ctx map[string]interface{}) (interface{}, error) {
	sel, _ := params["selector"].(string)
	if sel == "" {
		sel = %q
	}
	log := ctx["log"].(func(string))
	log("deriving alternative selectors for " + sel)
	candidates := []string{}
	if i := strings.Index(sel, ":nth-child"); i > 0 {
		candidates = append(candidates, sel[:i])
	}
	if strings.HasPrefix(sel, "#") {
		candidates = append(candidates, "[id=\""+sel[1:]+"\"]", "[name=\""+sel[1:]+"\"]")
	}
	if strings.HasPrefix(sel, ".") {
		candidates = append(candidates, "[class*=\""+sel[1:]+"\"]")
	}
	candidates = append(candidates, sel+" button", sel+" a", "button", "[role=\"button\"]")
	return map[string]interface{}{"selector": sel, "candidates": candidates}, nil
}`, selector)

	case ToolTypeWaitHelper:
		return `func Run(params map[string]interface{}, ctx map[string]interface{}) (interface{}, error) {
	ms := 2000
	if v, ok := params["ms"].(float64); ok && v > 0 {
		ms = int(v)
	}
	log := ctx["log"].(func(string))
	sleep := ctx["sleep"].(func(int))
	log("waiting for page to settle")
	sleep(ms)
	return map[string]interface{}{"waitedMs": ms}, nil
}`

	case ToolTypeNetworkHelper:
		return `import "strings"

func Run(params map[string]interface{}, ctx map[string]interface{}) (interface{}, error) {
	url, _ := params["url"].(string)
	if url == "" {
		return nil, nil
	}
	fetch := ctx["fetch"].(func(string) (string, error))
	body, err := fetch(url)
	if err != nil {
		return map[string]interface{}{"reachable": false, "error": err.Error()}, nil
	}
	return map[string]interface{}{"reachable": true, "bytes": len(body), "hasBody": strings.TrimSpace(body) != ""}, nil
}`

	case ToolTypeVisibilityHelper:
		return `func Run(params map[string]interface{}, ctx map[string]interface{}) (interface{}, error) {
	sleep := ctx["sleep"].(func(int))
	shot := ctx["screenshot"].(func() (string, error))
	sleep(1000)
	image, err := shot()
	if err != nil {
		return map[string]interface{}{"visibleEvidence": false}, nil
	}
	return map[string]interface{}{"visibleEvidence": true, "screenshot": image}, nil
}`

	case ToolTypeFrameHandler:
		return fmt.Sprintf(`func Run(params map[string]interface{}, ctx map[string]interface{}) (interface{}, error) {
	sel, _ := params["selector"].(string)
	if sel == "" {
		sel = %q
	}
	frames := []string{"iframe " + sel, "iframe:first-of-type " + sel, "frame " + sel}
	return map[string]interface{}{"selector": sel, "frameCandidates": frames}, nil
}`, selector)

	case ToolTypePopupHandler:
		return `func Run(params map[string]interface{}, ctx map[string]interface{}) (interface{}, error) {
	dismiss := []string{
		"[aria-label=\"Close\"]", ".modal-close", ".popup-close",
		"button.close", "[data-dismiss]",
	}
	return map[string]interface{}{"dismissCandidates": dismiss}, nil
}`

	case ToolTypeCaptchaHandler:
		return `import "errors"

func Run(params map[string]interface{}, ctx map[string]interface{}) (interface{}, error) {
	log := ctx["log"].(func(string))
	shot := ctx["screenshot"].(func() (string, error))
	log("captcha detected; capturing evidence")
	image, _ := shot()
	if image == "" {
		return nil, errors.New("captcha requires manual intervention")
	}
	return map[string]interface{}{"manualInterventionRequired": true, "screenshot": image}, nil
}`

	case ToolTypeDatePicker:
		return `import (
	"fmt"
	"time"
)

func Run(params map[string]interface{}, ctx map[string]interface{}) (interface{}, error) {
	value, _ := params["date"].(string)
	if value == "" {
		value = time.Now().Format("2006-01-02")
	}
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return nil, fmt.Errorf("date must be YYYY-MM-DD: %v", err)
	}
	return map[string]interface{}{
		"iso":   t.Format("2006-01-02"),
		"day":   t.Day(),
		"month": int(t.Month()),
		"year":  t.Year(),
	}, nil
}`

	case ToolTypeDropdownHandler:
		return fmt.Sprintf(`func Run(params map[string]interface{}, ctx map[string]interface{}) (interface{}, error) {
	sel, _ := params["selector"].(string)
	if sel == "" {
		sel = %q
	}
	candidates := []string{sel, sel + " option", "select" + sel, "[role=\"listbox\"]", "[role=\"combobox\"]"}
	return map[string]interface{}{"selector": sel, "candidates": candidates}, nil
}`, selector)

	case ToolTypeFileUpload:
		return `func Run(params map[string]interface{}, ctx map[string]interface{}) (interface{}, error) {
	candidates := []string{"input[type=\"file\"]", "[data-upload]", "input[accept]"}
	return map[string]interface{}{"candidates": candidates}, nil
}`
	}
	return ""
}

// generatedToolSchema builds the JSON-Schema for a tool type's params.
func generatedToolSchema(toolType string) map[string]any {
	obj := func(props map[string]any) map[string]any {
		return map[string]any{"type": "object", "properties": props}
	}
	selectorProp := map[string]any{"type": "string", "description": "failing CSS selector"}

	switch toolType {
	case ToolTypeSmartSelector, ToolTypeFrameHandler, ToolTypeDropdownHandler:
		return obj(map[string]any{"selector": selectorProp})
	case ToolTypeWaitHelper:
		return obj(map[string]any{"ms": map[string]any{"type": "integer", "description": "settle time in milliseconds"}})
	case ToolTypeNetworkHelper:
		return obj(map[string]any{"url": map[string]any{"type": "string", "description": "url to probe"}})
	case ToolTypeDatePicker:
		return obj(map[string]any{"date": map[string]any{"type": "string", "description": "YYYY-MM-DD"}})
	default:
		return obj(map[string]any{})
	}
}
