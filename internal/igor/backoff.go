package igor

import (
	"math/rand"
	"strings"
	"time"

	"franklab/internal/types"
)

const (
	backoffBase   = 500 * time.Millisecond
	backoffCap    = 10 * time.Second
	backoffJitter = 0.2
)

// retryBackoff returns the delay before retry n (1-based): exponential from
// the base, capped, with ±20% jitter.
func retryBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := backoffBase << (attempt - 1)
	if delay > backoffCap || delay <= 0 {
		delay = backoffCap
	}
	jitter := 1 + backoffJitter*(2*rand.Float64()-1)
	return time.Duration(float64(delay) * jitter)
}

// repairKeywords maps an error kind to tool-name fragments that mark a
// dynamic tool as applicable to that class of failure.
var repairKeywords = map[types.Kind][]string{
	types.KindElementNotFound:  {"smart_selector", "selector", "visibility", "frame_handler"},
	types.KindBrowserTimeout:   {"wait_helper", "wait", "network_helper", "network"},
	types.KindNavigationFailed: {"network_helper", "network", "popup_handler"},
}

// pickRepairTool returns the first dynamic bag tool applicable to the error
// kind, or nil.
func pickRepairTool(bag types.ToolBag, kind types.Kind) *types.BagTool {
	keywords, ok := repairKeywords[kind]
	if !ok {
		return nil
	}
	for _, tool := range bag.DynamicTools() {
		name := strings.ToLower(tool.Name)
		for _, kw := range keywords {
			if strings.Contains(name, kw) {
				t := tool
				return &t
			}
		}
	}
	return nil
}
