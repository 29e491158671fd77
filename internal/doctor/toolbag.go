package doctor

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"franklab/internal/types"
)

// maxStaticBagTools caps how many static tools keyword scoring may attach
// to one submission. All known Frank dynamic tools ride along regardless.
const maxStaticBagTools = 5

// staticTools is the Doctor's built-in tool registry: tools tagged by
// category and weight, matched to intents by keyword scoring.
var staticTools = []types.BagTool{
	{Name: "form_filler", Description: "fill text inputs by name or selector", Category: "forms",
		Keywords: []string{"login", "password", "type", "fill", "form", "email", "titled", "content"}, Weight: 3},
	{Name: "link_navigator", Description: "follow links and buttons across pages", Category: "navigation",
		Keywords: []string{"navigate", "go to", "open", "visit", "page"}, Weight: 3},
	{Name: "element_clicker", Description: "click elements by selector or visible text", Category: "interaction",
		Keywords: []string{"click", "press", "button", "submit", "approve"}, Weight: 3},
	{Name: "dropdown_selector", Description: "choose options from select elements", Category: "forms",
		Keywords: []string{"select", "choose", "dropdown", "option", "subreddit"}, Weight: 2},
	{Name: "page_verifier", Description: "assert expected text is present on the page", Category: "verification",
		Keywords: []string{"verify", "expect", "check", "assert", "titled"}, Weight: 2},
	{Name: "screenshot_capture", Description: "capture full-page screenshots", Category: "evidence",
		Keywords: []string{"screenshot", "capture", "evidence"}, Weight: 1},
	{Name: "wait_stabilizer", Description: "wait for navigation or dynamic content to settle", Category: "timing",
		Keywords: []string{"wait", "slow", "loading", "spinner"}, Weight: 1},
	{Name: "flow_runner", Description: "drive multi-step signup or checkout flows", Category: "flows",
		Keywords: []string{"signup", "sign up", "checkout", "flow", "register"}, Weight: 2},
}

// bagSelector scores the static registry against intents and carries the
// current snapshot of Frank's dynamic tools, refreshed on tool.created and
// on /tools resync after a Frank restart.
type bagSelector struct {
	mu      sync.Mutex
	dynamic []types.BagTool
}

// SetDynamicTools replaces the dynamic-tool snapshot.
func (b *bagSelector) SetDynamicTools(infos []types.ToolInfo) {
	tools := make([]types.BagTool, 0, len(infos))
	for _, info := range infos {
		if info.Status == types.ToolDeprecated {
			continue
		}
		tools = append(tools, types.BagTool{
			Name:        info.Name,
			Description: info.Description,
			Category:    "frank",
			Dynamic:     true,
			ToolID:      info.ID,
		})
	}
	b.mu.Lock()
	b.dynamic = tools
	b.mu.Unlock()
}

// AddDynamicTool appends one tool to the snapshot if it is not yet known.
func (b *bagSelector) AddDynamicTool(id, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.dynamic {
		if t.Name == name {
			return
		}
	}
	b.dynamic = append(b.dynamic, types.BagTool{
		Name: name, Category: "frank", Dynamic: true, ToolID: id,
	})
}

// Select builds the tool bag for one submission: the highest-weighted
// static keyword matches (deduplicated, capped) plus every known Frank
// dynamic tool.
func (b *bagSelector) Select(intent string) types.ToolBag {
	lower := strings.ToLower(intent)

	type scored struct {
		tool    types.BagTool
		score   int
		matched []string
	}
	var hits []scored
	for _, tool := range staticTools {
		score := 0
		var matched []string
		for _, kw := range tool.Keywords {
			if strings.Contains(lower, kw) {
				score += tool.Weight
				matched = append(matched, kw)
			}
		}
		if score > 0 {
			hits = append(hits, scored{tool: tool, score: score, matched: matched})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > maxStaticBagTools {
		hits = hits[:maxStaticBagTools]
	}

	bag := types.ToolBag{}
	var reasons []string
	for _, h := range hits {
		bag.Tools = append(bag.Tools, h.tool)
		reasons = append(reasons, fmt.Sprintf("%s (score %d: %s)", h.tool.Name, h.score, strings.Join(h.matched, ", ")))
	}

	b.mu.Lock()
	bag.Tools = append(bag.Tools, b.dynamic...)
	dynCount := len(b.dynamic)
	b.mu.Unlock()

	if dynCount > 0 {
		reasons = append(reasons, fmt.Sprintf("%d frank dynamic tools attached", dynCount))
	}
	bag.Reasoning = strings.Join(reasons, "; ")
	return bag
}
