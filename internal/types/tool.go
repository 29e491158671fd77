package types

import (
	"time"
)

// ToolStatus is the lifecycle state of a dynamic tool. stable is an operator
// concept; only igorified is reached automatically, via export.
type ToolStatus string

const (
	ToolExperimental ToolStatus = "experimental"
	ToolStable       ToolStatus = "stable"
	ToolIgorified    ToolStatus = "igorified"
	ToolDeprecated   ToolStatus = "deprecated"
)

// ToolInfo is the bus/HTTP projection of a dynamic tool. Source code is
// carried on create/update but omitted from listings.
type ToolInfo struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
	Author      string         `json:"author,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	Invocations int            `json:"invocations"`
	Successes   int            `json:"successes"`
	Failures    int            `json:"failures"`
	LastUsed    time.Time      `json:"lastUsed,omitzero"`
	LastError   string         `json:"lastError,omitempty"`
	Status      ToolStatus     `json:"status"`
	IgorifiedAt *time.Time     `json:"igorifiedAt,omitempty"`
}

// SuccessRate returns successes/invocations, or 0 with no invocations.
func (t ToolInfo) SuccessRate() float64 {
	if t.Invocations == 0 {
		return 0
	}
	return float64(t.Successes) / float64(t.Invocations)
}

// BagTool is one entry in a plan's tool bag: either a static tool from the
// Doctor's keyword registry or a Frank dynamic tool.
type BagTool struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Category    string   `json:"category,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
	Weight      int      `json:"weight,omitempty"`
	Dynamic     bool     `json:"dynamic,omitempty"`
	ToolID      string   `json:"toolId,omitempty"`
}

// ToolBag constrains what an executor may call while running a plan.
type ToolBag struct {
	Tools     []BagTool `json:"tools"`
	Reasoning string    `json:"reasoning,omitempty"`
}

// Has reports whether a tool name is in the bag.
func (b ToolBag) Has(name string) bool {
	for _, t := range b.Tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// DynamicTools returns only the Frank dynamic entries.
func (b ToolBag) DynamicTools() []BagTool {
	var out []BagTool
	for _, t := range b.Tools {
		if t.Dynamic {
			out = append(out, t)
		}
	}
	return out
}

// FailurePattern is a normalized equivalence class of step errors used to
// decide whether a new tool would help.
type FailurePattern struct {
	Key           string    `json:"key"`
	Action        Action    `json:"action"`
	Selector      string    `json:"selector,omitempty"`
	LastError     string    `json:"lastError"`
	Count         int       `json:"count"`
	FirstSeen     time.Time `json:"firstSeen"`
	LastSeen      time.Time `json:"lastSeen"`
	PlanIDs       []string  `json:"planIds"`
	ToolType      string    `json:"toolType,omitempty"`
	ToolRequested bool      `json:"toolRequested"`
	ToolCreated   string    `json:"toolCreated,omitempty"`
}

// PendingToolRequest tracks one outstanding tool.create awaiting its
// tool.created or tool.error acknowledgement.
type PendingToolRequest struct {
	RequestID  string    `json:"requestId"`
	PlanID     string    `json:"planId"`
	StepIndex  int       `json:"stepIndex"`
	PatternKey string    `json:"patternKey"`
	ToolName   string    `json:"toolName"`
	CreatedAt  time.Time `json:"createdAt"`
}
