// Package bus defines the franklab message envelope and the websocket bus
// client every component uses to talk through the Bridge.
package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"franklab/internal/types"
)

// TargetBroadcast addresses a message to every connected component except
// the sender.
const TargetBroadcast = "broadcast"

// Well-known component ids.
const (
	ComponentBridge = "bridge"
	ComponentDoctor = "doctor"
	ComponentFrank  = "frankenstein"
)

// Message is the single envelope carried on the bus. Messages are immutable
// once emitted; replies bind to their request via CorrelationID.
type Message struct {
	ID            string          `json:"id"`
	Timestamp     time.Time       `json:"timestamp"`
	Source        string          `json:"source"`
	Target        string          `json:"target"`
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Message type namespace. Dot-separated, fixed for the core protocol.
const (
	TypeRegister        = "component.register"
	TypeRegistered      = "component.registered"
	TypeHeartbeat       = "heartbeat"
	TypeVersionAnnounce = "version.announce"
	TypeUndeliverable   = "undeliverable"
	TypeSlowConsumer    = "slow_consumer"
	TypeShutdown        = "shutdown"
	TypeError           = "error"

	TypePlanSubmit    = "plan.submit"
	TypePlanAccepted  = "plan.accepted"
	TypePlanCompleted = "plan.completed"
	TypePlanCancel    = "plan.cancel"

	TypeStepStarted   = "step.started"
	TypeStepCompleted = "step.completed"
	TypeStepFailed    = "step.failed"
	TypeStepRetrying  = "step.retrying"

	TypeIgorSpawn   = "igor.spawn"
	TypeIgorSpawned = "igor.spawned"
	TypeIgorExited  = "igor.exited"
	TypeIgorThought = "igor.thought"

	TypeToolCreate  = "tool.create"
	TypeToolCreated = "tool.created"
	TypeToolError   = "tool.error"
	TypeToolInvoke  = "tool.invoke"
	TypeToolResult  = "tool.result"
	TypeToolUpdate  = "tool.update"
	TypeToolDelete  = "tool.delete"
	TypeToolExport  = "tool.export"

	TypeBrowserLaunch     = "browser.launch"
	TypeBrowserNavigate   = "browser.navigate"
	TypeBrowserClick      = "browser.click"
	TypeBrowserType       = "browser.type"
	TypeBrowserSelect     = "browser.select"
	TypeBrowserScreenshot = "browser.screenshot"
	TypeBrowserVerify     = "browser.verify"
	TypeBrowserClose      = "browser.close"
	TypeBrowserResult     = "browser.result"

	TypeEventConsole = "event.console"
	TypeEventError   = "event.error"
)

// New builds an envelope with a fresh id and timestamp.
func New(source, target, typ string, payload any) (*Message, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Source:    source,
		Target:    target,
		Type:      typ,
		Payload:   raw,
	}, nil
}

// Reply builds the reply envelope for a request: target is the request's
// source and correlationId is the request's id.
func (m *Message) Reply(source, typ string, payload any) (*Message, error) {
	reply, err := New(source, m.Source, typ, payload)
	if err != nil {
		return nil, err
	}
	reply.CorrelationID = m.ID
	return reply, nil
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message %s has no payload", m.Type, m.ID)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", m.Type, err)
	}
	return nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	return raw, nil
}

// RegisterPayload authenticates a component connection.
type RegisterPayload struct {
	ID      string `json:"id"`
	Version string `json:"version"`
	Token   string `json:"token"`
}

// RegisteredPayload acknowledges (or rejects) a registration.
type RegisteredPayload struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// VersionAnnouncePayload tells peers a component joined.
type VersionAnnouncePayload struct {
	ID      string `json:"id"`
	Version string `json:"version"`
}

// UndeliverablePayload reports a routing failure back to the sender.
// Reason is "unknown_target" or "target_offline".
type UndeliverablePayload struct {
	OriginalID string `json:"originalId"`
	Target     string `json:"target"`
	Reason     string `json:"reason"`
}

// SlowConsumerPayload reports a dropped backpressured consumer.
type SlowConsumerPayload struct {
	ID string `json:"id"`
}

// ShutdownPayload asks a component to exit.
type ShutdownPayload struct {
	Reason string `json:"reason"`
}

// ErrorPayload is the generic message-level error reply.
type ErrorPayload struct {
	Error *types.Error `json:"error"`
}

// PlanSubmitPayload hands a plan and its tool bag to a worker.
type PlanSubmitPayload struct {
	Plan                   *types.Plan   `json:"plan"`
	ToolBag                types.ToolBag `json:"toolBag"`
	ToolSelectionReasoning string        `json:"toolSelectionReasoning,omitempty"`
	ResumeFromStep         int           `json:"resumeFromStep,omitempty"`
}

// PlanAcceptedPayload acknowledges a submission.
type PlanAcceptedPayload struct {
	PlanID string `json:"planId"`
}

// PlanCompletedPayload is the terminal message for a plan execution.
type PlanCompletedPayload struct {
	PlanID    string             `json:"planId"`
	Success   bool               `json:"success"`
	Cancelled bool               `json:"cancelled,omitempty"`
	Error     string             `json:"error,omitempty"`
	Results   []types.StepResult `json:"results,omitempty"`
}

// PlanCancelPayload aborts an executing plan.
type PlanCancelPayload struct {
	PlanID string `json:"planId"`
}

// StepStartedPayload marks the start of one step.
type StepStartedPayload struct {
	PlanID    string       `json:"planId"`
	StepIndex int          `json:"stepIndex"`
	Action    types.Action `json:"action"`
}

// StepCompletedPayload reports a successful step.
type StepCompletedPayload struct {
	PlanID     string `json:"planId"`
	StepIndex  int    `json:"stepIndex"`
	Result     any    `json:"result,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// StepFailedPayload reports a failed step with enough detail for the
// Doctor's failure analyzer.
type StepFailedPayload struct {
	PlanID    string       `json:"planId"`
	StepIndex int          `json:"stepIndex"`
	Action    types.Action `json:"action"`
	Selector  string       `json:"selector,omitempty"`
	Error     *types.Error `json:"error"`
}

// StepRetryingPayload announces a retry attempt, possibly after a Frank
// tool repair.
type StepRetryingPayload struct {
	PlanID        string `json:"planId"`
	StepIndex     int    `json:"stepIndex"`
	Attempt       int    `json:"attemptNumber"`
	BackoffMs     int64  `json:"backoffMs"`
	RetriesLeft   int    `json:"retriesLeft"`
	FrankToolUsed string `json:"frankToolUsed,omitempty"`
}

// IgorSpawnPayload requests a route-specialized worker.
type IgorSpawnPayload struct {
	ID         string         `json:"id"`
	Route      types.Route    `json:"route"`
	Conditions map[string]any `json:"conditions,omitempty"`
}

// IgorSpawnedPayload acknowledges a spawn request.
type IgorSpawnedPayload struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// IgorExitedPayload reports a worker exit.
type IgorExitedPayload struct {
	ID       string `json:"id"`
	RouteID  string `json:"routeId,omitempty"`
	ExitCode int    `json:"exitCode"`
}

// ThoughtContext carries the failing action alongside a thought.
type ThoughtContext struct {
	Action types.Action `json:"action"`
	Error  string       `json:"error"`
}

// IgorThoughtPayload is the advisory repair-reasoning channel. Doctor records
// it as a remediation hint; it has no behavioral consequence.
type IgorThoughtPayload struct {
	PlanID  string         `json:"planId"`
	Prompt  string         `json:"prompt"`
	Thought string         `json:"thought"`
	Context ThoughtContext `json:"context"`
}

// ToolCreatePayload registers a new dynamic tool with Frank.
type ToolCreatePayload struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Code        string         `json:"code"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
	Author      string         `json:"author,omitempty"`
}

// ToolCreatedPayload acknowledges a successful create/update.
type ToolCreatedPayload struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ToolErrorPayload reports a failed tool operation.
type ToolErrorPayload struct {
	Name  string `json:"name,omitempty"`
	Error string `json:"error"`
}

// ToolInvokePayload executes a dynamic tool.
type ToolInvokePayload struct {
	ToolID    string         `json:"toolId"`
	Params    map[string]any `json:"params,omitempty"`
	TimeoutMs int            `json:"timeoutMs,omitempty"`
}

// ToolResultPayload is the invocation reply.
type ToolResultPayload struct {
	ToolID     string `json:"toolId"`
	Success    bool   `json:"success"`
	Result     any    `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// ToolDeletePayload removes a dynamic tool.
type ToolDeletePayload struct {
	ToolID string `json:"toolId"`
}

// ToolExportPayload promotes a tool out of the experimental pool.
type ToolExportPayload struct {
	ToolID string `json:"toolId"`
}

// BrowserRequestPayload is the common shape of browser.* commands. Params
// carry the step parameter map (url, selector, text, value, fullPage, ...).
type BrowserRequestPayload struct {
	SessionID string         `json:"sessionId,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
}

// BrowserResultPayload is the browser.* reply.
type BrowserResultPayload struct {
	SessionID  string       `json:"sessionId,omitempty"`
	OK         bool         `json:"ok"`
	Result     any          `json:"result,omitempty"`
	Screenshot string       `json:"screenshot,omitempty"`
	Error      *types.Error `json:"error,omitempty"`
}

// EventConsolePayload mirrors page console output onto the bus.
type EventConsolePayload struct {
	SessionID string `json:"sessionId"`
	Level     string `json:"level"`
	Text      string `json:"text"`
}

// EventErrorPayload mirrors page errors onto the bus.
type EventErrorPayload struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}
