package igor

import (
	"context"
	"time"

	"franklab/internal/bus"
	"franklab/internal/types"
)

// runStep performs one action. Browser-backed actions go to Frank over the
// bus; waits are local suspension points so cancellation lands between
// actions.
func (w *Worker) runStep(ctx context.Context, exec *execution, step types.Step) (any, error) {
	switch step.Action {
	case types.ActionWait:
		return nil, w.wait(ctx, step)
	case types.ActionLaunch:
		return w.launch(ctx, exec, step)
	case types.ActionVerify:
		return w.verify(ctx, exec, step)
	default:
		return w.browserCommand(ctx, exec, browserType(step.Action), step.Params)
	}
}

func browserType(action types.Action) string {
	switch action {
	case types.ActionNavigate:
		return bus.TypeBrowserNavigate
	case types.ActionClick:
		return bus.TypeBrowserClick
	case types.ActionType:
		return bus.TypeBrowserType
	case types.ActionSelect:
		return bus.TypeBrowserSelect
	case types.ActionScreenshot:
		return bus.TypeBrowserScreenshot
	case types.ActionClose:
		return bus.TypeBrowserClose
	default:
		return bus.TypeBrowserNavigate
	}
}

func (w *Worker) wait(ctx context.Context, step types.Step) error {
	ms := 0
	switch v := step.Params["ms"].(type) {
	case float64:
		ms = int(v)
	case int:
		ms = v
	}
	if ms <= 0 {
		ms = 500
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return nil
	}
}

func (w *Worker) launch(ctx context.Context, exec *execution, step types.Step) (any, error) {
	result, err := w.browserCommand(ctx, exec, bus.TypeBrowserLaunch, step.Params)
	if err != nil {
		return nil, err
	}
	if m, ok := result.(map[string]any); ok {
		if id, ok := m["sessionId"].(string); ok {
			exec.sessionID = id
		}
	}
	return result, nil
}

func (w *Worker) verify(ctx context.Context, exec *execution, step types.Step) (any, error) {
	result, err := w.browserCommand(ctx, exec, bus.TypeBrowserVerify, step.Params)
	if err != nil {
		return nil, err
	}
	verified := false
	if m, ok := result.(map[string]any); ok {
		verified, _ = m["verified"].(bool)
	}
	if !verified {
		return nil, types.Errorf(types.KindElementNotFound,
			"expected outcome %q not found on page", step.StringParam("expected"))
	}
	if step.BoolParam("captureScreenshot") {
		if _, err := w.browserCommand(ctx, exec, bus.TypeBrowserScreenshot, nil); err != nil {
			w.log.Debug("verification screenshot failed")
		}
	}
	return result, nil
}

// browserCommand issues one browser.* request to Frank and unpacks the
// enum-typed result.
func (w *Worker) browserCommand(ctx context.Context, exec *execution, typ string, params map[string]any) (any, error) {
	timeout := 30 * time.Second
	reply, err := w.client.Request(ctx, bus.ComponentFrank, typ, bus.BrowserRequestPayload{
		SessionID: exec.sessionID,
		Params:    params,
	}, timeout)
	if err != nil {
		return nil, err
	}
	var result bus.BrowserResultPayload
	if err := reply.Decode(&result); err != nil {
		return nil, err
	}
	if !result.OK {
		if result.Error != nil {
			return nil, result.Error
		}
		return nil, types.Errorf(types.KindUnexpected, "%s failed without detail", typ)
	}
	if result.Screenshot != "" {
		return map[string]any{"screenshot": true, "bytes": len(result.Screenshot)}, nil
	}
	return result.Result, nil
}
