package igor

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"franklab/internal/bridge"
	"franklab/internal/bus"
	"franklab/internal/config"
	"franklab/internal/types"
)

// startBridge runs a real in-process bridge for end-to-end worker tests.
func startBridge(t *testing.T) string {
	t.Helper()
	hub := bridge.NewHub(bridge.Options{})
	srv := bridge.NewServer(hub, bridge.ServerOptions{})
	ts := httptest.NewServer(srv.Handler())
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = hub.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		ts.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/bus"
}

// fakeDoctor is the planner's side of the bus, reduced to channels.
type fakeDoctor struct {
	client    *bus.Client
	started   chan bus.StepStartedPayload
	completed chan bus.PlanCompletedPayload
}

func newFakeDoctor(t *testing.T, url string) *fakeDoctor {
	t.Helper()
	d := &fakeDoctor{
		started:   make(chan bus.StepStartedPayload, 32),
		completed: make(chan bus.PlanCompletedPayload, 8),
	}
	d.client = bus.NewClient(bus.ClientOptions{ID: bus.ComponentDoctor, Version: "test", URL: url})
	d.client.Handle(bus.TypeStepStarted, func(_ context.Context, m *bus.Message) {
		var p bus.StepStartedPayload
		if m.Decode(&p) == nil {
			d.started <- p
		}
	})
	d.client.Handle(bus.TypePlanCompleted, func(_ context.Context, m *bus.Message) {
		var p bus.PlanCompletedPayload
		if m.Decode(&p) == nil {
			d.completed <- p
		}
	})
	d.client.HandleDefault(func(context.Context, *bus.Message) {})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.client.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, d.client.Connected, 3*time.Second, 10*time.Millisecond)
	return d
}

func startWorker(t *testing.T, url string, log *zap.Logger) *Worker {
	t.Helper()
	w := New(config.Igor{ID: "igor"}, config.Common{BridgeURL: url}, log)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, w.client.Connected, 3*time.Second, 10*time.Millisecond)
	return w
}

func waitPlan(id string, ms, steps int) *types.Plan {
	plan := &types.Plan{ID: id, Intent: "wait", CreatedAt: time.Now().UTC()}
	for i := 0; i < steps; i++ {
		plan.Steps = append(plan.Steps, types.Step{
			Action: types.ActionWait,
			Params: map[string]any{"ms": ms},
		})
	}
	return plan
}

func receiveCompleted(t *testing.T, d *fakeDoctor) bus.PlanCompletedPayload {
	t.Helper()
	select {
	case p := <-d.completed:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("no plan.completed received")
		return bus.PlanCompletedPayload{}
	}
}

func assertNoMoreCompleted(t *testing.T, d *fakeDoctor) {
	t.Helper()
	select {
	case p := <-d.completed:
		t.Fatalf("unexpected extra plan.completed for %s", p.PlanID)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestWorkerExecutesPlanWithSingleCompletion(t *testing.T) {
	url := startBridge(t)
	startWorker(t, url, nil)
	d := newFakeDoctor(t, url)

	plan := waitPlan("plan-ok", 10, 2)
	reply, err := d.client.Request(context.Background(), "igor", bus.TypePlanSubmit,
		bus.PlanSubmitPayload{Plan: plan}, 3*time.Second)
	require.NoError(t, err)
	var acc bus.PlanAcceptedPayload
	require.NoError(t, reply.Decode(&acc))
	assert.Equal(t, "plan-ok", acc.PlanID)

	done := receiveCompleted(t, d)
	assert.Equal(t, "plan-ok", done.PlanID)
	assert.True(t, done.Success)
	assert.False(t, done.Cancelled)
	require.Len(t, done.Results, 2)
	for i, r := range done.Results {
		assert.Equal(t, i, r.Index)
		assert.True(t, r.Success)
		assert.False(t, r.Skipped)
	}
	assertNoMoreCompleted(t, d)
}

func TestWorkerCancelIsIdempotent(t *testing.T) {
	url := startBridge(t)
	startWorker(t, url, nil)
	d := newFakeDoctor(t, url)

	plan := waitPlan("plan-cancel", 2000, 3)
	_, err := d.client.Request(context.Background(), "igor", bus.TypePlanSubmit,
		bus.PlanSubmitPayload{Plan: plan}, 3*time.Second)
	require.NoError(t, err)

	select {
	case <-d.started:
	case <-time.After(3 * time.Second):
		t.Fatal("plan never started")
	}

	for i := 0; i < 2; i++ {
		reply, err := d.client.Request(context.Background(), "igor", bus.TypePlanCancel,
			bus.PlanCancelPayload{PlanID: "plan-cancel"}, 3*time.Second)
		require.NoError(t, err, "cancel %d must succeed", i+1)
		assert.Equal(t, bus.TypePlanAccepted, reply.Type)
	}

	done := receiveCompleted(t, d)
	assert.Equal(t, "plan-cancel", done.PlanID)
	assert.False(t, done.Success)
	assert.True(t, done.Cancelled)
	assert.Equal(t, "cancelled", done.Error)

	// Cancelling an already-terminal plan stays a no-op success and never
	// produces a second terminal message.
	reply, err := d.client.Request(context.Background(), "igor", bus.TypePlanCancel,
		bus.PlanCancelPayload{PlanID: "plan-cancel"}, 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, bus.TypePlanAccepted, reply.Type)
	assertNoMoreCompleted(t, d)
}

func TestWorkerRejectsSecondPlanWhileBusy(t *testing.T) {
	url := startBridge(t)
	startWorker(t, url, nil)
	d := newFakeDoctor(t, url)

	_, err := d.client.Request(context.Background(), "igor", bus.TypePlanSubmit,
		bus.PlanSubmitPayload{Plan: waitPlan("plan-a", 2000, 2)}, 3*time.Second)
	require.NoError(t, err)
	select {
	case <-d.started:
	case <-time.After(3 * time.Second):
		t.Fatal("plan never started")
	}

	_, err = d.client.Request(context.Background(), "igor", bus.TypePlanSubmit,
		bus.PlanSubmitPayload{Plan: waitPlan("plan-b", 10, 1)}, 3*time.Second)
	require.Error(t, err)
	assert.Equal(t, types.KindOverload, types.KindOf(err))

	_, err = d.client.Request(context.Background(), "igor", bus.TypePlanCancel,
		bus.PlanCancelPayload{PlanID: "plan-a"}, 3*time.Second)
	require.NoError(t, err)
	receiveCompleted(t, d)
}

func TestWorkerResumeBackfillsSkippedResults(t *testing.T) {
	url := startBridge(t)
	startWorker(t, url, nil)
	d := newFakeDoctor(t, url)

	plan := waitPlan("plan-resume", 10, 3)
	_, err := d.client.Request(context.Background(), "igor", bus.TypePlanSubmit,
		bus.PlanSubmitPayload{Plan: plan, ResumeFromStep: 1}, 3*time.Second)
	require.NoError(t, err)

	done := receiveCompleted(t, d)
	assert.True(t, done.Success)
	require.Len(t, done.Results, 3)
	assert.True(t, done.Results[0].Skipped)
	assert.True(t, done.Results[0].Success)
	assert.False(t, done.Results[1].Skipped)
	assert.False(t, done.Results[2].Skipped)

	// Only the steps from the resume point actually ran.
	var ran []int
	for i := 0; i < 2; i++ {
		select {
		case p := <-d.started:
			ran = append(ran, p.StepIndex)
		case <-time.After(2 * time.Second):
			t.Fatal("missing step.started event")
		}
	}
	assert.Equal(t, []int{1, 2}, ran)
	select {
	case p := <-d.started:
		t.Fatalf("step %d should not have started", p.StepIndex)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWorkerHandlesToolCreatedBroadcast(t *testing.T) {
	url := startBridge(t)
	core, logs := observer.New(zap.DebugLevel)
	startWorker(t, url, zap.New(core))
	d := newFakeDoctor(t, url)

	require.NoError(t, d.client.Broadcast(context.Background(), bus.TypeToolCreated,
		bus.ToolCreatedPayload{ID: "t1", Name: "auto_wait_abc123"}))

	require.Eventually(t, func() bool {
		return logs.FilterMessage("new dynamic tool available").Len() == 1
	}, 3*time.Second, 20*time.Millisecond)
	assert.Zero(t, logs.FilterMessage("no handler for message type").Len(),
		"tool.created must have a registered handler")
	entry := logs.FilterMessage("new dynamic tool available").All()[0]
	assert.Equal(t, "auto_wait_abc123", entry.ContextMap()["tool"])
}
