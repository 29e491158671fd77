package bus

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessage(t *testing.T) {
	msg, err := New("doctor", "igor", TypePlanSubmit, PlanAcceptedPayload{PlanID: "p1"})
	require.NoError(t, err)

	assert.NotEmpty(t, msg.ID)
	assert.False(t, msg.Timestamp.IsZero())
	assert.Equal(t, "doctor", msg.Source)
	assert.Equal(t, "igor", msg.Target)
	assert.Empty(t, msg.CorrelationID)

	other, err := New("doctor", "igor", TypePlanSubmit, nil)
	require.NoError(t, err)
	assert.NotEqual(t, msg.ID, other.ID, "every envelope gets a fresh id")
	assert.Nil(t, other.Payload)
}

func TestNewRawPayloadPassthrough(t *testing.T) {
	raw := json.RawMessage(`{"planId":"p1"}`)
	msg, err := New("igor", "doctor", TypePlanAccepted, raw)
	require.NoError(t, err)
	assert.Equal(t, raw, msg.Payload)
}

func TestReplyCorrelation(t *testing.T) {
	req, err := New("doctor", "igor", TypePlanSubmit, PlanSubmitPayload{})
	require.NoError(t, err)

	reply, err := req.Reply("igor", TypePlanAccepted, PlanAcceptedPayload{PlanID: "p1"})
	require.NoError(t, err)

	assert.Equal(t, "igor", reply.Source)
	assert.Equal(t, "doctor", reply.Target, "reply goes back to the request source")
	assert.Equal(t, req.ID, reply.CorrelationID)
	assert.NotEqual(t, req.ID, reply.ID)
}

func TestDecode(t *testing.T) {
	msg, err := New("igor", "doctor", TypeStepFailed, StepFailedPayload{
		PlanID:    "p1",
		StepIndex: 2,
		Selector:  "#go",
	})
	require.NoError(t, err)

	var got StepFailedPayload
	require.NoError(t, msg.Decode(&got))
	assert.Equal(t, "p1", got.PlanID)
	assert.Equal(t, 2, got.StepIndex)
	assert.Equal(t, "#go", got.Selector)

	empty := &Message{Type: TypeHeartbeat, ID: "x"}
	assert.Error(t, empty.Decode(&got), "decoding an empty payload fails")

	bad := &Message{Type: TypeStepFailed, ID: "y", Payload: json.RawMessage(`{`)}
	assert.Error(t, bad.Decode(&got))
}

func TestEnvelopeWireShape(t *testing.T) {
	msg, err := New("doctor", TargetBroadcast, TypeToolCreated, ToolCreatedPayload{ID: "t1", Name: "auto_wait_helper_000001"})
	require.NoError(t, err)
	msg.CorrelationID = "req-1"

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))
	for _, key := range []string{"id", "timestamp", "source", "target", "type", "correlationId", "payload"} {
		assert.Contains(t, wire, key)
	}
	assert.Equal(t, "tool.created", wire["type"])
	assert.Equal(t, "broadcast", wire["target"])
}
