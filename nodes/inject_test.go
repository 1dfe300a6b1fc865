package nodes

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/nodeflow/errors"
	"github.com/c360/nodeflow/message"
	"github.com/c360/nodeflow/node"
	"github.com/c360/nodeflow/testutil"
)

func TestInjectPayloadTypes(t *testing.T) {
	tests := []struct {
		name    string
		props   map[string]any
		want    any
		wantErr bool
	}{
		{name: "string", props: map[string]any{"payloadType": "str", "payload": "on"}, want: "on"},
		{name: "number", props: map[string]any{"payloadType": "num", "payload": "42.5"}, want: 42.5},
		{name: "bad number", props: map[string]any{"payloadType": "num", "payload": "many"}, wantErr: true},
		{name: "bool", props: map[string]any{"payloadType": "bool", "payload": "true"}, want: true},
		{name: "json", props: map[string]any{"payloadType": "json", "payload": `{"a":[1,2]}`},
			want: map[string]any{"a": []any{float64(1), float64(2)}}},
		{name: "bad json", props: map[string]any{"payloadType": "json", "payload": "{"}, wantErr: true},
		{name: "unknown type", props: map[string]any{"payloadType": "flow"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := newInject(node.Config{ID: "i", Type: InjectType, Props: tt.props})
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsInvalid(err))
				return
			}
			require.NoError(t, err)
			msg := b.(*inject).build(message.New())
			assert.Equal(t, tt.want, msg.Payload())
		})
	}
}

func TestInjectDatePayload(t *testing.T) {
	b, err := newInject(node.Config{ID: "i", Type: InjectType})
	require.NoError(t, err)

	before := time.Now().UnixMilli()
	msg := b.(*inject).build(message.New())
	ts, ok := msg.Payload().(int64)
	require.True(t, ok)
	assert.GreaterOrEqual(t, ts, before)
}

func TestInjectOnce(t *testing.T) {
	h := newHarness(t, Options{})
	h.deploy(t, testutil.NewFlowBuilder().
		Node("i", InjectType, "s").Prop("once", true).Prop("onceDelay", 0.01).
		Prop("payloadType", PayloadString).Prop("payload", "boot").
		Node("s", "sink").
		Build())

	got := h.rec.WaitReceived(t, "s", 1, waitFor)
	assert.Equal(t, "boot", got[0].Payload())
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.rec.Received("s"), 1)
}

func TestInjectRepeatStopsOnClose(t *testing.T) {
	h := newHarness(t, Options{})
	h.deploy(t, testutil.NewFlowBuilder().
		Node("i", InjectType, "s").Prop("repeat", 0.01).Prop("topic", "tick").
		Node("s", "sink").
		Build())

	got := h.rec.WaitReceived(t, "s", 3, waitFor)
	assert.Equal(t, "tick", got[0].Topic())

	require.NoError(t, h.mgr.StopFlows(h.ctx, nil))
	settled := len(h.rec.Received("s"))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, len(h.rec.Received("s")))
}

func TestInjectTriggerKeepsMessageID(t *testing.T) {
	h := newHarness(t, Options{})
	h.deploy(t, testutil.NewFlowBuilder().
		Node("i", InjectType, "s").Prop("payloadType", PayloadNumber).Prop("payload", "3").
		Node("s", "sink").
		Build())

	trigger := message.New()
	require.NoError(t, h.mgr.Inject(h.ctx, "i", trigger))

	got := h.rec.WaitReceived(t, "s", 1, waitFor)
	assert.Equal(t, float64(3), got[0].Payload())
	assert.Equal(t, trigger.ID(), got[0].ID())
}
