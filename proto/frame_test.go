package proto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameConstructors(t *testing.T) {
	f := NewRequestFrame(&Request{
		CorrelationID: "corr-1",
		Target:        AgentID{Type: "echo", Key: "default"},
		Message:       &Message{ID: "m1", Type: "echo_request", Payload: `"hi"`},
	})

	assert.Equal(t, SchemaVersion, f.Version)
	assert.Equal(t, KindRequest, f.Kind)
	require.NoError(t, f.Validate())
}

func TestFrameValidate(t *testing.T) {
	tests := []struct {
		name    string
		frame   *Frame
		wantErr string
	}{
		{
			name:    "wrong version",
			frame:   &Frame{Version: 99, Kind: KindEvent, Event: &Event{Message: &Message{}}},
			wantErr: "unsupported schema version",
		},
		{
			name:    "unknown kind",
			frame:   &Frame{Version: SchemaVersion, Kind: "telemetry"},
			wantErr: "unknown frame kind",
		},
		{
			name:    "register without payload",
			frame:   &Frame{Version: SchemaVersion, Kind: KindRegister},
			wantErr: "missing payload",
		},
		{
			name:    "register without worker id",
			frame:   NewRegisterFrame(&Register{AgentTypes: []string{"echo"}}),
			wantErr: "missing worker_id",
		},
		{
			name:    "request without correlation id",
			frame:   NewRequestFrame(&Request{Message: &Message{}}),
			wantErr: "missing correlation_id",
		},
		{
			name:    "request without message",
			frame:   NewRequestFrame(&Request{CorrelationID: "c"}),
			wantErr: "missing message",
		},
		{
			name:    "response without correlation id",
			frame:   NewResponseFrame(&Response{}),
			wantErr: "missing correlation_id",
		},
		{
			name:    "event without message",
			frame:   NewEventFrame(&Event{}),
			wantErr: "missing message",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.frame.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestFrameWireShape(t *testing.T) {
	f := NewEventFrame(&Event{
		Sender:  AgentID{Type: "counter-a", Key: "default"},
		Topic:   TopicID{Type: "default", Source: "default"},
		Message: &Message{ID: "m1", Type: "count", Payload: "3"},
	})

	data, err := json.Marshal(f)
	require.NoError(t, err)

	// The schema is language neutral: field names are stable snake_case
	// keys, not Go identifiers.
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.EqualValues(t, 1, raw["version"])
	assert.Equal(t, "event", raw["kind"])
	assert.NotContains(t, raw, "request")
	assert.NotContains(t, raw, "response")

	var back Frame
	require.NoError(t, json.Unmarshal(data, &back))
	require.NoError(t, back.Validate())
	assert.Equal(t, "count", back.Event.Message.Type)
	assert.Equal(t, "counter-a", back.Event.Sender.Type)
}

func TestJSONCodec(t *testing.T) {
	codec := jsonCodec{}
	assert.Equal(t, CodecName, codec.Name())

	in := NewResponseFrame(&Response{CorrelationID: "c1", ErrorKind: ErrorKindWorkerUnavailable, Error: "gone"})
	data, err := codec.Marshal(in)
	require.NoError(t, err)

	var out Frame
	require.NoError(t, codec.Unmarshal(data, &out))
	assert.Equal(t, in.Response.CorrelationID, out.Response.CorrelationID)
	assert.Equal(t, ErrorKindWorkerUnavailable, out.Response.ErrorKind)

	assert.Error(t, codec.Unmarshal([]byte("{not json"), &out))
}
