package status

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMachineState(t *testing.T) {
	tests := []struct {
		in   string
		want MachineState
	}{
		{"Idle", StateIdle},
		{"run", StateRun},
		{"Hold:0", StateHold},
		{"Door:1", StateDoor},
		{"Alarm", StateAlarm},
		{"ALARM", StateAlarm},
		{" Sleep ", StateSleep},
		{"Tool", StateUnknown},
		{"", StateUnknown},
		{"\x00\xff", StateUnknown},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseMachineState(tt.in), "input %q", tt.in)
	}
}

func TestPositionDistance(t *testing.T) {
	a := Position{X: 0, Y: 0, Z: 0}
	b := Position{X: 3, Y: 4, Z: 0}
	assert.InDelta(t, 5.0, a.Distance(b), 1e-9)
	assert.InDelta(t, 0.0, b.Distance(b), 1e-9)
}

func TestOptionalJSON(t *testing.T) {
	st := MachineStatus{
		State:      StateIdle,
		MachinePos: Position{X: 1},
		FeedRate:   Some(1200.0),
	}

	data, err := json.Marshal(st)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Nil(t, raw["work_pos"])
	assert.Nil(t, raw["spindle_speed"])
	assert.Equal(t, 1200.0, raw["feed_rate"])

	var back MachineStatus
	require.NoError(t, json.Unmarshal(data, &back))
	assert.False(t, back.WorkPos.Valid)
	v, ok := back.FeedRate.Get()
	assert.True(t, ok)
	assert.Equal(t, 1200.0, v)
}

func TestConnectionStateJSON(t *testing.T) {
	data, err := json.Marshal(ErrorState("port busy"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"phase":"ERROR","reason":"port busy"}`, string(data))

	data, err = json.Marshal(ConnectionState{Phase: Connected})
	require.NoError(t, err)
	assert.JSONEq(t, `{"phase":"CONNECTED"}`, string(data))
}
