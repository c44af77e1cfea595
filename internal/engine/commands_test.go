package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conveyor-plc/internal/types"
)

func TestInterpret_ControlLiterals(t *testing.T) {
	cases := []struct {
		topic   string
		payload string
		want    CommandKind
	}{
		{"control/belt", "start", CmdBeltStart},
		{"control/belt", " stop\n", CmdBeltStop},
		{"control/diversion", "normal", CmdRouteNormal},
		{"control/diversion", "divert", CmdRouteDivert},
		{"control/diversion", "desviar", CmdRouteDivert},
		{"control/reset", "all", CmdReset},
		{"control/reset", "Caja_1", CmdReset},
	}
	for _, tc := range cases {
		cmd, err := testTopics.Interpret(types.Message{Topic: tc.topic, Payload: []byte(tc.payload)})
		require.NoError(t, err, tc.payload)
		assert.Equal(t, tc.want, cmd.Kind, tc.payload)
	}
}

func TestInterpret_Classification(t *testing.T) {
	cmd, err := testTopics.Interpret(types.Message{
		Topic:   "sensor/object-detected",
		Payload: []byte(`{"bin":1,"color":"rojo","size":30,"condition":"normal"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, CmdClassification, cmd.Kind)
	assert.Equal(t, types.Classification{Bin: 1, Color: "rojo", Size: 30, Condition: "normal"}, cmd.Classification)
}

func TestInterpret_CameraFirmwareFieldNames(t *testing.T) {
	cmd, err := testTopics.Interpret(types.Message{
		Topic:   "sensor/object-detected",
		Payload: []byte(`{"tipo":0,"color":"azul","tamano":60,"estado":"normal"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, types.Classification{Bin: 0, Color: "azul", Size: 60, Condition: "normal"}, cmd.Classification)
}

func TestInterpret_ClassificationDefaults(t *testing.T) {
	cmd, err := testTopics.Interpret(types.Message{Topic: "sensor/object-detected", Payload: []byte(`{"bin":0}`)})
	require.NoError(t, err)
	assert.Equal(t, "desconocido", cmd.Classification.Color)
	assert.Equal(t, "normal", cmd.Classification.Condition)
}

func TestInterpret_RejectsBadInput(t *testing.T) {
	cases := []types.Message{
		{Topic: "control/belt", Payload: []byte("run")},
		{Topic: "control/diversion", Payload: []byte("")},
		{Topic: "control/reset", Payload: []byte("Caja_7")},
		{Topic: "sensor/object-detected", Payload: []byte(`{"color":"rojo"}`)},
		{Topic: "sensor/object-detected", Payload: []byte(`{"bin":2}`)},
		{Topic: "sensor/object-detected", Payload: []byte(`{"bin":-1}`)},
		{Topic: "sensor/object-detected", Payload: []byte(`{"bin":0,"size":-1}`)},
		{Topic: "sensor/object-detected", Payload: []byte(`{"bin":`)},
	}
	for _, msg := range cases {
		_, err := testTopics.Interpret(msg)
		assert.ErrorIs(t, err, ErrMalformed, string(msg.Payload))
	}

	_, err := testTopics.Interpret(types.Message{Topic: "plc/otro", Payload: []byte("start")})
	assert.ErrorIs(t, err, ErrUnknownTopic)
}

func TestTopics_Subscriptions(t *testing.T) {
	assert.ElementsMatch(t,
		[]string{"control/belt", "control/diversion", "sensor/object-detected", "control/reset"},
		testTopics.Subscriptions())

	noReset := testTopics
	noReset.Reset = ""
	assert.Len(t, noReset.Subscriptions(), 3)
}
