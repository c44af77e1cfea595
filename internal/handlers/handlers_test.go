package handlers

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conveyor-plc/internal/event"
	"conveyor-plc/internal/types"
	"conveyor-plc/internal/web"
)

func setupHandlers() (*event.Bus, *web.StateTracker) {
	bus := event.NewBus()
	st := web.NewStateTracker(nil, [types.BinCount]uint32{10, 10}, [types.BinCount]uint32{5, 5})
	RegisterEventHandlers(bus, st, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return bus, st
}

func TestRegisterEventHandlers_UpdatesState(t *testing.T) {
	bus, st := setupHandlers()

	bus.Publish(event.Event{Type: event.MotorChanged, Running: true})
	bus.Publish(event.Event{Type: event.LinkChanged, Running: true})
	bus.Publish(event.Event{Type: event.DiversionChanged, Decision: types.DecisionDivert})
	bus.Publish(event.Event{Type: event.BoxFull, Bin: types.BinNormal, Label: "Caja_0", Count: 5})
	c := types.Classification{Bin: 0, Color: "verde", Size: 10, Condition: "normal"}
	bus.Publish(event.Event{Type: event.ClassificationRecorded, Classification: &c, ObjectID: "obj-3"})

	s := st.GetStateSnapshot()
	assert.True(t, s.MotorRunning)
	assert.True(t, s.LinkConnected)
	assert.Equal(t, "divert", s.Decision)
	assert.True(t, s.Boxes[types.BinNormal].Paused)
	require.NotNil(t, s.LastClassification)
	assert.Equal(t, "obj-3", s.LastClassification.ObjectID)
}

func TestRegisterEventHandlers_CountsEvent(t *testing.T) {
	bus, st := setupHandlers()

	bus.Publish(event.Event{
		Type:          event.ObjectCounted,
		Bin:           types.BinNormal,
		NormalCount:   7,
		DivertedCount: 2,
		Boxes:         [types.BinCount]uint32{3, 1},
	})

	s := st.GetStateSnapshot()
	assert.Equal(t, uint32(7), s.Bins[types.BinNormal].Count)
	assert.Equal(t, uint32(2), s.Bins[types.BinDiverted].Count)
	assert.Equal(t, uint32(3), s.Boxes[types.BinNormal].Count)
}

// 同一周期内先停后启，面板必须显示最后的状态
func TestRegisterEventHandlers_StopThenStartShowsRunning(t *testing.T) {
	for i := 0; i < 200; i++ {
		bus, st := setupHandlers()
		bus.Publish(event.Event{Type: event.MotorChanged, Running: false})
		bus.Publish(event.Event{Type: event.MotorChanged, Running: true})
		require.True(t, st.GetStateSnapshot().MotorRunning, "run %d", i)
	}
}

func TestRegisterEventHandlers_LastDecisionWins(t *testing.T) {
	bus, st := setupHandlers()
	bus.Publish(event.Event{Type: event.DiversionChanged, Decision: types.DecisionNormal})
	bus.Publish(event.Event{Type: event.DiversionChanged, Decision: types.DecisionDivert})
	assert.Equal(t, types.DecisionDivert.String(), st.GetStateSnapshot().Decision)
}

func TestRegisterEventHandlers_LimitStopThenCounts(t *testing.T) {
	bus, st := setupHandlers()
	bus.Publish(event.Event{Type: event.MotorChanged, Running: true})
	bus.Publish(event.Event{Type: event.MotorChanged, Running: false})
	bus.Publish(event.Event{Type: event.LimitReported, Bin: types.BinNormal, Label: "normales", Count: 10})
	bus.Publish(event.Event{Type: event.ObjectCounted, Bin: types.BinNormal, NormalCount: 11})

	s := st.GetStateSnapshot()
	assert.False(t, s.MotorRunning)
	assert.Equal(t, uint32(11), s.Bins[types.BinNormal].Count)
	assert.Equal(t, "counts", s.LastEvent)
}
