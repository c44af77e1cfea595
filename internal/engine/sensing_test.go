package engine

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conveyor-plc/internal/device"
	"conveyor-plc/internal/fsm"
	"conveyor-plc/internal/metrics"
	"conveyor-plc/internal/state"
	"conveyor-plc/internal/types"
)

func newSensingLoop(shared *state.Shared, sensor device.DistanceSensor, diverter device.DiversionActuator, debounce time.Duration) *SensingLoop {
	return NewSensingLoop(shared, sensor, diverter, SensingConfig{
		PollInterval: 2 * time.Millisecond,
		Debounce:     debounce,
		ThresholdCm:  10,
	}, nil, discardLogger())
}

func TestSensingLoop_StepWalksThroughStates(t *testing.T) {
	shared := state.NewShared(10, 10, [types.BinCount]uint32{5, 5})
	sensor := &fakeSensor{present: func() bool { return true }}
	loop := newSensingLoop(shared, sensor, &fakeDiverter{}, 300*time.Millisecond)
	ctx := context.Background()

	assert.Equal(t, fsm.StatePoll, loop.State())
	assert.Zero(t, loop.Step(ctx))
	assert.Equal(t, fsm.StateProcess, loop.State())
	assert.Equal(t, 300*time.Millisecond, loop.Step(ctx))
	assert.Equal(t, fsm.StateDebounce, loop.State())
	assert.Zero(t, loop.Step(ctx))
	assert.Equal(t, fsm.StatePoll, loop.State())

	assert.Equal(t, uint32(1), shared.Box(types.BinNormal).Count())
	p := shared.Pending.Peek()
	require.NotNil(t, p)
	assert.Equal(t, types.BinNormal, p.Box)
	assert.NotEmpty(t, p.ObjectID)
}

func TestSensingLoop_ReadErrorMeansNoObject(t *testing.T) {
	shared := state.NewShared(10, 10, [types.BinCount]uint32{5, 5})
	loop := newSensingLoop(shared, &fakeSensor{err: device.ErrNoEcho}, &fakeDiverter{}, time.Millisecond)

	assert.Equal(t, 2*time.Millisecond, loop.Step(context.Background()))
	assert.Equal(t, fsm.StatePoll, loop.State())
	assert.Zero(t, shared.Box(types.BinNormal).Count())
}

func TestSensingLoop_DebounceYieldsOneIncrement(t *testing.T) {
	shared := state.NewShared(10, 10, [types.BinCount]uint32{5, 5})
	start := time.Now()
	// 物体在测距区停留 80ms，期间会被多次读到
	sensor := &fakeSensor{present: func() bool {
		return time.Since(start) < 80*time.Millisecond
	}}
	loop := newSensingLoop(shared, sensor, &fakeDiverter{}, 200*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 350*time.Millisecond)
	defer cancel()
	require.NoError(t, loop.Run(ctx))

	assert.Equal(t, uint32(1), shared.Box(types.BinNormal).Count())
	sensor.mu.Lock()
	defer sensor.mu.Unlock()
	assert.Greater(t, sensor.reads, 1)
}

func TestSensingLoop_UsesAppliedDecisionWithoutConsuming(t *testing.T) {
	shared := state.NewShared(10, 10, [types.BinCount]uint32{5, 5})
	counter := NewCounter(shared)
	shared.Decision.Set(types.DecisionDivert)
	counter.OnEdge() // 计数中断消费决策

	// 之后写入的新决策留给下一个计数边沿
	shared.Decision.Set(types.DecisionDivert)

	diverter := &fakeDiverter{}
	loop := newSensingLoop(shared, &fakeSensor{present: func() bool { return true }}, diverter, time.Millisecond)
	loop.Step(context.Background())
	loop.Step(context.Background())

	assert.True(t, diverter.Diverting())
	assert.Equal(t, uint32(1), shared.Box(types.BinDiverted).Count())
	assert.Equal(t, types.DecisionDivert, shared.Decision.Pending())
}

func TestSensingLoop_BoxFullPausesAndReportsOnce(t *testing.T) {
	shared := state.NewShared(10, 10, [types.BinCount]uint32{2, 2})
	loop := newSensingLoop(shared, &fakeSensor{present: func() bool { return true }}, &fakeDiverter{}, time.Millisecond)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		loop.Step(ctx) // POLL
		loop.Step(ctx) // PROCESS
		loop.Step(ctx) // DEBOUNCE
	}

	box := shared.Box(types.BinNormal)
	assert.Equal(t, uint32(2), box.Count())
	assert.True(t, box.Paused())

	select {
	case ev := <-loop.BoxEvents():
		assert.Equal(t, BoxFullEvent{Box: types.BinNormal, Count: 2, ObjectID: ev.ObjectID}, ev)
	default:
		t.Fatal("expected a box-full event")
	}
	select {
	case ev := <-loop.BoxEvents():
		t.Fatalf("unexpected second box-full event: %+v", ev)
	default:
	}
}

func TestSensingLoop_ExportsCurrentState(t *testing.T) {
	shared := state.NewShared(10, 10, [types.BinCount]uint32{5, 5})
	loop := newSensingLoop(shared, &fakeSensor{present: func() bool { return true }}, &fakeDiverter{}, time.Millisecond)
	ctx := context.Background()
	gauge := func(st fsm.State) float64 {
		return testutil.ToFloat64(metrics.SensingState.WithLabelValues(string(st)))
	}

	assert.Equal(t, 1.0, gauge(fsm.StatePoll))
	loop.Step(ctx)
	assert.Equal(t, 1.0, gauge(fsm.StateProcess))
	assert.Equal(t, 0.0, gauge(fsm.StatePoll))
	loop.Step(ctx)
	assert.Equal(t, 1.0, gauge(fsm.StateDebounce))
	assert.Equal(t, 0.0, gauge(fsm.StateProcess))
	loop.Step(ctx)
	assert.Equal(t, 1.0, gauge(fsm.StatePoll))
	assert.Equal(t, 0.0, gauge(fsm.StateDebounce))
}

// 物体一直在测距区且无需等待时，Run 仍要响应取消
func TestSensingLoop_RunStopsWithoutWait(t *testing.T) {
	shared := state.NewShared(1000, 1000, [types.BinCount]uint32{1000, 1000})
	loop := NewSensingLoop(shared, &fakeSensor{present: func() bool { return true }}, &fakeDiverter{}, SensingConfig{
		PollInterval: time.Millisecond,
		ThresholdCm:  10,
	}, nil, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sensing loop did not stop after cancel")
	}
}
