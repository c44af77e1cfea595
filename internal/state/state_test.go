package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conveyor-plc/internal/types"
)

func newTestShared() *Shared {
	return NewShared(10, 5, [types.BinCount]uint32{3, 3})
}

func TestBinCounter_LatchCoalesces(t *testing.T) {
	s := newTestShared()
	c := s.Bin(types.BinNormal)

	for i := 0; i < 9; i++ {
		c.Increment()
	}
	assert.False(t, c.Latched())

	for i := 0; i < 5; i++ {
		c.Increment()
	}
	assert.True(t, c.Latched())
	assert.Equal(t, uint32(14), c.Count())
}

func TestBinCounter_AcknowledgeRearmsAtNextMultiple(t *testing.T) {
	s := newTestShared()
	c := s.Bin(types.BinDiverted) // limit 5

	for i := 0; i < 7; i++ {
		c.Increment()
	}
	c.Acknowledge()
	assert.False(t, c.Latched())

	c.Increment()
	c.Increment()
	assert.False(t, c.Latched(), "9 < 10")
	c.Increment()
	assert.True(t, c.Latched(), "10 is the next multiple")
}

func TestBinCounter_AcknowledgeSkipsPassedMultiples(t *testing.T) {
	s := newTestShared()
	c := s.Bin(types.BinDiverted)
	for i := 0; i < 5; i++ {
		c.Increment()
	}
	// 上报期间计数继续增长，直接越过下一个阈值
	c.count.Store(10)
	c.Acknowledge()
	assert.False(t, c.Latched(), "armed moves to 15")

	c.count.Store(15)
	c.Acknowledge()
	assert.False(t, c.Latched())
}

func TestShared_ResetAndRestore(t *testing.T) {
	s := newTestShared()
	for i := 0; i < 12; i++ {
		s.Bin(types.BinNormal).Increment()
	}
	s.ResetBin(types.BinNormal)
	assert.Zero(t, s.Bin(types.BinNormal).Count())
	assert.False(t, s.Bin(types.BinNormal).Latched())

	s.RestoreBin(types.BinNormal, 23, true)
	assert.True(t, s.Bin(types.BinNormal).Latched())
	assert.Equal(t, uint32(23), s.Bin(types.BinNormal).Count())
	s.Bin(types.BinNormal).Acknowledge()
	assert.False(t, s.Bin(types.BinNormal).Latched())

	s.RestoreBin(types.BinDiverted, 4, false)
	s.Bin(types.BinDiverted).Increment()
	assert.True(t, s.Bin(types.BinDiverted).Latched())

	normal, diverted := s.Totals()
	assert.Equal(t, uint32(23), normal)
	assert.Equal(t, uint32(5), diverted)
}

func TestBoxCounter_PausesWhenFull(t *testing.T) {
	s := newTestShared()
	b := s.Box(types.BinDiverted)

	_, full, ok := b.Add()
	assert.False(t, full)
	assert.True(t, ok)
	b.Add()
	n, full, ok := b.Add()
	assert.Equal(t, uint32(3), n)
	assert.True(t, full)
	assert.True(t, ok)
	assert.True(t, b.Paused())

	n, full, ok = b.Add()
	assert.Equal(t, uint32(3), n)
	assert.False(t, full)
	assert.False(t, ok)

	s.ResetBox(types.BinDiverted)
	assert.False(t, b.Paused())
	assert.Zero(t, b.Count())
}

func TestDecisionRegister_ConsumeOnce(t *testing.T) {
	s := newTestShared()
	assert.Equal(t, types.DecisionNormal, s.Decision.Pending())
	assert.Equal(t, types.DecisionNormal, s.Decision.Consume())

	s.Decision.Set(types.DecisionDivert)
	assert.Equal(t, types.DecisionDivert, s.Decision.Consume())
	assert.Equal(t, types.DecisionDivert, s.Decision.Applied())
	assert.Equal(t, types.DecisionNormal, s.Decision.Pending())
	assert.Equal(t, types.DecisionNormal, s.Decision.Consume())
	assert.Equal(t, types.DecisionNormal, s.Decision.Applied())
}

func TestPendingSlot(t *testing.T) {
	var slot PendingSlot
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.Nil(t, slot.Mark(&Pending{Box: types.BinNormal, ObjectID: "a", Since: t0}))
	prev := slot.Mark(&Pending{Box: types.BinDiverted, ObjectID: "b", Since: t0.Add(time.Second)})
	require.NotNil(t, prev)
	assert.Equal(t, "a", prev.ObjectID)

	assert.Nil(t, slot.Expire(t0.Add(time.Second)), "not older than deadline")
	expired := slot.Expire(t0.Add(2 * time.Second))
	require.NotNil(t, expired)
	assert.Equal(t, "b", expired.ObjectID)
	assert.Nil(t, slot.Take())
}

func TestShared_CountEdgeConsumesDecision(t *testing.T) {
	s := newTestShared()
	s.Decision.Set(types.DecisionDivert)

	assert.Equal(t, types.BinDiverted, s.CountEdge())
	assert.Equal(t, types.BinNormal, s.CountEdge())
	assert.Equal(t, uint32(1), s.Bin(types.BinDiverted).Count())
	assert.Equal(t, uint32(1), s.Bin(types.BinNormal).Count())
	assert.Equal(t, types.BinNormal, s.LastBin())
	assert.Equal(t, types.DecisionNormal, s.Decision.Pending())
}
