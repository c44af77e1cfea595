// Package state 定义计数中断、测距循环与事件分发循环之间共享的状态。
//
// 所有共享字段都使用 sync/atomic 类型，并遵循单写者约定：
//   - BinCounter.count 与锁存位的置位只由计数中断处理器写入
//   - BinCounter 的锁存清除与重新布防只由事件分发循环写入
//   - BoxCounter 只由测距循环写入
//   - DecisionRegister.pending 由命令写入、由计数中断处理器消费
//   - PendingSlot 由测距循环写入、由事件分发循环清除
package state

import (
	"sync/atomic"
	"time"

	"conveyor-plc/internal/types"
)

// BinCounter 是一个仓位的权威计数器
type BinCounter struct {
	count   atomic.Uint32
	armed   atomic.Uint32 // 下一次触发锁存的阈值 (limit 的整数倍)
	latched atomic.Bool
	limit   uint32
}

func newBinCounter(limit uint32) *BinCounter {
	c := &BinCounter{limit: limit}
	c.armed.Store(limit)
	return c
}

// Increment 计数加一，达到阈值时置位锁存，返回新的计数值
// 只能在计数中断上下文中调用
func (c *BinCounter) Increment() uint32 {
	n := c.count.Add(1)
	if n >= c.armed.Load() {
		c.latched.Store(true)
	}
	return n
}

// Count 返回当前计数
func (c *BinCounter) Count() uint32 { return c.count.Load() }

// Limit 返回配置的上限
func (c *BinCounter) Limit() uint32 { return c.limit }

// Latched 判断锁存位是否被置位
func (c *BinCounter) Latched() bool { return c.latched.Load() }

// Acknowledge 在上报完成后重新布防并清除锁存
// 新阈值为当前计数之后的下一个 limit 整数倍；清除之后再复查一次，
// 避免在重新布防期间越过新阈值的那次计数丢失
func (c *BinCounter) Acknowledge() {
	n := c.count.Load()
	c.armed.Store((n/c.limit + 1) * c.limit)
	c.latched.Store(false)
	if c.count.Load() >= c.armed.Load() {
		c.latched.Store(true)
	}
}

// reset 将计数清零并恢复初始阈值
func (c *BinCounter) reset() {
	c.armed.Store(c.limit)
	c.count.Store(0)
	c.latched.Store(false)
}

// restore 从日志中恢复计数
// pending 为 true 表示上次运行中有未确认的限位上报，需要重新上报
func (c *BinCounter) restore(count uint32, pending bool) {
	c.count.Store(count)
	if pending {
		c.armed.Store(max(count, c.limit) / c.limit * c.limit)
		c.latched.Store(true)
		return
	}
	c.armed.Store((count/c.limit + 1) * c.limit)
	c.latched.Store(false)
}

// BoxCounter 是收集箱的装箱计数，只由测距循环写入
type BoxCounter struct {
	count  atomic.Uint32
	paused atomic.Bool
	limit  uint32
}

// Count 返回当前装箱数量
func (b *BoxCounter) Count() uint32 { return b.count.Load() }

// Limit 返回装箱上限
func (b *BoxCounter) Limit() uint32 { return b.limit }

// Paused 判断收集箱是否因装满而暂停
func (b *BoxCounter) Paused() bool { return b.paused.Load() }

// Add 在收集箱未暂停时计数加一
// 返回新的计数值，以及本次是否刚好装满 (只会报告一次)
func (b *BoxCounter) Add() (n uint32, full bool, accepted bool) {
	if b.paused.Load() {
		return b.count.Load(), false, false
	}
	n = b.count.Add(1)
	if n >= b.limit {
		b.paused.Store(true)
		return n, true, true
	}
	return n, false, true
}

func (b *BoxCounter) reset() {
	b.count.Store(0)
	b.paused.Store(false)
}

// DecisionRegister 保存待消费的分流决策以及最近一次已应用的决策副本
type DecisionRegister struct {
	pending atomic.Int32
	applied atomic.Int32
}

// Set 写入新的分流决策 (由命令调用)
func (d *DecisionRegister) Set(v types.Decision) {
	d.pending.Store(int32(v))
}

// Pending 读取待消费的决策，不消费
func (d *DecisionRegister) Pending() types.Decision {
	return types.Decision(d.pending.Load())
}

// Consume 原子地取出待处理决策并恢复为默认的正常通道，
// 同时把实际应用的决策写入 applied 副本
// 只能在计数中断上下文中调用
func (d *DecisionRegister) Consume() types.Decision {
	v := types.Decision(d.pending.Swap(int32(types.DecisionNormal)))
	if v == types.DecisionNone {
		v = types.DecisionNormal
	}
	d.applied.Store(int32(v))
	return v
}

// Applied 返回最近一次被计数中断消费的决策
func (d *DecisionRegister) Applied() types.Decision {
	return types.Decision(d.applied.Load())
}

// Pending 描述一个等待相机识别结果的物体
type Pending struct {
	Box      types.Bin
	ObjectID string
	Since    time.Time
}

// PendingSlot 最多保存一个待识别物体
type PendingSlot struct {
	p atomic.Pointer[Pending]
}

// Mark 登记新的待识别物体，返回被覆盖的旧记录 (可能为 nil)
func (s *PendingSlot) Mark(p *Pending) *Pending {
	return s.p.Swap(p)
}

// Take 取出并清除待识别物体
func (s *PendingSlot) Take() *Pending {
	return s.p.Swap(nil)
}

// Peek 读取待识别物体但不清除
func (s *PendingSlot) Peek() *Pending {
	return s.p.Load()
}

// Expire 当待识别物体早于 deadline 时清除它并返回
// 使用 CompareAndSwap，避免误删刚被登记的新物体
func (s *PendingSlot) Expire(deadline time.Time) *Pending {
	p := s.p.Load()
	if p == nil || !p.Since.Before(deadline) {
		return nil
	}
	if s.p.CompareAndSwap(p, nil) {
		return p
	}
	return nil
}

// Shared 是各任务之间显式传递的共享状态
type Shared struct {
	Bins     [types.BinCount]*BinCounter
	Boxes    [types.BinCount]*BoxCounter
	Decision DecisionRegister
	Pending  PendingSlot

	lastBin atomic.Int32 // 最近一次计数的仓位
}

// NewShared 使用配置的上限初始化共享状态
func NewShared(normalLimit, divertedLimit uint32, boxLimits [types.BinCount]uint32) *Shared {
	s := &Shared{}
	s.Bins[types.BinNormal] = newBinCounter(normalLimit)
	s.Bins[types.BinDiverted] = newBinCounter(divertedLimit)
	for i := range s.Boxes {
		s.Boxes[i] = &BoxCounter{limit: boxLimits[i]}
	}
	s.Decision.pending.Store(int32(types.DecisionNone))
	s.Decision.applied.Store(int32(types.DecisionNormal))
	return s
}

// Bin 返回指定仓位的计数器
func (s *Shared) Bin(b types.Bin) *BinCounter { return s.Bins[b] }

// Box 返回指定收集箱的计数器
func (s *Shared) Box(b types.Bin) *BoxCounter { return s.Boxes[b] }

// CountEdge 是计数边沿的完整处理：取出待处理的分流决策 (同时恢复为正常通道)，
// 给对应仓位计数加一，达到阈值时置位锁存
// 可以在中断上下文中调用：不阻塞、不分配
func (s *Shared) CountEdge() types.Bin {
	bin := s.Decision.Consume().Bin()
	s.Bins[bin].Increment()
	s.SetLastBin(bin)
	return bin
}

// SetLastBin 记录最近一次计数的仓位
func (s *Shared) SetLastBin(b types.Bin) { s.lastBin.Store(int32(b)) }

// LastBin 返回最近一次计数的仓位
func (s *Shared) LastBin() types.Bin { return types.Bin(s.lastBin.Load()) }

// Totals 返回两个仓位的当前计数
func (s *Shared) Totals() (normal, diverted uint32) {
	return s.Bins[types.BinNormal].Count(), s.Bins[types.BinDiverted].Count()
}

// ResetBin 将仓位计数清零 (外部复位)
func (s *Shared) ResetBin(b types.Bin) { s.Bins[b].reset() }

// ResetBox 将收集箱计数清零并解除暂停 (外部复位)
func (s *Shared) ResetBox(b types.Bin) { s.Boxes[b].reset() }

// RestoreBin 从日志恢复仓位计数
func (s *Shared) RestoreBin(b types.Bin, count uint32, pendingReport bool) {
	s.Bins[b].restore(count, pendingReport)
}

// RestoreBox 从日志恢复收集箱计数
func (s *Shared) RestoreBox(b types.Bin, count uint32, paused bool) {
	s.Boxes[b].count.Store(count)
	s.Boxes[b].paused.Store(paused)
}
