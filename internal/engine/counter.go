package engine

import (
	"sync/atomic"

	"conveyor-plc/internal/state"
)

// Counter 是计数传感器的中断处理器
type Counter struct {
	shared *state.Shared
	edges  atomic.Uint64
}

// NewCounter 创建计数中断处理器
func NewCounter(shared *state.Shared) *Counter {
	return &Counter{shared: shared}
}

// OnEdge 在物体经过计数传感器时被调用 (下降沿)
// 运行在中断上下文：不阻塞、不分配、不访问网络、不返回错误。
// 取出待处理的分流决策 (同时恢复为正常通道)，给对应仓位计数加一，
// 达到阈值时置位锁存；多次越过阈值只保留一个锁存，不排队
func (c *Counter) OnEdge() {
	c.edges.Add(1)
	c.shared.CountEdge()
}

// Edges 返回中断触发的总次数
func (c *Counter) Edges() uint64 { return c.edges.Load() }
