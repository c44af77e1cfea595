package handlers

import (
	"log/slog"

	"conveyor-plc/internal/event"
	"conveyor-plc/internal/types"
	"conveyor-plc/internal/web"
)

// RegisterEventHandlers 将操作面板与审计日志处理器注册到事件总线
// 控制循环只负责发布事件，展示与审计都在这里解耦
func RegisterEventHandlers(bus *event.Bus, st *web.StateTracker, logger *slog.Logger) {
	logger = logger.With("component", "audit")

	// --- Web UI 处理器 ---
	bus.Subscribe(event.ObjectCounted, func(e event.Event) {
		st.SetCounts(e.Bin, [types.BinCount]uint32{e.NormalCount, e.DivertedCount}, e.Boxes, e.Paused)
	})
	bus.Subscribe(event.MotorChanged, func(e event.Event) {
		st.SetMotor(e.Running)
	})
	bus.Subscribe(event.DiversionChanged, func(e event.Event) {
		st.SetDecision(e.Decision)
	})
	bus.Subscribe(event.LinkChanged, func(e event.Event) {
		st.SetLink(e.Running)
	})
	bus.Subscribe(event.BoxFull, func(e event.Event) {
		st.SetBoxPaused(e.Bin, e.Count, true)
	})
	bus.Subscribe(event.ClassificationRecorded, func(e event.Event) {
		if e.Classification != nil {
			st.SetClassification(e.ObjectID, *e.Classification)
		}
	})

	// --- 日志处理器 ---
	bus.Subscribe(event.LimitReported, func(e event.Event) {
		logger.Info("限位事件已上报", "bin", e.Label, "total", e.Count)
	})
	bus.Subscribe(event.BoxFull, func(e event.Event) {
		logger.Warn("收集箱装满，等待复位", "box", e.Label, "total", e.Count, "trace_id", e.ObjectID)
	})
	bus.Subscribe(event.BoxOverflow, func(e event.Event) {
		logger.Warn("收集箱暂停期间有物体经过", "box", e.Label, "trace_id", e.ObjectID)
	})
	bus.Subscribe(event.ClassificationExpired, func(e event.Event) {
		logger.Warn("物体未收到识别结果", "box", int(e.Bin), "trace_id", e.ObjectID)
	})
	bus.Subscribe(event.CountersReset, func(e event.Event) {
		logger.Info("计数已复位", "target", e.Label)
	})
}
