package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"conveyor-plc/internal/device"
	"conveyor-plc/internal/event"
	"conveyor-plc/internal/metrics"
	"conveyor-plc/internal/persistence"
	"conveyor-plc/internal/state"
	"conveyor-plc/internal/types"
	"conveyor-plc/internal/util"
)

// ErrBusy 表示本地命令队列已满
var ErrBusy = errors.New("command queue full")

// 上报给数据库网关的事件名称
const (
	evtLimitReached = "limite_alcanzado"
	evtBoxFull      = "Límite alcanzado"
)

// DispatcherConfig 定义事件分发循环参数
type DispatcherConfig struct {
	Interval              time.Duration // 分发周期
	MaxBatch              int           // 每周期最多处理的入站消息数
	ClassificationTimeout time.Duration // 待识别物体的最长等待时间
	RetryMin              time.Duration // 重连退避下限
	RetryMax              time.Duration // 重连退避上限
	LocalBuffer           int           // 本地操作面板命令缓冲区
	Topics                Topics
}

// Dispatcher 是事件分发循环
// 负责维持链路、执行入站命令、把锁存的限位信号转换为对外事件。
// 电机状态由它独占；除 Submit 外所有方法只能在分发协程中调用
type Dispatcher struct {
	shared    *state.Shared
	link      Link
	motor     device.MotorDrive
	recorder  Recorder
	journal   Journal
	rule      *DiversionRule
	boxEvents <-chan BoxFullEvent
	local     chan types.Message
	bus       *event.Bus
	cfg       DispatcherConfig
	logger    *slog.Logger
	now       func() time.Time

	transitions atomic.Uint64

	// 以下字段只在分发协程中访问
	backoff       time.Duration
	nextAttempt   time.Time
	linkUp        bool
	reporting     [types.BinCount]bool
	reportCount   [types.BinCount]uint32
	publishFailed [types.BinCount]bool
	boxBacklog    []BoxFullEvent
	boxFailed     bool
	lastPublished [2]uint32
	lastSnapshot  persistence.Snapshot
	published     bool
}

// NewDispatcher 创建事件分发循环
func NewDispatcher(shared *state.Shared, link Link, motor device.MotorDrive, recorder Recorder, cfg DispatcherConfig, bus *event.Bus, logger *slog.Logger) *Dispatcher {
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 32
	}
	if cfg.LocalBuffer <= 0 {
		cfg.LocalBuffer = 16
	}
	return &Dispatcher{
		shared:   shared,
		link:     link,
		motor:    motor,
		recorder: recorder,
		local:    make(chan types.Message, cfg.LocalBuffer),
		bus:      bus,
		cfg:      cfg,
		logger:   logger.With("component", "dispatcher"),
		now:      time.Now,
	}
}

// WithJournal 设置本地计数日志
func (d *Dispatcher) WithJournal(j Journal) *Dispatcher {
	d.journal = j
	return d
}

// WithRule 设置自动分流规则
func (d *Dispatcher) WithRule(r *DiversionRule) *Dispatcher {
	d.rule = r
	return d
}

// WithBoxEvents 设置测距循环的装满事件来源
func (d *Dispatcher) WithBoxEvents(ch <-chan BoxFullEvent) *Dispatcher {
	d.boxEvents = ch
	return d
}

// Restore 用日志中恢复出的状态初始化共享状态，必须在各任务启动之前调用
func (d *Dispatcher) Restore(rec *persistence.Recovered) {
	if rec == nil {
		return
	}
	for i := 0; i < types.BinCount; i++ {
		b := types.Bin(i)
		d.shared.RestoreBin(b, rec.Snapshot.Bins[i], rec.PendingLimits[i])
		d.shared.RestoreBox(b, rec.Snapshot.Boxes[i], rec.Snapshot.Paused[i])
	}
	d.lastSnapshot = rec.Snapshot
	d.logger.Info("已从日志恢复计数", "bins", rec.Snapshot.Bins, "boxes", rec.Snapshot.Boxes, "pending_limits", rec.PendingLimits)
}

// Submit 提交一条本地命令 (操作面板)，不会阻塞
func (d *Dispatcher) Submit(msg types.Message) error {
	select {
	case d.local <- msg:
		return nil
	default:
		metrics.DroppedEventsTotal.WithLabelValues("local_command").Inc()
		return ErrBusy
	}
}

// MotorTransitions 返回电机启停命令被执行的次数
func (d *Dispatcher) MotorTransitions() uint64 { return d.transitions.Load() }

// Run 按固定周期运行分发循环直到 ctx 取消
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("事件分发循环启动", "interval", d.cfg.Interval)
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.Cycle(ctx)
		}
	}
}

// Cycle 执行一个分发周期
func (d *Dispatcher) Cycle(ctx context.Context) {
	d.ensureLink(ctx)
	d.drainInbound(ctx)
	d.reportLimits(ctx)
	d.expirePending()
	d.publishCounts()
	d.reportBoxes(ctx)
}

// ensureLink 链路断开时按退避节奏进行一次有时间上限的重连
func (d *Dispatcher) ensureLink(ctx context.Context) {
	if d.link.Connected() {
		if !d.linkUp {
			d.linkUp = true
			d.bus.Publish(event.Event{Type: event.LinkChanged, Running: true})
		}
		return
	}
	if d.linkUp {
		d.linkUp = false
		d.logger.Warn("链路断开，将按退避重连")
		d.bus.Publish(event.Event{Type: event.LinkChanged, Running: false})
	}

	now := d.now()
	if now.Before(d.nextAttempt) {
		return
	}
	if err := d.link.Connect(ctx); err != nil {
		if d.backoff == 0 {
			d.backoff = d.cfg.RetryMin
		} else {
			d.backoff = min(d.backoff*2, d.cfg.RetryMax)
		}
		d.nextAttempt = now.Add(d.backoff)
		d.logger.Warn("链路连接失败", "error", err, "retry_in", d.backoff)
		return
	}
	d.backoff = 0
	d.nextAttempt = time.Time{}
	d.linkUp = true
	d.bus.Publish(event.Event{Type: event.LinkChanged, Running: true})
}

// drainInbound 取出本周期内所有待处理的入站消息
func (d *Dispatcher) drainInbound(ctx context.Context) {
	inbound := d.link.Inbound()
	for i := 0; i < d.cfg.MaxBatch; i++ {
		select {
		case msg := <-inbound:
			d.handleMessage(ctx, msg)
		case msg := <-d.local:
			d.handleMessage(ctx, msg)
		default:
			return
		}
	}
}

func (d *Dispatcher) handleMessage(ctx context.Context, msg types.Message) {
	cmd, err := d.cfg.Topics.Interpret(msg)
	if err != nil {
		result := "malformed"
		if errors.Is(err, ErrUnknownTopic) {
			result = "unknown_topic"
		}
		metrics.InboundMessagesTotal.WithLabelValues(msg.Topic, result).Inc()
		d.logger.Warn("丢弃无效消息", "topic", msg.Topic, "error", err)
		return
	}
	metrics.InboundMessagesTotal.WithLabelValues(msg.Topic, "ok").Inc()
	d.logger.Debug("收到命令", "topic", msg.Topic, "command", cmd.Kind.String())
	d.apply(ctx, cmd)
}

// apply 执行一条命令
func (d *Dispatcher) apply(ctx context.Context, cmd Command) {
	switch cmd.Kind {
	case CmdBeltStart:
		d.setMotor(true, "command")
	case CmdBeltStop:
		d.setMotor(false, "command")
	case CmdRouteNormal:
		d.setDecision(types.DecisionNormal, "command")
	case CmdRouteDivert:
		d.setDecision(types.DecisionDivert, "command")
	case CmdClassification:
		d.completeClassification(ctx, cmd.Classification)
	case CmdReset:
		d.reset(cmd.ResetTarget)
	}
}

// setMotor 启停电机，每次调用都算一次状态转换
func (d *Dispatcher) setMotor(on bool, reason string) {
	if err := d.motor.Run(on); err != nil {
		d.logger.Error("电机控制失败", "error", err, "running", on)
		return
	}
	d.transitions.Add(1)
	stateLabel := "stopped"
	if on {
		stateLabel = "running"
		metrics.MotorRunning.Set(1)
	} else {
		metrics.MotorRunning.Set(0)
	}
	metrics.MotorTransitionsTotal.WithLabelValues(stateLabel).Inc()
	d.logger.Info("电机状态变更", "running", on, "reason", reason)
	d.bus.Publish(event.Event{Type: event.MotorChanged, Running: on})
}

func (d *Dispatcher) setDecision(v types.Decision, reason string) {
	d.shared.Decision.Set(v)
	d.logger.Info("分流决策更新", "decision", v.String(), "reason", reason)
	d.bus.Publish(event.Event{Type: event.DiversionChanged, Decision: v})
}

// completeClassification 用识别结果完成待识别物体，并按规则决定下一个物体是否分流
func (d *Dispatcher) completeClassification(ctx context.Context, c types.Classification) {
	p := d.shared.Pending.Take()
	if p == nil {
		d.logger.Debug("没有待识别物体，忽略识别结果", "color", c.Color, "bin", int(c.Bin))
	} else {
		logger := d.logger.With("trace_id", p.ObjectID)
		if c.Bin != p.Box {
			logger.Warn("识别结果的收集箱与检测不一致，以检测为准", "detected_box", int(p.Box), "reported_bin", int(c.Bin))
		}
		metrics.ClassificationLatency.Observe(d.now().Sub(p.Since).Seconds())
		d.recorder.RecordObject(util.ContextWithTraceID(ctx, p.ObjectID), p.Box, c.Color, c.Condition)
		logger.Info("物体识别完成", "box", int(p.Box), "color", c.Color, "size", c.Size, "condition", c.Condition)
		cc := c
		d.bus.Publish(event.Event{Type: event.ClassificationRecorded, Bin: p.Box, Classification: &cc, ObjectID: p.ObjectID})
	}

	if d.rule == nil {
		return
	}
	divert, err := d.rule.Evaluate(c)
	if err != nil {
		d.logger.Error("规则引擎评估失败", "error", err, "rule", d.rule.Source())
		return
	}
	if divert {
		d.setDecision(types.DecisionDivert, "rule")
	}
}

// reportLimits 把锁存的限位信号转换为对外事件
// 首次观察到锁存时停机并记录；发布成功后才清除锁存 (至少一次)
func (d *Dispatcher) reportLimits(ctx context.Context) {
	for i := 0; i < types.BinCount; i++ {
		b := types.Bin(i)
		c := d.shared.Bin(b)
		if !c.Latched() {
			continue
		}
		logger := d.logger.With("bin", b.Label())

		if !d.reporting[b] {
			d.reporting[b] = true
			d.reportCount[b] = c.Count()
			logger.Warn(">>> 仓位达到上限 <<<", "count", d.reportCount[b], "limit", c.Limit())
			d.journalLimit(b)
			d.setMotor(false, "limit_reached")
			d.recorder.RecordLimitEvent(ctx, evtLimitReached, b.Label(), d.reportCount[b])
		}

		payload, _ := json.Marshal(types.LimitReached{Bin: b.Label(), TotalCount: d.reportCount[b]})
		if err := d.link.Publish(d.cfg.Topics.LimitReached, payload); err != nil {
			// 每次中断只告警一次，之后每个周期静默重试
			if !d.publishFailed[b] {
				d.publishFailed[b] = true
				logger.Warn("限位事件发布失败，每个周期重试直到成功", "error", err)
			} else {
				logger.Debug("限位事件重试失败", "error", err)
			}
			continue
		}
		d.publishFailed[b] = false

		metrics.LimitReportsTotal.WithLabelValues(b.Label()).Inc()
		d.bus.Publish(event.Event{Type: event.LimitReported, Bin: b, Label: b.Label(), Count: d.reportCount[b]})

		// 清除锁存是最后一步
		c.Acknowledge()
		d.reporting[b] = false
		d.journalAck(b)
	}
}

// reportBoxes 上报测距循环发出的装满事件
// 与仓位锁存一样至少发布一次：发布失败的事件留在积压中，按顺序重试
func (d *Dispatcher) reportBoxes(ctx context.Context) {
	if d.boxEvents == nil {
		return
	}
	d.collectBoxEvents(ctx)
	for len(d.boxBacklog) > 0 {
		ev := d.boxBacklog[0]
		label := ev.Box.BoxLabel()
		payload, _ := json.Marshal(types.LimitReached{Bin: label, TotalCount: ev.Count})
		if err := d.link.Publish(d.cfg.Topics.LimitReached, payload); err != nil {
			if !d.boxFailed {
				d.boxFailed = true
				d.logger.Warn("装满事件发布失败，每个周期重试直到成功", "error", err, "box", label, "backlog", len(d.boxBacklog))
			}
			return
		}
		d.boxFailed = false
		metrics.LimitReportsTotal.WithLabelValues(label).Inc()
		d.boxBacklog = d.boxBacklog[1:]
	}
}

// collectBoxEvents 取出新的装满事件：记录到数据库并通知面板，然后放入发布积压
func (d *Dispatcher) collectBoxEvents(ctx context.Context) {
	for {
		select {
		case ev := <-d.boxEvents:
			label := ev.Box.BoxLabel()
			d.recorder.RecordLimitEvent(util.ContextWithTraceID(ctx, ev.ObjectID), evtBoxFull, label, ev.Count)
			d.bus.Publish(event.Event{Type: event.BoxFull, Bin: ev.Box, Label: label, Count: ev.Count, ObjectID: ev.ObjectID})
			d.boxBacklog = append(d.boxBacklog, ev)
		default:
			return
		}
	}
}

// expirePending 清除超时的待识别物体
func (d *Dispatcher) expirePending() {
	p := d.shared.Pending.Expire(d.now().Add(-d.cfg.ClassificationTimeout))
	if p == nil {
		return
	}
	metrics.ClassificationTimeoutsTotal.Inc()
	d.logger.Warn("等待识别结果超时", "trace_id", p.ObjectID, "box", int(p.Box), "waited", d.now().Sub(p.Since))
	d.bus.Publish(event.Event{Type: event.ClassificationExpired, Bin: p.Box, ObjectID: p.ObjectID})
}

func (d *Dispatcher) snapshot() persistence.Snapshot {
	var s persistence.Snapshot
	for i := 0; i < types.BinCount; i++ {
		b := types.Bin(i)
		s.Bins[i] = d.shared.Bin(b).Count()
		s.Boxes[i] = d.shared.Box(b).Count()
		s.Paused[i] = d.shared.Box(b).Paused()
	}
	return s
}

// publishCounts 计数变化时更新指标、写日志并发布 object-registered
func (d *Dispatcher) publishCounts() {
	snap := d.snapshot()
	if snap != d.lastSnapshot {
		d.lastSnapshot = snap
		for i := 0; i < types.BinCount; i++ {
			metrics.BinCount.WithLabelValues(types.Bin(i).Label()).Set(float64(snap.Bins[i]))
			metrics.BoxCount.WithLabelValues(strconv.Itoa(i)).Set(float64(snap.Boxes[i]))
		}
		if d.journal != nil {
			if err := d.journal.AppendCounts(snap); err != nil {
				d.logger.Error("写入计数日志失败", "error", err)
			}
		}
		d.bus.Publish(event.Event{
			Type:          event.ObjectCounted,
			Bin:           d.shared.LastBin(),
			NormalCount:   snap.Bins[types.BinNormal],
			DivertedCount: snap.Bins[types.BinDiverted],
			Boxes:         snap.Boxes,
			Paused:        snap.Paused,
		})
	}

	totals := [2]uint32{snap.Bins[types.BinNormal], snap.Bins[types.BinDiverted]}
	if d.published && totals == d.lastPublished {
		return
	}
	if totals == [2]uint32{} && !d.published {
		// 启动时计数为零，无需发布
		d.published = true
		d.lastPublished = totals
		return
	}
	payload, _ := json.Marshal(types.ObjectRegistered{
		Bin:           d.shared.LastBin(),
		NormalCount:   totals[0],
		DivertedCount: totals[1],
	})
	if err := d.link.Publish(d.cfg.Topics.ObjectRegistered, payload); err != nil {
		// 计数变化是合并上报的，下个周期重试即可
		return
	}
	d.published = true
	d.lastPublished = totals
}

// reset 外部复位
func (d *Dispatcher) reset(target string) {
	for i := 0; i < types.BinCount; i++ {
		b := types.Bin(i)
		if target == ResetAll || target == b.Label() {
			d.shared.ResetBin(b)
			d.publishFailed[b] = false
			if d.reporting[b] {
				d.reporting[b] = false
				d.journalAck(b)
			}
		}
		if target == ResetAll || target == b.BoxLabel() {
			d.shared.ResetBox(b)
		}
	}
	d.logger.Info("计数已复位", "target", target)
	d.bus.Publish(event.Event{Type: event.CountersReset, Label: target})
}

func (d *Dispatcher) journalLimit(b types.Bin) {
	if d.journal == nil {
		return
	}
	if err := d.journal.AppendLimit(b); err != nil {
		d.logger.Error("写入限位日志失败", "error", err)
	}
}

func (d *Dispatcher) journalAck(b types.Bin) {
	if d.journal == nil {
		return
	}
	if err := d.journal.AppendAck(b); err != nil {
		d.logger.Error("写入确认日志失败", "error", err)
	}
}
