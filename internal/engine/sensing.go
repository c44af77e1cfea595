package engine

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"conveyor-plc/internal/device"
	"conveyor-plc/internal/event"
	"conveyor-plc/internal/fsm"
	"conveyor-plc/internal/metrics"
	"conveyor-plc/internal/state"
	"conveyor-plc/internal/types"
	"conveyor-plc/internal/util"
)

// BoxFullEvent 由测距循环发出，交给事件分发循环上报
type BoxFullEvent struct {
	Box      types.Bin
	Count    uint32
	ObjectID string
}

// SensingConfig 定义测距循环参数
type SensingConfig struct {
	PollInterval time.Duration // 轮询间隔
	Debounce     time.Duration // 检测后的防抖时间
	ThresholdCm  float64       // 小于该距离视为有物体
}

// SensingLoop 周期性测距，检测到物体后登记待识别、驱动分流机构并检查装箱上限
// 状态：POLL -> PROCESS -> DEBOUNCE -> POLL
type SensingLoop struct {
	shared    *state.Shared
	sensor    device.DistanceSensor
	diverter  device.DiversionActuator
	cfg       SensingConfig
	fsm       *fsm.FSM
	boxEvents chan BoxFullEvent
	bus       *event.Bus
	logger    *slog.Logger
	now       func() time.Time
}

// NewSensingLoop 创建测距循环
func NewSensingLoop(shared *state.Shared, sensor device.DistanceSensor, diverter device.DiversionActuator, cfg SensingConfig, bus *event.Bus, logger *slog.Logger) *SensingLoop {
	logger = logger.With("component", "sensing")
	s := &SensingLoop{
		shared:    shared,
		sensor:    sensor,
		diverter:  diverter,
		cfg:       cfg,
		fsm:       fsm.NewSensingFSM("sensing", logger),
		boxEvents: make(chan BoxFullEvent, types.BinCount*4),
		bus:       bus,
		logger:    logger,
		now:       time.Now,
	}
	for _, st := range sensingStates {
		st := st
		s.fsm.RegisterCallback(st, func(string) { exportSensingState(st) })
	}
	exportSensingState(fsm.StatePoll)
	return s
}

var sensingStates = []fsm.State{fsm.StatePoll, fsm.StateProcess, fsm.StateDebounce}

// exportSensingState 在进入状态时更新状态仪表盘
func exportSensingState(current fsm.State) {
	for _, st := range sensingStates {
		v := 0.0
		if st == current {
			v = 1
		}
		metrics.SensingState.WithLabelValues(string(st)).Set(v)
	}
}

// BoxEvents 返回装满事件通道，由事件分发循环消费
func (s *SensingLoop) BoxEvents() <-chan BoxFullEvent { return s.boxEvents }

// State 返回当前状态
func (s *SensingLoop) State() fsm.State { return s.fsm.State() }

// Run 运行测距循环直到 ctx 取消
func (s *SensingLoop) Run(ctx context.Context) error {
	s.logger.Info("测距循环启动", "poll_interval", s.cfg.PollInterval, "debounce", s.cfg.Debounce, "threshold_cm", s.cfg.ThresholdCm)
	for {
		wait := s.Step(ctx)
		if wait <= 0 {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// Step 根据当前状态执行一步，返回进入下一步之前需要等待的时间
func (s *SensingLoop) Step(ctx context.Context) time.Duration {
	switch s.fsm.State() {
	case fsm.StatePoll:
		if s.objectPresent(ctx) {
			s.fire(fsm.EventDetect)
			return 0
		}
		s.fire(fsm.EventMiss)
		return s.cfg.PollInterval
	case fsm.StateProcess:
		s.process(ctx)
		s.fire(fsm.EventProcessed)
		// 防抖，避免同一个物体在测距区内被重复计数
		return s.cfg.Debounce
	case fsm.StateDebounce:
		s.fire(fsm.EventSettled)
		return 0
	}
	return s.cfg.PollInterval
}

func (s *SensingLoop) fire(e fsm.Event) {
	if err := s.fsm.Fire(e); err != nil {
		s.logger.Error("状态机转移失败", "error", err)
	}
}

// objectPresent 读取一次距离；读数失败视为没有物体
func (s *SensingLoop) objectPresent(ctx context.Context) bool {
	cm, err := s.sensor.ReadDistance(ctx)
	if err != nil {
		metrics.DistanceReadFailures.Inc()
		if !errors.Is(err, device.ErrNoEcho) {
			s.logger.Debug("测距失败，视为无物体", "error", err)
		}
		return false
	}
	return cm > 0 && cm < s.cfg.ThresholdCm
}

// process 处理一个检测到的物体
func (s *SensingLoop) process(ctx context.Context) {
	// 只读取计数中断最近一次已应用的决策副本，不消费待处理决策
	applied := s.shared.Decision.Applied()
	box := applied.Bin()
	objectID := util.NewTraceID()
	logger := s.logger.With("trace_id", objectID, "box", int(box))

	if prev := s.shared.Pending.Mark(&state.Pending{Box: box, ObjectID: objectID, Since: s.now()}); prev != nil {
		logger.Warn("上一个物体尚未收到识别结果，已被覆盖", "previous_trace_id", prev.ObjectID)
	}

	if err := s.diverter.Apply(applied == types.DecisionDivert); err != nil {
		logger.Error("分流机构动作失败", "error", err)
	}

	n, full, accepted := s.shared.Box(box).Add()
	label := strconv.Itoa(int(box))
	if !accepted {
		metrics.BoxOverflowTotal.WithLabelValues(label).Inc()
		s.bus.Publish(event.Event{Type: event.BoxOverflow, Bin: box, Label: box.BoxLabel(), Count: n, ObjectID: objectID})
		logger.Warn("收集箱已满，物体未计入", "count", n)
		return
	}
	metrics.BoxCount.WithLabelValues(label).Set(float64(n))
	logger.Info("检测到物体", "count", n, "diverting", applied == types.DecisionDivert)

	if full {
		logger.Warn(">>> 收集箱装满 <<<", "count", n, "limit", s.shared.Box(box).Limit())
		select {
		case s.boxEvents <- BoxFullEvent{Box: box, Count: n, ObjectID: objectID}:
		case <-ctx.Done():
		default:
			metrics.DroppedEventsTotal.WithLabelValues("box_full").Inc()
			logger.Error("装满事件缓冲区已满，事件丢失")
		}
	}
}
