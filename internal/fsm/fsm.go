package fsm

import (
	"fmt"
	"log/slog"
	"sync"
)

// State 定义状态类型
type State string

// Event 定义事件类型
type Event string

// 测距循环的状态
const (
	StatePoll     State = "POLL"     // 轮询测距
	StateProcess  State = "PROCESS"  // 处理检测到的物体
	StateDebounce State = "DEBOUNCE" // 防抖等待
)

const (
	EventDetect    Event = "DETECT"    // 距离小于阈值
	EventMiss      Event = "MISS"      // 无物体或读数失败
	EventProcessed Event = "PROCESSED" // 物体处理完成
	EventSettled   Event = "SETTLED"   // 防抖时间结束
)

// FSM 有限状态机
type FSM struct {
	Current State
	mu      sync.Mutex
	// transitions 定义状态转移表: CurrentState -> Event -> NextState
	transitions map[State]map[Event]State
	// callbacks 定义进入状态时的回调: State -> func()
	callbacks map[State]func(name string)
	Name      string // 状态机名称，用于日志
	logger    *slog.Logger
}

// NewSensingFSM 创建测距循环使用的状态机，初始状态为 POLL
func NewSensingFSM(name string, logger *slog.Logger) *FSM {
	f := &FSM{
		Current:     StatePoll,
		Name:        name,
		transitions: make(map[State]map[Event]State),
		callbacks:   make(map[State]func(string)),
		logger:      logger,
	}
	f.addTransition(StatePoll, EventMiss, StatePoll)
	f.addTransition(StatePoll, EventDetect, StateProcess)
	f.addTransition(StateProcess, EventProcessed, StateDebounce)
	f.addTransition(StateDebounce, EventSettled, StatePoll)
	return f
}

func (f *FSM) addTransition(from State, event Event, to State) {
	if _, ok := f.transitions[from]; !ok {
		f.transitions[from] = make(map[Event]State)
	}
	f.transitions[from][event] = to
}

// RegisterCallback 注册状态进入时的回调
func (f *FSM) RegisterCallback(state State, callback func(name string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks[state] = callback
}

// State 返回当前状态
func (f *FSM) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Current
}

// Fire 触发事件
func (f *FSM) Fire(event Event) error {
	f.mu.Lock()

	// 查找合法的转移
	nextState, ok := f.transitions[f.Current][event]
	if !ok {
		cur := f.Current
		f.mu.Unlock()
		return fmt.Errorf("invalid transition: cannot fire event %s from state %s", event, cur)
	}

	prevState := f.Current
	f.Current = nextState
	cb := f.callbacks[nextState]
	f.mu.Unlock()

	if prevState != nextState && f.logger != nil {
		f.logger.Debug("状态变更", "fsm", f.Name, "from", prevState, "to", nextState, "event", event)
	}

	// 回调在锁外执行，回调中可以再次调用 Fire
	if cb != nil {
		cb(f.Name)
	}
	return nil
}
