package web

import (
	"sync"
	"time"

	"conveyor-plc/internal/types"
)

// BinView 是单个仓位在操作面板上的视图
type BinView struct {
	Label string `json:"label"`
	Count uint32 `json:"count"`
	Limit uint32 `json:"limit"`
}

// BoxView 是单个收集箱在操作面板上的视图
type BoxView struct {
	Label  string `json:"label"`
	Count  uint32 `json:"count"`
	Limit  uint32 `json:"limit"`
	Paused bool   `json:"paused"`
}

// ClassificationView 是最近一次识别结果
type ClassificationView struct {
	ObjectID string               `json:"objectId"`
	Result   types.Classification `json:"result"`
	At       time.Time            `json:"at"`
}

// BeltState 是控制器的实时状态快照
type BeltState struct {
	MotorRunning       bool                    `json:"motorRunning"`
	Decision           string                  `json:"decision"`
	LinkConnected      bool                    `json:"linkConnected"`
	Bins               [types.BinCount]BinView `json:"bins"`
	Boxes              [types.BinCount]BoxView `json:"boxes"`
	LastBin            string                  `json:"lastBin"`
	LastClassification *ClassificationView     `json:"lastClassification,omitempty"`
	LastEvent          string                  `json:"lastEvent,omitempty"`
	UpdatedAt          time.Time               `json:"updatedAt"`
}

// StateTracker 维护 BeltState，并在每次变化后广播
type StateTracker struct {
	mu    sync.RWMutex
	state BeltState
	hub   *Hub
	now   func() time.Time
}

// NewStateTracker 使用配置的上限初始化状态
func NewStateTracker(hub *Hub, binLimits, boxLimits [types.BinCount]uint32) *StateTracker {
	st := &StateTracker{hub: hub, now: time.Now}
	st.state.Decision = types.DecisionNone.String()
	for i := 0; i < types.BinCount; i++ {
		b := types.Bin(i)
		st.state.Bins[i] = BinView{Label: b.Label(), Limit: binLimits[i]}
		st.state.Boxes[i] = BoxView{Label: b.BoxLabel(), Limit: boxLimits[i]}
	}
	return st
}

// update 在锁内修改状态，然后广播新快照
func (st *StateTracker) update(lastEvent string, fn func(s *BeltState)) {
	st.mu.Lock()
	fn(&st.state)
	st.state.LastEvent = lastEvent
	st.state.UpdatedAt = st.now()
	snapshot := st.state
	st.mu.Unlock()

	if st.hub != nil {
		st.hub.BroadcastState(snapshot)
	}
}

// SetCounts 更新仓位与收集箱计数
func (st *StateTracker) SetCounts(last types.Bin, bins [types.BinCount]uint32, boxes [types.BinCount]uint32, paused [types.BinCount]bool) {
	st.update("counts", func(s *BeltState) {
		for i := 0; i < types.BinCount; i++ {
			s.Bins[i].Count = bins[i]
			s.Boxes[i].Count = boxes[i]
			s.Boxes[i].Paused = paused[i]
		}
		s.LastBin = last.Label()
	})
}

// SetMotor 更新电机状态
func (st *StateTracker) SetMotor(running bool) {
	st.update("motor", func(s *BeltState) { s.MotorRunning = running })
}

// SetDecision 更新分流决策
func (st *StateTracker) SetDecision(d types.Decision) {
	st.update("diversion", func(s *BeltState) { s.Decision = d.String() })
}

// SetLink 更新 MQTT 连接状态
func (st *StateTracker) SetLink(connected bool) {
	st.update("link", func(s *BeltState) { s.LinkConnected = connected })
}

// SetBoxPaused 更新收集箱的暂停标志
func (st *StateTracker) SetBoxPaused(b types.Bin, count uint32, paused bool) {
	if !b.Valid() {
		return
	}
	st.update("box", func(s *BeltState) {
		s.Boxes[b].Count = count
		s.Boxes[b].Paused = paused
	})
}

// SetClassification 记录最近一次识别结果
func (st *StateTracker) SetClassification(objectID string, c types.Classification) {
	st.update("classification", func(s *BeltState) {
		s.LastClassification = &ClassificationView{ObjectID: objectID, Result: c, At: st.now()}
	})
}

// GetStateSnapshot 返回当前状态的副本
func (st *StateTracker) GetStateSnapshot() BeltState {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s := st.state
	if s.LastClassification != nil {
		c := *s.LastClassification
		s.LastClassification = &c
	}
	return s
}
