package event

import (
	"sync"

	"conveyor-plc/internal/types"
)

// EventType 定义事件的类型
type EventType string

// 定义所有业务事件类型
const (
	ObjectCounted          EventType = "ObjectCounted"          // 仓位计数发生变化
	LimitReported          EventType = "LimitReported"          // 仓位限位已上报
	BoxFull                EventType = "BoxFull"                // 收集箱装满
	BoxOverflow            EventType = "BoxOverflow"            // 收集箱暂停期间又来了物体
	MotorChanged           EventType = "MotorChanged"           // 电机启停
	DiversionChanged       EventType = "DiversionChanged"       // 分流决策更新
	ClassificationRecorded EventType = "ClassificationRecorded" // 识别结果已记录
	ClassificationExpired  EventType = "ClassificationExpired"  // 等待识别结果超时
	CountersReset          EventType = "CountersReset"          // 外部复位
	LinkChanged            EventType = "LinkChanged"            // MQTT 连接状态变化
)

// Event 结构体定义了事件的数据负载
type Event struct {
	Type           EventType             // 事件类型
	Bin            types.Bin             // 关联的仓位或收集箱
	Label          string                // 上报使用的名称 (normales / Caja_0 ...)
	Count          uint32                // 事件发生时的计数
	NormalCount    uint32                // 正常通道计数
	DivertedCount  uint32                // 分流通道计数
	Running        bool                  // 电机状态 (MotorChanged) 或连接状态 (LinkChanged)
	Decision       types.Decision        // 分流决策 (DiversionChanged)
	Classification *types.Classification // 识别结果
	ObjectID       string                // 物体 ID (Trace ID)
	Boxes          [types.BinCount]uint32
	Paused         [types.BinCount]bool
}

// Handler 是事件处理函数的签名
type Handler func(e Event)

// Bus 是一个简单的内存事件总线
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler // 存储事件类型到多个处理函数的映射
}

// NewBus 创建一个新的事件总线实例
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe 订阅一个特定类型的事件
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish 发布一个事件，所有订阅了该事件类型的处理器都将被调用
// 处理器在发布者的 goroutine 中按订阅顺序同步执行，
// 同一发布者的事件按发布顺序生效；处理器不得阻塞
// nil 总线上的发布是空操作，方便测试中省略总线
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[e.Type]...)
	b.mu.RUnlock()

	for _, handler := range handlers {
		handler(e)
	}
}
