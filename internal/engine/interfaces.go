package engine

import (
	"context"

	"conveyor-plc/internal/persistence"
	"conveyor-plc/internal/types"
)

// Link 是轻量发布/订阅链路 (MQTT)
type Link interface {
	Connected() bool
	// Connect 进行一次有时间上限的连接尝试
	Connect(ctx context.Context) error
	Publish(topic string, payload []byte) error
	Inbound() <-chan types.Message
}

// Recorder 是远程数据库网关，调用必须立即返回
type Recorder interface {
	RecordLimitEvent(ctx context.Context, evento, box string, total uint32)
	RecordObject(ctx context.Context, bin types.Bin, color, condition string)
}

// Journal 是本地计数日志
type Journal interface {
	AppendCounts(s persistence.Snapshot) error
	AppendLimit(bin types.Bin) error
	AppendAck(bin types.Bin) error
}
