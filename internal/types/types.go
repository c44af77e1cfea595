package types

import "fmt"

// Bin 定义计数仓位 (0 = 正常通道, 1 = 分流通道)
// 同一编号也用于标识物理收集箱 (Caja_0 / Caja_1)
type Bin int

const (
	BinNormal   Bin = 0 // 正常通道
	BinDiverted Bin = 1 // 分流通道
)

// BinCount 是仓位数量，用于遍历数组形式的计数器
const BinCount = 2

// Valid 判断仓位编号是否合法
func (b Bin) Valid() bool {
	return b >= 0 && int(b) < BinCount
}

// Label 返回上报限位事件时使用的仓位名称
func (b Bin) Label() string {
	switch b {
	case BinDiverted:
		return "desviados"
	default:
		return "normales"
	}
}

// BoxLabel 返回收集箱名称，例如 Caja_0
func (b Bin) BoxLabel() string {
	return fmt.Sprintf("Caja_%d", int(b))
}

// Decision 定义分流决策
// 由外部命令写入，由计数中断处理器消费一次
type Decision int32

const (
	DecisionNone   Decision = -1 // 无待处理决策
	DecisionNormal Decision = 0  // 走正常通道
	DecisionDivert Decision = 1  // 分流
)

// Bin 将决策映射为目标仓位，未设置时按正常通道处理
func (d Decision) Bin() Bin {
	if d == DecisionDivert {
		return BinDiverted
	}
	return BinNormal
}

func (d Decision) String() string {
	switch d {
	case DecisionNormal:
		return "normal"
	case DecisionDivert:
		return "divert"
	default:
		return "none"
	}
}

// Classification 是相机节点上报的物体识别结果
type Classification struct {
	Bin       Bin    `json:"bin"`       // 相机认为物体所属的收集箱
	Color     string `json:"color"`     // rojo / verde / azul / desconocido
	Size      int    `json:"size"`      // 估算尺寸
	Condition string `json:"condition"` // 物体状态，默认 normal
}

// ObjectRegistered 是 events/object-registered 的负载
type ObjectRegistered struct {
	Bin           Bin    `json:"bin"`
	NormalCount   uint32 `json:"normalCount"`
	DivertedCount uint32 `json:"divertedCount"`
}

// LimitReached 是 events/limit-reached 的负载
type LimitReached struct {
	Bin        string `json:"bin"`
	TotalCount uint32 `json:"totalCount"`
}

// Message 表示一条入站消息 (MQTT 或本地操作面板)
type Message struct {
	Topic   string `json:"topic"`
	Payload []byte `json:"payload"`
}
