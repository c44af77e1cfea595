package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"conveyor-plc/internal/types"
)

var (
	// ErrUnknownTopic 表示消息主题不属于任何控制类别
	ErrUnknownTopic = errors.New("unknown topic")
	// ErrMalformed 表示消息内容无法解析或未通过结构校验
	ErrMalformed = errors.New("malformed payload")
)

// CommandKind 定义命令类别
type CommandKind int

const (
	CmdBeltStart CommandKind = iota
	CmdBeltStop
	CmdRouteNormal
	CmdRouteDivert
	CmdClassification
	CmdReset
)

func (k CommandKind) String() string {
	switch k {
	case CmdBeltStart:
		return "belt_start"
	case CmdBeltStop:
		return "belt_stop"
	case CmdRouteNormal:
		return "route_normal"
	case CmdRouteDivert:
		return "route_divert"
	case CmdClassification:
		return "classification"
	case CmdReset:
		return "reset"
	default:
		return "unknown"
	}
}

// 复位目标
const (
	ResetAll = "all"
)

// Command 是解析后的入站命令
type Command struct {
	Kind           CommandKind
	Classification types.Classification // CmdClassification
	ResetTarget    string               // CmdReset: all / normales / desviados / Caja_0 / Caja_1
}

// Topics 定义控制器使用的主题
type Topics struct {
	Belt             string
	Diversion        string
	Reset            string
	ObjectDetected   string
	ObjectRegistered string
	LimitReached     string
}

// Subscriptions 返回需要订阅的入站主题
func (t Topics) Subscriptions() []string {
	subs := []string{t.Belt, t.Diversion, t.ObjectDetected}
	if t.Reset != "" {
		subs = append(subs, t.Reset)
	}
	return subs
}

// Interpret 按主题解析一条入站消息
func (t Topics) Interpret(msg types.Message) (Command, error) {
	payload := strings.TrimSpace(string(msg.Payload))
	switch msg.Topic {
	case t.Belt:
		switch payload {
		case "start":
			return Command{Kind: CmdBeltStart}, nil
		case "stop":
			return Command{Kind: CmdBeltStop}, nil
		}
	case t.Diversion:
		switch payload {
		case "normal":
			return Command{Kind: CmdRouteNormal}, nil
		case "divert", "desviar":
			return Command{Kind: CmdRouteDivert}, nil
		}
	case t.ObjectDetected:
		c, err := parseClassification(msg.Payload)
		if err != nil {
			return Command{}, err
		}
		return Command{Kind: CmdClassification, Classification: c}, nil
	case t.Reset:
		if validResetTarget(payload) {
			return Command{Kind: CmdReset, ResetTarget: payload}, nil
		}
	default:
		return Command{}, fmt.Errorf("%w: %s", ErrUnknownTopic, msg.Topic)
	}
	return Command{}, fmt.Errorf("%w: %q on %s", ErrMalformed, payload, msg.Topic)
}

func validResetTarget(s string) bool {
	if s == ResetAll {
		return true
	}
	for b := types.Bin(0); int(b) < types.BinCount; b++ {
		if s == b.Label() || s == b.BoxLabel() {
			return true
		}
	}
	return false
}

// rawClassification 同时接受相机固件的旧字段名 (tipo/tamano/estado)
type rawClassification struct {
	Bin       *int    `json:"bin"`
	Color     *string `json:"color"`
	Size      *int    `json:"size"`
	Condition *string `json:"condition"`

	Tipo   *int    `json:"tipo"`
	Tamano *int    `json:"tamano"`
	Estado *string `json:"estado"`
}

// parseClassification 解析并校验识别结果
// bin 必须存在且在 0..1 之间，size 不能为负；缺省颜色为 desconocido，缺省状态为 normal
func parseClassification(payload []byte) (types.Classification, error) {
	var raw rawClassification
	if err := json.Unmarshal(payload, &raw); err != nil {
		return types.Classification{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if raw.Bin == nil {
		raw.Bin = raw.Tipo
	}
	if raw.Size == nil {
		raw.Size = raw.Tamano
	}
	if raw.Condition == nil {
		raw.Condition = raw.Estado
	}

	if raw.Bin == nil {
		return types.Classification{}, fmt.Errorf("%w: missing bin", ErrMalformed)
	}
	c := types.Classification{
		Bin:       types.Bin(*raw.Bin),
		Color:     "desconocido",
		Condition: "normal",
	}
	if !c.Bin.Valid() {
		return types.Classification{}, fmt.Errorf("%w: bin %d out of range", ErrMalformed, *raw.Bin)
	}
	if raw.Size != nil {
		if *raw.Size < 0 {
			return types.Classification{}, fmt.Errorf("%w: negative size", ErrMalformed)
		}
		c.Size = *raw.Size
	}
	if raw.Color != nil && *raw.Color != "" {
		c.Color = *raw.Color
	}
	if raw.Condition != nil && *raw.Condition != "" {
		c.Condition = *raw.Condition
	}
	return c, nil
}
