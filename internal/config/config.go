package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 定义应用程序的配置结构
// 使用 mapstructure 标签来映射配置文件中的字段
type Config struct {
	HTTPAddr       string               `mapstructure:"http_addr"` // 状态/指标/操作面板服务地址
	Limits         LimitsConfig         `mapstructure:"limits"`
	Sensing        SensingConfig        `mapstructure:"sensing"`
	Dispatch       DispatchConfig       `mapstructure:"dispatch"`
	MQTT           MQTTConfig           `mapstructure:"mqtt"`
	Persistence    PersistenceConfig    `mapstructure:"persistence"`
	Classification ClassificationConfig `mapstructure:"classification"`
	Diversion      DiversionConfig      `mapstructure:"diversion"`
	Actuator       ActuatorConfig       `mapstructure:"actuator"`
	Journal        JournalConfig        `mapstructure:"journal"`
	Simulation     SimulationConfig     `mapstructure:"simulation"`
	Camera         CameraConfig         `mapstructure:"camera"`
}

// LimitsConfig 定义计数上限
type LimitsConfig struct {
	Normal   uint32   `mapstructure:"normal"`   // 正常通道计数上限
	Diverted uint32   `mapstructure:"diverted"` // 分流通道计数上限
	Boxes    []uint32 `mapstructure:"boxes"`    // 每个收集箱的装箱上限
}

// SensingConfig 定义测距轮询参数
type SensingConfig struct {
	PollIntervalMs int     `mapstructure:"poll_interval_ms"` // 轮询间隔
	DebounceMs     int     `mapstructure:"debounce_ms"`      // 检测后的防抖时间
	ThresholdCm    float64 `mapstructure:"threshold_cm"`     // 小于该距离视为有物体
	EchoTimeoutUs  int     `mapstructure:"echo_timeout_us"`  // 等待回波的最长时间
}

// DispatchConfig 定义事件分发循环参数
type DispatchConfig struct {
	IntervalMs int `mapstructure:"interval_ms"` // 分发周期
	MaxBatch   int `mapstructure:"max_batch"`   // 每周期最多处理的入站消息数
}

// MQTTConfig 定义 MQTT 连接与主题
type MQTTConfig struct {
	Broker           string       `mapstructure:"broker"`
	ClientID         string       `mapstructure:"client_id"`
	Username         string       `mapstructure:"username"`
	Password         string       `mapstructure:"password"`
	ConnectTimeoutMs int          `mapstructure:"connect_timeout_ms"` // 单次连接尝试的超时
	RetryMinMs       int          `mapstructure:"retry_min_ms"`       // 重连退避下限
	RetryMaxMs       int          `mapstructure:"retry_max_ms"`       // 重连退避上限
	InboundBuffer    int          `mapstructure:"inbound_buffer"`     // 入站消息缓冲区大小
	Topics           TopicsConfig `mapstructure:"topics"`
}

// TopicsConfig 定义所有消息主题
type TopicsConfig struct {
	Belt             string `mapstructure:"belt"`
	Diversion        string `mapstructure:"diversion"`
	Reset            string `mapstructure:"reset"`
	ObjectDetected   string `mapstructure:"object_detected"`
	ObjectRegistered string `mapstructure:"object_registered"`
	LimitReached     string `mapstructure:"limit_reached"`
}

// PersistenceConfig 定义远程数据库网关
type PersistenceConfig struct {
	BaseURL    string `mapstructure:"base_url"`    // 为空时不上报
	TimeoutMs  int    `mapstructure:"timeout_ms"`  // 单次 HTTP 请求超时
	QueueSize  int    `mapstructure:"queue_size"`  // 待发送队列上限
	MaxWorkers int    `mapstructure:"max_workers"` // 并发发送数
}

// ClassificationConfig 定义识别结果等待参数
type ClassificationConfig struct {
	TimeoutMs int `mapstructure:"timeout_ms"` // 待识别物体的最长等待时间
}

// DiversionConfig 定义自动分流规则
type DiversionConfig struct {
	Rule string `mapstructure:"rule"` // expr 表达式，例如 color == "rojo"，为空则关闭
}

// ActuatorConfig 定义执行器参数
type ActuatorConfig struct {
	ServoPassAngle   int   `mapstructure:"servo_pass_angle"`   // 直通位置
	ServoDivertAngle int   `mapstructure:"servo_divert_angle"` // 分流位置
	MotorDuty        uint8 `mapstructure:"motor_duty"`         // 电机运行占空比 (0-255)
}

// JournalConfig 定义本地日志文件
type JournalConfig struct {
	Path string `mapstructure:"path"` // 为空时不记录
}

// SimulationConfig 定义主机模式下的传送带模拟
type SimulationConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	ArrivalMs    int     `mapstructure:"arrival_ms"`    // 物体到达间隔
	TransitMs    int     `mapstructure:"transit_ms"`    // 从光电开关到测距点的时间
	PresenceMs   int     `mapstructure:"presence_ms"`   // 物体停留在测距区的时间
	ObjectCm     float64 `mapstructure:"object_cm"`     // 有物体时的距离
	BackgroundCm float64 `mapstructure:"background_cm"` // 空带时的距离
}

// CameraConfig 定义相机节点参数
type CameraConfig struct {
	Bin        int    `mapstructure:"bin"`         // 相机所对应的收集箱
	IntervalMs int    `mapstructure:"interval_ms"` // 发布间隔
	SampleStep int    `mapstructure:"sample_step"` // 像素采样步长
	Width      int    `mapstructure:"width"`
	Height     int    `mapstructure:"height"`
	FrameDir   string `mapstructure:"frame_dir"` // RGB565 原始帧目录，为空时使用合成帧
}

// Ms 将毫秒配置转换为 time.Duration
func Ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// setDefaults 设置所有配置项的默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("http_addr", ":8080")

	v.SetDefault("limits.normal", 10)
	v.SetDefault("limits.diverted", 10)
	v.SetDefault("limits.boxes", []uint32{10, 10})

	v.SetDefault("sensing.poll_interval_ms", 20)
	v.SetDefault("sensing.debounce_ms", 300)
	v.SetDefault("sensing.threshold_cm", 10.0)
	v.SetDefault("sensing.echo_timeout_us", 25000)

	v.SetDefault("dispatch.interval_ms", 20)
	v.SetDefault("dispatch.max_batch", 32)

	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "bandaPLC")
	v.SetDefault("mqtt.connect_timeout_ms", 2000)
	v.SetDefault("mqtt.retry_min_ms", 1000)
	v.SetDefault("mqtt.retry_max_ms", 30000)
	v.SetDefault("mqtt.inbound_buffer", 64)
	v.SetDefault("mqtt.topics.belt", "control/belt")
	v.SetDefault("mqtt.topics.diversion", "control/diversion")
	v.SetDefault("mqtt.topics.reset", "control/reset")
	v.SetDefault("mqtt.topics.object_detected", "sensor/object-detected")
	v.SetDefault("mqtt.topics.object_registered", "events/object-registered")
	v.SetDefault("mqtt.topics.limit_reached", "events/limit-reached")

	v.SetDefault("persistence.base_url", "")
	v.SetDefault("persistence.timeout_ms", 3000)
	v.SetDefault("persistence.queue_size", 64)
	v.SetDefault("persistence.max_workers", 2)

	v.SetDefault("classification.timeout_ms", 5000)

	v.SetDefault("diversion.rule", "")

	v.SetDefault("actuator.servo_pass_angle", 0)
	v.SetDefault("actuator.servo_divert_angle", 90)
	v.SetDefault("actuator.motor_duty", 180)

	v.SetDefault("journal.path", "")

	v.SetDefault("simulation.enabled", true)
	v.SetDefault("simulation.arrival_ms", 1500)
	v.SetDefault("simulation.transit_ms", 200)
	v.SetDefault("simulation.presence_ms", 250)
	v.SetDefault("simulation.object_cm", 6.0)
	v.SetDefault("simulation.background_cm", 40.0)

	v.SetDefault("camera.bin", 0)
	v.SetDefault("camera.interval_ms", 800)
	v.SetDefault("camera.sample_step", 8)
	v.SetDefault("camera.width", 160)
	v.SetDefault("camera.height", 120)
	v.SetDefault("camera.frame_dir", "")
}

// LoadConfig 从 config.yaml 文件加载配置
// 使用 Viper 库读取和解析配置文件，文件不存在时使用默认值
// 环境变量 BELT_<KEY> 可覆盖任意配置项，例如 BELT_MQTT_BROKER
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config") // 配置文件名称 (不带扩展名)
	v.SetConfigType("yaml")   // 配置文件类型
	if len(paths) == 0 {
		paths = []string{"."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvPrefix("BELT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验配置是否合法
func (c *Config) Validate() error {
	if c.Limits.Normal == 0 || c.Limits.Diverted == 0 {
		return fmt.Errorf("limits.normal 与 limits.diverted 必须大于 0")
	}
	if len(c.Limits.Boxes) != 2 {
		return fmt.Errorf("limits.boxes 必须包含 2 个收集箱上限, 得到 %d", len(c.Limits.Boxes))
	}
	for i, l := range c.Limits.Boxes {
		if l == 0 {
			return fmt.Errorf("limits.boxes[%d] 必须大于 0", i)
		}
	}
	if c.Sensing.PollIntervalMs <= 0 || c.Sensing.DebounceMs <= 0 {
		return fmt.Errorf("sensing.poll_interval_ms 与 sensing.debounce_ms 必须大于 0")
	}
	if c.Sensing.ThresholdCm <= 0 {
		return fmt.Errorf("sensing.threshold_cm 必须大于 0")
	}
	if c.Dispatch.IntervalMs <= 0 || c.Dispatch.MaxBatch <= 0 {
		return fmt.Errorf("dispatch.interval_ms 与 dispatch.max_batch 必须大于 0")
	}
	if c.MQTT.RetryMinMs <= 0 || c.MQTT.RetryMaxMs < c.MQTT.RetryMinMs {
		return fmt.Errorf("mqtt.retry_min_ms 必须大于 0 且不大于 retry_max_ms")
	}
	if c.Classification.TimeoutMs <= 0 {
		return fmt.Errorf("classification.timeout_ms 必须大于 0")
	}
	if c.Camera.IntervalMs <= 0 || c.Camera.SampleStep <= 0 {
		return fmt.Errorf("camera.interval_ms 与 camera.sample_step 必须大于 0")
	}
	return nil
}
