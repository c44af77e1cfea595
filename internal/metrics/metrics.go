package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 定义 Prometheus 监控指标
var (
	// BinCount 仪表盘：各仓位当前计数
	BinCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "belt_bin_count",
		Help: "Current authoritative count per bin",
	}, []string{"bin"})

	// BoxCount 仪表盘：各收集箱装箱数量
	BoxCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "belt_box_count",
		Help: "Current fill count per collection box",
	}, []string{"box"})

	// LimitReportsTotal 计数器：已上报的限位事件
	// 按仓位 (normales/desviados/Caja_n) 分类
	LimitReportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "belt_limit_reports_total",
		Help: "The total number of limit-reached events reported",
	}, []string{"bin"})

	// BoxOverflowTotal 计数器：收集箱暂停期间经过的物体
	BoxOverflowTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "belt_box_overflow_total",
		Help: "Objects detected while their box was paused",
	}, []string{"box"})

	// DistanceReadFailures 计数器：测距无回波或失败
	DistanceReadFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "belt_distance_read_failures_total",
		Help: "Distance reads that timed out or failed",
	})

	// InboundMessagesTotal 计数器：入站消息，按主题与结果分类
	InboundMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "belt_inbound_messages_total",
		Help: "Inbound control/classification messages",
	}, []string{"topic", "result"})

	// MotorTransitionsTotal 计数器：电机启停次数
	MotorTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "belt_motor_transitions_total",
		Help: "Motor start/stop commands applied",
	}, []string{"state"})

	// MotorRunning 仪表盘：电机是否运行
	MotorRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "belt_motor_running",
		Help: "1 when the belt motor is running",
	})

	// LinkConnected 仪表盘：MQTT 连接状态
	LinkConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "belt_link_connected",
		Help: "1 when the publish/subscribe link is connected",
	})

	// PersistenceRequestsTotal 计数器：数据库网关请求，按类型与结果分类
	PersistenceRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "belt_persistence_requests_total",
		Help: "Requests to the persistence collaborator",
	}, []string{"kind", "result"})

	// PersistenceQueueDepth 仪表盘：待发送的数据库记录
	PersistenceQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "belt_persistence_queue_depth",
		Help: "Jobs waiting for the persistence collaborator",
	})

	// ClassificationTimeoutsTotal 计数器：等待识别结果超时
	ClassificationTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "belt_classification_timeouts_total",
		Help: "Pending classifications cleared by timeout",
	})

	// ClassificationLatency 直方图：从检测到收到识别结果的耗时
	ClassificationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "belt_classification_latency_seconds",
		Help:    "Time between detection and classification arrival",
		Buckets: prometheus.DefBuckets,
	})

	// SensingState 仪表盘：测距状态机当前所处状态，当前状态为 1
	SensingState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "belt_sensing_state",
		Help: "Current state of the sensing state machine (1 = active)",
	}, []string{"state"})

	// DroppedEventsTotal 计数器：因缓冲区满而丢弃的事件
	DroppedEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "belt_dropped_events_total",
		Help: "Events dropped because a buffer was full",
	}, []string{"source"})
)
