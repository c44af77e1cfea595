package camera

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"conveyor-plc/internal/types"
	"conveyor-plc/internal/util"
)

// Publisher 是相机节点使用的发布链路
type Publisher interface {
	Connected() bool
	Connect(ctx context.Context) error
	Publish(topic string, payload []byte) error
}

// NodeConfig 定义相机节点参数
type NodeConfig struct {
	Topic      string
	Bin        types.Bin
	Interval   time.Duration
	SampleStep int
	RetryMin   time.Duration
	RetryMax   time.Duration
}

// Node 周期性采集一帧、识别并发布结果
type Node struct {
	source    FrameSource
	link      Publisher
	cfg       NodeConfig
	logger    *slog.Logger
	backoff   time.Duration
	nextRetry time.Time
	published uint64
}

// NewNode 创建相机节点
func NewNode(source FrameSource, link Publisher, cfg NodeConfig, logger *slog.Logger) *Node {
	return &Node{
		source: source,
		link:   link,
		cfg:    cfg,
		logger: logger.With("component", "camera"),
	}
}

// Published 返回已成功发布的识别结果数量
func (n *Node) Published() uint64 { return n.published }

// Run 按固定间隔工作直到 ctx 取消
func (n *Node) Run(ctx context.Context) error {
	n.logger.Info("相机节点启动", "topic", n.cfg.Topic, "bin", int(n.cfg.Bin), "interval", n.cfg.Interval)
	ticker := time.NewTicker(n.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n.Tick(ctx)
		}
	}
}

// Tick 采集并发布一次；链路断开时按退避重连，本次结果丢弃
func (n *Node) Tick(ctx context.Context) {
	if !n.ensureLink(ctx) {
		return
	}

	frame, err := n.source.Next(ctx)
	if err != nil {
		n.logger.Warn("获取帧失败", "error", err)
		return
	}
	c, avg, err := Classify(frame, n.cfg.SampleStep, n.cfg.Bin)
	if err != nil {
		n.logger.Warn("识别失败", "error", err)
		return
	}

	payload, err := json.Marshal(c)
	if err != nil {
		n.logger.Error("序列化识别结果失败", "error", err)
		return
	}
	traceID := util.NewTraceID()
	if err := n.link.Publish(n.cfg.Topic, payload); err != nil {
		n.logger.Warn("发布识别结果失败", "error", err, "trace_id", traceID)
		return
	}
	n.published++
	n.logger.Info("识别结果已发布", "trace_id", traceID, "r", avg.R, "g", avg.G, "b", avg.B, "color", c.Color, "size", c.Size)
}

func (n *Node) ensureLink(ctx context.Context) bool {
	if n.link.Connected() {
		return true
	}
	now := time.Now()
	if now.Before(n.nextRetry) {
		return false
	}
	if err := n.link.Connect(ctx); err != nil {
		if n.backoff == 0 {
			n.backoff = n.cfg.RetryMin
		} else {
			n.backoff = min(n.backoff*2, n.cfg.RetryMax)
		}
		n.nextRetry = now.Add(n.backoff)
		n.logger.Warn("相机链路连接失败", "error", err, "retry_in", n.backoff)
		return false
	}
	n.backoff = 0
	return true
}
