package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"conveyor-plc/internal/metrics"
	"conveyor-plc/internal/types"
)

// ErrNotConnected 表示链路当前不可用
var ErrNotConnected = errors.New("mqtt not connected")

// Options 定义 MQTT 链路参数
type Options struct {
	Broker         string        // tcp://host:1883
	ClientID       string        // 客户端 ID
	Username       string        // 可选
	Password       string        // 可选
	ConnectTimeout time.Duration // 单次连接/订阅的超时
	PublishTimeout time.Duration // 单次发布的超时
	Subscriptions  []string      // 连接成功后订阅的主题
	InboundBuffer  int           // 入站消息缓冲区大小
}

// MQTTLink 封装 paho 客户端
// 不启用 paho 的自动重连：重连节奏由事件分发循环的退避逻辑控制，
// 单次 Connect 调用有严格的时间上限
type MQTTLink struct {
	opts    Options
	logger  *slog.Logger
	inbound chan types.Message

	mu        sync.RWMutex
	client    mqtt.Client
	connected bool
	dial      func() mqtt.Client
}

// NewMQTTLink 创建链路，不会立即连接
func NewMQTTLink(opts Options, logger *slog.Logger) *MQTTLink {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 2 * time.Second
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 2 * time.Second
	}
	if opts.InboundBuffer <= 0 {
		opts.InboundBuffer = 64
	}
	l := &MQTTLink{
		opts:    opts,
		logger:  logger.With("component", "mqtt", "broker", opts.Broker),
		inbound: make(chan types.Message, opts.InboundBuffer),
	}
	l.dial = l.newClient
	return l
}

// Inbound 返回入站消息通道
func (l *MQTTLink) Inbound() <-chan types.Message { return l.inbound }

// Connected 返回连接状态
func (l *MQTTLink) Connected() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.connected
}

func (l *MQTTLink) setConnected(v bool) {
	l.mu.Lock()
	l.connected = v
	l.mu.Unlock()
	if v {
		metrics.LinkConnected.Set(1)
	} else {
		metrics.LinkConnected.Set(0)
	}
}

func (l *MQTTLink) newClient() mqtt.Client {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(l.opts.Broker)
	opts.SetClientID(l.opts.ClientID)
	if l.opts.Username != "" {
		opts.SetUsername(l.opts.Username)
		opts.SetPassword(l.opts.Password)
	}
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetConnectTimeout(l.opts.ConnectTimeout)
	opts.SetCleanSession(true)

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		l.setConnected(false)
		l.logger.Warn("mqtt 连接断开", "error", err)
	}
	return mqtt.NewClient(opts)
}

// Connect 进行一次有时间上限的连接尝试，成功后订阅所有主题
// 失败的尝试会关闭并丢弃客户端，超时后仍在后台进行的连接不会残留
func (l *MQTTLink) Connect(ctx context.Context) error {
	l.mu.Lock()
	if l.client == nil {
		l.client = l.dial()
	}
	client := l.client
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, l.opts.ConnectTimeout)
	defer cancel()

	if err := wait(ctx, client.Connect()); err != nil {
		l.discard(client, 0)
		return fmt.Errorf("mqtt 连接失败: %w", err)
	}

	for _, topic := range l.opts.Subscriptions {
		if err := wait(ctx, client.Subscribe(topic, 1, l.onMessage)); err != nil {
			l.discard(client, 100)
			return fmt.Errorf("订阅 %s 失败: %w", topic, err)
		}
	}

	l.setConnected(true)
	l.logger.Info("mqtt 已连接", "client_id", l.opts.ClientID, "subscriptions", l.opts.Subscriptions)
	return nil
}

// discard 断开客户端，下次 Connect 会新建
func (l *MQTTLink) discard(client mqtt.Client, quiesce uint) {
	client.Disconnect(quiesce)
	l.mu.Lock()
	if l.client == client {
		l.client = nil
	}
	l.mu.Unlock()
	l.setConnected(false)
}

// onMessage 是 paho 的消息回调，运行在 paho 的 goroutine 中
// 只做非阻塞投递，缓冲区满时丢弃
func (l *MQTTLink) onMessage(_ mqtt.Client, msg mqtt.Message) {
	payload := append([]byte(nil), msg.Payload()...)
	select {
	case l.inbound <- types.Message{Topic: msg.Topic(), Payload: payload}:
	default:
		metrics.DroppedEventsTotal.WithLabelValues("mqtt_inbound").Inc()
		l.logger.Warn("入站消息缓冲区已满，丢弃消息", "topic", msg.Topic())
	}
}

// Publish 发布一条消息
func (l *MQTTLink) Publish(topic string, payload []byte) error {
	l.mu.RLock()
	client, connected := l.client, l.connected
	l.mu.RUnlock()
	if !connected || client == nil {
		return ErrNotConnected
	}

	token := client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(l.opts.PublishTimeout) {
		return fmt.Errorf("发布到 %s 超时", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("发布到 %s 失败: %w", topic, err)
	}
	l.logger.Debug("消息已发布", "topic", topic, "size", len(payload))
	return nil
}

// Disconnect 关闭连接
func (l *MQTTLink) Disconnect() {
	l.mu.Lock()
	client := l.client
	l.mu.Unlock()
	if client != nil && client.IsConnected() {
		client.Disconnect(250) // 250ms 宽限期
		l.logger.Info("mqtt 已断开")
	}
	l.setConnected(false)
}

// wait 等待 paho token 完成或 ctx 结束
func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
