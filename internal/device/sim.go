//go:build !(rp2040 || rp2350)

package device

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SimBelt 在主机上模拟一条传送带
// 物体按固定间隔到达，先触发光电开关 (计数边沿)，经过 transit 后进入测距区，
// 停留 presence 后离开。电机停止时不会有新物体到达。
// SimBelt 同时实现 EchoTimer、Servo、PWM 与 OutputPin，便于直接组装设备。
type SimBelt struct {
	mu           sync.Mutex
	arrival      time.Duration
	transit      time.Duration
	presence     time.Duration
	objectCm     float64
	backgroundCm float64
	inZoneUntil  time.Time
	inZoneFrom   time.Time
	duty         uint8
	angle        int
	logger       *slog.Logger
}

// SimConfig 定义模拟参数
type SimConfig struct {
	Arrival      time.Duration
	Transit      time.Duration
	Presence     time.Duration
	ObjectCm     float64
	BackgroundCm float64
}

// NewSimBelt 创建模拟传送带
func NewSimBelt(cfg SimConfig, logger *slog.Logger) *SimBelt {
	return &SimBelt{
		arrival:      cfg.Arrival,
		transit:      cfg.Transit,
		presence:     cfg.Presence,
		objectCm:     cfg.ObjectCm,
		backgroundCm: cfg.BackgroundCm,
		logger:       logger.With("component", "sim_belt"),
	}
}

// Run 按到达间隔产生物体，onEdge 相当于光电开关的下降沿中断
func (b *SimBelt) Run(ctx context.Context, onEdge func()) {
	ticker := time.NewTicker(b.arrival)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			b.mu.Lock()
			moving := b.duty > 0
			if moving {
				b.inZoneFrom = now.Add(b.transit)
				b.inZoneUntil = b.inZoneFrom.Add(b.presence)
			}
			b.mu.Unlock()
			if moving {
				b.logger.Debug("模拟物体到达")
				onEdge()
			}
		}
	}
}

// Pulse 返回当前时刻的模拟回波时间
func (b *SimBelt) Pulse(ctx context.Context, timeout time.Duration) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	cm := b.backgroundCm
	if !now.Before(b.inZoneFrom) && now.Before(b.inZoneUntil) {
		cm = b.objectCm
	}
	d := time.Duration(cm*2/soundCmPerUs) * time.Microsecond
	if d >= timeout {
		return 0, ErrNoEcho
	}
	return d, nil
}

// SetAngle 记录舵机角度
func (b *SimBelt) SetAngle(deg int) error {
	b.mu.Lock()
	b.angle = deg
	b.mu.Unlock()
	return nil
}

// SetDuty 记录电机占空比
func (b *SimBelt) SetDuty(duty uint8) error {
	b.mu.Lock()
	b.duty = duty
	b.mu.Unlock()
	return nil
}

// Set 模拟方向引脚
func (b *SimBelt) Set(bool) {}
