//go:build rp2040 || rp2350

package device

import (
	"context"
	"machine"
	"time"

	"tinygo.org/x/drivers/hcsr04"
	"tinygo.org/x/drivers/servo"
)

// 引脚分配
const (
	pinTrigger = machine.GP14
	pinEcho    = machine.GP15
	pinServo   = machine.GP5  // PWM2 B
	pinMotor   = machine.GP18 // PWM1 A
	pinDir     = machine.GP19
	pinCount   = machine.GP26
)

// Board 是 Pico 上的实际硬件
type Board struct {
	sonar   hcsr04.Device
	servo   servo.Servo
	motorCh uint8
	dir     machine.Pin
	count   machine.Pin
}

// NewBoard 配置所有引脚
func NewBoard() (*Board, error) {
	b := &Board{dir: pinDir, count: pinCount}

	b.sonar = hcsr04.New(pinTrigger, pinEcho)
	b.sonar.Configure()

	s, err := servo.New(machine.PWM2, pinServo)
	if err != nil {
		return nil, err
	}
	b.servo = s

	if err := machine.PWM1.Configure(machine.PWMConfig{Period: 200_000}); err != nil { // 5 kHz
		return nil, err
	}
	ch, err := machine.PWM1.Channel(pinMotor)
	if err != nil {
		return nil, err
	}
	b.motorCh = ch

	b.dir.Configure(machine.PinConfig{Mode: machine.PinOutput})
	b.count.Configure(machine.PinConfig{Mode: machine.PinInputPullup})
	return b, nil
}

// Pulse 读取一次回波时间，驱动内部自带超时，超时返回 0
func (b *Board) Pulse(_ context.Context, _ time.Duration) (time.Duration, error) {
	us := b.sonar.ReadPulse()
	if us <= 0 {
		return 0, ErrNoEcho
	}
	return time.Duration(us) * time.Microsecond, nil
}

// SetAngle 将角度 (0-180) 映射为 1000-2000us 脉宽
func (b *Board) SetAngle(deg int) error {
	if deg < 0 {
		deg = 0
	}
	if deg > 180 {
		deg = 180
	}
	b.servo.SetMicroseconds(int16(1000 + deg*1000/180))
	return nil
}

// SetDuty 设置电机占空比
func (b *Board) SetDuty(duty uint8) error {
	top := machine.PWM1.Top()
	machine.PWM1.Set(b.motorCh, top*uint32(duty)/255)
	return nil
}

// Set 设置方向引脚
func (b *Board) Set(high bool) { b.dir.Set(high) }

// OnCountEdge 在计数传感器的下降沿调用 fn，fn 运行在中断上下文
func (b *Board) OnCountEdge(fn func()) error {
	return b.count.SetInterrupt(machine.PinFalling, func(machine.Pin) { fn() })
}
