// Package device 定义传送带的三个叶子设备：超声波测距、分流舵机与皮带电机。
// 具体引脚由 board_rp2.go (TinyGo) 或 sim.go (主机模拟) 提供。
package device

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// ErrNoEcho 表示在等待窗口内没有收到回波
var ErrNoEcho = errors.New("no echo within window")

// 声速换算系数 (cm/us)，回波时间为往返时间
const soundCmPerUs = 0.034

// EchoTimer 发送测距触发脉冲并测量回波高电平持续时间
type EchoTimer interface {
	Pulse(ctx context.Context, timeout time.Duration) (time.Duration, error)
}

// Servo 是可设置角度的舵机
type Servo interface {
	SetAngle(deg int) error
}

// PWM 是电机驱动使用的占空比输出 (0-255)
type PWM interface {
	SetDuty(duty uint8) error
}

// OutputPin 是数字输出引脚
type OutputPin interface {
	Set(high bool)
}

// DistanceSensor 读取物体距离 (cm)
type DistanceSensor interface {
	ReadDistance(ctx context.Context) (float64, error)
}

// DiversionActuator 控制分流机构的两个位置
type DiversionActuator interface {
	Apply(divert bool) error
	Diverting() bool
}

// MotorDrive 控制皮带运行或停止
type MotorDrive interface {
	Run(on bool) error
	Running() bool
}

// EchoToCm 将回波时间换算为距离
func EchoToCm(d time.Duration) float64 {
	return float64(d.Microseconds()) * soundCmPerUs / 2
}

// Ultrasonic 是 HC-SR04 类型的超声波测距传感器
type Ultrasonic struct {
	echo    EchoTimer
	timeout time.Duration
}

// NewUltrasonic 创建测距传感器，timeout 为等待回波的最长时间
func NewUltrasonic(echo EchoTimer, timeout time.Duration) *Ultrasonic {
	if timeout <= 0 {
		timeout = 25 * time.Millisecond
	}
	return &Ultrasonic{echo: echo, timeout: timeout}
}

// ReadDistance 触发一次测距
// 超时或回波为零时返回 ErrNoEcho
func (u *Ultrasonic) ReadDistance(ctx context.Context) (float64, error) {
	d, err := u.echo.Pulse(ctx, u.timeout)
	if err != nil {
		if errors.Is(err, ErrNoEcho) {
			return 0, err
		}
		return 0, fmt.Errorf("测距失败: %w", err)
	}
	if d <= 0 || d >= u.timeout {
		return 0, ErrNoEcho
	}
	return EchoToCm(d), nil
}

// ServoDiverter 使用舵机实现分流机构
type ServoDiverter struct {
	servo       Servo
	passAngle   int
	divertAngle int
	diverting   atomic.Bool
}

// NewServoDiverter 创建分流机构并把舵机置于直通位置
func NewServoDiverter(s Servo, passAngle, divertAngle int) (*ServoDiverter, error) {
	d := &ServoDiverter{servo: s, passAngle: passAngle, divertAngle: divertAngle}
	if err := d.Apply(false); err != nil {
		return nil, err
	}
	return d, nil
}

// Apply 将舵机转到分流或直通位置
func (d *ServoDiverter) Apply(divert bool) error {
	angle := d.passAngle
	if divert {
		angle = d.divertAngle
	}
	if err := d.servo.SetAngle(angle); err != nil {
		return fmt.Errorf("设置舵机角度 %d 失败: %w", angle, err)
	}
	d.diverting.Store(divert)
	return nil
}

// Diverting 返回当前是否处于分流位置
func (d *ServoDiverter) Diverting() bool { return d.diverting.Load() }

// PWMMotor 是方向引脚 + PWM 调速的直流电机
type PWMMotor struct {
	pwm     PWM
	dir     OutputPin
	duty    uint8
	running atomic.Bool
}

// NewPWMMotor 创建电机驱动，初始为停止状态
func NewPWMMotor(pwm PWM, dir OutputPin, duty uint8) (*PWMMotor, error) {
	m := &PWMMotor{pwm: pwm, dir: dir, duty: duty}
	if err := m.Run(false); err != nil {
		return nil, err
	}
	return m, nil
}

// Run 启动或停止皮带，每次调用都会写入硬件
func (m *PWMMotor) Run(on bool) error {
	m.dir.Set(true)
	var duty uint8
	if on {
		duty = m.duty
	}
	if err := m.pwm.SetDuty(duty); err != nil {
		return fmt.Errorf("设置电机占空比失败: %w", err)
	}
	m.running.Store(on)
	return nil
}

// Running 返回电机是否在运行
func (m *PWMMotor) Running() bool { return m.running.Load() }
