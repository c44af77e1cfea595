package main

import (
	"context"

	"conveyor-plc/internal/device"
)

// hardware 是控制器使用的底层设备
type hardware struct {
	echo  device.EchoTimer
	servo device.Servo
	pwm   device.PWM
	dir   device.OutputPin
	// edges 把计数传感器的下降沿接到 onEdge，阻塞到 ctx 取消
	edges func(ctx context.Context, onEdge func()) error
}
