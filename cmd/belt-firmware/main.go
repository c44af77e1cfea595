//go:build rp2040 || rp2350

// belt-firmware 是 Pico 上的独立固件
// 没有网络：计数、分流、装箱与限位停机都在本地完成，
// 命令从 USB 串口读取 (与 MQTT 控制主题一一对应)，限位与装满事件打印到串口
package main

import (
	"context"
	"machine"
	"strconv"
	"time"

	"conveyor-plc/internal/device"
	"conveyor-plc/internal/state"
	"conveyor-plc/internal/types"
)

const (
	normalLimit   = 10
	divertedLimit = 10
	boxLimit      = 10
	thresholdCm   = 10.0
	pollInterval  = 20 * time.Millisecond
	debounce      = 300 * time.Millisecond
	echoTimeout   = 30 * time.Millisecond
	motorDuty     = 180
	passAngle     = 0
	divertAngle   = 90
)

// --- tiny logger (avoid fmt on MCU) ---

func logln(s string) { println(s) }

func logCount(prefix, label string, n uint32) {
	println(prefix + " " + label + " " + strconv.FormatUint(uint64(n), 10))
}

func halt(stage string, err error) {
	for {
		println("belt: " + stage + " failed: " + err.Error())
		time.Sleep(time.Second)
	}
}

func main() {
	// 等待 USB 串口就绪
	time.Sleep(2 * time.Second)

	board, err := device.NewBoard()
	if err != nil {
		halt("board", err)
	}
	sensor := device.NewUltrasonic(board, echoTimeout)
	diverter, err := device.NewServoDiverter(board, passAngle, divertAngle)
	if err != nil {
		halt("servo", err)
	}
	motor, err := device.NewPWMMotor(board, board, motorDuty)
	if err != nil {
		halt("motor", err)
	}
	shared := state.NewShared(normalLimit, divertedLimit, [types.BinCount]uint32{boxLimit, boxLimit})

	if err := board.OnCountEdge(func() { shared.CountEdge() }); err != nil {
		halt("count irq", err)
	}
	if err := motor.Run(true); err != nil {
		halt("motor start", err)
	}
	logln("belt: ready")

	ctx := context.Background()
	for {
		readCommands(shared, motor)
		reportLimits(shared, motor)

		cm, err := sensor.ReadDistance(ctx)
		if err != nil || cm <= 0 || cm >= thresholdCm {
			time.Sleep(pollInterval)
			continue
		}
		sense(shared, diverter)
		time.Sleep(debounce)
	}
}

// sense 处理测距区内的一个物体：按最近一次应用的决策驱动分流并装箱
func sense(shared *state.Shared, diverter *device.ServoDiverter) {
	applied := shared.Decision.Applied()
	if err := diverter.Apply(applied == types.DecisionDivert); err != nil {
		logln("belt: servo: " + err.Error())
	}
	box := applied.Bin()
	n, full, accepted := shared.Box(box).Add()
	switch {
	case !accepted:
		logCount("overflow", box.BoxLabel(), n)
	case full:
		logCount("limit", box.BoxLabel(), n)
	}
}

// reportLimits 串口总是可用，打印后即清除锁存
func reportLimits(shared *state.Shared, motor *device.PWMMotor) {
	for i := 0; i < types.BinCount; i++ {
		b := types.Bin(i)
		c := shared.Bin(b)
		if !c.Latched() {
			continue
		}
		if motor.Running() {
			motor.Run(false)
		}
		logCount("limit", b.Label(), c.Count())
		c.Acknowledge()
	}
}

// readCommands 读取串口上的单字节命令
// s/x 启停电机，d/n 设置下一个物体的通道，r 全部复位，p 打印计数
func readCommands(shared *state.Shared, motor *device.PWMMotor) {
	for machine.Serial.Buffered() > 0 {
		c, err := machine.Serial.ReadByte()
		if err != nil {
			return
		}
		switch c {
		case 's':
			motor.Run(true)
			logln("belt: start")
		case 'x':
			motor.Run(false)
			logln("belt: stop")
		case 'd':
			shared.Decision.Set(types.DecisionDivert)
		case 'n':
			shared.Decision.Set(types.DecisionNormal)
		case 'r':
			for i := 0; i < types.BinCount; i++ {
				shared.ResetBin(types.Bin(i))
				shared.ResetBox(types.Bin(i))
			}
			logln("belt: reset")
		case 'p':
			normal, diverted := shared.Totals()
			logCount("count", types.BinNormal.Label(), normal)
			logCount("count", types.BinDiverted.Label(), diverted)
		}
	}
}
