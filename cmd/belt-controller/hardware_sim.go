package main

import (
	"context"
	"errors"
	"log/slog"

	"conveyor-plc/internal/config"
	"conveyor-plc/internal/device"
)

// openHardware 控制器在主机上运行，硬件由模拟传送带提供
// 板载固件见 cmd/belt-firmware
func openHardware(cfg *config.Config, logger *slog.Logger) (*hardware, error) {
	if !cfg.Simulation.Enabled {
		return nil, errors.New("no hardware backend on this platform, set simulation.enabled=true")
	}
	belt := device.NewSimBelt(device.SimConfig{
		Arrival:      config.Ms(cfg.Simulation.ArrivalMs),
		Transit:      config.Ms(cfg.Simulation.TransitMs),
		Presence:     config.Ms(cfg.Simulation.PresenceMs),
		ObjectCm:     cfg.Simulation.ObjectCm,
		BackgroundCm: cfg.Simulation.BackgroundCm,
	}, logger)
	logger.Info("使用模拟传送带", "arrival_ms", cfg.Simulation.ArrivalMs)
	return &hardware{
		echo:  belt,
		servo: belt,
		pwm:   belt,
		dir:   belt,
		edges: func(ctx context.Context, onEdge func()) error {
			belt.Run(ctx, onEdge)
			return nil
		},
	}, nil
}
