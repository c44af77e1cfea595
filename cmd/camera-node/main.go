package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"conveyor-plc/internal/camera"
	"conveyor-plc/internal/config"
	"conveyor-plc/internal/transport"
	"conveyor-plc/internal/types"
)

// main 是相机节点的入口
func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "camera-node")
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("读取 .env 失败", "error", err)
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("加载配置失败", "error", err)
		os.Exit(1)
	}
	bin := types.Bin(cfg.Camera.Bin)
	if !bin.Valid() {
		logger.Error("camera.bin 超出范围", "bin", cfg.Camera.Bin)
		os.Exit(1)
	}

	var source camera.FrameSource
	if cfg.Camera.FrameDir != "" {
		source, err = camera.NewDirSource(cfg.Camera.FrameDir)
		if err != nil {
			logger.Error("无法打开帧目录", "error", err)
			os.Exit(1)
		}
	} else {
		source = camera.NewSyntheticSource(cfg.Camera.Width, cfg.Camera.Height)
		logger.Info("使用合成帧", "width", cfg.Camera.Width, "height", cfg.Camera.Height)
	}

	link := transport.NewMQTTLink(transport.Options{
		Broker:         cfg.MQTT.Broker,
		ClientID:       cfg.MQTT.ClientID + "-camera",
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		ConnectTimeout: config.Ms(cfg.MQTT.ConnectTimeoutMs),
	}, logger)
	defer link.Disconnect()

	node := camera.NewNode(source, link, camera.NodeConfig{
		Topic:      cfg.MQTT.Topics.ObjectDetected,
		Bin:        bin,
		Interval:   config.Ms(cfg.Camera.IntervalMs),
		SampleStep: cfg.Camera.SampleStep,
		RetryMin:   config.Ms(cfg.MQTT.RetryMinMs),
		RetryMax:   config.Ms(cfg.MQTT.RetryMaxMs),
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := node.Run(ctx); err != nil {
		logger.Error("相机节点异常退出", "error", err)
	}
	logger.Info("相机节点已退出", "published", node.Published())
}
