package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"conveyor-plc/internal/config"
	"conveyor-plc/internal/device"
	"conveyor-plc/internal/engine"
	"conveyor-plc/internal/event"
	"conveyor-plc/internal/handlers"
	"conveyor-plc/internal/persistence"
	"conveyor-plc/internal/state"
	"conveyor-plc/internal/transport"
	"conveyor-plc/internal/types"
	"conveyor-plc/internal/web"
)

// main 是传送带控制器的主入口
func main() {
	// 1. 初始化日志与配置
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("读取 .env 失败", "error", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("加载配置失败", "error", err)
		os.Exit(1)
	}

	topics := engine.Topics{
		Belt:             cfg.MQTT.Topics.Belt,
		Diversion:        cfg.MQTT.Topics.Diversion,
		Reset:            cfg.MQTT.Topics.Reset,
		ObjectDetected:   cfg.MQTT.Topics.ObjectDetected,
		ObjectRegistered: cfg.MQTT.Topics.ObjectRegistered,
		LimitReached:     cfg.MQTT.Topics.LimitReached,
	}
	binLimits := [types.BinCount]uint32{cfg.Limits.Normal, cfg.Limits.Diverted}
	boxLimits := [types.BinCount]uint32{cfg.Limits.Boxes[0], cfg.Limits.Boxes[1]}

	// 2. 状态展示与事件总线
	hub := web.NewHub(logger)
	stateTracker := web.NewStateTracker(hub, binLimits, boxLimits)
	eventBus := event.NewBus()
	handlers.RegisterEventHandlers(eventBus, stateTracker, logger)

	// 3. 设备
	hw, err := openHardware(cfg, logger)
	if err != nil {
		logger.Error("初始化硬件失败", "error", err)
		os.Exit(1)
	}
	motor, err := device.NewPWMMotor(hw.pwm, hw.dir, cfg.Actuator.MotorDuty)
	if err != nil {
		logger.Error("初始化电机失败", "error", err)
		os.Exit(1)
	}
	diverter, err := device.NewServoDiverter(hw.servo, cfg.Actuator.ServoPassAngle, cfg.Actuator.ServoDivertAngle)
	if err != nil {
		logger.Error("初始化分流舵机失败", "error", err)
		os.Exit(1)
	}
	sensor := device.NewUltrasonic(hw.echo, time.Duration(cfg.Sensing.EchoTimeoutUs)*time.Microsecond)

	// 4. 共享状态、链路与协作方
	shared := state.NewShared(cfg.Limits.Normal, cfg.Limits.Diverted, boxLimits)

	link := transport.NewMQTTLink(transport.Options{
		Broker:         cfg.MQTT.Broker,
		ClientID:       cfg.MQTT.ClientID,
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		ConnectTimeout: config.Ms(cfg.MQTT.ConnectTimeoutMs),
		Subscriptions:  topics.Subscriptions(),
		InboundBuffer:  cfg.MQTT.InboundBuffer,
	}, logger)

	outbox := persistence.NewOutbox(cfg.Persistence.BaseURL, config.Ms(cfg.Persistence.TimeoutMs),
		cfg.Persistence.QueueSize, cfg.Persistence.MaxWorkers, logger)

	rule, err := engine.CompileDiversionRule(cfg.Diversion.Rule)
	if err != nil {
		logger.Error("分流规则无效", "error", err, "rule", cfg.Diversion.Rule)
		os.Exit(1)
	}

	// 5. 控制任务
	counter := engine.NewCounter(shared)
	sensing := engine.NewSensingLoop(shared, sensor, diverter, engine.SensingConfig{
		PollInterval: config.Ms(cfg.Sensing.PollIntervalMs),
		Debounce:     config.Ms(cfg.Sensing.DebounceMs),
		ThresholdCm:  cfg.Sensing.ThresholdCm,
	}, eventBus, logger)
	dispatcher := engine.NewDispatcher(shared, link, motor, outbox, engine.DispatcherConfig{
		Interval:              config.Ms(cfg.Dispatch.IntervalMs),
		MaxBatch:              cfg.Dispatch.MaxBatch,
		ClassificationTimeout: config.Ms(cfg.Classification.TimeoutMs),
		RetryMin:              config.Ms(cfg.MQTT.RetryMinMs),
		RetryMax:              config.Ms(cfg.MQTT.RetryMaxMs),
		Topics:                topics,
	}, eventBus, logger).WithRule(rule).WithBoxEvents(sensing.BoxEvents())

	// 6. 恢复计数
	if cfg.Journal.Path != "" {
		journal, err := persistence.OpenJournal(cfg.Journal.Path)
		if err != nil {
			logger.Error("无法打开计数日志", "error", err, "path", cfg.Journal.Path)
			os.Exit(1)
		}
		defer journal.Close()
		rec, err := journal.Recover()
		if err != nil {
			logger.Warn("从计数日志恢复失败", "error", err)
		} else {
			dispatcher.Restore(rec)
		}
		dispatcher.WithJournal(journal)
	}

	logger.Info("=== 传送带控制器启动 ===",
		"limits", binLimits, "boxes", boxLimits, "broker", cfg.MQTT.Broker, "rule", cfg.Diversion.Rule)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: newAPIHandler(dispatcher, topics, hub, stateTracker, logger),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { hub.Run(gctx); return nil })
	g.Go(func() error { outbox.Start(gctx); return nil })
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return sensing.Run(gctx) })
	g.Go(func() error { return hw.edges(gctx, counter.OnEdge) })
	g.Go(func() error {
		logger.Info("API 服务器启动", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 3*time.Second)
		defer done()
		return srv.Shutdown(shutdownCtx)
	})

	// 7. 优雅停机
	waitForShutdown(gctx, logger, cancel)
	if err := g.Wait(); err != nil {
		logger.Error("任务异常退出", "error", err)
	}
	if err := motor.Run(false); err != nil {
		logger.Warn("停机时关闭电机失败", "error", err)
	}
	outbox.WaitForCompletion()
	link.Disconnect()
	logger.Info("控制器已安全退出", "edges", counter.Edges(), "motor_transitions", dispatcher.MotorTransitions())
}

// waitForShutdown 等待系统信号或任务失败
func waitForShutdown(ctx context.Context, logger *slog.Logger, cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
		logger.Info("接收到停机信号，正在优雅关闭...")
	case <-ctx.Done():
	}
	cancel()
}
