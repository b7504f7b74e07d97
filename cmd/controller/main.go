package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/open-teleop/motionctrl/domain/diagnostic"
	"github.com/open-teleop/motionctrl/domain/render"
	"github.com/open-teleop/motionctrl/pkg/api"
	"github.com/open-teleop/motionctrl/pkg/config"
	customlog "github.com/open-teleop/motionctrl/pkg/log"
	"github.com/open-teleop/motionctrl/pkg/mqtt"
	"github.com/open-teleop/motionctrl/pkg/preset"
	"github.com/open-teleop/motionctrl/pkg/processing"
	"github.com/open-teleop/motionctrl/pkg/session"
	"github.com/open-teleop/motionctrl/pkg/zeromq"
	"github.com/open-teleop/motionctrl/services"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is optional
	_ = godotenv.Load()

	var configDir string
	var port int
	flagSet := pflag.NewFlagSet("controller", pflag.ContinueOnError)
	flagSet.StringVar(&configDir, "config-dir", "", "directory holding controller_config.yaml (env MOTIONCTRL_CONFIG_DIR, default ./config)")
	flagSet.IntVar(&port, "port", 0, "HTTP port (env PORT, default server.http_port)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	if configDir == "" {
		configDir = os.Getenv("MOTIONCTRL_CONFIG_DIR")
	}
	if configDir == "" {
		configDir = "./config"
	}

	bootCfg, err := config.LoadBootstrapConfig(configDir)
	if err != nil {
		return err
	}
	if port == 0 {
		if p, err := strconv.Atoi(os.Getenv("PORT")); err == nil {
			port = p
		}
	}
	if port == 0 {
		port = bootCfg.Server.HTTPPort
	}

	log, err := customlog.NewLogrusLogger(bootCfg.Logging.Level, bootCfg.Logging.LogPath)
	if err != nil {
		return err
	}
	log.Infof("Loaded bootstrap config from %s (transport=%s)", configDir, bootCfg.Transport.Kind)

	configService, err := services.NewPipelineConfigService(bootCfg.Data.PipelineConfigPath(), log)
	if err != nil {
		return err
	}
	cfg := configService.GetCurrentConfig()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	topics := processing.NewTopicRegistry(log)
	topics.LoadFromConfig(cfg)

	framePool := processing.NewProcessingPool("frame", bootCfg.Processing.FrameWorkers, bootCfg.Processing.FrameQueueSize, log)

	// Transport
	var (
		transport   session.Transport
		zmqService  *zeromq.ZeroMQService
		mqttService *mqtt.Service
	)
	switch bootCfg.Transport.Kind {
	case config.TransportMQTT:
		mqttService = mqtt.NewService(bootCfg.MQTT, log)
		if err := mqttService.Connect(ctx); err != nil {
			return err
		}
		configService.SetPublisher(mqttService)
		transport = mqttService
	default:
		zmqService, err = zeromq.NewZeroMQService(bootCfg.ZeroMQ, configService, log)
		if err != nil {
			return err
		}
		configService.SetPublisher(zeromq.RegisterConfigHandlers(zmqService, configService, log))
		transport = zmqService
	}

	manager := session.NewManager(session.ManagerOptions{
		Configs:    configService,
		Transport:  transport,
		Topics:     topics,
		Frames:     framePool,
		Redis:      session.NewRedisClient(ctx, bootCfg.Redis, log),
		SessionTTL: bootCfg.Redis.SessionTTL(),
		Logger:     log,
	})
	go manager.StartCleanupRoutine(ctx)

	annotator := render.NewAnnotatorFromConfig(cfg)
	frameProcessor := processing.NewFrameProcessor(log, manager, annotator)
	framePool.SetProcessor(frameProcessor.ProcessMessage)
	framePool.SetResultHandler(processing.NewDeliveryResultHandler(log, manager).CreateHandlerFunc())
	framePool.Start()

	diagnosticService := diagnostic.NewDiagnosticService(bootCfg.Transport.Kind, manager, framePool, topics)

	if zmqService != nil {
		zeromq.RegisterReplyHandlers(zmqService, manager, manager, log)
		if err := zmqService.Start(); err != nil {
			return err
		}
	}
	if mqttService != nil {
		mqttService.SetReplySink(manager)
		diagnosticService.SetConnectionStats(func() interface{} { return mqttService.Stats() })
	}

	var presets *preset.Store
	if dir := bootCfg.Data.PresetDirectory; dir != "" {
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(bootCfg.Data.Directory, dir)
		}
		presets = preset.NewStore(dir, log)
	}

	app := fiber.New(fiber.Config{
		AppName:      "motionctrl controller",
		ErrorHandler: api.ErrorHandler,
	})
	app.Use(logger.New())
	app.Use(recover.New())

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "online",
			"service": "motionctrl controller",
		})
	})
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":   "healthy",
			"sessions": manager.GetActiveSessionCount(),
		})
	})

	apiGroup := app.Group("/api")
	apiGroup.Get("/diagnostics", diagnosticService.GetMetricsHandler)

	api.RegisterConfigRoutes(app, configService, log)
	if presets != nil {
		api.RegisterPresetRoutes(app, presets, configService, log)
	}
	api.RegisterSessionRoutes(app, api.NewSessionHandler(manager, configService, presets, log))

	go func() {
		log.Infof("Server starting on port %d", port)
		if err := app.Listen(":" + strconv.Itoa(port)); err != nil {
			log.Errorf("Server stopped: %v", err)
			cancel()
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}
	log.Infof("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Warnf("Server forced to shutdown: %v", err)
	}
	cancel()
	manager.Shutdown(shutdownCtx)
	framePool.Stop()
	if zmqService != nil {
		zmqService.Stop()
	}
	if mqttService != nil {
		mqttService.Disconnect()
	}

	log.Infof("Server exited properly")
	return nil
}
