package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"iot-telemetry/common/database"
	mqttcommon "iot-telemetry/common/mqtt"
	rediscommon "iot-telemetry/common/redis"
	"iot-telemetry/internal/broadcast"
	"iot-telemetry/internal/clock"
	"iot-telemetry/internal/config"
	"iot-telemetry/internal/consumer"
	"iot-telemetry/internal/devicelock"
	"iot-telemetry/internal/evaluator"
	"iot-telemetry/internal/httpapi"
	"iot-telemetry/internal/monitor"
	"iot-telemetry/internal/notifier"
	"iot-telemetry/internal/repository"
	"iot-telemetry/internal/store"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// TelemetryService 遥测采集服务：MQTT 采集、在线巡检、报警、实时推送
type TelemetryService struct {
	config      *config.Config
	logger      *zap.Logger
	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqttcommon.Client

	hub     *broadcast.Hub
	worker  *consumer.IngestionWorker
	monitor *monitor.LivenessMonitor
	server  *httpapi.Server

	wg sync.WaitGroup
}

// NewTelemetryService 创建服务并连接数据库和 Redis（MQTT 在 Start 中连接）
func NewTelemetryService(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*TelemetryService, error) {
	db, err := database.NewPostgresDB(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	redisClient := rediscommon.NewRedisClient(&cfg.Redis)
	if err := rediscommon.Ping(ctx, redisClient); err != nil {
		_ = database.Close(db)
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	clk := clock.NewLocalClock(cfg.Telemetry.Timezone, logger)
	locker := devicelock.New()

	// Repository
	deviceRepo := repository.NewDeviceRepository(db, logger)
	alertRepo := repository.NewAlertRepository(db, logger)
	auditRepo := repository.NewAuditRepository(db, logger)

	// 实时推送；全局事件同时写入 Redis Stream
	var sinks []broadcast.Sink
	if cfg.Broadcast.StreamEnabled {
		sinks = append(sinks, broadcast.NewStreamSink(redisClient, cfg.Broadcast.Stream, cfg.Broadcast.StreamMaxLen))
	}
	hub := broadcast.NewHub(logger, sinks...)

	// 报警
	var notify evaluator.Notifier
	if cfg.EmailEnabled() {
		notify = notifier.NewEmailNotifier(
			cfg.Email.Endpoint,
			cfg.Email.APIKey,
			cfg.Email.From,
			cfg.Email.FromName,
			cfg.Email.Timeout,
			logger,
		)
	} else {
		logger.Warn("Email notifications disabled (email.api_key or email.from not set)")
	}
	incidents := evaluator.NewIncidentTracker(store.NewRedisKVStore(redisClient), cfg.Alert.StateKeyPrefix, cfg.Alert.Cooldown)
	engine := evaluator.NewEngine(alertRepo, deviceRepo, incidents, notify, clk, logger)

	// MQTT 采集
	mqttClient := mqttcommon.NewClient(&cfg.MQTT, logger)
	worker := consumer.NewIngestionWorker(
		consumer.WorkerConfig{
			Topic:          cfg.Topic(),
			QoS:            cfg.MQTT.QoS,
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
			InitialDelay:   cfg.Reconnect.InitialDelay,
			MaxDelay:       cfg.Reconnect.MaxDelay,
			UnhealthyAfter: cfg.Reconnect.UnhealthyAfter,
			AuditSource:    cfg.Telemetry.AuditSource,
		},
		mqttClient,
		deviceRepo,
		engine,
		auditRepo,
		hub,
		locker,
		clk,
		logger,
	)

	// 在线巡检
	liveness := monitor.NewLivenessMonitor(
		cfg.Monitor.CheckInterval,
		cfg.Monitor.OfflineThreshold,
		deviceRepo,
		hub,
		locker,
		clk,
		logger,
	)

	router := httpapi.NewRouter(httpapi.RouterConfig{
		Hub:        hub,
		SendBuffer: cfg.Broadcast.SendBuffer,
		Ingestion:  worker,
		Checks: map[string]httpapi.CheckFunc{
			"database": db.PingContext,
			"redis": func(ctx context.Context) error {
				return rediscommon.Ping(ctx, redisClient)
			},
		},
		Logger: logger,
	})

	return &TelemetryService{
		config:      cfg,
		logger:      logger,
		db:          db,
		redisClient: redisClient,
		mqttClient:  mqttClient,
		hub:         hub,
		worker:      worker,
		monitor:     liveness,
		server:      httpapi.NewServer(cfg.HTTP.Addr, router, logger),
	}, nil
}

// Start 启动所有组件，阻塞直到 ctx 取消或 HTTP 服务异常退出
func (s *TelemetryService) Start(ctx context.Context) error {
	s.logger.Info("Starting telemetry service",
		zap.String("topic", s.config.Topic()),
		zap.String("http_addr", s.config.HTTP.Addr),
		zap.Bool("email_enabled", s.config.EmailEnabled()),
		zap.Bool("stream_enabled", s.config.Broadcast.StreamEnabled),
	)

	s.run(func() { s.hub.Run(ctx) })
	s.run(func() {
		if err := s.worker.Start(ctx); err != nil {
			s.logger.Error("Ingestion worker exited", zap.Error(err))
		}
	})
	s.run(func() {
		if err := s.monitor.Start(ctx); err != nil {
			s.logger.Error("Liveness monitor exited", zap.Error(err))
		}
	})

	serverErr := make(chan error, 1)
	s.run(func() { serverErr <- s.server.Start() })

	select {
	case <-ctx.Done():
		return nil
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}
}

func (s *TelemetryService) run(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Stop 停止服务：先断开 MQTT 不再接收消息，再关闭推送和存储
// 调用前应先取消 Start 的 ctx
func (s *TelemetryService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping telemetry service")

	var errs []error
	s.worker.Stop()
	if err := s.server.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	s.hub.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("Timed out waiting for background tasks")
	}

	if err := rediscommon.Close(s.redisClient); err != nil {
		errs = append(errs, fmt.Errorf("redis: %w", err))
	}
	if err := database.Close(s.db); err != nil {
		errs = append(errs, fmt.Errorf("database: %w", err))
	}
	return errors.Join(errs...)
}
