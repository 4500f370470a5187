package consumer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mqttcommon "iot-telemetry/common/mqtt"
	"iot-telemetry/internal/broadcast"
	"iot-telemetry/internal/clock"
	"iot-telemetry/internal/decoder"
	"iot-telemetry/internal/devicelock"
	"iot-telemetry/internal/metrics"
	"iot-telemetry/internal/models"
	"iot-telemetry/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Transport 遥测消息通道（common/mqtt.Client）
type Transport interface {
	Connect(timeout time.Duration) error
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
	Disconnect()
	OnConnectionLost(fn func(err error))
}

// DeviceDirectory 网关 / 传感器 / 读数持久化
type DeviceDirectory interface {
	FindByHardwareAddress(ctx context.Context, address string) (*models.Gateway, error)
	GetGateway(ctx context.Context, id int64) (*models.Gateway, error)
	UpdateGateway(ctx context.Context, gw *models.Gateway) error
	UpdateSiteAddress(ctx context.Context, siteID int64, address string) error
	ListSensorsOfGateway(ctx context.Context, gatewayID int64) ([]*models.Sensor, error)
	UpdateSensorStatus(ctx context.Context, sensorID int64, status models.SensorStatus) error
	AppendReading(ctx context.Context, reading *models.Reading) error
}

// AlertEvaluator 读数的报警评估
type AlertEvaluator interface {
	Evaluate(ctx context.Context, reading models.Reading) ([]models.Notification, error)
}

// AuditLogger 入站消息审计
type AuditLogger interface {
	Record(ctx context.Context, entry *models.AuditLog) error
}

// WorkerConfig 采集 worker 配置
type WorkerConfig struct {
	Topic          string
	QoS            byte
	ConnectTimeout time.Duration
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	UnhealthyAfter int // 连续失败多少次后标记 unhealthy，<=0 不标记
	AuditSource    string
}

// 每条消息依次处理的三类传感器（按读数写入顺序）
var sensorKinds = []string{
	models.SensorTypeTemperature,
	models.SensorTypeHumidity,
	models.SensorTypePressure,
}

var (
	errDecode        = errors.New("decode failed")
	errUnknownDevice = errors.New("unknown device address")
)

// IngestionWorker 订阅遥测主题，把每条消息转换为设备状态、读数和推送事件
type IngestionWorker struct {
	cfg         WorkerConfig
	transport   Transport
	directory   DeviceDirectory
	evaluator   AlertEvaluator
	audit       AuditLogger
	broadcaster broadcast.Broadcaster
	locker      *devicelock.Locker
	clock       clock.Clock
	logger      *zap.Logger

	// 消息处理使用独立的 ctx：Stop 断开连接后才取消，Start 的 ctx 取消不影响进行中的消息
	procCtx    context.Context
	procCancel context.CancelFunc
	backoff    *Backoff

	state    atomic.Int32
	healthy  atomic.Bool
	failures atomic.Int32
}

// NewIngestionWorker 创建采集 worker
func NewIngestionWorker(
	cfg WorkerConfig,
	transport Transport,
	directory DeviceDirectory,
	evaluator AlertEvaluator,
	audit AuditLogger,
	broadcaster broadcast.Broadcaster,
	locker *devicelock.Locker,
	clk clock.Clock,
	logger *zap.Logger,
) *IngestionWorker {
	w := &IngestionWorker{
		cfg:         cfg,
		transport:   transport,
		directory:   directory,
		evaluator:   evaluator,
		audit:       audit,
		broadcaster: broadcaster,
		locker:      locker,
		clock:       clk,
		logger:      logger,
	}
	w.procCtx, w.procCancel = context.WithCancel(context.Background())
	w.backoff = NewBackoff(cfg.InitialDelay, cfg.MaxDelay)
	w.healthy.Store(true)
	metrics.MQTTHealthy.Set(1)
	return w
}

// Start 连接并订阅，断线后按指数退避重连，阻塞直到 ctx 取消
func (w *IngestionWorker) Start(ctx context.Context) error {
	lost := make(chan error, 1)
	w.transport.OnConnectionLost(func(err error) {
		w.setState(StateDisconnected)
		select {
		case lost <- err:
		default:
		}
	})

	for {
		if err := w.connect(ctx); err != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case err := <-lost:
			w.logger.Warn("Lost connection to MQTT broker, reconnecting", zap.Error(err))
		}
	}
}

// Stop 断开 broker 连接（等待进行中的消息处理完），然后取消消息处理 ctx
func (w *IngestionWorker) Stop() {
	w.transport.Disconnect()
	w.procCancel()
	w.setState(StateDisconnected)
	w.logger.Info("Ingestion worker stopped")
}

// State 当前连接状态
func (w *IngestionWorker) State() ConnState {
	return ConnState(w.state.Load())
}

// Healthy 连续连接失败未超过阈值
func (w *IngestionWorker) Healthy() bool {
	return w.healthy.Load()
}

func (w *IngestionWorker) setState(s ConnState) {
	w.state.Store(int32(s))
	metrics.MQTTConnectionState.Set(float64(s))
}

// connect 重试直到连接并订阅成功；ctx 取消时返回其错误
func (w *IngestionWorker) connect(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		w.setState(StateConnecting)
		err := w.transport.Connect(w.cfg.ConnectTimeout)
		if err == nil {
			if err = w.transport.Subscribe(w.cfg.Topic, w.cfg.QoS, w.HandleMessage); err != nil {
				w.transport.Disconnect()
			}
		}
		if err == nil {
			w.backoff.Reset()
			w.setState(StateConnected)
			w.failures.Store(0)
			w.healthy.Store(true)
			metrics.MQTTConnectAttempts.WithLabelValues("success").Inc()
			metrics.MQTTConsecutiveFailures.Set(0)
			metrics.MQTTHealthy.Set(1)
			w.logger.Info("Connected to MQTT broker and subscribed",
				zap.String("topic", w.cfg.Topic),
				zap.Int("attempt", attempt),
			)
			return nil
		}

		w.setState(StateDisconnected)
		failures := int(w.failures.Add(1))
		metrics.MQTTConnectAttempts.WithLabelValues("failure").Inc()
		metrics.MQTTConsecutiveFailures.Set(float64(failures))
		if w.cfg.UnhealthyAfter > 0 && failures >= w.cfg.UnhealthyAfter && w.healthy.Swap(false) {
			metrics.MQTTHealthy.Set(0)
			w.logger.Error("MQTT connection unhealthy",
				zap.Int("consecutive_failures", failures),
				zap.Error(err),
			)
		}

		delay := w.backoff.Next()
		w.logger.Warn("Failed to connect to MQTT broker, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// HandleMessage 处理一条遥测消息
// 错误只记录（审计日志 + 应用日志），不向上传播，也不影响后续消息
func (w *IngestionWorker) HandleMessage(topic string, payload []byte) error {
	ctx := w.procCtx
	start := time.Now()
	logger := w.logger.With(
		zap.String("message_id", uuid.NewString()),
		zap.String("topic", topic),
	)

	err := w.process(ctx, topic, payload, logger)

	result := "processed"
	switch {
	case err == nil:
	case errors.Is(err, errUnknownDevice):
		result = "unknown_device"
	case errors.Is(err, errDecode):
		result = "decode_error"
		logger.Warn("Failed to decode telemetry", zap.ByteString("payload", payload), zap.Error(err))
	default:
		result = "failed"
		logger.Error("Failed to process telemetry", zap.ByteString("payload", payload), zap.Error(err))
	}
	metrics.MessagesTotal.WithLabelValues(result).Inc()
	metrics.MessageDuration.Observe(time.Since(start).Seconds())

	w.recordAudit(ctx, payload, err, logger)
	return nil
}

func (w *IngestionWorker) process(ctx context.Context, topic string, payload []byte, logger *zap.Logger) error {
	t, err := decoder.Decode(payload, topic)
	if err != nil {
		return fmt.Errorf("%w: %w", errDecode, err)
	}

	gw, err := w.directory.FindByHardwareAddress(ctx, t.DeviceAddress)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			logger.Warn("Telemetry from unregistered device",
				zap.String("hardware_address", t.DeviceAddress),
				zap.ByteString("payload", payload),
			)
			return fmt.Errorf("%w: %s", errUnknownDevice, t.DeviceAddress)
		}
		return err
	}

	// 部分写入失败时，已提交的读数仍然参与报警评估
	readings, applyErr := w.applyTelemetry(ctx, gw.ID, t, logger)

	// 报警评估在设备锁之外执行，邮件投递不阻塞巡检
	for _, r := range readings {
		if _, err := w.evaluator.Evaluate(ctx, r); err != nil {
			logger.Error("Alert evaluation failed",
				zap.Int64("sensor_id", r.SensorID),
				zap.Error(err),
			)
		}
	}
	return applyErr
}

// applyTelemetry 持有网关锁更新网关、站点、传感器和读数，返回新写入的读数
// 出错时同时返回出错前已写入的读数
func (w *IngestionWorker) applyTelemetry(ctx context.Context, gatewayID int64, t *decoder.Telemetry, logger *zap.Logger) ([]models.Reading, error) {
	unlock := w.locker.Lock(gatewayID)
	defer unlock()

	gw, err := w.directory.GetGateway(ctx, gatewayID)
	if err != nil {
		return nil, err
	}

	now := w.clock.Now()
	wasOnline := gw.Online
	gw.Online = true
	gw.LastHeartbeat = &now

	if loc := t.LocationText(); loc != "" {
		if err := w.directory.UpdateSiteAddress(ctx, gw.SiteID, loc); err != nil {
			return nil, err
		}
	}
	if err := w.directory.UpdateGateway(ctx, gw); err != nil {
		return nil, err
	}

	sensors, err := w.directory.ListSensorsOfGateway(ctx, gw.ID)
	if err != nil {
		return nil, err
	}

	if !wasOnline {
		logger.Info("Gateway back online",
			zap.Int64("device_id", gw.ID),
			zap.String("hardware_address", gw.HardwareAddress),
		)
		broadcast.PublishDeviceEvent(w.broadcaster, gw.ID, models.EventDeviceStatus,
			models.NewDeviceStatusEvent(gw, len(sensors), now))
	}

	values := t.Measurements()
	var readings []models.Reading
	for _, kind := range sensorKinds {
		value, ok := values[kind]
		if !ok {
			continue
		}
		sensor := findSensor(sensors, kind)
		if sensor == nil {
			continue
		}

		reading := models.Reading{SensorID: sensor.ID, GatewayID: gw.ID, Value: value, RecordedAt: now}
		if err := w.directory.AppendReading(ctx, &reading); err != nil {
			return readings, err
		}
		readings = append(readings, reading)
		if sensor.Status != models.SensorStatusOnline {
			if err := w.directory.UpdateSensorStatus(ctx, sensor.ID, models.SensorStatusOnline); err != nil {
				return readings, err
			}
			sensor.Status = models.SensorStatusOnline
		}
		sensor.CurrentValue = &value
		sensor.LastUpdate = &now
		metrics.ReadingsTotal.WithLabelValues(kind).Inc()

		broadcast.PublishDeviceEvent(w.broadcaster, gw.ID, models.EventSensorUpdate,
			models.NewSensorUpdateEvent(sensor, now))
	}

	logger.Debug("Telemetry applied",
		zap.Int64("device_id", gw.ID),
		zap.Int("readings", len(readings)),
	)
	return readings, nil
}

func findSensor(sensors []*models.Sensor, typeName string) *models.Sensor {
	for _, s := range sensors {
		if strings.EqualFold(s.TypeName, typeName) {
			return s
		}
	}
	return nil
}

func (w *IngestionWorker) recordAudit(ctx context.Context, payload []byte, procErr error, logger *zap.Logger) {
	entry := &models.AuditLog{
		Source:     w.cfg.AuditSource,
		RawPayload: string(payload),
		CreatedAt:  w.clock.Now(),
	}
	if procErr != nil {
		msg := procErr.Error()
		entry.ErrorMessage = &msg
	}
	if err := w.audit.Record(ctx, entry); err != nil {
		logger.Error("Failed to write audit log", zap.Error(err))
	}
}
