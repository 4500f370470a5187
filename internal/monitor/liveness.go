package monitor

import (
	"context"
	"fmt"
	"time"

	"iot-telemetry/internal/broadcast"
	"iot-telemetry/internal/clock"
	"iot-telemetry/internal/devicelock"
	"iot-telemetry/internal/metrics"
	"iot-telemetry/internal/models"

	"go.uber.org/zap"
)

// DeviceDirectory 巡检需要的设备目录操作
type DeviceDirectory interface {
	ListOnlineGateways(ctx context.Context) ([]*models.Gateway, error)
	GetGateway(ctx context.Context, id int64) (*models.Gateway, error)
	UpdateGateway(ctx context.Context, gw *models.Gateway) error
	ListSensorsOfGateway(ctx context.Context, gatewayID int64) ([]*models.Sensor, error)
	UpdateSensorStatus(ctx context.Context, sensorID int64, status models.SensorStatus) error
}

// LivenessMonitor 定期把长时间没有心跳的网关及其传感器标记为离线
type LivenessMonitor struct {
	interval    time.Duration
	threshold   time.Duration
	directory   DeviceDirectory
	broadcaster broadcast.Broadcaster
	locker      *devicelock.Locker
	clock       clock.Clock
	logger      *zap.Logger
}

// NewLivenessMonitor 创建巡检器
func NewLivenessMonitor(
	interval, threshold time.Duration,
	directory DeviceDirectory,
	broadcaster broadcast.Broadcaster,
	locker *devicelock.Locker,
	clk clock.Clock,
	logger *zap.Logger,
) *LivenessMonitor {
	return &LivenessMonitor{
		interval:    interval,
		threshold:   threshold,
		directory:   directory,
		broadcaster: broadcaster,
		locker:      locker,
		clock:       clk,
		logger:      logger,
	}
}

// Start 循环巡检直到 ctx 取消；下一次等待从本次巡检结束后开始计时
func (m *LivenessMonitor) Start(ctx context.Context) error {
	m.logger.Info("Liveness monitor started",
		zap.Duration("check_interval", m.interval),
		zap.Duration("offline_threshold", m.threshold),
	)

	timer := time.NewTimer(m.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Liveness monitor stopped")
			return nil
		case <-timer.C:
			if _, err := m.Sweep(ctx); err != nil {
				m.logger.Error("Liveness sweep failed", zap.Error(err))
			}
			timer.Reset(m.interval)
		}
	}
}

// Sweep 执行一次巡检，返回被标记离线的网关数
// 单个网关失败只记录日志，继续处理其余网关
func (m *LivenessMonitor) Sweep(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	gateways, err := m.directory.ListOnlineGateways(ctx)
	if err != nil {
		metrics.SweepsTotal.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("failed to list online gateways: %w", err)
	}
	metrics.SweepsTotal.WithLabelValues("ok").Inc()
	if len(gateways) == 0 {
		return 0, nil
	}

	now := m.clock.Now()
	cutoff := now.Add(-m.threshold)

	demoted := 0
	for _, gw := range gateways {
		if !gw.IsStale(cutoff) {
			continue
		}
		if ctx.Err() != nil {
			return demoted, ctx.Err()
		}
		ok, err := m.demote(ctx, gw.ID, cutoff, now)
		if ok {
			demoted++
		}
		if err != nil {
			m.logger.Error("Failed to mark gateway offline",
				zap.Int64("device_id", gw.ID),
				zap.String("hardware_address", gw.HardwareAddress),
				zap.Error(err),
			)
		}
	}

	if demoted > 0 {
		metrics.GatewaysDemoted.Add(float64(demoted))
	}
	return demoted, nil
}

// demote 持有网关锁重新读取并判定，期间收到新心跳则跳过
func (m *LivenessMonitor) demote(ctx context.Context, gatewayID int64, cutoff, now time.Time) (bool, error) {
	unlock := m.locker.Lock(gatewayID)
	defer unlock()

	gw, err := m.directory.GetGateway(ctx, gatewayID)
	if err != nil {
		return false, err
	}
	if !gw.Online || !gw.IsStale(cutoff) {
		return false, nil
	}

	gw.Online = false
	if err := m.directory.UpdateGateway(ctx, gw); err != nil {
		return false, err
	}

	// 网关离线已提交，传感器读取失败也要通知观察者，否则下次巡检不会再处理该网关
	sensors, err := m.directory.ListSensorsOfGateway(ctx, gw.ID)
	if err != nil {
		broadcast.PublishDeviceEvent(m.broadcaster, gw.ID, models.EventDeviceStatus,
			models.NewDeviceStatusEvent(gw, 0, now))
		return true, fmt.Errorf("gateway offline but sensors not updated: %w", err)
	}

	offline := 0
	for _, s := range sensors {
		if s.Status != models.SensorStatusOnline {
			continue
		}
		if err := m.directory.UpdateSensorStatus(ctx, s.ID, models.SensorStatusOffline); err != nil {
			m.logger.Error("Failed to mark sensor offline",
				zap.Int64("sensor_id", s.ID),
				zap.Error(err),
			)
			continue
		}
		s.Status = models.SensorStatusOffline
		offline++
		broadcast.PublishDeviceEvent(m.broadcaster, gw.ID, models.EventSensorUpdate,
			models.NewSensorUpdateEvent(s, now))
	}

	broadcast.PublishDeviceEvent(m.broadcaster, gw.ID, models.EventDeviceStatus,
		models.NewDeviceStatusEvent(gw, len(sensors), now))

	fields := []zap.Field{
		zap.Int64("device_id", gw.ID),
		zap.String("hardware_address", gw.HardwareAddress),
		zap.Int("sensors_offline", offline),
	}
	if gw.LastHeartbeat != nil {
		fields = append(fields, zap.Duration("inactive_for", now.Sub(*gw.LastHeartbeat)))
	}
	m.logger.Warn("Gateway marked offline", fields...)
	return true, nil
}
