// Package metrics 导出 Prometheus 指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesTotal 入站遥测消息，result: processed / decode_error / unknown_device / failed
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iot_telemetry_messages_total",
			Help: "Total number of telemetry messages received",
		},
		[]string{"result"},
	)

	// ReadingsTotal 写入的读数
	ReadingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iot_telemetry_readings_total",
			Help: "Total number of sensor readings appended",
		},
		[]string{"sensor_type"},
	)

	// MessageDuration 单条消息处理耗时
	MessageDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "iot_telemetry_message_duration_seconds",
			Help:    "Time spent processing one telemetry message",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	// MQTTConnectionState 0=disconnected 1=connecting 2=connected
	MQTTConnectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "iot_telemetry_mqtt_connection_state",
			Help: "Current broker connection state",
		},
	)

	// MQTTHealthy 连续重连失败超过阈值时为 0
	MQTTHealthy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "iot_telemetry_mqtt_healthy",
			Help: "Whether the broker connection is considered healthy",
		},
	)

	// MQTTConnectAttempts 连接尝试，result: success / failure
	MQTTConnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iot_telemetry_mqtt_connect_attempts_total",
			Help: "Total number of broker connection attempts",
		},
		[]string{"result"},
	)

	// MQTTConsecutiveFailures 当前连续连接失败次数
	MQTTConsecutiveFailures = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "iot_telemetry_mqtt_consecutive_failures",
			Help: "Consecutive failed broker connection attempts",
		},
	)

	// SweepsTotal 巡检次数，result: ok / error
	SweepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iot_telemetry_sweeps_total",
			Help: "Total number of liveness sweeps run",
		},
		[]string{"result"},
	)

	// GatewaysDemoted 巡检判定离线的网关
	GatewaysDemoted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "iot_telemetry_gateways_demoted_total",
			Help: "Total number of gateways marked offline by the liveness sweep",
		},
	)

	// SweepDuration 单次巡检耗时
	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "iot_telemetry_sweep_duration_seconds",
			Help:    "Liveness sweep duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// AlertsTotal 规则评估结果，result: triggered / suppressed / skipped
	AlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iot_telemetry_alerts_total",
			Help: "Total number of alert rule outcomes",
		},
		[]string{"result"},
	)

	// NotificationsCreated 写入的通知
	NotificationsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "iot_telemetry_notifications_created_total",
			Help: "Total number of notifications persisted",
		},
	)

	// EmailsSent 邮件发送，result: sent / failed
	EmailsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iot_telemetry_emails_total",
			Help: "Total number of alert e-mails attempted",
		},
		[]string{"result"},
	)

	// BroadcastClients 当前连接的实时推送客户端
	BroadcastClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "iot_telemetry_broadcast_clients",
			Help: "Number of connected live-update clients",
		},
	)

	// BroadcastEvents 推送事件，scope: all / group
	BroadcastEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iot_telemetry_broadcast_events_total",
			Help: "Total number of events pushed to live-update clients",
		},
		[]string{"event", "scope"},
	)

	// BroadcastDropped 发送缓冲已满被断开的客户端
	BroadcastDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "iot_telemetry_broadcast_dropped_clients_total",
			Help: "Total number of slow clients dropped by the broadcaster",
		},
	)
)
