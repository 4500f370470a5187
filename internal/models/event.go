package models

import (
	"fmt"
	"time"
)

// 实时推送事件名
const (
	EventSensorUpdate = "sensor-update"
	EventDeviceStatus = "device-status"
)

// GroupName 网关分组名
func GroupName(gatewayID int64) string {
	return fmt.Sprintf("hub_%d", gatewayID)
}

// SensorUpdateEvent 传感器数值/状态变化
type SensorUpdateEvent struct {
	DeviceID   int64        `json:"deviceId"`
	SensorID   int64        `json:"sensorId"`
	SensorName string       `json:"sensorName"`
	TypeName   string       `json:"typeName"`
	Value      *float64     `json:"value"`
	Unit       string       `json:"unit"`
	Status     SensorStatus `json:"status"`
	Timestamp  time.Time    `json:"timestamp"`
}

// DeviceStatusEvent 网关上线/离线
type DeviceStatusEvent struct {
	DeviceID        int64      `json:"deviceId"`
	DeviceName      string     `json:"deviceName"`
	HardwareAddress string     `json:"hardwareAddress"`
	Online          bool       `json:"online"`
	LastHeartbeat   *time.Time `json:"lastHeartbeat"`
	SensorCount     int        `json:"sensorCount"`
	Timestamp       time.Time  `json:"timestamp"`
}

// NewDeviceStatusEvent 根据网关当前状态构建事件
func NewDeviceStatusEvent(gw *Gateway, sensorCount int, now time.Time) DeviceStatusEvent {
	return DeviceStatusEvent{
		DeviceID:        gw.ID,
		DeviceName:      gw.Name,
		HardwareAddress: gw.HardwareAddress,
		Online:          gw.Online,
		LastHeartbeat:   gw.LastHeartbeat,
		SensorCount:     sensorCount,
		Timestamp:       now,
	}
}

// NewSensorUpdateEvent 根据传感器当前状态构建事件
func NewSensorUpdateEvent(s *Sensor, now time.Time) SensorUpdateEvent {
	return SensorUpdateEvent{
		DeviceID:   s.GatewayID,
		SensorID:   s.ID,
		SensorName: s.Name,
		TypeName:   s.TypeName,
		Value:      s.CurrentValue,
		Unit:       s.Unit,
		Status:     s.Status,
		Timestamp:  now,
	}
}
