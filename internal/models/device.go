package models

import "time"

// SensorStatus 传感器状态
type SensorStatus string

const (
	SensorStatusActive  SensorStatus = "Active" // 注册后的默认状态
	SensorStatusOnline  SensorStatus = "Online"
	SensorStatusOffline SensorStatus = "Offline"
)

// 网关固定承载的三类传感器（按类型名匹配，不区分大小写）
const (
	SensorTypeTemperature = "Temperature"
	SensorTypeHumidity    = "Humidity"
	SensorTypePressure    = "Pressure"
)

// Gateway 网关设备（hub）
type Gateway struct {
	ID              int64      `json:"hubId"`
	SiteID          int64      `json:"siteId"`
	Name            string     `json:"name"`
	HardwareAddress string     `json:"macAddress"` // 唯一，大小写敏感
	Online          bool       `json:"isOnline"`
	LastHeartbeat   *time.Time `json:"lastHandshake,omitempty"`
}

// IsStale 判断最后心跳是否早于 cutoff；从未上报心跳视为过期
func (g *Gateway) IsStale(cutoff time.Time) bool {
	return g.LastHeartbeat == nil || g.LastHeartbeat.Before(cutoff)
}

// Sensor 传感器（隶属于唯一一个网关）
type Sensor struct {
	ID           int64        `json:"sensorId"`
	GatewayID    int64        `json:"hubId"`
	TypeID       int64        `json:"typeId"`
	TypeName     string       `json:"typeName"`
	Unit         string       `json:"unit"`
	Name         string       `json:"name"`
	Status       SensorStatus `json:"status"`
	CurrentValue *float64     `json:"currentValue,omitempty"`
	LastUpdate   *time.Time   `json:"lastUpdate,omitempty"`
}

// Reading 一次测量值（只追加）
type Reading struct {
	ID         int64     `json:"readingId,omitempty"`
	SensorID   int64     `json:"sensorId"`
	GatewayID  int64     `json:"hubId"`
	Value      float64   `json:"value"`
	RecordedAt time.Time `json:"recordedAt"`
}
