package decoder

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"iot-telemetry/internal/models"
)

var (
	// ErrEmptyPayload 消息体为空或为 JSON null
	ErrEmptyPayload = errors.New("empty telemetry payload")
	// ErrNoDeviceAddress 消息体和主题中都无法解析出设备地址
	ErrNoDeviceAddress = errors.New("no device address in payload or topic")
)

// Telemetry 解码后的遥测数据
// 数值字段为 nil 表示消息中缺失该项
type Telemetry struct {
	DeviceAddress string

	Temperature *float64 // v1
	Humidity    *float64 // v2
	Pressure    *float64 // v3

	TimeText string // v4
	Province string // v5
	City     string // v6

	Value7 *int64 // v7
	Value8 *int64 // v8

	WeatherMain        string // v9
	WeatherDescription string // v10
	WeatherIcon        string // v11
}

// LocationText 站点地址文本 "<city>, <province>"，两者都为空时返回空串
func (t *Telemetry) LocationText() string {
	return strings.Trim(fmt.Sprintf("%s, %s", t.City, t.Province), ", ")
}

// Measurements 按传感器类型返回存在的测量值
func (t *Telemetry) Measurements() map[string]float64 {
	out := make(map[string]float64, 3)
	if t.Temperature != nil {
		out[models.SensorTypeTemperature] = *t.Temperature
	}
	if t.Humidity != nil {
		out[models.SensorTypeHumidity] = *t.Humidity
	}
	if t.Pressure != nil {
		out[models.SensorTypePressure] = *t.Pressure
	}
	return out
}

// payload 设备上报的原始格式
type payload struct {
	V1       number `json:"v1"`
	V2       number `json:"v2"`
	V3       number `json:"v3"`
	V4       text   `json:"v4"`
	V5       text   `json:"v5"`
	V6       text   `json:"v6"`
	V7       number `json:"v7"`
	V8       number `json:"v8"`
	V9       text   `json:"v9"`
	V10      text   `json:"v10"`
	V11      text   `json:"v11"`
	V12      text   `json:"v12"`
	DeviceID text   `json:"deviceId"`
}

// Decode 解析遥测消息
// 设备地址优先取 v12，其次 deviceId，最后取主题的倒数第二段
func Decode(raw []byte, topic string) (*Telemetry, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, ErrEmptyPayload
	}

	var p payload
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return nil, fmt.Errorf("failed to decode telemetry payload: %w", err)
	}

	t := &Telemetry{
		Temperature:        p.V1.float(),
		Humidity:           p.V2.float(),
		Pressure:           p.V3.float(),
		TimeText:           p.V4.value(),
		Province:           p.V5.value(),
		City:               p.V6.value(),
		Value7:             p.V7.int(),
		Value8:             p.V8.int(),
		WeatherMain:        p.V9.value(),
		WeatherDescription: p.V10.value(),
		WeatherIcon:        p.V11.value(),
	}

	switch {
	case p.V12.value() != "":
		t.DeviceAddress = p.V12.value()
	case p.DeviceID.value() != "":
		t.DeviceAddress = p.DeviceID.value()
	default:
		t.DeviceAddress = DeviceIDFromTopic(topic)
	}
	if t.DeviceAddress == "" {
		return t, ErrNoDeviceAddress
	}
	return t, nil
}

// DeviceIDFromTopic 返回主题倒数第二段（eoh/chip/{token}/third_party/{device}/data）
func DeviceIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 {
		return ""
	}
	id := strings.TrimSpace(parts[len(parts)-2])
	if id == "+" || id == "#" {
		return ""
	}
	return id
}

// number 接受 JSON 数字或数字字符串
type number struct {
	v  float64
	ok bool
}

func (n *number) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("invalid numeric value %q", s)
		}
		n.v, n.ok = f, true
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	n.v, n.ok = f, true
	return nil
}

func (n number) float() *float64 {
	if !n.ok {
		return nil
	}
	v := n.v
	return &v
}

func (n number) int() *int64 {
	if !n.ok {
		return nil
	}
	v := int64(n.v)
	return &v
}

// text 接受 JSON 字符串或数字（部分固件把 MAC 之外的字段发成数字）
type text string

func (t *text) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = text(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*t = text(n.String())
	return nil
}

func (t text) value() string {
	return strings.TrimSpace(string(t))
}
