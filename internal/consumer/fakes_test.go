package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqttcommon "iot-telemetry/common/mqtt"
	"iot-telemetry/internal/models"
	"iot-telemetry/internal/repository"
)

// fakeDirectory 内存设备目录
type fakeDirectory struct {
	mu        sync.Mutex
	gateways  map[int64]*models.Gateway
	sensors   map[int64][]*models.Sensor
	sites     map[int64]string
	readings  []models.Reading
	updates   int
	updateErr error
	appendErr error
	// appendOK 次成功后 AppendReading 返回 appendErr，<0 表示不限
	appendOK int
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		gateways: make(map[int64]*models.Gateway),
		sensors:  make(map[int64][]*models.Sensor),
		sites:    make(map[int64]string),
		appendOK: -1,
	}
}

func (f *fakeDirectory) addGateway(gw models.Gateway, sensors ...models.Sensor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gateways[gw.ID] = &gw
	for i := range sensors {
		s := sensors[i]
		s.GatewayID = gw.ID
		f.sensors[gw.ID] = append(f.sensors[gw.ID], &s)
	}
}

func (f *fakeDirectory) gateway(id int64) models.Gateway {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.gateways[id]
}

func (f *fakeDirectory) sensorStatus(gatewayID, sensorID int64) models.SensorStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sensors[gatewayID] {
		if s.ID == sensorID {
			return s.Status
		}
	}
	return ""
}

func (f *fakeDirectory) FindByHardwareAddress(ctx context.Context, address string) (*models.Gateway, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, gw := range f.gateways {
		if gw.HardwareAddress == address {
			cp := *gw
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("gateway %q: %w", address, repository.ErrNotFound)
}

func (f *fakeDirectory) GetGateway(ctx context.Context, id int64) (*models.Gateway, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gw, ok := f.gateways[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *gw
	return &cp, nil
}

func (f *fakeDirectory) UpdateGateway(ctx context.Context, gw *models.Gateway) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	cur, ok := f.gateways[gw.ID]
	if !ok {
		return repository.ErrNotFound
	}
	cur.Online = gw.Online
	cur.LastHeartbeat = gw.LastHeartbeat
	f.updates++
	return nil
}

func (f *fakeDirectory) UpdateSiteAddress(ctx context.Context, siteID int64, address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sites[siteID] = address
	return nil
}

func (f *fakeDirectory) ListSensorsOfGateway(ctx context.Context, gatewayID int64) ([]*models.Sensor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.Sensor, 0, len(f.sensors[gatewayID]))
	for _, s := range f.sensors[gatewayID] {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeDirectory) UpdateSensorStatus(ctx context.Context, sensorID int64, status models.SensorStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, list := range f.sensors {
		for _, s := range list {
			if s.ID == sensorID {
				s.Status = status
				return nil
			}
		}
	}
	return repository.ErrNotFound
}

func (f *fakeDirectory) AppendReading(ctx context.Context, reading *models.Reading) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendOK >= 0 && len(f.readings) >= f.appendOK {
		return f.appendErr
	}
	reading.ID = int64(len(f.readings) + 1)
	f.readings = append(f.readings, *reading)
	return nil
}

// fakeEvaluator 记录评估过的读数
type fakeEvaluator struct {
	mu       sync.Mutex
	readings []models.Reading
	err      error
}

func (f *fakeEvaluator) Evaluate(ctx context.Context, reading models.Reading) ([]models.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readings = append(f.readings, reading)
	return nil, f.err
}

// fakeAudit 记录审计日志
type fakeAudit struct {
	mu      sync.Mutex
	entries []models.AuditLog
}

func (f *fakeAudit) Record(ctx context.Context, entry *models.AuditLog) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, *entry)
	return nil
}

type sentEvent struct {
	group string // 空表示全局
	event string
}

// fakeBroadcaster 记录推送
type fakeBroadcaster struct {
	mu     sync.Mutex
	events []sentEvent
}

func (f *fakeBroadcaster) BroadcastAll(event string, payload interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, sentEvent{event: event})
}

func (f *fakeBroadcaster) BroadcastToGroup(group string, event string, payload interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, sentEvent{group: group, event: event})
}

func (f *fakeBroadcaster) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.event == event {
			n++
		}
	}
	return n
}

// fakeTransport 可编排连接失败次数的传输层
type fakeTransport struct {
	mu          sync.Mutex
	failConnect int
	connects    int
	subscribes  []string
	handler     mqttcommon.MessageHandler
	onLost      func(err error)
	disconnects int
}

func (f *fakeTransport) Connect(timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.failConnect > 0 {
		f.failConnect--
		return errors.New("connection refused")
	}
	return nil
}

func (f *fakeTransport) Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes = append(f.subscribes, topic)
	f.handler = handler
	return nil
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
}

func (f *fakeTransport) OnConnectionLost(fn func(err error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onLost = fn
}

func (f *fakeTransport) subscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribes)
}

func (f *fakeTransport) dropConnection() {
	f.mu.Lock()
	fn := f.onLost
	f.mu.Unlock()
	fn(errors.New("keepalive timeout"))
}

func (f *fakeAudit) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

// deliver 模拟 broker 投递一条消息
func (f *fakeTransport) deliver(topic string, payload []byte) error {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h == nil {
		return errors.New("not subscribed")
	}
	return h(topic, payload)
}
