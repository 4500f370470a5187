package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"iot-telemetry/internal/metrics"
	"iot-telemetry/internal/models"

	"go.uber.org/zap"
)

// 控制协议回复事件
const (
	EventConnectionInfo = "connection-info"
	EventJoinedGroup    = "joined-group"
	EventLeftGroup      = "left-group"
	EventError          = "error"
)

// ErrUnknownConnection 连接不存在（已断开）
var ErrUnknownConnection = errors.New("unknown connection")

const sinkTimeout = 2 * time.Second

// Message 推送给客户端的消息
type Message struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// Broadcaster 实时推送接口
type Broadcaster interface {
	BroadcastAll(event string, payload interface{})
	BroadcastToGroup(group string, event string, payload interface{})
}

// Sink 全局事件的镜像输出（如 Redis Stream）
type Sink interface {
	Publish(ctx context.Context, event string, payload interface{}) error
}

// PublishDeviceEvent 同时推送给所有客户端和网关分组
func PublishDeviceEvent(b Broadcaster, gatewayID int64, event string, payload interface{}) {
	b.BroadcastAll(event, payload)
	b.BroadcastToGroup(models.GroupName(gatewayID), event, payload)
}

// Hub 管理实时推送客户端和分组
// 投递尽力而为：客户端发送缓冲满时直接断开该客户端
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	groups  map[string]map[string]*Client
	closed  bool

	sinks  []Sink
	logger *zap.Logger
}

// NewHub 创建 Hub
func NewHub(logger *zap.Logger, sinks ...Sink) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		groups:  make(map[string]map[string]*Client),
		sinks:   sinks,
		logger:  logger,
	}
}

// Run 阻塞直到 ctx 取消，然后断开所有客户端
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.Close()
}

// Register 注册客户端
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(c.send)
		return
	}
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()

	metrics.BroadcastClients.Set(float64(n))
	h.logger.Debug("Live client registered", zap.String("connection_id", c.id))
}

// Unregister 注销客户端并退出所有分组
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	cur, ok := h.clients[c.id]
	if !ok || cur != c {
		h.mu.Unlock()
		return
	}
	h.removeLocked(c)
	n := len(h.clients)
	h.mu.Unlock()

	metrics.BroadcastClients.Set(float64(n))
	h.logger.Debug("Live client unregistered", zap.String("connection_id", c.id))
}

func (h *Hub) removeLocked(c *Client) {
	delete(h.clients, c.id)
	for group := range c.groups {
		if members, ok := h.groups[group]; ok {
			delete(members, c.id)
			if len(members) == 0 {
				delete(h.groups, group)
			}
		}
	}
	c.groups = nil
	close(c.send)
}

// JoinGroup 把连接加入分组
func (h *Hub) JoinGroup(connectionID, group string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.clients[connectionID]
	if !ok {
		return ErrUnknownConnection
	}
	members, ok := h.groups[group]
	if !ok {
		members = make(map[string]*Client)
		h.groups[group] = members
	}
	members[connectionID] = c
	if c.groups == nil {
		c.groups = make(map[string]struct{})
	}
	c.groups[group] = struct{}{}
	return nil
}

// LeaveGroup 把连接移出分组；不在分组中时无操作
func (h *Hub) LeaveGroup(connectionID, group string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.clients[connectionID]
	if !ok {
		return ErrUnknownConnection
	}
	if members, ok := h.groups[group]; ok {
		delete(members, connectionID)
		if len(members) == 0 {
			delete(h.groups, group)
		}
	}
	delete(c.groups, group)
	return nil
}

// BroadcastAll 推送给所有客户端，并写入镜像输出
func (h *Hub) BroadcastAll(event string, payload interface{}) {
	data, ok := h.encode(event, payload)
	if !ok {
		return
	}

	h.mu.RLock()
	slow := h.deliverLocked(h.clients, data)
	h.mu.RUnlock()
	h.dropSlow(slow)
	metrics.BroadcastEvents.WithLabelValues(event, "all").Inc()

	for _, sink := range h.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		if err := sink.Publish(ctx, event, payload); err != nil {
			h.logger.Warn("Failed to mirror broadcast event",
				zap.String("event", event),
				zap.Error(err),
			)
		}
		cancel()
	}
}

// BroadcastToGroup 推送给分组内的客户端
func (h *Hub) BroadcastToGroup(group string, event string, payload interface{}) {
	data, ok := h.encode(event, payload)
	if !ok {
		return
	}

	h.mu.RLock()
	slow := h.deliverLocked(h.groups[group], data)
	h.mu.RUnlock()
	h.dropSlow(slow)
	metrics.BroadcastEvents.WithLabelValues(event, "group").Inc()
}

// sendTo 只发给一个客户端（控制协议回复）
func (h *Hub) sendTo(c *Client, event string, payload interface{}) {
	data, ok := h.encode(event, payload)
	if !ok {
		return
	}

	h.mu.RLock()
	var slow []*Client
	if cur, ok := h.clients[c.id]; ok && cur == c {
		slow = h.deliverLocked(map[string]*Client{c.id: c}, data)
	}
	h.mu.RUnlock()
	h.dropSlow(slow)
}

func (h *Hub) encode(event string, payload interface{}) ([]byte, bool) {
	data, err := json.Marshal(Message{Event: event, Data: payload})
	if err != nil {
		h.logger.Error("Failed to encode broadcast event", zap.String("event", event), zap.Error(err))
		return nil, false
	}
	return data, true
}

// deliverLocked 调用方持有读锁
func (h *Hub) deliverLocked(targets map[string]*Client, data []byte) []*Client {
	var slow []*Client
	for _, c := range targets {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	return slow
}

func (h *Hub) dropSlow(slow []*Client) {
	for _, c := range slow {
		h.logger.Warn("Dropping slow live client", zap.String("connection_id", c.id))
		metrics.BroadcastDropped.Inc()
		h.Unregister(c)
	}
}

// ClientCount 当前客户端数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GroupSize 分组内客户端数
func (h *Hub) GroupSize(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}

// Close 断开所有客户端，之后注册的客户端会被立即关闭
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, c := range h.clients {
		h.removeLocked(c)
	}
	metrics.BroadcastClients.Set(0)
}
