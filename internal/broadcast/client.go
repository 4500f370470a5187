package broadcast

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"iot-telemetry/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Must be less than pongWait.
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client 一个实时推送连接
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	id          string
	connectedAt time.Time
	send        chan []byte
	groups      map[string]struct{} // 由 hub.mu 保护
	logger      *zap.Logger
}

// NewClient 创建客户端，连接 ID 为随机 UUID
func NewClient(hub *Hub, conn *websocket.Conn, sendBuffer int, logger *zap.Logger) *Client {
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	id := uuid.NewString()
	return &Client{
		hub:         hub,
		conn:        conn,
		id:          id,
		connectedAt: time.Now(),
		send:        make(chan []byte, sendBuffer),
		logger:      logger.With(zap.String("connection_id", id)),
	}
}

// ID 连接 ID
func (c *Client) ID() string {
	return c.id
}

// controlRequest 客户端控制消息，如 {"action":"join","hubId":5}
type controlRequest struct {
	Action string `json:"action"`
	HubID  int64  `json:"hubId"`
}

// GroupReply joined-group / left-group 回复
type GroupReply struct {
	HubID     int64  `json:"hubId"`
	GroupName string `json:"groupName"`
	Message   string `json:"message"`
}

// ConnectionInfo 连接建立后下发的连接信息
type ConnectionInfo struct {
	ConnectionID string    `json:"connectionId"`
	ConnectedAt  time.Time `json:"connectedAt"`
}

type errorReply struct {
	Message string `json:"message"`
}

// ReadPump 读取客户端控制消息，连接断开时注销
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("Live client read error", zap.Error(err))
			}
			return
		}
		c.handleControl(message)
	}
}

func (c *Client) handleControl(message []byte) {
	var req controlRequest
	if err := json.Unmarshal(message, &req); err != nil {
		c.hub.sendTo(c, EventError, errorReply{Message: "invalid control message"})
		return
	}

	switch strings.ToLower(req.Action) {
	case "join":
		group := models.GroupName(req.HubID)
		if err := c.hub.JoinGroup(c.id, group); err != nil {
			return
		}
		c.logger.Debug("Live client joined group", zap.String("group", group))
		c.hub.sendTo(c, EventJoinedGroup, GroupReply{
			HubID:     req.HubID,
			GroupName: group,
			Message:   fmt.Sprintf("Joined group for hub %d", req.HubID),
		})
	case "leave":
		group := models.GroupName(req.HubID)
		if err := c.hub.LeaveGroup(c.id, group); err != nil {
			return
		}
		c.hub.sendTo(c, EventLeftGroup, GroupReply{
			HubID:     req.HubID,
			GroupName: group,
			Message:   fmt.Sprintf("Left group for hub %d", req.HubID),
		})
	case "info":
		c.hub.sendTo(c, EventConnectionInfo, ConnectionInfo{ConnectionID: c.id, ConnectedAt: c.connectedAt})
	default:
		c.hub.sendTo(c, EventError, errorReply{Message: fmt.Sprintf("unknown action %q", req.Action)})
	}
}

// WritePump 把 send 队列写到连接，并定期发送 ping
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// hub 关闭了发送队列
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("Live client write error", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWS 升级为 WebSocket 并注册到 hub
func ServeWS(hub *Hub, sendBuffer int, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("WebSocket upgrade failed", zap.Error(err))
			return
		}

		client := NewClient(hub, conn, sendBuffer, logger)
		hub.Register(client)
		hub.sendTo(client, EventConnectionInfo, ConnectionInfo{ConnectionID: client.id, ConnectedAt: client.connectedAt})

		go client.WritePump()
		go client.ReadPump()
	}
}
