package mqtt

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"iot-telemetry/common/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// MessageHandler 消息处理函数类型
type MessageHandler func(topic string, payload []byte) error

// ErrConnectTimeout 连接超时
var ErrConnectTimeout = errors.New("mqtt connect timed out")

// Client MQTT客户端封装
// 重连由调用方负责（自动重连关闭），断线时回调 OnConnectionLost 注册的函数。
type Client struct {
	client mqtt.Client
	config *config.MQTTConfig
	logger *zap.Logger

	mu     sync.RWMutex
	onLost func(err error)
}

// NewClient 创建MQTT客户端（不立即连接）
func NewClient(cfg *config.MQTTConfig, logger *zap.Logger) *Client {
	c := &Client{
		config: cfg,
		logger: logger,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	if cfg.KeepAlive > 0 {
		opts.SetKeepAlive(cfg.KeepAlive)
	}
	if cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(cfg.ConnectTimeout)
	}

	opts.SetAutoReconnect(false)
	opts.SetCleanSession(true)
	// 消息回调并发执行，调用方自行保证同一设备的串行化
	opts.SetOrderMatters(false)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.mu.RLock()
		fn := c.onLost
		c.mu.RUnlock()
		if fn != nil {
			fn(err)
		}
	})

	c.client = mqtt.NewClient(opts)
	return c
}

// OnConnectionLost 注册断线回调
func (c *Client) OnConnectionLost(fn func(err error)) {
	c.mu.Lock()
	c.onLost = fn
	c.mu.Unlock()
}

// Connect 连接 broker，超时返回 ErrConnectTimeout
func (c *Client) Connect(timeout time.Duration) error {
	token := c.client.Connect()
	if timeout > 0 {
		if !token.WaitTimeout(timeout) {
			return ErrConnectTimeout
		}
	} else {
		token.Wait()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker %s: %w", c.config.Broker, err)
	}
	return nil
}

// Subscribe 订阅主题
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	token := c.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			// 记录错误，但不中断处理
			c.logger.Warn("Error handling MQTT message",
				zap.String("topic", msg.Topic()),
				zap.Error(err),
			)
		}
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, token.Error())
	}

	return nil
}

// Disconnect 断开连接
func (c *Client) Disconnect() {
	if c.client.IsConnected() {
		c.client.Disconnect(250) // 250ms等待时间
	}
}
