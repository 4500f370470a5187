package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"iot-telemetry/common/config"

	"github.com/spf13/viper"
)

const tokenPlaceholder = "{token}"

// Config 遥测服务配置
type Config struct {
	Database config.DatabaseConfig `mapstructure:"database"`
	Redis    config.RedisConfig    `mapstructure:"redis"`
	MQTT     config.MQTTConfig     `mapstructure:"mqtt"`

	// 遥测订阅配置
	Telemetry struct {
		TopicTemplate string `mapstructure:"topic_template"` // 如 "eoh/chip/{token}/third_party/+/data"
		AccessToken   string `mapstructure:"access_token"`   // 安装级访问令牌
		AuditSource   string `mapstructure:"audit_source"`   // 审计日志来源标记
		Timezone      string `mapstructure:"timezone"`       // 本地时区，如 "Asia/Ho_Chi_Minh"
	} `mapstructure:"telemetry"`

	// 断线重连（指数退避）
	Reconnect struct {
		InitialDelay   time.Duration `mapstructure:"initial_delay"`
		MaxDelay       time.Duration `mapstructure:"max_delay"`
		UnhealthyAfter int           `mapstructure:"unhealthy_after"` // 连续失败多少次后标记为 unhealthy
	} `mapstructure:"reconnect"`

	// 在线状态巡检
	Monitor struct {
		CheckInterval    time.Duration `mapstructure:"check_interval"`
		OfflineThreshold time.Duration `mapstructure:"offline_threshold"`
	} `mapstructure:"monitor"`

	// 报警去重
	Alert struct {
		Cooldown       time.Duration `mapstructure:"cooldown"`
		StateKeyPrefix string        `mapstructure:"state_key_prefix"`
	} `mapstructure:"alert"`

	// 实时推送
	Broadcast struct {
		SendBuffer    int    `mapstructure:"send_buffer"`
		StreamEnabled bool   `mapstructure:"stream_enabled"`
		Stream        string `mapstructure:"stream"`
		StreamMaxLen  int64  `mapstructure:"stream_max_len"`
	} `mapstructure:"broadcast"`

	HTTP struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"http"`

	// SendGrid 邮件通知
	Email struct {
		Endpoint string        `mapstructure:"endpoint"`
		APIKey   string        `mapstructure:"api_key"`
		From     string        `mapstructure:"from"`
		FromName string        `mapstructure:"from_name"`
		Timeout  time.Duration `mapstructure:"timeout"`
	} `mapstructure:"email"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
}

// Load 加载配置：默认值 < 配置文件 < 环境变量
// path 为空时只使用默认值和环境变量
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// broker 凭据默认使用访问令牌
	if cfg.MQTT.Username == "" {
		cfg.MQTT.Username = cfg.Telemetry.AccessToken
	}
	if cfg.MQTT.Password == "" {
		cfg.MQTT.Password = cfg.Telemetry.AccessToken
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.database", "iot_monitor")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.max_idle", 5)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("mqtt.broker", "tcp://mqtt1.eoh.io:1883")
	v.SetDefault("mqtt.client_id", "iot-telemetry")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.keep_alive", 30*time.Second)
	v.SetDefault("mqtt.connect_timeout", 10*time.Second)

	v.SetDefault("telemetry.topic_template", "eoh/chip/{token}/third_party/+/data")
	v.SetDefault("telemetry.access_token", "")
	v.SetDefault("telemetry.audit_source", "MQTT-Listener")
	v.SetDefault("telemetry.timezone", "Asia/Ho_Chi_Minh")

	v.SetDefault("reconnect.initial_delay", 5*time.Second)
	v.SetDefault("reconnect.max_delay", 60*time.Second)
	v.SetDefault("reconnect.unhealthy_after", 5)

	v.SetDefault("monitor.check_interval", 10*time.Second)
	v.SetDefault("monitor.offline_threshold", 15*time.Second)

	v.SetDefault("alert.cooldown", 10*time.Minute)
	v.SetDefault("alert.state_key_prefix", "alert:incident:")

	v.SetDefault("broadcast.send_buffer", 64)
	v.SetDefault("broadcast.stream_enabled", true)
	v.SetDefault("broadcast.stream", "telemetry:events:stream")
	v.SetDefault("broadcast.stream_max_len", 10000)

	v.SetDefault("http.addr", ":8080")

	v.SetDefault("email.endpoint", "https://api.sendgrid.com/v3/mail/send")
	v.SetDefault("email.api_key", "")
	v.SetDefault("email.from", "")
	v.SetDefault("email.from_name", "Smart Weather Data Lab")
	v.SetDefault("email.timeout", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate 校验关键配置
func (c *Config) Validate() error {
	var errs []error
	if c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required"))
	}
	if c.Telemetry.TopicTemplate == "" {
		errs = append(errs, errors.New("telemetry.topic_template is required"))
	}
	if c.Monitor.CheckInterval <= 0 {
		errs = append(errs, errors.New("monitor.check_interval must be positive"))
	}
	if c.Monitor.OfflineThreshold <= 0 {
		errs = append(errs, errors.New("monitor.offline_threshold must be positive"))
	}
	if c.Reconnect.InitialDelay <= 0 {
		errs = append(errs, errors.New("reconnect.initial_delay must be positive"))
	}
	if c.Reconnect.MaxDelay < c.Reconnect.InitialDelay {
		errs = append(errs, errors.New("reconnect.max_delay must not be less than reconnect.initial_delay"))
	}
	return errors.Join(errs...)
}

// Topic 订阅主题；未配置令牌时订阅所有安装
func (c *Config) Topic() string {
	token := c.Telemetry.AccessToken
	if token == "" {
		token = "+"
	}
	return strings.ReplaceAll(c.Telemetry.TopicTemplate, tokenPlaceholder, token)
}

// EmailEnabled 是否启用邮件通知
func (c *Config) EmailEnabled() bool {
	return c.Email.APIKey != "" && c.Email.From != ""
}
