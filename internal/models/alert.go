package models

import "time"

// ConditionType 报警规则条件类型
type ConditionType string

const (
	ConditionMinMax ConditionType = "MinMax"
	ConditionTrend  ConditionType = "Trend"
)

// NotificationMethodEmail 需要额外发送邮件的通知方式
const NotificationMethodEmail = "Email"

// AlertRule 阈值报警规则（只读）
type AlertRule struct {
	ID                 int64         `json:"ruleId"`
	SensorID           int64         `json:"sensorId"`
	Name               string        `json:"name"`
	ConditionType      ConditionType `json:"conditionType"`
	MinVal             *float64      `json:"minVal,omitempty"`
	MaxVal             *float64      `json:"maxVal,omitempty"`
	NotificationMethod string        `json:"notificationMethod"`
	Priority           string        `json:"priority"`
	Active             bool          `json:"isActive"`
}

// User 通知接收人；SiteID 为空表示组织级观察者
type User struct {
	ID       int64  `json:"userId"`
	SiteID   *int64 `json:"siteId,omitempty"`
	FullName string `json:"fullName"`
	Email    string `json:"email"`
}

// Notification 规则触发后发给单个用户的通知
type Notification struct {
	ID      int64     `json:"notiId"`
	UserID  int64     `json:"userId"`
	RuleID  int64     `json:"ruleId"`
	Message string    `json:"message"`
	SentAt  time.Time `json:"sentAt"`
	Read    bool      `json:"isRead"`
}

// AuditLog 入站消息审计记录
type AuditLog struct {
	ID           int64     `json:"logId"`
	Source       string    `json:"source"`
	RawPayload   string    `json:"rawPayload"`
	ErrorMessage *string   `json:"errorMessage,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}
