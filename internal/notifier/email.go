package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"iot-telemetry/internal/metrics"
	"iot-telemetry/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// sendGridAddress SendGrid 地址对象
type sendGridAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sendGridPersonalization struct {
	To []sendGridAddress `json:"to"`
}

type sendGridContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// sendGridMail v3 mail/send 请求体
type sendGridMail struct {
	Personalizations []sendGridPersonalization `json:"personalizations"`
	From             sendGridAddress           `json:"from"`
	Subject          string                    `json:"subject"`
	Content          []sendGridContent         `json:"content"`
}

// EmailNotifier 通过 SendGrid 发送报警邮件
type EmailNotifier struct {
	httpClient *resty.Client
	endpoint   string
	from       sendGridAddress
	logger     *zap.Logger
}

// NewEmailNotifier 创建邮件通知器
func NewEmailNotifier(endpoint, apiKey, from, fromName string, timeout time.Duration, logger *zap.Logger) *EmailNotifier {
	client := resty.New().
		SetTimeout(timeout).
		SetAuthToken(apiKey).
		SetRetryCount(2).
		SetRetryWaitTime(500*time.Millisecond).
		SetRetryMaxWaitTime(2*time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &EmailNotifier{
		httpClient: client,
		endpoint:   endpoint,
		from:       sendGridAddress{Email: from, Name: fromName},
		logger:     logger,
	}
}

// Send 发送一封纯文本邮件
func (n *EmailNotifier) Send(ctx context.Context, to, subject, body string) error {
	mail := sendGridMail{
		Personalizations: []sendGridPersonalization{{To: []sendGridAddress{{Email: to}}}},
		From:             n.from,
		Subject:          subject,
		Content:          []sendGridContent{{Type: "text/plain", Value: body}},
	}

	resp, err := n.httpClient.R().
		SetContext(ctx).
		SetBody(mail).
		Post(n.endpoint)
	if err != nil {
		metrics.EmailsSent.WithLabelValues("failed").Inc()
		return fmt.Errorf("failed to call SendGrid: %w", err)
	}
	if !resp.IsSuccess() {
		metrics.EmailsSent.WithLabelValues("failed").Inc()
		return fmt.Errorf("SendGrid returned %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}

	metrics.EmailsSent.WithLabelValues("sent").Inc()
	n.logger.Debug("Alert e-mail sent", zap.String("to", to))
	return nil
}

// Notify 给所有有邮箱的接收人发送报警邮件
func (n *EmailNotifier) Notify(ctx context.Context, rule models.AlertRule, users []models.User, message string) error {
	subject := Subject(rule)
	var errs []error
	for _, u := range users {
		if u.Email == "" {
			continue
		}
		if err := n.Send(ctx, u.Email, subject, message); err != nil {
			n.logger.Warn("Failed to send alert e-mail",
				zap.Int64("user_id", u.ID),
				zap.Int64("rule_id", rule.ID),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("user %d: %w", u.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Subject 报警邮件标题
func Subject(rule models.AlertRule) string {
	name := rule.Name
	if name == "" {
		name = fmt.Sprintf("rule %d", rule.ID)
	}
	if rule.Priority == "" {
		return "Alert: " + name
	}
	return fmt.Sprintf("[%s] Alert: %s", rule.Priority, name)
}
