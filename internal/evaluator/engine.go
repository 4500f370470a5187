package evaluator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"iot-telemetry/internal/clock"
	"iot-telemetry/internal/metrics"
	"iot-telemetry/internal/models"

	"go.uber.org/zap"
)

// RuleStore 规则、接收人与通知的持久化
type RuleStore interface {
	ListActiveRules(ctx context.Context, sensorID int64) ([]models.AlertRule, error)
	ListUsersBySite(ctx context.Context, siteID int64) ([]models.User, error)
	CreateNotifications(ctx context.Context, ruleID int64, userIDs []int64, message string, sentAt time.Time) ([]models.Notification, error)
}

// SiteResolver 传感器 -> 站点
type SiteResolver interface {
	SiteOfSensor(ctx context.Context, sensorID int64) (int64, error)
}

// Notifier 规则要求时的额外投递（邮件）
type Notifier interface {
	Notify(ctx context.Context, rule models.AlertRule, users []models.User, message string) error
}

// Engine 报警规则评估
type Engine struct {
	rules     RuleStore
	sites     SiteResolver
	incidents *IncidentTracker
	notifier  Notifier
	clock     clock.Clock
	logger    *zap.Logger
}

// NewEngine 创建评估引擎；incidents 为 nil 时不做去重，notifier 为 nil 时不发邮件
func NewEngine(rules RuleStore, sites SiteResolver, incidents *IncidentTracker, notifier Notifier, clk clock.Clock, logger *zap.Logger) *Engine {
	return &Engine{
		rules:     rules,
		sites:     sites,
		incidents: incidents,
		notifier:  notifier,
		clock:     clk,
		logger:    logger,
	}
}

// Evaluate 用一条读数评估传感器上所有启用的规则，返回新创建的通知
// 单条规则失败不影响其他规则，错误合并返回
func (e *Engine) Evaluate(ctx context.Context, reading models.Reading) ([]models.Notification, error) {
	rules, err := e.rules.ListActiveRules(ctx, reading.SensorID)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	if len(rules) == 0 {
		return nil, nil
	}

	var (
		created []models.Notification
		errs    []error
		site    *siteRecipients
	)
	for _, rule := range rules {
		if !rule.Active {
			continue
		}
		if rule.ConditionType != models.ConditionMinMax {
			// Trend 等未实现的条件类型不评估
			metrics.AlertsTotal.WithLabelValues("skipped").Inc()
			e.logger.Debug("Skipping unsupported rule condition",
				zap.Int64("rule_id", rule.ID),
				zap.String("condition_type", string(rule.ConditionType)),
			)
			continue
		}

		breached, message := Check(rule, reading)
		if !breached {
			e.clearIncident(ctx, rule.ID, reading.SensorID)
			continue
		}

		if !e.openIncident(ctx, rule.ID, reading.SensorID) {
			metrics.AlertsTotal.WithLabelValues("suppressed").Inc()
			continue
		}

		if site == nil {
			site, err = e.loadRecipients(ctx, reading.SensorID)
			if err != nil {
				e.clearIncident(ctx, rule.ID, reading.SensorID)
				errs = append(errs, err)
				continue
			}
		}

		notifications, err := e.rules.CreateNotifications(ctx, rule.ID, site.userIDs, message, e.clock.Now())
		if err != nil {
			// 未成功落库，下一条越界读数需要重新通知
			e.clearIncident(ctx, rule.ID, reading.SensorID)
			errs = append(errs, fmt.Errorf("rule %d: %w", rule.ID, err))
			continue
		}
		created = append(created, notifications...)
		metrics.AlertsTotal.WithLabelValues("triggered").Inc()
		metrics.NotificationsCreated.Add(float64(len(notifications)))

		e.logger.Info("Alert rule triggered",
			zap.Int64("rule_id", rule.ID),
			zap.Int64("sensor_id", reading.SensorID),
			zap.Int64("site_id", site.siteID),
			zap.Float64("value", reading.Value),
			zap.String("priority", rule.Priority),
			zap.Int("recipients", len(notifications)),
		)

		if e.notifier != nil && strings.EqualFold(rule.NotificationMethod, models.NotificationMethodEmail) {
			if err := e.notifier.Notify(ctx, rule, site.users, message); err != nil {
				e.logger.Warn("Failed to deliver alert e-mail",
					zap.Int64("rule_id", rule.ID),
					zap.Error(err),
				)
			}
		}
	}
	return created, errors.Join(errs...)
}

type siteRecipients struct {
	siteID  int64
	users   []models.User
	userIDs []int64
}

func (e *Engine) loadRecipients(ctx context.Context, sensorID int64) (*siteRecipients, error) {
	siteID, err := e.sites.SiteOfSensor(ctx, sensorID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve site of sensor %d: %w", sensorID, err)
	}
	users, err := e.rules.ListUsersBySite(ctx, siteID)
	if err != nil {
		return nil, fmt.Errorf("failed to load users of site %d: %w", siteID, err)
	}
	ids := make([]int64, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.ID)
	}
	return &siteRecipients{siteID: siteID, users: users, userIDs: ids}, nil
}

// openIncident Redis 不可用时按新事件处理（宁可重复通知也不漏报）
func (e *Engine) openIncident(ctx context.Context, ruleID, sensorID int64) bool {
	if e.incidents == nil {
		return true
	}
	opened, err := e.incidents.Open(ctx, ruleID, sensorID, e.clock.Now())
	if err != nil {
		e.logger.Warn("Incident state unavailable, notifying anyway",
			zap.Int64("rule_id", ruleID),
			zap.Int64("sensor_id", sensorID),
			zap.Error(err),
		)
		return true
	}
	if !opened {
		e.logger.Debug("Alert suppressed, incident already open",
			zap.Int64("rule_id", ruleID),
			zap.Int64("sensor_id", sensorID),
		)
	}
	return opened
}

func (e *Engine) clearIncident(ctx context.Context, ruleID, sensorID int64) {
	if e.incidents == nil {
		return
	}
	if err := e.incidents.Clear(ctx, ruleID, sensorID); err != nil {
		e.logger.Warn("Failed to clear incident state",
			zap.Int64("rule_id", ruleID),
			zap.Int64("sensor_id", sensorID),
			zap.Error(err),
		)
	}
}
