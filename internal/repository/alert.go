package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"iot-telemetry/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// AlertRepository 报警规则 / 用户 / 通知仓库
type AlertRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAlertRepository 创建报警仓库
func NewAlertRepository(db *sql.DB, logger *zap.Logger) *AlertRepository {
	return &AlertRepository{
		db:     db,
		logger: logger,
	}
}

// ListActiveRules 列出传感器上的启用规则
func (r *AlertRepository) ListActiveRules(ctx context.Context, sensorID int64) ([]models.AlertRule, error) {
	query := `
		SELECT
			rule_id,
			sensor_id,
			COALESCE(name, ''),
			COALESCE(condition_type, ''),
			min_val,
			max_val,
			COALESCE(notification_method, ''),
			COALESCE(priority, ''),
			is_active
		FROM alert_rules
		WHERE sensor_id = $1 AND is_active = true
		ORDER BY rule_id
	`
	rows, err := r.db.QueryContext(ctx, query, sensorID)
	if err != nil {
		return nil, fmt.Errorf("failed to query alert rules of sensor %d: %w", sensorID, err)
	}
	defer rows.Close()

	var rules []models.AlertRule
	for rows.Next() {
		var (
			rule          models.AlertRule
			conditionType string
			minVal        sql.NullFloat64
			maxVal        sql.NullFloat64
		)
		if err := rows.Scan(
			&rule.ID,
			&rule.SensorID,
			&rule.Name,
			&conditionType,
			&minVal,
			&maxVal,
			&rule.NotificationMethod,
			&rule.Priority,
			&rule.Active,
		); err != nil {
			return nil, fmt.Errorf("failed to scan alert rule: %w", err)
		}
		rule.ConditionType = models.ConditionType(conditionType)
		if minVal.Valid {
			v := minVal.Float64
			rule.MinVal = &v
		}
		if maxVal.Valid {
			v := maxVal.Float64
			rule.MaxVal = &v
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// ListUsersBySite 列出站点用户以及未绑定站点的组织级用户
func (r *AlertRepository) ListUsersBySite(ctx context.Context, siteID int64) ([]models.User, error) {
	query := `
		SELECT
			user_id,
			site_id,
			COALESCE(full_name, ''),
			COALESCE(email, '')
		FROM users
		WHERE site_id = $1 OR site_id IS NULL
		ORDER BY user_id
	`
	rows, err := r.db.QueryContext(ctx, query, siteID)
	if err != nil {
		return nil, fmt.Errorf("failed to query users of site %d: %w", siteID, err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var (
			u    models.User
			site sql.NullInt64
		)
		if err := rows.Scan(&u.ID, &site, &u.FullName, &u.Email); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		if site.Valid {
			v := site.Int64
			u.SiteID = &v
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// CreateNotification 创建单条通知
func (r *AlertRepository) CreateNotification(ctx context.Context, n *models.Notification) error {
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO notifications (user_id, rule_id, message, sent_at, is_read)
		VALUES ($1, $2, $3, $4, false)
		RETURNING noti_id
	`, n.UserID, n.RuleID, n.Message, n.SentAt).Scan(&n.ID)
	if err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}
	n.Read = false
	return nil
}

// CreateNotifications 为多个用户批量创建同一规则的通知
func (r *AlertRepository) CreateNotifications(ctx context.Context, ruleID int64, userIDs []int64, message string, sentAt time.Time) ([]models.Notification, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	rows, err := r.db.QueryContext(ctx, `
		INSERT INTO notifications (user_id, rule_id, message, sent_at, is_read)
		SELECT u, $2, $3, $4, false
		FROM unnest($1::bigint[]) AS u
		RETURNING noti_id, user_id
	`, pq.Array(userIDs), ruleID, message, sentAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create notifications for rule %d: %w", ruleID, err)
	}
	defer rows.Close()

	notifications := make([]models.Notification, 0, len(userIDs))
	for rows.Next() {
		n := models.Notification{RuleID: ruleID, Message: message, SentAt: sentAt}
		if err := rows.Scan(&n.ID, &n.UserID); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

// MarkNotificationRead 标记通知为已读
func (r *AlertRepository) MarkNotificationRead(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `UPDATE notifications SET is_read = true WHERE noti_id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark notification %d read: %w", id, err)
	}
	return expectAffected(res, fmt.Sprintf("notification %d", id))
}
