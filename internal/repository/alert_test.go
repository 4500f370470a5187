package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"iot-telemetry/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupMockAlertDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *AlertRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return db, mock, NewAlertRepository(db, zap.NewNop())
}

func TestListActiveRules(t *testing.T) {
	db, mock, repo := setupMockAlertDB(t)
	defer db.Close()

	rows := sqlmock.NewRows([]string{
		"rule_id", "sensor_id", "name", "condition_type", "min_val", "max_val", "notification_method", "priority", "is_active",
	}).
		AddRow(int64(1), int64(11), "Too hot", "MinMax", nil, 35.0, "Email", "High", true).
		AddRow(int64(2), int64(11), "Rising", "Trend", nil, nil, "App", "Low", true)
	mock.ExpectQuery(`FROM alert_rules WHERE sensor_id = (.+) AND is_active = true`).
		WithArgs(int64(11)).
		WillReturnRows(rows)

	rules, err := repo.ListActiveRules(context.Background(), 11)
	require.NoError(t, err)
	require.Len(t, rules, 2)

	assert.Equal(t, models.ConditionMinMax, rules[0].ConditionType)
	assert.Nil(t, rules[0].MinVal)
	require.NotNil(t, rules[0].MaxVal)
	assert.Equal(t, 35.0, *rules[0].MaxVal)
	assert.Equal(t, models.ConditionTrend, rules[1].ConditionType)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListUsersBySite_IncludesSitelessUsers(t *testing.T) {
	db, mock, repo := setupMockAlertDB(t)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"user_id", "site_id", "full_name", "email"}).
		AddRow(int64(1), int64(10), "Site Manager", "m@example.com").
		AddRow(int64(2), nil, "Org Admin", "admin@example.com")
	mock.ExpectQuery(`FROM users WHERE site_id = (.+) OR site_id IS NULL`).
		WithArgs(int64(10)).
		WillReturnRows(rows)

	users, err := repo.ListUsersBySite(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, users, 2)
	require.NotNil(t, users[0].SiteID)
	assert.Equal(t, int64(10), *users[0].SiteID)
	assert.Nil(t, users[1].SiteID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateNotification(t *testing.T) {
	db, mock, repo := setupMockAlertDB(t)
	defer db.Close()

	mock.ExpectQuery(`INSERT INTO notifications`).
		WithArgs(int64(2), int64(1), "too hot", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"noti_id"}).AddRow(int64(77)))

	n := &models.Notification{UserID: 2, RuleID: 1, Message: "too hot", SentAt: time.Now()}
	require.NoError(t, repo.CreateNotification(context.Background(), n))
	assert.Equal(t, int64(77), n.ID)
	assert.False(t, n.Read)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateNotifications_Batch(t *testing.T) {
	db, mock, repo := setupMockAlertDB(t)
	defer db.Close()

	sentAt := time.Now()
	mock.ExpectQuery(`INSERT INTO notifications (.+) FROM unnest`).
		WithArgs(sqlmock.AnyArg(), int64(1), "too hot", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"noti_id", "user_id"}).
			AddRow(int64(100), int64(1)).
			AddRow(int64(101), int64(2)))

	out, err := repo.CreateNotifications(context.Background(), 1, []int64{1, 2}, "too hot", sentAt)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, int64(101), out[1].ID)
	assert.Equal(t, int64(2), out[1].UserID)
	assert.Equal(t, int64(1), out[1].RuleID)
	assert.Equal(t, "too hot", out[1].Message)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateNotifications_NoUsers(t *testing.T) {
	db, mock, repo := setupMockAlertDB(t)
	defer db.Close()

	out, err := repo.CreateNotifications(context.Background(), 1, nil, "x", time.Now())
	require.NoError(t, err)
	assert.Empty(t, out)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkNotificationRead(t *testing.T) {
	db, mock, repo := setupMockAlertDB(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE notifications SET is_read = true`).
		WithArgs(int64(77)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE notifications SET is_read = true`).
		WithArgs(int64(78)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.MarkNotificationRead(context.Background(), 77))
	assert.ErrorIs(t, repo.MarkNotificationRead(context.Background(), 78), ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
