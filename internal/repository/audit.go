package repository

import (
	"context"
	"database/sql"
	"fmt"

	"iot-telemetry/internal/models"

	"go.uber.org/zap"
)

// AuditRepository 入站消息审计日志（system_logs）
type AuditRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAuditRepository 创建审计仓库
func NewAuditRepository(db *sql.DB, logger *zap.Logger) *AuditRepository {
	return &AuditRepository{db: db, logger: logger}
}

// Record 写入一条审计记录
func (r *AuditRepository) Record(ctx context.Context, entry *models.AuditLog) error {
	var errText interface{}
	if entry.ErrorMessage != nil {
		errText = *entry.ErrorMessage
	}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO system_logs (source, raw_payload, error_message, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING log_id
	`, entry.Source, entry.RawPayload, errText, entry.CreatedAt).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("failed to record audit log: %w", err)
	}
	return nil
}
