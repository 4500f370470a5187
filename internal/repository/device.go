package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"iot-telemetry/internal/models"

	"go.uber.org/zap"
)

// DeviceRepository 网关 / 传感器 / 读数仓库
type DeviceRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewDeviceRepository 创建设备仓库
func NewDeviceRepository(db *sql.DB, logger *zap.Logger) *DeviceRepository {
	return &DeviceRepository{
		db:     db,
		logger: logger,
	}
}

const gatewayColumns = `
			h.hub_id,
			h.site_id,
			COALESCE(h.name, ''),
			h.mac_address,
			COALESCE(h.is_online, false),
			h.last_handshake`

func scanGateway(row rowScanner) (*models.Gateway, error) {
	gw := &models.Gateway{}
	var lastHandshake sql.NullTime
	if err := row.Scan(
		&gw.ID,
		&gw.SiteID,
		&gw.Name,
		&gw.HardwareAddress,
		&gw.Online,
		&lastHandshake,
	); err != nil {
		return nil, err
	}
	if lastHandshake.Valid {
		t := lastHandshake.Time
		gw.LastHeartbeat = &t
	}
	return gw, nil
}

// FindByHardwareAddress 根据硬件地址（MAC）查找网关，精确匹配
func (r *DeviceRepository) FindByHardwareAddress(ctx context.Context, address string) (*models.Gateway, error) {
	query := `SELECT` + gatewayColumns + `
		FROM hubs h
		WHERE h.mac_address = $1
		LIMIT 1
	`
	gw, err := scanGateway(r.db.QueryRowContext(ctx, query, address))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("gateway %q: %w", address, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query gateway: %w", err)
	}
	return gw, nil
}

// GetGateway 根据 ID 获取网关
func (r *DeviceRepository) GetGateway(ctx context.Context, id int64) (*models.Gateway, error) {
	query := `SELECT` + gatewayColumns + `
		FROM hubs h
		WHERE h.hub_id = $1
	`
	gw, err := scanGateway(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("gateway %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query gateway: %w", err)
	}
	return gw, nil
}

// ListOnlineGateways 列出当前标记为在线的网关
func (r *DeviceRepository) ListOnlineGateways(ctx context.Context) ([]*models.Gateway, error) {
	query := `SELECT` + gatewayColumns + `
		FROM hubs h
		WHERE h.is_online = true
		ORDER BY h.hub_id
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query online gateways: %w", err)
	}
	defer rows.Close()

	var gateways []*models.Gateway
	for rows.Next() {
		gw, err := scanGateway(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan gateway: %w", err)
		}
		gateways = append(gateways, gw)
	}
	return gateways, rows.Err()
}

// UpdateGateway 持久化在线状态和最后心跳时间
func (r *DeviceRepository) UpdateGateway(ctx context.Context, gw *models.Gateway) error {
	var lastHandshake interface{}
	if gw.LastHeartbeat != nil {
		lastHandshake = *gw.LastHeartbeat
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE hubs SET is_online = $2, last_handshake = $3 WHERE hub_id = $1`,
		gw.ID, gw.Online, lastHandshake,
	)
	if err != nil {
		return fmt.Errorf("failed to update gateway %d: %w", gw.ID, err)
	}
	return expectAffected(res, fmt.Sprintf("gateway %d", gw.ID))
}

// UpdateSiteAddress 更新站点地址文本
func (r *DeviceRepository) UpdateSiteAddress(ctx context.Context, siteID int64, address string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sites SET address = $2 WHERE site_id = $1`,
		siteID, address,
	)
	if err != nil {
		return fmt.Errorf("failed to update site %d address: %w", siteID, err)
	}
	return expectAffected(res, fmt.Sprintf("site %d", siteID))
}

// SiteOfSensor 返回传感器所属网关的站点
func (r *DeviceRepository) SiteOfSensor(ctx context.Context, sensorID int64) (int64, error) {
	var siteID int64
	err := r.db.QueryRowContext(ctx, `
		SELECT h.site_id
		FROM sensors s
		JOIN hubs h ON h.hub_id = s.hub_id
		WHERE s.sensor_id = $1
	`, sensorID).Scan(&siteID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("site of sensor %d: %w", sensorID, ErrNotFound)
		}
		return 0, fmt.Errorf("failed to query site of sensor %d: %w", sensorID, err)
	}
	return siteID, nil
}

// ListSensorsOfGateway 列出网关下的传感器（含类型名和单位）
func (r *DeviceRepository) ListSensorsOfGateway(ctx context.Context, gatewayID int64) ([]*models.Sensor, error) {
	query := `
		SELECT
			s.sensor_id,
			s.hub_id,
			s.type_id,
			COALESCE(t.type_name, ''),
			COALESCE(t.unit, ''),
			COALESCE(s.name, ''),
			COALESCE(s.status, 'Active'),
			s.current_value,
			s.last_update
		FROM sensors s
		LEFT JOIN sensor_types t ON t.type_id = s.type_id
		WHERE s.hub_id = $1
		ORDER BY s.sensor_id
	`
	rows, err := r.db.QueryContext(ctx, query, gatewayID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sensors of gateway %d: %w", gatewayID, err)
	}
	defer rows.Close()

	var sensors []*models.Sensor
	for rows.Next() {
		s := &models.Sensor{}
		var (
			status       string
			currentValue sql.NullFloat64
			lastUpdate   sql.NullTime
		)
		if err := rows.Scan(
			&s.ID,
			&s.GatewayID,
			&s.TypeID,
			&s.TypeName,
			&s.Unit,
			&s.Name,
			&status,
			&currentValue,
			&lastUpdate,
		); err != nil {
			return nil, fmt.Errorf("failed to scan sensor: %w", err)
		}
		s.Status = models.SensorStatus(status)
		if currentValue.Valid {
			v := currentValue.Float64
			s.CurrentValue = &v
		}
		if lastUpdate.Valid {
			t := lastUpdate.Time
			s.LastUpdate = &t
		}
		sensors = append(sensors, s)
	}
	return sensors, rows.Err()
}

// UpdateSensorStatus 更新传感器状态
func (r *DeviceRepository) UpdateSensorStatus(ctx context.Context, sensorID int64, status models.SensorStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sensors SET status = $2 WHERE sensor_id = $1`,
		sensorID, string(status),
	)
	if err != nil {
		return fmt.Errorf("failed to update sensor %d status: %w", sensorID, err)
	}
	return expectAffected(res, fmt.Sprintf("sensor %d", sensorID))
}

// AppendReading 追加读数
// 同一事务内写入 readings、sensor_data，并刷新传感器的 current_value / last_update
func (r *DeviceRepository) AppendReading(ctx context.Context, reading *models.Reading) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO readings (sensor_id, value, recorded_at)
		VALUES ($1, $2, $3)
		RETURNING reading_id
	`, reading.SensorID, reading.Value, reading.RecordedAt).Scan(&reading.ID)
	if err != nil {
		return fmt.Errorf("failed to insert reading: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sensor_data (sensor_id, hub_id, value, recorded_at)
		VALUES ($1, $2, $3, $4)
	`, reading.SensorID, reading.GatewayID, reading.Value, reading.RecordedAt); err != nil {
		return fmt.Errorf("failed to insert sensor data: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sensors SET current_value = $2, last_update = $3 WHERE sensor_id = $1`,
		reading.SensorID, reading.Value, reading.RecordedAt,
	); err != nil {
		return fmt.Errorf("failed to update sensor current value: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reading: %w", err)
	}
	return nil
}

func expectAffected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
