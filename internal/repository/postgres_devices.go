package repository

import (
	"context"
	"database/sql"
	"fmt"

	"wisefido-bpm/internal/models"

	"go.uber.org/zap"
)

// PostgresDevicesRepository bpm_devices 仓库
type PostgresDevicesRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresDevicesRepository(db *sql.DB, logger *zap.Logger) *PostgresDevicesRepository {
	return &PostgresDevicesRepository{db: db, logger: logger}
}

// SaveDevice upsert 设备
func (r *PostgresDevicesRepository) SaveDevice(ctx context.Context, d models.Device) error {
	query := `
		INSERT INTO bpm_devices (device_id, name, device_type, status, last_heartbeat, battery_level, firmware_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (device_id) DO UPDATE SET
			name             = EXCLUDED.name,
			device_type      = EXCLUDED.device_type,
			status           = EXCLUDED.status,
			last_heartbeat   = EXCLUDED.last_heartbeat,
			battery_level    = COALESCE(EXCLUDED.battery_level, bpm_devices.battery_level),
			firmware_version = COALESCE(EXCLUDED.firmware_version, bpm_devices.firmware_version)
	`
	var lastHeartbeat sql.NullTime
	if !d.LastHeartbeat.IsZero() {
		lastHeartbeat = sql.NullTime{Time: d.LastHeartbeat, Valid: true}
	}
	var battery sql.NullInt64
	if d.BatteryLevel != nil {
		battery = sql.NullInt64{Int64: int64(*d.BatteryLevel), Valid: true}
	}
	var firmware sql.NullString
	if d.FirmwareVersion != nil {
		firmware = sql.NullString{String: *d.FirmwareVersion, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, query,
		d.DeviceID, d.Name, string(d.Type), string(d.Status), lastHeartbeat, battery, firmware)
	if err != nil {
		return fmt.Errorf("failed to save device: %w", err)
	}
	return nil
}

// ListDevices 所有设备
func (r *PostgresDevicesRepository) ListDevices(ctx context.Context) ([]models.Device, error) {
	query := `
		SELECT device_id, name, device_type, status, last_heartbeat, battery_level, firmware_version
		FROM bpm_devices
		ORDER BY device_id
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var out []models.Device
	for rows.Next() {
		var d models.Device
		var deviceType, status string
		var lastHeartbeat sql.NullTime
		var battery sql.NullInt64
		var firmware sql.NullString
		if err := rows.Scan(&d.DeviceID, &d.Name, &deviceType, &status, &lastHeartbeat, &battery, &firmware); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		d.Type = models.Source(deviceType)
		d.Status = models.DeviceStatus(status)
		if lastHeartbeat.Valid {
			d.LastHeartbeat = lastHeartbeat.Time
		}
		if battery.Valid {
			v := int(battery.Int64)
			d.BatteryLevel = &v
		}
		if firmware.Valid {
			v := firmware.String
			d.FirmwareVersion = &v
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate devices: %w", err)
	}
	return out, nil
}
