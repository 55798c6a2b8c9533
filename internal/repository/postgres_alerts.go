package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"wisefido-bpm/internal/models"

	"go.uber.org/zap"
)

// PostgresAlertsRepository bpm_alerts 仓库
type PostgresAlertsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresAlertsRepository 创建告警仓库
func NewPostgresAlertsRepository(db *sql.DB, logger *zap.Logger) *PostgresAlertsRepository {
	return &PostgresAlertsRepository{db: db, logger: logger}
}

const alertColumns = `id, device_id, alert_type, severity, message, bpm_value, acknowledged, created_at, resolved_at`

// SaveAlert upsert 告警
// acknowledged 只能由 false 变 true，resolved_at 一旦写入不再覆盖
func (r *PostgresAlertsRepository) SaveAlert(ctx context.Context, a models.Alert) error {
	query := `
		INSERT INTO bpm_alerts (` + alertColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			severity     = EXCLUDED.severity,
			message      = EXCLUDED.message,
			bpm_value    = EXCLUDED.bpm_value,
			acknowledged = bpm_alerts.acknowledged OR EXCLUDED.acknowledged,
			resolved_at  = COALESCE(bpm_alerts.resolved_at, EXCLUDED.resolved_at)
	`
	var bpm sql.NullInt64
	if a.BPMValue != nil {
		bpm = sql.NullInt64{Int64: int64(*a.BPMValue), Valid: true}
	}
	var resolvedAt sql.NullTime
	if a.ResolvedAt != nil {
		resolvedAt = sql.NullTime{Time: *a.ResolvedAt, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, query,
		a.ID,
		a.DeviceID,
		string(a.Type),
		string(a.Severity),
		a.Message,
		bpm,
		a.Acknowledged,
		a.CreatedAt,
		resolvedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save alert: %w", err)
	}
	return nil
}

// GetAlert 按 id 查询
func (r *PostgresAlertsRepository) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	if id == "" {
		return nil, fmt.Errorf("alert id is required")
	}
	row := r.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM bpm_alerts WHERE id = $1`, id)
	a, err := scanAlert(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: id=%s", models.ErrAlertNotFound, id)
		}
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	return a, nil
}

// RecentAlerts 最近的告警，新的在前
func (r *PostgresAlertsRepository) RecentAlerts(ctx context.Context, limit int) ([]models.Alert, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+alertColumns+` FROM bpm_alerts ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent alerts: %w", err)
	}
	defer rows.Close()

	var out []models.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alerts: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAlert(s rowScanner) (*models.Alert, error) {
	var a models.Alert
	var alertType, severity string
	var bpm sql.NullInt64
	var resolvedAt sql.NullTime

	if err := s.Scan(
		&a.ID,
		&a.DeviceID,
		&alertType,
		&severity,
		&a.Message,
		&bpm,
		&a.Acknowledged,
		&a.CreatedAt,
		&resolvedAt,
	); err != nil {
		return nil, err
	}

	a.Type = models.AlertType(alertType)
	a.Severity = models.Severity(severity)
	if bpm.Valid {
		v := int(bpm.Int64)
		a.BPMValue = &v
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		a.ResolvedAt = &t
	}
	return &a, nil
}
