package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"wisefido-bpm/internal/models"

	"go.uber.org/zap"
)

// PostgresReadingsRepository bpm_readings 仓库
type PostgresReadingsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresReadingsRepository 创建读数仓库
func NewPostgresReadingsRepository(db *sql.DB, logger *zap.Logger) *PostgresReadingsRepository {
	return &PostgresReadingsRepository{db: db, logger: logger}
}

const readingColumns = `id, device_id, bpm, source, quality, processed_bpm, confidence, is_anomaly, rate_of_change, ts`

// SaveReading 写入读数（id 冲突时忽略，读数不可变）
func (r *PostgresReadingsRepository) SaveReading(ctx context.Context, reading models.Reading) error {
	query := `
		INSERT INTO bpm_readings (` + readingColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, query,
		reading.ID,
		reading.DeviceID,
		reading.BPM,
		string(reading.Source),
		string(reading.Quality),
		reading.ProcessedBPM,
		reading.Confidence,
		reading.IsAnomaly,
		reading.RateOfChange,
		reading.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to save reading: %w", err)
	}
	return nil
}

// RecentReadings 最近的读数，新的在前
func (r *PostgresReadingsRepository) RecentReadings(ctx context.Context, limit int) ([]models.Reading, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + readingColumns + ` FROM bpm_readings ORDER BY ts DESC LIMIT $1`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent readings: %w", err)
	}
	defer rows.Close()
	return scanReadings(rows)
}

// ReadingsInRange 设备在 [start, end] 内的读数，按时间升序
func (r *PostgresReadingsRepository) ReadingsInRange(ctx context.Context, deviceID string, start, end time.Time) ([]models.Reading, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("device_id is required")
	}
	query := `
		SELECT ` + readingColumns + `
		FROM bpm_readings
		WHERE device_id = $1
		  AND ts >= $2
		  AND ts <= $3
		ORDER BY ts ASC
	`
	rows, err := r.db.QueryContext(ctx, query, deviceID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings in range: %w", err)
	}
	defer rows.Close()
	return scanReadings(rows)
}

// PurgeReadingsBefore 删除 before 之前的读数，返回删除条数
func (r *PostgresReadingsRepository) PurgeReadingsBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM bpm_readings WHERE ts < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge readings: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get purged rows: %w", err)
	}
	r.logger.Info("Purged old readings", zap.Int64("rows", n), zap.Time("before", before))
	return n, nil
}

func scanReadings(rows *sql.Rows) ([]models.Reading, error) {
	var out []models.Reading
	for rows.Next() {
		var rd models.Reading
		var source, quality string
		if err := rows.Scan(
			&rd.ID,
			&rd.DeviceID,
			&rd.BPM,
			&source,
			&quality,
			&rd.ProcessedBPM,
			&rd.Confidence,
			&rd.IsAnomaly,
			&rd.RateOfChange,
			&rd.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		rd.Source = models.Source(source)
		rd.Quality = models.Quality(quality)
		out = append(out, rd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate readings: %w", err)
	}
	return out, nil
}
