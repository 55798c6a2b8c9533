package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"wisefido-bpm/internal/models"

	"go.uber.org/zap"
)

// PostgresStatusRepository bpm_system_status 单行表
type PostgresStatusRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresStatusRepository(db *sql.DB, logger *zap.Logger) *PostgresStatusRepository {
	return &PostgresStatusRepository{db: db, logger: logger}
}

// SaveSystemStatus upsert 单例
// failover_count 取较大值，乱序写入不会让计数回退
func (r *PostgresStatusRepository) SaveSystemStatus(ctx context.Context, s models.SystemStatus) error {
	query := `
		INSERT INTO bpm_system_status (
			id, active_source, failover_count, last_primary_heartbeat, last_secondary_heartbeat,
			system_health, cache_health_score, updated_at
		) VALUES (1, $1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			active_source            = EXCLUDED.active_source,
			failover_count           = GREATEST(bpm_system_status.failover_count, EXCLUDED.failover_count),
			last_primary_heartbeat   = EXCLUDED.last_primary_heartbeat,
			last_secondary_heartbeat = EXCLUDED.last_secondary_heartbeat,
			system_health            = EXCLUDED.system_health,
			cache_health_score       = EXCLUDED.cache_health_score,
			updated_at               = EXCLUDED.updated_at
	`
	_, err := r.db.ExecContext(ctx, query,
		string(s.ActiveSource),
		s.FailoverCount,
		s.LastPrimaryHeartbeat,
		s.LastSecondaryHeartbeat,
		string(s.SystemHealth),
		s.CacheHealthScore,
		s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save system status: %w", err)
	}
	return nil
}

// LoadSystemStatus 读取单例
func (r *PostgresStatusRepository) LoadSystemStatus(ctx context.Context) (*models.SystemStatus, error) {
	query := `
		SELECT active_source, failover_count, last_primary_heartbeat, last_secondary_heartbeat,
		       system_health, cache_health_score, updated_at
		FROM bpm_system_status
		WHERE id = 1
	`
	var s models.SystemStatus
	var activeSource, health string
	var lastPrimary, lastSecondary sql.NullTime

	err := r.db.QueryRowContext(ctx, query).Scan(
		&activeSource,
		&s.FailoverCount,
		&lastPrimary,
		&lastSecondary,
		&health,
		&s.CacheHealthScore,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load system status: %w", err)
	}

	s.ActiveSource = models.Source(activeSource)
	s.SystemHealth = models.SystemHealth(health)
	if lastPrimary.Valid {
		s.LastPrimaryHeartbeat = lastPrimary.Time
	}
	if lastSecondary.Valid {
		s.LastSecondaryHeartbeat = lastSecondary.Time
	}
	return &s, nil
}
