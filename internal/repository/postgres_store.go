package repository

import (
	"database/sql"

	"go.uber.org/zap"
)

// PostgresStore 组合四个 Postgres 仓库
type PostgresStore struct {
	*PostgresReadingsRepository
	*PostgresAlertsRepository
	*PostgresDevicesRepository
	*PostgresStatusRepository
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore 创建 Postgres 存储
func NewPostgresStore(db *sql.DB, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{
		PostgresReadingsRepository: NewPostgresReadingsRepository(db, logger),
		PostgresAlertsRepository:   NewPostgresAlertsRepository(db, logger),
		PostgresDevicesRepository:  NewPostgresDevicesRepository(db, logger),
		PostgresStatusRepository:   NewPostgresStatusRepository(db, logger),
	}
}
