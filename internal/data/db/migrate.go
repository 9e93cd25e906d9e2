package db

import (
	"gorm.io/gorm"

	"github.com/hestia-labs/hestia-backend/internal/types"
)

func AutoMigrateAll(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&types.ChatSession{},
		&types.ChatMessage{},
		&types.SessionPendingState{},
		&types.ThinkingRecord{},
	)
}

func (s *PostgresService) AutoMigrateAll() error {
	return AutoMigrateAll(s.db)
}
