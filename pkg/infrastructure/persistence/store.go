// Package persistence provides the relational adapters for the domain
// repository ports, backed by gorm.
package persistence

import (
	"fmt"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/kairon-chat/kairon/pkg/logger"
)

// Open connects to the configured database and migrates the schema.
// Postgres DSNs are recognised by prefix; anything else is treated as a
// sqlite path, which keeps single-node deployments dependency-free.
func Open(dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.Contains(dsn, "host=") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(
		&channelConfigRow{},
		&channelLogRow{},
		&eventRecordRow{},
		&broadcastRow{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	logger.InfoC("persistence", "Database ready")
	return db, nil
}
