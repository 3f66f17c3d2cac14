// Package db opens the event store database and manages its schema.
package db

import (
	"fmt"

	"github.com/zulandar/agentbus/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DSN builds a MySQL-compatible DSN. Dolt accepts the same form.
func DSN(user, host string, port int, database string) string {
	return fmt.Sprintf("%s@tcp(%s:%d)/%s?parseTime=true", user, host, port, database)
}

// Connect opens a GORM connection for the configured driver.
func Connect(cfg config.DatabaseConfig) (*gorm.DB, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return connectSQLite(cfg.Path)
	case "mysql":
		dsn := DSN(cfg.User, cfg.Host, cfg.Port, cfg.Name)
		db, err := gorm.Open(mysql.Open(dsn), silent())
		if err != nil {
			return nil, fmt.Errorf("db: connect to %s:%d/%s: %w", cfg.Host, cfg.Port, cfg.Name, err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", cfg.Driver)
	}
}

// connectSQLite opens path with a single pooled connection. An in-memory
// database only exists on the connection that created it, and sqlite
// serializes writers anyway.
func connectSQLite(path string) (*gorm.DB, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := gorm.Open(sqlite.Open(path), silent())
	if err != nil {
		return nil, fmt.Errorf("db: open sqlite %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("db: sqlite pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// ConnectAdmin opens a connection to the MySQL server without selecting
// a database, used for CREATE DATABASE operations.
func ConnectAdmin(cfg config.DatabaseConfig) (*gorm.DB, error) {
	dsn := DSN(cfg.User, cfg.Host, cfg.Port, "")
	db, err := gorm.Open(mysql.Open(dsn), silent())
	if err != nil {
		return nil, fmt.Errorf("db: admin connect to %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return db, nil
}

// CreateDatabase creates the named database if it doesn't already exist.
func CreateDatabase(adminDB *gorm.DB, name string) error {
	sql := fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", name)
	if err := adminDB.Exec(sql).Error; err != nil {
		return fmt.Errorf("db: create database %s: %w", name, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func silent() *gorm.Config {
	return &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
}
