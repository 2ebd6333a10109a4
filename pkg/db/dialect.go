package db

import (
	"fmt"
	"strings"

	"github.com/smallbiznis/coursepay/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Dialect picks the gorm driver for DATABASE_TYPE. Amounts are NUMERIC and
// timestamps UTC on every driver.
func Dialect(cfg config.Config) (gorm.Dialector, error) {
	kind := strings.ToLower(strings.TrimSpace(cfg.DBType))
	dsn, err := buildDSN(kind, cfg)
	if err != nil {
		return nil, err
	}
	switch kind {
	case "postgres":
		return postgres.Open(dsn), nil
	case "mysql":
		return mysql.Open(dsn), nil
	default:
		return sqlite.Open(dsn), nil
	}
}

func buildDSN(kind string, cfg config.Config) (string, error) {
	switch kind {
	case "postgres":
		return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
			cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBSSLMode), nil
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName), nil
	case "sqlite":
		// local development only; ":memory:" and explicit paths pass through
		name := strings.TrimSpace(cfg.DBName)
		if name == "" {
			name = "coursepay"
		}
		if name == ":memory:" || strings.HasSuffix(name, ".db") {
			return name, nil
		}
		return name + ".db", nil
	default:
		return "", fmt.Errorf("unsupported database type %q", cfg.DBType)
	}
}
