package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	// Pure Go SQLite driver, no CGO required.
	_ "modernc.org/sqlite"

	"github.com/shelfbridge/shelfbridge/internal/logger"
)

// Driver is the contract each storage backend fulfills
type Driver interface {
	Connect(config *Config, log *logger.Logger) (*gorm.DB, error)
	GetDialector(config *Config) gorm.Dialector
	PrepareDatabase(config *Config) error
}

// SQLiteDriver implements Driver for SQLite
type SQLiteDriver struct{}

func (d *SQLiteDriver) Connect(config *Config, log *logger.Logger) (*gorm.DB, error) {
	if err := d.PrepareDatabase(config); err != nil {
		return nil, err
	}

	db, err := gorm.Open(d.GetDialector(config), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SQLite cache: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	// SQLite doesn't support concurrent writers.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(time.Hour)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if err := db.Exec(pragma).Error; err != nil && log != nil {
			log.Warn("Failed to apply SQLite pragma", map[string]interface{}{
				"pragma": pragma,
				"error":  err.Error(),
			})
		}
	}

	return db, nil
}

func (d *SQLiteDriver) GetDialector(config *Config) gorm.Dialector {
	// DriverName "sqlite" selects the pure Go implementation.
	return sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        config.Path,
	}
}

func (d *SQLiteDriver) PrepareDatabase(config *Config) error {
	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	return nil
}

// PostgreSQLDriver implements Driver for PostgreSQL
type PostgreSQLDriver struct{}

func (d *PostgreSQLDriver) Connect(config *Config, log *logger.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(d.GetDialector(config), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL cache: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	configurePool(sqlDB, config)

	return db, nil
}

func (d *PostgreSQLDriver) GetDialector(config *Config) gorm.Dialector {
	return postgres.Open(config.GetDSN())
}

func (d *PostgreSQLDriver) PrepareDatabase(config *Config) error {
	// Server-side databases are created externally.
	return nil
}

// MySQLDriver implements Driver for MySQL/MariaDB
type MySQLDriver struct{}

func (d *MySQLDriver) Connect(config *Config, log *logger.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(d.GetDialector(config), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MySQL cache: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	configurePool(sqlDB, config)

	return db, nil
}

func (d *MySQLDriver) GetDialector(config *Config) gorm.Dialector {
	return mysql.Open(config.GetDSN())
}

func (d *MySQLDriver) PrepareDatabase(config *Config) error {
	return nil
}

type sqlPool interface {
	SetMaxOpenConns(int)
	SetMaxIdleConns(int)
	SetConnMaxLifetime(time.Duration)
}

func configurePool(db sqlPool, config *Config) {
	maxOpen := config.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}
	maxIdle := config.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	lifetime := config.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = 60
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(time.Duration(lifetime) * time.Minute)
}

// GetDriver returns the driver for the given backend type
func GetDriver(backend BackendType) (Driver, error) {
	switch backend {
	case BackendSQLite:
		return &SQLiteDriver{}, nil
	case BackendPostgreSQL:
		return &PostgreSQLDriver{}, nil
	case BackendMySQL, BackendMariaDB:
		return &MySQLDriver{}, nil
	default:
		return nil, fmt.Errorf("unsupported cache backend: %s", backend)
	}
}

// ConnectWithFallback attempts to connect to the configured backend,
// falling back to a local SQLite file when the connection fails. The
// cache is an optimization; a broken Postgres must not stop a sync run.
func ConnectWithFallback(config *Config, log *logger.Logger) (*gorm.DB, *Config, error) {
	if err := config.Validate(); err != nil {
		if log != nil {
			log.Warn("Invalid cache configuration, falling back to SQLite", map[string]interface{}{
				"error": err.Error(),
				"type":  string(config.Type),
			})
		}
		return connectSQLiteFallback(log)
	}

	driver, err := GetDriver(config.Type)
	if err != nil {
		if log != nil {
			log.Warn("Unsupported cache backend, falling back to SQLite", map[string]interface{}{
				"error": err.Error(),
				"type":  string(config.Type),
			})
		}
		return connectSQLiteFallback(log)
	}

	db, err := driver.Connect(config, log)
	if err != nil {
		if log != nil {
			log.Warn("Failed to connect to configured cache backend, falling back to SQLite", map[string]interface{}{
				"error": err.Error(),
				"type":  string(config.Type),
				"host":  config.Host,
			})
		}
		return connectSQLiteFallback(log)
	}

	if log != nil {
		log.Info("Connected to cache backend", map[string]interface{}{
			"type": string(config.Type),
		})
	}

	return db, config, nil
}

// connectSQLiteFallback opens the default local SQLite cache
func connectSQLiteFallback(log *logger.Logger) (*gorm.DB, *Config, error) {
	fallbackConfig := &Config{
		Type: BackendSQLite,
		Path: DefaultCachePath(),
	}

	driver := &SQLiteDriver{}
	db, err := driver.Connect(fallbackConfig, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to fallback SQLite cache: %w", err)
	}

	if log != nil {
		log.Info("Connected to fallback SQLite cache", map[string]interface{}{
			"path": fallbackConfig.Path,
		})
	}

	return db, fallbackConfig, nil
}
