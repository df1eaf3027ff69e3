// Package cache persists book mappings between sync runs. Each row ties a
// source-library identifier to a remote edition together with the progress
// last written, so later runs can skip unchanged books without touching
// the network.
package cache

import (
	"fmt"
	"os"
	"path/filepath"
)

// BackendType represents the supported storage backends
type BackendType string

const (
	BackendSQLite     BackendType = "sqlite"
	BackendPostgreSQL BackendType = "postgresql"
	BackendMySQL      BackendType = "mysql"
	BackendMariaDB    BackendType = "mariadb"
)

// ParseBackendType maps a config string to a backend, defaulting to SQLite.
func ParseBackendType(s string) BackendType {
	switch s {
	case "postgresql", "postgres":
		return BackendPostgreSQL
	case "mysql":
		return BackendMySQL
	case "mariadb":
		return BackendMariaDB
	default:
		return BackendSQLite
	}
}

// Config holds the connection settings for the cache store
type Config struct {
	Type     BackendType `yaml:"type"`
	Host     string      `yaml:"host,omitempty"`
	Port     int         `yaml:"port,omitempty"`
	Database string      `yaml:"database,omitempty"`
	Username string      `yaml:"username,omitempty"`
	Password string      `yaml:"password,omitempty"`
	SSLMode  string      `yaml:"ssl_mode,omitempty"`
	Path     string      `yaml:"path,omitempty"` // For SQLite

	// Connection pool settings
	MaxOpenConns    int `yaml:"max_open_conns,omitempty"`
	MaxIdleConns    int `yaml:"max_idle_conns,omitempty"`
	ConnMaxLifetime int `yaml:"conn_max_lifetime,omitempty"` // in minutes
}

// DefaultCachePath returns the SQLite file location under the data
// directory, honoring the DATA_DIR override.
func DefaultCachePath() string {
	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = "./data"
	}
	return filepath.Join(dataDir, "shelfbridge-cache.db")
}

// Validate checks if the cache configuration is usable
func (c *Config) Validate() error {
	switch c.Type {
	case BackendSQLite:
		if c.Path == "" {
			return fmt.Errorf("SQLite cache path is required")
		}
	case BackendPostgreSQL, BackendMySQL, BackendMariaDB:
		if c.Host == "" {
			return fmt.Errorf("cache host is required for %s", c.Type)
		}
		if c.Database == "" {
			return fmt.Errorf("cache database name is required for %s", c.Type)
		}
		if c.Port <= 0 {
			return fmt.Errorf("valid cache port is required for %s", c.Type)
		}
	default:
		return fmt.Errorf("unsupported cache backend: %s", c.Type)
	}
	return nil
}

// GetDSN returns the data source name for the configured backend
func (c *Config) GetDSN() string {
	switch c.Type {
	case BackendSQLite:
		return c.Path
	case BackendPostgreSQL:
		sslMode := c.SSLMode
		if sslMode == "" {
			sslMode = "prefer"
		}
		dsn := fmt.Sprintf("host=%s port=%d dbname=%s sslmode=%s",
			c.Host, c.Port, c.Database, sslMode)
		if c.Username != "" {
			dsn += fmt.Sprintf(" user=%s", c.Username)
		}
		if c.Password != "" {
			dsn += fmt.Sprintf(" password=%s", c.Password)
		}
		return dsn
	case BackendMySQL, BackendMariaDB:
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
			c.Username, c.Password, c.Host, c.Port, c.Database)
	default:
		return ""
	}
}
