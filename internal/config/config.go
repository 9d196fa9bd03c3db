// Package config provides configuration management for the recommendation
// engine, backed by Viper for layered defaults/file/environment resolution.
package config

import (
	"fmt"
	"strings"

	"github.com/acmg-amp-mcp-server/internal/domain"
	"github.com/spf13/viper"
)

// Manager implements domain.ConfigManager using Viper.
type Manager struct {
	v      *viper.Viper
	config *domain.Config
}

// NewManager creates a new configuration manager.
func NewManager() (*Manager, error) {
	m := &Manager{v: viper.New()}
	if err := m.loadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return m, nil
}

func (m *Manager) loadConfig() error {
	v := m.v
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/abx-steward/")

	v.SetEnvPrefix("ABX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	m.setDefaults()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &domain.Config{}
	if err := v.Unmarshal(config); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.config = config
	return nil
}

func (m *Manager) setDefaults() {
	v := m.v

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")

	v.SetDefault("engine.kb_path", "./guidelines")
	v.SetDefault("engine.audit_path", "./data/audit")
	v.SetDefault("engine.error_reports_path", "./data/error-reports")
	v.SetDefault("engine.conservative_allergy_default", true)
	v.SetDefault("engine.refuse_on_no_regimen", true)

	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "abx_steward")
	v.SetDefault("database.username", "abx_steward")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("database.migrations_path", "./migrations")

	v.SetDefault("cache.redis_url", "")
	v.SetDefault("cache.default_ttl", "10m")
	v.SetDefault("cache.max_retries", 3)
	v.SetDefault("cache.pool_size", 10)
	v.SetDefault("cache.pool_timeout", "4s")
	v.SetDefault("cache.local_lru_size", 256)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("narrative.enabled", false)
	v.SetDefault("narrative.timeout", "5s")
	v.SetDefault("narrative.breaker_timeout", "30s")

	v.SetDefault("websocket_enabled", false)
}

// GetConfig returns the complete configuration.
func (m *Manager) GetConfig() *domain.Config {
	return m.config
}

// Reload re-reads configuration from file/env, replacing the in-memory
// config only after a successful parse.
func (m *Manager) Reload() error {
	return m.loadConfig()
}

// Validate checks structural invariants on the loaded configuration.
func (m *Manager) Validate() error {
	cfg := m.config

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	if cfg.Engine.KBPath == "" {
		return fmt.Errorf("engine.kb_path is required")
	}
	if cfg.Engine.ErrorReportsPath == "" {
		return fmt.Errorf("engine.error_reports_path is required")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(cfg.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", cfg.Logging.Level)
	}

	if cfg.Database.Host != "" && cfg.Database.Database == "" {
		return fmt.Errorf("database.database is required when database.host is set")
	}

	return nil
}

// GetDatabaseConnectionString returns a formatted Postgres DSN, or the empty
// string when the optional audit-history store is disabled.
func (m *Manager) GetDatabaseConnectionString() string {
	db := m.config.Database
	if db.Host == "" {
		return ""
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		db.Host, db.Port, db.Username, db.Password, db.Database, db.SSLMode)
}

// GetRedisConnectionString returns the Redis URL, or the empty string when
// the optional cross-process cache is disabled.
func (m *Manager) GetRedisConnectionString() string {
	return m.config.Cache.RedisURL
}
