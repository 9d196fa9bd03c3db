package domain

import "time"

// Config is the top-level application configuration, populated by viper
// (see internal/config) from defaults, an optional YAML file, and
// environment variables.
type Config struct {
	Server              ServerConfig   `mapstructure:"server"`
	Engine              EngineConfig   `mapstructure:"engine"`
	Database            DatabaseConfig `mapstructure:"database"`
	Cache               CacheConfig    `mapstructure:"cache"`
	Logging             LoggingConfig  `mapstructure:"logging"`
	Narrative           NarrativeConfig `mapstructure:"narrative"`
	WebsocketEnabled    bool           `mapstructure:"websocket_enabled"`
}

// ServerConfig is the HTTP boundary server configuration (spec §1: "out of
// scope" as a feature, but its wire shape is specified at the boundary in
// §6, so a thin server still needs these knobs).
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// EngineConfig recognizes the keys enumerated in spec §6.
type EngineConfig struct {
	KBPath                     string `mapstructure:"kb_path"`
	AuditPath                  string `mapstructure:"audit_path"`
	ErrorReportsPath           string `mapstructure:"error_reports_path"`
	ConservativeAllergyDefault bool   `mapstructure:"conservative_allergy_default"`
	RefuseOnNoRegimen          bool   `mapstructure:"refuse_on_no_regimen"`
}

// DatabaseConfig configures the optional Postgres audit-history store.
// Entirely optional: leaving Host empty disables the store and the engine
// falls back to the mandatory file-based audit log alone.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int32         `mapstructure:"max_open_conns"`
	MaxIdleConns    int32         `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// CacheConfig configures the optional Redis cache for narrative-formatter
// responses.
type CacheConfig struct {
	RedisURL    string        `mapstructure:"redis_url"`
	DefaultTTL  time.Duration `mapstructure:"default_ttl"`
	MaxRetries  int           `mapstructure:"max_retries"`
	PoolSize    int           `mapstructure:"pool_size"`
	PoolTimeout time.Duration `mapstructure:"pool_timeout"`
	LocalLRUSize int          `mapstructure:"local_lru_size"`
}

// LoggingConfig configures logrus.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// NarrativeConfig configures the optional, non-authoritative external LLM
// narrative formatter (spec §9: "LLM as formatter only").
type NarrativeConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	Timeout        time.Duration `mapstructure:"timeout"`
	BreakerTimeout time.Duration `mapstructure:"breaker_timeout"`
}
