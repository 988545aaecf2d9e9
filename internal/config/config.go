package config

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"   validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Auth     AuthConfig     `mapstructure:"auth"     validate:"required"`
	Upload   UploadConfig   `mapstructure:"upload"   validate:"required"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Task     TaskConfig     `mapstructure:"task"`
	Notify   NotifyConfig   `mapstructure:"notify"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port"      validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required,url"`
}

// AuthConfig contains all authentication and authorization settings.
type AuthConfig struct {
	JWTSecret                   string `mapstructure:"jwt_secret"                     validate:"required,min=32"`
	TokenLifetimeMinutes        int    `mapstructure:"token_lifetime_minutes"         validate:"required,gt=0"`
	RefreshTokenLifetimeMinutes int    `mapstructure:"refresh_token_lifetime_minutes" validate:"required,gt=0"`
	BCryptCost                  int    `mapstructure:"bcrypt_cost"                    validate:"gte=0,lte=31"`
}

// UploadConfig contains settings for file upload handling and CSV ingestion.
type UploadConfig struct {
	// Dir is the directory where raw uploaded files are stored.
	Dir string `mapstructure:"dir" validate:"required"`

	// MaxFileBytes is the maximum accepted upload size in bytes.
	MaxFileBytes int64 `mapstructure:"max_file_bytes" validate:"required,gt=0"`

	// BatchSize is the number of rows written to the row store per bulk insert.
	BatchSize int `mapstructure:"batch_size" validate:"required,gt=0"`

	// MaxSkipRate is the fraction of malformed rows tolerated before the
	// whole ingestion is failed (0 disables skipping entirely).
	MaxSkipRate float64 `mapstructure:"max_skip_rate" validate:"gte=0,lte=1"`
}

// CacheConfig contains Redis cache settings. An empty Addr disables caching.
type CacheConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	// PageTTLSeconds is how long cached data pages stay valid.
	PageTTLSeconds int `mapstructure:"page_ttl_seconds"`

	// CountTTLSeconds is how long cached total counts stay valid.
	CountTTLSeconds int `mapstructure:"count_ttl_seconds"`
}

// NotifyConfig contains settings for ingestion-completed notifications.
// An empty WebhookURL disables notification delivery.
type NotifyConfig struct {
	WebhookURL     string `mapstructure:"webhook_url"     validate:"omitempty,url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" validate:"gte=0"`
}

// TaskConfig contains background task processing settings.
type TaskConfig struct {
	WorkerCount         int `mapstructure:"worker_count"           validate:"gte=0"`
	QueueSize           int `mapstructure:"queue_size"             validate:"gte=0"`
	StuckTaskAgeMinutes int `mapstructure:"stuck_task_age_minutes" validate:"gte=0"`
}
