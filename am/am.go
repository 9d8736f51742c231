package am

// Config represents the segpulse configuration
type Config struct {
	Database     DatabaseConfig     `mapstructure:"database"`
	Server       ServerConfig       `mapstructure:"server"`
	Pulse        PulseConfig        `mapstructure:"pulse"`
	Segmentation SegmentationConfig `mapstructure:"segmentation"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Export       ExportConfig       `mapstructure:"export"`
	Relay        RelayConfig        `mapstructure:"relay"`
	Events       EventsConfig       `mapstructure:"events"`
}

// DatabaseConfig configures the SQLite job store
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the HTTP API and WebSocket hub
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	Tokens         []TokenConfig `mapstructure:"tokens"`
	SendBuffer     int           `mapstructure:"send_buffer"` // per-connection queued messages before drop
	MaxClients     int           `mapstructure:"max_clients"`
	NodeID         string        `mapstructure:"node_id"` // stable per instance; defaults to the hostname
}

// TokenConfig binds a static bearer token to a user. Kept as an array of
// tables because viper lowercases map keys.
type TokenConfig struct {
	Token  string `mapstructure:"token"`
	UserID string `mapstructure:"user_id"`
}

// DefaultServerPort is used when server.port is unset
const DefaultServerPort = 8790

// PulseConfig configures the worker pool, outbox and retention sweep
type PulseConfig struct {
	Workers              int `mapstructure:"workers"`
	PollIntervalMS       int `mapstructure:"poll_interval_ms"`
	OutboxBuffer         int `mapstructure:"outbox_buffer"`
	RetentionHours       int `mapstructure:"retention_hours"`        // 0 = keep terminal jobs forever
	SweepIntervalSeconds int `mapstructure:"sweep_interval_seconds"` // 0 = no sweep

	MaxClaimsPerSecond float64 `mapstructure:"max_claims_per_second"` // 0 = unlimited
}

// SegmentationConfig configures the inference service client
type SegmentationConfig struct {
	BaseURL           string  `mapstructure:"base_url"`
	TimeoutSeconds    int     `mapstructure:"timeout_seconds"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"` // 0 = unlimited
	Burst             int     `mapstructure:"burst"`
}

// StorageConfig selects where artifacts are written
type StorageConfig struct {
	Backend   string      `mapstructure:"backend"` // "local" or "minio"
	LocalRoot string      `mapstructure:"local_root"`
	Minio     MinioConfig `mapstructure:"minio"`
}

// MinioConfig configures S3-compatible artifact storage
type MinioConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// ExportConfig configures export jobs
type ExportConfig struct {
	SourceRoot string `mapstructure:"source_root"` // export payload paths resolve under this directory
	WorkDir    string `mapstructure:"work_dir"`    // partial archives; empty = OS temp dir
}

// RelayConfig enables cross-node hub fan-out through Redis pub/sub
type RelayConfig struct {
	RedisAddr string `mapstructure:"redis_addr"` // empty = single node
	Channel   string `mapstructure:"channel"`
}

// EventsConfig enables exporting job events to RabbitMQ
type EventsConfig struct {
	AMQPURL  string `mapstructure:"amqp_url"` // empty = disabled
	Exchange string `mapstructure:"exchange"`
}

// Storage backends
const (
	StorageLocal = "local"
	StorageMinio = "minio"
)

// File system constants
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)
