package config

import (
	"errors"
	"log"

	"github.com/spf13/viper"
)

// Config is the full process configuration surface, unmarshalled from
// config.yml plus environment overrides. Every field here corresponds to a
// recognized option in spec.md §6.
type Config struct {
	Server    ServerConfig
	Scheduler SchedulerConfig
	Cache     CacheConfig
	Auth      AuthConfig
	Storage   StorageConfig
	Postgres  DBConfig
	Redis     RedisConfig
	S3        S3Config
	Logger    Logger
}

// ServerConfig covers the WebSocket acceptor and HTTP surface.
type ServerConfig struct {
	Host               string
	Port               string
	MaxConnections     int
	MaxFileSizeMB      int64
	AllowedExtensions  []string
	HeartbeatIntervalS int
	ConnectionTimeoutS int
}

// SchedulerConfig covers the Task Manager.
type SchedulerConfig struct {
	MaxConcurrentTasks       int
	MaxQueueSize             int
	TaskTimeoutMinutes       int
	RetryTimes               int
	DeleteAfterTranscription bool
	ConcurrencyMode          string // "lock" | "pool"
	MergeGapS                float64
	MaxCPUUsage              float64
}

// CacheConfig covers the Result Cache.
type CacheConfig struct {
	CacheEnabled  bool
	CacheTTLHours int
}

// AuthConfig gates the public surface.
type AuthConfig struct {
	Enabled      bool
	JwtSecretKey string
}

// StorageConfig selects and configures the Blob Store backend.
type StorageConfig struct {
	Backend string // "local" | "s3"
	RootDir string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	PgDriver string
}

type RedisConfig struct {
	RedisAddr     string
	RedisPassword string
	DB            int
	MinIdleConns  int
	PoolSize      int
	PoolTimeout   int
}

type S3Config struct {
	Endpoint     string
	Region       string
	AccessKey    string
	SecretKey    string
	InputBucket  string
	OutputBucket string
}

type Logger struct {
	Development       bool
	DisableCaller     bool
	DisableStacktrace bool
	Encoding          string
	Level             string
}

// LoadConfig reads filename via viper with environment override support.
func LoadConfig(filename string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigFile(filename)
	v.AddConfigPath(".")
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFound) {
			return nil, errors.New("config file not found")
		}
		return nil, err
	}
	return v, nil
}

// ParseConfig unmarshals v into a typed Config, applying defaults for any
// zero-valued field that must not be zero.
func ParseConfig(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, err
	}
	applyDefaults(&c)
	log.Println(c.Server)
	return &c, nil
}

func applyDefaults(c *Config) {
	if c.Scheduler.MaxConcurrentTasks == 0 {
		c.Scheduler.MaxConcurrentTasks = 4
	}
	if c.Scheduler.MaxQueueSize == 0 {
		c.Scheduler.MaxQueueSize = 100
	}
	if c.Scheduler.TaskTimeoutMinutes == 0 {
		c.Scheduler.TaskTimeoutMinutes = 30
	}
	if c.Scheduler.ConcurrencyMode == "" {
		c.Scheduler.ConcurrencyMode = "lock"
	}
	if c.Scheduler.MergeGapS == 0 {
		c.Scheduler.MergeGapS = 3
	}
	if c.Scheduler.MaxCPUUsage == 0 {
		c.Scheduler.MaxCPUUsage = 90
	}
	if c.Cache.CacheTTLHours == 0 {
		c.Cache.CacheTTLHours = 24
	}
	if c.Server.HeartbeatIntervalS == 0 {
		c.Server.HeartbeatIntervalS = 30
	}
	if c.Server.ConnectionTimeoutS == 0 {
		c.Server.ConnectionTimeoutS = 90
	}
	if c.Server.MaxFileSizeMB == 0 {
		c.Server.MaxFileSizeMB = 1024
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "local"
	}
	if c.Storage.RootDir == "" {
		c.Storage.RootDir = "data/blobs"
	}
	if len(c.Server.AllowedExtensions) == 0 {
		c.Server.AllowedExtensions = []string{".mp3", ".wav", ".m4a", ".mp4", ".mov", ".flac", ".ogg"}
	}
}
