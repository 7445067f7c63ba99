package config

import (
	"time"
)

// Config is the typed view of the service configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Registry RegistryConfig `mapstructure:"registry"`
	Encoding EncodingConfig `mapstructure:"encoding"`
	Alarms   AlarmsConfig   `mapstructure:"alarms"`
	Plugin   PluginConfig   `mapstructure:"plugin"`

	// Tree is the merged configuration as nested maps. Plugin factories read
	// their declared entries from it. Keys keep the case they were written
	// with, so declared plugin names stay case-sensitive.
	Tree map[string]any `mapstructure:"-"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port" validate:"gte=0,lte=65535"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gte=0"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gte=0"`
}

// LoggingConfig configures zap.
type LoggingConfig struct {
	Level   string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Profile string `mapstructure:"profile" validate:"oneof=structured console"`
}

// RegistryConfig configures the job registry.
type RegistryConfig struct {
	// Radix is where job entries are declared.
	Radix string `mapstructure:"radix" validate:"required"`

	// ServiceName is reported as the originating service on alarms.
	ServiceName string `mapstructure:"service_name" validate:"required"`

	// StartWait is how long a launch blocks to catch fast failures.
	StartWait time.Duration `mapstructure:"start_wait" validate:"gte=0"`

	// RemoveWait bounds the join on DELETE; zero waits indefinitely.
	RemoveWait time.Duration `mapstructure:"remove_wait" validate:"gte=0"`

	// ReapInterval runs ReapCompleted periodically; zero disables it.
	ReapInterval time.Duration `mapstructure:"reap_interval" validate:"gte=0"`

	// ArtifactDir holds job output files.
	ArtifactDir string `mapstructure:"artifact_dir"`

	// ArtifactTTL is how long files of unregistered jobs are kept; zero
	// keeps them until the job is deleted.
	ArtifactTTL time.Duration `mapstructure:"artifact_ttl" validate:"gte=0"`
}

// EncodingConfig configures the pooled encoder factory.
type EncodingConfig struct {
	Radix    string `mapstructure:"radix" validate:"required"`
	PoolSize int    `mapstructure:"pool_size" validate:"gte=1"`
}

// AlarmsConfig configures the in-memory alarm ring.
type AlarmsConfig struct {
	Capacity int `mapstructure:"capacity" validate:"gte=1"`
}

// PluginConfig holds the global plugin search paths.
type PluginConfig struct {
	SearchPaths []string `mapstructure:"search_paths"`
}
