package interfaces

import "time"

// NetworkConfig holds network-related configuration
type NetworkConfig struct {
	// Address to bind the server to
	Address string `json:"address" yaml:"address" koanf:"address"`

	// Largest accepted frame payload in bytes
	MaxFrameSize int `json:"max_frame_size" yaml:"max_frame_size" koanf:"max_frame_size"`

	// Maximum number of concurrent connections
	MaxConnections int `json:"max_connections" yaml:"max_connections" koanf:"max_connections"`
}

// StorageConfig holds storage-related configuration
type StorageConfig struct {
	// Backend type ("badger" or "memory")
	Backend string `json:"backend" yaml:"backend" koanf:"backend"`

	// Data directory for the badger backend
	Path string `json:"path" yaml:"path" koanf:"path"`

	// Fsync every metadata commit
	SyncWrites bool `json:"sync_writes" yaml:"sync_writes" koanf:"sync_writes"`
}

// ServerConfig holds operational server configuration
type ServerConfig struct {
	Name     string `json:"name" yaml:"name" koanf:"name"`
	LogLevel string `json:"log_level" yaml:"log_level" koanf:"log_level"`
	LogFile  string `json:"log_file" yaml:"log_file" koanf:"log_file"`

	// Virtual hosts created at startup in addition to every persisted one
	VHosts []string `json:"vhosts" yaml:"vhosts" koanf:"vhosts"`

	// Answer every publish with a BasicResponse
	PublisherConfirms bool `json:"publisher_confirms" yaml:"publisher_confirms" koanf:"publisher_confirms"`

	// Capacity of each channel's outbound delivery ring, a power of two
	OutboundBuffer int `json:"outbound_buffer" yaml:"outbound_buffer" koanf:"outbound_buffer"`

	// Queues recovered in parallel per vhost
	RecoveryWorkers int `json:"recovery_workers" yaml:"recovery_workers" koanf:"recovery_workers"`

	MaxChannelsPerConnection int `json:"max_channels_per_connection" yaml:"max_channels_per_connection" koanf:"max_channels_per_connection"`

	// Upper bound on a graceful stop
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" koanf:"shutdown_timeout"`
}

// MetricsConfig holds Prometheus exporter configuration
type MetricsConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled" koanf:"enabled"`
	Port    int  `json:"port" yaml:"port" koanf:"port"`
}
