package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/maxpert/mqengine/interfaces"
)

// EnvPrefix marks environment overrides. A double underscore separates
// sections, so MQ_STORAGE__PATH sets storage.path.
const EnvPrefix = "MQ_"

const (
	DefaultMaxFrameSize = 16 * 1024 * 1024
	DefaultMetricsPort  = 9419
)

var logLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// DefaultConfig creates a configuration with sensible defaults
func DefaultConfig() *AMQPConfig {
	return &AMQPConfig{
		Network: interfaces.NetworkConfig{
			Address:        ":5672",
			MaxFrameSize:   DefaultMaxFrameSize,
			MaxConnections: 1000,
		},
		Storage: interfaces.StorageConfig{
			Backend:    "badger",
			Path:       "./data",
			SyncWrites: false,
		},
		Server: interfaces.ServerConfig{
			Name:                     "mq-engine",
			LogLevel:                 "info",
			LogFile:                  "",
			VHosts:                   []string{"/"},
			PublisherConfirms:        false,
			OutboundBuffer:           1024,
			RecoveryWorkers:          4,
			MaxChannelsPerConnection: 2047,
			ShutdownTimeout:          30 * time.Second,
		},
		Metrics: interfaces.MetricsConfig{
			Enabled: true,
			Port:    DefaultMetricsPort,
		},
	}
}

// AMQPConfig is the complete server configuration
type AMQPConfig struct {
	Network interfaces.NetworkConfig `json:"network" yaml:"network" koanf:"network"`
	Storage interfaces.StorageConfig `json:"storage" yaml:"storage" koanf:"storage"`
	Server  interfaces.ServerConfig  `json:"server" yaml:"server" koanf:"server"`
	Metrics interfaces.MetricsConfig `json:"metrics" yaml:"metrics" koanf:"metrics"`
}

// Validate validates the configuration
func (c *AMQPConfig) Validate() error {
	if _, _, err := net.SplitHostPort(c.Network.Address); err != nil {
		return fmt.Errorf("invalid network address %q: %w", c.Network.Address, err)
	}
	if c.Network.MaxFrameSize <= 0 {
		return fmt.Errorf("max frame size must be positive: %d", c.Network.MaxFrameSize)
	}
	if c.Network.MaxConnections <= 0 {
		return fmt.Errorf("max connections must be positive: %d", c.Network.MaxConnections)
	}

	switch strings.ToLower(c.Storage.Backend) {
	case "memory":
	case "badger":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage path required for backend: %s", c.Storage.Backend)
		}
	case "":
		return fmt.Errorf("storage backend cannot be empty")
	default:
		return fmt.Errorf("unsupported storage backend: %s", c.Storage.Backend)
	}

	if !logLevels[c.Server.LogLevel] {
		return fmt.Errorf("invalid log level: %q", c.Server.LogLevel)
	}
	for _, vhost := range c.Server.VHosts {
		if vhost == "" {
			return fmt.Errorf("vhost names cannot be empty")
		}
	}
	if c.Server.OutboundBuffer < 0 {
		return fmt.Errorf("outbound buffer cannot be negative: %d", c.Server.OutboundBuffer)
	}
	if c.Server.RecoveryWorkers < 0 {
		return fmt.Errorf("recovery workers cannot be negative: %d", c.Server.RecoveryWorkers)
	}
	if c.Server.MaxChannelsPerConnection <= 0 {
		return fmt.Errorf("max channels per connection must be positive: %d", c.Server.MaxChannelsPerConnection)
	}
	if c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown timeout cannot be negative: %v", c.Server.ShutdownTimeout)
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("invalid metrics port: %d", c.Metrics.Port)
	}

	return nil
}

// Load overlays a YAML or JSON file (skipped when source is empty) and then the
// MQ_ environment onto c, and validates the result.
func (c *AMQPConfig) Load(source string) error {
	k := koanf.New(".")

	if source != "" {
		switch ext := strings.ToLower(filepath.Ext(source)); ext {
		case ".yaml", ".yml", ".json":
		default:
			return fmt.Errorf("unsupported configuration format: %s", ext)
		}
		// JSON is a subset of YAML
		if err := k.Load(file.Provider(source), yaml.Parser()); err != nil {
			return fmt.Errorf("failed to read configuration file: %w", err)
		}
	}

	if err := k.Load(env.Provider(".", env.Opt{
		Prefix:        EnvPrefix,
		TransformFunc: envKey,
	}), nil); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}

	if err := k.UnmarshalWithConf("", c, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return fmt.Errorf("failed to parse configuration: %w", err)
	}

	return c.Validate()
}

// envKey maps MQ_SERVER__LOG_LEVEL to server.log_level. List values are comma
// separated.
func envKey(key, value string) (string, any) {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	key = strings.ReplaceAll(key, "__", ".")
	if key == "server.vhosts" {
		parts := strings.Split(value, ",")
		vhosts := make([]string, 0, len(parts))
		for _, part := range parts {
			if part = strings.TrimSpace(part); part != "" {
				vhosts = append(vhosts, part)
			}
		}
		return key, vhosts
	}
	return key, value
}

// LoadConfig returns the defaults overlaid with source and the environment
func LoadConfig(source string) (*AMQPConfig, error) {
	cfg := DefaultConfig()
	if err := cfg.Load(source); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as JSON for a .json destination and YAML otherwise
func (c *AMQPConfig) Save(destination string) error {
	dir := filepath.Dir(destination)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create configuration directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if strings.ToLower(filepath.Ext(destination)) == ".json" {
		data, err = json.MarshalIndent(c, "", "  ")
	} else {
		data, err = yamlv3.Marshal(c)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}

	if err := os.WriteFile(destination, data, 0644); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}

	return nil
}
