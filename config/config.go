package config

import (
	"fmt"
	"os"
	"time"

	"github.com/Clouded-Sabre/rdt/lib"
	"gopkg.in/yaml.v3"
)

const (
	ServerIP   = "127.0.0.1"
	ServerPort = 7080
)

// Config is the YAML configuration shared by the sample programs.
type Config struct {
	MaxSegmentSize int           `yaml:"max_segment_size"`
	MaxRetries     int           `yaml:"max_retries"`
	MaxErrors      int           `yaml:"max_errors"`
	HandshakeRTO   time.Duration `yaml:"handshake_rto"`
	MinRTO         time.Duration `yaml:"min_rto"`
	MaxRTO         time.Duration `yaml:"max_rto"`

	PayloadPoolSize int  `yaml:"payload_pool_size"`
	PoolDebug       bool `yaml:"pool_debug"`
	ClientPortLower int  `yaml:"client_port_lower"`
	ClientPortUpper int  `yaml:"client_port_upper"`
	TOS             int  `yaml:"tos"`
	TTL             int  `yaml:"ttl"`

	CaptureFile string `yaml:"capture_file"`
	LogLevel    string `yaml:"log_level"`
	Debug       bool   `yaml:"debug"`
}

func DefaultConfig() *Config {
	core := lib.DefaultRdtCoreConfig()
	conn := core.ConnConfig
	return &Config{
		MaxSegmentSize:  conn.MaxSegmentSize,
		MaxRetries:      conn.MaxRetries,
		MaxErrors:       conn.MaxErrors,
		HandshakeRTO:    conn.HandshakeRTO,
		MinRTO:          conn.MinRTO,
		MaxRTO:          conn.MaxRTO,
		PayloadPoolSize: core.PayloadPoolSize,
		ClientPortLower: core.ClientPortLower,
		ClientPortUpper: core.ClientPortUpper,
		LogLevel:        "info",
	}
}

// LoadConfig reads a YAML file on top of the defaults. Keys missing from the
// file keep their default value.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := c.ConnectionConfig().Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.ClientPortLower <= 0 || c.ClientPortUpper > 65535 || c.ClientPortLower > c.ClientPortUpper {
		return fmt.Errorf("invalid config: client port range %d-%d", c.ClientPortLower, c.ClientPortUpper)
	}
	if c.TOS < 0 || c.TOS > 255 || c.TTL < 0 || c.TTL > 255 {
		return fmt.Errorf("invalid config: tos and ttl must be within 0-255")
	}
	if c.PayloadPoolSize < 0 {
		return fmt.Errorf("invalid config: payload pool size must not be negative")
	}
	return nil
}

func (c *Config) ConnectionConfig() *lib.ConnectionConfig {
	return &lib.ConnectionConfig{
		MaxSegmentSize: c.MaxSegmentSize,
		MaxRetries:     c.MaxRetries,
		MaxErrors:      c.MaxErrors,
		HandshakeRTO:   c.HandshakeRTO,
		MinRTO:         c.MinRTO,
		MaxRTO:         c.MaxRTO,
	}
}

func (c *Config) RdtCoreConfig() *lib.RdtCoreConfig {
	core := lib.DefaultRdtCoreConfig()
	core.PayloadPoolSize = c.PayloadPoolSize
	core.PoolDebug = c.PoolDebug
	core.ClientPortLower = c.ClientPortLower
	core.ClientPortUpper = c.ClientPortUpper
	core.TOS = c.TOS
	core.TTL = c.TTL
	core.CaptureFile = c.CaptureFile
	core.Debug = c.Debug
	core.ConnConfig = c.ConnectionConfig()
	return core
}
