// Package config loads the YAML configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/hoppyshare/hoppyshare-ble/chunk"
	"github.com/hoppyshare/hoppyshare-ble/groupkey"
	"github.com/hoppyshare/hoppyshare-ble/transport"
)

type Config struct {
	GroupID        string        `yaml:"group_id"`
	DeviceID       string        `yaml:"device_id"`
	Address        string        `yaml:"address"`
	GroupKey       GroupKey      `yaml:"group_key"`
	PrivateKeyFile string        `yaml:"private_key_file"`
	SendToSelf     bool          `yaml:"send_to_self"`
	Enabled        *bool         `yaml:"enabled"`
	AutoBLE        bool          `yaml:"auto_ble"`
	CacheTime      time.Duration `yaml:"cache_time"`
	Transport      Transport     `yaml:"transport"`
	Connectivity   Connectivity  `yaml:"connectivity"`
	EventsAddr     string        `yaml:"events_addr"`
	DataDir        string        `yaml:"data_dir"`
	InboxStore     string        `yaml:"inbox_store"`
	LogLevel       string        `yaml:"log_level"`
}

type GroupKey struct {
	Format string `yaml:"format"`
	Value  string `yaml:"value"`
}

type Transport struct {
	ChunkMTU      int           `yaml:"chunk_mtu"`
	ChunkDelay    time.Duration `yaml:"chunk_delay"`
	ReassemblyTTL time.Duration `yaml:"reassembly_ttl"`
	MaxPending    int           `yaml:"max_pending"`
}

type Connectivity struct {
	ProbeHost     string        `yaml:"probe_host"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	FailThreshold int           `yaml:"fail_threshold"`
	Privileged    bool          `yaml:"privileged"`
}

const (
	DefaultProbeHost     = "1.1.1.1"
	DefaultProbeInterval = 5 * time.Second
	DefaultProbeTimeout  = time.Second
	DefaultFailThreshold = 3
)

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML strictly, fills defaults and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Address == "" {
		c.Address = c.DeviceID
	}
	if c.Enabled == nil {
		on := true
		c.Enabled = &on
	}
	if c.Connectivity.ProbeHost == "" {
		c.Connectivity.ProbeHost = DefaultProbeHost
	}
	if c.Connectivity.ProbeInterval == 0 {
		c.Connectivity.ProbeInterval = DefaultProbeInterval
	}
	if c.Connectivity.ProbeTimeout == 0 {
		c.Connectivity.ProbeTimeout = DefaultProbeTimeout
	}
	if c.Connectivity.FailThreshold == 0 {
		c.Connectivity.FailThreshold = DefaultFailThreshold
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.GroupID == "" {
		errs = append(errs, errors.New("group_id is required"))
	}
	if c.DeviceID == "" {
		errs = append(errs, errors.New("device_id is required"))
	}

	format, err := groupkey.ParseFormat(c.GroupKey.Format)
	if err != nil {
		errs = append(errs, fmt.Errorf("group_key.format: %w", err))
	}
	if c.GroupKey.Value == "" {
		errs = append(errs, errors.New("group_key.value is required"))
	}
	if format == groupkey.FormatWrapped && c.PrivateKeyFile == "" {
		errs = append(errs, errors.New("private_key_file is required for wrapped group keys"))
	}

	if c.CacheTime < 0 {
		errs = append(errs, errors.New("cache_time must not be negative"))
	}
	if c.Transport.ChunkDelay < 0 || c.Transport.ReassemblyTTL < 0 || c.Transport.MaxPending < 0 {
		errs = append(errs, errors.New("transport settings must not be negative"))
	}
	if c.Transport.ChunkMTU != 0 && c.Transport.ChunkMTU <= chunk.HeaderSize {
		errs = append(errs, fmt.Errorf("transport.chunk_mtu %d is too small", c.Transport.ChunkMTU))
	}
	if c.Transport.ChunkMTU > transport.MaxChunkMTU {
		errs = append(errs, fmt.Errorf("transport.chunk_mtu %d exceeds %d", c.Transport.ChunkMTU, transport.MaxChunkMTU))
	}
	if c.Connectivity.FailThreshold < 1 {
		errs = append(errs, errors.New("connectivity.fail_threshold must be at least 1"))
	}
	return errors.Join(errs...)
}

func (c *Config) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// KeyMaterial reads the private key file, if any, and returns the declared
// group key material.
func (c *Config) KeyMaterial() (groupkey.Material, error) {
	format, err := groupkey.ParseFormat(c.GroupKey.Format)
	if err != nil {
		return groupkey.Material{}, err
	}
	m := groupkey.Material{Format: format, Value: c.GroupKey.Value}
	if format == groupkey.FormatWrapped {
		pem, err := os.ReadFile(c.PrivateKeyFile)
		if err != nil {
			return groupkey.Material{}, fmt.Errorf("reading private key: %w", err)
		}
		m.PrivateKeyPEM = pem
	}
	return m, nil
}

func (c *Config) TransportConfig() transport.Config {
	tc := transport.DefaultConfig(c.GroupID, c.DeviceID)
	tc.SendToSelf = c.SendToSelf
	if c.Transport.ChunkMTU != 0 {
		tc.ChunkMTU = c.Transport.ChunkMTU
	}
	if c.Transport.ChunkDelay != 0 {
		tc.ChunkDelay = c.Transport.ChunkDelay
	}
	if c.Transport.ReassemblyTTL != 0 {
		tc.ReassemblyTTL = c.Transport.ReassemblyTTL
	}
	if c.Transport.MaxPending != 0 {
		tc.MaxPending = c.Transport.MaxPending
	}
	return tc
}
