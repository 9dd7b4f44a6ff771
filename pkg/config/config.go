package config

import (
	"fmt"
	"os"
	"time"

	"github.com/musterhq/muster/pkg/types"
	"gopkg.in/yaml.v3"
)

// Defaults applied when the config file leaves a value unset
const (
	DefaultSleepInterval  = 6  // seconds between scheduler ticks
	DefaultNIdlePasses    = 10 // idle ticks before a cloud node is reclaimed
	DefaultConnectTimeout = 5  // seconds for one-shot admission probes
	DefaultRemoteDataDir  = "/data"
	DefaultLocalDataDir   = "/var/lib/muster/data"
)

// Config is the daemon configuration, loaded from one YAML file
type Config struct {
	Database  Database                `yaml:"database"`
	Remote    Remote                  `yaml:"remote"`
	Local     Local                   `yaml:"local"`
	Scheduler Scheduler               `yaml:"scheduler"`
	Engines   map[string]EngineConfig `yaml:"engines"`
	Clouds    []CloudConfig           `yaml:"clouds"`
}

// Database holds the queue store connection settings
type Database struct {
	DSN string `yaml:"dsn"`
}

// Remote holds the worker-host connection settings
type Remote struct {
	User           string `yaml:"user"`
	KeyFile        string `yaml:"key_file"`
	DataDir        string `yaml:"data_dir"`
	ConnectTimeout int    `yaml:"connect_timeout"` // seconds
}

// Local holds directories on the scheduler host
type Local struct {
	DataDir string `yaml:"data_dir"`
}

// Scheduler holds the loop constants
type Scheduler struct {
	SleepInterval int    `yaml:"sleep_interval"` // seconds between ticks
	NIdlePasses   int    `yaml:"n_idle_passes"`
	MetricsAddr   string `yaml:"metrics_addr"`
}

// EngineConfig is the per-engine section of the config file
type EngineConfig struct {
	InputFiles  []string `yaml:"input_files"`
	OutputFiles []string `yaml:"output_files"`
	Spawn       string   `yaml:"spawn"`
	RunMarker   string   `yaml:"run_marker"`
	CheckCmd    string   `yaml:"check_cmd"`
}

// CloudConfig enables one cloud backend
type CloudConfig struct {
	Provider string `yaml:"provider"` // "ec2" or "openstack"
	MaxNodes int    `yaml:"max_nodes"`
	NCPUs    int    `yaml:"ncpus"` // cpu count of provisioned hosts, 0 if unknown

	// ec2
	Region       string `yaml:"region"`
	ImageID      string `yaml:"image_id"`
	InstanceType string `yaml:"instance_type"`
	SubnetID     string `yaml:"subnet_id"`
	KeyName      string `yaml:"key_name"`

	// openstack
	AuthURL    string `yaml:"auth_url"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	TenantName string `yaml:"tenant_name"`
	DomainName string `yaml:"domain_name"`
	OSRegion   string `yaml:"os_region"`
	FlavorRef  string `yaml:"flavor_ref"`
	ImageRef   string `yaml:"image_ref"`
	NetworkID  string `yaml:"network_id"`
}

// Load reads and validates the config file at path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Scheduler.SleepInterval <= 0 {
		c.Scheduler.SleepInterval = DefaultSleepInterval
	}
	if c.Scheduler.NIdlePasses <= 0 {
		c.Scheduler.NIdlePasses = DefaultNIdlePasses
	}
	if c.Scheduler.MetricsAddr == "" {
		c.Scheduler.MetricsAddr = "127.0.0.1:9090"
	}
	if c.Remote.ConnectTimeout <= 0 {
		c.Remote.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Remote.DataDir == "" {
		c.Remote.DataDir = DefaultRemoteDataDir
	}
	if c.Local.DataDir == "" {
		c.Local.DataDir = DefaultLocalDataDir
	}
}

func (c *Config) validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Remote.User == "" {
		return fmt.Errorf("remote.user is required")
	}
	if len(c.Engines) == 0 {
		return fmt.Errorf("at least one engine must be configured")
	}
	for i, cloud := range c.Clouds {
		switch cloud.Provider {
		case "ec2", "openstack":
		default:
			return fmt.Errorf("clouds[%d]: unsupported provider %q", i, cloud.Provider)
		}
		if cloud.MaxNodes <= 0 {
			return fmt.Errorf("clouds[%d]: max_nodes must be positive", i)
		}
	}
	return nil
}

// EngineList converts the engine sections into descriptors for the registry
func (c *Config) EngineList() []types.Engine {
	engines := make([]types.Engine, 0, len(c.Engines))
	for name, ec := range c.Engines {
		engines = append(engines, types.Engine{
			Name:        name,
			InputFiles:  ec.InputFiles,
			OutputFiles: ec.OutputFiles,
			Spawn:       ec.Spawn,
			RunMarker:   ec.RunMarker,
			CheckCmd:    ec.CheckCmd,
		})
	}
	return engines
}

// SleepInterval returns the tick period as a duration
func (c *Config) SleepInterval() time.Duration {
	return time.Duration(c.Scheduler.SleepInterval) * time.Second
}

// ConnectTimeout returns the admission probe timeout as a duration
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Remote.ConnectTimeout) * time.Second
}
