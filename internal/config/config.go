package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration for the test orchestrator.
// It covers the HTTP server, Consul registration, the NATS plan source,
// the scheduler itself, and optional job-state persistence.
type Config struct {
	Port           string        `yaml:"port"`
	LogLevel       string        `yaml:"log_level"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// Consul Configuration
	ConsulAddress       string        `yaml:"consul_address"`
	ServiceName         string        `yaml:"service_name"`
	ServiceIDPrefix     string        `yaml:"service_id_prefix"`
	ServiceTags         []string      `yaml:"service_tags"`
	HealthCheckPath     string        `yaml:"health_check_path"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	HealthCheckTimeout  time.Duration `yaml:"health_check_timeout"`

	// NATS Configuration (execution-plan submission source)
	NatsAddress         string        `yaml:"nats_address"`
	NatsPlanSubject     string        `yaml:"nats_plan_subject"`
	NatsPlanQueueGroup  string        `yaml:"nats_plan_queue_group"`
	NatsPlanStream      string        `yaml:"nats_plan_stream"`
	MonitorPollInterval time.Duration `yaml:"monitor_poll_interval"`

	// Scheduler Configuration
	PollInterval       time.Duration `yaml:"poll_interval"`
	DefaultTimeout     time.Duration `yaml:"default_timeout"`
	TimeoutMargin      time.Duration `yaml:"timeout_margin"`
	MaxConcurrentTests int           `yaml:"max_concurrent_tests"`

	// Persistence Configuration. When PersistState is set, job records are
	// written to Postgres when a DSN is configured, otherwise to StateFile.
	PersistState bool   `yaml:"persist_state"`
	PostgresDSN  string `yaml:"postgres_dsn"`
	StateFile    string `yaml:"state_file"`

	// Runner Configuration
	WorkspaceDir    string `yaml:"workspace_dir"`
	DockerEnabled   bool   `yaml:"docker_enabled"`
	ComputeRateHour string `yaml:"compute_rate_hour"` // decimal string, per-hour usage rate
}

// LoadConfig reads configuration from the given YAML file path.
// It creates a default config file if it doesn't exist.
func LoadConfig(path string) (*Config, error) {
	defaultConfig := &Config{
		Port:                ":8010",
		LogLevel:            "info",
		RequestTimeout:      30 * time.Second,
		ConsulAddress:       "localhost:8500",
		ServiceName:         "test-orchestrator",
		ServiceIDPrefix:     "test-orchestrator-",
		ServiceTags:         []string{"kerntest", "orchestrator"},
		HealthCheckPath:     "/health",
		HealthCheckInterval: 10 * time.Second,
		HealthCheckTimeout:  2 * time.Second,

		NatsAddress:         "nats://localhost:4222",
		NatsPlanSubject:     "plans.created",
		NatsPlanQueueGroup:  "orchestrator-group",
		NatsPlanStream:      "KERNTEST_PLANS",
		MonitorPollInterval: 5 * time.Second,

		PollInterval:       1 * time.Second,
		DefaultTimeout:     30 * time.Minute,
		TimeoutMargin:      30 * time.Second,
		MaxConcurrentTests: 8,

		PersistState: false,
		StateFile:    "data/orchestrator-state.json",

		WorkspaceDir:    "workspaces",
		DockerEnabled:   false,
		ComputeRateHour: "0.25",
	}

	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		data, marshalErr := yaml.Marshal(defaultConfig)
		if marshalErr != nil {
			return nil, fmt.Errorf("failed to marshal default config: %w", marshalErr)
		}
		if mkdirErr := os.MkdirAll(filepath.Dir(path), 0755); mkdirErr != nil {
			return nil, fmt.Errorf("failed to create config directory: %w", mkdirErr)
		}
		if writeErr := os.WriteFile(path, data, 0644); writeErr != nil {
			return nil, fmt.Errorf("failed to write default config file: %w", writeErr)
		}
		return defaultConfig, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to check config file: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config data: %w", err)
	}

	applyDefaultsIfNotSet(&cfg, defaultConfig)

	return &cfg, nil
}

func applyDefaultsIfNotSet(cfg *Config, defaults *Config) {
	if cfg.Port == "" {
		cfg.Port = defaults.Port
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.ConsulAddress == "" {
		cfg.ConsulAddress = defaults.ConsulAddress
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = defaults.ServiceName
	}
	if cfg.ServiceIDPrefix == "" {
		cfg.ServiceIDPrefix = defaults.ServiceIDPrefix
	}
	if len(cfg.ServiceTags) == 0 {
		cfg.ServiceTags = defaults.ServiceTags
	}
	if cfg.HealthCheckPath == "" {
		cfg.HealthCheckPath = defaults.HealthCheckPath
	}
	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = defaults.HealthCheckInterval
	}
	if cfg.HealthCheckTimeout == 0 {
		cfg.HealthCheckTimeout = defaults.HealthCheckTimeout
	}
	if cfg.NatsAddress == "" {
		cfg.NatsAddress = defaults.NatsAddress
	}
	if cfg.NatsPlanSubject == "" {
		cfg.NatsPlanSubject = defaults.NatsPlanSubject
	}
	if cfg.NatsPlanQueueGroup == "" {
		cfg.NatsPlanQueueGroup = defaults.NatsPlanQueueGroup
	}
	if cfg.NatsPlanStream == "" {
		cfg.NatsPlanStream = defaults.NatsPlanStream
	}
	if cfg.MonitorPollInterval == 0 {
		cfg.MonitorPollInterval = defaults.MonitorPollInterval
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = defaults.DefaultTimeout
	}
	if cfg.TimeoutMargin == 0 {
		cfg.TimeoutMargin = defaults.TimeoutMargin
	}
	if cfg.MaxConcurrentTests == 0 {
		cfg.MaxConcurrentTests = defaults.MaxConcurrentTests
	}
	if cfg.StateFile == "" {
		cfg.StateFile = defaults.StateFile
	}
	if cfg.WorkspaceDir == "" {
		cfg.WorkspaceDir = defaults.WorkspaceDir
	}
	if cfg.ComputeRateHour == "" {
		cfg.ComputeRateHour = defaults.ComputeRateHour
	}
}

func GenerateServiceID(prefix string) string {
	return prefix + uuid.New().String()
}
