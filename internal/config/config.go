// Package config provides configuration management for Shadowscan.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all Shadowscan configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Redis       RedisConfig       `yaml:"redis"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Quota       QuotaConfig       `yaml:"quota"`
	Detection   DetectionConfig   `yaml:"detection"`
	Correlation CorrelationConfig `yaml:"correlation"`
	Monitoring  MonitoringConfig  `yaml:"monitoring"`
	Ingest      IngestConfig      `yaml:"ingest"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	PasswordEnv string        `yaml:"password_env"`
	DB          int           `yaml:"db"`
	PoolSize    int           `yaml:"pool_size"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

// CredentialsConfig holds OAuth credential storage settings.
// The encryption key is referenced by env var name and never stored inline.
type CredentialsConfig struct {
	EncryptionKeyEnv string `yaml:"encryption_key_env"`
	KeyID            string `yaml:"key_id"`
}

// QuotaConfig holds API quota tracking settings.
type QuotaConfig struct {
	// DailyCeilings maps "platform:api_type" to the platform's daily call limit.
	DailyCeilings map[string]int64 `yaml:"daily_ceilings"`
	// TrendSamples is how many recent usage samples feed exhaustion prediction.
	TrendSamples int `yaml:"trend_samples"`
}

// DetectionConfig holds signal detector settings.
type DetectionConfig struct {
	Velocity   VelocityConfig   `yaml:"velocity"`
	Batch      BatchConfig      `yaml:"batch"`
	OffHours   OffHoursConfig   `yaml:"off_hours"`
	AIProvider AIProviderConfig `yaml:"ai_provider"`
}

// VelocityConfig holds velocity detector thresholds.
type VelocityConfig struct {
	// HumanCeilings maps action type to the max plausible human events/second.
	HumanCeilings map[string]float64 `yaml:"human_ceilings"`
	// DefaultCeiling applies to action types without an explicit ceiling.
	DefaultCeiling float64 `yaml:"default_ceiling"`
	// AutomationMultiplier over the ceiling flags a finding.
	AutomationMultiplier float64 `yaml:"automation_multiplier"`
	// CriticalMultiplier over the ceiling yields confidence 100.
	CriticalMultiplier float64       `yaml:"critical_multiplier"`
	Window             time.Duration `yaml:"window"`
}

// BatchConfig holds batch-operation detector settings.
type BatchConfig struct {
	Window              time.Duration `yaml:"window"`
	MinGroupSize        int           `yaml:"min_group_size"`
	SimilarityThreshold float64       `yaml:"similarity_threshold"`
}

// OffHoursConfig defines business hours for off-hours detection.
type OffHoursConfig struct {
	StartHour          int      `yaml:"start_hour"`
	EndHour            int      `yaml:"end_hour"`
	WorkingDays        []string `yaml:"working_days"`
	Timezone           string   `yaml:"timezone"`
	MinEvents          int      `yaml:"min_events"`
	SuspiciousFraction float64  `yaml:"suspicious_fraction"`
	CriticalFraction   float64  `yaml:"critical_fraction"`
}

// AIProviderConfig holds AI-vendor fingerprint detector settings.
type AIProviderConfig struct {
	// SignaturesPath optionally overrides the built-in signature table.
	SignaturesPath string `yaml:"signatures_path"`
	// SignaturesRepo optionally names a git remote holding signature
	// tables. When set the server syncs the repo at startup and loads
	// SignaturesFile from the checkout.
	SignaturesRepo   string `yaml:"signatures_repo"`
	SignaturesBranch string `yaml:"signatures_branch"`
	// SignaturesFile is the table path inside the repo checkout.
	SignaturesFile string `yaml:"signatures_file"`
	MinConfidence  int    `yaml:"min_confidence"`
}

// CorrelationConfig holds temporal correlator settings.
type CorrelationConfig struct {
	Window              time.Duration `yaml:"window"`
	ConfidenceThreshold int           `yaml:"confidence_threshold"`
	SimultaneousGap     time.Duration `yaml:"simultaneous_gap"`
	// AnalysisBudget bounds a single organization's analysis run.
	AnalysisBudget time.Duration `yaml:"analysis_budget"`
}

// MonitoringConfig holds real-time monitoring settings.
type MonitoringConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	Lookback     time.Duration `yaml:"lookback"`
}

// IngestConfig holds webhook receiver settings.
type IngestConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Port         int           `yaml:"port"`
	TokenEnv     string        `yaml:"token_env"`
	MaxBatchSize int           `yaml:"max_batch_size"`
	MaxEventSize int           `yaml:"max_event_size"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// TelemetryConfig holds logging, metrics, and tracing settings.
type TelemetryConfig struct {
	ServiceName    string  `yaml:"service_name"`
	ServiceVersion string  `yaml:"service_version"`
	Environment    string  `yaml:"environment"`
	LogLevel       string  `yaml:"log_level"`
	LogFormat      string  `yaml:"log_format"`
	TracingEnabled bool    `yaml:"tracing_enabled"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	SamplingRate   float64 `yaml:"sampling_rate"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
}

// yaml.v3 has no native time.Duration decoding, so every struct with
// duration fields unmarshals through a shadow struct holding strings like
// "30s". The shadow is seeded from the current values, so keys absent from
// the file keep their defaults.

func parseDur(s, field string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", field, s)
	}
	return d, nil
}

// UnmarshalYAML decodes duration fields from strings.
func (c *ServerConfig) UnmarshalYAML(node *yaml.Node) error {
	raw := struct {
		Port            int    `yaml:"port"`
		ReadTimeout     string `yaml:"read_timeout"`
		WriteTimeout    string `yaml:"write_timeout"`
		ShutdownTimeout string `yaml:"shutdown_timeout"`
	}{
		Port:            c.Port,
		ReadTimeout:     c.ReadTimeout.String(),
		WriteTimeout:    c.WriteTimeout.String(),
		ShutdownTimeout: c.ShutdownTimeout.String(),
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	var err error
	c.Port = raw.Port
	if c.ReadTimeout, err = parseDur(raw.ReadTimeout, "server.read_timeout"); err != nil {
		return err
	}
	if c.WriteTimeout, err = parseDur(raw.WriteTimeout, "server.write_timeout"); err != nil {
		return err
	}
	c.ShutdownTimeout, err = parseDur(raw.ShutdownTimeout, "server.shutdown_timeout")
	return err
}

// UnmarshalYAML decodes duration fields from strings.
func (c *RedisConfig) UnmarshalYAML(node *yaml.Node) error {
	raw := struct {
		Addr        string `yaml:"addr"`
		PasswordEnv string `yaml:"password_env"`
		DB          int    `yaml:"db"`
		PoolSize    int    `yaml:"pool_size"`
		CacheTTL    string `yaml:"cache_ttl"`
	}{
		Addr:        c.Addr,
		PasswordEnv: c.PasswordEnv,
		DB:          c.DB,
		PoolSize:    c.PoolSize,
		CacheTTL:    c.CacheTTL.String(),
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	c.Addr = raw.Addr
	c.PasswordEnv = raw.PasswordEnv
	c.DB = raw.DB
	c.PoolSize = raw.PoolSize
	var err error
	c.CacheTTL, err = parseDur(raw.CacheTTL, "redis.cache_ttl")
	return err
}

// UnmarshalYAML decodes duration fields from strings.
func (c *VelocityConfig) UnmarshalYAML(node *yaml.Node) error {
	raw := struct {
		HumanCeilings        map[string]float64 `yaml:"human_ceilings"`
		DefaultCeiling       float64            `yaml:"default_ceiling"`
		AutomationMultiplier float64            `yaml:"automation_multiplier"`
		CriticalMultiplier   float64            `yaml:"critical_multiplier"`
		Window               string             `yaml:"window"`
	}{
		HumanCeilings:        c.HumanCeilings,
		DefaultCeiling:       c.DefaultCeiling,
		AutomationMultiplier: c.AutomationMultiplier,
		CriticalMultiplier:   c.CriticalMultiplier,
		Window:               c.Window.String(),
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	c.HumanCeilings = raw.HumanCeilings
	c.DefaultCeiling = raw.DefaultCeiling
	c.AutomationMultiplier = raw.AutomationMultiplier
	c.CriticalMultiplier = raw.CriticalMultiplier
	var err error
	c.Window, err = parseDur(raw.Window, "detection.velocity.window")
	return err
}

// UnmarshalYAML decodes duration fields from strings.
func (c *BatchConfig) UnmarshalYAML(node *yaml.Node) error {
	raw := struct {
		Window              string  `yaml:"window"`
		MinGroupSize        int     `yaml:"min_group_size"`
		SimilarityThreshold float64 `yaml:"similarity_threshold"`
	}{
		Window:              c.Window.String(),
		MinGroupSize:        c.MinGroupSize,
		SimilarityThreshold: c.SimilarityThreshold,
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	c.MinGroupSize = raw.MinGroupSize
	c.SimilarityThreshold = raw.SimilarityThreshold
	var err error
	c.Window, err = parseDur(raw.Window, "detection.batch.window")
	return err
}

// UnmarshalYAML decodes duration fields from strings.
func (c *CorrelationConfig) UnmarshalYAML(node *yaml.Node) error {
	raw := struct {
		Window              string `yaml:"window"`
		ConfidenceThreshold int    `yaml:"confidence_threshold"`
		SimultaneousGap     string `yaml:"simultaneous_gap"`
		AnalysisBudget      string `yaml:"analysis_budget"`
	}{
		Window:              c.Window.String(),
		ConfidenceThreshold: c.ConfidenceThreshold,
		SimultaneousGap:     c.SimultaneousGap.String(),
		AnalysisBudget:      c.AnalysisBudget.String(),
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	c.ConfidenceThreshold = raw.ConfidenceThreshold
	var err error
	if c.Window, err = parseDur(raw.Window, "correlation.window"); err != nil {
		return err
	}
	if c.SimultaneousGap, err = parseDur(raw.SimultaneousGap, "correlation.simultaneous_gap"); err != nil {
		return err
	}
	c.AnalysisBudget, err = parseDur(raw.AnalysisBudget, "correlation.analysis_budget")
	return err
}

// UnmarshalYAML decodes duration fields from strings.
func (c *MonitoringConfig) UnmarshalYAML(node *yaml.Node) error {
	raw := struct {
		PollInterval string `yaml:"poll_interval"`
		Lookback     string `yaml:"lookback"`
	}{
		PollInterval: c.PollInterval.String(),
		Lookback:     c.Lookback.String(),
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	var err error
	if c.PollInterval, err = parseDur(raw.PollInterval, "monitoring.poll_interval"); err != nil {
		return err
	}
	c.Lookback, err = parseDur(raw.Lookback, "monitoring.lookback")
	return err
}

// UnmarshalYAML decodes duration fields from strings.
func (c *IngestConfig) UnmarshalYAML(node *yaml.Node) error {
	raw := struct {
		Enabled      bool   `yaml:"enabled"`
		Port         int    `yaml:"port"`
		TokenEnv     string `yaml:"token_env"`
		MaxBatchSize int    `yaml:"max_batch_size"`
		MaxEventSize int    `yaml:"max_event_size"`
		ReadTimeout  string `yaml:"read_timeout"`
		WriteTimeout string `yaml:"write_timeout"`
	}{
		Enabled:      c.Enabled,
		Port:         c.Port,
		TokenEnv:     c.TokenEnv,
		MaxBatchSize: c.MaxBatchSize,
		MaxEventSize: c.MaxEventSize,
		ReadTimeout:  c.ReadTimeout.String(),
		WriteTimeout: c.WriteTimeout.String(),
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	c.Enabled = raw.Enabled
	c.Port = raw.Port
	c.TokenEnv = raw.TokenEnv
	c.MaxBatchSize = raw.MaxBatchSize
	c.MaxEventSize = raw.MaxEventSize
	var err error
	if c.ReadTimeout, err = parseDur(raw.ReadTimeout, "ingest.read_timeout"); err != nil {
		return err
	}
	c.WriteTimeout, err = parseDur(raw.WriteTimeout, "ingest.write_timeout")
	return err
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks settings that cannot be defaulted. A missing encryption
// key env var name is fatal at startup; everything else has a default.
func (c *Config) Validate() error {
	if c.Credentials.EncryptionKeyEnv == "" {
		return fmt.Errorf("credentials.encryption_key_env must be set")
	}
	if c.Correlation.Window <= 0 {
		return fmt.Errorf("correlation.window must be positive")
	}
	if c.Correlation.ConfidenceThreshold < 0 || c.Correlation.ConfidenceThreshold > 100 {
		return fmt.Errorf("correlation.confidence_threshold must be in [0,100]")
	}
	return nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			DB:       0,
			PoolSize: 10,
			CacheTTL: 1 * time.Hour,
		},
		Credentials: CredentialsConfig{
			EncryptionKeyEnv: "SHADOWSCAN_ENCRYPTION_KEY",
			KeyID:            "primary",
		},
		Quota: QuotaConfig{
			DailyCeilings: map[string]int64{
				"slack:audit_logs":     50000,
				"google:admin_reports": 150000,
				"microsoft:graph":      130000,
				"jira:audit":           10000,
			},
			TrendSamples: 12,
		},
		Detection: DetectionConfig{
			Velocity: VelocityConfig{
				HumanCeilings: map[string]float64{
					"file_create":       0.5,
					"file_share":        0.3,
					"message_post":      1.0,
					"permission_change": 0.2,
					"folder_create":     0.5,
				},
				DefaultCeiling:       0.5,
				AutomationMultiplier: 2.0,
				CriticalMultiplier:   5.0,
				Window:               60 * time.Second,
			},
			Batch: BatchConfig{
				Window:              30 * time.Second,
				MinGroupSize:        5,
				SimilarityThreshold: 0.8,
			},
			OffHours: OffHoursConfig{
				StartHour:          8,
				EndHour:            18,
				WorkingDays:        []string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday"},
				Timezone:           "UTC",
				MinEvents:          10,
				SuspiciousFraction: 0.6,
				CriticalFraction:   0.85,
			},
			AIProvider: AIProviderConfig{
				MinConfidence: 30,
			},
		},
		Correlation: CorrelationConfig{
			Window:              5 * time.Minute,
			ConfidenceThreshold: 80,
			SimultaneousGap:     2 * time.Second,
			AnalysisBudget:      2 * time.Minute,
		},
		Monitoring: MonitoringConfig{
			PollInterval: 1 * time.Minute,
			Lookback:     10 * time.Minute,
		},
		Ingest: IngestConfig{
			Enabled:      false,
			Port:         8088,
			TokenEnv:     "SHADOWSCAN_INGEST_TOKEN",
			MaxBatchSize: 1000,
			MaxEventSize: 1024 * 1024,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "shadowscan",
			ServiceVersion: "dev",
			Environment:    "development",
			LogLevel:       "info",
			LogFormat:      "json",
			TracingEnabled: false,
			OTLPEndpoint:   "localhost:4317",
			SamplingRate:   0.1,
			MetricsEnabled: true,
		},
	}
}
