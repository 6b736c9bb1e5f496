package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App         AppConfig        `yaml:"app"`
	CRM         CRMConfig        `yaml:"crm"`
	Database    DatabaseConfig   `yaml:"database"`
	Redis       RedisConfig      `yaml:"redis"`
	Sync        SyncConfig       `yaml:"sync"`
	Automations AutomationsRef   `yaml:"automations"`
	API         APIConfig        `yaml:"api"`
	Logging     LoggingConfig    `yaml:"logging"`
	Monitoring  MonitoringConfig `yaml:"monitoring"`
	Backup      BackupConfig     `yaml:"backup"`
	Exports     ExportConfig     `yaml:"exports"`
	Google      GoogleConfig     `yaml:"google"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type CRMConfig struct {
	BaseURL        string        `yaml:"base_url"`
	Token          string        `yaml:"token"`
	TaskObjectType string        `yaml:"task_object_type"` // objectTypeId on webhook events
	RequestTimeout Duration      `yaml:"request_timeout"`
	RPS            float64       `yaml:"rps"`
	Burst          int           `yaml:"burst"`
	BatchDelay     Duration      `yaml:"batch_delay"`
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff Duration      `yaml:"initial_backoff"`
	MaxBackoff     Duration      `yaml:"max_backoff"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type SyncConfig struct {
	IncrementalInterval Duration `yaml:"incremental_interval"`
	MembershipInterval  Duration `yaml:"membership_interval"`
	TickInterval        Duration `yaml:"tick_interval"`
	OrphanSweepInterval Duration `yaml:"orphan_sweep_interval"`
	CleanupInterval     Duration `yaml:"cleanup_interval"`
	ConflictInterval    Duration `yaml:"conflict_interval"`
	RetentionDays       int      `yaml:"retention_days"`
	PageCap             int      `yaml:"page_cap"`
	ConflictStrategy    string   `yaml:"conflict_strategy"`
}

type AutomationsRef struct {
	Path string `yaml:"path"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	Port      int                `yaml:"port"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	RetentionDays int    `yaml:"retention_days"`
	StoragePath   string `yaml:"storage_path"`
}

type ExportConfig struct {
	Path string `yaml:"path"`
}

type GoogleConfig struct {
	Enabled          bool     `yaml:"enabled"`
	CredentialsFile  string   `yaml:"credentials_file"`
	ReportSheetID    string   `yaml:"report_spreadsheet_id"`
	ReportInterval   Duration `yaml:"report_interval"`
	ReportSheetTitle string   `yaml:"report_sheet_title"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional; missing file is not an error.
	_ = godotenv.Load(".env")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	// Environment variables are expanded before parsing so secrets can stay
	// out of the YAML file.
	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.CRM.Token == "" || c.CRM.Token == "YOUR_TOKEN_HERE" {
		return errors.New("crm token is required")
	}
	if c.CRM.BaseURL == "" {
		return errors.New("crm base_url is required")
	}
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if c.Sync.TickInterval.Std() > time.Minute {
		return fmt.Errorf("sync.tick_interval must be <= 1m, got %s", c.Sync.TickInterval)
	}
	if c.Google.Enabled && (c.Google.CredentialsFile == "" || c.Google.ReportSheetID == "") {
		return errors.New("google reporting requires credentials_file and report_spreadsheet_id")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.CRM.TaskObjectType == "" {
		c.CRM.TaskObjectType = "0-27"
	}
	if c.CRM.RequestTimeout == 0 {
		c.CRM.RequestTimeout = Duration(30 * time.Second)
	}
	if c.CRM.RPS == 0 {
		c.CRM.RPS = 8
	}
	if c.CRM.Burst == 0 {
		c.CRM.Burst = 4
	}
	if c.CRM.BatchDelay == 0 {
		c.CRM.BatchDelay = Duration(250 * time.Millisecond)
	}
	if c.CRM.MaxRetries == 0 {
		c.CRM.MaxRetries = 5
	}
	if c.CRM.InitialBackoff == 0 {
		c.CRM.InitialBackoff = Duration(2 * time.Second)
	}
	if c.CRM.MaxBackoff == 0 {
		c.CRM.MaxBackoff = Duration(time.Minute)
	}

	if c.Sync.IncrementalInterval == 0 {
		c.Sync.IncrementalInterval = Duration(2 * time.Minute)
	}
	if c.Sync.MembershipInterval == 0 {
		c.Sync.MembershipInterval = Duration(time.Hour)
	}
	if c.Sync.TickInterval == 0 {
		c.Sync.TickInterval = Duration(time.Minute)
	}
	if c.Sync.OrphanSweepInterval == 0 {
		c.Sync.OrphanSweepInterval = Duration(24 * time.Hour)
	}
	if c.Sync.CleanupInterval == 0 {
		c.Sync.CleanupInterval = Duration(24 * time.Hour)
	}
	if c.Sync.ConflictInterval == 0 {
		c.Sync.ConflictInterval = Duration(10 * time.Minute)
	}
	if c.Sync.RetentionDays == 0 {
		c.Sync.RetentionDays = 5
	}
	if c.Sync.PageCap == 0 {
		c.Sync.PageCap = 200
	}
	if c.Sync.ConflictStrategy == "" {
		c.Sync.ConflictStrategy = "crm-wins"
	}

	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	// auth enabled by default when the API is enabled
	if c.API.Enabled && !c.API.Auth.Enabled {
		c.API.Auth.Enabled = true
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.API.RateLimit.RPS == 0 {
		c.API.RateLimit.RPS = 10
	}
	if c.API.RateLimit.Burst == 0 {
		c.API.RateLimit.Burst = 5
	}

	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}

	if c.Google.ReportInterval == 0 {
		c.Google.ReportInterval = Duration(time.Hour)
	}
	if c.Google.ReportSheetTitle == "" {
		c.Google.ReportSheetTitle = "Sync Health"
	}
}
