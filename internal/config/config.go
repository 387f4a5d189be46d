package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Workflow  WorkflowConfig  `mapstructure:"workflow"`
	Approvers ApproversConfig `mapstructure:"approvers"`
	Lark      LarkConfig      `mapstructure:"lark"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Logger    LoggerConfig    `mapstructure:"logger"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig selects and configures the approval store
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // memory, sqlite or postgres
	Path            string        `mapstructure:"path"`
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// Store drivers
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// WorkflowConfig holds escalation and dashboard settings
type WorkflowConfig struct {
	OverdueThresholdDays  int           `mapstructure:"overdue_threshold_days"`
	EscalationInterval    time.Duration `mapstructure:"escalation_interval"`
	DashboardPendingLimit int           `mapstructure:"dashboard_pending_limit"`
}

// ApproverConfig names the person notified for one level
type ApproverConfig struct {
	Name  string `mapstructure:"name"`
	Email string `mapstructure:"email"`
}

// ApproversConfig maps each approval level to its approver
type ApproversConfig struct {
	Manager    ApproverConfig `mapstructure:"manager"`
	Finance    ApproverConfig `mapstructure:"finance"`
	Compliance ApproverConfig `mapstructure:"compliance"`
}

// LarkConfig holds Lark API configuration
type LarkConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	AppID     string `mapstructure:"app_id"`
	AppSecret string `mapstructure:"app_secret"`
}

// TracingConfig holds OpenTelemetry settings. An empty endpoint disables export.
type TracingConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name"`
}

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	OutputPath string `mapstructure:"output_path"`
	Format     string `mapstructure:"format"`
}

// Load loads configuration from an optional .env file, the YAML file at
// configPath and environment variables, in increasing precedence. An empty
// configPath skips the file.
func Load(configPath string) (*Config, error) {
	if err := gotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("APPROVAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)

	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.path", "data/approvals.db")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("workflow.overdue_threshold_days", 3)
	v.SetDefault("workflow.escalation_interval", time.Hour)
	v.SetDefault("workflow.dashboard_pending_limit", 20)

	v.SetDefault("approvers.manager.name", "Manager")
	v.SetDefault("approvers.finance.name", "Finance Head")
	v.SetDefault("approvers.compliance.name", "Compliance Officer")

	v.SetDefault("lark.enabled", false)

	v.SetDefault("tracing.service_name", "invoice-approval")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.output_path", "stdout")
	v.SetDefault("logger.format", "json")
}

// bindEnvVars binds unprefixed environment variables used in deployments
func bindEnvVars(v *viper.Viper) {
	_ = v.BindEnv("database.url", "APPROVAL_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("lark.app_id", "APPROVAL_LARK_APP_ID", "LARK_APP_ID")
	_ = v.BindEnv("lark.app_secret", "APPROVAL_LARK_APP_SECRET", "LARK_APP_SECRET")
	_ = v.BindEnv("tracing.otlp_endpoint", "APPROVAL_TRACING_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	switch c.Database.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("database.url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}

	if c.Workflow.OverdueThresholdDays < 0 {
		return fmt.Errorf("workflow.overdue_threshold_days must not be negative")
	}
	if c.Workflow.EscalationInterval <= 0 {
		return fmt.Errorf("workflow.escalation_interval must be positive")
	}

	if c.Lark.Enabled {
		if c.Lark.AppID == "" {
			return fmt.Errorf("lark.app_id is required when lark is enabled")
		}
		if c.Lark.AppSecret == "" {
			return fmt.Errorf("lark.app_secret is required when lark is enabled")
		}
	}

	return nil
}

// Address returns the host:port the HTTP server listens on
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
