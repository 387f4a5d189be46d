package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, 3, cfg.Workflow.OverdueThresholdDays)
	assert.Equal(t, time.Hour, cfg.Workflow.EscalationInterval)
	assert.Equal(t, 20, cfg.Workflow.DashboardPendingLimit)
	assert.Equal(t, "Finance Head", cfg.Approvers.Finance.Name)
	assert.False(t, cfg.Lark.Enabled)
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
database:
  driver: memory
workflow:
  overdue_threshold_days: 5
  escalation_interval: 15m
approvers:
  compliance:
    name: Dana
    email: dana@example.com
`)
	t.Setenv("APPROVAL_WORKFLOW_DASHBOARD_PENDING_LIMIT", "7")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, DriverMemory, cfg.Database.Driver)
	assert.Equal(t, 5, cfg.Workflow.OverdueThresholdDays)
	assert.Equal(t, 15*time.Minute, cfg.Workflow.EscalationInterval)
	assert.Equal(t, 7, cfg.Workflow.DashboardPendingLimit)
	assert.Equal(t, "dana@example.com", cfg.Approvers.Compliance.Email)
	assert.Equal(t, "Manager", cfg.Approvers.Manager.Name)
}

func TestLoad_PostgresURLFromEnv(t *testing.T) {
	path := writeConfig(t, "database:\n  driver: postgres\n")
	t.Setenv("DATABASE_URL", "postgres://localhost/approvals?sslmode=disable")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/approvals?sslmode=disable", cfg.Database.URL)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server:   ServerConfig{Port: 8080},
			Database: DatabaseConfig{Driver: DriverMemory},
			Workflow: WorkflowConfig{OverdueThresholdDays: 3, EscalationInterval: time.Hour},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, true},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, true},
		{"sqlite without path", func(c *Config) { c.Database.Driver = DriverSQLite }, true},
		{"postgres without url", func(c *Config) { c.Database.Driver = DriverPostgres }, true},
		{"negative threshold", func(c *Config) { c.Workflow.OverdueThresholdDays = -1 }, true},
		{"zero interval", func(c *Config) { c.Workflow.EscalationInterval = 0 }, true},
		{"lark without credentials", func(c *Config) { c.Lark.Enabled = true }, true},
		{"lark with credentials", func(c *Config) {
			c.Lark = LarkConfig{Enabled: true, AppID: "cli_a", AppSecret: "secret"}
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestServerConfig_Address(t *testing.T) {
	assert.Equal(t, "127.0.0.1:8080", ServerConfig{Host: "127.0.0.1", Port: 8080}.Address())
}
