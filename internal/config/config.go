package config

import (
	"strings"
	"time"
)

type Config struct {
	StateStorage StateStorage    `mapstructure:"state_storage"`
	Analytics    AnalyticsConfig `mapstructure:"analytics"`
	Sync         SyncConfig      `mapstructure:"sync"`
	Scheduler    SchedulerConfig `mapstructure:"scheduler"`
	Server       ServerConfig    `mapstructure:"server"`
	Logging      LoggingConfig   `mapstructure:"logging"`
}

// StateStorage holds the connection for the job store. The same database
// receives the synced records.
type StateStorage struct {
	Type     string `mapstructure:"type" validate:"oneof=mysql postgres sqlite"`
	Host     string `mapstructure:"host" validate:"required_unless=Type sqlite"`
	Port     int    `mapstructure:"port" validate:"required_unless=Type sqlite"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database" validate:"required_unless=Type sqlite"`
	SSLMode  string `mapstructure:"ssl_mode"`
	FilePath string `mapstructure:"file_path" validate:"required_if=Type sqlite"` // For SQLite
	MaxConns int    `mapstructure:"max_conns" validate:"gte=0"`
}

type AnalyticsConfig struct {
	// TokenURL may contain {tenant}, replaced with the connection's tenant id.
	TokenURL          string  `mapstructure:"token_url" validate:"required"`
	APIBaseURL        string  `mapstructure:"api_base_url" validate:"required,url"`
	Scope             string  `mapstructure:"scope"`
	RequestTimeout    string  `mapstructure:"request_timeout"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" validate:"gte=0"`
	Burst             int     `mapstructure:"burst" validate:"gte=0"`
}

func (a AnalyticsConfig) GetRequestTimeout() time.Duration {
	d, _ := time.ParseDuration(a.RequestTimeout)
	return d
}

// TokenURLFor expands the token endpoint for a tenant.
func (a AnalyticsConfig) TokenURLFor(tenantID string) string {
	return strings.ReplaceAll(a.TokenURL, "{tenant}", tenantID)
}

type SyncConfig struct {
	Timezone             string `mapstructure:"timezone" validate:"required"`
	DrainBudget          string `mapstructure:"drain_budget"`
	InterCallDelay       string `mapstructure:"inter_call_delay"`
	MaxJobsPerDrain      int    `mapstructure:"max_jobs_per_drain" validate:"gte=1"`
	BatchInsertSize      int    `mapstructure:"batch_insert_size" validate:"gte=1"`
	TokenSafetyMargin    string `mapstructure:"token_safety_margin"`
	DefaultTokenLifetime string `mapstructure:"default_token_lifetime"`
}

func (s SyncConfig) GetDrainBudget() time.Duration {
	d, _ := time.ParseDuration(s.DrainBudget)
	return d
}

func (s SyncConfig) GetInterCallDelay() time.Duration {
	d, _ := time.ParseDuration(s.InterCallDelay)
	return d
}

func (s SyncConfig) GetTokenSafetyMargin() time.Duration {
	d, _ := time.ParseDuration(s.TokenSafetyMargin)
	return d
}

func (s SyncConfig) GetDefaultTokenLifetime() time.Duration {
	d, _ := time.ParseDuration(s.DefaultTokenLifetime)
	return d
}

// Location resolves Timezone, falling back to UTC.
func (s SyncConfig) Location() *time.Location {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SchedulerConfig drives the optional in-process cron. When disabled the
// service expects an external trigger to call the cron endpoints.
type SchedulerConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	SchedulesSpec string `mapstructure:"schedules_spec" validate:"required_if=Enabled true"`
	DrainSpec     string `mapstructure:"drain_spec" validate:"required_if=Enabled true"`
}

type ServerConfig struct {
	Port         int      `mapstructure:"port" validate:"gte=1,lte=65535"`
	Host         string   `mapstructure:"host"`
	AuthToken    string   `mapstructure:"auth_token" validate:"required"`
	ReadTimeout  string   `mapstructure:"read_timeout"`
	WriteTimeout string   `mapstructure:"write_timeout"`
	CorsOrigins  []string `mapstructure:"cors_origins"`
}

func (s ServerConfig) GetReadTimeout() time.Duration {
	d, _ := time.ParseDuration(s.ReadTimeout)
	return d
}

func (s ServerConfig) GetWriteTimeout() time.Duration {
	d, _ := time.ParseDuration(s.WriteTimeout)
	return d
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}
