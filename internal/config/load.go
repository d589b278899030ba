package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// LoadConfig reads the YAML file at path, overlays SYNC_* environment
// variables and validates the result. A missing file is not an error when
// the environment supplies everything required.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("SYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !isNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	// AutomaticEnv only applies to keys viper already knows about.
	for _, key := range envOnlyKeys {
		_ = v.BindEnv(key)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var envOnlyKeys = []string{
	"server.auth_token",
	"state_storage.host",
	"state_storage.port",
	"state_storage.user",
	"state_storage.password",
	"state_storage.database",
	"state_storage.file_path",
	"analytics.token_url",
	"analytics.api_base_url",
	"analytics.scope",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	// Drain requests hold the connection for the whole budget.
	v.SetDefault("server.write_timeout", "5m")

	v.SetDefault("state_storage.type", "mysql")

	v.SetDefault("analytics.request_timeout", "60s")
	v.SetDefault("analytics.requests_per_second", 2.0)
	v.SetDefault("analytics.burst", 1)

	v.SetDefault("sync.timezone", "UTC")
	v.SetDefault("sync.drain_budget", "4m30s")
	v.SetDefault("sync.inter_call_delay", "500ms")
	v.SetDefault("sync.max_jobs_per_drain", 5)
	v.SetDefault("sync.batch_insert_size", 500)
	v.SetDefault("sync.token_safety_margin", "10m")
	v.SetDefault("sync.default_token_lifetime", "60m")

	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.schedules_spec", "*/5 * * * *")
	v.SetDefault("scheduler.drain_spec", "* * * * *")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks struct constraints and that every duration parses.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	durations := map[string]string{
		"server.read_timeout":         c.Server.ReadTimeout,
		"server.write_timeout":        c.Server.WriteTimeout,
		"analytics.request_timeout":   c.Analytics.RequestTimeout,
		"sync.drain_budget":           c.Sync.DrainBudget,
		"sync.inter_call_delay":       c.Sync.InterCallDelay,
		"sync.token_safety_margin":    c.Sync.TokenSafetyMargin,
		"sync.default_token_lifetime": c.Sync.DefaultTokenLifetime,
	}
	for key, raw := range durations {
		if raw == "" {
			continue
		}
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("invalid config: %s: %w", key, err)
		}
	}

	if _, err := time.LoadLocation(c.Sync.Timezone); err != nil {
		return fmt.Errorf("invalid config: sync.timezone: %w", err)
	}
	if c.Sync.GetTokenSafetyMargin() >= c.Sync.GetDefaultTokenLifetime() && c.Sync.DefaultTokenLifetime != "" {
		return fmt.Errorf("invalid config: sync.token_safety_margin must be shorter than sync.default_token_lifetime")
	}
	if wt := c.Server.GetWriteTimeout(); wt > 0 && c.Sync.GetDrainBudget() >= wt {
		return fmt.Errorf("invalid config: sync.drain_budget must be shorter than server.write_timeout")
	}
	return nil
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
