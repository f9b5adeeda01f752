// Package config loads ThemisDB's server configuration, adapted from
// the teacher's config/config.go environment loader and cli/root.go's
// viper/cobra wiring: environment variables take precedence, backed by
// an optional config file (YAML/JSON/TOML) for anything not set.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is ThemisDB's full server configuration.
type Config struct {
	DataDir            string        `mapstructure:"data_dir"`
	Isolation          string        `mapstructure:"isolation"` // "READ_COMMITTED" | "SNAPSHOT"
	TxTimeout          time.Duration `mapstructure:"tx_timeout"`
	TTLSweepInterval   time.Duration `mapstructure:"ttl_sweep_interval"`
	ChangefeedWatermarkAge time.Duration `mapstructure:"changefeed_watermark_age"`
	CTECacheMaxBytes   int64         `mapstructure:"cte_cache_max_bytes"`
	CTESpillDir        string        `mapstructure:"cte_spill_dir"`
	VectorOverfetch    float64       `mapstructure:"vector_overfetch"`
	SemanticCacheRedis string        `mapstructure:"semantic_cache_redis"` // empty = in-process cache
	SAGALogPath        string        `mapstructure:"saga_log_path"`
	SAGASigningKey     string        `mapstructure:"saga_signing_key"`
	LogLevel           string        `mapstructure:"log_level"`
	LogFormat          string        `mapstructure:"log_format"`
	HealthAddr         string        `mapstructure:"health_addr"`
	TelemetryEnabled   bool          `mapstructure:"telemetry_enabled"`
}

// Default returns sensible single-node defaults.
func Default() Config {
	return Config{
		DataDir:                "./data",
		Isolation:              "SNAPSHOT",
		TxTimeout:              30 * time.Second,
		TTLSweepInterval:       5 * time.Second,
		ChangefeedWatermarkAge: 24 * time.Hour,
		CTECacheMaxBytes:       100 << 20,
		CTESpillDir:            "./data/cte-spill",
		VectorOverfetch:        2.0,
		SAGALogPath:            "./data/saga.log",
		SAGASigningKey:         "",
		LogLevel:               "info",
		LogFormat:              "text",
		HealthAddr:             ":8529",
		TelemetryEnabled:       false,
	}
}

// Load reads configuration from an optional file plus THEMISDB_-prefixed
// environment variables, the same file+env layering the teacher's CLI
// root command applies via viper, falling back to Default() for
// anything unset.
func Load(cfgFile string) (Config, error) {
	v := viper.New()
	cfg := Default()

	v.SetEnvPrefix("THEMISDB")
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", cfgFile, err)
		}
	}

	bindDefaults(v, cfg)

	var out Config
	if err := v.Unmarshal(&out); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return out, nil
}

func bindDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("isolation", cfg.Isolation)
	v.SetDefault("tx_timeout", cfg.TxTimeout)
	v.SetDefault("ttl_sweep_interval", cfg.TTLSweepInterval)
	v.SetDefault("changefeed_watermark_age", cfg.ChangefeedWatermarkAge)
	v.SetDefault("cte_cache_max_bytes", cfg.CTECacheMaxBytes)
	v.SetDefault("cte_spill_dir", cfg.CTESpillDir)
	v.SetDefault("vector_overfetch", cfg.VectorOverfetch)
	v.SetDefault("semantic_cache_redis", cfg.SemanticCacheRedis)
	v.SetDefault("saga_log_path", cfg.SAGALogPath)
	v.SetDefault("saga_signing_key", cfg.SAGASigningKey)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_format", cfg.LogFormat)
	v.SetDefault("health_addr", cfg.HealthAddr)
	v.SetDefault("telemetry_enabled", cfg.TelemetryEnabled)
}

// Validator mirrors the teacher's config.Validator: accumulate field
// errors instead of failing on the first one.
type Validator struct {
	errors []string
}

func NewValidator() *Validator { return &Validator{} }

func (v *Validator) RequireString(field, value string) {
	if value == "" {
		v.errors = append(v.errors, fmt.Sprintf("%s is required", field))
	}
}

func (v *Validator) RequirePositive(field string, value time.Duration) {
	if value <= 0 {
		v.errors = append(v.errors, fmt.Sprintf("%s must be positive", field))
	}
}

func (v *Validator) Err() error {
	if len(v.errors) == 0 {
		return nil
	}
	return fmt.Errorf("config: %v", v.errors)
}

// Validate checks the invariants the rest of ThemisDB assumes hold.
func (c Config) Validate() error {
	v := NewValidator()
	v.RequireString("data_dir", c.DataDir)
	v.RequirePositive("tx_timeout", c.TxTimeout)
	v.RequirePositive("ttl_sweep_interval", c.TTLSweepInterval)
	if c.Isolation != "READ_COMMITTED" && c.Isolation != "SNAPSHOT" {
		return fmt.Errorf("config: isolation must be READ_COMMITTED or SNAPSHOT, got %q", c.Isolation)
	}
	return v.Err()
}
