// Package config loads the daemon configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/prizelink/pool_layer/internal/random"
)

// DefaultPath is where Load looks when no path is given.
var DefaultPath = filepath.Join("config", "pool.yaml")

// Duration wraps time.Duration so yaml values like "24h" parse.
type Duration time.Duration

// UnmarshalYAML accepts either a duration string or integer nanoseconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var asInt int64
	if err := value.Decode(&asInt); err == nil {
		*d = Duration(asInt)
		return nil
	}
	var asString string
	if err := value.Decode(&asString); err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	parsed, err := time.ParseDuration(asString)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", asString, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration in time.Duration string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the daemon configuration.
type Config struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string `yaml:"listen_addr"`
	// Account is the pool's custody account on the asset ledger.
	Account string `yaml:"account"`
	// MinDeposit is the smallest accepted deposit.
	MinDeposit int64 `yaml:"min_deposit"`
	// DrawingPeriod is the minimum epoch age before a draw may start.
	DrawingPeriod Duration `yaml:"drawing_period"`
	// RandomnessMode selects sync or async draw completion.
	RandomnessMode string `yaml:"randomness_mode"`
	// RandomnessTimeout is the stall deadline for async requests.
	RandomnessTimeout Duration `yaml:"randomness_timeout"`
	// UpkeepSchedule is the cron expression for the draw poller.
	UpkeepSchedule string `yaml:"upkeep_schedule"`
	// RandomnessToken is the shared secret the randomness source presents
	// when delivering fulfillments; empty leaves the endpoint open.
	RandomnessToken string `yaml:"randomness_token"`
	// AdminToken guards the administrative endpoints; empty leaves them
	// open.
	AdminToken string `yaml:"admin_token"`
	// PostgresDSN selects the durable epoch store; empty keeps epochs in
	// memory.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		ListenAddr:        ":8080",
		Account:           "prize-pool",
		MinDeposit:        1,
		DrawingPeriod:     Duration(7 * 24 * time.Hour),
		RandomnessMode:    string(random.ModeSync),
		RandomnessTimeout: Duration(15 * time.Minute),
		UpkeepSchedule:    "@every 1m",
	}
}

// Load reads the configuration from path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadOrDefault loads the configuration from path, falling back to defaults
// when the file does not exist.
func LoadOrDefault(path string) (Config, error) {
	if path == "" {
		path = DefaultPath
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}

// Validate checks the configuration for usable values.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.MinDeposit <= 0 {
		return fmt.Errorf("min_deposit must be positive: %d", c.MinDeposit)
	}
	if c.DrawingPeriod <= 0 {
		return fmt.Errorf("drawing_period must be positive: %s", c.DrawingPeriod.Std())
	}
	switch random.Mode(c.RandomnessMode) {
	case random.ModeSync, random.ModeAsync:
	default:
		return fmt.Errorf("randomness_mode must be %q or %q: %q", random.ModeSync, random.ModeAsync, c.RandomnessMode)
	}
	if c.RandomnessTimeout <= 0 {
		return fmt.Errorf("randomness_timeout must be positive: %s", c.RandomnessTimeout.Std())
	}
	if c.UpkeepSchedule == "" {
		return fmt.Errorf("upkeep_schedule is required")
	}
	return nil
}
