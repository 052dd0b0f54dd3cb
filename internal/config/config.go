// Package config is used to load the configuration file
package config

import (
	"fmt"
	"runtime"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Defaults.
const (
	DefaultTimeout   = 5 * time.Second
	DefaultMaxSteps  = 5_000_000
	DefaultCacheSize = 256
)

// Decrypt configures the decrypt run.
type Decrypt struct {
	Output      string        `mapstructure:"output" json:"output"`
	Timeout     time.Duration `mapstructure:"timeout" json:"timeout"`
	MaxSteps    int           `mapstructure:"max-steps" json:"max-steps"`
	CacheSize   int           `mapstructure:"cache-size" json:"cache-size"`
	Parallelism int           `mapstructure:"parallelism" json:"parallelism"`
	// Raw executes routines unmodified and relies on the forged identity.
	Raw      bool   `mapstructure:"raw" json:"raw"`
	DryRun   bool   `mapstructure:"dry-run" json:"dry-run"`
	JSON     string `mapstructure:"json" json:"json"`
	Progress bool   `mapstructure:"progress" json:"progress"`
	Trace    bool   `mapstructure:"trace" json:"trace"`
	// StateDir receives a replayable state file for every failed call site.
	StateDir string        `mapstructure:"state-dir" json:"state-dir"`
	Deadline time.Duration `mapstructure:"deadline" json:"deadline"`
}

// Config is the configuration struct
type Config struct {
	Verbose bool    `mapstructure:"verbose" json:"verbose"`
	Color   bool    `mapstructure:"color" json:"color"`
	NoColor bool    `mapstructure:"no-color" json:"no-color"`
	Decrypt Decrypt `mapstructure:"decrypt" json:"decrypt"`
}

func (c *Config) verify() error {
	if c.Decrypt.Timeout == 0 {
		c.Decrypt.Timeout = DefaultTimeout
	} else if c.Decrypt.Timeout < 0 {
		return fmt.Errorf("config: timeout must be positive")
	}
	if c.Decrypt.MaxSteps == 0 {
		c.Decrypt.MaxSteps = DefaultMaxSteps
	} else if c.Decrypt.MaxSteps < 0 {
		return fmt.Errorf("config: max-steps must be positive")
	}
	if c.Decrypt.Deadline < 0 {
		return fmt.Errorf("config: deadline must be positive")
	}
	if c.Decrypt.CacheSize <= 0 {
		c.Decrypt.CacheSize = DefaultCacheSize
	}
	if c.Decrypt.Parallelism <= 0 {
		c.Decrypt.Parallelism = runtime.GOMAXPROCS(0)
	}
	if c.Color && c.NoColor {
		return fmt.Errorf("config: color and no-color cannot be set at the same time")
	}
	return nil
}

// ForceColor returns the color override requested, or nil for auto-detection.
func (c *Config) ForceColor() *bool {
	switch {
	case c.Color:
		return &c.Color
	case c.NoColor:
		off := false
		return &off
	}
	return nil
}

// LoadConfig loads the configuration file
func LoadConfig() (*Config, error) {
	return Load(viper.GetViper())
}

// Load unmarshals the settings held by v.
func Load(v *viper.Viper) (*Config, error) {
	var c *Config

	if err := v.Unmarshal(&c, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %v", err)
	}
	if c == nil {
		c = &Config{}
	}

	if err := c.verify(); err != nil {
		return nil, fmt.Errorf("config: failed to verify: %v", err)
	}

	return c, nil
}
