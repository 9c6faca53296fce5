// Package config holds the run configuration, loaded from flags, environment
// and defaults via viper.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"arcfilter/archive"
)

// Config holds all application configuration.
type Config struct {
	// Filters
	RemoveSmall        bool    `mapstructure:"remove-small"`
	MinSize            int     `mapstructure:"min-size"`
	RemoveGrayscale    bool    `mapstructure:"remove-grayscale"`
	GrayscaleThreshold float64 `mapstructure:"grayscale-threshold"`
	WhiteThreshold     float64 `mapstructure:"white-threshold"`
	RemoveDuplicates   bool    `mapstructure:"remove-duplicates"`
	SelfHamming        int     `mapstructure:"self-hamming"`
	CrossHamming       int     `mapstructure:"cross-hamming"`

	// Storage
	HashIndexPath string `mapstructure:"hash-index-path"`
	JournalPath   string `mapstructure:"journal-path"`
	HashBits      int    `mapstructure:"hash-bits"`

	// Archive handling
	BakMode      string `mapstructure:"bak-mode"`
	ArchiverPath string `mapstructure:"archiver-path"`

	// Concurrency
	MaxWorkers     int `mapstructure:"max-workers"`
	MemoryBudgetMB int `mapstructure:"memory-budget-mb"`

	// Selection
	ExcludePaths []string `mapstructure:"exclude-paths"`

	// Run behavior
	Force  bool `mapstructure:"force"`
	DryRun bool `mapstructure:"dry-run"`

	// Logging
	LogFile string `mapstructure:"logfile"`
}

// Load reads configuration from environment, flags (already bound into viper
// by the command layer), and defaults.
func Load() (*Config, error) {
	viper.SetDefault("remove-small", true)
	viper.SetDefault("min-size", 631)
	viper.SetDefault("remove-grayscale", true)
	viper.SetDefault("grayscale-threshold", 0.90)
	viper.SetDefault("white-threshold", 0.99)
	viper.SetDefault("remove-duplicates", true)
	viper.SetDefault("self-hamming", 2)
	viper.SetDefault("cross-hamming", 12)
	viper.SetDefault("hash-bits", 64)
	viper.SetDefault("bak-mode", "keep")
	viper.SetDefault("max-workers", 0)
	viper.SetDefault("memory-budget-mb", 0)
	viper.SetDefault("logfile", "arcfilter.log")

	// Environment variables (ARCFILTER_MIN_SIZE, etc.)
	viper.SetEnvPrefix("ARCFILTER")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.MinSize < 0 {
		return fmt.Errorf("min-size must be non-negative")
	}
	if c.GrayscaleThreshold < 0 || c.GrayscaleThreshold > 1 {
		return fmt.Errorf("grayscale-threshold must be within [0, 1]")
	}
	if c.WhiteThreshold < 0 || c.WhiteThreshold > 1 {
		return fmt.Errorf("white-threshold must be within [0, 1]")
	}
	if c.SelfHamming < 0 {
		return fmt.Errorf("self-hamming must be non-negative")
	}
	if c.CrossHamming < 0 {
		return fmt.Errorf("cross-hamming must be non-negative")
	}
	if c.HashBits != 64 && c.HashBits != 256 {
		return fmt.Errorf("hash-bits must be 64 or 256")
	}
	if !archive.ValidBakMode(c.BakMode) {
		return fmt.Errorf("bak-mode must be keep, recycle or delete")
	}
	if c.MaxWorkers < 0 {
		return fmt.Errorf("max-workers must be non-negative")
	}
	if c.MemoryBudgetMB < 0 {
		return fmt.Errorf("memory-budget-mb must be non-negative")
	}
	return nil
}

// ParamsDigest fingerprints the filter-relevant parameters so the
// processed.log records which settings produced each plan.
func (c *Config) ParamsDigest() string {
	s := fmt.Sprintf("small=%v:%d|gray=%v:%.4f:%.4f|dups=%v:%d:%d|bits=%d",
		c.RemoveSmall, c.MinSize,
		c.RemoveGrayscale, c.GrayscaleThreshold, c.WhiteThreshold,
		c.RemoveDuplicates, c.SelfHamming, c.CrossHamming,
		c.HashBits)
	sum := sha256.Sum256([]byte(s))
	return "sha256:" + hex.EncodeToString(sum[:8])
}
