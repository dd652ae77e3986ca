// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"

	"github.com/elliotnunn/multiarc/internal/archive"
	"github.com/elliotnunn/multiarc/internal/binstruct"
	"github.com/elliotnunn/multiarc/internal/cpio"
	"github.com/elliotnunn/multiarc/internal/lha"
	"github.com/elliotnunn/multiarc/internal/logging"
	"github.com/elliotnunn/multiarc/internal/zip"
)

const EnvPrefix = "MULTIARC"

// Config holds app configuration
type Config struct {
	LogLevel string `mapstructure:"log_level"`
	LogDir   string `mapstructure:"log_dir"`

	// Password for encrypted ZIP entries, both reading and writing
	Password string `mapstructure:"password"`

	// CatalogDir holds the pebble store used by index and search
	CatalogDir string `mapstructure:"catalog_dir"`

	ZipMethod   string `mapstructure:"zip_method"`
	LHAMethod   string `mapstructure:"lha_method"`
	LHALevel    int    `mapstructure:"lha_level"`
	CpioVariant string `mapstructure:"cpio_variant"`

	ISOJoliet    bool `mapstructure:"iso_joliet"`
	ISORockRidge bool `mapstructure:"iso_rockridge"`

	// DualEndian is require_match, prefer_little or prefer_big
	DualEndian string `mapstructure:"dual_endian"`

	// Jobs bounds how many archives verify reads at once
	Jobs int `mapstructure:"jobs"`
}

// SetDefaults installs the default for every key, so that the
// environment can override keys that no flag or file mentions.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_dir", "")
	v.SetDefault("password", "")
	v.SetDefault("catalog_dir", defaultCatalogDir())
	v.SetDefault("zip_method", "deflate")
	v.SetDefault("lha_method", "lh5")
	v.SetDefault("lha_level", 2)
	v.SetDefault("cpio_variant", "newc")
	v.SetDefault("iso_joliet", true)
	v.SetDefault("iso_rockridge", true)
	v.SetDefault("dual_endian", "require_match")
	v.SetDefault("jobs", runtime.GOMAXPROCS(0))
}

func defaultCatalogDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "multiarc", "catalog")
	}
	return ".multiarc-catalog"
}

// Init prepares v to read MULTIARC_* variables and an optional config
// file. An empty file means multiarc.yaml in the working directory or
// the user config directory.
func Init(v *viper.Viper, file string) error {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("config file %s: %w", file, err)
		}
		return nil
	}

	v.SetConfigName("multiarc")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if dir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(dir, "multiarc"))
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	}
	return nil
}

// Load unmarshals and checks the configuration.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the archive engine would refuse later.
func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if _, err := zip.ParseMethod(c.ZipMethod); err != nil {
		return fmt.Errorf("zip_method: %w", err)
	}
	if _, err := lha.ParseMethod(c.LHAMethod); err != nil {
		return fmt.Errorf("lha_method: %w", err)
	}
	if c.LHALevel < 0 || c.LHALevel > 2 {
		return fmt.Errorf("lha_level: %w", lha.ErrLevel)
	}
	if _, err := cpio.ParseVariant(c.CpioVariant); err != nil {
		return fmt.Errorf("cpio_variant: %w", err)
	}
	if _, err := binstruct.ParsePolicy(c.DualEndian); err != nil {
		return fmt.Errorf("dual_endian: %w", err)
	}
	if c.Jobs < 1 {
		return fmt.Errorf("jobs: must be at least 1, got %d", c.Jobs)
	}
	return nil
}

// ArchiveOptions translates the configuration into engine options.
// It assumes the Config has been validated.
func (c *Config) ArchiveOptions() []archive.Option {
	zm, _ := zip.ParseMethod(c.ZipMethod)
	lm, _ := lha.ParseMethod(c.LHAMethod)
	cv, _ := cpio.ParseVariant(c.CpioVariant)
	pol, _ := binstruct.ParsePolicy(c.DualEndian)
	opts := []archive.Option{
		archive.WithZipMethod(zm),
		archive.WithLHAMethod(lm),
		archive.WithLHALevel(c.LHALevel),
		archive.WithCpioVariant(cv),
		archive.WithJoliet(c.ISOJoliet),
		archive.WithRockRidge(c.ISORockRidge),
		archive.WithPolicy(pol),
	}
	if c.Password != "" {
		opts = append(opts, archive.WithPassword([]byte(c.Password)))
	}
	return opts
}
