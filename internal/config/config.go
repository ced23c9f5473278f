// Package config loads the runner's TOML configuration file.
package config

import (
	"io/ioutil"
	"os"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
)

// Log levels, as in tcmu.conf.
const (
	LogCrit = iota
	LogErr
	LogWarn
	LogInfo
	LogDebug
	LogDebugSCSICmd
)

const DefaultPath = "/etc/tcmu/tcmu.toml"

type LogRotate struct {
	MaxSizeMB  int `toml:"max_size_mb"`
	MaxAgeDays int `toml:"max_age_days"`
	MaxBackups int `toml:"max_backups"`
}

type Config struct {
	LogLevel  int       `toml:"log_level"`
	LogDir    string    `toml:"log_dir"`
	LogRotate LogRotate `toml:"log_rotate"`
	// Listen is the address of the status API. Empty disables it.
	Listen  string `toml:"listen"`
	HBA     int    `toml:"hba"`
	DevPath string `toml:"dev_path"`
}

func Default() Config {
	return Config{
		LogLevel: LogInfo,
		LogRotate: LogRotate{
			MaxSizeMB:  100,
			MaxAgeDays: 180,
			MaxBackups: 5,
		},
		Listen:  "localhost:9501",
		HBA:     30,
		DevPath: "/dev/tcmufile",
	}
}

// Load returns the defaults overlaid with the settings in path. A missing
// file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := ioutil.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, errors.Wrapf(err, "read %s", path)
	}
	if err := cfg.Parse(data); err != nil {
		return cfg, errors.Wrapf(err, "parse %s", path)
	}
	return cfg, nil
}

// Parse overlays the TOML document data onto c.
func (c *Config) Parse(data []byte) error {
	if err := toml.Unmarshal(data, c); err != nil {
		return err
	}
	return c.Validate()
}

func (c *Config) Validate() error {
	if c.LogLevel < LogCrit || c.LogLevel > LogDebugSCSICmd {
		return errors.Errorf("log_level %d out of range [%d, %d]", c.LogLevel, LogCrit, LogDebugSCSICmd)
	}
	if c.HBA < 0 {
		return errors.Errorf("invalid hba %d", c.HBA)
	}
	if c.LogRotate.MaxSizeMB < 0 || c.LogRotate.MaxAgeDays < 0 || c.LogRotate.MaxBackups < 0 {
		return errors.New("log_rotate values must not be negative")
	}
	return nil
}
