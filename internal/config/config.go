package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	"periph.io/x/conn/v3/physic"

	"photoframe/internal/epd"
	"photoframe/internal/render"
)

// Image sources.
const (
	SourceImage = "image"
	SourcePage  = "page"
)

const (
	defaultListen      = "127.0.0.1:8080"
	defaultLogLevel    = "info"
	defaultRefreshCron = "0 * * * *"
	defaultTimezone    = "UTC"
	defaultStateDir    = "/var/lib/photoframe"

	defaultRetryAttempts = 3
	maxRetryAttempts     = 10
	defaultRetryDelay    = 500 * time.Millisecond

	defaultBatteryBus  = "1"
	defaultBatteryAddr = 0x57
)

// BasicAuthConfig holds HTTP Basic Auth credentials for the local API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// HardwareConfig is the panel and battery wiring.
type HardwareConfig struct {
	// SPIPort is a periph spireg name; empty picks the first port.
	SPIPort string `yaml:"spi_port" json:"spi_port"`
	SPIHz   int64  `yaml:"spi_hz" json:"spi_hz"`

	PinReset string `yaml:"pin_reset" json:"pin_reset"`
	PinDC    string `yaml:"pin_dc" json:"pin_dc"`
	PinCS    string `yaml:"pin_cs" json:"pin_cs"`
	PinBusy  string `yaml:"pin_busy" json:"pin_busy"`

	// BusyTimeout bounds each wait on the panel busy line.
	BusyTimeout time.Duration `yaml:"busy_timeout" json:"busy_timeout"`

	// BatteryI2CBus is a periph i2creg name. Empty disables battery reads.
	BatteryI2CBus  string `yaml:"battery_i2c_bus" json:"battery_i2c_bus"`
	BatteryI2CAddr uint16 `yaml:"battery_i2c_addr" json:"battery_i2c_addr"`
}

// EPD returns the panel bus settings.
func (h HardwareConfig) EPD() epd.HostConfig {
	return epd.HostConfig{
		SPIPort:   h.SPIPort,
		Frequency: physic.Frequency(h.SPIHz) * physic.Hertz,
		Reset:     h.PinReset,
		DC:        h.PinDC,
		CS:        h.PinCS,
		Busy:      h.PinBusy,
	}
}

// RetryConfig bounds panel retries within one wake cycle.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	Delay       time.Duration `yaml:"delay" json:"delay"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the local API.
	Listen   string `yaml:"listen" json:"listen"`
	LogLevel string `yaml:"log_level" json:"log_level"`

	// ImageURL is fetched every cycle. %DATE% expands to the local date
	// (YYYY-MM-DD) and %DEVICE_ID% to DeviceID. With Source "page" it is the
	// page to screenshot instead.
	ImageURL   string `yaml:"image_url" json:"image_url"`
	DeviceID   string `yaml:"device_id" json:"device_id"`
	PhotoToken string `yaml:"photo_token" json:"photo_token,omitempty"`
	Source     string `yaml:"source" json:"source"`

	// RefreshCron is a cron spec (e.g. "0 * * * *") for wake cycles.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// Timezone is the IANA zone used for %DATE% and the schedule.
	Timezone string `yaml:"timezone" json:"timezone"`

	// StateDir holds the image cache and the persisted cycle state.
	StateDir string `yaml:"state_dir" json:"state_dir"`

	Render   render.RawOptions `yaml:"render" json:"render"`
	Hardware HardwareConfig    `yaml:"hardware" json:"hardware"`
	Retry    RetryConfig       `yaml:"retry" json:"retry"`

	// BasicAuth, if non-nil, protects every endpoint except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	hc := epd.DefaultHostConfig()
	return &Config{
		Listen:      defaultListen,
		LogLevel:    defaultLogLevel,
		Source:      SourceImage,
		RefreshCron: defaultRefreshCron,
		Timezone:    defaultTimezone,
		StateDir:    defaultStateDir,
		Render:      render.DefaultRawOptions(),
		Hardware: HardwareConfig{
			SPIPort:        hc.SPIPort,
			SPIHz:          int64(hc.Frequency / physic.Hertz),
			PinReset:       hc.Reset,
			PinDC:          hc.DC,
			PinCS:          hc.CS,
			PinBusy:        hc.Busy,
			BusyTimeout:    epd.DefaultBusyTimeout,
			BatteryI2CBus:  defaultBatteryBus,
			BatteryI2CAddr: defaultBatteryAddr,
		},
		Retry: RetryConfig{
			MaxAttempts: defaultRetryAttempts,
			Delay:       defaultRetryDelay,
		},
	}
}

// Normalize fills in missing values and replaces invalid ones with
// defaults. It never rejects a config. Render options are left raw; they
// are clamped at render time.
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.Listen == "" {
		c.Listen = def.Listen
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
		c.LogLevel = strings.ToLower(c.LogLevel)
	default:
		c.LogLevel = def.LogLevel
	}
	switch c.Source {
	case SourceImage, SourcePage:
	default:
		c.Source = def.Source
	}
	if c.RefreshCron == "" {
		c.RefreshCron = def.RefreshCron
	}
	if _, err := time.LoadLocation(c.Timezone); c.Timezone == "" || err != nil {
		c.Timezone = def.Timezone
	}
	if c.StateDir == "" {
		c.StateDir = def.StateDir
	}

	h := &c.Hardware
	if h.SPIHz <= 0 {
		h.SPIHz = def.Hardware.SPIHz
	}
	if h.PinReset == "" {
		h.PinReset = def.Hardware.PinReset
	}
	if h.PinDC == "" {
		h.PinDC = def.Hardware.PinDC
	}
	if h.PinCS == "" {
		h.PinCS = def.Hardware.PinCS
	}
	if h.PinBusy == "" {
		h.PinBusy = def.Hardware.PinBusy
	}
	if h.BusyTimeout <= 0 {
		h.BusyTimeout = def.Hardware.BusyTimeout
	}
	if h.BatteryI2CBus != "" && h.BatteryI2CAddr == 0 {
		h.BatteryI2CAddr = def.Hardware.BatteryI2CAddr
	}

	switch {
	case c.Retry.MaxAttempts < 1:
		c.Retry.MaxAttempts = def.Retry.MaxAttempts
	case c.Retry.MaxAttempts > maxRetryAttempts:
		c.Retry.MaxAttempts = maxRetryAttempts
	}
	if c.Retry.Delay <= 0 {
		c.Retry.Delay = def.Retry.Delay
	}

	if c.BasicAuth != nil && c.BasicAuth.Username == "" {
		c.BasicAuth = nil
	}
}

// Location returns the configured time zone, UTC if it cannot be loaded.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     perms (parent directory created if needed) and returned.
//   - Otherwise the YAML is read over the defaults, so omitted keys keep
//     their default values, and the result is normalized.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Normalize()

	return cfg, nil
}

// Save normalizes cfg and writes it atomically (temp file + rename) with
// 0600 permissions, creating the parent directory (0700) if needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".photoframe-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save delegates to the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
