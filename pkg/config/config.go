package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/coyote/internal/lifecycle"
	"github.com/srg/coyote/pkg/coyote"
	"github.com/srg/coyote/pkg/protocol"
	"github.com/srg/coyote/pkg/pulse"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel  string `yaml:"log_level" default:"info"`
	LogFormat string `yaml:"log_format" default:"text"` // text, json

	Device     DeviceConfig     `yaml:"device"`
	Timings    TimingsConfig    `yaml:"timings"`
	Parameters ParametersConfig `yaml:"parameters"`
	Pulse      PulseConfig      `yaml:"pulse"`
}

// DeviceConfig selects the peripheral and the BLE stack behavior.
type DeviceConfig struct {
	// Name overrides the advertised name to match exactly.
	Name string `yaml:"name"`

	// Profile is auto, standard or stale-handle.
	Profile string `yaml:"profile" default:"auto"`

	// SettingsFile persists the last known address.
	SettingsFile string `yaml:"settings_file" default:"coyote-settings.yaml"`

	ScanStepTimeout    time.Duration `yaml:"scan_step_timeout" default:"5s"`
	ScanRefreshTimeout time.Duration `yaml:"scan_refresh_timeout" default:"4s"`
	SendTimeout        time.Duration `yaml:"send_timeout" default:"2s"`
	DisconnectTimeout  time.Duration `yaml:"disconnect_timeout" default:"2s"`
	BatteryPoll        time.Duration `yaml:"battery_poll" default:"5s"`
	UpdatePoll         time.Duration `yaml:"update_poll" default:"100ms"`
}

// TimingsConfig mirrors lifecycle.Timings.
type TimingsConfig struct {
	ScanRetryMin      time.Duration `yaml:"scan_retry_min" default:"2s"`
	ScanRetryMax      time.Duration `yaml:"scan_retry_max" default:"4s"`
	ScanRetryStep     time.Duration `yaml:"scan_retry_step" default:"1s"`
	Idle              time.Duration `yaml:"idle" default:"100ms"`
	ConnectedPoll     time.Duration `yaml:"connected_poll" default:"1s"`
	BatteryInterval   time.Duration `yaml:"battery_interval" default:"10s"`
	ParameterInterval time.Duration `yaml:"parameter_interval" default:"5s"`
	WriteAttempts     int           `yaml:"write_attempts" default:"3"`
	WriteRetryDelay   time.Duration `yaml:"write_retry_delay" default:"50ms"`
	OpTimeout         time.Duration `yaml:"op_timeout" default:"5s"`
	DisconnectTimeout time.Duration `yaml:"disconnect_timeout" default:"5s"`
}

// ParametersConfig are the per-channel limits and balances.
type ParametersConfig struct {
	ALimit            int `yaml:"a_limit" default:"200"`
	BLimit            int `yaml:"b_limit" default:"200"`
	AFrequencyBalance int `yaml:"a_frequency_balance" default:"160"`
	BFrequencyBalance int `yaml:"b_frequency_balance" default:"160"`
	AIntensityBalance int `yaml:"a_intensity_balance" default:"0"`
	BIntensityBalance int `yaml:"b_intensity_balance" default:"0"`
}

// PulseConfig drives the waveform generator.
type PulseConfig struct {
	Mode          string        `yaml:"mode" default:"normalized"` // normalized, direct
	MinHz         float64       `yaml:"min_hz" default:"10"`
	MaxHz         float64       `yaml:"max_hz" default:"100"`
	Intensity     float64       `yaml:"intensity" default:"50"`
	Period        time.Duration `yaml:"period" default:"10s"`
	Interval      time.Duration `yaml:"interval" default:"100ms"`
	ResidualBound float64       `yaml:"residual_bound" default:"0"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file on top of the defaults. An empty path yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values that cannot be fixed up silently.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format: unknown format %q (must be text or json)", c.LogFormat)
	}
	if _, err := lifecycle.ParseProfile(c.Device.Profile); err != nil {
		return fmt.Errorf("device.profile: %w", err)
	}

	for name, v := range map[string]int{
		"a_limit":             c.Parameters.ALimit,
		"b_limit":             c.Parameters.BLimit,
		"a_frequency_balance": c.Parameters.AFrequencyBalance,
		"b_frequency_balance": c.Parameters.BFrequencyBalance,
		"a_intensity_balance": c.Parameters.AIntensityBalance,
		"b_intensity_balance": c.Parameters.BIntensityBalance,
	} {
		if v < 0 || v > 255 {
			return fmt.Errorf("parameters.%s: %d out of range 0-255", name, v)
		}
	}

	if _, err := pulse.ParseMode(c.Pulse.Mode); err != nil {
		return fmt.Errorf("pulse.mode: %w", err)
	}
	if c.Pulse.MinHz <= 0 || c.Pulse.MaxHz < c.Pulse.MinHz {
		return fmt.Errorf("pulse: invalid frequency window [%g, %g]", c.Pulse.MinHz, c.Pulse.MaxHz)
	}
	if c.Pulse.Intensity < 0 || c.Pulse.Intensity > protocol.MaxIntensity {
		return fmt.Errorf("pulse.intensity: %g out of range 0-%d", c.Pulse.Intensity, protocol.MaxIntensity)
	}
	if c.Timings.ScanRetryMax < c.Timings.ScanRetryMin {
		return fmt.Errorf("timings: scan_retry_max %s below scan_retry_min %s", c.Timings.ScanRetryMax, c.Timings.ScanRetryMin)
	}
	return nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if c.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
		return logger
	}

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// LifecycleTimings converts the timings section.
func (c *Config) LifecycleTimings() lifecycle.Timings {
	t := c.Timings
	return lifecycle.Timings{
		ScanRetryMin:      t.ScanRetryMin,
		ScanRetryMax:      t.ScanRetryMax,
		ScanRetryStep:     t.ScanRetryStep,
		Idle:              t.Idle,
		ConnectedPoll:     t.ConnectedPoll,
		BatteryInterval:   t.BatteryInterval,
		ParameterInterval: t.ParameterInterval,
		WriteAttempts:     t.WriteAttempts,
		WriteRetryDelay:   t.WriteRetryDelay,
		OpTimeout:         t.OpTimeout,
		DisconnectTimeout: t.DisconnectTimeout,
	}
}

// DeviceParameters converts the parameters section. Call Validate first.
func (c *Config) DeviceParameters() protocol.Parameters {
	p := c.Parameters
	return protocol.Parameters{
		ALimit:            uint8(p.ALimit),
		BLimit:            uint8(p.BLimit),
		AFrequencyBalance: uint8(p.AFrequencyBalance),
		BFrequencyBalance: uint8(p.BFrequencyBalance),
		AIntensityBalance: uint8(p.AIntensityBalance),
		BIntensityBalance: uint8(p.BIntensityBalance),
	}
}

// PulseWindow returns the configured frequency window.
func (c *Config) PulseWindow() pulse.Window {
	return pulse.Window{MinHz: c.Pulse.MinHz, MaxHz: c.Pulse.MaxHz}
}

// Generator builds a channel generator from the pulse section.
func (c *Config) Generator() (*pulse.Generator, error) {
	mode, err := pulse.ParseMode(c.Pulse.Mode)
	if err != nil {
		return nil, err
	}
	g := pulse.NewGenerator(mode, c.PulseWindow())
	g.ResidualBound = c.Pulse.ResidualBound
	return g, nil
}

// DeviceOptions assembles coyote.Options. The address store is left for the
// caller to open.
func (c *Config) DeviceOptions() coyote.Options {
	return coyote.Options{
		Name:               c.Device.Name,
		Profile:            c.Device.Profile,
		Timings:            c.LifecycleTimings(),
		Parameters:         c.DeviceParameters(),
		ScanStepTimeout:    c.Device.ScanStepTimeout,
		ScanRefreshTimeout: c.Device.ScanRefreshTimeout,
		SendTimeout:        c.Device.SendTimeout,
		DisconnectTimeout:  c.Device.DisconnectTimeout,
		UpdatePoll:         c.Device.UpdatePoll,
		BatteryPoll:        c.Device.BatteryPoll,
	}
}
