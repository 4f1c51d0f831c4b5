// Package config loads trainer-link settings from flags, TRAINERLINK_*
// environment variables and an optional config file, in that order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/lowaak/smart-trainer/trainer-link/internal/cadence"
	"github.com/lowaak/smart-trainer/trainer-link/internal/session"
)

const EnvPrefix = "TRAINERLINK"

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	// Device is the address connected to as soon as it is seen. Empty means
	// pick from the scan list.
	Device string

	RiderWeight        float64 // kg
	BikeWeight         float64 // kg
	WheelCircumference float64 // mm
	BootstrapDelay     time.Duration
	ResendInterval     time.Duration
	DebounceCutoff     int
	DebounceMaxStill   time.Duration
	ScanTimeout        time.Duration

	LogLevel      slog.Level
	LogFile       string
	LogMaxSize    int // megabytes
	LogMaxBackups int
	LogMaxAge     int // days

	MQTTBroker      string
	MQTTClientID    string
	MQTTTopicPrefix string
}

func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.String("config", "", "path to a config file (yaml, toml or json)")
	fs.String("device", "", "address of the trainer to connect to")
	fs.Float64("rider-weight", 75, "rider weight in kg")
	fs.Float64("bike-weight", 10, "bike weight in kg")
	fs.Float64("wheel-circumference", 2136, "wheel circumference in mm")
	fs.Duration("bootstrap-delay", time.Second, "delay between vendor bootstrap writes")
	fs.Duration("resend-interval", 3*time.Second, "repeat interval for power targets")
	fs.Int("debounce-cutoff", 20, "samples collected before the debounce window is learned")
	fs.Duration("debounce-max-still", 3*time.Second, "longest gap a sensor may repeat the same counter")
	fs.Duration("scan-timeout", 10*time.Second, "how long a scan runs")
	fs.String("log-level", "info", "debug, info, warn or error")
	fs.String("log-file", "", "log to this file with rotation instead of stderr")
	fs.Int("log-max-size", 10, "log file size in MB before rotation")
	fs.Int("log-max-backups", 3, "rotated log files to keep")
	fs.Int("log-max-age", 28, "days to keep rotated log files")
	fs.String("mqtt-broker", "", "MQTT broker URL, e.g. tcp://localhost:1883; empty disables publishing")
	fs.String("mqtt-client-id", "trainer-link", "MQTT client id")
	fs.String("mqtt-topic-prefix", "trainer-link", "MQTT topic prefix")
	return fs
}

// Load parses args (without the program name) and merges the environment
// and config file. pflag.ErrHelp is returned unwrapped when -h is given.
func Load(name string, args []string) (Config, error) {
	fs := newFlagSet(name)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return Config{}, err
		}
		return Config{}, fmt.Errorf("parse flags: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return Config{}, fmt.Errorf("bind flags: %w", err)
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	level, err := parseLogLevel(v.GetString("log-level"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Device:             strings.TrimSpace(v.GetString("device")),
		RiderWeight:        v.GetFloat64("rider-weight"),
		BikeWeight:         v.GetFloat64("bike-weight"),
		WheelCircumference: v.GetFloat64("wheel-circumference"),
		BootstrapDelay:     v.GetDuration("bootstrap-delay"),
		ResendInterval:     v.GetDuration("resend-interval"),
		DebounceCutoff:     v.GetInt("debounce-cutoff"),
		DebounceMaxStill:   v.GetDuration("debounce-max-still"),
		ScanTimeout:        v.GetDuration("scan-timeout"),
		LogLevel:           level,
		LogFile:            strings.TrimSpace(v.GetString("log-file")),
		LogMaxSize:         v.GetInt("log-max-size"),
		LogMaxBackups:      v.GetInt("log-max-backups"),
		LogMaxAge:          v.GetInt("log-max-age"),
		MQTTBroker:         strings.TrimSpace(v.GetString("mqtt-broker")),
		MQTTClientID:       strings.TrimSpace(v.GetString("mqtt-client-id")),
		MQTTTopicPrefix:    strings.Trim(strings.TrimSpace(v.GetString("mqtt-topic-prefix")), "/"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalid))
		}
	}

	check(c.RiderWeight > 0 && c.RiderWeight <= 300, "rider-weight %v (allowed: 0-300 kg)", c.RiderWeight)
	check(c.BikeWeight >= 0 && c.BikeWeight <= 100, "bike-weight %v (allowed: 0-100 kg)", c.BikeWeight)
	check(c.RiderWeight+c.BikeWeight <= 655.35, "total weight %v exceeds 655.35 kg", c.RiderWeight+c.BikeWeight)
	check(c.WheelCircumference > 0 && c.WheelCircumference <= 6553.4,
		"wheel-circumference %v (allowed: 0-6553.4 mm)", c.WheelCircumference)
	check(c.BootstrapDelay >= 0, "bootstrap-delay %v must not be negative", c.BootstrapDelay)
	check(c.ResendInterval > 0, "resend-interval %v must be positive", c.ResendInterval)
	check(c.DebounceCutoff > 1, "debounce-cutoff %d must be at least 2", c.DebounceCutoff)
	check(c.DebounceMaxStill > 0, "debounce-max-still %v must be positive", c.DebounceMaxStill)
	check(c.ScanTimeout > 0, "scan-timeout %v must be positive", c.ScanTimeout)
	check(c.LogMaxSize > 0, "log-max-size %d must be positive", c.LogMaxSize)
	check(c.LogMaxBackups >= 0, "log-max-backups %d must not be negative", c.LogMaxBackups)
	check(c.LogMaxAge >= 0, "log-max-age %d must not be negative", c.LogMaxAge)
	if c.MQTTBroker != "" {
		check(c.MQTTClientID != "", "mqtt-client-id is required with mqtt-broker")
		check(c.MQTTTopicPrefix != "", "mqtt-topic-prefix is required with mqtt-broker")
	}
	return errors.Join(errs...)
}

// SessionConfig is the part of the configuration each session needs
func (c Config) SessionConfig() session.Config {
	return session.Config{
		RiderWeight:        c.RiderWeight,
		BikeWeight:         c.BikeWeight,
		WheelCircumference: c.WheelCircumference,
		BootstrapDelay:     c.BootstrapDelay,
		ResendInterval:     c.ResendInterval,
		Debounce: cadence.LearnerConfig{
			Cutoff:   c.DebounceCutoff,
			MaxStill: c.DebounceMaxStill,
		},
	}
}

// Usage renders the flag help text
func Usage(name string) string {
	return newFlagSet(name).FlagUsages()
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("log-level %q (allowed: debug, info, warn, error): %w", s, ErrInvalid)
	}
}
