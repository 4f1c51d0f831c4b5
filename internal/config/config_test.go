package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("trainer-link", nil)
	require.NoError(t, err)

	assert.Equal(t, "", cfg.Device)
	assert.Equal(t, 75.0, cfg.RiderWeight)
	assert.Equal(t, 10.0, cfg.BikeWeight)
	assert.Equal(t, 2136.0, cfg.WheelCircumference)
	assert.Equal(t, time.Second, cfg.BootstrapDelay)
	assert.Equal(t, 3*time.Second, cfg.ResendInterval)
	assert.Equal(t, 20, cfg.DebounceCutoff)
	assert.Equal(t, 3*time.Second, cfg.DebounceMaxStill)
	assert.Equal(t, 10*time.Second, cfg.ScanTimeout)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, "", cfg.LogFile)
	assert.Equal(t, "", cfg.MQTTBroker)
	assert.Equal(t, "trainer-link", cfg.MQTTTopicPrefix)
}

func TestLoad_Flags(t *testing.T) {
	cfg, err := Load("trainer-link", []string{
		"--device", "AA:BB:CC:DD:EE:FF",
		"--rider-weight", "82.5",
		"--resend-interval", "1500ms",
		"--log-level", "debug",
		"--mqtt-broker", "tcp://localhost:1883",
		"--mqtt-topic-prefix", "/gym/",
	})
	require.NoError(t, err)

	assert.Equal(t, "AA:BB:CC:DD:EE:FF", cfg.Device)
	assert.Equal(t, 82.5, cfg.RiderWeight)
	assert.Equal(t, 1500*time.Millisecond, cfg.ResendInterval)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, "tcp://localhost:1883", cfg.MQTTBroker)
	assert.Equal(t, "gym", cfg.MQTTTopicPrefix)
}

func TestLoad_EnvAndPrecedence(t *testing.T) {
	t.Setenv("TRAINERLINK_RIDER_WEIGHT", "68")
	t.Setenv("TRAINERLINK_BOOTSTRAP_DELAY", "250ms")
	t.Setenv("TRAINERLINK_BIKE_WEIGHT", "9")

	cfg, err := Load("trainer-link", []string{"--bike-weight", "7.5"})
	require.NoError(t, err)

	assert.Equal(t, 68.0, cfg.RiderWeight)
	assert.Equal(t, 250*time.Millisecond, cfg.BootstrapDelay)
	assert.Equal(t, 7.5, cfg.BikeWeight, "flags win over the environment")
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trainer-link.yaml")
	require.NoError(t, os.WriteFile(path, []byte("wheel-circumference: 2096\nscan-timeout: 30s\nlog-file: /tmp/trainer.log\n"), 0o600))
	t.Setenv("TRAINERLINK_SCAN_TIMEOUT", "5s")

	cfg, err := Load("trainer-link", []string{"--config", path})
	require.NoError(t, err)

	assert.Equal(t, 2096.0, cfg.WheelCircumference)
	assert.Equal(t, 5*time.Second, cfg.ScanTimeout, "environment wins over the file")
	assert.Equal(t, "/tmp/trainer.log", cfg.LogFile)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"unknown flag", []string{"--nope"}},
		{"bad log level", []string{"--log-level", "loud"}},
		{"zero rider weight", []string{"--rider-weight", "0"}},
		{"huge wheel", []string{"--wheel-circumference", "7000"}},
		{"zero resend", []string{"--resend-interval", "0s"}},
		{"tiny cutoff", []string{"--debounce-cutoff", "1"}},
		{"broker without prefix", []string{"--mqtt-broker", "tcp://x:1883", "--mqtt-topic-prefix", "/"}},
		{"missing config file", []string{"--config", "/does/not/exist.yaml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load("trainer-link", tt.args)
			assert.Error(t, err)
		})
	}
}

func TestLoad_Help(t *testing.T) {
	_, err := Load("trainer-link", []string{"--help"})
	assert.ErrorIs(t, err, pflag.ErrHelp)
	assert.Contains(t, Usage("trainer-link"), "--rider-weight")
}

func TestValidate_CollectsAll(t *testing.T) {
	cfg, err := Load("trainer-link", nil)
	require.NoError(t, err)

	cfg.RiderWeight = -1
	cfg.ScanTimeout = 0
	err = cfg.Validate()
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "rider-weight")
	assert.Contains(t, err.Error(), "scan-timeout")
}

func TestSessionConfig(t *testing.T) {
	cfg, err := Load("trainer-link", []string{"--debounce-cutoff", "12", "--bike-weight", "8"})
	require.NoError(t, err)

	sc := cfg.SessionConfig()
	assert.Equal(t, 75.0, sc.RiderWeight)
	assert.Equal(t, 8.0, sc.BikeWeight)
	assert.Equal(t, 2136.0, sc.WheelCircumference)
	assert.Equal(t, 12, sc.Debounce.Cutoff)
	assert.Equal(t, 3*time.Second, sc.Debounce.MaxStill)
}
