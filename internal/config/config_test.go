package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/billm/baaaht/ipcore/pkg/types"
)

// clearEnv unsets every IPCORE_* variable for the duration of the test
func clearEnv(t *testing.T) {
	t.Helper()
	envVars := []string{
		EnvLogLevel, EnvLogFormat, EnvLogOutput, EnvMaxMessageBytes,
		EnvDataPipeCapacity, EnvDataPipeWindow, EnvHandshakeTimeout,
		EnvShutdownTimeout, EnvMetricsEnabled, EnvMetricsAddress,
	}
	for _, env := range envVars {
		env := env
		if v, ok := os.LookupEnv(env); ok {
			os.Unsetenv(env)
			t.Cleanup(func() { os.Setenv(env, v) })
		}
	}
}

func TestConfigPrecedence(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("defaults are used when nothing else is specified", func(t *testing.T) {
		clearEnv(t)
		SetTestConfigPath(filepath.Join(tmpDir, "nonexistent.yaml"))
		defer SetTestConfigPath("")

		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load() error = %v, want nil", err)
		}

		if cfg.Logging.Level != DefaultLogLevel {
			t.Errorf("Logging.Level = %s, want default %s", cfg.Logging.Level, DefaultLogLevel)
		}
		if cfg.Channel.MaxPayloadBytes != DefaultMaxPayloadBytes {
			t.Errorf("Channel.MaxPayloadBytes = %d, want default %d", cfg.Channel.MaxPayloadBytes, DefaultMaxPayloadBytes)
		}
		if cfg.DataPipe.DefaultCapacity != DefaultDataPipeCapacity {
			t.Errorf("DataPipe.DefaultCapacity = %d, want default %d", cfg.DataPipe.DefaultCapacity, DefaultDataPipeCapacity)
		}
		if cfg.IPC.HandshakeTimeout != DefaultHandshakeTimeout {
			t.Errorf("IPC.HandshakeTimeout = %v, want default %v", cfg.IPC.HandshakeTimeout, DefaultHandshakeTimeout)
		}
	})

	t.Run("file values override defaults", func(t *testing.T) {
		clearEnv(t)
		path := filepath.Join(tmpDir, "config.yaml")
		content := `
logging:
  level: debug
data_pipe:
  default_capacity: 4096
  flow_control_window: 1024
`
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("failed to write config: %v", err)
		}
		SetTestConfigPath(path)
		defer SetTestConfigPath("")

		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load() error = %v, want nil", err)
		}
		if cfg.Logging.Level != "debug" {
			t.Errorf("Logging.Level = %s, want debug", cfg.Logging.Level)
		}
		if cfg.DataPipe.DefaultCapacity != 4096 {
			t.Errorf("DataPipe.DefaultCapacity = %d, want 4096", cfg.DataPipe.DefaultCapacity)
		}
		if cfg.DataPipe.FlowControlWindow != 1024 {
			t.Errorf("DataPipe.FlowControlWindow = %d, want 1024", cfg.DataPipe.FlowControlWindow)
		}
		// Unspecified sections still receive defaults
		if cfg.MessagePipe.MaxHandles != DefaultMaxHandles {
			t.Errorf("MessagePipe.MaxHandles = %d, want default %d", cfg.MessagePipe.MaxHandles, DefaultMaxHandles)
		}
	})

	t.Run("environment overrides file values", func(t *testing.T) {
		clearEnv(t)
		path := filepath.Join(tmpDir, "env.yaml")
		if err := os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o644); err != nil {
			t.Fatalf("failed to write config: %v", err)
		}
		SetTestConfigPath(path)
		defer SetTestConfigPath("")

		t.Setenv(EnvLogLevel, "warn")
		t.Setenv(EnvDataPipeWindow, "512")
		t.Setenv(EnvHandshakeTimeout, "250ms")
		t.Setenv(EnvMetricsEnabled, "true")

		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load() error = %v, want nil", err)
		}
		if cfg.Logging.Level != "warn" {
			t.Errorf("Logging.Level = %s, want warn", cfg.Logging.Level)
		}
		if cfg.DataPipe.FlowControlWindow != 512 {
			t.Errorf("DataPipe.FlowControlWindow = %d, want 512", cfg.DataPipe.FlowControlWindow)
		}
		if cfg.IPC.HandshakeTimeout != 250*time.Millisecond {
			t.Errorf("IPC.HandshakeTimeout = %v, want 250ms", cfg.IPC.HandshakeTimeout)
		}
		if !cfg.Metrics.Enabled {
			t.Errorf("Metrics.Enabled = false, want true")
		}
	})

	t.Run("malformed environment value is rejected", func(t *testing.T) {
		clearEnv(t)
		SetTestConfigPath(filepath.Join(tmpDir, "nonexistent.yaml"))
		defer SetTestConfigPath("")

		t.Setenv(EnvDataPipeCapacity, "lots")

		_, err := Load()
		if err == nil {
			t.Fatal("Load() error = nil, want error")
		}
		if !types.IsErrCode(err, types.ErrCodeInvalidArgument) {
			t.Errorf("Load() error code = %s, want %s", types.GetErrorCode(err), types.ErrCodeInvalidArgument)
		}
	})
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "defaults are valid",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:    "unknown log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: true,
		},
		{
			name:    "unknown log format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: true,
		},
		{
			name:    "zero payload limit",
			mutate:  func(c *Config) { c.Channel.MaxPayloadBytes = 0 },
			wantErr: true,
		},
		{
			name:    "too many platform handles per frame",
			mutate:  func(c *Config) { c.Channel.MaxPlatformHandles = 70000 },
			wantErr: true,
		},
		{
			name: "message limit above channel limit",
			mutate: func(c *Config) {
				c.MessagePipe.MaxMessageBytes = c.Channel.MaxPayloadBytes + 1
			},
			wantErr: true,
		},
		{
			name: "capacity not a multiple of element size",
			mutate: func(c *Config) {
				c.DataPipe.DefaultElementSize = 4
				c.DataPipe.DefaultCapacity = 10
			},
			wantErr: true,
		},
		{
			name:    "max capacity below default",
			mutate:  func(c *Config) { c.DataPipe.MaxCapacity = c.DataPipe.DefaultCapacity - 1 },
			wantErr: true,
		},
		{
			name:    "negative flow control window",
			mutate:  func(c *Config) { c.DataPipe.FlowControlWindow = -1 },
			wantErr: true,
		},
		{
			name:    "zero handshake timeout",
			mutate:  func(c *Config) { c.IPC.HandshakeTimeout = 0 },
			wantErr: true,
		},
		{
			name: "metrics enabled without address",
			mutate: func(c *Config) {
				c.Metrics.Enabled = true
				c.Metrics.Address = ""
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !types.IsErrCode(err, types.ErrCodeInvalidArgument) {
				t.Errorf("Validate() error code = %s, want %s", types.GetErrorCode(err), types.ErrCodeInvalidArgument)
			}
		})
	}
}

func TestConfigString(t *testing.T) {
	cfg := Default()
	s := cfg.String()
	if s == "" {
		t.Fatal("String() returned empty string")
	}
	for _, want := range []string{"LoggingConfig", "DataPipeConfig", "IPCConfig"} {
		if !strings.Contains(s, want) {
			t.Errorf("String() = %q, missing %q", s, want)
		}
	}
}
