package config

import (
	"os"
	"path/filepath"
	"time"
)

// testConfigPath is an override for the default config path used in testing
// If set, GetDefaultConfigPath will return this value instead of the standard path
var testConfigPath string

// SetTestConfigPath sets a custom config path for testing purposes
// This should only be called from tests
func SetTestConfigPath(path string) {
	testConfigPath = path
}

// GetConfigDir returns the ipcore configuration directory
// Uses ~/.config/ipcore/ on Unix systems
func GetConfigDir() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "ipcore"), nil
}

// GetDefaultConfigPath returns the default config file path
func GetDefaultConfigPath() (string, error) {
	if testConfigPath != "" {
		return testConfigPath, nil
	}

	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.yaml"), nil
}

const (
	// Environment variable names
	EnvLogLevel         = "IPCORE_LOG_LEVEL"
	EnvLogFormat        = "IPCORE_LOG_FORMAT"
	EnvLogOutput        = "IPCORE_LOG_OUTPUT"
	EnvMaxMessageBytes  = "IPCORE_MAX_MESSAGE_BYTES"
	EnvDataPipeCapacity = "IPCORE_DATA_PIPE_CAPACITY"
	EnvDataPipeWindow   = "IPCORE_DATA_PIPE_WINDOW"
	EnvHandshakeTimeout = "IPCORE_HANDSHAKE_TIMEOUT"
	EnvShutdownTimeout  = "IPCORE_SHUTDOWN_TIMEOUT"
	EnvMetricsEnabled   = "IPCORE_METRICS_ENABLED"
	EnvMetricsAddress   = "IPCORE_METRICS_ADDRESS"
)

const (
	// Default Logging settings
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
	DefaultLogOutput = "stderr"

	// Default Channel settings
	DefaultMaxPayloadBytes    = 4 * 1024 * 1024
	DefaultMaxHandleRecords   = 10000
	DefaultMaxPlatformHandles = 64
	DefaultReadBufferSize     = 64 * 1024

	// Default MessagePipe settings
	DefaultMaxMessageBytes = 4 * 1024 * 1024
	DefaultMaxHandles      = 10000

	// Default DataPipe settings
	DefaultElementSize       = 1
	DefaultDataPipeCapacity  = 1024 * 1024
	DefaultMaxDataPipeBytes  = 256 * 1024 * 1024
	DefaultFlowControlWindow = 0

	// Default IPC settings
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultShutdownTimeout  = 5 * time.Second
	DefaultIOQueueSize      = 1024

	// Default Metrics settings
	DefaultMetricsEnabled = false
	DefaultMetricsAddress = "127.0.0.1:9464"
	DefaultMetricsPath    = "/metrics"
)

// DefaultLoggingConfig returns the default logging configuration
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  DefaultLogLevel,
		Format: DefaultLogFormat,
		Output: DefaultLogOutput,
	}
}

// DefaultChannelConfig returns the default channel configuration
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		MaxPayloadBytes:    DefaultMaxPayloadBytes,
		MaxHandleRecords:   DefaultMaxHandleRecords,
		MaxPlatformHandles: DefaultMaxPlatformHandles,
		ReadBufferSize:     DefaultReadBufferSize,
	}
}

// DefaultMessagePipeConfig returns the default message pipe configuration
func DefaultMessagePipeConfig() MessagePipeConfig {
	return MessagePipeConfig{
		MaxMessageBytes: DefaultMaxMessageBytes,
		MaxHandles:      DefaultMaxHandles,
	}
}

// DefaultDataPipeConfig returns the default data pipe configuration
func DefaultDataPipeConfig() DataPipeConfig {
	return DataPipeConfig{
		DefaultElementSize: DefaultElementSize,
		DefaultCapacity:    DefaultDataPipeCapacity,
		MaxCapacity:        DefaultMaxDataPipeBytes,
		FlowControlWindow:  DefaultFlowControlWindow,
	}
}

// DefaultIPCConfig returns the default IPC bootstrap configuration
func DefaultIPCConfig() IPCConfig {
	return IPCConfig{
		HandshakeTimeout: DefaultHandshakeTimeout,
		ShutdownTimeout:  DefaultShutdownTimeout,
		IOQueueSize:      DefaultIOQueueSize,
	}
}

// DefaultMetricsConfig returns the default metrics configuration
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled: DefaultMetricsEnabled,
		Address: DefaultMetricsAddress,
		Path:    DefaultMetricsPath,
	}
}
