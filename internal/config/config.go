package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/billm/baaaht/ipcore/pkg/types"
)

// Config represents the complete configuration for the messaging substrate
type Config struct {
	Logging     LoggingConfig     `json:"logging" yaml:"logging"`
	Channel     ChannelConfig     `json:"channel" yaml:"channel"`
	MessagePipe MessagePipeConfig `json:"message_pipe" yaml:"message_pipe"`
	DataPipe    DataPipeConfig    `json:"data_pipe" yaml:"data_pipe"`
	IPC         IPCConfig         `json:"ipc" yaml:"ipc"`
	Metrics     MetricsConfig     `json:"metrics" yaml:"metrics"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
	Output string `json:"output" yaml:"output"` // stdout, stderr, file path
}

// ChannelConfig contains limits enforced by a Channel when decoding frames
type ChannelConfig struct {
	MaxPayloadBytes    int `json:"max_payload_bytes" yaml:"max_payload_bytes"`
	MaxHandleRecords   int `json:"max_handle_records" yaml:"max_handle_records"`
	MaxPlatformHandles int `json:"max_platform_handles" yaml:"max_platform_handles"`
	ReadBufferSize     int `json:"read_buffer_size" yaml:"read_buffer_size"`
}

// MessagePipeConfig contains limits enforced on message pipe writes
type MessagePipeConfig struct {
	MaxMessageBytes int `json:"max_message_bytes" yaml:"max_message_bytes"`
	MaxHandles      int `json:"max_handles" yaml:"max_handles"`
}

// DataPipeConfig contains data pipe defaults and the remote flow-control window
type DataPipeConfig struct {
	DefaultElementSize int `json:"default_element_size" yaml:"default_element_size"`
	DefaultCapacity    int `json:"default_capacity" yaml:"default_capacity"`
	MaxCapacity        int `json:"max_capacity" yaml:"max_capacity"`
	// FlowControlWindow caps the bytes a producer may have on the wire to a
	// remote consumer before the consumer confirms receipt. Zero means the
	// pipe capacity.
	FlowControlWindow int `json:"flow_control_window" yaml:"flow_control_window"`
}

// IPCConfig contains connection bootstrap configuration
type IPCConfig struct {
	HandshakeTimeout time.Duration `json:"handshake_timeout" yaml:"handshake_timeout"`
	ShutdownTimeout  time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	// IOQueueSize is the I/O loop backlog at which channel readers stop
	// reading until the loop catches up
	IOQueueSize int `json:"io_queue_size" yaml:"io_queue_size"`
}

// MetricsConfig contains metrics configuration
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Address string `json:"address" yaml:"address"`
	Path    string `json:"path" yaml:"path"`
}

// applyDefaults fills in zero-valued config fields with their defaults.
// It runs after loading from YAML so partial configs get sensible values.
func applyDefaults(cfg *Config) {
	defaultLogging := DefaultLoggingConfig()
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaultLogging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaultLogging.Format
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = defaultLogging.Output
	}

	defaultChannel := DefaultChannelConfig()
	if cfg.Channel.MaxPayloadBytes == 0 {
		cfg.Channel.MaxPayloadBytes = defaultChannel.MaxPayloadBytes
	}
	if cfg.Channel.MaxHandleRecords == 0 {
		cfg.Channel.MaxHandleRecords = defaultChannel.MaxHandleRecords
	}
	if cfg.Channel.MaxPlatformHandles == 0 {
		cfg.Channel.MaxPlatformHandles = defaultChannel.MaxPlatformHandles
	}
	if cfg.Channel.ReadBufferSize == 0 {
		cfg.Channel.ReadBufferSize = defaultChannel.ReadBufferSize
	}

	defaultMessagePipe := DefaultMessagePipeConfig()
	if cfg.MessagePipe.MaxMessageBytes == 0 {
		cfg.MessagePipe.MaxMessageBytes = defaultMessagePipe.MaxMessageBytes
	}
	if cfg.MessagePipe.MaxHandles == 0 {
		cfg.MessagePipe.MaxHandles = defaultMessagePipe.MaxHandles
	}

	defaultDataPipe := DefaultDataPipeConfig()
	if cfg.DataPipe.DefaultElementSize == 0 {
		cfg.DataPipe.DefaultElementSize = defaultDataPipe.DefaultElementSize
	}
	if cfg.DataPipe.DefaultCapacity == 0 {
		cfg.DataPipe.DefaultCapacity = defaultDataPipe.DefaultCapacity
	}
	if cfg.DataPipe.MaxCapacity == 0 {
		cfg.DataPipe.MaxCapacity = defaultDataPipe.MaxCapacity
	}

	defaultIPC := DefaultIPCConfig()
	if cfg.IPC.HandshakeTimeout == 0 {
		cfg.IPC.HandshakeTimeout = defaultIPC.HandshakeTimeout
	}
	if cfg.IPC.ShutdownTimeout == 0 {
		cfg.IPC.ShutdownTimeout = defaultIPC.ShutdownTimeout
	}
	if cfg.IPC.IOQueueSize == 0 {
		cfg.IPC.IOQueueSize = defaultIPC.IOQueueSize
	}

	defaultMetrics := DefaultMetricsConfig()
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = defaultMetrics.Address
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = defaultMetrics.Path
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Returns an error if a numeric or duration variable cannot be parsed.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv(EnvLogOutput); v != "" {
		cfg.Logging.Output = v
	}

	if v := os.Getenv(EnvMaxMessageBytes); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvMaxMessageBytes, err)
		}
		cfg.MessagePipe.MaxMessageBytes = n
	}

	if v := os.Getenv(EnvDataPipeCapacity); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvDataPipeCapacity, err)
		}
		cfg.DataPipe.DefaultCapacity = n
	}
	if v := os.Getenv(EnvDataPipeWindow); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvDataPipeWindow, err)
		}
		cfg.DataPipe.FlowControlWindow = n
	}

	if v := os.Getenv(EnvHandshakeTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvHandshakeTimeout, err)
		}
		cfg.IPC.HandshakeTimeout = d
	}
	if v := os.Getenv(EnvShutdownTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvShutdownTimeout, err)
		}
		cfg.IPC.ShutdownTimeout = d
	}

	if v := os.Getenv(EnvMetricsEnabled); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvMetricsEnabled, err)
		}
		cfg.Metrics.Enabled = b
	}
	if v := os.Getenv(EnvMetricsAddress); v != "" {
		cfg.Metrics.Address = v
	}

	return nil
}

// Default returns a Config populated entirely from defaults
func Default() *Config {
	return &Config{
		Logging:     DefaultLoggingConfig(),
		Channel:     DefaultChannelConfig(),
		MessagePipe: DefaultMessagePipeConfig(),
		DataPipe:    DefaultDataPipeConfig(),
		IPC:         DefaultIPCConfig(),
		Metrics:     DefaultMetricsConfig(),
	}
}

// Load creates a new Config by loading defaults and overriding with environment variables
func Load() (*Config, error) {
	var cfg *Config

	// Try to load from default config file if it exists
	configPath, err := GetDefaultConfigPath()
	if err == nil {
		if _, err := os.Stat(configPath); err == nil {
			cfg, err = LoadFromFile(configPath)
			if err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to check config file: %w", err)
		}
	}

	if cfg == nil {
		cfg = Default()
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for validity
func (c *Config) Validate() error {
	// Validate Logging configuration
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level))
	}
	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid log format: %s (must be json or text)", c.Logging.Format))
	}

	// Validate Channel configuration
	if c.Channel.MaxPayloadBytes <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "channel max payload bytes must be positive")
	}
	if c.Channel.MaxHandleRecords < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "channel max handle records cannot be negative")
	}
	if c.Channel.MaxPlatformHandles < 0 || c.Channel.MaxPlatformHandles > 0xffff {
		return types.NewError(types.ErrCodeInvalidArgument, "channel max platform handles must be between 0 and 65535")
	}
	if c.Channel.ReadBufferSize <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "channel read buffer size must be positive")
	}

	// Validate MessagePipe configuration
	if c.MessagePipe.MaxMessageBytes <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "message pipe max message bytes must be positive")
	}
	if c.MessagePipe.MaxMessageBytes > c.Channel.MaxPayloadBytes {
		return types.NewError(types.ErrCodeInvalidArgument,
			"message pipe max message bytes cannot exceed channel max payload bytes")
	}
	if c.MessagePipe.MaxHandles < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "message pipe max handles cannot be negative")
	}

	// Validate DataPipe configuration
	if c.DataPipe.DefaultElementSize <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "data pipe default element size must be positive")
	}
	if c.DataPipe.DefaultCapacity <= 0 || c.DataPipe.DefaultCapacity%c.DataPipe.DefaultElementSize != 0 {
		return types.NewError(types.ErrCodeInvalidArgument,
			"data pipe default capacity must be a positive multiple of the default element size")
	}
	if c.DataPipe.MaxCapacity < c.DataPipe.DefaultCapacity {
		return types.NewError(types.ErrCodeInvalidArgument, "data pipe max capacity cannot be below the default capacity")
	}
	if c.DataPipe.FlowControlWindow < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "data pipe flow control window cannot be negative")
	}

	// Validate IPC configuration
	if c.IPC.HandshakeTimeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "ipc handshake timeout must be positive")
	}
	if c.IPC.ShutdownTimeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "ipc shutdown timeout must be positive")
	}
	if c.IPC.IOQueueSize <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "ipc io queue size must be positive")
	}

	// Validate Metrics configuration
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "metrics address cannot be empty when metrics are enabled")
	}

	return nil
}

// String returns a string representation of the configuration
func (c *Config) String() string {
	return fmt.Sprintf("Config{Logging: %s, Channel: %s, MessagePipe: %s, DataPipe: %s, IPC: %s, Metrics: %s}",
		c.Logging, c.Channel, c.MessagePipe, c.DataPipe, c.IPC, c.Metrics)
}

// String returns a string representation of the logging configuration
func (c LoggingConfig) String() string {
	return fmt.Sprintf("LoggingConfig{Level: %s, Format: %s, Output: %s}", c.Level, c.Format, c.Output)
}

// String returns a string representation of the channel configuration
func (c ChannelConfig) String() string {
	return fmt.Sprintf("ChannelConfig{MaxPayloadBytes: %d, MaxHandleRecords: %d, MaxPlatformHandles: %d, ReadBufferSize: %d}",
		c.MaxPayloadBytes, c.MaxHandleRecords, c.MaxPlatformHandles, c.ReadBufferSize)
}

// String returns a string representation of the message pipe configuration
func (c MessagePipeConfig) String() string {
	return fmt.Sprintf("MessagePipeConfig{MaxMessageBytes: %d, MaxHandles: %d}", c.MaxMessageBytes, c.MaxHandles)
}

// String returns a string representation of the data pipe configuration
func (c DataPipeConfig) String() string {
	return fmt.Sprintf("DataPipeConfig{DefaultElementSize: %d, DefaultCapacity: %d, MaxCapacity: %d, FlowControlWindow: %d}",
		c.DefaultElementSize, c.DefaultCapacity, c.MaxCapacity, c.FlowControlWindow)
}

// String returns a string representation of the IPC configuration
func (c IPCConfig) String() string {
	return fmt.Sprintf("IPCConfig{HandshakeTimeout: %s, ShutdownTimeout: %s, IOQueueSize: %d}",
		c.HandshakeTimeout, c.ShutdownTimeout, c.IOQueueSize)
}

// String returns a string representation of the metrics configuration
func (c MetricsConfig) String() string {
	return fmt.Sprintf("MetricsConfig{Enabled: %t, Address: %s, Path: %s}", c.Enabled, c.Address, c.Path)
}
