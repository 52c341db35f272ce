package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/billm/baaaht/ipcore/internal/config"
	"github.com/billm/baaaht/ipcore/internal/logger"
)

// Version is the ipcore release
const Version = "0.1.0"

var (
	// CLI flags
	cfgFile   string
	logLevel  string
	logFormat string
	logOutput string

	rootLog *logger.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "ipcore",
	Short: "ipcore - message pipes and data pipes between processes",
	Long: `ipcore connects a master process to its slaves over unix sockets and
exposes message pipes, data pipes and wrapped OS handles on top of them.

The demo command spawns a slave, hands it a data pipe over the bootstrap
message pipe and waits for its acknowledgement.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initLogger()
	},
}

// initLogger initializes the global logger from CLI flags
func initLogger() error {
	cfg := config.DefaultLoggingConfig()
	if logLevel != "" {
		cfg.Level = logLevel
	}
	if logFormat != "" {
		cfg.Format = logFormat
	}
	if logOutput != "" {
		cfg.Output = logOutput
	}

	log, err := logger.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	rootLog = log
	logger.SetGlobal(log)
	return nil
}

// loadConfig reads --config if given, else defaults plus environment
func loadConfig() (*config.Config, error) {
	if cfgFile != "" {
		return config.LoadFromFile(cfgFile)
	}
	return config.Load()
}

// Execute runs the root command
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		if rootLog != nil {
			rootLog.Error("Command execution failed", "error", err)
		} else {
			fmt.Fprintln(rootCmd.ErrOrStderr(), "Error:", err)
		}
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"Config file path (default: ~/.config/ipcore/config.yaml if present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format: json, text")
	rootCmd.PersistentFlags().StringVar(&logOutput, "log-output", "",
		"Log output: stdout, stderr, or file path")

	rootCmd.AddCommand(demoCmd, slaveCmd, versionCmd)
}
