// Package cmd provides the CLI commands for Keeper.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/okapilab/keeper/internal/appdir"
	"github.com/okapilab/keeper/internal/config"
	"github.com/okapilab/keeper/internal/logging"
)

var (
	configPath    string
	debug         bool
	logLevel      string
	logComponents string
	serverURL     string

	// cfg is loaded once in PersistentPreRunE and shared by all commands.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "keeper",
	Short: "Keeper - restart-safe sessions for the claude CLI",
	Long: `Keeper runs long-lived claude CLI sessions that survive restarts.

It keeps each agent conversation in a managed session with a replayable
output buffer, persists snapshots so sessions can be restored after the
host restarts, and exposes the sessions over a local HTTP/WebSocket API.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		if err := appdir.EnsureDir(); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		path := configPath
		if path == "" {
			var err error
			path, err = appdir.ConfigPath()
			if err != nil {
				return err
			}
		}
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		effectiveLevel := cfg.Logging.Level
		if logLevel != "" {
			effectiveLevel = logLevel
		} else if debug {
			effectiveLevel = "debug"
		}
		components := cfg.Logging.Components
		if logComponents != "" {
			components = logComponents
		}

		var fileLog *logging.FileLogConfig
		if cfg.Logging.File {
			logPath, err := appdir.LogPath()
			if err != nil {
				return err
			}
			fileLog = &logging.FileLogConfig{
				Path:       logPath,
				MaxSizeMB:  cfg.Logging.MaxSizeMB,
				MaxBackups: cfg.Logging.MaxBackups,
			}
		}
		if err := logging.Initialize(logging.Config{
			Level:      effectiveLevel,
			FileLog:    fileLog,
			JSON:       cfg.Logging.JSON,
			Components: logging.ParseComponents(components),
		}); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}

		if serverURL == "" {
			serverURL = "http://" + cfg.WebAddr()
		}
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	defer logging.Close()
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logComponents, "log-components", "", "comma-separated components to log")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "keeper server URL (default from config)")
}
