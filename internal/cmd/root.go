// Package cmd provides the CLI commands for gwctl.
package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskmesh/gateway/internal/config"
	"github.com/taskmesh/gateway/internal/gateway"
	"github.com/taskmesh/gateway/internal/logging"
)

var (
	// Global flags
	configPath    string
	gatewayURL    string
	debug         bool
	logLevel      string // --log-level flag (debug, info, warn, error)
	logFile       string
	logComponents string

	// Loaded configuration
	settings *config.Settings
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "gwctl",
	Short: "gwctl - a client for the agent execution gateway",
	Long: `gwctl talks to an agent execution gateway over its WebSocket RPC
protocol. It can submit tasks, inspect and stop sessions, stream
session events, and run an in-process mock gateway for development.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip setup for help and completion commands
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		// Priority: --log-level flag > --debug flag > default (info)
		effectiveLogLevel := "info"
		if logLevel != "" {
			effectiveLogLevel = logLevel
		} else if debug {
			effectiveLogLevel = "debug"
		}
		var components []string
		if logComponents != "" {
			for _, c := range strings.Split(logComponents, ",") {
				c = strings.TrimSpace(c)
				if c != "" {
					components = append(components, c)
				}
			}
		}
		logCfg := logging.Config{
			Level:      effectiveLogLevel,
			Components: components,
		}
		if logFile != "" {
			logCfg.FileLog = &logging.FileLogConfig{Path: logFile}
		}
		if err := logging.Initialize(logCfg); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}

		// Configuration sources, by priority:
		// 1. --config points at a settings file; --gateway overrides its URL
		// 2. --gateway alone uses defaults for everything else
		// Commands that need a gateway check via requireSettings.
		if configPath != "" {
			var err error
			settings, err = config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			if gatewayURL != "" {
				settings.GatewayURL = gatewayURL
			}
		} else if gatewayURL != "" {
			settings = config.Default(gatewayURL)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Close()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Settings file path (YAML)")
	rootCmd.PersistentFlags().StringVarP(&gatewayURL, "gateway", "g", "", "Gateway WebSocket URL (overrides the settings file)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging (shorthand for --log-level=debug)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: info)")
	rootCmd.PersistentFlags().StringVarP(&logFile, "logfile", "l", "", "Log file path (logs are also written to console)")
	rootCmd.PersistentFlags().StringVar(&logComponents, "log-components", "", "Comma-separated list of components to log (e.g., 'gateway,cli'). Empty means all components.")
}

// requireSettings returns the loaded settings or an error telling the user how
// to provide them.
func requireSettings() (*config.Settings, error) {
	if settings == nil {
		return nil, fmt.Errorf("no gateway configured: pass --gateway URL or --config FILE")
	}
	return settings, nil
}

// newClient builds a gateway client from the loaded settings.
func newClient(s *config.Settings) *gateway.Client {
	return gateway.New(s.GatewayURL,
		gateway.WithAuthToken(s.AuthToken),
		gateway.WithLogger(logging.Gateway()),
		gateway.WithReconnect(s.Reconnect.IsEnabled()),
		gateway.WithReconnectPolicy(
			s.Reconnect.MaxAttempts,
			time.Duration(s.Reconnect.InitialDelayMs)*time.Millisecond,
			time.Duration(s.Reconnect.MaxDelayMs)*time.Millisecond,
		),
		gateway.WithConnectionTimeout(time.Duration(s.ConnectionTimeoutMs)*time.Millisecond),
		gateway.WithClientInfo("", "", "cli"),
	)
}
