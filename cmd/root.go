package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mood-agency/funny/internal/config"
	"github.com/mood-agency/funny/internal/logger"
)

var (
	debugMode             bool
	quietMode             bool
	configPath            string
	version, commit, date string
)

// SetVersionInfo sets version information from ldflags
func SetVersionInfo(v, c, d string) {
	version, commit, date = v, c, d
}

var rootCmd = &cobra.Command{
	Use:   "funny",
	Short: "Orchestrator for concurrent Claude Code agent threads",
	Long: `funny runs many Claude Code conversations ("threads") side by side.
Each thread works either in the project checkout or in its own git worktree,
and every state change is streamed to connected clients over a websocket.

Run "funny serve" to start the server.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVarP(&quietMode, "quiet", "q", false, "Reduce logging to info level only")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default $FUNNY_HOME/config.json)")
}

func initConfig() {
	if quietMode {
		logger.SetDebug(false)
	} else if debugMode {
		logger.SetDebug(true)
	}
}

// loadConfig reads --config when given, otherwise the default location.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFrom(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	return cfg, nil
}

// Execute runs the root command
func Execute() error {
	rootCmd.Version = version
	rootCmd.SetVersionTemplate(versionTemplate())
	return rootCmd.Execute()
}

func versionTemplate() string {
	if commit != "none" && commit != "" {
		return fmt.Sprintf("funny %s\n  commit: %s\n  built:  %s\n", version, commit, date)
	}
	return fmt.Sprintf("funny %s\n", version)
}
