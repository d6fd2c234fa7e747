package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agent462/drover/internal/config"
	"github.com/agent462/drover/internal/logging"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "drover",
	Short:         "Run shell tasks across many servers, directly or through relay agents",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $XDG_CONFIG_HOME/drover/config.yaml)")
	rootCmd.AddCommand(serveCmd, agentCmd, initCmd)
}

// loadConfig reads the config file and installs the logger it describes.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	if _, err := logging.Configure(os.Stderr, cfg.Log.Level); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "drover:", err)
		os.Exit(1)
	}
}
