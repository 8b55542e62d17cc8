// hsectl is the command line client for the hsemu gateway: it tails execution
// logs, checks workflow status and manages local configuration and secrets.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/morganzwest/hsemulator-ui-sub001/internal/config"
)

var (
	version = "dev"

	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:           "hsectl",
	Short:         "Command line client for the hsemu gateway",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: search HSEMU_CONFIG, ./hsemu.toml, ...)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(tailCmd, statusCmd, configCmd, secretCmd, tokenCmd)
}

// loadConfig loads the file named by --config, or searches the default paths
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		if err := os.Setenv("HSEMU_CONFIG", configPath); err != nil {
			return nil, err
		}
	}
	return config.LoadWithFile()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
