package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/morganzwest/hsemulator-ui-sub001/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage hsemu configuration files",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write an example configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.ConfigPaths[0]
		if len(args) == 1 {
			path = args[0]
		}
		if err := config.WriteExampleConfig(path); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Wrote", path)
		return nil
	},
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Load and validate the configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.ValidateGateway(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "OK (transport=%s, secrets=%s)\n", cfg.Realtime.Transport, cfg.Secrets.Provider)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd, configCheckCmd)
}
