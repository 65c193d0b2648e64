/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ssargent/kinesisagg/pkg/config"
)

func newConfigCmd(c *cli) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the kplagg configuration file",
	}

	var (
		force    bool
		spoolDir string
		showKey  bool
	)
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Long: `Write a default configuration file with a generated API key.

Examples:
  kplagg config init
  kplagg config init --config ./kplagg.yaml --spool-dir /var/lib/kplagg`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if config.ConfigExists(c.configPath) && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", c.configPath)
			}

			cfg, err := config.BootstrapConfig(c.configPath, spoolDir)
			if err != nil {
				return err
			}

			cmd.Printf("Configuration written to %s\n", c.configPath)
			if showKey {
				cmd.Printf("API key: %s\n", cfg.Server.APIKey)
			}
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")
	initCmd.Flags().StringVar(&spoolDir, "spool-dir", "", "Spool directory to record in the config")
	initCmd.Flags().BoolVar(&showKey, "print-key", false, "Print the generated API key")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := yaml.Marshal(c.cfg)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	configCmd.AddCommand(initCmd, showCmd)
	return configCmd
}
