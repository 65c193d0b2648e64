/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ssargent/kinesisagg/pkg/config"
	"github.com/ssargent/kinesisagg/pkg/logging"
)

// cli holds the state shared by all subcommands once the root command has
// loaded configuration.
type cli struct {
	configPath string
	logLevel   string

	cfg    *config.Config
	logger logging.Logger
}

// newRootCmd builds the command tree
func newRootCmd() *cobra.Command {
	c := &cli{}

	rootCmd := &cobra.Command{
		Use:   "kplagg",
		Short: "kplagg - KPL record aggregation toolkit",
		Long: `kplagg packs user records into KPL aggregated Kinesis records and
recovers user records from them.

Containers follow the Kinesis Producer Library format: a 4-byte magic prefix,
a protobuf body holding deduplicated key tables and the user records, and an
MD5 trailer.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.load()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.logger != nil {
				_ = c.logger.Sync()
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&c.configPath, "config", "", "Path to config file (default: OS-specific location)")
	rootCmd.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")

	rootCmd.AddCommand(
		newAggregateCmd(c),
		newDeaggregateCmd(c),
		newServeCmd(c),
		newConfigCmd(c),
	)

	return rootCmd
}

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}

// load reads the config file when present and builds the logger.
func (c *cli) load() error {
	if c.configPath == "" {
		c.configPath = config.GetDefaultConfigPath()
	}

	if config.ConfigExists(c.configPath) {
		cfg, err := config.LoadConfig(c.configPath)
		if err != nil {
			return err
		}
		c.cfg = cfg
	} else {
		c.cfg = config.DefaultConfig()
	}

	if c.logLevel != "" {
		c.cfg.Logging.Level = c.logLevel
	}
	if err := c.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(c.cfg.Logging.Level, c.cfg.Logging.Development)
	if err != nil {
		return err
	}
	c.logger = logger
	return nil
}

// openInput returns the named file, or stdin when no file is given.
func openInput(cmd *cobra.Command, args []string) (io.ReadCloser, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.NopCloser(cmd.InOrStdin()), nil
	}
	f, err := os.Open(args[0])
	if err != nil {
		return nil, fmt.Errorf("failed to open input: %w", err)
	}
	return f, nil
}
