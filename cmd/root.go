// Package cmd holds the polypay command-line interface
package cmd

import (
	"fmt"
	"os"

	cfg "github.com/cometbft/cometbft/config"
	cmtflags "github.com/cometbft/cometbft/libs/cli/flags"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/spf13/cobra"

	"github.com/Poly-pay/polypay-app-sub000/config"
)

var (
	configFile string
	settings   = config.New()
)

var rootCmd = &cobra.Command{
	Use:           "polypay",
	Short:         "Multisig transaction consensus engine",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to a YAML or TOML config file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level, e.g. info or consensus:debug,*:info")
	must(settings.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level")))

	rootCmd.AddCommand(serveCmd, migrateCmd, executeCmd)
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// load reads the configuration and builds the root logger
func load() (*config.Config, cmtlog.Logger, error) {
	c, err := config.Load(settings, configFile)
	if err != nil {
		return nil, nil, err
	}
	logger := cmtlog.NewTMLogger(cmtlog.NewSyncWriter(os.Stdout))
	logger, err = cmtflags.ParseLogLevel(c.Log.Level, logger, cfg.DefaultLogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse log level: %w", err)
	}
	return c, logger, nil
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
