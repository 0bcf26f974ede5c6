package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/born-ml/aad/internal/config"
)

// app is the state shared by all commands, filled in before any of them runs.
type app struct {
	configPath string
	logLevel   string

	cfg    config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:          "aad",
		Short:        "Price European calls and their Greeks with adjoint differentiation",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "YAML configuration file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error), overrides the configuration")

	root.AddCommand(
		newPriceCmd(a),
		newDotCmd(a),
		newVersionCmd(),
	)
	return root
}

func (a *app) init(cmd *cobra.Command) error {
	cfg := config.Default()
	if a.configPath != "" {
		loaded, err := config.Load(a.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}

	level, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}

	a.cfg = cfg
	a.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	a.logger.Debug("configuration loaded", "path", a.configPath, "level", level)
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "aad %s\n", version)
		},
	}
}
