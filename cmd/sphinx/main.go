package main

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sphinx-labs/deployer/configs"
	"github.com/sphinx-labs/deployer/internal/cli"
	"github.com/sphinx-labs/deployer/internal/logger"
)

const appName = "sphinx"

var rootCmd = &cobra.Command{
	Use:           appName,
	Short:         "Bundle, authorize, and execute multi-chain Merkle deployments",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger.Initialize(slog.LevelInfo, logger.FormatJSON)

		if err := configs.ApplyDefaults(viper.GetViper()); err != nil {
			return err
		}

		viper.SetConfigName("config")
		viper.SetConfigType("yaml")

		if execPath, err := os.Executable(); err == nil {
			execDir := filepath.Dir(execPath)
			viper.AddConfigPath(execDir)
		}
		viper.AddConfigPath(".")
		viper.AddConfigPath("./configs")

		// Flags can provide everything a command needs, so a missing config
		// file is not an error.
		if err := viper.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) {
				slog.Debug("no config file found, will rely on flags and defaults")
			} else {
				const errMsg = "error reading config file"
				slog.With("err", err.Error()).Error(errMsg)
				return errors.Join(err, errors.New(errMsg))
			}
		}

		if err := viper.Unmarshal(&configs.Values); err != nil {
			const errMsg = "unable to decode application config"
			slog.With("err", err.Error()).Error(errMsg)
			return errors.Join(err, errors.New(errMsg))
		}

		level, err := logger.ParseLevel(configs.Values.Log.Level)
		if err != nil {
			return err
		}
		format, err := logger.ParseFormat(configs.Values.Log.Format)
		if err != nil {
			return err
		}
		logger.Initialize(level, format)

		if used := viper.ConfigFileUsed(); used != "" {
			slog.With("config_file", used).Debug("config file loaded")
		}

		return nil
	},
}

func main() {
	if err := cli.DeclareFlags(rootCmd); err != nil {
		panic(err)
	}
	rootCmd.AddCommand(cli.Commands()...)

	if err := rootCmd.Execute(); err != nil {
		slog.With("err", err.Error()).Error("command failed")
		os.Exit(1)
	}
}
