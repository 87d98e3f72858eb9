package cli

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sphinx-labs/deployer/configs"
)

// flagDef defines a command-line flag with its configuration.
type (
	flagType interface {
		string | int | bool
	}

	flagDef[T flagType] struct {
		name         string
		viperKey     string
		defaultValue T
		description  string
	}
)

func stringFlags(d configs.Config) []flagDef[string] {
	return []flagDef[string]{
		{"log-level", "log.level", d.Log.Level, "Log level (debug, info, warn, error)"},
		{"log-format", "log.format", d.Log.Format, "Log format (json or text)"},

		{"executor-private-key", "executor.private-key", "", "Hex private key that signs execution and auth transactions"},

		{"confirmation-timeout", "execution.confirmation-timeout", d.Execution.ConfirmationTimeout.String(), "How long to wait for a receipt before the outcome is unknown"},
		{"poll-interval", "execution.poll-interval", d.Execution.PollInterval.String(), "Receipt polling interval"},
		{"retry-backoff", "execution.retry-backoff", d.Execution.RetryBackoff.String(), "Delay between retries of transient failures"},

		{"auth-mode", "auth.mode", d.Auth.Mode, "Who signs PROPOSE leaves (owners or proposers)"},
		{"simulation-image", "simulation.image", d.Simulation.Image, "Docker image providing anvil"},
	}
}

func intFlags(d configs.Config) []flagDef[int] {
	return []flagDef[int]{
		{"gas-safety-margin-percent", "execution.gas-safety-margin-percent", int(d.Execution.GasSafetyMarginPercent), "Share of the block gas limit a batch may use"},
		{"max-retries", "execution.max-retries", int(d.Execution.MaxRetries), "Retries of a transient failure before giving up"},
		{"max-parallel-chains", "execution.max-parallel-chains", d.Execution.MaxParallelChains, "Chains executed at once (0 means all)"},
		{"auth-threshold", "auth.threshold", d.Auth.Threshold, "Owner signatures required per auth leaf"},
		{"simulation-port", "simulation.port", d.Simulation.Port, "Host port of the fork"},
	}
}

func boolFlags(d configs.Config) []flagDef[bool] {
	return []flagDef[bool]{
		{"simulate", "simulation.enabled", d.Simulation.Enabled, "Estimate against a local anvil fork instead of the live chain"},
	}
}

// DeclareFlags adds the configuration flags to cmd and binds them to their
// viper keys.
func DeclareFlags(cmd *cobra.Command) error {
	defaults := configs.MustDefaultConfig()

	if err := declareFlags(cmd, stringFlags(defaults)); err != nil {
		return err
	}
	if err := declareFlags(cmd, intFlags(defaults)); err != nil {
		return err
	}
	return declareFlags(cmd, boolFlags(defaults))
}

// declareFlags declares multiple flags and binds them to viper configuration keys.
func declareFlags[T flagType](cmd *cobra.Command, flags []flagDef[T]) error {
	for _, flag := range flags {
		if err := declareFlag(cmd, flag.name, flag.viperKey, flag.defaultValue, flag.description); err != nil {
			return err
		}
	}
	return nil
}

// declareFlag declares a single persistent flag and binds it to a viper
// configuration key. The type parameter T determines the flag type.
func declareFlag[T flagType](cmd *cobra.Command, flagName, viperKey string, defaultValue T, description string) error {
	switch v := any(defaultValue).(type) {
	case string:
		cmd.PersistentFlags().String(flagName, v, description)
	case int:
		cmd.PersistentFlags().Int(flagName, v, description)
	case bool:
		cmd.PersistentFlags().Bool(flagName, v, description)
	}
	return viper.BindPFlag(viperKey, cmd.PersistentFlags().Lookup(flagName))
}
