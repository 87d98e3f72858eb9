package configs

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var Values Config

type (
	NetworkName string

	Config struct {
		Log        Log                     `mapstructure:"log"`
		Networks   map[NetworkName]Network `mapstructure:"networks"`
		Executor   Executor                `mapstructure:"executor"`
		Execution  Execution               `mapstructure:"execution"`
		Auth       Auth                    `mapstructure:"auth"`
		Simulation Simulation              `mapstructure:"simulation"`
	}

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	}

	Network struct {
		ChainID        uint64 `mapstructure:"chain-id"`
		RPCURL         string `mapstructure:"rpc-url"`
		ManagerAddress string `mapstructure:"manager-address"`
		AuthAddress    string `mapstructure:"auth-address"`
	}

	Executor struct {
		PrivateKey string `mapstructure:"private-key"`
	}

	Execution struct {
		GasSafetyMarginPercent uint64        `mapstructure:"gas-safety-margin-percent"`
		ConfirmationTimeout    time.Duration `mapstructure:"confirmation-timeout"`
		PollInterval           time.Duration `mapstructure:"poll-interval"`
		MaxRetries             uint64        `mapstructure:"max-retries"`
		RetryBackoff           time.Duration `mapstructure:"retry-backoff"`
		MaxParallelChains      int           `mapstructure:"max-parallel-chains"`
	}

	Auth struct {
		Threshold int      `mapstructure:"threshold"`
		Owners    []string `mapstructure:"owners"`
		Proposers []string `mapstructure:"proposers"`
		Mode      string   `mapstructure:"mode"`
	}

	Simulation struct {
		Enabled      bool          `mapstructure:"enabled"`
		Image        string        `mapstructure:"image"`
		Port         int           `mapstructure:"port"`
		ReadyTimeout time.Duration `mapstructure:"ready-timeout"`
	}
)

// NetworkByChainID returns the configured network serving chainID.
func (c *Config) NetworkByChainID(chainID uint64) (NetworkName, Network, bool) {
	for name, n := range c.Networks {
		if n.ChainID == chainID {
			return name, n, true
		}
	}
	return "", Network{}, false
}

// Validate checks the settings every command needs.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Networks) == 0 {
		errs = append(errs, errors.New("networks is required"))
	}

	names := make([]NetworkName, 0, len(c.Networks))
	for name := range c.Networks {
		names = append(names, name)
	}
	slices.Sort(names)

	seen := make(map[uint64]NetworkName, len(c.Networks))
	for _, name := range names {
		n := c.Networks[name]
		if err := n.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("networks.%s: %w", name, err))
		}
		if other, dup := seen[n.ChainID]; dup && n.ChainID != 0 {
			errs = append(errs, fmt.Errorf("networks.%s.chain-id %d is already used by networks.%s", name, n.ChainID, other))
		}
		seen[n.ChainID] = name
	}

	if err := c.Execution.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Auth.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Simulation.Enabled {
		if c.Simulation.Image == "" {
			errs = append(errs, errors.New("simulation.image is required when simulation is enabled"))
		}
		if c.Simulation.Port <= 0 || c.Simulation.Port > 65535 {
			errs = append(errs, errors.New("simulation.port must be a valid TCP port"))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %w", errors.Join(errs...))
	}

	return nil
}

func (n Network) Validate() error {
	var errs []error

	if n.ChainID == 0 {
		errs = append(errs, errors.New("chain-id is required"))
	}
	if n.RPCURL == "" {
		errs = append(errs, errors.New("rpc-url is required"))
	}
	if !common.IsHexAddress(n.ManagerAddress) {
		errs = append(errs, errors.New("manager-address must be a hex address"))
	}
	if n.AuthAddress != "" && !common.IsHexAddress(n.AuthAddress) {
		errs = append(errs, errors.New("auth-address must be a hex address"))
	}

	return errors.Join(errs...)
}

func (e Execution) Validate() error {
	var errs []error

	if e.GasSafetyMarginPercent == 0 || e.GasSafetyMarginPercent > 100 {
		errs = append(errs, errors.New("execution.gas-safety-margin-percent must be within 1..100"))
	}
	if e.ConfirmationTimeout <= 0 {
		errs = append(errs, errors.New("execution.confirmation-timeout must be positive"))
	}
	if e.PollInterval <= 0 {
		errs = append(errs, errors.New("execution.poll-interval must be positive"))
	}
	if e.RetryBackoff < 0 {
		errs = append(errs, errors.New("execution.retry-backoff must not be negative"))
	}

	return errors.Join(errs...)
}

func (a Auth) Validate() error {
	var errs []error

	if a.Mode != "" && a.Mode != "owners" && a.Mode != "proposers" {
		errs = append(errs, errors.New("auth.mode must be either 'owners' or 'proposers'"))
	}
	if a.Threshold < 0 {
		errs = append(errs, errors.New("auth.threshold must not be negative"))
	}
	if a.Threshold > 0 && a.Threshold > len(a.Owners) {
		errs = append(errs, fmt.Errorf("auth.threshold %d exceeds the %d configured owners", a.Threshold, len(a.Owners)))
	}
	for i, o := range a.Owners {
		if !common.IsHexAddress(o) {
			errs = append(errs, fmt.Errorf("auth.owners[%d] must be a hex address", i))
		}
	}
	for i, p := range a.Proposers {
		if !common.IsHexAddress(p) {
			errs = append(errs, fmt.Errorf("auth.proposers[%d] must be a hex address", i))
		}
	}

	return errors.Join(errs...)
}
