// Package report writes the outcome of a rollout as YAML so that every
// failure can be checked on chain by its chain id, action index, and
// transaction hash.
package report

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/sphinx-labs/deployer/internal/execution"
	"github.com/sphinx-labs/deployer/internal/funding"
	"github.com/sphinx-labs/deployer/internal/rollout"
)

const (
	FailureReverted     = "action-reverted"
	FailureFunding      = "insufficient-funds"
	FailureNotActive    = "deployment-not-active"
	FailureTransient    = "transient"
	FailureUnclassified = "error"
)

type Generator struct {
}

func NewGenerator() *Generator {
	return &Generator{}
}

// Build converts rollout outcomes into the report model.
func (g *Generator) Build(root common.Hash, outcomes []rollout.ChainOutcome) Model {
	model := Model{Root: root.Hex(), Chains: make([]Chain, 0, len(outcomes))}

	for _, o := range outcomes {
		c := Chain{
			ChainID:         o.Result.ChainID,
			DeploymentID:    o.Result.DeploymentID.Hex(),
			Status:          o.Result.Status.String(),
			ActionsExecuted: o.Result.ActionsExecuted,
		}
		for _, h := range o.Result.TxHashes {
			c.TxHashes = append(c.TxHashes, h.Hex())
		}
		if o.Result.FinalTxHash != (common.Hash{}) {
			c.FinalTxHash = o.Result.FinalTxHash.Hex()
		}
		if o.Err != nil {
			c.Failure = failure(o.Err)
		}
		model.Chains = append(model.Chains, c)
	}

	return model
}

// Generate writes the report for outcomes to path.
func (g *Generator) Generate(path string, root common.Hash, outcomes []rollout.ChainOutcome) error {
	data, err := yaml.Marshal(g.Build(root, outcomes))
	if err != nil {
		return fmt.Errorf("could not marshal report model. Err: '%w'", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("could not create report directory. Err: '%w'", err)
		}
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("could not write report file. Err: '%w'", err)
	}

	return nil
}

func failure(err error) *Failure {
	f := &Failure{Kind: FailureUnclassified, Message: SingleQuotedString(err.Error())}

	var (
		actionErr *execution.ActionError
		fundsErr  *funding.InsufficientFundsError
	)
	switch {
	case errors.As(err, &actionErr):
		f.Kind = FailureReverted
		index := actionErr.ActionIndex
		f.ActionIndex = &index
		if actionErr.TxHash != (common.Hash{}) {
			f.TxHash = actionErr.TxHash.Hex()
		}
	case errors.As(err, &fundsErr):
		f.Kind = FailureFunding
		if fundsErr.Shortfall != nil {
			f.Shortfall = fundsErr.Shortfall.String()
		}
	case errors.Is(err, execution.ErrDeploymentNotActive):
		f.Kind = FailureNotActive
	case errors.Is(err, execution.ErrTransient):
		f.Kind = FailureTransient
	}

	return f
}
