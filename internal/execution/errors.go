package execution

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrTransient wraps failures that persisted through every retry.
	ErrTransient = errors.New("transient execution error")
	// ErrActionReverted is matched by every ActionError.
	ErrActionReverted = errors.New("action reverted")
	// ErrDeploymentNotActive means the deployment was cancelled, never
	// approved, or replaced while the driver was running.
	ErrDeploymentNotActive = errors.New("deployment is not active")
	// ErrManagerReverted means executeActions reverted on an action whose
	// own failure the manager would have absorbed.
	ErrManagerReverted = errors.New("manager reverted")
)

// ActionError identifies the action that stopped a deployment. TxHash is the
// zero hash when the revert was caught in simulation and nothing was
// broadcast.
type ActionError struct {
	ChainID     uint64
	ActionIndex uint64
	TxHash      common.Hash
	Reason      string
}

func (e *ActionError) Error() string {
	msg := fmt.Sprintf("chain %d: action %d reverted", e.ChainID, e.ActionIndex)
	if e.TxHash != (common.Hash{}) {
		msg += " in tx " + e.TxHash.Hex()
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *ActionError) Unwrap() error {
	return ErrActionReverted
}
