package auth

import (
	"errors"
	"fmt"

	"github.com/sphinx-labs/deployer/internal/leaf"
)

// ErrInvalidTransition is returned when a leaf cannot be applied in the
// current authorization state.
var ErrInvalidTransition = errors.New("invalid authorization state transition")

// Status mirrors the on-chain status of a (chain, root) pair.
type Status uint8

const (
	StatusEmpty Status = iota
	StatusSetup
	StatusProposed
	StatusCompleted
)

func (s Status) String() string {
	switch s {
	case StatusEmpty:
		return "EMPTY"
	case StatusSetup:
		return "SETUP"
	case StatusProposed:
		return "PROPOSED"
	case StatusCompleted:
		return "COMPLETED"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// State is the authorization progress of one root on one chain.
type State struct {
	Status        Status
	NumLeafs      uint64
	LeafsExecuted uint64
}

// StateMachine replays authorization leaves locally so that a submission
// that the contract would reject is caught before any gas is spent.
//
// Leaves must arrive in strict index order: leaf i is only accepted once
// leaves 0..i-1 have been applied.
type StateMachine struct {
	chainID          uint64
	state            State
	chainProposed    bool
	deploymentActive bool
}

// NewStateMachine starts from an observed on-chain state. chainProposed
// reports whether any root was ever proposed on the chain and
// deploymentActive whether a deployment is currently mid-execution.
func NewStateMachine(chainID uint64, state State, chainProposed, deploymentActive bool) *StateMachine {
	return &StateMachine{
		chainID:          chainID,
		state:            state,
		chainProposed:    chainProposed,
		deploymentActive: deploymentActive,
	}
}

func (m *StateMachine) State() State {
	return m.state
}

func (m *StateMachine) DeploymentActive() bool {
	return m.deploymentActive
}

// Apply advances the state by one leaf.
func (m *StateMachine) Apply(l leaf.Leaf) error {
	if l.ChainID != m.chainID {
		return fmt.Errorf("%w: leaf for chain %d applied to chain %d", ErrInvalidTransition, l.ChainID, m.chainID)
	}
	if m.state.Status == StatusCompleted {
		return fmt.Errorf("%w: root already completed on chain %d", ErrInvalidTransition, m.chainID)
	}
	if l.Index != m.state.LeafsExecuted {
		return fmt.Errorf("%w: chain %d expects leaf %d, got %d", ErrInvalidTransition, m.chainID, m.state.LeafsExecuted, l.Index)
	}

	payload, err := l.Payload()
	if err != nil {
		return err
	}

	next := m.state
	switch p := payload.(type) {
	case leaf.SetupPayload:
		if m.state.Status != StatusEmpty || m.chainProposed {
			return fmt.Errorf("%w: setup is only allowed before the first proposal on chain %d", ErrInvalidTransition, m.chainID)
		}
		next.NumLeafs = p.NumLeaves
		next.Status = StatusSetup

	case leaf.ProposePayload:
		switch m.state.Status {
		case StatusEmpty:
			next.NumLeafs = p.NumLeaves
		case StatusSetup:
			if p.NumLeaves != m.state.NumLeafs {
				return fmt.Errorf("%w: propose declares %d leaves, setup declared %d", ErrInvalidTransition, p.NumLeaves, m.state.NumLeafs)
			}
		default:
			return fmt.Errorf("%w: cannot propose in status %s", ErrInvalidTransition, m.state.Status)
		}
		next.Status = StatusProposed

	case leaf.ApproveDeploymentPayload:
		if m.state.Status != StatusProposed {
			return fmt.Errorf("%w: cannot approve a deployment in status %s", ErrInvalidTransition, m.state.Status)
		}
		if m.deploymentActive {
			return fmt.Errorf("%w: another deployment is active on chain %d", ErrInvalidTransition, m.chainID)
		}

	case leaf.CancelActiveDeploymentPayload:
		if m.state.Status != StatusProposed {
			return fmt.Errorf("%w: cannot cancel in status %s", ErrInvalidTransition, m.state.Status)
		}
		if !m.deploymentActive {
			return fmt.Errorf("%w: no active deployment to cancel on chain %d", ErrInvalidTransition, m.chainID)
		}

	case leaf.UpgradePayload:
		if m.state.Status != StatusProposed {
			return fmt.Errorf("%w: cannot upgrade in status %s", ErrInvalidTransition, m.state.Status)
		}

	default:
		return fmt.Errorf("%w: %s is not an authorization leaf", ErrInvalidTransition, l.LeafType)
	}

	next.LeafsExecuted++
	if next.LeafsExecuted > next.NumLeafs {
		return fmt.Errorf("%w: leaf %d exceeds the %d leaves declared for chain %d", ErrInvalidTransition, l.Index, next.NumLeafs, m.chainID)
	}
	if next.LeafsExecuted == next.NumLeafs {
		next.Status = StatusCompleted
	}

	m.state = next
	switch payload.(type) {
	case leaf.ProposePayload:
		m.chainProposed = true
	case leaf.ApproveDeploymentPayload:
		m.deploymentActive = true
	case leaf.CancelActiveDeploymentPayload:
		m.deploymentActive = false
	}

	return nil
}
