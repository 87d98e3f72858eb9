package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/sphinx-labs/deployer/internal/bundle"
	"github.com/sphinx-labs/deployer/internal/leaf"
)

// DeploymentStatus is the on-chain lifecycle of one deployment.
type DeploymentStatus uint8

const (
	DeploymentEmpty DeploymentStatus = iota
	DeploymentApproved
	DeploymentInitialActionsExecuted
	DeploymentProxiesInitiated
	DeploymentSetStorageActionsExecuted
	DeploymentCompleted
	DeploymentCancelled
)

var deploymentStatusNames = map[DeploymentStatus]string{
	DeploymentEmpty:                     "EMPTY",
	DeploymentApproved:                  "APPROVED",
	DeploymentInitialActionsExecuted:    "INITIAL_ACTIONS_EXECUTED",
	DeploymentProxiesInitiated:          "PROXIES_INITIATED",
	DeploymentSetStorageActionsExecuted: "SET_STORAGE_ACTIONS_EXECUTED",
	DeploymentCompleted:                 "COMPLETED",
	DeploymentCancelled:                 "CANCELLED",
}

func (s DeploymentStatus) String() string {
	if name, ok := deploymentStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("DeploymentStatus(%d)", uint8(s))
}

// Active reports whether actions may still be executed.
func (s DeploymentStatus) Active() bool {
	return s >= DeploymentApproved && s <= DeploymentSetStorageActionsExecuted
}

// DeploymentState is the on-chain record of one deployment.
type DeploymentState struct {
	Status           DeploymentStatus
	SelectedExecutor common.Address
	ActionsExecuted  uint64
}

// Manager reads deployment state from the manager contract and encodes
// execution calls for it.
type Manager struct {
	*contract
}

func NewManager(address common.Address, client Client) (*Manager, error) {
	c, err := newContract(address, ManagerMetaData, client)
	if err != nil {
		return nil, err
	}
	return &Manager{contract: c}, nil
}

func (m *Manager) Address() common.Address {
	return m.address
}

// ActiveDeploymentID returns the id of the deployment currently executing,
// or the zero hash.
func (m *Manager) ActiveDeploymentID(ctx context.Context) (common.Hash, error) {
	values, err := m.call(ctx, "activeDeploymentId")
	if err != nil {
		return common.Hash{}, err
	}
	return common.Hash(values[0].([32]byte)), nil
}

func (m *Manager) DeploymentState(ctx context.Context, deploymentID common.Hash) (DeploymentState, error) {
	values, err := m.call(ctx, "deployments", deploymentID)
	if err != nil {
		return DeploymentState{}, err
	}

	executed := values[2].(*big.Int)
	if !executed.IsUint64() {
		return DeploymentState{}, fmt.Errorf("actions executed counter %s exceeds uint64", executed)
	}

	return DeploymentState{
		Status:           DeploymentStatus(values[0].(uint8)),
		SelectedExecutor: values[1].(common.Address),
		ActionsExecuted:  executed.Uint64(),
	}, nil
}

// TotalDebt returns what the manager owes executors and protocol fees.
func (m *Manager) TotalDebt(ctx context.Context) (*big.Int, error) {
	values, err := m.call(ctx, "totalDebt")
	if err != nil {
		return nil, err
	}
	return values[0].(*big.Int), nil
}

// PackExecuteActions encodes one batch of deployment leaves with proofs.
func (m *Manager) PackExecuteActions(actions []bundle.LeafWithProof) ([]byte, error) {
	leaves := make([]leaf.ABILeaf, 0, len(actions))
	proofs := make([][]common.Hash, 0, len(actions))
	for _, a := range actions {
		leaves = append(leaves, a.Leaf.ToABI())
		proofs = append(proofs, a.Proof)
	}

	data, err := m.abi.Pack("executeActions", leaves, proofs)
	if err != nil {
		return nil, fmt.Errorf("failed to pack executeActions: %w", err)
	}
	return data, nil
}
