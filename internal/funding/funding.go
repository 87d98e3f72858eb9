// Package funding compares what a deployment will cost on a chain with what
// the manager can pay, and advises how much to top up.
package funding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/sphinx-labs/deployer/internal/bundle"
	"github.com/sphinx-labs/deployer/internal/chain"
	"github.com/sphinx-labs/deployer/internal/leaf"
	"github.com/sphinx-labs/deployer/internal/logger"
)

// ErrInsufficientFunds is matched by every InsufficientFundsError.
var ErrInsufficientFunds = errors.New("insufficient funds")

// InsufficientFundsError carries the computed shortfall. Shortfall is nil
// when the node rejected a transaction for funds but the amount could not be
// determined.
type InsufficientFundsError struct {
	ChainID   uint64
	Shortfall *big.Int
}

func (e *InsufficientFundsError) Error() string {
	if e.Shortfall == nil {
		return fmt.Sprintf("chain %d: insufficient funds", e.ChainID)
	}
	return fmt.Sprintf("chain %d: insufficient funds, top up at least %s wei", e.ChainID, e.Shortfall)
}

func (e *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}

type (
	Client interface {
		BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
		EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
		SuggestGasPrice(ctx context.Context) (*big.Int, error)
	}

	Manager interface {
		Address() common.Address
		DeploymentState(ctx context.Context, deploymentID common.Hash) (chain.DeploymentState, error)
		TotalDebt(ctx context.Context) (*big.Int, error)
		PackExecuteActions(actions []bundle.LeafWithProof) ([]byte, error)
	}

	// Guard advises on funding for one chain. It never blocks execution.
	Guard struct {
		chainID  uint64
		client   Client
		manager  Manager
		executor common.Address
		logger   *slog.Logger
	}
)

func NewGuard(chainID uint64, client Client, manager Manager, executor common.Address) *Guard {
	return &Guard{
		chainID:  chainID,
		client:   client,
		manager:  manager,
		executor: executor,
		logger:   logger.Named("funding_guard").With("chain_id", chainID),
	}
}

// Available returns balance(account) minus the manager's outstanding debt,
// floored at zero.
func (g *Guard) Available(ctx context.Context, account common.Address) (*big.Int, error) {
	balance, err := g.client.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get balance of %s: %w", account.Hex(), err)
	}
	debt, err := g.manager.TotalDebt(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get total debt: %w", err)
	}

	available := new(big.Int).Sub(balance, debt)
	if available.Sign() < 0 {
		available.SetInt64(0)
	}
	return available, nil
}

// Required estimates the cost of executing the actions of b on the guard's
// chain that have not run yet: the gas of one executeActions call at the
// current gas price plus the value those actions transfer. The dry run sends
// the leaves and proofs of the approved bundle, so it is checked against the
// same root the manager holds. When the node cannot estimate the call, for
// example because the deployment is not approved yet, the declared gas
// limits are summed instead.
func (g *Guard) Required(ctx context.Context, b bundle.Bundle, data leaf.NetworkDeploymentData) (*big.Int, error) {
	gasPrice, err := g.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}

	pending, err := g.pending(ctx, b, data.URI)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return new(big.Int), nil
	}

	gas, err := g.estimate(ctx, pending)
	if err != nil {
		gas = declaredGas(pending)
		g.logger.
			With("err", err.Error()).
			With("declared_gas", gas).
			Debug("gas estimation failed, falling back to declared gas limits")
	}

	required := new(big.Int).Mul(new(big.Int).SetUint64(gas), gasPrice)
	for _, a := range pending {
		required.Add(required, a.value)
	}

	return required, nil
}

// GetRequiredTopUp returns max(required - available, 0).
func (g *Guard) GetRequiredTopUp(ctx context.Context, b bundle.Bundle, data leaf.NetworkDeploymentData) (*big.Int, error) {
	available, err := g.Available(ctx, data.Safe)
	if err != nil {
		return nil, err
	}
	required, err := g.Required(ctx, b, data)
	if err != nil {
		return nil, err
	}

	topUp := new(big.Int).Sub(required, available)
	if topUp.Sign() < 0 {
		topUp.SetInt64(0)
	}

	g.logger.
		With("available", available.String()).
		With("required", required.String()).
		With("top_up", topUp.String()).
		Info("funding checked")

	return topUp, nil
}

// Check returns an InsufficientFundsError when a top-up is needed.
func (g *Guard) Check(ctx context.Context, b bundle.Bundle, data leaf.NetworkDeploymentData) error {
	topUp, err := g.GetRequiredTopUp(ctx, b, data)
	if err != nil {
		return err
	}
	if topUp.Sign() > 0 {
		return &InsufficientFundsError{ChainID: g.chainID, Shortfall: topUp}
	}
	return nil
}

type pendingAction struct {
	bundle.LeafWithProof
	gas   uint64
	value *big.Int
}

// pending returns the deployment leaves of the guard's chain from
// actionsExecuted onwards. A deployment the manager has not seen yet has
// executed nothing.
func (g *Guard) pending(ctx context.Context, b bundle.Bundle, uri string) ([]pendingAction, error) {
	id, err := bundle.DeploymentID(b.Root, uri)
	if err != nil {
		return nil, err
	}
	state, err := g.manager.DeploymentState(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to read deployment state: %w", err)
	}
	if state.Status == chain.DeploymentCompleted {
		return nil, nil
	}

	var out []pendingAction
	found := false
	for _, lp := range b.LeavesForChain(g.chainID) {
		if lp.Leaf.LeafType.IsAuth() {
			continue
		}
		found = true
		if lp.Leaf.Index < state.ActionsExecuted {
			continue
		}

		payload, err := lp.Leaf.Payload()
		if err != nil {
			return nil, fmt.Errorf("chain %d action %d: %w", g.chainID, lp.Leaf.Index, err)
		}
		a := pendingAction{LeafWithProof: lp, value: new(big.Int)}
		if execute, ok := payload.(leaf.ExecutePayload); ok {
			a.gas = execute.Gas
			a.value = execute.Value
		}
		out = append(out, a)
	}
	if !found {
		return nil, fmt.Errorf("bundle %s has no actions for chain %d", b.Root.Hex(), g.chainID)
	}

	return out, nil
}

func (g *Guard) estimate(ctx context.Context, pending []pendingAction) (uint64, error) {
	leaves := make([]bundle.LeafWithProof, 0, len(pending))
	for _, a := range pending {
		leaves = append(leaves, a.LeafWithProof)
	}
	calldata, err := g.manager.PackExecuteActions(leaves)
	if err != nil {
		return 0, err
	}

	to := g.manager.Address()
	return g.client.EstimateGas(ctx, ethereum.CallMsg{From: g.executor, To: &to, Data: calldata})
}

func declaredGas(pending []pendingAction) uint64 {
	var total uint64
	for _, a := range pending {
		total += a.gas
	}
	return total
}
