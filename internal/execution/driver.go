// Package execution drives an approved deployment on one chain to a terminal
// state.
//
// The on-chain DeploymentState is the only source of truth: it is re-read
// before every batch, so the driver can be stopped and restarted at any point
// and several drivers can race on the same deployment without executing an
// action twice.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/sphinx-labs/deployer/internal/bundle"
	"github.com/sphinx-labs/deployer/internal/chain"
	"github.com/sphinx-labs/deployer/internal/funding"
	"github.com/sphinx-labs/deployer/internal/leaf"
	"github.com/sphinx-labs/deployer/internal/logger"
)

// approveGas is the worst-case gas budgeted for an APPROVE leaf, which has
// no declared gas of its own.
const approveGas = 150_000

type (
	Manager interface {
		Address() common.Address
		ActiveDeploymentID(ctx context.Context) (common.Hash, error)
		DeploymentState(ctx context.Context, deploymentID common.Hash) (chain.DeploymentState, error)
		PackExecuteActions(actions []bundle.LeafWithProof) ([]byte, error)
	}

	Sender interface {
		Simulate(ctx context.Context, call chain.Call) ([]byte, error)
		Send(ctx context.Context, call chain.Call) (*types.Transaction, error)
		Wait(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
		RevertReason(ctx context.Context, call chain.Call, blockNumber *big.Int) string
	}

	// FundsReader reports what the manager can spend. *funding.Guard
	// satisfies it.
	FundsReader interface {
		Available(ctx context.Context, account common.Address) (*big.Int, error)
	}

	Config struct {
		GasSafetyMarginPercent uint64
		MaxRetries             uint64
		RetryBackoff           time.Duration
	}

	Dependencies struct {
		Manager Manager
		Sender  Sender
		Headers chain.HeaderReader
		// Funds is optional; without it funding failures carry no shortfall.
		Funds FundsReader
	}

	Result struct {
		ChainID         uint64
		DeploymentID    common.Hash
		Status          chain.DeploymentStatus
		ActionsExecuted uint64
		TxHashes        []common.Hash
		FinalTxHash     common.Hash
	}

	action struct {
		bundle.LeafWithProof
		gas   uint64
		value *big.Int
		// requireSuccess is false for actions whose failure the manager
		// absorbs without reverting executeActions.
		requireSuccess bool
	}

	Driver struct {
		chainID uint64
		actions []action
		safe    common.Address
		deps    Dependencies
		config  Config
		logger  *slog.Logger
	}

	// step is the outcome of one state read plus at most one submission.
	step struct {
		state  chain.DeploymentState
		txHash common.Hash
		// split asks for single-action batches up to splitEnd, the end of
		// the reverted batch.
		split    bool
		splitEnd uint64
	}
)

// NewDriver prepares the action list of chainID from b. Arbitrary-chain
// leaves (chain id 0) are accepted on every chain.
func NewDriver(chainID uint64, b bundle.Bundle, deps Dependencies, config Config) (*Driver, error) {
	if config.GasSafetyMarginPercent == 0 || config.GasSafetyMarginPercent > 100 {
		return nil, fmt.Errorf("gas safety margin must be within (0,100], got %d", config.GasSafetyMarginPercent)
	}

	var actions []action
	for _, lp := range b.LeavesForChain(chainID) {
		if lp.Leaf.LeafType.IsAuth() {
			continue
		}
		if lp.Leaf.Index != uint64(len(actions)) {
			return nil, fmt.Errorf("%w: chain %d action at position %d has index %d", leaf.ErrEncoding, chainID, len(actions), lp.Leaf.Index)
		}

		payload, err := lp.Leaf.Payload()
		if err != nil {
			return nil, fmt.Errorf("chain %d action %d: %w", chainID, lp.Leaf.Index, err)
		}

		a := action{LeafWithProof: lp, gas: approveGas, value: new(big.Int), requireSuccess: true}
		if execute, ok := payload.(leaf.ExecutePayload); ok {
			a.gas = execute.Gas
			a.value = execute.Value
			a.requireSuccess = execute.RequireSuccess
		}
		actions = append(actions, a)
	}
	if len(actions) == 0 {
		return nil, fmt.Errorf("bundle %s has no actions for chain %d", b.Root.Hex(), chainID)
	}

	approve, err := actions[0].Leaf.Payload()
	if err != nil {
		return nil, err
	}
	approvePayload, ok := approve.(leaf.ApprovePayload)
	if !ok {
		return nil, fmt.Errorf("%w: chain %d action 0 is %s, expected APPROVE", leaf.ErrEncoding, chainID, actions[0].Leaf.LeafType)
	}

	return &Driver{
		chainID: chainID,
		actions: actions,
		safe:    approvePayload.Safe,
		deps:    deps,
		config:  config,
		logger:  logger.Named("execution_driver").With("chain_id", chainID),
	}, nil
}

// ExecuteApprovedDeployment executes the remaining actions of deploymentID
// in index order until the deployment completes or a terminal error occurs.
func (d *Driver) ExecuteApprovedDeployment(ctx context.Context, deploymentID common.Hash) (Result, error) {
	log := d.logger.With("deployment_id", deploymentID.Hex())
	result := Result{ChainID: d.chainID, DeploymentID: deploymentID}

	// single-action batches are used until the actions of a reverted
	// batch have all been executed one by one
	var singleUntil uint64
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		single := result.ActionsExecuted < singleUntil
		var sent []common.Hash
		s, err := backoff.RetryWithData(func() (step, error) {
			s, err := d.step(ctx, deploymentID, single)
			// a retry after an unknown confirmation may find the batch
			// landed and send nothing, so hashes are kept per attempt
			if s.txHash != (common.Hash{}) {
				sent = append(sent, s.txHash)
			}
			if err != nil && !chain.IsTransient(err) {
				return s, backoff.Permanent(err)
			}
			if err != nil {
				log.With("err", err.Error()).Warn("transient failure, re-reading deployment state")
			}
			return s, err
		}, d.retryPolicy(ctx))

		result.Status = s.state.Status
		result.ActionsExecuted = s.state.ActionsExecuted
		if len(sent) > 0 {
			result.TxHashes = append(result.TxHashes, sent...)
			result.FinalTxHash = sent[len(sent)-1]
		}

		if err != nil {
			if chain.IsTransient(err) {
				return result, fmt.Errorf("%w: chain %d gave up after %d retries: %w", ErrTransient, d.chainID, d.config.MaxRetries, err)
			}
			return result, err
		}

		if s.state.Status == chain.DeploymentCompleted {
			log.
				With("actions_executed", s.state.ActionsExecuted).
				With("tx_hash", result.FinalTxHash.Hex()).
				Info("deployment completed")
			return result, nil
		}

		if s.split {
			log.
				With("leaf_index", s.state.ActionsExecuted).
				With("until", s.splitEnd).
				Info("batch reverted, switching to single-action batches")
			singleUntil = s.splitEnd
		}
	}
}

func (d *Driver) retryPolicy(ctx context.Context) backoff.BackOff {
	return backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(d.config.RetryBackoff), d.config.MaxRetries),
		ctx,
	)
}

// step reads the deployment state and, if work remains, submits one batch.
func (d *Driver) step(ctx context.Context, deploymentID common.Hash, single bool) (step, error) {
	state, err := d.deps.Manager.DeploymentState(ctx, deploymentID)
	if err != nil {
		return step{}, fmt.Errorf("failed to read deployment state: %w", err)
	}
	s := step{state: state}

	if state.Status == chain.DeploymentCompleted {
		return s, nil
	}
	if !state.Status.Active() {
		return s, fmt.Errorf("%w: chain %d deployment %s is %s after %d actions", ErrDeploymentNotActive, d.chainID, deploymentID.Hex(), state.Status, state.ActionsExecuted)
	}

	active, err := d.deps.Manager.ActiveDeploymentID(ctx)
	if err != nil {
		return s, fmt.Errorf("failed to read active deployment: %w", err)
	}
	if active != deploymentID {
		return s, fmt.Errorf("%w: chain %d is executing %s, not %s", ErrDeploymentNotActive, d.chainID, active.Hex(), deploymentID.Hex())
	}

	next := state.ActionsExecuted
	if next >= uint64(len(d.actions)) {
		return s, fmt.Errorf("chain %d reports %d actions executed but the bundle has %d and the deployment is still %s", d.chainID, next, len(d.actions), state.Status)
	}

	batch, err := d.nextBatch(ctx, next, single)
	if err != nil {
		return s, err
	}

	return d.submit(ctx, deploymentID, s, batch)
}

// nextBatch takes actions from start while their summed gas fits the budget.
// An action larger than the whole budget is sent alone.
func (d *Driver) nextBatch(ctx context.Context, start uint64, single bool) ([]action, error) {
	if single {
		return d.actions[start : start+1], nil
	}

	gasLimit, err := chain.BlockGasLimit(ctx, d.deps.Headers)
	if err != nil {
		return nil, err
	}
	budget := gasLimit / 100 * d.config.GasSafetyMarginPercent

	end := start + 1
	total := d.actions[start].gas
	for end < uint64(len(d.actions)) && total+d.actions[end].gas <= budget {
		total += d.actions[end].gas
		end++
	}

	return d.actions[start:end], nil
}

func (d *Driver) submit(ctx context.Context, deploymentID common.Hash, s step, batch []action) (step, error) {
	first := batch[0].Leaf.Index
	log := d.logger.
		With("deployment_id", deploymentID.Hex()).
		With("leaf_index", first).
		With("batch_size", len(batch))

	leaves := make([]bundle.LeafWithProof, 0, len(batch))
	for _, a := range batch {
		leaves = append(leaves, a.LeafWithProof)
	}
	data, err := d.deps.Manager.PackExecuteActions(leaves)
	if err != nil {
		return s, err
	}
	call := chain.Call{To: d.deps.Manager.Address(), Data: data}

	if _, err := d.deps.Sender.Simulate(ctx, call); err != nil {
		return d.reverted(ctx, s, batch, common.Hash{}, err)
	}

	tx, err := d.deps.Sender.Send(ctx, call)
	if err != nil {
		return d.reverted(ctx, s, batch, common.Hash{}, err)
	}
	s.txHash = tx.Hash()
	log = log.With("tx_hash", tx.Hash().Hex())
	log.Debug("batch submitted")

	receipt, err := d.deps.Sender.Wait(ctx, tx)
	if err != nil {
		// unknown outcome: the retry re-reads actionsExecuted before
		// anything is resubmitted
		return s, err
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		// another executor may have landed the same batch first
		fresh, err := d.deps.Manager.DeploymentState(ctx, deploymentID)
		if err == nil && (fresh.ActionsExecuted > first || fresh.Status != s.state.Status) {
			log.Info("batch reverted after the deployment advanced elsewhere")
			s.state = fresh
			return s, nil
		}

		reason := d.deps.Sender.RevertReason(ctx, call, receipt.BlockNumber)
		return d.reverted(ctx, s, batch, tx.Hash(), &chain.RevertError{Reason: reason})
	}

	s.state.ActionsExecuted = first + uint64(len(batch))
	log.Info("batch executed")

	return s, nil
}

// reverted classifies a failed simulation, send, or receipt.
func (d *Driver) reverted(ctx context.Context, s step, batch []action, txHash common.Hash, cause error) (step, error) {
	if chain.IsInsufficientFunds(cause) {
		return s, d.fundingError(ctx, batch)
	}

	var revert *chain.RevertError
	if !errors.As(cause, &revert) {
		return s, cause
	}

	if len(batch) > 1 {
		s.split = true
		s.splitEnd = batch[0].Leaf.Index + uint64(len(batch))
		return s, nil
	}

	// the manager checks its balance before forwarding value, so a lone
	// action that reverts while underfunded is a funding failure
	if d.deps.Funds != nil {
		if fundsErr := d.fundingError(ctx, batch); fundsErr.Shortfall != nil {
			return s, fundsErr
		}
	}

	if !batch[0].requireSuccess {
		return s, fmt.Errorf("%w: chain %d action %d does not require success but executeActions reverted: %w", ErrManagerReverted, d.chainID, batch[0].Leaf.Index, revert)
	}

	return s, &ActionError{
		ChainID:     d.chainID,
		ActionIndex: batch[0].Leaf.Index,
		TxHash:      txHash,
		Reason:      revert.Reason,
	}
}

func (d *Driver) fundingError(ctx context.Context, batch []action) *funding.InsufficientFundsError {
	fundsErr := &funding.InsufficientFundsError{ChainID: d.chainID}
	if d.deps.Funds == nil {
		return fundsErr
	}

	available, err := d.deps.Funds.Available(ctx, d.safe)
	if err != nil {
		d.logger.With("err", err.Error()).Warn("failed to compute funding shortfall")
		return fundsErr
	}

	required := new(big.Int)
	for _, a := range batch {
		required.Add(required, a.value)
	}
	if shortfall := new(big.Int).Sub(required, available); shortfall.Sign() > 0 {
		fundsErr.Shortfall = shortfall
	}

	return fundsErr
}
