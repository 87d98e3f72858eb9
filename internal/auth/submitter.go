package auth

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/sphinx-labs/deployer/internal/bundle"
	"github.com/sphinx-labs/deployer/internal/chain"
	"github.com/sphinx-labs/deployer/internal/logger"
)

type (
	Contract interface {
		Address() common.Address
		AuthState(ctx context.Context, root common.Hash) (chain.AuthState, error)
		FirstProposalOccurred(ctx context.Context) (bool, error)
		PackSubmission(root common.Hash, lp bundle.LeafWithProof, signatures [][]byte) ([]byte, error)
	}

	ActiveDeploymentReader interface {
		ActiveDeploymentID(ctx context.Context) (common.Hash, error)
	}

	Sender interface {
		Send(ctx context.Context, call chain.Call) (*types.Transaction, error)
		Wait(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
	}

	// Submitter pushes one chain's authorization leaves to its auth
	// contract, one leaf per transaction, resuming after the leaves the
	// contract has already executed.
	Submitter struct {
		chainID     uint64
		contract    Contract
		deployments ActiveDeploymentReader
		sender      Sender
		policy      Policy
		logger      *slog.Logger
	}
)

func NewSubmitter(chainID uint64, contract Contract, deployments ActiveDeploymentReader, sender Sender, policy Policy) *Submitter {
	return &Submitter{
		chainID:     chainID,
		contract:    contract,
		deployments: deployments,
		sender:      sender,
		policy:      policy,
		logger:      logger.Named("auth_submitter").With("chain_id", chainID),
	}
}

// Submit verifies and submits every pending leaf of b on the submitter's
// chain. Each leaf is checked against the signature policy and the local
// state machine before it is sent. It returns the hashes of the sent
// transactions.
func (s *Submitter) Submit(ctx context.Context, b bundle.Bundle, sigs []Signature) ([]common.Hash, error) {
	leaves := b.LeavesForChain(s.chainID)
	if len(leaves) == 0 {
		return nil, fmt.Errorf("auth bundle %s has no leaves for chain %d", b.Root.Hex(), s.chainID)
	}

	onChain, err := s.contract.AuthState(ctx, b.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to read auth state: %w", err)
	}
	proposed, err := s.contract.FirstProposalOccurred(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read proposal history: %w", err)
	}
	active, err := s.deployments.ActiveDeploymentID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read active deployment: %w", err)
	}

	machine := NewStateMachine(s.chainID, State{
		Status:        Status(onChain.Status),
		NumLeafs:      onChain.NumLeafs,
		LeafsExecuted: onChain.LeafsExecuted,
	}, proposed, active != (common.Hash{}))

	sorted := SortSignatures(sigs)

	var hashes []common.Hash
	for _, lp := range leaves {
		if lp.Leaf.Index < onChain.LeafsExecuted {
			continue
		}

		log := s.logger.With("leaf_index", lp.Leaf.Index).With("leaf_type", lp.Leaf.LeafType.String())

		selected := s.selectSignatures(sorted, lp)
		if _, err := s.policy.Authorize(b.Root, lp.Leaf, selected); err != nil {
			return hashes, err
		}
		if err := machine.Apply(lp.Leaf); err != nil {
			return hashes, fmt.Errorf("leaf %d on chain %d: %w", lp.Leaf.Index, s.chainID, err)
		}

		data, err := s.contract.PackSubmission(b.Root, lp, selected)
		if err != nil {
			return hashes, err
		}

		tx, err := s.sender.Send(ctx, chain.Call{To: s.contract.Address(), Data: data})
		if err != nil {
			return hashes, fmt.Errorf("failed to submit leaf %d on chain %d: %w", lp.Leaf.Index, s.chainID, chain.AsRevert(err))
		}
		hashes = append(hashes, tx.Hash())

		receipt, err := s.sender.Wait(ctx, tx)
		if err != nil {
			return hashes, fmt.Errorf("failed to confirm leaf %d on chain %d (tx %s): %w", lp.Leaf.Index, s.chainID, tx.Hash().Hex(), err)
		}
		if receipt.Status != types.ReceiptStatusSuccessful {
			return hashes, fmt.Errorf("leaf %d on chain %d reverted in tx %s", lp.Leaf.Index, s.chainID, tx.Hash().Hex())
		}

		log.With("tx_hash", tx.Hash().Hex()).With("status", machine.State().Status.String()).Info("authorization leaf executed")
	}

	return hashes, nil
}

// selectSignatures keeps the signatures whose claimed signer may sign lp.
func (s *Submitter) selectSignatures(sigs []Signature, lp bundle.LeafWithProof) [][]byte {
	allowed := s.policy.Signers(lp.Leaf.LeafType)

	out := make([][]byte, 0, len(sigs))
	for _, sig := range sigs {
		if slices.Contains(allowed, sig.Signer) {
			out = append(out, sig.Data)
		}
	}
	return out
}
