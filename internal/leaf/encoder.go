package leaf

import (
	"fmt"
)

// MakeDeploymentLeaves turns one chain's deployment into its APPROVE leaf
// followed by one EXECUTE leaf per transaction, indexed from 0.
//
// Arbitrary-chain deployments are encoded with chain id 0 so that the same
// leaves verify on every chain.
func MakeDeploymentLeaves(data NetworkDeploymentData) ([]Leaf, error) {
	if data.ChainID == 0 && !data.ArbitraryChain {
		return nil, fmt.Errorf("%w: chain id is required", ErrEncoding)
	}

	chainID := data.ChainID
	if data.ArbitraryChain {
		chainID = 0
	}

	numLeaves := uint64(len(data.Transactions)) + 1
	leaves := make([]Leaf, 0, numLeaves)

	approve, err := NewLeaf(chainID, 0, ApprovePayload{
		Safe:           data.Safe,
		Module:         data.Module,
		Nonce:          data.Nonce,
		NumLeaves:      numLeaves,
		Executor:       data.Executor,
		URI:            data.URI,
		ArbitraryChain: data.ArbitraryChain,
	})
	if err != nil {
		return nil, err
	}
	leaves = append(leaves, approve)

	for i, tx := range data.Transactions {
		execute, err := NewLeaf(chainID, uint64(i)+1, ExecutePayload{
			To:             tx.To,
			Value:          tx.Value,
			Gas:            tx.Gas,
			Data:           tx.Data,
			Operation:      tx.Operation,
			RequireSuccess: tx.RequireSuccess,
		})
		if err != nil {
			return nil, fmt.Errorf("transaction %d: %w", i, err)
		}
		leaves = append(leaves, execute)
	}

	return leaves, nil
}

// CheckContiguous verifies that leaves are indexed 0..n-1 in order and all
// belong to chainID.
func CheckContiguous(chainID uint64, leaves []Leaf) error {
	for i, l := range leaves {
		if l.ChainID != chainID {
			return fmt.Errorf("%w: leaf %d belongs to chain %d, expected %d", ErrEncoding, i, l.ChainID, chainID)
		}
		if l.Index != uint64(i) {
			return fmt.Errorf("%w: leaf at position %d has index %d", ErrEncoding, i, l.Index)
		}
	}
	return nil
}
