package auth

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/sphinx-labs/deployer/internal/leaf"
)

// Mode selects who may sign PROPOSE leaves.
type Mode string

const (
	ModeOwners    Mode = "owners"
	ModeProposers Mode = "proposers"
)

// Policy is the enrolled signer set of one chain.
type Policy struct {
	Owners    []common.Address
	Proposers []common.Address
	Threshold int
	Mode      Mode
}

// Signers returns the addresses allowed to sign a leaf of type t.
func (p Policy) Signers(t leaf.LeafType) []common.Address {
	if t == leaf.TypePropose && p.Mode == ModeProposers {
		return p.Proposers
	}
	return p.Owners
}

// Authorize verifies that sigs over root authorize l.
func (p Policy) Authorize(root common.Hash, l leaf.Leaf, sigs [][]byte) ([]common.Address, error) {
	if !l.LeafType.IsAuth() {
		return nil, fmt.Errorf("%w: %s is not an authorization leaf", ErrUnauthorized, l.LeafType)
	}

	signers, err := VerifySignatures(root, sigs, p.Signers(l.LeafType), p.Threshold)
	if err != nil {
		return nil, fmt.Errorf("leaf %d (%s) on chain %d: %w", l.Index, l.LeafType, l.ChainID, err)
	}

	return signers, nil
}
