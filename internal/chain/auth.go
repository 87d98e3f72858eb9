package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/sphinx-labs/deployer/internal/bundle"
	"github.com/sphinx-labs/deployer/internal/leaf"
)

var authMethods = map[leaf.LeafType]string{
	leaf.TypeSetup:                     "setup",
	leaf.TypePropose:                   "propose",
	leaf.TypeApproveDeployment:         "approveDeployment",
	leaf.TypeCancelActiveDeployment:    "cancelActiveDeployment",
	leaf.TypeUpgradeManagerAndAuthImpl: "upgradeManagerAndAuthImpl",
}

// AuthState is the raw on-chain progress of one auth root. Status follows
// the EMPTY, SETUP, PROPOSED, COMPLETED ordering.
type AuthState struct {
	Status        uint8
	LeafsExecuted uint64
	NumLeafs      uint64
}

// Auth reads authorization state from the auth contract and encodes leaf
// submissions for it.
type Auth struct {
	*contract
}

func NewAuth(address common.Address, client Client) (*Auth, error) {
	c, err := newContract(address, AuthMetaData, client)
	if err != nil {
		return nil, err
	}
	return &Auth{contract: c}, nil
}

func (a *Auth) Address() common.Address {
	return a.address
}

func (a *Auth) AuthState(ctx context.Context, root common.Hash) (AuthState, error) {
	values, err := a.call(ctx, "authStates", root)
	if err != nil {
		return AuthState{}, err
	}

	executed, numLeafs := values[1].(*big.Int), values[2].(*big.Int)
	if !executed.IsUint64() || !numLeafs.IsUint64() {
		return AuthState{}, fmt.Errorf("auth counters for root %s exceed uint64", root.Hex())
	}

	return AuthState{
		Status:        values[0].(uint8),
		LeafsExecuted: executed.Uint64(),
		NumLeafs:      numLeafs.Uint64(),
	}, nil
}

// FirstProposalOccurred reports whether any root was ever proposed.
func (a *Auth) FirstProposalOccurred(ctx context.Context) (bool, error) {
	values, err := a.call(ctx, "firstProposalOccurred")
	if err != nil {
		return false, err
	}
	return values[0].(bool), nil
}

// PackSubmission encodes the call that submits lp under root. Signatures
// must already be sorted by signer.
func (a *Auth) PackSubmission(root common.Hash, lp bundle.LeafWithProof, signatures [][]byte) ([]byte, error) {
	method, ok := authMethods[lp.Leaf.LeafType]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not an authorization leaf", leaf.ErrEncoding, lp.Leaf.LeafType)
	}

	data, err := a.abi.Pack(method, root, lp.Leaf.ToABI(), signatures, lp.Proof)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}
	return data, nil
}
