package bundle

import (
	"cmp"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/sphinx-labs/deployer/internal/leaf"
	"github.com/sphinx-labs/deployer/internal/merkle"
)

type (
	// LeafWithProof is a leaf together with the sibling hashes that connect
	// it to the bundle root, bottom to top.
	LeafWithProof struct {
		Leaf  leaf.Leaf     `json:"leaf"`
		Proof []common.Hash `json:"proof"`
	}

	// Bundle is the signed unit of work: one root committing to every leaf.
	Bundle struct {
		Root   common.Hash     `json:"root"`
		Leaves []LeafWithProof `json:"leaves"`
	}
)

var deploymentIDArguments = abi.Arguments{
	{Type: mustType("bytes32")},
	{Type: mustType("string")},
}

// Build commits to leaves in the given order and extracts every proof.
func Build(leaves []leaf.Leaf) (Bundle, error) {
	if len(leaves) == 0 {
		return Bundle{}, fmt.Errorf("%w: bundle has no leaves", merkle.ErrProofConstruction)
	}

	hashes := make([]common.Hash, 0, len(leaves))
	for _, l := range leaves {
		encoded, err := l.Encode()
		if err != nil {
			return Bundle{}, err
		}
		hashes = append(hashes, merkle.HashLeaf(encoded))
	}

	tree, err := merkle.New(hashes)
	if err != nil {
		return Bundle{}, err
	}

	out := Bundle{
		Root:   tree.Root(),
		Leaves: make([]LeafWithProof, 0, len(leaves)),
	}
	for i, l := range leaves {
		proof, err := tree.Proof(i)
		if err != nil {
			return Bundle{}, err
		}
		if !merkle.Verify(out.Root, hashes[i], proof) {
			return Bundle{}, fmt.Errorf("%w: leaf %d on chain %d does not verify against its own tree", merkle.ErrProofConstruction, l.Index, l.ChainID)
		}
		out.Leaves = append(out.Leaves, LeafWithProof{Leaf: l, Proof: proof})
	}

	return out, nil
}

// BuildDeploymentBundle encodes every chain's deployment and merges the
// leaves in ascending chain id order.
//
// Arbitrary-chain deployments are encoded once: every entry must then be
// arbitrary and all entries must yield identical leaves.
func BuildDeploymentBundle(deployments map[uint64]leaf.NetworkDeploymentData) (Bundle, error) {
	if len(deployments) == 0 {
		return Bundle{}, fmt.Errorf("%w: no deployments", leaf.ErrEncoding)
	}

	chainIDs := slices.Sorted(maps.Keys(deployments))

	var (
		all       []leaf.Leaf
		arbitrary []leaf.Leaf
		numBound  int
	)
	for _, chainID := range chainIDs {
		data := deployments[chainID]
		if data.ChainID != chainID {
			return Bundle{}, fmt.Errorf("%w: deployment keyed by chain %d declares chain %d", leaf.ErrEncoding, chainID, data.ChainID)
		}

		leaves, err := leaf.MakeDeploymentLeaves(data)
		if err != nil {
			return Bundle{}, fmt.Errorf("chain %d: %w", chainID, err)
		}

		if !data.ArbitraryChain {
			numBound++
			all = append(all, leaves...)
			continue
		}

		if arbitrary == nil {
			arbitrary = leaves
			continue
		}
		if !sameLeaves(arbitrary, leaves) {
			return Bundle{}, fmt.Errorf("%w: arbitrary-chain deployment on chain %d differs from the others", leaf.ErrEncoding, chainID)
		}
	}

	if arbitrary != nil && numBound > 0 {
		return Bundle{}, fmt.Errorf("%w: cannot mix arbitrary-chain and chain-bound deployments", leaf.ErrEncoding)
	}
	if arbitrary != nil {
		all = arbitrary
	}

	return Build(all)
}

// BuildAuthBundle orders authorization leaves by chain id then index and
// builds the bundle. Each chain's leaves must be contiguous from 0.
func BuildAuthBundle(leaves []leaf.Leaf) (Bundle, error) {
	byChain := make(map[uint64][]leaf.Leaf)
	for _, l := range leaves {
		if !l.LeafType.IsAuth() {
			return Bundle{}, fmt.Errorf("%w: %s is not an authorization leaf", leaf.ErrEncoding, l.LeafType)
		}
		byChain[l.ChainID] = append(byChain[l.ChainID], l)
	}

	ordered := make([]leaf.Leaf, 0, len(leaves))
	for _, chainID := range slices.Sorted(maps.Keys(byChain)) {
		chainLeaves := byChain[chainID]
		slices.SortStableFunc(chainLeaves, func(a, b leaf.Leaf) int {
			return cmp.Compare(a.Index, b.Index)
		})
		if err := leaf.CheckContiguous(chainID, chainLeaves); err != nil {
			return Bundle{}, err
		}
		ordered = append(ordered, chainLeaves...)
	}

	return Build(ordered)
}

// LeavesForChain returns the leaves executable on chainID, in index order.
// Leaves encoded with chain id 0 are valid on every chain.
func (b Bundle) LeavesForChain(chainID uint64) []LeafWithProof {
	var out []LeafWithProof
	for _, lp := range b.Leaves {
		if lp.Leaf.ChainID == chainID || lp.Leaf.ChainID == 0 {
			out = append(out, lp)
		}
	}
	slices.SortStableFunc(out, func(a, b LeafWithProof) int {
		return cmp.Compare(a.Leaf.Index, b.Leaf.Index)
	})
	return out
}

// ChainIDs returns the distinct chain ids present in the bundle.
func (b Bundle) ChainIDs() []uint64 {
	seen := make(map[uint64]struct{})
	for _, lp := range b.Leaves {
		seen[lp.Leaf.ChainID] = struct{}{}
	}
	return slices.Sorted(maps.Keys(seen))
}

// Validate re-verifies every proof against the root.
func (b Bundle) Validate() error {
	var errs []error
	for i, lp := range b.Leaves {
		ok, err := VerifyLeaf(b.Root, lp)
		if err != nil {
			errs = append(errs, fmt.Errorf("leaf %d: %w", i, err))
			continue
		}
		if !ok {
			errs = append(errs, fmt.Errorf("%w: leaf %d (chain %d, index %d) does not verify", merkle.ErrProofConstruction, i, lp.Leaf.ChainID, lp.Leaf.Index))
		}
	}
	return errors.Join(errs...)
}

// VerifyLeaf recomputes the leaf hash and checks its proof against root.
func VerifyLeaf(root common.Hash, lp LeafWithProof) (bool, error) {
	encoded, err := lp.Leaf.Encode()
	if err != nil {
		return false, err
	}
	return merkle.Verify(root, merkle.HashLeaf(encoded), lp.Proof), nil
}

// DeploymentID derives the on-chain identifier of a deployment from its
// bundle root and metadata URI.
func DeploymentID(root common.Hash, uri string) (common.Hash, error) {
	encoded, err := deploymentIDArguments.Pack(root, uri)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to encode deployment id: %w", err)
	}
	return crypto.Keccak256Hash(encoded), nil
}

func sameLeaves(a, b []leaf.Leaf) bool {
	return slices.EqualFunc(a, b, func(x, y leaf.Leaf) bool {
		return x.ChainID == y.ChainID && x.Index == y.Index && x.LeafType == y.LeafType && string(x.Data) == string(y.Data)
	})
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}
