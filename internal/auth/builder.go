package auth

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/ethereum/go-ethereum/common"

	"github.com/sphinx-labs/deployer/internal/leaf"
)

type (
	// ChainProposal lists the governance actions requested on one chain.
	ChainProposal struct {
		ChainID uint64
		// FirstProposal is true when no root has ever been proposed on the
		// chain. SETUP is only emitted in that case.
		FirstProposal bool
		Proposers     []leaf.RoleDelta
		Managers      []leaf.RoleDelta
		Upgrade       *leaf.UpgradePayload
		CancelActive  bool
		Deployment    *DeploymentApproval
	}

	// DeploymentApproval references the deployment bundle being approved.
	DeploymentApproval struct {
		Root            common.Hash
		NumActions      uint64
		URI             string
		RemoteExecution bool
	}
)

// BuildLeaves produces the authorization leaves for every proposal. Each
// chain gets contiguous indices from 0 in the order SETUP, PROPOSE, CANCEL,
// UPGRADE, APPROVE_DEPLOYMENT, so that a cancel clears the way and an upgrade
// lands before the approval that may depend on it.
func BuildLeaves(proposals []ChainProposal) ([]leaf.Leaf, error) {
	sorted := slices.Clone(proposals)
	slices.SortStableFunc(sorted, func(a, b ChainProposal) int {
		return cmp.Compare(a.ChainID, b.ChainID)
	})

	var out []leaf.Leaf
	for i, p := range sorted {
		if p.ChainID == 0 {
			return nil, fmt.Errorf("%w: proposal %d has no chain id", leaf.ErrEncoding, i)
		}
		if i > 0 && sorted[i-1].ChainID == p.ChainID {
			return nil, fmt.Errorf("%w: duplicate proposal for chain %d", leaf.ErrEncoding, p.ChainID)
		}

		leaves, err := buildChain(p)
		if err != nil {
			return nil, fmt.Errorf("chain %d: %w", p.ChainID, err)
		}
		out = append(out, leaves...)
	}

	return out, nil
}

func buildChain(p ChainProposal) ([]leaf.Leaf, error) {
	withSetup := p.FirstProposal && (len(p.Proposers) > 0 || len(p.Managers) > 0)
	if !p.FirstProposal && (len(p.Proposers) > 0 || len(p.Managers) > 0) {
		return nil, fmt.Errorf("%w: role changes are only allowed before the first proposal", leaf.ErrEncoding)
	}

	var payloads []leaf.Payload
	// numLeaves is known once the list is complete, so SETUP and PROPOSE are
	// filled in afterwards.
	if withSetup {
		payloads = append(payloads, leaf.SetupPayload{})
	}
	payloads = append(payloads, leaf.ProposePayload{})
	if p.CancelActive {
		payloads = append(payloads, leaf.CancelActiveDeploymentPayload{})
	}
	if p.Upgrade != nil {
		payloads = append(payloads, *p.Upgrade)
	}
	if p.Deployment != nil {
		payloads = append(payloads, leaf.ApproveDeploymentPayload{
			DeploymentRoot:  p.Deployment.Root,
			NumActions:      p.Deployment.NumActions,
			URI:             p.Deployment.URI,
			RemoteExecution: p.Deployment.RemoteExecution,
		})
	}

	if len(payloads) == 1 {
		return nil, fmt.Errorf("%w: proposal has no actions", leaf.ErrEncoding)
	}

	numLeaves := uint64(len(payloads))
	leaves := make([]leaf.Leaf, 0, len(payloads))
	for i, payload := range payloads {
		switch payload.(type) {
		case leaf.SetupPayload:
			payload = leaf.SetupPayload{
				Proposers: p.Proposers,
				Managers:  p.Managers,
				NumLeaves: numLeaves,
			}
		case leaf.ProposePayload:
			payload = leaf.ProposePayload{NumLeaves: numLeaves}
		}

		l, err := leaf.NewLeaf(p.ChainID, uint64(i), payload)
		if err != nil {
			return nil, fmt.Errorf("leaf %d (%s): %w", i, payload.Type(), err)
		}
		leaves = append(leaves, l)
	}

	return leaves, nil
}
