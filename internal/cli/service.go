package cli

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/sphinx-labs/deployer/configs"
	"github.com/sphinx-labs/deployer/internal/auth"
	"github.com/sphinx-labs/deployer/internal/bundle"
	"github.com/sphinx-labs/deployer/internal/chain"
	"github.com/sphinx-labs/deployer/internal/execution"
	"github.com/sphinx-labs/deployer/internal/infra/filesystem"
	"github.com/sphinx-labs/deployer/internal/leaf"
)

// network is a live connection to one configured chain.
type network struct {
	chainID uint64
	client  *ethclient.Client
	manager *chain.Manager
	// auth is nil when the network has no auth-address.
	auth *chain.Auth
}

// connect dials the network serving chainID. A non-empty rpcURL replaces the
// configured one, which is how forks are reached.
func connect(ctx context.Context, cfg configs.Config, chainID uint64, rpcURL string) (*network, error) {
	name, n, ok := cfg.NetworkByChainID(chainID)
	if !ok {
		return nil, fmt.Errorf("no network configured for chain %d", chainID)
	}
	if rpcURL == "" {
		rpcURL = n.RPCURL
	}

	client, err := chain.Dial(ctx, rpcURL, chainID)
	if err != nil {
		return nil, fmt.Errorf("network %s: %w", name, err)
	}

	manager, err := chain.NewManager(common.HexToAddress(n.ManagerAddress), client)
	if err != nil {
		client.Close()
		return nil, err
	}

	out := &network{chainID: chainID, client: client, manager: manager}
	if n.AuthAddress != "" {
		out.auth, err = chain.NewAuth(common.HexToAddress(n.AuthAddress), client)
		if err != nil {
			client.Close()
			return nil, err
		}
	}

	return out, nil
}

func (n *network) Close() {
	n.client.Close()
}

func executorKey(cfg configs.Config) (*ecdsa.PrivateKey, error) {
	if cfg.Executor.PrivateKey == "" {
		return nil, errors.New("executor.private-key is required")
	}
	return parseKey(cfg.Executor.PrivateKey)
}

func parseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return key, nil
}

func transactorConfig(cfg configs.Config) chain.TransactorConfig {
	return chain.TransactorConfig{
		ConfirmationTimeout: cfg.Execution.ConfirmationTimeout,
		PollInterval:        cfg.Execution.PollInterval,
	}
}

func executionConfig(cfg configs.Config) execution.Config {
	return execution.Config{
		GasSafetyMarginPercent: cfg.Execution.GasSafetyMarginPercent,
		MaxRetries:             cfg.Execution.MaxRetries,
		RetryBackoff:           cfg.Execution.RetryBackoff,
	}
}

func signerPolicy(cfg configs.Config) (auth.Policy, error) {
	if cfg.Auth.Threshold <= 0 {
		return auth.Policy{}, errors.New("auth.threshold must be positive to verify signatures")
	}

	policy := auth.Policy{
		Threshold: cfg.Auth.Threshold,
		Mode:      auth.ModeOwners,
	}
	if cfg.Auth.Mode == string(auth.ModeProposers) {
		policy.Mode = auth.ModeProposers
	}
	for _, o := range cfg.Auth.Owners {
		policy.Owners = append(policy.Owners, common.HexToAddress(o))
	}
	for _, p := range cfg.Auth.Proposers {
		policy.Proposers = append(policy.Proposers, common.HexToAddress(p))
	}

	return policy, nil
}

// targetChains returns the chains a bundle runs on. An arbitrary-chain
// bundle runs on every configured network.
func targetChains(b bundle.Bundle, cfg configs.Config) []uint64 {
	ids := b.ChainIDs()
	if !slices.Contains(ids, 0) {
		return ids
	}

	out := make([]uint64, 0, len(cfg.Networks))
	for _, n := range cfg.Networks {
		out = append(out, n.ChainID)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// deploymentID derives the id of the deployment the bundle approves on
// chainID from its APPROVE leaf.
func deploymentID(b bundle.Bundle, chainID uint64) (common.Hash, error) {
	for _, lp := range b.LeavesForChain(chainID) {
		if lp.Leaf.LeafType != leaf.TypeApprove {
			continue
		}
		payload, err := lp.Leaf.Payload()
		if err != nil {
			return common.Hash{}, err
		}
		return bundle.DeploymentID(b.Root, payload.(leaf.ApprovePayload).URI)
	}
	return common.Hash{}, fmt.Errorf("bundle %s has no APPROVE leaf for chain %d", b.Root.Hex(), chainID)
}

func loadSignatures(reader filesystem.Reader, path string) ([]auth.Signature, error) {
	var sigs []auth.Signature
	if err := reader.ReadJSON(path, &sigs); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return sigs, nil
}

// mergeSignatures adds sig to sigs, replacing an earlier signature of the
// same signer, and returns them sorted by signer.
func mergeSignatures(sigs []auth.Signature, sig auth.Signature) []auth.Signature {
	bySigner := make(map[common.Address]auth.Signature, len(sigs)+1)
	for _, s := range sigs {
		bySigner[s.Signer] = s
	}
	bySigner[sig.Signer] = sig
	return auth.SortSignatures(slices.Collect(maps.Values(bySigner)))
}
