package cli

import (
	"crypto/ecdsa"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/sphinx-labs/deployer/configs"
	"github.com/sphinx-labs/deployer/internal/auth"
	"github.com/sphinx-labs/deployer/internal/bundle"
	"github.com/sphinx-labs/deployer/internal/chain"
	"github.com/sphinx-labs/deployer/internal/funding"
	"github.com/sphinx-labs/deployer/internal/leaf"
	"github.com/sphinx-labs/deployer/internal/simulation"
)

func propose(cmd *cobra.Command, cfg configs.Config, chainID uint64, key *ecdsa.PrivateKey, policy auth.Policy, b bundle.Bundle, sigs []auth.Signature) error {
	net, err := connect(cmd.Context(), cfg, chainID, "")
	if err != nil {
		return err
	}
	defer net.Close()

	if net.auth == nil {
		return fmt.Errorf("network for chain %d has no auth-address", chainID)
	}

	transactor := chain.NewTransactor(net.client, key, chainID, transactorConfig(cfg))
	submitter := auth.NewSubmitter(chainID, net.auth, net.manager, transactor, policy)

	hashes, err := submitter.Submit(cmd.Context(), b, sigs)
	if err != nil {
		return err
	}

	slog.With("chain_id", chainID, "transactions", len(hashes)).Info("auth leaves submitted")
	return nil
}

// topUp reports the funding shortfall of one chain's share of b, against a
// fork when forker is set.
func topUp(cmd *cobra.Command, cfg configs.Config, forker *simulation.Forker, b bundle.Bundle, data leaf.NetworkDeploymentData) error {
	ctx := cmd.Context()

	var rpcURL string
	if forker != nil {
		_, n, ok := cfg.NetworkByChainID(data.ChainID)
		if !ok {
			return fmt.Errorf("no network configured for chain %d", data.ChainID)
		}
		url, cleanup, err := forker.Fork(ctx, data.ChainID, n.RPCURL)
		if err != nil {
			return err
		}
		defer cleanup()
		rpcURL = url
	}

	net, err := connect(ctx, cfg, data.ChainID, rpcURL)
	if err != nil {
		return err
	}
	defer net.Close()

	amount, err := funding.NewGuard(data.ChainID, net.client, net.manager, data.Executor).GetRequiredTopUp(ctx, b, data)
	if err != nil {
		return err
	}

	slog.With(
		"chain_id", data.ChainID,
		"safe", data.Safe.Hex(),
		"top_up_wei", amount.String(),
		"simulated", forker != nil,
	).Info("required top-up")
	return nil
}
