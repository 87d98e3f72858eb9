// Package cli holds the cobra commands of the deployer.
package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/sphinx-labs/deployer/configs"
	"github.com/sphinx-labs/deployer/internal/auth"
	"github.com/sphinx-labs/deployer/internal/bundle"
	"github.com/sphinx-labs/deployer/internal/chain"
	"github.com/sphinx-labs/deployer/internal/deployment"
	"github.com/sphinx-labs/deployer/internal/execution"
	"github.com/sphinx-labs/deployer/internal/funding"
	jsonfs "github.com/sphinx-labs/deployer/internal/infra/filesystem/json"
	"github.com/sphinx-labs/deployer/internal/report"
	"github.com/sphinx-labs/deployer/internal/rollout"
	"github.com/sphinx-labs/deployer/internal/simulation"
)

var (
	deploymentPath string
	proposalsPath  string
	bundlePath     string
	signaturesPath string
	outPath        string
	authOutPath    string
	authBundlePath string
	reportPath     string
	signerKey      string
)

// Commands returns every subcommand of the root command.
func Commands() []*cobra.Command {
	return []*cobra.Command{bundleCmd, authBundleCmd, signCmd, verifyCmd, proposeCmd, executeCmd, topUpCmd}
}

func init() {
	bundleCmd.Flags().StringVar(&deploymentPath, "deployment", "deployment.yaml", "Resolved deployment data (YAML)")
	bundleCmd.Flags().StringVar(&outPath, "out", "bundle.json", "Where to write the bundle")

	authBundleCmd.Flags().StringVar(&proposalsPath, "proposals", "proposals.yaml", "Governance proposals (YAML)")
	authBundleCmd.Flags().StringVar(&authOutPath, "out", "auth-bundle.json", "Where to write the auth bundle")

	signCmd.Flags().StringVar(&bundlePath, "bundle", "bundle.json", "Bundle to sign")
	signCmd.Flags().StringVar(&signaturesPath, "signatures", "signatures.json", "Signature file to add to")
	signCmd.Flags().StringVar(&signerKey, "private-key", "", "Hex private key of the signer")

	verifyCmd.Flags().StringVar(&bundlePath, "bundle", "bundle.json", "Bundle to verify")
	verifyCmd.Flags().StringVar(&signaturesPath, "signatures", "signatures.json", "Signatures over the bundle root")

	proposeCmd.Flags().StringVar(&authBundlePath, "bundle", "auth-bundle.json", "Signed auth bundle")
	proposeCmd.Flags().StringVar(&signaturesPath, "signatures", "signatures.json", "Signatures over the auth bundle root")

	executeCmd.Flags().StringVar(&bundlePath, "bundle", "bundle.json", "Approved deployment bundle")
	executeCmd.Flags().StringVar(&reportPath, "report", "", "Write a YAML execution report to this path")

	topUpCmd.Flags().StringVar(&deploymentPath, "deployment", "deployment.yaml", "Resolved deployment data (YAML)")
}

func store() *bundle.Store {
	return bundle.NewStore(jsonfs.NewStrictReader(), jsonfs.NewWriter())
}

var bundleCmd = &cobra.Command{
	Use:   "bundle",
	Short: "Build a deployment bundle from resolved deployment data",
	RunE: func(cmd *cobra.Command, args []string) error {
		networks, err := deployment.NewLoader().LoadNetworks(deploymentPath)
		if err != nil {
			return err
		}

		b, err := bundle.BuildDeploymentBundle(networks)
		if err != nil {
			return fmt.Errorf("failed to build deployment bundle: %w", err)
		}

		for _, chainID := range slices.Sorted(maps.Keys(networks)) {
			id, err := bundle.DeploymentID(b.Root, networks[chainID].URI)
			if err != nil {
				return err
			}
			slog.With("chain_id", chainID, "deployment_id", id.Hex()).Info("deployment id")
		}

		return store().Save(outPath, b)
	},
}

var authBundleCmd = &cobra.Command{
	Use:   "auth-bundle",
	Short: "Build an authorization bundle from governance proposals",
	RunE: func(cmd *cobra.Command, args []string) error {
		proposals, err := deployment.NewLoader().LoadProposals(proposalsPath)
		if err != nil {
			return err
		}

		leaves, err := auth.BuildLeaves(proposals)
		if err != nil {
			return fmt.Errorf("failed to build auth leaves: %w", err)
		}

		b, err := bundle.BuildAuthBundle(leaves)
		if err != nil {
			return fmt.Errorf("failed to build auth bundle: %w", err)
		}

		return store().Save(authOutPath, b)
	},
}

var signCmd = &cobra.Command{
	Use:   "sign",
	Short: "Sign a bundle root and add the signature to a signature file",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := parseKey(signerKey)
		if err != nil {
			return err
		}

		b, err := store().Load(bundlePath)
		if err != nil {
			return err
		}

		sig, err := auth.Sign(b.Root, key)
		if err != nil {
			return err
		}

		existing, err := loadSignatures(jsonfs.NewStrictReader(), signaturesPath)
		if err != nil {
			return err
		}
		for _, s := range existing {
			if signer, err := auth.RecoverSigner(b.Root, s.Data); err != nil || signer != s.Signer {
				return fmt.Errorf("signature file %s holds a signature by %s that is not over root %s", signaturesPath, s.Signer.Hex(), b.Root.Hex())
			}
		}

		if err := jsonfs.NewWriter().WriteJSON(signaturesPath, mergeSignatures(existing, sig)); err != nil {
			return fmt.Errorf("failed to write signatures: %w", err)
		}

		slog.With("root", b.Root.Hex(), "signer", sig.Signer.Hex()).Info("bundle signed")
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check a bundle's proofs and that its signatures meet the threshold",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := configs.Values.Auth.Validate(); err != nil {
			return err
		}
		policy, err := signerPolicy(configs.Values)
		if err != nil {
			return err
		}

		b, err := store().Load(bundlePath)
		if err != nil {
			return err
		}
		sigs, err := loadSignatures(jsonfs.NewStrictReader(), signaturesPath)
		if err != nil {
			return err
		}

		return verifyBundle(b, sigs, policy)
	},
}

var proposeCmd = &cobra.Command{
	Use:   "propose",
	Short: "Submit a signed auth bundle to every chain it covers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := configs.Values
		if err := cfg.Validate(); err != nil {
			return err
		}
		policy, err := signerPolicy(cfg)
		if err != nil {
			return err
		}
		key, err := executorKey(cfg)
		if err != nil {
			return err
		}

		b, err := store().Load(authBundlePath)
		if err != nil {
			return err
		}
		sigs, err := loadSignatures(jsonfs.NewStrictReader(), signaturesPath)
		if err != nil {
			return err
		}

		var errs []error
		for _, chainID := range b.ChainIDs() {
			if err := propose(cmd, cfg, chainID, key, policy, b, sigs); err != nil {
				errs = append(errs, fmt.Errorf("chain %d: %w", chainID, err))
			}
		}
		return errors.Join(errs...)
	},
}

var executeCmd = &cobra.Command{
	Use:   "execute",
	Short: "Execute an approved deployment on every chain in parallel",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := configs.Values
		if err := cfg.Validate(); err != nil {
			return err
		}
		key, err := executorKey(cfg)
		if err != nil {
			return err
		}

		b, err := store().Load(bundlePath)
		if err != nil {
			return err
		}

		var targets []rollout.Target
		for _, chainID := range targetChains(b, cfg) {
			net, err := connect(cmd.Context(), cfg, chainID, "")
			if err != nil {
				return err
			}
			defer net.Close()

			transactor := chain.NewTransactor(net.client, key, chainID, transactorConfig(cfg))
			driver, err := execution.NewDriver(chainID, b, execution.Dependencies{
				Manager: net.manager,
				Sender:  transactor,
				Headers: net.client,
				Funds:   funding.NewGuard(chainID, net.client, net.manager, transactor.From()),
			}, executionConfig(cfg))
			if err != nil {
				return err
			}

			id, err := deploymentID(b, chainID)
			if err != nil {
				return err
			}
			targets = append(targets, rollout.Target{ChainID: chainID, DeploymentID: id, Executor: driver})
		}

		outcomes, execErr := rollout.NewService(cfg.Execution.MaxParallelChains).ExecuteAll(cmd.Context(), targets)

		if reportPath != "" {
			if err := report.NewGenerator().Generate(reportPath, b.Root, outcomes); err != nil {
				return errors.Join(execErr, err)
			}
			slog.With("path", reportPath).Info("execution report written")
		}

		return execErr
	},
}

var topUpCmd = &cobra.Command{
	Use:   "top-up",
	Short: "Report how much each deployment's safe must be funded with",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := configs.Values
		if err := cfg.Validate(); err != nil {
			return err
		}

		networks, err := deployment.NewLoader().LoadNetworks(deploymentPath)
		if err != nil {
			return err
		}
		b, err := bundle.BuildDeploymentBundle(networks)
		if err != nil {
			return err
		}

		var forker *simulation.Forker
		if cfg.Simulation.Enabled {
			docker, err := simulation.NewDockerClient()
			if err != nil {
				return err
			}
			defer docker.Close()

			forker = simulation.NewForker(docker, simulation.Config{
				Image:        cfg.Simulation.Image,
				HostPort:     cfg.Simulation.Port,
				ReadyTimeout: cfg.Simulation.ReadyTimeout,
			}, nil)
		}

		var errs []error
		for _, chainID := range slices.Sorted(maps.Keys(networks)) {
			if err := topUp(cmd, cfg, forker, b, networks[chainID]); err != nil {
				errs = append(errs, fmt.Errorf("chain %d: %w", chainID, err))
			}
		}
		return errors.Join(errs...)
	},
}

func verifyBundle(b bundle.Bundle, sigs []auth.Signature, policy auth.Policy) error {
	raw := auth.RawSignatures(auth.SortSignatures(sigs))

	var authLeaves int
	for _, lp := range b.Leaves {
		if !lp.Leaf.LeafType.IsAuth() {
			continue
		}
		authLeaves++
		allowed := filterSignatures(sigs, policy.Signers(lp.Leaf.LeafType))
		if _, err := policy.Authorize(b.Root, lp.Leaf, auth.RawSignatures(allowed)); err != nil {
			return err
		}
	}
	if authLeaves > 0 {
		slog.With("root", b.Root.Hex(), "leaves", authLeaves).Info("auth bundle signatures verified")
		return nil
	}

	signers, err := auth.VerifySignatures(b.Root, raw, policy.Owners, policy.Threshold)
	if err != nil {
		return err
	}
	slog.With("root", b.Root.Hex(), "signers", len(signers)).Info("bundle signatures verified")
	return nil
}

func filterSignatures(sigs []auth.Signature, allowed []common.Address) []auth.Signature {
	var out []auth.Signature
	for _, s := range auth.SortSignatures(sigs) {
		if slices.Contains(allowed, s.Signer) {
			out = append(out, s)
		}
	}
	return out
}
