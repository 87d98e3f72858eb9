// Package deployment reads already-resolved deployment data and governance
// proposals from YAML files.
package deployment

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"gopkg.in/yaml.v3"

	"github.com/sphinx-labs/deployer/internal/auth"
	"github.com/sphinx-labs/deployer/internal/leaf"
	"github.com/sphinx-labs/deployer/internal/logger"
)

type Loader struct {
	logger *slog.Logger
}

func NewLoader() *Loader {
	return &Loader{logger: logger.Named("deployment_loader")}
}

// LoadNetworks reads a deployment file keyed by chain id.
func (l *Loader) LoadNetworks(path string) (map[uint64]leaf.NetworkDeploymentData, error) {
	var file File
	if err := decodeFile(path, &file); err != nil {
		return nil, err
	}
	if len(file.Networks) == 0 {
		return nil, fmt.Errorf("deployment file %s has no networks", path)
	}

	var (
		out  = make(map[uint64]leaf.NetworkDeploymentData, len(file.Networks))
		errs []error
	)
	for i, n := range file.Networks {
		data, err := n.resolve()
		if err != nil {
			errs = append(errs, fmt.Errorf("networks[%d]: %w", i, err))
			continue
		}
		if _, dup := out[data.ChainID]; dup {
			errs = append(errs, fmt.Errorf("networks[%d]: duplicate chain-id %d", i, data.ChainID))
			continue
		}
		out[data.ChainID] = data
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid deployment file %s: %w", path, errors.Join(errs...))
	}

	l.logger.With("path", path, "networks", len(out)).Debug("deployment data loaded")
	return out, nil
}

// LoadProposals reads a governance proposal file.
func (l *Loader) LoadProposals(path string) ([]auth.ChainProposal, error) {
	var file ProposalFile
	if err := decodeFile(path, &file); err != nil {
		return nil, err
	}
	if len(file.Proposals) == 0 {
		return nil, fmt.Errorf("proposal file %s has no proposals", path)
	}

	var (
		out  = make([]auth.ChainProposal, 0, len(file.Proposals))
		errs []error
	)
	for i, p := range file.Proposals {
		proposal, err := p.resolve()
		if err != nil {
			errs = append(errs, fmt.Errorf("proposals[%d]: %w", i, err))
			continue
		}
		out = append(out, proposal)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid proposal file %s: %w", path, errors.Join(errs...))
	}

	l.logger.With("path", path, "proposals", len(out)).Debug("proposals loaded")
	return out, nil
}

func decodeFile(path string, target any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

func (n Network) resolve() (leaf.NetworkDeploymentData, error) {
	var errs []error
	if n.ChainID == 0 {
		errs = append(errs, errors.New("chain-id is required"))
	}
	executor, err := address("executor", n.Executor)
	errs = appendErr(errs, err)
	safe, err := address("safe", n.Safe)
	errs = appendErr(errs, err)
	module, err := address("module", n.Module)
	errs = appendErr(errs, err)

	txs := make([]leaf.Transaction, 0, len(n.Transactions))
	for i, t := range n.Transactions {
		tx, err := t.resolve()
		if err != nil {
			errs = append(errs, fmt.Errorf("transactions[%d]: %w", i, err))
			continue
		}
		txs = append(txs, tx)
	}

	if len(errs) > 0 {
		return leaf.NetworkDeploymentData{}, errors.Join(errs...)
	}

	return leaf.NetworkDeploymentData{
		ChainID:        n.ChainID,
		Nonce:          n.Nonce,
		Executor:       executor,
		Safe:           safe,
		Module:         module,
		URI:            n.URI,
		ArbitraryChain: n.ArbitraryChain,
		Transactions:   txs,
	}, nil
}

func (t Transaction) resolve() (leaf.Transaction, error) {
	var errs []error
	to, err := address("to", t.To)
	errs = appendErr(errs, err)

	value := new(big.Int)
	if t.Value != "" {
		v, ok := math.ParseBig256(t.Value)
		if !ok || v.Sign() < 0 {
			errs = append(errs, fmt.Errorf("value %q is not a uint256", t.Value))
		} else {
			value = v
		}
	}

	data, err := hexBytes("data", t.Data)
	errs = appendErr(errs, err)

	op := leaf.OperationCall
	switch t.Operation {
	case "", "call":
	case "delegatecall":
		op = leaf.OperationDelegateCall
	default:
		errs = append(errs, fmt.Errorf("operation must be call or delegatecall, got %q", t.Operation))
	}

	if t.Gas == 0 {
		errs = append(errs, errors.New("gas is required"))
	}

	requireSuccess := true
	if t.RequireSuccess != nil {
		requireSuccess = *t.RequireSuccess
	}

	if len(errs) > 0 {
		return leaf.Transaction{}, errors.Join(errs...)
	}

	return leaf.Transaction{
		To:             to,
		Value:          value,
		Data:           data,
		Gas:            t.Gas,
		Operation:      op,
		RequireSuccess: requireSuccess,
	}, nil
}

func (p Proposal) resolve() (auth.ChainProposal, error) {
	var errs []error
	proposal := auth.ChainProposal{
		ChainID:       p.ChainID,
		FirstProposal: p.FirstProposal,
		CancelActive:  p.CancelActive,
	}

	var err error
	proposal.Proposers, err = roleDeltas("proposers", p.Proposers)
	errs = appendErr(errs, err)
	proposal.Managers, err = roleDeltas("managers", p.Managers)
	errs = appendErr(errs, err)

	if p.Upgrade != nil {
		var u leaf.UpgradePayload
		if p.Upgrade.ManagerImpl == "" && p.Upgrade.AuthImpl == "" {
			errs = append(errs, errors.New("upgrade needs manager-impl, auth-impl, or both"))
		}
		// an empty impl leaves that contract on its current implementation
		u.ManagerImpl, err = optionalAddress("upgrade.manager-impl", p.Upgrade.ManagerImpl)
		errs = appendErr(errs, err)
		u.ManagerInitData, err = hexBytes("upgrade.manager-data", p.Upgrade.ManagerData)
		errs = appendErr(errs, err)
		u.AuthImpl, err = optionalAddress("upgrade.auth-impl", p.Upgrade.AuthImpl)
		errs = appendErr(errs, err)
		u.AuthInitData, err = hexBytes("upgrade.auth-data", p.Upgrade.AuthData)
		errs = appendErr(errs, err)
		proposal.Upgrade = &u
	}

	if p.Deployment != nil {
		root, err := hexBytes("deployment.root", p.Deployment.Root)
		if err == nil && len(root) != common.HashLength {
			err = fmt.Errorf("deployment.root must be %d bytes", common.HashLength)
		}
		errs = appendErr(errs, err)
		proposal.Deployment = &auth.DeploymentApproval{
			Root:            common.BytesToHash(root),
			NumActions:      p.Deployment.NumActions,
			URI:             p.Deployment.URI,
			RemoteExecution: p.Deployment.RemoteExecution,
		}
	}

	if len(errs) > 0 {
		return auth.ChainProposal{}, errors.Join(errs...)
	}
	return proposal, nil
}

func roleDeltas(field string, deltas []RoleDelta) ([]leaf.RoleDelta, error) {
	var errs []error
	out := make([]leaf.RoleDelta, 0, len(deltas))
	for i, d := range deltas {
		member, err := address(fmt.Sprintf("%s[%d].member", field, i), d.Member)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, leaf.RoleDelta{Member: member, Add: d.Add})
	}
	return out, errors.Join(errs...)
}

func address(field, value string) (common.Address, error) {
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("%s %q is not a hex address", field, value)
	}
	return common.HexToAddress(value), nil
}

func optionalAddress(field, value string) (common.Address, error) {
	if value == "" {
		return common.Address{}, nil
	}
	return address(field, value)
}

func hexBytes(field, value string) ([]byte, error) {
	if value == "" || value == "0x" {
		return nil, nil
	}
	b, err := hexutil.Decode(value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return b, nil
}

func appendErr(errs []error, err error) []error {
	if err != nil {
		return append(errs, err)
	}
	return errs
}
