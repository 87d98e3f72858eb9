package chain

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

const leafTupleJSON = `{"name":"chainId","type":"uint256"},{"name":"index","type":"uint256"},{"name":"leafType","type":"uint8"},{"name":"data","type":"bytes"}`

// ManagerMetaData describes the deployment manager contract.
var ManagerMetaData = &bind.MetaData{
	ABI: `[` +
		`{"type":"function","name":"activeDeploymentId","inputs":[],"outputs":[{"name":"","type":"bytes32"}],"stateMutability":"view"},` +
		`{"type":"function","name":"deployments","inputs":[{"name":"deploymentId","type":"bytes32"}],"outputs":[{"name":"status","type":"uint8"},{"name":"selectedExecutor","type":"address"},{"name":"actionsExecuted","type":"uint256"}],"stateMutability":"view"},` +
		`{"type":"function","name":"totalDebt","inputs":[],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"},` +
		`{"type":"function","name":"executeActions","inputs":[{"name":"leaves","type":"tuple[]","components":[` + leafTupleJSON + `]},{"name":"proofs","type":"bytes32[][]"}],"outputs":[],"stateMutability":"nonpayable"}` +
		`]`,
}

// AuthMetaData describes the authorization contract. Every leaf-submitting
// method takes the auth root, the leaf, the owner signatures, and the proof.
var AuthMetaData = &bind.MetaData{
	ABI: `[` +
		`{"type":"function","name":"authStates","inputs":[{"name":"authRoot","type":"bytes32"}],"outputs":[{"name":"status","type":"uint8"},{"name":"leafsExecuted","type":"uint256"},{"name":"numLeafs","type":"uint256"}],"stateMutability":"view"},` +
		`{"type":"function","name":"firstProposalOccurred","inputs":[],"outputs":[{"name":"","type":"bool"}],"stateMutability":"view"},` +
		authMethodJSON("setup") + `,` +
		authMethodJSON("propose") + `,` +
		authMethodJSON("approveDeployment") + `,` +
		authMethodJSON("cancelActiveDeployment") + `,` +
		authMethodJSON("upgradeManagerAndAuthImpl") +
		`]`,
}

func authMethodJSON(name string) string {
	return `{"type":"function","name":"` + name + `","inputs":[` +
		`{"name":"authRoot","type":"bytes32"},` +
		`{"name":"leaf","type":"tuple","components":[` + leafTupleJSON + `]},` +
		`{"name":"signatures","type":"bytes[]"},` +
		`{"name":"proof","type":"bytes32[]"}` +
		`],"outputs":[],"stateMutability":"nonpayable"}`
}

// contract is a read-only view over a deployed contract.
type contract struct {
	address common.Address
	abi     *abi.ABI
	client  Client
}

func newContract(address common.Address, meta *bind.MetaData, client Client) (*contract, error) {
	parsed, err := meta.GetAbi()
	if err != nil {
		return nil, fmt.Errorf("failed to parse contract ABI: %w", err)
	}
	return &contract{address: address, abi: parsed, client: client}, nil
}

func (c *contract) call(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s call: %w", method, err)
	}

	out, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &c.address, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s on %s: %w", method, c.address.Hex(), err)
	}

	values, err := c.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s result: %w", method, err)
	}

	return values, nil
}
