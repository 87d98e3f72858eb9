package leaf

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ErrEncoding marks input that cannot be canonically encoded.
var ErrEncoding = errors.New("leaf encoding error")

type (
	// Payload is the typed content of a leaf. Each leaf type has exactly one
	// payload variant with its own canonical ABI layout.
	Payload interface {
		Type() LeafType
		Encode() ([]byte, error)
	}

	ApprovePayload struct {
		Safe           common.Address
		Module         common.Address
		Nonce          uint64
		NumLeaves      uint64
		Executor       common.Address
		URI            string
		ArbitraryChain bool
	}

	ExecutePayload struct {
		To             common.Address
		Value          *big.Int
		Gas            uint64
		Data           []byte
		Operation      Operation
		RequireSuccess bool
	}

	// RoleDelta grants (Add=true) or revokes a role for Member.
	RoleDelta struct {
		Member common.Address
		Add    bool
	}

	SetupPayload struct {
		Proposers []RoleDelta
		Managers  []RoleDelta
		NumLeaves uint64
	}

	ProposePayload struct {
		NumLeaves uint64
	}

	ApproveDeploymentPayload struct {
		DeploymentRoot  common.Hash
		NumActions      uint64
		URI             string
		RemoteExecution bool
	}

	CancelActiveDeploymentPayload struct{}

	UpgradePayload struct {
		ManagerImpl     common.Address
		ManagerInitData []byte
		AuthImpl        common.Address
		AuthInitData    []byte
	}
)

var (
	approveArguments = abi.Arguments{
		{Name: "safeProxy", Type: addressType},
		{Name: "moduleProxy", Type: addressType},
		{Name: "merkleRootNonce", Type: uint256Type},
		{Name: "numLeaves", Type: uint256Type},
		{Name: "executor", Type: addressType},
		{Name: "uri", Type: stringType},
		{Name: "arbitraryChain", Type: boolType},
	}
	executeArguments = abi.Arguments{
		{Name: "to", Type: addressType},
		{Name: "value", Type: uint256Type},
		{Name: "gas", Type: uint256Type},
		{Name: "txData", Type: bytesType},
		{Name: "operation", Type: uint8Type},
		{Name: "requireSuccess", Type: boolType},
	}
	setupArguments = abi.Arguments{
		{Name: "proposers", Type: roleDeltasType},
		{Name: "managers", Type: roleDeltasType},
		{Name: "numLeaves", Type: uint256Type},
	}
	proposeArguments = abi.Arguments{
		{Name: "numLeaves", Type: uint256Type},
	}
	approveDeploymentArguments = abi.Arguments{
		{Name: "deploymentRoot", Type: bytes32Type},
		{Name: "numActions", Type: uint256Type},
		{Name: "uri", Type: stringType},
		{Name: "remoteExecution", Type: boolType},
	}
	upgradeArguments = abi.Arguments{
		{Name: "managerImpl", Type: addressType},
		{Name: "managerInitCallData", Type: bytesType},
		{Name: "authImpl", Type: addressType},
		{Name: "authInitCallData", Type: bytesType},
	}
)

// abiRoleDelta is the tuple form of RoleDelta.
type abiRoleDelta struct {
	Member common.Address
	Add    bool
}

func (ApprovePayload) Type() LeafType { return TypeApprove }

func (p ApprovePayload) Encode() ([]byte, error) {
	if p.Safe == (common.Address{}) {
		return nil, fmt.Errorf("%w: approve payload has empty safe address", ErrEncoding)
	}
	if p.Module == (common.Address{}) {
		return nil, fmt.Errorf("%w: approve payload has empty module address", ErrEncoding)
	}
	if p.NumLeaves == 0 {
		return nil, fmt.Errorf("%w: approve payload must count itself", ErrEncoding)
	}

	return pack(approveArguments,
		p.Safe,
		p.Module,
		new(big.Int).SetUint64(p.Nonce),
		new(big.Int).SetUint64(p.NumLeaves),
		p.Executor,
		p.URI,
		p.ArbitraryChain,
	)
}

func (ExecutePayload) Type() LeafType { return TypeExecute }

func (p ExecutePayload) Encode() ([]byte, error) {
	if err := checkUint256("value", p.Value); err != nil {
		return nil, err
	}
	if !p.Operation.Valid() {
		return nil, fmt.Errorf("%w: unknown operation %d", ErrEncoding, p.Operation)
	}
	if p.Gas == 0 {
		return nil, fmt.Errorf("%w: gas must be positive", ErrEncoding)
	}

	data := p.Data
	if data == nil {
		data = []byte{}
	}

	return pack(executeArguments,
		p.To,
		p.Value,
		new(big.Int).SetUint64(p.Gas),
		data,
		uint8(p.Operation),
		p.RequireSuccess,
	)
}

func (SetupPayload) Type() LeafType { return TypeSetup }

func (p SetupPayload) Encode() ([]byte, error) {
	if len(p.Proposers) == 0 && len(p.Managers) == 0 {
		return nil, fmt.Errorf("%w: setup payload without role changes", ErrEncoding)
	}

	return pack(setupArguments, toABIDeltas(p.Proposers), toABIDeltas(p.Managers), new(big.Int).SetUint64(p.NumLeaves))
}

func (ProposePayload) Type() LeafType { return TypePropose }

func (p ProposePayload) Encode() ([]byte, error) {
	if p.NumLeaves == 0 {
		return nil, fmt.Errorf("%w: propose payload must count itself", ErrEncoding)
	}
	return pack(proposeArguments, new(big.Int).SetUint64(p.NumLeaves))
}

func (ApproveDeploymentPayload) Type() LeafType { return TypeApproveDeployment }

func (p ApproveDeploymentPayload) Encode() ([]byte, error) {
	if p.DeploymentRoot == (common.Hash{}) {
		return nil, fmt.Errorf("%w: empty deployment root", ErrEncoding)
	}
	return pack(approveDeploymentArguments, p.DeploymentRoot, new(big.Int).SetUint64(p.NumActions), p.URI, p.RemoteExecution)
}

func (CancelActiveDeploymentPayload) Type() LeafType { return TypeCancelActiveDeployment }

func (CancelActiveDeploymentPayload) Encode() ([]byte, error) {
	return []byte{}, nil
}

func (UpgradePayload) Type() LeafType { return TypeUpgradeManagerAndAuthImpl }

func (p UpgradePayload) Encode() ([]byte, error) {
	if p.ManagerImpl == (common.Address{}) && p.AuthImpl == (common.Address{}) {
		return nil, fmt.Errorf("%w: upgrade payload without implementations", ErrEncoding)
	}
	return pack(upgradeArguments, p.ManagerImpl, nonNil(p.ManagerInitData), p.AuthImpl, nonNil(p.AuthInitData))
}

// Decode parses data as the payload variant selected by t.
func Decode(t LeafType, data []byte) (Payload, error) {
	switch t {
	case TypeApprove:
		return decodeApprove(data)
	case TypeExecute:
		return decodeExecute(data)
	case TypeSetup:
		return decodeSetup(data)
	case TypePropose:
		values, err := unpack(proposeArguments, data)
		if err != nil {
			return nil, err
		}
		numLeaves, err := toUint64("numLeaves", values[0])
		if err != nil {
			return nil, err
		}
		return ProposePayload{NumLeaves: numLeaves}, nil
	case TypeApproveDeployment:
		return decodeApproveDeployment(data)
	case TypeCancelActiveDeployment:
		if len(data) != 0 {
			return nil, fmt.Errorf("%w: cancel payload must be empty", ErrEncoding)
		}
		return CancelActiveDeploymentPayload{}, nil
	case TypeUpgradeManagerAndAuthImpl:
		values, err := unpack(upgradeArguments, data)
		if err != nil {
			return nil, err
		}
		return UpgradePayload{
			ManagerImpl:     values[0].(common.Address),
			ManagerInitData: values[1].([]byte),
			AuthImpl:        values[2].(common.Address),
			AuthInitData:    values[3].([]byte),
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown leaf type %d", ErrEncoding, t)
	}
}

// NewLeaf encodes p and wraps it in a leaf for chainID at index.
func NewLeaf(chainID, index uint64, p Payload) (Leaf, error) {
	data, err := p.Encode()
	if err != nil {
		return Leaf{}, fmt.Errorf("leaf %d on chain %d: %w", index, chainID, err)
	}
	return Leaf{ChainID: chainID, Index: index, LeafType: p.Type(), Data: data}, nil
}

func decodeApprove(data []byte) (Payload, error) {
	values, err := unpack(approveArguments, data)
	if err != nil {
		return nil, err
	}
	nonce, err := toUint64("merkleRootNonce", values[2])
	if err != nil {
		return nil, err
	}
	numLeaves, err := toUint64("numLeaves", values[3])
	if err != nil {
		return nil, err
	}

	return ApprovePayload{
		Safe:           values[0].(common.Address),
		Module:         values[1].(common.Address),
		Nonce:          nonce,
		NumLeaves:      numLeaves,
		Executor:       values[4].(common.Address),
		URI:            values[5].(string),
		ArbitraryChain: values[6].(bool),
	}, nil
}

func decodeExecute(data []byte) (Payload, error) {
	values, err := unpack(executeArguments, data)
	if err != nil {
		return nil, err
	}
	gas, err := toUint64("gas", values[2])
	if err != nil {
		return nil, err
	}
	op := Operation(values[4].(uint8))
	if !op.Valid() {
		return nil, fmt.Errorf("%w: unknown operation %d", ErrEncoding, op)
	}

	return ExecutePayload{
		To:             values[0].(common.Address),
		Value:          values[1].(*big.Int),
		Gas:            gas,
		Data:           values[3].([]byte),
		Operation:      op,
		RequireSuccess: values[5].(bool),
	}, nil
}

func decodeSetup(data []byte) (Payload, error) {
	values, err := unpack(setupArguments, data)
	if err != nil {
		return nil, err
	}
	proposers := *abi.ConvertType(values[0], new([]abiRoleDelta)).(*[]abiRoleDelta)
	managers := *abi.ConvertType(values[1], new([]abiRoleDelta)).(*[]abiRoleDelta)
	numLeaves, err := toUint64("numLeaves", values[2])
	if err != nil {
		return nil, err
	}

	return SetupPayload{
		Proposers: fromABIDeltas(proposers),
		Managers:  fromABIDeltas(managers),
		NumLeaves: numLeaves,
	}, nil
}

func decodeApproveDeployment(data []byte) (Payload, error) {
	values, err := unpack(approveDeploymentArguments, data)
	if err != nil {
		return nil, err
	}
	numActions, err := toUint64("numActions", values[1])
	if err != nil {
		return nil, err
	}

	root := values[0].([32]byte)
	return ApproveDeploymentPayload{
		DeploymentRoot:  common.Hash(root),
		NumActions:      numActions,
		URI:             values[2].(string),
		RemoteExecution: values[3].(bool),
	}, nil
}

func pack(args abi.Arguments, values ...any) ([]byte, error) {
	data, err := args.Pack(values...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	return data, nil
}

func unpack(args abi.Arguments, data []byte) ([]any, error) {
	values, err := args.Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	if len(values) != len(args) {
		return nil, fmt.Errorf("%w: expected %d values, got %d", ErrEncoding, len(args), len(values))
	}
	return values, nil
}

func toABIDeltas(deltas []RoleDelta) []abiRoleDelta {
	out := make([]abiRoleDelta, 0, len(deltas))
	for _, d := range deltas {
		out = append(out, abiRoleDelta{Member: d.Member, Add: d.Add})
	}
	return out
}

func fromABIDeltas(deltas []abiRoleDelta) []RoleDelta {
	out := make([]RoleDelta, 0, len(deltas))
	for _, d := range deltas {
		out = append(out, RoleDelta{Member: d.Member, Add: d.Add})
	}
	return out
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
