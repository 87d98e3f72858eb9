package leaf

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

type (
	// LeafType tags the payload carried in Leaf.Data.
	LeafType uint8

	// Operation selects how the module calls the target of an EXECUTE leaf.
	Operation uint8

	// Leaf is one Merkle-committed unit of work or governance action.
	Leaf struct {
		ChainID  uint64        `json:"chainId"`
		Index    uint64        `json:"index"`
		LeafType LeafType      `json:"leafType"`
		Data     hexutil.Bytes `json:"data"`
	}

	// Transaction describes one call made by the deployment on a chain.
	Transaction struct {
		To             common.Address `json:"to"`
		Value          *big.Int       `json:"value"`
		Data           hexutil.Bytes  `json:"data"`
		Gas            uint64         `json:"gas"`
		Operation      Operation      `json:"operation"`
		RequireSuccess bool           `json:"requireSuccess"`
	}

	// NetworkDeploymentData is the fully resolved deployment for one chain.
	NetworkDeploymentData struct {
		ChainID        uint64         `json:"chainId"`
		Nonce          uint64         `json:"nonce"`
		Executor       common.Address `json:"executor"`
		Safe           common.Address `json:"safe"`
		Module         common.Address `json:"module"`
		URI            string         `json:"uri"`
		ArbitraryChain bool           `json:"arbitraryChain"`
		Transactions   []Transaction  `json:"transactions"`
	}
)

const (
	TypeApprove LeafType = iota
	TypeExecute
	TypeSetup
	TypePropose
	TypeApproveDeployment
	TypeCancelActiveDeployment
	TypeUpgradeManagerAndAuthImpl
)

const (
	OperationCall Operation = iota
	OperationDelegateCall
)

var leafTypeNames = map[LeafType]string{
	TypeApprove:                   "APPROVE",
	TypeExecute:                   "EXECUTE",
	TypeSetup:                     "SETUP",
	TypePropose:                   "PROPOSE",
	TypeApproveDeployment:         "APPROVE_DEPLOYMENT",
	TypeCancelActiveDeployment:    "CANCEL_ACTIVE_DEPLOYMENT",
	TypeUpgradeManagerAndAuthImpl: "UPGRADE_MANAGER_AND_AUTH_IMPL",
}

func (t LeafType) String() string {
	if name, ok := leafTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("LeafType(%d)", uint8(t))
}

// Valid reports whether t is one of the known leaf types.
func (t LeafType) Valid() bool {
	_, ok := leafTypeNames[t]
	return ok
}

// IsAuth reports whether t belongs to the authorization leaf family.
func (t LeafType) IsAuth() bool {
	return t >= TypeSetup && t <= TypeUpgradeManagerAndAuthImpl
}

func (o Operation) String() string {
	switch o {
	case OperationCall:
		return "call"
	case OperationDelegateCall:
		return "delegatecall"
	default:
		return fmt.Sprintf("Operation(%d)", uint8(o))
	}
}

// Valid reports whether o is a supported call type.
func (o Operation) Valid() bool {
	return o == OperationCall || o == OperationDelegateCall
}

// Payload decodes the leaf data according to its type.
func (l Leaf) Payload() (Payload, error) {
	return Decode(l.LeafType, l.Data)
}
