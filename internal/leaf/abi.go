package leaf

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

var (
	uint256Type = mustNewType("uint256", nil)
	uint8Type   = mustNewType("uint8", nil)
	addressType = mustNewType("address", nil)
	stringType  = mustNewType("string", nil)
	boolType    = mustNewType("bool", nil)
	bytesType   = mustNewType("bytes", nil)
	bytes32Type = mustNewType("bytes32", nil)

	roleDeltasType = mustNewType("tuple[]", []abi.ArgumentMarshaling{
		{Name: "member", Type: "address"},
		{Name: "add", Type: "bool"},
	})

	// LeafABIType is the on-chain struct every leaf is encoded as before hashing.
	LeafABIType = mustNewType("tuple", []abi.ArgumentMarshaling{
		{Name: "chainId", Type: "uint256"},
		{Name: "index", Type: "uint256"},
		{Name: "leafType", Type: "uint8"},
		{Name: "data", Type: "bytes"},
	})

	leafArguments = abi.Arguments{{Type: LeafABIType}}
)

// maxUint256 is 2^256 - 1.
var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// ABILeaf mirrors the Solidity leaf struct field-for-field so that
// go-ethereum can pack it as a tuple.
type ABILeaf struct {
	ChainId  *big.Int
	Index    *big.Int
	LeafType uint8
	Data     []byte
}

func mustNewType(t string, components []abi.ArgumentMarshaling) abi.Type {
	typ, err := abi.NewType(t, "", components)
	if err != nil {
		panic(fmt.Sprintf("invalid abi type %s: %v", t, err))
	}
	return typ
}

// ToABI converts the leaf to its tuple representation.
func (l Leaf) ToABI() ABILeaf {
	return ABILeaf{
		ChainId:  new(big.Int).SetUint64(l.ChainID),
		Index:    new(big.Int).SetUint64(l.Index),
		LeafType: uint8(l.LeafType),
		Data:     l.Data,
	}
}

// Encode returns abi.encode(leaf), the preimage of the leaf hash.
func (l Leaf) Encode() ([]byte, error) {
	if !l.LeafType.Valid() {
		return nil, fmt.Errorf("%w: unknown leaf type %d", ErrEncoding, l.LeafType)
	}

	encoded, err := leafArguments.Pack(l.ToABI())
	if err != nil {
		return nil, fmt.Errorf("%w: failed to pack leaf %d on chain %d: %v", ErrEncoding, l.Index, l.ChainID, err)
	}

	return encoded, nil
}

// DecodeLeaf is the inverse of Leaf.Encode.
func DecodeLeaf(encoded []byte) (Leaf, error) {
	values, err := leafArguments.Unpack(encoded)
	if err != nil {
		return Leaf{}, fmt.Errorf("%w: failed to unpack leaf: %v", ErrEncoding, err)
	}
	if len(values) != 1 {
		return Leaf{}, fmt.Errorf("%w: expected 1 value, got %d", ErrEncoding, len(values))
	}

	raw := *abi.ConvertType(values[0], new(ABILeaf)).(*ABILeaf)
	if !raw.ChainId.IsUint64() || !raw.Index.IsUint64() {
		return Leaf{}, fmt.Errorf("%w: chain id or index exceeds uint64", ErrEncoding)
	}

	return Leaf{
		ChainID:  raw.ChainId.Uint64(),
		Index:    raw.Index.Uint64(),
		LeafType: LeafType(raw.LeafType),
		Data:     raw.Data,
	}, nil
}

func checkUint256(name string, v *big.Int) error {
	if v == nil {
		return fmt.Errorf("%w: %s is nil", ErrEncoding, name)
	}
	if v.Sign() < 0 {
		return fmt.Errorf("%w: %s is negative", ErrEncoding, name)
	}
	if v.Cmp(maxUint256) > 0 {
		return fmt.Errorf("%w: %s exceeds uint256", ErrEncoding, name)
	}
	return nil
}

func toUint64(name string, v any) (uint64, error) {
	b, ok := v.(*big.Int)
	if !ok {
		return 0, fmt.Errorf("%w: %s has unexpected type %T", ErrEncoding, name, v)
	}
	if !b.IsUint64() {
		return 0, fmt.Errorf("%w: %s exceeds uint64", ErrEncoding, name)
	}
	return b.Uint64(), nil
}
