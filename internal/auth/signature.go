package auth

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"slices"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrUnauthorized is the root of every authorization failure.
	ErrUnauthorized = errors.New("unauthorized")

	ErrThresholdNotMet  = fmt.Errorf("%w: signature threshold not met", ErrUnauthorized)
	ErrDuplicateSigner  = fmt.Errorf("%w: duplicate signer", ErrUnauthorized)
	ErrUnknownSigner    = fmt.Errorf("%w: signer is not enrolled", ErrUnauthorized)
	ErrInvalidSignature = fmt.Errorf("%w: invalid signature", ErrUnauthorized)
)

// Signature is a recoverable secp256k1 signature over a bundle root with the
// recovery id in the Ethereum 27/28 form.
type Signature struct {
	Signer common.Address `json:"signer"`
	Data   hexutil.Bytes  `json:"data"`
}

// Sign signs the bundle root itself, never an individual leaf.
func Sign(root common.Hash, key *ecdsa.PrivateKey) (Signature, error) {
	sig, err := crypto.Sign(root[:], key)
	if err != nil {
		return Signature{}, fmt.Errorf("failed to sign root: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27

	return Signature{
		Signer: crypto.PubkeyToAddress(key.PublicKey),
		Data:   sig,
	}, nil
}

// RecoverSigner returns the address that produced sig over root.
func RecoverSigner(root common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSignature, crypto.SignatureLength, len(sig))
	}

	normalized := slices.Clone(sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(root[:], normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	return crypto.PubkeyToAddress(*pub), nil
}

// VerifySignatures checks a signature set for a leaf submission under root.
// Every signature must recover to an enrolled address, no signer may appear
// twice, and the distinct signers must reach threshold. The recovered signers
// are returned in ascending address order.
func VerifySignatures(root common.Hash, sigs [][]byte, enrolled []common.Address, threshold int) ([]common.Address, error) {
	if threshold <= 0 {
		return nil, fmt.Errorf("%w: threshold must be positive, got %d", ErrUnauthorized, threshold)
	}

	allowed := make(map[common.Address]struct{}, len(enrolled))
	for _, addr := range enrolled {
		allowed[addr] = struct{}{}
	}

	seen := make(map[common.Address]struct{}, len(sigs))
	signers := make([]common.Address, 0, len(sigs))
	for i, sig := range sigs {
		signer, err := RecoverSigner(root, sig)
		if err != nil {
			return nil, fmt.Errorf("signature %d: %w", i, err)
		}
		if _, ok := allowed[signer]; !ok {
			return nil, fmt.Errorf("signature %d from %s: %w", i, signer.Hex(), ErrUnknownSigner)
		}
		if _, dup := seen[signer]; dup {
			return nil, fmt.Errorf("signature %d from %s: %w", i, signer.Hex(), ErrDuplicateSigner)
		}
		seen[signer] = struct{}{}
		signers = append(signers, signer)
	}

	if len(signers) < threshold {
		return nil, fmt.Errorf("%w: have %d distinct signers, need %d", ErrThresholdNotMet, len(signers), threshold)
	}

	slices.SortFunc(signers, func(a, b common.Address) int {
		return bytes.Compare(a[:], b[:])
	})

	return signers, nil
}

// SortSignatures orders signatures by ascending signer address, the order the
// on-chain verifier expects.
func SortSignatures(sigs []Signature) []Signature {
	out := slices.Clone(sigs)
	slices.SortFunc(out, func(a, b Signature) int {
		return bytes.Compare(a.Signer[:], b.Signer[:])
	})
	return out
}

// RawSignatures strips the signer addresses.
func RawSignatures(sigs []Signature) [][]byte {
	out := make([][]byte, 0, len(sigs))
	for _, s := range sigs {
		out = append(out, s.Data)
	}
	return out
}
