// Package merkle builds the binary Merkle tree that commits to every leaf of a
// bundle and extracts per-leaf proofs.
//
// Leaves are hashed as keccak256(keccak256(encoded)) and internal nodes as the
// keccak256 of the two children in ascending byte order, matching the
// OpenZeppelin MerkleProof verifier used on chain. The tree is stored as an
// array of 2n-1 nodes with the leaves at the tail in input order.
package merkle

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrProofConstruction signals an internal inconsistency while building or
// reading the tree.
var ErrProofConstruction = errors.New("merkle proof construction error")

// Tree is an immutable Merkle tree.
type Tree struct {
	nodes     []common.Hash
	numLeaves int
}

// HashLeaf returns the double keccak of an encoded leaf.
func HashLeaf(encoded []byte) common.Hash {
	inner := crypto.Keccak256(encoded)
	return crypto.Keccak256Hash(inner)
}

// HashPair hashes two nodes in sorted order.
func HashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return crypto.Keccak256Hash(a[:], b[:])
}

// New builds a tree over leaf hashes. The order of leafHashes is part of the
// commitment.
func New(leafHashes []common.Hash) (*Tree, error) {
	if len(leafHashes) == 0 {
		return nil, fmt.Errorf("%w: cannot build a tree without leaves", ErrProofConstruction)
	}

	n := len(leafHashes)
	nodes := make([]common.Hash, 2*n-1)
	for i, h := range leafHashes {
		nodes[len(nodes)-1-i] = h
	}
	for i := len(nodes) - 1 - n; i >= 0; i-- {
		nodes[i] = HashPair(nodes[leftChild(i)], nodes[rightChild(i)])
	}

	return &Tree{nodes: nodes, numLeaves: n}, nil
}

// Root returns the tree root.
func (t *Tree) Root() common.Hash {
	return t.nodes[0]
}

// Len returns the number of leaves.
func (t *Tree) Len() int {
	return t.numLeaves
}

// Proof returns the sibling hashes from the leaf at position i up to the root.
func (t *Tree) Proof(i int) ([]common.Hash, error) {
	if i < 0 || i >= t.numLeaves {
		return nil, fmt.Errorf("%w: leaf position %d out of range [0,%d)", ErrProofConstruction, i, t.numLeaves)
	}

	proof := make([]common.Hash, 0)
	for node := len(t.nodes) - 1 - i; node > 0; node = parent(node) {
		proof = append(proof, t.nodes[sibling(node)])
	}

	return proof, nil
}

// LeafHash returns the hash stored for the leaf at position i.
func (t *Tree) LeafHash(i int) common.Hash {
	return t.nodes[len(t.nodes)-1-i]
}

// Verify reports whether leafHash combined with proof yields root.
func Verify(root, leafHash common.Hash, proof []common.Hash) bool {
	return ProcessProof(leafHash, proof) == root
}

// ProcessProof folds proof into leafHash and returns the computed root.
func ProcessProof(leafHash common.Hash, proof []common.Hash) common.Hash {
	computed := leafHash
	for _, p := range proof {
		computed = HashPair(computed, p)
	}
	return computed
}

func leftChild(i int) int  { return 2*i + 1 }
func rightChild(i int) int { return 2*i + 2 }
func parent(i int) int     { return (i - 1) / 2 }

func sibling(i int) int {
	if i%2 == 0 {
		return i - 1
	}
	return i + 1
}
