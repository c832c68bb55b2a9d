package chunker

import (
	"encoding/base64"
	"errors"

	"github.com/zeebo/blake3"
)

// ErrLeafIndexOutOfRange is returned by Prove when the requested leaf index
// does not exist in the tree.
var ErrLeafIndexOutOfRange = errors.New("merkle: leaf index out of range")

// MerkleTree holds every level of a bottom-up binary hash tree, leaves first.
// Level 0 is the decoded leaf hashes; the last level has exactly one node,
// the root.
type MerkleTree struct {
	levels [][][]byte
}

// Root returns the base64-encoded root hash.
func (t *MerkleTree) Root() string {
	if t == nil || len(t.levels) == 0 {
		return ""
	}
	top := t.levels[len(t.levels)-1]
	if len(top) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(top[0])
}

// BuildTree constructs the full Merkle tree from base64-encoded leaf hashes.
// Odd-width levels duplicate their last element before hashing, matching
// ComputeMerkleRoot's rule, so build_tree and the root computation can never
// silently diverge. An empty leaf set produces a single-node tree whose root
// is the hash of the empty byte string, the documented "empty tree" rule.
func BuildTree(chunkHashes []string) (*MerkleTree, error) {
	if len(chunkHashes) == 0 {
		empty := blake3.Sum256(nil)
		return &MerkleTree{levels: [][][]byte{{empty[:]}}}, nil
	}

	leaves := make([][]byte, len(chunkHashes))
	for i, s := range chunkHashes {
		decoded, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, err
		}
		leaves[i] = decoded
	}

	tree := &MerkleTree{levels: [][][]byte{leaves}}
	level := leaves
	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			var combined []byte
			if i+1 < len(level) {
				combined = append(append([]byte{}, level[i]...), level[i+1]...)
			} else {
				combined = append(append([]byte{}, level[i]...), level[i]...)
			}
			h := blake3.Sum256(combined)
			next = append(next, h[:])
		}
		tree.levels = append(tree.levels, next)
		level = next
	}
	return tree, nil
}

// ComputeMerkleRoot computes the base64-encoded Merkle root from base64-encoded
// chunk hashes. The empty-input case returns the hash of the empty byte
// string (the documented "hash of the empty tree" rule) rather than an empty
// string, so a zero-chunk manifest still carries a well-defined file
// identifier.
func ComputeMerkleRoot(chunkHashes []string) (string, error) {
	tree, err := BuildTree(chunkHashes)
	if err != nil {
		return "", err
	}
	return tree.Root(), nil
}

// MerkleProof is an ordered pair of sibling sides (0 = sibling left of this
// node, 1 = sibling right of this node) and sibling hashes, from leaf to
// root.
type MerkleProof struct {
	Indices  []int    `json:"indices"`
	Siblings []string `json:"siblings"`
}

// Prove builds an inclusion proof for the leaf at leafIndex.
func Prove(tree *MerkleTree, leafIndex int) (*MerkleProof, error) {
	if tree == nil || len(tree.levels) == 0 {
		return nil, ErrLeafIndexOutOfRange
	}
	leaves := tree.levels[0]
	if leafIndex < 0 || leafIndex >= len(leaves) {
		return nil, ErrLeafIndexOutOfRange
	}

	proof := &MerkleProof{}
	idx := leafIndex
	for level := 0; level < len(tree.levels)-1; level++ {
		nodes := tree.levels[level]
		var siblingIdx, side int
		if idx%2 == 0 {
			side = 1 // sibling is to the right
			siblingIdx = idx + 1
			if siblingIdx >= len(nodes) {
				siblingIdx = idx // duplicate-last-leaf rule
			}
		} else {
			side = 0 // sibling is to the left
			siblingIdx = idx - 1
		}
		proof.Indices = append(proof.Indices, side)
		proof.Siblings = append(proof.Siblings, base64.StdEncoding.EncodeToString(nodes[siblingIdx]))
		idx /= 2
	}
	return proof, nil
}

// VerifyProof recomputes the root from a leaf hash and a proof and reports
// whether it matches root. leafHash, root, and proof siblings are all
// base64-encoded.
func VerifyProof(root string, leafHash string, proof *MerkleProof) bool {
	current, err := base64.StdEncoding.DecodeString(leafHash)
	if err != nil || proof == nil || len(proof.Indices) != len(proof.Siblings) {
		return false
	}
	for i, side := range proof.Indices {
		sibling, err := base64.StdEncoding.DecodeString(proof.Siblings[i])
		if err != nil {
			return false
		}
		var combined []byte
		if side == 1 {
			combined = append(append([]byte{}, current...), sibling...)
		} else {
			combined = append(append([]byte{}, sibling...), current...)
		}
		h := blake3.Sum256(combined)
		current = h[:]
	}
	return base64.StdEncoding.EncodeToString(current) == root
}
