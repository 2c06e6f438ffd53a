// Package merkle builds per-agent append-only hash trees over checkpoint
// leaf hashes. The tree is rebuilt from the authoritative leaf list on every
// request; there is no incrementally maintained internal-node state, so the
// root is always trivially consistent with the stored leaves.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"

	"sigil/pkg/models"
)

// Sibling positions as they appear in inclusion proofs.
const (
	PositionLeft  = "left"
	PositionRight = "right"
)

// LeafHash is the stable hash of a checkpoint's identity-bearing fields.
func LeafHash(checkpointID, verdict, thinkingBlockHash string) string {
	canon, _ := models.CanonicalValue(map[string]interface{}{
		"checkpoint_id":       checkpointID,
		"verdict":             verdict,
		"thinking_block_hash": thinkingBlockHash,
	})
	return hashBytes(canon)
}

// Root folds the ordered leaf list bottom-up, pairwise concatenate-then-hash.
// An odd trailing node is promoted unchanged to the next level; generation
// and verification share this rule or proofs would not validate. An empty
// list has an empty root.
func Root(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	level := make([]string, len(leaves))
	copy(level, leaves)
	for len(level) > 1 {
		level = nextLevel(level)
	}
	return level[0]
}

// Depth reports the number of levels the build walks for n leaves, counting
// the leaf level itself. Zero for an empty tree.
func Depth(n int) int {
	if n <= 0 {
		return 0
	}
	depth := 1
	for n > 1 {
		n = (n + 1) / 2
		depth++
	}
	return depth
}

func nextLevel(level []string) []string {
	next := make([]string, 0, (len(level)+1)/2)
	for i := 0; i < len(level); i += 2 {
		if i+1 < len(level) {
			next = append(next, hashPair(level[i], level[i+1]))
		} else {
			next = append(next, level[i])
		}
	}
	return next
}

func hashPair(left, right string) string {
	return hashBytes([]byte(left + right))
}

func hashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
