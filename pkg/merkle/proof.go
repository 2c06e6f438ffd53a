package merkle

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"sigil/pkg/models"
)

// ErrIndexOutOfRange is returned for a proof request outside [0, len(leaves)).
var ErrIndexOutOfRange = errors.New("leaf index out of range")

// GenerateInclusionProof walks from index to the root, recording each level's
// sibling hash and its position relative to the running node. A level where
// the node is an odd trailing promotion records no sibling.
func GenerateInclusionProof(leaves []string, index int) (models.InclusionProof, error) {
	if index < 0 || index >= len(leaves) {
		return models.InclusionProof{}, fmt.Errorf("%w: index %d, tree size %d", ErrIndexOutOfRange, index, len(leaves))
	}

	siblings := []models.ProofSibling{}
	level := make([]string, len(leaves))
	copy(level, leaves)
	pos := index
	for len(level) > 1 {
		if pos%2 == 0 {
			if pos+1 < len(level) {
				siblings = append(siblings, models.ProofSibling{Hash: level[pos+1], Position: PositionRight})
			}
			// else: promoted unchanged, no sibling at this level
		} else {
			siblings = append(siblings, models.ProofSibling{Hash: level[pos-1], Position: PositionLeft})
		}
		level = nextLevel(level)
		pos /= 2
	}

	return models.InclusionProof{
		LeafHash:  leaves[index],
		LeafIndex: index,
		Siblings:  siblings,
		Root:      level[0],
		TreeSize:  len(leaves),
	}, nil
}

// VerifyInclusionProof recomputes the root from the proof's leaf hash,
// folding each sibling in order and honoring its declared position: left
// siblings are prepended, right siblings appended before hashing. True only
// when the recomputed root matches expectedRoot and the proof's leaf hash
// matches expectedLeafHash.
func VerifyInclusionProof(proof models.InclusionProof, expectedLeafHash, expectedRoot string) bool {
	if proof.LeafHash == "" || expectedRoot == "" {
		return false
	}
	if proof.LeafHash != expectedLeafHash {
		return false
	}
	current := proof.LeafHash
	for _, sib := range proof.Siblings {
		switch sib.Position {
		case PositionLeft:
			current = hashPair(sib.Hash, current)
		case PositionRight:
			current = hashPair(current, sib.Hash)
		default:
			return false
		}
	}
	return subtle.ConstantTimeCompare([]byte(current), []byte(expectedRoot)) == 1
}
