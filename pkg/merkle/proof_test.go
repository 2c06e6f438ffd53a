package merkle

import (
	"errors"
	"testing"

	"sigil/pkg/models"
)

func TestInclusionProofRoundTripAllSizesAllIndexes(t *testing.T) {
	for n := 1; n <= 16; n++ {
		leaves := testLeaves(n)
		root := Root(leaves)
		for i := 0; i < n; i++ {
			proof, err := GenerateInclusionProof(leaves, i)
			if err != nil {
				t.Fatalf("n=%d i=%d: %v", n, i, err)
			}
			if proof.Root != root {
				t.Fatalf("n=%d i=%d: proof root %s != tree root %s", n, i, proof.Root, root)
			}
			if proof.TreeSize != n || proof.LeafIndex != i {
				t.Fatalf("n=%d i=%d: proof metadata wrong: %+v", n, i, proof)
			}
			if !VerifyInclusionProof(proof, leaves[i], root) {
				t.Fatalf("n=%d i=%d: valid proof failed verification", n, i)
			}
		}
	}
}

func TestInclusionProofPromotedNodePath(t *testing.T) {
	leaves := testLeaves(3)
	proof, err := GenerateInclusionProof(leaves, 2)
	if err != nil {
		t.Fatal(err)
	}
	// Leaf 2 is promoted past the leaf level; its only sibling is the pair
	// hash of leaves 0 and 1, sitting to its left.
	if len(proof.Siblings) != 1 {
		t.Fatalf("expected one sibling for the promoted leaf, got %d", len(proof.Siblings))
	}
	if proof.Siblings[0].Position != PositionLeft {
		t.Fatalf("expected left sibling, got %s", proof.Siblings[0].Position)
	}
	if proof.Siblings[0].Hash != hashPair(leaves[0], leaves[1]) {
		t.Fatal("promoted leaf sibling is not the pair hash of the first two leaves")
	}
	if !VerifyInclusionProof(proof, leaves[2], Root(leaves)) {
		t.Fatal("promoted leaf proof failed verification")
	}
}

func TestInclusionProofOutOfRange(t *testing.T) {
	leaves := testLeaves(4)
	for _, idx := range []int{-1, 4, 100} {
		if _, err := GenerateInclusionProof(leaves, idx); !errors.Is(err, ErrIndexOutOfRange) {
			t.Fatalf("index %d: expected ErrIndexOutOfRange, got %v", idx, err)
		}
	}
	if _, err := GenerateInclusionProof(nil, 0); !errors.Is(err, ErrIndexOutOfRange) {
		t.Fatalf("empty leaf list: expected ErrIndexOutOfRange, got %v", err)
	}
}

func TestInclusionProofTamperSensitivity(t *testing.T) {
	leaves := testLeaves(10)
	root := Root(leaves)
	proof, err := GenerateInclusionProof(leaves, 7)
	if err != nil {
		t.Fatal(err)
	}

	tampered := proof
	tampered.Siblings = append([]models.ProofSibling{}, proof.Siblings...)
	tampered.Siblings[1].Hash = hashBytes([]byte("forged"))
	if VerifyInclusionProof(tampered, leaves[7], root) {
		t.Fatal("tampered sibling hash verified")
	}

	if VerifyInclusionProof(proof, leaves[7], hashBytes([]byte("wrong-root"))) {
		t.Fatal("wrong root verified")
	}
	if VerifyInclusionProof(proof, leaves[6], root) {
		t.Fatal("mismatched expected leaf verified")
	}

	// Index 7 is odd, so its first sibling sits to the left; flip it.
	flipped := proof
	flipped.Siblings = append([]models.ProofSibling{}, proof.Siblings...)
	flipped.Siblings[0].Position = PositionRight
	if VerifyInclusionProof(flipped, leaves[7], root) {
		t.Fatal("flipped sibling position verified")
	}

	unknown := proof
	unknown.Siblings = append([]models.ProofSibling{}, proof.Siblings...)
	unknown.Siblings[0].Position = "up"
	if VerifyInclusionProof(unknown, leaves[7], root) {
		t.Fatal("unknown sibling position verified")
	}
}

func TestInclusionProofAfterAppendVerifiesAgainstNewRoot(t *testing.T) {
	leaves := testLeaves(10)
	oldRoot := Root(leaves)
	proof7, err := GenerateInclusionProof(leaves, 7)
	if err != nil {
		t.Fatal(err)
	}
	if !VerifyInclusionProof(proof7, leaves[7], oldRoot) {
		t.Fatal("proof for index 7 failed against the 10-leaf root")
	}

	grown := append(append([]string{}, leaves...), hashBytes([]byte("leaf-10")))
	newRoot := Root(grown)
	if newRoot == oldRoot {
		t.Fatal("appending a leaf must change the root")
	}
	proof3, err := GenerateInclusionProof(grown, 3)
	if err != nil {
		t.Fatal(err)
	}
	if !VerifyInclusionProof(proof3, grown[3], newRoot) {
		t.Fatal("proof for index 3 failed against the 11-leaf root")
	}
	// A proof generated before the append no longer matches the new root.
	if VerifyInclusionProof(proof7, leaves[7], newRoot) {
		t.Fatal("stale proof verified against the new root")
	}
}

func TestVerifyInclusionProofEmptyInputs(t *testing.T) {
	if VerifyInclusionProof(models.InclusionProof{}, "", "") {
		t.Fatal("empty proof verified")
	}
	leaves := testLeaves(2)
	proof, _ := GenerateInclusionProof(leaves, 0)
	if VerifyInclusionProof(proof, leaves[0], "") {
		t.Fatal("empty expected root verified")
	}
}
