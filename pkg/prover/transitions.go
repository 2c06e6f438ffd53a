// Package prover owns the optional zero-knowledge proof boundary: the
// request policy, the fire-and-forget dispatch to the external prover, the
// synchronous receipt check used during verification, and the status
// lifecycle for proof rows.
package prover

import (
	"errors"

	"sigil/pkg/models"
)

var ErrInvalidTransition = errors.New("invalid proof status transition")

// CanTransition reports whether a proof row may move from one status to
// another. The lifecycle is monotone: pending may skip proving, but nothing
// ever leaves completed or failed.
func CanTransition(from, to string) bool {
	switch from {
	case models.ProofStatusPending:
		return to == models.ProofStatusProving ||
			to == models.ProofStatusCompleted ||
			to == models.ProofStatusFailed
	case models.ProofStatusProving:
		return to == models.ProofStatusCompleted || to == models.ProofStatusFailed
	default:
		return false
	}
}

func Transition(from, to string) (string, error) {
	if !CanTransition(from, to) {
		return from, ErrInvalidTransition
	}
	return to, nil
}

func IsTerminal(status string) bool {
	switch status {
	case models.ProofStatusCompleted, models.ProofStatusFailed:
		return true
	default:
		return false
	}
}

func ValidStatus(status string) bool {
	switch status {
	case models.ProofStatusPending, models.ProofStatusProving,
		models.ProofStatusCompleted, models.ProofStatusFailed:
		return true
	default:
		return false
	}
}
