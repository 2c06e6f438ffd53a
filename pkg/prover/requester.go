package prover

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"time"

	"sigil/pkg/certificate"
	"sigil/pkg/httpx"
	"sigil/pkg/metrics"
	"sigil/pkg/models"
)

// DefaultSampleRate is the fraction of non-violation checkpoints that get a
// derivation proof requested. A cost/coverage trade-off, not a security
// boundary.
const DefaultSampleRate = 0.10

// ProofTypeVerdict is the only proof type requested today.
const ProofTypeVerdict = "verdict_derivation"

// ProofStore persists the pending row before dispatch.
type ProofStore interface {
	InsertPendingProof(ctx context.Context, proofID, checkpointID, proofType string) error
}

// Requester decides whether a checkpoint gets a derivation proof and
// dispatches the request. Every failure mode is fail-open: the checkpoint and
// its certificate stay valid with a null derivation block.
type Requester struct {
	Store      ProofStore
	Client     *http.Client
	BaseURL    string
	AuthHeader string
	AuthToken  string
	SampleRate float64
	Rand       func() float64
	Metrics    *metrics.Registry
	Timeout    time.Duration
}

// ShouldProve is the request policy: always for boundary_violation, sampled
// for everything else.
func (r *Requester) ShouldProve(verdict string) bool {
	if verdict == models.VerdictBoundaryViolation {
		return true
	}
	rate := r.SampleRate
	if rate <= 0 {
		rate = DefaultSampleRate
	}
	roll := r.Rand
	if roll == nil {
		roll = rand.Float64
	}
	return roll() < rate
}

type proveRequest struct {
	ProofID      string          `json:"proof_id"`
	CheckpointID string          `json:"checkpoint_id"`
	AnalysisJSON json.RawMessage `json:"analysis_json,omitempty"`
	ThinkingHash string          `json:"thinking_hash"`
	CardHash     string          `json:"card_hash"`
	ValuesHash   string          `json:"values_hash"`
	Model        string          `json:"model,omitempty"`
}

// Request applies the policy, persists the pending row, and dispatches the
// prove call on a detached goroutine so the attestation path never waits on
// the prover. Returns the minted proof id and whether a request was made.
func (r *Requester) Request(ctx context.Context, cp models.Checkpoint, commitments models.InputCommitmentParts, analysis json.RawMessage) (string, bool) {
	if !r.ShouldProve(cp.Verdict) {
		return "", false
	}
	if r.BaseURL == "" {
		log.Printf("prover: not configured, skipping proof for %s", cp.CheckpointID)
		return "", false
	}
	proofID, err := r.Enqueue(ctx, cp, commitments, analysis)
	if err != nil {
		log.Printf("prover: proof request for %s failed: %v", cp.CheckpointID, err)
		return "", false
	}
	return proofID, true
}

// Enqueue persists the pending row and dispatches the prove call without
// consulting the sampling policy. Explicit operator requests come through
// here; the store's uniqueness gate still rejects duplicates.
func (r *Requester) Enqueue(ctx context.Context, cp models.Checkpoint, commitments models.InputCommitmentParts, analysis json.RawMessage) (string, error) {
	if r.BaseURL == "" {
		return "", errors.New("prover not configured")
	}

	proofID := certificate.GenerateProofID()
	if err := r.Store.InsertPendingProof(ctx, proofID, cp.CheckpointID, ProofTypeVerdict); err != nil {
		return "", err
	}

	body, err := json.Marshal(proveRequest{
		ProofID:      proofID,
		CheckpointID: cp.CheckpointID,
		AnalysisJSON: analysis,
		ThinkingHash: cp.ThinkingBlockHash,
		CardHash:     commitments.CardHash,
		ValuesHash:   commitments.ValuesHash,
		Model:        cp.AnalysisModel,
	})
	if err != nil {
		return "", fmt.Errorf("marshal prove request: %w", err)
	}

	if r.Metrics != nil {
		r.Metrics.IncProverRequest()
	}
	go r.dispatch(proofID, body)
	return proofID, nil
}

// dispatch posts the proof request with its own timeout. The response is
// ignored; the prover reports progress through the status callback.
func (r *Requester) dispatch(proofID string, body []byte) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	headers := map[string]string{}
	if r.AuthHeader != "" && r.AuthToken != "" {
		headers[r.AuthHeader] = r.AuthToken
	}
	status, _, err := httpx.RequestJSON(ctx, r.Client, http.MethodPost, r.BaseURL+"/prove", body, headers, 0, 0)
	if err != nil {
		log.Printf("prover: dispatch %s failed: %v", proofID, err)
		return
	}
	if status >= 300 {
		log.Printf("prover: dispatch %s got status %d", proofID, status)
	}
}
