package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Verdicts a checkpoint can carry.
const (
	VerdictClear             = "clear"
	VerdictReviewNeeded      = "review_needed"
	VerdictBoundaryViolation = "boundary_violation"
)

// Verdict-derivation proof lifecycle states (owned by the external prover).
const (
	ProofStatusPending   = "pending"
	ProofStatusProving   = "proving"
	ProofStatusCompleted = "completed"
	ProofStatusFailed    = "failed"
)

// TimestampLayout is ISO-8601 with millisecond precision, always UTC.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

func ValidVerdict(v string) bool {
	switch v {
	case VerdictClear, VerdictReviewNeeded, VerdictBoundaryViolation:
		return true
	default:
		return false
	}
}

func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// Checkpoint is a verdict record about one agent decision point. It is
// produced externally and immutable once issued; re-evaluation creates a new
// record, never an in-place change to a signed field.
type Checkpoint struct {
	CheckpointID       string   `json:"checkpoint_id"`
	AgentID            string   `json:"agent_id"`
	CardID             string   `json:"card_id"`
	SessionID          string   `json:"session_id"`
	Verdict            string   `json:"verdict"`
	Concerns           []string `json:"concerns"`
	ReasoningSummary   string   `json:"reasoning_summary"`
	ThinkingBlockHash  string   `json:"thinking_block_hash"`
	Timestamp          string   `json:"timestamp"`
	Confidence         string   `json:"confidence,omitempty"`
	AnalysisModel      string   `json:"analysis_model,omitempty"`
	AnalysisDurationMS int      `json:"analysis_duration_ms,omitempty"`
}

// Validate rejects a checkpoint at the boundary, before any hashing sees it.
func (c Checkpoint) Validate() error {
	if c.CheckpointID == "" {
		return errors.New("checkpoint_id required")
	}
	if c.AgentID == "" {
		return errors.New("agent_id required")
	}
	if !ValidVerdict(c.Verdict) {
		return fmt.Errorf("invalid verdict %q", c.Verdict)
	}
	if c.ThinkingBlockHash == "" {
		return errors.New("thinking_block_hash required")
	}
	if c.Timestamp == "" {
		return errors.New("timestamp required")
	}
	ts, err := ParseTimestamp(c.Timestamp)
	if err != nil {
		return fmt.Errorf("timestamp must be ISO-8601: %w", err)
	}
	// The chain hash and signed payload bind the timestamp string verbatim,
	// while reads format the stored instant back to millisecond UTC. Any
	// other layout would attest fine and then fail chain verification on
	// every reconstruction, so it is rejected here before hashing sees it.
	if FormatTimestamp(ts) != c.Timestamp {
		return fmt.Errorf("timestamp must be millisecond-precision UTC, got %q", c.Timestamp)
	}
	return nil
}

// AnalysisInputs are the five fields committed by the input commitment. The
// JSON-valued fields must not contain floating-point tokens.
type AnalysisInputs struct {
	Card                  json.RawMessage `json:"card"`
	ConscienceValues      json.RawMessage `json:"conscience_values"`
	WindowContext         json.RawMessage `json:"window_context"`
	ModelVersion          string          `json:"model_version"`
	PromptTemplateVersion string          `json:"prompt_template_version"`
}

// InputCommitmentParts holds the per-field digests and the combined
// commitment over all five analysis inputs.
type InputCommitmentParts struct {
	CardHash   string `json:"card_hash"`
	ValuesHash string `json:"values_hash"`
	WindowHash string `json:"window_hash"`
	ModelHash  string `json:"model_hash"`
	PromptHash string `json:"prompt_hash"`
	Combined   string `json:"combined"`
}

// ChainLink binds a checkpoint to its immediate predecessor.
// ChainPosition is 0 and PrevChainHash nil exactly for an agent's first
// checkpoint.
type ChainLink struct {
	CheckpointID  string  `json:"checkpoint_id"`
	PrevChainHash *string `json:"prev_chain_hash"`
	ChainHash     string  `json:"chain_hash"`
	ChainPosition int     `json:"chain_position"`
}

type ProofSibling struct {
	Hash     string `json:"hash"`
	Position string `json:"position"` // "left" or "right"
}

// InclusionProof is the sibling path proving one leaf belongs to a root.
type InclusionProof struct {
	LeafHash  string         `json:"leaf_hash"`
	LeafIndex int            `json:"leaf_index"`
	Siblings  []ProofSibling `json:"siblings"`
	Root      string         `json:"root"`
	TreeSize  int            `json:"tree_size"`
}

type SigningKeyInfo struct {
	KeyID     string `json:"key_id"`
	PublicKey string `json:"public_key"`
	Algorithm string `json:"algorithm"`
	IsActive  bool   `json:"is_active"`
}

// Certificate is the immutable, self-describing document bundling every
// proof for one checkpoint.
type Certificate struct {
	CertificateID    string               `json:"certificate_id"`
	Version          string               `json:"version"`
	IssuedAt         string               `json:"issued_at"`
	Subject          CertificateSubject   `json:"subject"`
	Claims           CertificateClaims    `json:"claims"`
	InputCommitments InputCommitmentParts `json:"input_commitments"`
	Proofs           CertificateProofs    `json:"proofs"`
	Verification     VerificationLinks    `json:"verification"`
}

type CertificateSubject struct {
	CheckpointID string `json:"checkpoint_id"`
	AgentID      string `json:"agent_id"`
	SessionID    string `json:"session_id"`
	CardID       string `json:"card_id"`
}

// CertificateClaims carries the verdict plus the fields bound into the chain
// hash and signed payload; Timestamp is the attested instant, not the
// certificate minting instant.
type CertificateClaims struct {
	Verdict            string   `json:"verdict"`
	Concerns           []string `json:"concerns"`
	Confidence         string   `json:"confidence,omitempty"`
	ReasoningSummary   string   `json:"reasoning_summary,omitempty"`
	AnalysisModel      string   `json:"analysis_model,omitempty"`
	AnalysisDurationMS int      `json:"analysis_duration_ms,omitempty"`
	Timestamp          string   `json:"timestamp"`
	ThinkingBlockHash  string   `json:"thinking_block_hash"`
}

// SignatureProof stores the exact signed payload string verbatim;
// verification checks the signature against it, never a recomputation.
type SignatureProof struct {
	Algorithm     string `json:"algorithm"`
	KeyID         string `json:"key_id"`
	Value         string `json:"value"`
	SignedPayload string `json:"signed_payload"`
}

type ChainProof struct {
	ChainHash     string  `json:"chain_hash"`
	PrevChainHash *string `json:"prev_chain_hash"`
	Position      int     `json:"position"`
}

type VerdictDerivationProof struct {
	ProofID    string `json:"proof_id"`
	System     string `json:"system,omitempty"`
	ImageID    string `json:"image_id,omitempty"`
	Receipt    string `json:"receipt,omitempty"`
	Journal    string `json:"journal,omitempty"`
	VerifiedAt string `json:"verified_at,omitempty"`
}

// Merkle and VerdictDerivation serialize as explicit null when absent.
type CertificateProofs struct {
	Signature         SignatureProof          `json:"signature"`
	Chain             ChainProof              `json:"chain"`
	Merkle            *InclusionProof         `json:"merkle"`
	VerdictDerivation *VerdictDerivationProof `json:"verdict_derivation"`
}

type VerificationLinks struct {
	KeysURL        string `json:"keys_url"`
	VerifyURL      string `json:"verify_url"`
	CertificateURL string `json:"certificate_url"`
}

// VerdictProof is the external zero-knowledge proof row. This engine creates
// the pending row and reads rows thereafter; the prover owns the lifecycle.
type VerdictProof struct {
	ProofID      string `json:"proof_id"`
	CheckpointID string `json:"checkpoint_id"`
	Status       string `json:"status"`
	ImageID      string `json:"image_id,omitempty"`
	Receipt      string `json:"receipt,omitempty"`
	Journal      string `json:"journal,omitempty"`
	VerifiedAt   string `json:"verified_at,omitempty"`
}

// CheckResult is one line of a verification report. Applicable is false for
// optional proofs that were absent; those never block overall validity.
type CheckResult struct {
	Valid      bool   `json:"valid"`
	Applicable bool   `json:"applicable"`
	Detail     string `json:"detail"`
}

type VerificationReport struct {
	Valid   bool                   `json:"valid"`
	Checks  map[string]CheckResult `json:"checks"`
	Details []string               `json:"details"`
}

// AttestedCheckpoint is a checkpoint plus the attestation fields persisted
// alongside it.
type AttestedCheckpoint struct {
	Checkpoint
	InputCommitments InputCommitmentParts `json:"input_commitments"`
	ChainHash        string               `json:"chain_hash"`
	PrevChainHash    *string              `json:"prev_chain_hash"`
	ChainPosition    int                  `json:"chain_position"`
	MerkleLeafIndex  int                  `json:"merkle_leaf_index"`
	CertificateID    string               `json:"certificate_id"`
	Signature        string               `json:"signature"`
	SignedPayload    string               `json:"signed_payload"`
	SigningKeyID     string               `json:"signing_key_id"`
	AttestedAt       string               `json:"attested_at"`
}

type KeysResponse struct {
	Keys []SigningKeyInfo `json:"keys"`
}

type MerkleRootResponse struct {
	AgentID    string `json:"agent_id"`
	MerkleRoot string `json:"merkle_root"`
	TreeDepth  int    `json:"tree_depth"`
	LeafCount  int    `json:"leaf_count"`
	ComputedAt string `json:"computed_at"`
}

type InclusionProofResponse struct {
	CheckpointID string         `json:"checkpoint_id"`
	AgentID      string         `json:"agent_id"`
	Proof        InclusionProof `json:"proof"`
	Verified     bool           `json:"verified"`
}

type ProofQueuedResponse struct {
	ProofID               string `json:"proof_id"`
	Status                string `json:"status"`
	EstimatedCompletionMS int    `json:"estimated_completion_ms"`
}

type ProofStatusResponse struct {
	CheckpointID string `json:"checkpoint_id"`
	ProofID      string `json:"proof_id"`
	Status       string `json:"status"`
	ImageID      string `json:"image_id,omitempty"`
	Journal      string `json:"journal,omitempty"`
	VerifiedAt   string `json:"verified_at,omitempty"`
}
