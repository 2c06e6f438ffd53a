package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"sigil/pkg/merkle"
	"sigil/pkg/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrKeyNotFound   = errors.New("signing key not found")
	ErrChainConflict = errors.New("chain position already taken")
	ErrProofExists   = errors.New("proof already requested")
	ErrProofConflict = errors.New("proof status changed concurrently")
)

// DB is the subset of pgxpool.Pool the attestation store uses. Tests supply
// hand-rolled fakes.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the attestation DAO. Cache is optional; nil disables the read
// caches and the proof-request dedupe guard.
type Store struct {
	DB    DB
	Cache Cache
}

const (
	merkleRootTTL  = 10 * time.Second
	certificateTTL = 30 * time.Second
	proofDedupeTTL = time.Minute
)

func merkleRootKey(agentID string) string { return "sigil:merkle:root:" + agentID }

func certificateKey(certID string) string { return "sigil:cert:" + certID }

func proofRequestKey(cpID, proofType string) string {
	return "sigil:proof:req:" + cpID + ":" + proofType
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- signing keys ---

// GetActiveSigningKey resolves a key id. Inactive and unknown keys both
// report ErrKeyNotFound so callers treat them identically.
func (s *Store) GetActiveSigningKey(ctx context.Context, keyID string) (models.SigningKeyInfo, error) {
	var info models.SigningKeyInfo
	row := s.DB.QueryRow(ctx, `
		SELECT key_id, public_key, algorithm, is_active
		FROM signing_keys WHERE key_id=$1
	`, keyID)
	if err := row.Scan(&info.KeyID, &info.PublicKey, &info.Algorithm, &info.IsActive); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return info, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
		}
		return info, err
	}
	if !info.IsActive {
		return models.SigningKeyInfo{}, fmt.Errorf("%w: %s is inactive", ErrKeyNotFound, keyID)
	}
	return info, nil
}

// PublicKeyHex satisfies signer.KeySource.
func (s *Store) PublicKeyHex(ctx context.Context, keyID string) (string, error) {
	info, err := s.GetActiveSigningKey(ctx, keyID)
	if err != nil {
		return "", err
	}
	return info.PublicKey, nil
}

func (s *Store) ListSigningKeys(ctx context.Context) ([]models.SigningKeyInfo, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT key_id, public_key, algorithm, is_active
		FROM signing_keys ORDER BY created_at DESC, key_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.SigningKeyInfo{}
	for rows.Next() {
		var info models.SigningKeyInfo
		if err := rows.Scan(&info.KeyID, &info.PublicKey, &info.Algorithm, &info.IsActive); err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// InsertSigningKey registers a public key. Existing key ids are left
// untouched, so repeated bootstrap is safe.
func (s *Store) InsertSigningKey(ctx context.Context, info models.SigningKeyInfo) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO signing_keys (key_id, public_key, algorithm, is_active, created_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (key_id) DO NOTHING
	`, info.KeyID, info.PublicKey, info.Algorithm, info.IsActive)
	return err
}

// --- checkpoints and chain ---

// AttestedRecord is one fully-attested checkpoint plus its merkle leaf.
type AttestedRecord struct {
	models.AttestedCheckpoint
	LeafHash string
}

const checkpointColumns = `checkpoint_id, agent_id, card_id, session_id, verdict, concerns,
		reasoning_summary, thinking_block_hash, confidence, analysis_model,
		analysis_duration_ms, ts, card_hash, values_hash, window_hash, model_hash,
		prompt_hash, input_commitment, chain_hash, prev_chain_hash, chain_position,
		merkle_leaf_index, certificate_id, signature, signed_payload, signing_key_id, attested_at`

// ChainTail returns the newest link of an agent's chain, or nil for a fresh
// agent.
func (s *Store) ChainTail(ctx context.Context, agentID string) (*models.ChainLink, error) {
	var link models.ChainLink
	row := s.DB.QueryRow(ctx, `
		SELECT checkpoint_id, chain_hash, prev_chain_hash, chain_position
		FROM checkpoints WHERE agent_id=$1
		ORDER BY chain_position DESC LIMIT 1
	`, agentID)
	if err := row.Scan(&link.CheckpointID, &link.ChainHash, &link.PrevChainHash, &link.ChainPosition); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &link, nil
}

// AppendAttested writes the checkpoint row and its merkle leaf in one
// statement, so the chain and the tree can never diverge. A concurrent
// append to the same position surfaces as ErrChainConflict; re-reading the
// tail and recomputing is always safe.
func (s *Store) AppendAttested(ctx context.Context, rec AttestedRecord) error {
	concerns, err := json.Marshal(rec.Concerns)
	if err != nil {
		return fmt.Errorf("marshal concerns: %w", err)
	}
	ts, err := models.ParseTimestamp(rec.Timestamp)
	if err != nil {
		return fmt.Errorf("checkpoint timestamp: %w", err)
	}
	// attested_at is the instant stamped on the certificate already returned
	// to the caller. Persisting a database clock here would make every
	// reconstructed certificate's issued_at drift from the original.
	attestedAt, err := models.ParseTimestamp(rec.AttestedAt)
	if err != nil {
		return fmt.Errorf("attested_at timestamp: %w", err)
	}
	_, err = s.DB.Exec(ctx, `
		WITH cp AS (
			INSERT INTO checkpoints (`+checkpointColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27)
		)
		INSERT INTO merkle_leaves (agent_id, leaf_index, leaf_hash, checkpoint_id, created_at)
		VALUES ($2, $22, $28, $1, now())
	`,
		rec.CheckpointID, rec.AgentID, rec.CardID, rec.SessionID, rec.Verdict, concerns,
		rec.ReasoningSummary, rec.ThinkingBlockHash, rec.Confidence, rec.AnalysisModel,
		rec.AnalysisDurationMS, ts, rec.InputCommitments.CardHash, rec.InputCommitments.ValuesHash,
		rec.InputCommitments.WindowHash, rec.InputCommitments.ModelHash, rec.InputCommitments.PromptHash,
		rec.InputCommitments.Combined, rec.ChainHash, rec.PrevChainHash, rec.ChainPosition,
		rec.MerkleLeafIndex, rec.CertificateID, rec.Signature, rec.SignedPayload, rec.SigningKeyID,
		attestedAt, rec.LeafHash,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: agent=%s position=%d", ErrChainConflict, rec.AgentID, rec.ChainPosition)
		}
		return err
	}
	if s.Cache != nil {
		_ = s.Cache.Del(ctx, merkleRootKey(rec.AgentID))
	}
	return nil
}

func scanAttested(row pgx.Row) (models.AttestedCheckpoint, error) {
	var (
		cp          models.AttestedCheckpoint
		concernsRaw []byte
		ts          time.Time
		attestedAt  time.Time
	)
	err := row.Scan(
		&cp.CheckpointID, &cp.AgentID, &cp.CardID, &cp.SessionID, &cp.Verdict, &concernsRaw,
		&cp.ReasoningSummary, &cp.ThinkingBlockHash, &cp.Confidence, &cp.AnalysisModel,
		&cp.AnalysisDurationMS, &ts, &cp.InputCommitments.CardHash, &cp.InputCommitments.ValuesHash,
		&cp.InputCommitments.WindowHash, &cp.InputCommitments.ModelHash, &cp.InputCommitments.PromptHash,
		&cp.InputCommitments.Combined, &cp.ChainHash, &cp.PrevChainHash, &cp.ChainPosition,
		&cp.MerkleLeafIndex, &cp.CertificateID, &cp.Signature, &cp.SignedPayload, &cp.SigningKeyID,
		&attestedAt,
	)
	if err != nil {
		return cp, err
	}
	if len(concernsRaw) > 0 {
		if err := json.Unmarshal(concernsRaw, &cp.Concerns); err != nil {
			return cp, fmt.Errorf("decode concerns: %w", err)
		}
	}
	cp.Timestamp = models.FormatTimestamp(ts)
	cp.AttestedAt = models.FormatTimestamp(attestedAt)
	return cp, nil
}

func (s *Store) GetCheckpoint(ctx context.Context, checkpointID string) (models.AttestedCheckpoint, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT `+checkpointColumns+`
		FROM checkpoints WHERE checkpoint_id=$1
	`, checkpointID)
	cp, err := scanAttested(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return cp, fmt.Errorf("%w: checkpoint %s", ErrNotFound, checkpointID)
	}
	return cp, err
}

// GetCheckpointByCertificateID backs the public certificate endpoint; reads
// go through the cache because certificates are immutable once issued.
func (s *Store) GetCheckpointByCertificateID(ctx context.Context, certificateID string) (models.AttestedCheckpoint, error) {
	if s.Cache != nil {
		if raw, err := s.Cache.Get(ctx, certificateKey(certificateID)); err == nil && raw != "" {
			var cp models.AttestedCheckpoint
			if err := json.Unmarshal([]byte(raw), &cp); err == nil {
				return cp, nil
			}
		}
	}
	row := s.DB.QueryRow(ctx, `
		SELECT `+checkpointColumns+`
		FROM checkpoints WHERE certificate_id=$1
	`, certificateID)
	cp, err := scanAttested(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return cp, fmt.Errorf("%w: certificate %s", ErrNotFound, certificateID)
	}
	if err != nil {
		return cp, err
	}
	if s.Cache != nil {
		if raw, mErr := json.Marshal(cp); mErr == nil {
			_ = s.Cache.Set(ctx, certificateKey(certificateID), string(raw), certificateTTL)
		}
	}
	return cp, nil
}

// --- merkle tree ---

// AgentTree is the authoritative leaf list with its derived root. Root and
// depth are recomputed from the leaves on every load; nothing else is
// persisted.
type AgentTree struct {
	AgentID    string
	LeafHashes []string
	Root       string
	Depth      int
	LeafCount  int
}

func (s *Store) GetAgentMerkleTree(ctx context.Context, agentID string) (AgentTree, error) {
	tree := AgentTree{AgentID: agentID}
	rows, err := s.DB.Query(ctx, `
		SELECT leaf_hash FROM merkle_leaves
		WHERE agent_id=$1 ORDER BY leaf_index
	`, agentID)
	if err != nil {
		return tree, err
	}
	defer rows.Close()
	for rows.Next() {
		var leaf string
		if err := rows.Scan(&leaf); err != nil {
			return tree, err
		}
		tree.LeafHashes = append(tree.LeafHashes, leaf)
	}
	if err := rows.Err(); err != nil {
		return tree, err
	}
	tree.LeafCount = len(tree.LeafHashes)
	tree.Root = merkle.Root(tree.LeafHashes)
	tree.Depth = merkle.Depth(tree.LeafCount)
	return tree, nil
}

// MerkleRoot serves the public root endpoint through a short-lived cache;
// appends invalidate it, so a stale read window is bounded by the TTL.
func (s *Store) MerkleRoot(ctx context.Context, agentID string) (models.MerkleRootResponse, error) {
	if s.Cache != nil {
		if raw, err := s.Cache.Get(ctx, merkleRootKey(agentID)); err == nil && raw != "" {
			var resp models.MerkleRootResponse
			if err := json.Unmarshal([]byte(raw), &resp); err == nil {
				return resp, nil
			}
		}
	}
	tree, err := s.GetAgentMerkleTree(ctx, agentID)
	if err != nil {
		return models.MerkleRootResponse{}, err
	}
	resp := models.MerkleRootResponse{
		AgentID:    agentID,
		MerkleRoot: tree.Root,
		TreeDepth:  tree.Depth,
		LeafCount:  tree.LeafCount,
		ComputedAt: models.FormatTimestamp(time.Now().UTC()),
	}
	if s.Cache != nil {
		if raw, mErr := json.Marshal(resp); mErr == nil {
			_ = s.Cache.Set(ctx, merkleRootKey(agentID), string(raw), merkleRootTTL)
		}
	}
	return resp, nil
}

// --- verdict proofs ---

// InsertPendingProof creates the pending row. The cache guard short-circuits
// duplicate requests cheaply; the UNIQUE(checkpoint_id, proof_type)
// constraint is the real gate.
func (s *Store) InsertPendingProof(ctx context.Context, proofID, checkpointID, proofType string) error {
	if s.Cache != nil {
		ok, err := s.Cache.SetNX(ctx, proofRequestKey(checkpointID, proofType), proofID, proofDedupeTTL)
		if err == nil && !ok {
			return fmt.Errorf("%w: checkpoint %s", ErrProofExists, checkpointID)
		}
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO verdict_proofs (proof_id, checkpoint_id, proof_type, status, requested_at)
		VALUES ($1, $2, $3, $4, now())
	`, proofID, checkpointID, proofType, models.ProofStatusPending)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: checkpoint %s", ErrProofExists, checkpointID)
		}
		return err
	}
	return nil
}

const proofColumns = `proof_id, checkpoint_id, status, COALESCE(image_id,''),
		COALESCE(receipt,''), COALESCE(journal,''), verified_at`

func scanProof(row pgx.Row) (models.VerdictProof, error) {
	var (
		p          models.VerdictProof
		verifiedAt *time.Time
	)
	err := row.Scan(&p.ProofID, &p.CheckpointID, &p.Status, &p.ImageID, &p.Receipt, &p.Journal, &verifiedAt)
	if err != nil {
		return p, err
	}
	if verifiedAt != nil {
		p.VerifiedAt = models.FormatTimestamp(*verifiedAt)
	}
	return p, nil
}

// GetCompletedProof returns the completed derivation proof for a checkpoint,
// or nil when none exists. Pending and failed rows are invisible here.
func (s *Store) GetCompletedProof(ctx context.Context, checkpointID string) (*models.VerdictProof, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT `+proofColumns+`
		FROM verdict_proofs
		WHERE checkpoint_id=$1 AND status=$2
		ORDER BY verified_at DESC NULLS LAST LIMIT 1
	`, checkpointID, models.ProofStatusCompleted)
	p, err := scanProof(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetLatestProof(ctx context.Context, checkpointID string) (models.VerdictProof, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT `+proofColumns+`
		FROM verdict_proofs
		WHERE checkpoint_id=$1
		ORDER BY requested_at DESC LIMIT 1
	`, checkpointID)
	p, err := scanProof(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return p, fmt.Errorf("%w: no proof for checkpoint %s", ErrNotFound, checkpointID)
	}
	return p, err
}

// GetProofStatus returns the checkpoint and current status for a proof id.
func (s *Store) GetProofStatus(ctx context.Context, proofID string) (string, string, error) {
	var checkpointID, status string
	row := s.DB.QueryRow(ctx, `
		SELECT checkpoint_id, status FROM verdict_proofs WHERE proof_id=$1
	`, proofID)
	if err := row.Scan(&checkpointID, &status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", "", fmt.Errorf("%w: proof %s", ErrNotFound, proofID)
		}
		return "", "", err
	}
	return checkpointID, status, nil
}

// ProofUpdate carries the prover callback fields. Empty strings leave the
// stored value untouched.
type ProofUpdate struct {
	ImageID string
	Receipt string
	Journal string
	Error   string
}

// UpdateProofStatus moves a proof from one status to another. The guard on
// the previous status makes concurrent callbacks lose cleanly with
// ErrProofConflict instead of overwriting a terminal state.
func (s *Store) UpdateProofStatus(ctx context.Context, proofID, from, to string, upd ProofUpdate) error {
	tag, err := s.DB.Exec(ctx, `
		UPDATE verdict_proofs
		SET status=$3,
		    image_id=COALESCE(NULLIF($4,''), image_id),
		    receipt=COALESCE(NULLIF($5,''), receipt),
		    journal=COALESCE(NULLIF($6,''), journal),
		    error=COALESCE(NULLIF($7,''), error),
		    verified_at=CASE WHEN $3=$8 THEN now() ELSE verified_at END
		WHERE proof_id=$1 AND status=$2
	`, proofID, from, to, upd.ImageID, upd.Receipt, upd.Journal, upd.Error, models.ProofStatusCompleted)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: proof %s", ErrProofConflict, proofID)
	}
	return nil
}
