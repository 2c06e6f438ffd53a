package certificate

import (
	"sigil/pkg/models"
	"sigil/pkg/signer"
)

// ProofSystem names the zk proving system behind verdict derivation proofs.
const ProofSystem = "risc0"

// Reconstruct rebuilds the certificate document for an attested checkpoint
// from its stored record. The id and issued_at come from the record, so the
// document matches the originally issued one except for blocks recomputed at
// read time: the merkle proof reflects the tree as of now, and
// verdict_derivation appears once the external prover completes.
func Reconstruct(rec models.AttestedCheckpoint, merkle *models.InclusionProof, proof *models.VerdictProof, baseURL string) (models.Certificate, error) {
	return BuildCertificate(CertificateInput{
		CertificateID: rec.CertificateID,
		IssuedAt:      rec.AttestedAt,
		Subject: models.CertificateSubject{
			CheckpointID: rec.CheckpointID,
			AgentID:      rec.AgentID,
			SessionID:    rec.SessionID,
			CardID:       rec.CardID,
		},
		Claims: models.CertificateClaims{
			Verdict:            rec.Verdict,
			Concerns:           rec.Concerns,
			Confidence:         rec.Confidence,
			ReasoningSummary:   rec.ReasoningSummary,
			AnalysisModel:      rec.AnalysisModel,
			AnalysisDurationMS: rec.AnalysisDurationMS,
			Timestamp:          rec.Timestamp,
			ThinkingBlockHash:  rec.ThinkingBlockHash,
		},
		Commitments: rec.InputCommitments,
		Signature: models.SignatureProof{
			Algorithm:     signer.Algorithm,
			KeyID:         rec.SigningKeyID,
			Value:         rec.Signature,
			SignedPayload: rec.SignedPayload,
		},
		Chain: models.ChainProof{
			ChainHash:     rec.ChainHash,
			PrevChainHash: rec.PrevChainHash,
			Position:      rec.ChainPosition,
		},
		Merkle:       merkle,
		VerdictProof: DerivationBlock(proof),
		BaseURL:      baseURL,
	})
}

// DerivationBlock maps a prover row into the certificate's verdict_derivation
// block. Only completed rows qualify; pending, proving, and failed proofs
// never appear in a certificate.
func DerivationBlock(p *models.VerdictProof) *models.VerdictDerivationProof {
	if p == nil || p.Status != models.ProofStatusCompleted {
		return nil
	}
	return &models.VerdictDerivationProof{
		ProofID:    p.ProofID,
		System:     ProofSystem,
		ImageID:    p.ImageID,
		Receipt:    p.Receipt,
		Journal:    p.Journal,
		VerifiedAt: p.VerifiedAt,
	}
}
