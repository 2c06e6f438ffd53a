// Package verify re-derives every proof a certificate carries. Each check is
// independent: a failure in one never stops the others, so a report always
// covers all five.
package verify

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"regexp"

	"sigil/pkg/merkle"
	"sigil/pkg/metrics"
	"sigil/pkg/models"
	"sigil/pkg/signer"
)

// Check names as they appear in verification reports.
const (
	CheckSignature         = "signature"
	CheckChain             = "chain"
	CheckMerkle            = "merkle"
	CheckInputCommitment   = "input_commitment"
	CheckVerdictDerivation = "verdict_derivation"
)

const detailNotPresent = "not_present"

var hexDigest = regexp.MustCompile(`^[0-9a-f]{64}$`)

// KeyLookup resolves a signing key id to its public key. signer.KeyRing
// satisfies it.
type KeyLookup interface {
	PublicKey(ctx context.Context, keyID string) (ed25519.PublicKey, error)
}

// ReceiptVerifier checks a zero-knowledge receipt with the external prover.
type ReceiptVerifier interface {
	VerifyReceipt(ctx context.Context, receipt, imageID string) (bool, error)
}

// Orchestrator runs the five certificate checks. Prover nil degrades the
// verdict-derivation check to structural presence. Metrics nil disables
// counters.
type Orchestrator struct {
	Keys    KeyLookup
	Prover  ReceiptVerifier
	Metrics *metrics.Registry
}

// VerifyCertificate runs all checks and reports per-check results. Overall
// validity is the conjunction of the applicable checks; absent optional
// proofs never block it.
func (o *Orchestrator) VerifyCertificate(ctx context.Context, cert models.Certificate) models.VerificationReport {
	report := models.VerificationReport{
		Checks:  map[string]models.CheckResult{},
		Details: []string{},
	}

	report.Checks[CheckSignature] = o.checkSignature(ctx, cert)
	report.Checks[CheckChain] = o.checkChain(cert)
	report.Checks[CheckMerkle] = o.checkMerkle(cert)
	report.Checks[CheckInputCommitment] = o.checkInputCommitment(cert)
	report.Checks[CheckVerdictDerivation] = o.checkVerdictDerivation(ctx, cert)

	report.Valid = true
	for _, name := range []string{CheckSignature, CheckChain, CheckMerkle, CheckInputCommitment, CheckVerdictDerivation} {
		res := report.Checks[name]
		if !res.Applicable {
			continue
		}
		if o.Metrics != nil {
			o.Metrics.IncCheck(name, res.Valid)
		}
		if !res.Valid {
			report.Valid = false
			report.Details = append(report.Details, fmt.Sprintf("%s: %s", name, res.Detail))
		}
	}
	return report
}

func (o *Orchestrator) checkSignature(ctx context.Context, cert models.Certificate) models.CheckResult {
	sig := cert.Proofs.Signature
	if sig.Algorithm != signer.Algorithm {
		return failed(fmt.Sprintf("unsupported algorithm %q", sig.Algorithm))
	}
	if sig.SignedPayload == "" {
		return failed("signed payload missing")
	}
	pub, err := o.Keys.PublicKey(ctx, sig.KeyID)
	if err != nil {
		return failed(fmt.Sprintf("signing key %s unavailable: %v", sig.KeyID, err))
	}
	// The stored payload string is authoritative; nothing is recomputed here.
	if !signer.Verify(sig.Value, sig.SignedPayload, pub) {
		return failed("signature does not verify against the signed payload")
	}
	return passed("signature verifies under key " + sig.KeyID)
}

func (o *Orchestrator) checkChain(cert models.Certificate) models.CheckResult {
	recomputed := models.ComputeChainHash(
		cert.Proofs.Chain.PrevChainHash,
		cert.Subject.CheckpointID,
		cert.Claims.Verdict,
		cert.Claims.ThinkingBlockHash,
		cert.InputCommitments.Combined,
		cert.Claims.Timestamp,
	)
	if recomputed != cert.Proofs.Chain.ChainHash {
		return failed("recomputed chain hash does not match the certificate")
	}
	return passed("chain hash recomputes from certificate fields")
}

func (o *Orchestrator) checkMerkle(cert models.Certificate) models.CheckResult {
	proof := cert.Proofs.Merkle
	if proof == nil {
		return notPresent()
	}
	expectedLeaf := merkle.LeafHash(cert.Subject.CheckpointID, cert.Claims.Verdict, cert.Claims.ThinkingBlockHash)
	if !merkle.VerifyInclusionProof(*proof, expectedLeaf, proof.Root) {
		return failed("inclusion proof does not reproduce the declared root")
	}
	return passed(fmt.Sprintf("leaf %d included in tree of %d", proof.LeafIndex, proof.TreeSize))
}

func (o *Orchestrator) checkInputCommitment(cert models.Certificate) models.CheckResult {
	// The combined commitment cannot be recomputed without the private
	// analysis inputs, so this is a structural check only.
	if !hexDigest.MatchString(cert.InputCommitments.Combined) {
		return failed("combined commitment missing or not a sha-256 digest")
	}
	return passed("commitment present (inputs are private; presence check only)")
}

func (o *Orchestrator) checkVerdictDerivation(ctx context.Context, cert models.Certificate) models.CheckResult {
	proof := cert.Proofs.VerdictDerivation
	if proof == nil {
		return notPresent()
	}
	if proof.ProofID == "" || proof.Receipt == "" {
		return failed("derivation proof attached without id or receipt")
	}
	if o.Prover == nil {
		return passed("receipt present (no prover configured; structural check only)")
	}
	ok, err := o.Prover.VerifyReceipt(ctx, proof.Receipt, proof.ImageID)
	if err != nil {
		return failed(fmt.Sprintf("prover unavailable: %v", err))
	}
	if !ok {
		return failed("prover rejected the receipt")
	}
	return passed("prover confirmed the receipt")
}

func passed(detail string) models.CheckResult {
	return models.CheckResult{Valid: true, Applicable: true, Detail: detail}
}

func failed(detail string) models.CheckResult {
	return models.CheckResult{Valid: false, Applicable: true, Detail: detail}
}

func notPresent() models.CheckResult {
	return models.CheckResult{Valid: true, Applicable: false, Detail: detailNotPresent}
}
