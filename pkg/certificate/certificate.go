// Package certificate mints integrity certificates from already-computed
// attestation material. Assembly is pure: no hashing, signing, or storage
// happens here.
package certificate

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"sigil/pkg/models"
)

// Version identifies the certificate document format.
const Version = "sigil/v1"

const (
	idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	idLength   = 8
)

// GenerateCertificateID returns a fresh certificate id of the fixed shape
// cert- followed by eight lowercase alphanumerics. Ids are minted per
// issuance, never derived from content.
func GenerateCertificateID() string {
	return "cert-" + randomSuffix(idLength)
}

// GenerateProofID returns a fresh verdict-proof id, prf- plus eight
// lowercase alphanumerics.
func GenerateProofID() string {
	return "prf-" + randomSuffix(idLength)
}

func randomSuffix(n int) string {
	var out strings.Builder
	out.Grow(n)
	buf := make([]byte, 2*n)
	for out.Len() < n {
		if _, err := rand.Read(buf); err != nil {
			panic(err)
		}
		for _, b := range buf {
			// 252 = 36 * 7; bytes above it would bias the 36-way split.
			if b >= 252 {
				continue
			}
			out.WriteByte(idAlphabet[int(b)%len(idAlphabet)])
			if out.Len() == n {
				break
			}
		}
	}
	return out.String()
}

// SignedPayloadInput carries the seven fields bound by a checkpoint
// signature.
type SignedPayloadInput struct {
	AgentID           string
	ChainHash         string
	CheckpointID      string
	InputCommitment   string
	ThinkingBlockHash string
	Timestamp         string
	Verdict           string
}

// BuildSignedPayload produces the exact canonical string that gets signed:
// the seven keys in strict lexicographic order with no extraneous
// whitespace. Certificates store this string verbatim and verification
// checks the signature against the stored copy, never a recomputation.
func BuildSignedPayload(in SignedPayloadInput) (string, error) {
	canon, err := models.CanonicalValue(map[string]string{
		"agent_id":            in.AgentID,
		"chain_hash":          in.ChainHash,
		"checkpoint_id":       in.CheckpointID,
		"input_commitment":    in.InputCommitment,
		"thinking_block_hash": in.ThinkingBlockHash,
		"timestamp":           in.Timestamp,
		"verdict":             in.Verdict,
	})
	if err != nil {
		return "", err
	}
	return string(canon), nil
}

// CertificateInput is the already-computed material BuildCertificate packages
// into the document shape. CertificateID empty mints a fresh id (the
// issuance path); reconstruction passes the stored id so certificate_url
// stays stable. IssuedAt empty stamps the current instant.
type CertificateInput struct {
	CertificateID string
	IssuedAt      string
	Subject       models.CertificateSubject
	Claims        models.CertificateClaims
	Commitments   models.InputCommitmentParts
	Signature     models.SignatureProof
	Chain         models.ChainProof
	Merkle        *models.InclusionProof
	VerdictProof  *models.VerdictDerivationProof
	BaseURL       string
}

func BuildCertificate(in CertificateInput) (models.Certificate, error) {
	if in.Subject.CheckpointID == "" {
		return models.Certificate{}, errors.New("certificate subject missing checkpoint_id")
	}
	if in.Subject.AgentID == "" {
		return models.Certificate{}, errors.New("certificate subject missing agent_id")
	}
	if !models.ValidVerdict(in.Claims.Verdict) {
		return models.Certificate{}, fmt.Errorf("invalid verdict %q", in.Claims.Verdict)
	}
	if in.Signature.Value == "" || in.Signature.SignedPayload == "" {
		return models.Certificate{}, errors.New("certificate missing signature material")
	}

	id := in.CertificateID
	if id == "" {
		id = GenerateCertificateID()
	}
	issuedAt := in.IssuedAt
	if issuedAt == "" {
		issuedAt = models.FormatTimestamp(time.Now().UTC())
	}

	claims := in.Claims
	if claims.Concerns == nil {
		claims.Concerns = []string{}
	}

	base := strings.TrimRight(in.BaseURL, "/")
	return models.Certificate{
		CertificateID:    id,
		Version:          Version,
		IssuedAt:         issuedAt,
		Subject:          in.Subject,
		Claims:           claims,
		InputCommitments: in.Commitments,
		Proofs: models.CertificateProofs{
			Signature:         in.Signature,
			Chain:             in.Chain,
			Merkle:            in.Merkle,
			VerdictDerivation: in.VerdictProof,
		},
		Verification: models.VerificationLinks{
			KeysURL:        base + "/v1/keys",
			VerifyURL:      base + "/v1/verify",
			CertificateURL: fmt.Sprintf("%s/v1/certificates/%s", base, id),
		},
	}, nil
}
