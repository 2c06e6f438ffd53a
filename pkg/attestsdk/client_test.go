package attestsdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"sigil/pkg/certificate"
	"sigil/pkg/checkbus"
	"sigil/pkg/merkle"
	"sigil/pkg/models"
	"sigil/pkg/signer"
)

func testSubmission() checkbus.Submission {
	return checkbus.Submission{
		Checkpoint: models.Checkpoint{
			CheckpointID:      "cp-sdk-1",
			AgentID:           "agent-42",
			CardID:            "card-3",
			SessionID:         "sess-9",
			Verdict:           models.VerdictClear,
			ThinkingBlockHash: strings.Repeat("cd", 32),
			Timestamp:         "2026-02-03T11:00:00.123Z",
		},
		Inputs: models.AnalysisInputs{
			Card:                  json.RawMessage(`{"agent_id":"agent-42","scope":["deploy"]}`),
			ConscienceValues:      json.RawMessage(`["honesty"]`),
			WindowContext:         json.RawMessage(`{"task":"rotate keys"}`),
			ModelVersion:          "conscience-2",
			PromptTemplateVersion: "pt-9",
		},
	}
}

// testCertificate builds a genuinely attested single-leaf certificate with
// the real primitives.
func testCertificate(t *testing.T) (models.Certificate, signer.KeyPair) {
	t.Helper()
	key, err := signer.GenerateKeyPair("key-sdk")
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sub := testSubmission()
	commitments, err := models.ComputeInputCommitment(sub.Inputs)
	if err != nil {
		t.Fatalf("input commitment: %v", err)
	}
	cp := sub.Checkpoint
	chainHash := models.ComputeChainHash(nil, cp.CheckpointID, cp.Verdict, cp.ThinkingBlockHash, commitments.Combined, cp.Timestamp)
	payload, err := certificate.BuildSignedPayload(certificate.SignedPayloadInput{
		AgentID:           cp.AgentID,
		ChainHash:         chainHash,
		CheckpointID:      cp.CheckpointID,
		InputCommitment:   commitments.Combined,
		ThinkingBlockHash: cp.ThinkingBlockHash,
		Timestamp:         cp.Timestamp,
		Verdict:           cp.Verdict,
	})
	if err != nil {
		t.Fatalf("signed payload: %v", err)
	}
	rec := models.AttestedCheckpoint{
		Checkpoint:       cp,
		InputCommitments: commitments,
		ChainHash:        chainHash,
		CertificateID:    "cert-sdk00001",
		Signature:        signer.Sign(payload, key.Private),
		SignedPayload:    payload,
		SigningKeyID:     key.KeyID,
		AttestedAt:       "2026-02-03T11:00:01.000Z",
	}
	leaf := merkle.LeafHash(cp.CheckpointID, cp.Verdict, cp.ThinkingBlockHash)
	proof, err := merkle.GenerateInclusionProof([]string{leaf}, 0)
	if err != nil {
		t.Fatalf("inclusion proof: %v", err)
	}
	cert, err := certificate.Reconstruct(rec, &proof, nil, "https://attest.example.com")
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	return cert, key
}

func TestSubmitCheckpoint(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/checkpoints" {
			t.Fatalf("unexpected route %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("X-Sigil-Service"); got != "svc-token" {
			t.Fatalf("expected service header, got %q", got)
		}
		var sub checkbus.Submission
		if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
			t.Fatalf("decode submission: %v", err)
		}
		if sub.CheckpointID != "cp-sdk-1" || sub.Inputs.ModelVersion != "conscience-2" {
			t.Fatalf("unexpected submission %+v", sub)
		}
		w.WriteHeader(201)
		_ = json.NewEncoder(w).Encode(models.Certificate{CertificateID: "cert-abc00001"})
	}))
	defer ts.Close()

	c := NewClient(ts.URL, time.Second)
	c.ServiceHeader = "X-Sigil-Service"
	c.ServiceToken = "svc-token"
	cert, err := c.SubmitCheckpoint(context.Background(), testSubmission())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if cert.CertificateID != "cert-abc00001" {
		t.Fatalf("unexpected certificate id %s", cert.CertificateID)
	}
}

func TestVerifierReadSurface(t *testing.T) {
	prev := "deadbeef"
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer token-1" {
			t.Fatalf("expected bearer auth on %s, got %q", r.URL.Path, got)
		}
		switch r.Method + " " + r.URL.Path {
		case "GET /v1/certificates/cert-abc00001":
			_ = json.NewEncoder(w).Encode(models.Certificate{CertificateID: "cert-abc00001"})
		case "GET /v1/checkpoints/cp-sdk-1/certificate":
			_ = json.NewEncoder(w).Encode(models.Certificate{
				CertificateID: "cert-abc00001",
				Proofs:        models.CertificateProofs{Chain: models.ChainProof{PrevChainHash: &prev, Position: 3}},
			})
		case "GET /v1/checkpoints/cp-sdk-1/inclusion-proof":
			_ = json.NewEncoder(w).Encode(models.InclusionProofResponse{CheckpointID: "cp-sdk-1", Verified: true})
		case "GET /v1/checkpoints/cp-sdk-1/proof":
			_ = json.NewEncoder(w).Encode(models.ProofStatusResponse{ProofID: "prf-00000001", Status: models.ProofStatusProving})
		case "GET /v1/agents/agent-42/merkle-root":
			_ = json.NewEncoder(w).Encode(models.MerkleRootResponse{AgentID: "agent-42", LeafCount: 4})
		case "GET /v1/keys":
			_ = json.NewEncoder(w).Encode(models.KeysResponse{Keys: []models.SigningKeyInfo{{KeyID: "key-sdk"}}})
		case "POST /v1/checkpoints/cp-sdk-1/prove":
			w.WriteHeader(202)
			_ = json.NewEncoder(w).Encode(models.ProofQueuedResponse{ProofID: "prf-00000002", Status: models.ProofStatusPending})
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()

	c := NewClient(ts.URL, time.Second)
	c.AuthToken = "token-1"
	ctx := context.Background()

	if cert, err := c.Certificate(ctx, "cert-abc00001"); err != nil || cert.CertificateID != "cert-abc00001" {
		t.Fatalf("certificate: %v %+v", err, cert)
	}
	cert, err := c.CheckpointCertificate(ctx, "cp-sdk-1")
	if err != nil || cert.Proofs.Chain.Position != 3 || cert.Proofs.Chain.PrevChainHash == nil {
		t.Fatalf("checkpoint certificate: %v %+v", err, cert)
	}
	if out, err := c.InclusionProof(ctx, "cp-sdk-1"); err != nil || !out.Verified {
		t.Fatalf("inclusion proof: %v %+v", err, out)
	}
	if out, err := c.ProofStatus(ctx, "cp-sdk-1"); err != nil || out.Status != models.ProofStatusProving {
		t.Fatalf("proof status: %v %+v", err, out)
	}
	if out, err := c.MerkleRoot(ctx, "agent-42"); err != nil || out.LeafCount != 4 {
		t.Fatalf("merkle root: %v %+v", err, out)
	}
	if out, err := c.Keys(ctx); err != nil || len(out.Keys) != 1 {
		t.Fatalf("keys: %v %+v", err, out)
	}
	if out, err := c.RequestProof(ctx, "cp-sdk-1"); err != nil || out.ProofID != "prf-00000002" {
		t.Fatalf("request proof: %v %+v", err, out)
	}
}

func TestVerifyReportRoundTrip(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/verify" {
			t.Fatalf("unexpected route %s %s", r.Method, r.URL.Path)
		}
		var req struct {
			Certificate models.Certificate `json:"certificate"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode verify request: %v", err)
		}
		if req.Certificate.CertificateID != "cert-abc00001" {
			t.Fatalf("unexpected certificate %+v", req.Certificate)
		}
		_ = json.NewEncoder(w).Encode(models.VerificationReport{Valid: true, Checks: map[string]models.CheckResult{}})
	}))
	defer ts.Close()

	c := NewClient(ts.URL, time.Second)
	report, err := c.Verify(context.Background(), models.Certificate{CertificateID: "cert-abc00001"})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.Valid {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestStatusAndDecodeErrors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/keys":
			http.Error(w, "boom", http.StatusBadRequest)
		case "/v1/verify":
			_, _ = w.Write([]byte("{invalid-json"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()

	c := &Client{BaseURL: ts.URL}
	if c.httpClient() == nil {
		t.Fatal("expected fallback http client")
	}
	if _, err := c.Keys(context.Background()); err == nil || !strings.Contains(err.Error(), "status=400") {
		t.Fatalf("expected status error, got %v", err)
	}
	if _, err := c.Verify(context.Background(), models.Certificate{}); err == nil || !strings.Contains(err.Error(), "decode response") {
		t.Fatalf("expected decode error, got %v", err)
	}

	bad := &Client{BaseURL: "://bad"}
	if _, err := bad.Keys(context.Background()); err == nil {
		t.Fatal("expected request build error for bad base url")
	}
}

func TestVerifyOffline(t *testing.T) {
	cert, key := testCertificate(t)

	report, err := VerifyOffline(cert, key.PublicHex)
	if err != nil {
		t.Fatalf("verify offline: %v", err)
	}
	if !report.Valid {
		t.Fatalf("expected valid report, got %+v", report)
	}
	for _, name := range []string{"signature", "chain", "merkle", "input_commitment"} {
		if !report.Checks[name].Valid || !report.Checks[name].Applicable {
			t.Fatalf("check %s did not pass: %+v", name, report.Checks[name])
		}
	}

	otherKey, err := signer.GenerateKeyPair("key-other")
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	report, err = VerifyOffline(cert, otherKey.PublicHex)
	if err != nil {
		t.Fatalf("verify offline with wrong key: %v", err)
	}
	if report.Valid || report.Checks["signature"].Valid {
		t.Fatalf("wrong pinned key must fail the signature check: %+v", report)
	}

	tampered := cert
	tampered.Claims.Verdict = models.VerdictReviewNeeded
	report, err = VerifyOffline(tampered, key.PublicHex)
	if err != nil {
		t.Fatalf("verify offline tampered: %v", err)
	}
	if report.Valid || report.Checks["chain"].Valid {
		t.Fatalf("a tampered verdict must fail the chain check: %+v", report)
	}

	if _, err := VerifyOffline(cert, "zz"); err == nil {
		t.Fatal("expected bad public key hex to error")
	}
}
