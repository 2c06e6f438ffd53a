// Package attestsdk is the Go client for the attestation services: submit
// checkpoints to the attestor, read certificates and proofs from the
// verifier, and verify certificates offline against a pinned public key.
package attestsdk

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"sigil/pkg/checkbus"
	"sigil/pkg/models"
	"sigil/pkg/signer"
	"sigil/pkg/verify"
)

// Client talks to one service. The attestor and the verifier expose different
// surfaces, so callers using both create one Client per base URL.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	AuthToken  string
	// ServiceHeader and ServiceToken select header-based service auth
	// instead of a bearer token.
	ServiceHeader string
	ServiceToken  string
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// SubmitCheckpoint posts one checkpoint with its analysis inputs to the
// attestor and returns the issued certificate. A resubmission returns the
// certificate issued the first time.
func (c *Client) SubmitCheckpoint(ctx context.Context, sub checkbus.Submission) (models.Certificate, error) {
	var cert models.Certificate
	if err := c.postJSON(ctx, "submit", "/v1/checkpoints", sub, &cert); err != nil {
		return models.Certificate{}, err
	}
	return cert, nil
}

// Certificate fetches a certificate from the verifier by certificate id.
func (c *Client) Certificate(ctx context.Context, certificateID string) (models.Certificate, error) {
	var cert models.Certificate
	err := c.getJSON(ctx, "certificate", "/v1/certificates/"+url.PathEscape(certificateID), &cert)
	return cert, err
}

// CheckpointCertificate fetches the certificate for a checkpoint id.
func (c *Client) CheckpointCertificate(ctx context.Context, checkpointID string) (models.Certificate, error) {
	var cert models.Certificate
	err := c.getJSON(ctx, "certificate", "/v1/checkpoints/"+url.PathEscape(checkpointID)+"/certificate", &cert)
	return cert, err
}

// Verify asks the verifier for a full verification report on a certificate.
func (c *Client) Verify(ctx context.Context, cert models.Certificate) (models.VerificationReport, error) {
	var report models.VerificationReport
	payload := map[string]interface{}{"certificate": cert}
	if err := c.postJSON(ctx, "verify", "/v1/verify", payload, &report); err != nil {
		return models.VerificationReport{}, err
	}
	return report, nil
}

// InclusionProof fetches the merkle inclusion proof for a checkpoint.
func (c *Client) InclusionProof(ctx context.Context, checkpointID string) (models.InclusionProofResponse, error) {
	var out models.InclusionProofResponse
	err := c.getJSON(ctx, "inclusion proof", "/v1/checkpoints/"+url.PathEscape(checkpointID)+"/inclusion-proof", &out)
	return out, err
}

// MerkleRoot fetches the current merkle root for an agent.
func (c *Client) MerkleRoot(ctx context.Context, agentID string) (models.MerkleRootResponse, error) {
	var out models.MerkleRootResponse
	err := c.getJSON(ctx, "merkle root", "/v1/agents/"+url.PathEscape(agentID)+"/merkle-root", &out)
	return out, err
}

// ProofStatus fetches the latest verdict-derivation proof for a checkpoint.
func (c *Client) ProofStatus(ctx context.Context, checkpointID string) (models.ProofStatusResponse, error) {
	var out models.ProofStatusResponse
	err := c.getJSON(ctx, "proof status", "/v1/checkpoints/"+url.PathEscape(checkpointID)+"/proof", &out)
	return out, err
}

// RequestProof queues a verdict-derivation proof for a checkpoint.
func (c *Client) RequestProof(ctx context.Context, checkpointID string) (models.ProofQueuedResponse, error) {
	var out models.ProofQueuedResponse
	err := c.postJSON(ctx, "proof request", "/v1/checkpoints/"+url.PathEscape(checkpointID)+"/prove", nil, &out)
	return out, err
}

// Keys fetches the verifier's registered signing keys.
func (c *Client) Keys(ctx context.Context) (models.KeysResponse, error) {
	var out models.KeysResponse
	err := c.getJSON(ctx, "keys", "/v1/keys", &out)
	return out, err
}

// pinnedKey satisfies verify.KeyLookup with a single caller-supplied public
// key. The certificate's key id is ignored: the signature either verifies
// under the pinned key or it does not.
type pinnedKey ed25519.PublicKey

func (k pinnedKey) PublicKey(ctx context.Context, keyID string) (ed25519.PublicKey, error) {
	return ed25519.PublicKey(k), nil
}

// VerifyOffline runs every certificate check that needs no service:
// signature under the supplied hex public key, chain recomputation, merkle
// path, and commitment shape. Attached derivation receipts degrade to a
// structural presence check.
func VerifyOffline(cert models.Certificate, publicKeyHex string) (models.VerificationReport, error) {
	pub, err := signer.ParsePublicKeyHex(strings.TrimSpace(publicKeyHex))
	if err != nil {
		return models.VerificationReport{}, fmt.Errorf("parse public key: %w", err)
	}
	orch := &verify.Orchestrator{Keys: pinnedKey(pub)}
	return orch.VerifyCertificate(context.Background(), cert), nil
}

func (c *Client) getJSON(ctx context.Context, op, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, op, out)
}

func (c *Client) postJSON(ctx context.Context, op, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, op, out)
}

func (c *Client) do(req *http.Request, op string, out interface{}) error {
	c.applyAuth(req)
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s failed status=%d body=%s", op, resp.StatusCode, string(respBody))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 5 * time.Second}
}

func (c *Client) applyAuth(req *http.Request) {
	if c.ServiceHeader != "" && c.ServiceToken != "" {
		req.Header.Set(c.ServiceHeader, c.ServiceToken)
		return
	}
	if c.AuthToken == "" {
		return
	}
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(c.AuthToken))
}
