// Package signer handles Ed25519 key material and signatures for checkpoint
// attestation. Secret keys never leave this boundary: nothing here logs or
// returns secret material.
package signer

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

// Algorithm appears in signing-key records and certificate signature blocks.
const Algorithm = "Ed25519"

// KeyPair is a signing identity. PublicHex is safe to distribute; Private is
// the full Ed25519 private key (seed included) and stays process-local.
type KeyPair struct {
	KeyID     string
	Private   ed25519.PrivateKey
	PublicHex string
}

func GenerateKeyPair(keyID string) (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate key: %w", err)
	}
	return KeyPair{
		KeyID:     keyID,
		Private:   priv,
		PublicHex: hex.EncodeToString(pub),
	}, nil
}

// Sign signs the UTF-8 bytes of the canonical signed-payload string and
// returns the signature base64-encoded.
func Sign(payload string, secret ed25519.PrivateKey) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(secret, []byte(payload)))
}

// Verify reports whether signatureB64 signs payload under public. Malformed
// input of any kind is a verification failure, never a panic.
func Verify(signatureB64, payload string, public ed25519.PublicKey) bool {
	if len(public) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false
	}
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(public, []byte(payload), sig)
}

// ParsePublicKeyHex decodes a raw 32-byte Ed25519 public key from hex.
func ParsePublicKeyHex(s string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key length: got=%d want=%d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// ParseSecretSeedHex decodes a raw 32-byte Ed25519 seed from hex and expands
// it into a private key.
func ParseSecretSeedHex(s string) (ed25519.PrivateKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode secret seed: %w", err)
	}
	if len(raw) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid secret seed length: got=%d want=%d", len(raw), ed25519.SeedSize)
	}
	return ed25519.NewKeyFromSeed(raw), nil
}

// PublicKeyHex derives the hex public key from a private key. Registration
// use only; the private key itself is never exposed.
func PublicKeyHex(secret ed25519.PrivateKey) (string, error) {
	if len(secret) != ed25519.PrivateKeySize {
		return "", errors.New("invalid private key length")
	}
	pub, ok := secret.Public().(ed25519.PublicKey)
	if !ok {
		return "", errors.New("private key has no ed25519 public part")
	}
	return hex.EncodeToString(pub), nil
}
