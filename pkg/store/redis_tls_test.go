package store

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeSelfSignedPair drops a throwaway cert and key under dir and returns
// their paths.
func writeSelfSignedPair(t *testing.T, dir string) (certPath, keyPath string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(7),
		Subject:      pkix.Name{CommonName: "redis.sigil.test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	certPath = filepath.Join(dir, "redis-cert.pem")
	keyPath = filepath.Join(dir, "redis-key.pem")
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(certPath, certPEM, 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return certPath, keyPath
}

func TestRedisTLSConfigDisabled(t *testing.T) {
	clearRedisEnv(t)

	cfg, err := redisTLSConfig()
	if err != nil {
		t.Fatalf("redisTLSConfig: %v", err)
	}
	if cfg != nil {
		t.Fatal("TLS off must yield a nil config")
	}
}

func TestRedisTLSConfigServerNameAndInsecure(t *testing.T) {
	clearRedisEnv(t)
	t.Setenv("REDIS_TLS", "true")
	t.Setenv("REDIS_TLS_SERVER_NAME", "cache.sigil.internal")
	t.Setenv("REDIS_TLS_INSECURE", "true")
	t.Setenv("REDIS_ALLOW_INSECURE_TLS", "true")

	cfg, err := redisTLSConfig()
	if err != nil {
		t.Fatalf("redisTLSConfig: %v", err)
	}
	if cfg.ServerName != "cache.sigil.internal" {
		t.Fatalf("server name = %q", cfg.ServerName)
	}
	if !cfg.InsecureSkipVerify {
		t.Fatal("insecure opt-in must disable verification")
	}
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Fatalf("min version = %x, want TLS 1.2", cfg.MinVersion)
	}
}

func TestRedisTLSConfigInsecureNeedsOptIn(t *testing.T) {
	clearRedisEnv(t)
	t.Setenv("REDIS_TLS", "true")
	t.Setenv("REDIS_TLS_INSECURE", "true")

	if _, err := redisTLSConfig(); err == nil {
		t.Fatal("REDIS_TLS_INSECURE without the opt-in flag must fail")
	}
}

func TestRedisTLSConfigFullMaterial(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeSelfSignedPair(t, dir)

	clearRedisEnv(t)
	t.Setenv("REDIS_TLS", "true")
	t.Setenv("REDIS_TLS_CA_CERT_FILE", certPath)
	t.Setenv("REDIS_TLS_CERT_FILE", certPath)
	t.Setenv("REDIS_TLS_KEY_FILE", keyPath)

	cfg, err := redisTLSConfig()
	if err != nil {
		t.Fatalf("redisTLSConfig: %v", err)
	}
	if cfg.RootCAs == nil {
		t.Fatal("CA bundle must populate RootCAs")
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("certificates = %d, want 1", len(cfg.Certificates))
	}
}
