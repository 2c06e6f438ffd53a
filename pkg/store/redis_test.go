package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func clearRedisEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB",
		"REDIS_REQUIRE_TLS", "REDIS_TLS", "REDIS_TLS_INSECURE",
		"REDIS_ALLOW_INSECURE_TLS", "REDIS_TLS_SERVER_NAME",
		"REDIS_TLS_CA_CERT_FILE", "REDIS_TLS_CERT_FILE", "REDIS_TLS_KEY_FILE",
	} {
		t.Setenv(key, "")
	}
}

func TestNewRedisAgainstMiniredis(t *testing.T) {
	srv := miniredis.RunT(t)
	clearRedisEnv(t)
	t.Setenv("REDIS_ADDR", srv.Addr())
	t.Setenv("REDIS_DB", "not-a-number") // ignored, stays on db 0

	client, err := NewRedis(context.Background())
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	defer client.Close()
	if client.Options().DB != 0 {
		t.Fatalf("db = %d, want 0", client.Options().DB)
	}
}

func TestNewRedisPingFailure(t *testing.T) {
	clearRedisEnv(t)
	t.Setenv("REDIS_ADDR", "127.0.0.1:1")
	t.Setenv("REDIS_DB", "3")

	if _, err := NewRedis(context.Background()); err == nil {
		t.Fatal("unreachable redis must fail the ping probe")
	}
}

func TestNewRedisEnforcesTLSRequirement(t *testing.T) {
	clearRedisEnv(t)
	t.Setenv("REDIS_REQUIRE_TLS", "true")

	_, err := NewRedis(context.Background())
	if err == nil || !strings.Contains(err.Error(), "REDIS_REQUIRE_TLS") {
		t.Fatalf("expected TLS requirement error, got %v", err)
	}
}

func TestRedisTLSConfigFileErrors(t *testing.T) {
	dir := t.TempDir()

	t.Run("ca file unreadable", func(t *testing.T) {
		clearRedisEnv(t)
		t.Setenv("REDIS_TLS", "true")
		t.Setenv("REDIS_TLS_CA_CERT_FILE", filepath.Join(dir, "missing-ca.pem"))
		if _, err := redisTLSConfig(); err == nil {
			t.Fatal("missing CA file must fail")
		}
	})

	t.Run("ca file not pem", func(t *testing.T) {
		clearRedisEnv(t)
		garbage := filepath.Join(dir, "garbage-ca.pem")
		if err := os.WriteFile(garbage, []byte("not a certificate"), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
		t.Setenv("REDIS_TLS", "true")
		t.Setenv("REDIS_TLS_CA_CERT_FILE", garbage)
		if _, err := redisTLSConfig(); err == nil {
			t.Fatal("undecodable CA bundle must fail")
		}
	})

	t.Run("half of the client pair", func(t *testing.T) {
		clearRedisEnv(t)
		t.Setenv("REDIS_TLS", "true")
		t.Setenv("REDIS_TLS_CERT_FILE", filepath.Join(dir, "client-cert.pem"))
		if _, err := redisTLSConfig(); err == nil {
			t.Fatal("cert without key must fail")
		}
	})

	t.Run("undecodable client pair", func(t *testing.T) {
		clearRedisEnv(t)
		cert := filepath.Join(dir, "bad-cert.pem")
		key := filepath.Join(dir, "bad-key.pem")
		for _, path := range []string{cert, key} {
			if err := os.WriteFile(path, []byte("not pem"), 0o600); err != nil {
				t.Fatalf("write: %v", err)
			}
		}
		t.Setenv("REDIS_TLS", "true")
		t.Setenv("REDIS_TLS_CERT_FILE", cert)
		t.Setenv("REDIS_TLS_KEY_FILE", key)
		if _, err := redisTLSConfig(); err == nil {
			t.Fatal("undecodable keypair must fail")
		}
	})
}
