package main

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"sigil/pkg/store"

	"github.com/redis/go-redis/v9"
)

// TestMainDirect exercises main() itself by overriding the injection vars.
func TestMainDirect(t *testing.T) {
	origLogFatalf := logFatalf
	origInitTelemetry := initTelemetryFn
	origOpenDB := openDBFnV
	origOpenRedis := openRedisFnV
	origListen := listenFnV
	defer func() {
		logFatalf = origLogFatalf
		initTelemetryFn = origInitTelemetry
		openDBFnV = origOpenDB
		openRedisFnV = origOpenRedis
		listenFnV = origListen
	}()

	t.Run("main success path", func(t *testing.T) {
		t.Setenv("ADDR", "127.0.0.1:0")
		t.Setenv("AUTH_MODE", "off")
		t.Setenv("ALLOW_INSECURE_AUTH_OFF", "true")
		t.Setenv("ENVIRONMENT", "test")

		fatalCalled := false
		logFatalf = func(format string, args ...any) { fatalCalled = true }
		initTelemetryFn = stubTelemetry
		openDBFnV = func(ctx context.Context) (store.DB, func(), error) {
			return &fakeAttestationDB{}, func() {}, nil
		}
		openRedisFnV = func(ctx context.Context) (*redis.Client, error) {
			return nil, errors.New("redis not configured in tests")
		}
		listenFnV = func(server *http.Server) error { return nil }

		main()

		if fatalCalled {
			t.Fatal("logFatalf should not be called on success")
		}
	})

	t.Run("main error path calls logFatalf", func(t *testing.T) {
		fatalCalled := false
		logFatalf = func(format string, args ...any) { fatalCalled = true }
		initTelemetryFn = func(ctx context.Context, service string) (func(context.Context) error, error) {
			return nil, errors.New("telemetry init failed")
		}

		main()

		if !fatalCalled {
			t.Fatal("logFatalf should be called on error")
		}
	})
}
