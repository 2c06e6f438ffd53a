package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connection seams swapped out by tests.
var (
	openPgxPool       = pgxpool.NewWithConfig
	dbConnectAttempts = 30
	dbRetryDelay      = 2 * time.Second
	dbPingTimeout     = 2 * time.Second
	dbSleep           = time.Sleep
)

// NewPostgresPool connects from DATABASE_URL (or the DATABASE_* parts) and
// keeps retrying until the database answers a ping, so services survive a
// database that comes up after them.
func NewPostgresPool(ctx context.Context) (*pgxpool.Pool, error) {
	dsn := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dsn == "" {
		dsn = defaultPostgresURL()
	}
	if tlsRequired("DATABASE_REQUIRE_TLS") {
		if err := checkPostgresTLS(dsn); err != nil {
			return nil, err
		}
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute

	var lastErr error
	for attempt := 0; attempt < dbConnectAttempts; attempt++ {
		pool, err := connectAndPing(ctx, cfg)
		if err == nil {
			return pool, nil
		}
		lastErr = err
		dbSleep(dbRetryDelay)
	}
	return nil, fmt.Errorf("db ping retries exhausted: %w", lastErr)
}

func connectAndPing(ctx context.Context, cfg *pgxpool.Config) (*pgxpool.Pool, error) {
	pool, err := openPgxPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, dbPingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// defaultPostgresURL assembles a DSN from the individual DATABASE_* parts
// for setups that do not pass a full DATABASE_URL.
func defaultPostgresURL() string {
	port := envOr("DATABASE_PORT", "5432")
	if _, err := strconv.Atoi(port); err != nil {
		port = "5432"
	}
	uri := url.URL{
		Scheme:   "postgres",
		Host:     net.JoinHostPort(envOr("DATABASE_HOST", "localhost"), port),
		Path:     "/" + envOr("DATABASE_NAME", "sigil"),
		RawQuery: url.Values{"sslmode": {envOr("DATABASE_SSLMODE", "disable")}}.Encode(),
	}
	user := envOr("DATABASE_USER", "sigil")
	if password := os.Getenv("POSTGRES_PASSWORD"); password != "" {
		uri.User = url.UserPassword(user, password)
	} else {
		uri.User = url.User(user)
	}
	return uri.String()
}

// checkPostgresTLS refuses DSNs whose sslmode would allow plaintext when
// DATABASE_REQUIRE_TLS is set.
func checkPostgresTLS(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	switch mode := strings.ToLower(strings.TrimSpace(parsed.Query().Get("sslmode"))); mode {
	case "require", "verify-ca", "verify-full":
		return nil
	case "allow", "prefer", "disable":
		return fmt.Errorf("DATABASE_REQUIRE_TLS is set but sslmode=%q allows plaintext", mode)
	default:
		return errors.New("DATABASE_REQUIRE_TLS is set; DATABASE_URL must pin sslmode=require or stronger")
	}
}

func tlsRequired(envKey string) bool {
	switch strings.TrimSpace(strings.ToLower(os.Getenv(envKey))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
