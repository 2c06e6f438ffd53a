// Package auth verifies bearer tokens for the attestation services. Both
// HS256 shared-secret tokens and RS256 tokens against a remote JWKS endpoint
// are supported; the service-token fast path lives in the services
// themselves.
package auth

import (
	"context"
	"crypto"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Principal is the authenticated caller. Agents, operator consoles, and
// sibling services all land here.
type Principal struct {
	Subject string
	Roles   []string
}

type contextKey string

const principalContextKey contextKey = "sigil.principal"

// keyRefreshInterval bounds how stale the remote JWKS view may get.
const keyRefreshInterval = 5 * time.Minute

// MiddlewareConfig carries the optional verification settings; Middleware
// fills in the defaults.
type MiddlewareConfig struct {
	Timeout  time.Duration
	JWKSURL  string
	Issuer   string
	Audience string
}

type MiddlewareOption func(*MiddlewareConfig)

// WithTimeout bounds remote JWKS fetches.
func WithTimeout(timeout time.Duration) MiddlewareOption {
	return func(cfg *MiddlewareConfig) {
		cfg.Timeout = timeout
	}
}

// WithJWKS points RS256 verification at a remote key set.
func WithJWKS(url string) MiddlewareOption {
	return func(cfg *MiddlewareConfig) {
		cfg.JWKSURL = strings.TrimSpace(url)
	}
}

// WithIssuer pins the expected issuer claim.
func WithIssuer(issuer string) MiddlewareOption {
	return func(cfg *MiddlewareConfig) {
		cfg.Issuer = strings.TrimSpace(issuer)
	}
}

// WithAudience pins the expected audience claim.
func WithAudience(audience string) MiddlewareOption {
	return func(cfg *MiddlewareConfig) {
		cfg.Audience = strings.TrimSpace(audience)
	}
}

// Middleware authenticates bearer tokens under the configured mode. Mode
// "off" admits everyone as anonymous; services refuse that mode outside
// development. The verifier for the mode is resolved once, not per request.
func Middleware(mode, secret string, options ...MiddlewareOption) func(http.Handler) http.Handler {
	mode = strings.ToLower(strings.TrimSpace(mode))
	cfg := MiddlewareConfig{Timeout: 5 * time.Second}
	for _, opt := range options {
		opt(&cfg)
	}
	if mode == "" || mode == "off" {
		return anonymousMiddleware
	}

	verify := func(string, time.Time) (TokenClaims, error) {
		return TokenClaims{}, errors.New("unsupported auth mode")
	}
	switch mode {
	case "oidc_hs256":
		verify = func(token string, now time.Time) (TokenClaims, error) {
			return VerifyHS256Token(token, secret, now, cfg.Issuer, cfg.Audience)
		}
	case "oidc_rs256":
		keys := newRemoteKeySet(cfg.JWKSURL, cfg.Timeout)
		verify = func(token string, now time.Time) (TokenClaims, error) {
			return VerifyRS256Token(token, now, keys, cfg.Issuer, cfg.Audience)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			claims, err := verify(token, time.Now().UTC())
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			p := Principal{Subject: claims.Sub, Roles: claims.Roles}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

func anonymousMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		anon := Principal{Subject: "anonymous", Roles: []string{"anonymous"}}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), anon)))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(Principal)
	return p, ok
}

type TokenClaims struct {
	Sub   string   `json:"sub"`
	Roles []string `json:"roles"`
	Iss   string   `json:"iss,omitempty"`
	Aud   any      `json:"aud,omitempty"`
	Exp   int64    `json:"exp"`
	Nbf   int64    `json:"nbf,omitempty"`
	Iat   int64    `json:"iat,omitempty"`
}

// segments is a decoded compact JWT. SigningInput is the dot-joined first
// two segments exactly as they appeared on the wire.
type segments struct {
	Header       []byte
	Payload      []byte
	Signature    []byte
	SigningInput string
}

func decodeSegments(token string) (segments, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return segments{}, errors.New("invalid token format")
	}
	var seg segments
	var err error
	if seg.Header, err = base64.RawURLEncoding.DecodeString(parts[0]); err != nil {
		return segments{}, err
	}
	if seg.Payload, err = base64.RawURLEncoding.DecodeString(parts[1]); err != nil {
		return segments{}, err
	}
	if seg.Signature, err = base64.RawURLEncoding.DecodeString(parts[2]); err != nil {
		return segments{}, err
	}
	seg.SigningInput = parts[0] + "." + parts[1]
	return seg, nil
}

type tokenHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
	Kid string `json:"kid"`
}

func parseHeader(raw []byte, wantAlg string) (tokenHeader, error) {
	var header tokenHeader
	if err := json.Unmarshal(raw, &header); err != nil {
		return tokenHeader{}, err
	}
	if !strings.EqualFold(header.Alg, wantAlg) {
		return tokenHeader{}, errors.New("unsupported alg")
	}
	return header, nil
}

// parseClaims tolerates a roles claim that is a single string instead of an
// array; other shape mismatches fail the token.
func parseClaims(payload []byte) (TokenClaims, error) {
	var wire struct {
		Sub   string          `json:"sub"`
		Roles json.RawMessage `json:"roles"`
		Iss   string          `json:"iss"`
		Aud   json.RawMessage `json:"aud"`
		Exp   int64           `json:"exp"`
		Nbf   int64           `json:"nbf"`
		Iat   int64           `json:"iat"`
	}
	if err := json.Unmarshal(payload, &wire); err != nil {
		return TokenClaims{}, err
	}
	claims := TokenClaims{Sub: wire.Sub, Iss: wire.Iss, Exp: wire.Exp, Nbf: wire.Nbf, Iat: wire.Iat}
	if len(wire.Roles) > 0 {
		if err := json.Unmarshal(wire.Roles, &claims.Roles); err != nil {
			var single string
			if json.Unmarshal(wire.Roles, &single) == nil && single != "" {
				claims.Roles = []string{single}
			}
		}
	}
	if len(wire.Aud) > 0 {
		var aud any
		_ = json.Unmarshal(wire.Aud, &aud)
		claims.Aud = aud
	}
	return claims, nil
}

func validateClaims(claims TokenClaims, now time.Time, issuer, audience string) error {
	if claims.Sub == "" {
		return errors.New("token has no subject")
	}
	if claims.Exp == 0 || now.Unix() >= claims.Exp {
		return errors.New("token is expired")
	}
	if claims.Nbf != 0 && now.Unix() < claims.Nbf {
		return errors.New("token not yet valid")
	}
	if issuer != "" && claims.Iss != issuer {
		return errors.New("unexpected issuer")
	}
	if audience != "" && !audienceMatches(claims.Aud, audience) {
		return errors.New("unexpected audience")
	}
	return nil
}

func VerifyHS256Token(token, secret string, now time.Time, issuer, audience string) (TokenClaims, error) {
	if secret == "" {
		return TokenClaims{}, errors.New("secret is required")
	}
	seg, err := decodeSegments(token)
	if err != nil {
		return TokenClaims{}, err
	}
	if _, err := parseHeader(seg.Header, "HS256"); err != nil {
		return TokenClaims{}, err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(seg.SigningInput))
	if !hmac.Equal(seg.Signature, mac.Sum(nil)) {
		return TokenClaims{}, errors.New("signature mismatch")
	}
	claims, err := parseClaims(seg.Payload)
	if err != nil {
		return TokenClaims{}, err
	}
	if err := validateClaims(claims, now, issuer, audience); err != nil {
		return TokenClaims{}, err
	}
	return claims, nil
}

func VerifyRS256Token(token string, now time.Time, keys *remoteKeySet, issuer, audience string) (TokenClaims, error) {
	seg, err := decodeSegments(token)
	if err != nil {
		return TokenClaims{}, err
	}
	header, err := parseHeader(seg.Header, "RS256")
	if err != nil {
		return TokenClaims{}, err
	}
	if strings.TrimSpace(header.Kid) == "" {
		return TokenClaims{}, errors.New("kid required")
	}
	pub, err := keys.lookup(context.Background(), header.Kid, now)
	if err != nil {
		return TokenClaims{}, err
	}
	digest := sha256.Sum256([]byte(seg.SigningInput))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], seg.Signature); err != nil {
		return TokenClaims{}, err
	}
	claims, err := parseClaims(seg.Payload)
	if err != nil {
		return TokenClaims{}, err
	}
	if err := validateClaims(claims, now, issuer, audience); err != nil {
		return TokenClaims{}, err
	}
	return claims, nil
}

// remoteKeySet caches RSA public keys from a JWKS endpoint. A lookup past
// the refresh deadline refetches the whole set; kids absent from the
// refreshed set are misses, not retries.
type remoteKeySet struct {
	url    string
	client *http.Client

	mu    sync.RWMutex
	keys  map[string]*rsa.PublicKey
	stale time.Time
}

func newRemoteKeySet(jwksURL string, timeout time.Duration) *remoteKeySet {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &remoteKeySet{
		url:    jwksURL,
		client: &http.Client{Timeout: timeout},
		keys:   map[string]*rsa.PublicKey{},
	}
}

func (s *remoteKeySet) lookup(ctx context.Context, kid string, now time.Time) (*rsa.PublicKey, error) {
	if s == nil {
		return nil, errors.New("key set is nil")
	}
	if s.url == "" {
		return nil, errors.New("jwks url is required")
	}
	s.mu.RLock()
	key, ok := s.keys[kid]
	fresh := now.Before(s.stale)
	s.mu.RUnlock()
	if ok && fresh {
		return key, nil
	}
	if err := s.refresh(ctx, now); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok = s.keys[kid]
	if !ok {
		return nil, errors.New("kid not found in jwks")
	}
	return key, nil
}

func (s *remoteKeySet) refresh(ctx context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Before(s.stale) {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.New("jwks fetch failed")
	}
	var doc struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return err
	}
	next := map[string]*rsa.PublicKey{}
	for _, k := range doc.Keys {
		if !strings.EqualFold(k.Kty, "RSA") || strings.TrimSpace(k.Kid) == "" {
			continue
		}
		pub, err := rsaPublicKey(k.N, k.E)
		if err != nil {
			continue
		}
		next[k.Kid] = pub
	}
	if len(next) == 0 {
		return errors.New("jwks has no valid rsa keys")
	}
	s.keys = next
	s.stale = now.Add(keyRefreshInterval)
	return nil
}

func rsaPublicKey(nB64, eB64 string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(nB64)
	if err != nil {
		return nil, err
	}
	eb, err := base64.RawURLEncoding.DecodeString(eB64)
	if err != nil {
		return nil, err
	}
	e := new(big.Int).SetBytes(eb)
	if !e.IsInt64() || e.Int64() <= 1 {
		return nil, errors.New("invalid exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: int(e.Int64())}, nil
}

func audienceMatches(aud any, want string) bool {
	switch v := aud.(type) {
	case string:
		return v == want
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s == want {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if s == want {
				return true
			}
		}
	}
	return false
}
