// Command verifier serves the public attestation API: signing-key discovery,
// certificate reconstruction and verification, merkle roots with inclusion
// proofs, and operator-triggered derivation proof requests. Reads are
// unauthenticated but rate limited per client; the prove endpoint requires a
// service token or an OIDC principal.
package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"sigil/pkg/auth"
	"sigil/pkg/certificate"
	"sigil/pkg/hardening"
	"sigil/pkg/httpx"
	"sigil/pkg/merkle"
	"sigil/pkg/metrics"
	"sigil/pkg/models"
	"sigil/pkg/prover"
	"sigil/pkg/ratelimit"
	"sigil/pkg/signer"
	"sigil/pkg/store"
	"sigil/pkg/telemetry"
	"sigil/pkg/verify"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
)

type Server struct {
	Store               *store.Store
	Verifier            *verify.Orchestrator
	Prover              *prover.Requester
	Metrics             *metrics.Registry
	PublicBaseURL       string
	ProofETA            time.Duration
	RateLimiter         ratelimit.Limiter
	RateLimitEnabled    bool
	RateLimitPerMinute  int
	RateLimitWindow     time.Duration
	TrustedProxyCIDRs   []*net.IPNet
	AuthMode            string
	AuthSecret          string
	ServiceAuthHeader   string
	ServiceAuthToken    string
	MaxRequestBodyBytes int64
}

// Seams for main().
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openDBFnV       func(context.Context) (store.DB, func(), error)
	openRedisFnV    func(context.Context) (*redis.Client, error)
	listenFnV       func(*http.Server) error
)

func main() {
	if err := runVerifier(initTelemetryFn, openDBFnV, openRedisFnV, listenFnV); err != nil {
		logFatalf("verifier: %v", err)
	}
}

func runVerifier(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	openDB func(context.Context) (store.DB, func(), error),
	openRedis func(context.Context) (*redis.Client, error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if openDB == nil {
		openDB = func(ctx context.Context) (store.DB, func(), error) {
			pool, err := store.NewPostgresPool(ctx)
			if err != nil {
				return nil, nil, err
			}
			return pool, pool.Close, nil
		}
	}
	if openRedis == nil {
		openRedis = store.NewRedis
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "verifier")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	db, closeDB, err := openDB(ctx)
	if err != nil {
		return err
	}
	if closeDB != nil {
		defer closeDB()
	}

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	st := &store.Store{DB: db, Cache: store.NewCache(ctx, redisClient)}

	rateLimitWindow := envDurationSec("RATE_LIMIT_WINDOW_SEC", 60)
	if rateLimitWindow <= 0 {
		rateLimitWindow = time.Minute
	}
	proverURL := strings.TrimRight(env("PROVER_URL", ""), "/")
	upstream := telemetry.InstrumentClient(&http.Client{Timeout: time.Millisecond * time.Duration(envInt("UPSTREAM_TIMEOUT_MS", 3000))})
	keys := signer.NewKeyRing(st, envDurationSec("KEY_CACHE_TTL_SEC", 300))
	reg := metrics.NewRegistry()

	// No prover configured degrades the verdict-derivation check to a
	// structural one; certificates stay verifiable.
	var receipts verify.ReceiptVerifier
	if proverURL != "" {
		receipts = &prover.Client{
			HTTPClient: upstream,
			BaseURL:    proverURL,
			AuthHeader: env("PROVER_AUTH_HEADER", ""),
			AuthToken:  env("PROVER_AUTH_TOKEN", ""),
		}
	}

	s := &Server{
		Store:    st,
		Verifier: &verify.Orchestrator{Keys: keys, Prover: receipts, Metrics: reg},
		Prover: &prover.Requester{
			Store:      st,
			Client:     upstream,
			BaseURL:    proverURL,
			AuthHeader: env("PROVER_AUTH_HEADER", ""),
			AuthToken:  env("PROVER_AUTH_TOKEN", ""),
			Metrics:    reg,
		},
		Metrics:             reg,
		PublicBaseURL:       strings.TrimRight(env("PUBLIC_BASE_URL", "http://localhost:8087"), "/"),
		ProofETA:            time.Millisecond * time.Duration(envInt("PROOF_ETA_MS", 30000)),
		RateLimitEnabled:    env("RATE_LIMIT_ENABLED", "true") == "true",
		RateLimitPerMinute:  envInt("RATE_LIMIT_PER_MINUTE", 240),
		RateLimitWindow:     rateLimitWindow,
		TrustedProxyCIDRs:   parseCIDRs(env("TRUSTED_PROXY_CIDRS", "")),
		AuthMode:            env("AUTH_MODE", "oidc_hs256"),
		AuthSecret:          env("OIDC_HS256_SECRET", ""),
		ServiceAuthHeader:   env("VERIFIER_AUTH_HEADER", ""),
		ServiceAuthToken:    env("VERIFIER_AUTH_TOKEN", ""),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
	}
	runtimeEnv := os.Getenv("ENVIRONMENT")
	if runtimeEnv == "" {
		runtimeEnv = os.Getenv("APP_ENV")
	}
	if strings.EqualFold(s.AuthMode, "off") {
		if err := validateAuthOff(runtimeEnv); err != nil {
			return err
		}
	}
	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "verifier",
		Environment:           runtimeEnv,
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
		ProverBaseURL:         proverURL,
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "VERIFIER_AUTH_HEADER", Value: s.ServiceAuthHeader},
			{Name: "VERIFIER_AUTH_TOKEN", Value: s.ServiceAuthToken},
		},
	}); err != nil {
		return err
	}
	if s.MaxRequestBodyBytes <= 0 {
		s.MaxRequestBodyBytes = 1 << 20
	}
	if s.RateLimitEnabled {
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(rateLimitWindow)
		}
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("verifier"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "verifier"})
	})

	authMw := auth.Middleware(
		s.AuthMode,
		s.AuthSecret,
		auth.WithJWKS(env("OIDC_JWKS_URL", "")),
		auth.WithIssuer(env("OIDC_ISSUER", "")),
		auth.WithAudience(env("OIDC_AUDIENCE", "")),
		auth.WithTimeout(time.Millisecond*time.Duration(envInt("AUTH_TIMEOUT_MS", 5000))),
	)

	api := chi.NewRouter()
	api.Use(s.rateLimitMiddleware)
	api.Get("/v1/keys", s.getKeys)
	api.Post("/v1/verify", s.verifyCertificate)
	api.Get("/v1/certificates/{certificate_id}", s.getCertificate)
	api.Get("/v1/checkpoints/{checkpoint_id}/certificate", s.getCheckpointCertificate)
	api.Get("/v1/checkpoints/{checkpoint_id}/inclusion-proof", s.getInclusionProof)
	api.Get("/v1/checkpoints/{checkpoint_id}/proof", s.getProof)
	api.Get("/v1/agents/{agent_id}/merkle-root", s.getMerkleRoot)
	api.With(s.serviceOrAuth(authMw)).Post("/v1/checkpoints/{checkpoint_id}/prove", s.requestProof)
	api.With(s.serviceOrAuth(authMw)).Get("/metrics", s.Metrics.Handler())
	api.With(s.serviceOrAuth(authMw)).Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	r.Mount("/", api)

	addr := env("ADDR", ":8087")
	log.Printf("verifier listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}

func (s *Server) getKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.Store.ListSigningKeys(r.Context())
	if err != nil {
		httpx.Error(w, 500, "key listing failed")
		return
	}
	httpx.WriteJSON(w, 200, models.KeysResponse{Keys: keys})
}

func (s *Server) verifyCertificate(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req struct {
		Certificate json.RawMessage `json:"certificate"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if len(req.Certificate) == 0 {
		httpx.Error(w, 400, "certificate required")
		return
	}
	var cert models.Certificate
	if err := json.Unmarshal(req.Certificate, &cert); err != nil {
		httpx.Error(w, 400, "invalid certificate")
		return
	}
	start := time.Now()
	report := s.Verifier.VerifyCertificate(r.Context(), cert)
	s.Metrics.ObserveVerifyLatency(time.Since(start))
	httpx.WriteJSON(w, 200, report)
}

func (s *Server) getCertificate(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Store.GetCheckpointByCertificateID(r.Context(), chi.URLParam(r, "certificate_id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpx.Error(w, 404, "certificate not found")
			return
		}
		httpx.Error(w, 500, "certificate lookup failed")
		return
	}
	s.writeCertificate(w, r, rec)
}

func (s *Server) getCheckpointCertificate(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Store.GetCheckpoint(r.Context(), chi.URLParam(r, "checkpoint_id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpx.Error(w, 404, "checkpoint not found")
			return
		}
		httpx.Error(w, 500, "checkpoint lookup failed")
		return
	}
	s.writeCertificate(w, r, rec)
}

func (s *Server) writeCertificate(w http.ResponseWriter, r *http.Request, rec models.AttestedCheckpoint) {
	cert, err := s.reconstructCertificate(r.Context(), rec)
	if err != nil {
		httpx.Error(w, 500, "certificate reconstruction failed")
		return
	}
	httpx.WriteJSON(w, 200, cert)
}

// reconstructCertificate reassembles the issued document from the stored
// record. The optional blocks are read-time enrichments: a merkle or proof
// read failure degrades them to null rather than failing the request.
func (s *Server) reconstructCertificate(ctx context.Context, rec models.AttestedCheckpoint) (models.Certificate, error) {
	merkleProof := s.inclusionProof(ctx, rec)
	proof, err := s.Store.GetCompletedProof(ctx, rec.CheckpointID)
	if err != nil {
		log.Printf("verifier: completed proof read for %s: %v", rec.CheckpointID, err)
		proof = nil
	}
	return certificate.Reconstruct(rec, merkleProof, proof, s.PublicBaseURL)
}

func (s *Server) inclusionProof(ctx context.Context, rec models.AttestedCheckpoint) *models.InclusionProof {
	tree, err := s.Store.GetAgentMerkleTree(ctx, rec.AgentID)
	if err != nil {
		log.Printf("verifier: merkle tree for agent %s: %v", rec.AgentID, err)
		return nil
	}
	proof, err := merkle.GenerateInclusionProof(tree.LeafHashes, rec.MerkleLeafIndex)
	if err != nil {
		log.Printf("verifier: inclusion proof for %s: %v", rec.CheckpointID, err)
		return nil
	}
	return &proof
}

func (s *Server) getMerkleRoot(w http.ResponseWriter, r *http.Request) {
	resp, err := s.Store.MerkleRoot(r.Context(), chi.URLParam(r, "agent_id"))
	if err != nil {
		httpx.Error(w, 500, "merkle root unavailable")
		return
	}
	if resp.LeafCount == 0 {
		httpx.Error(w, 404, "agent has no attested checkpoints")
		return
	}
	httpx.WriteJSON(w, 200, resp)
}

func (s *Server) getInclusionProof(w http.ResponseWriter, r *http.Request) {
	checkpointID := chi.URLParam(r, "checkpoint_id")
	rec, err := s.Store.GetCheckpoint(r.Context(), checkpointID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpx.Error(w, 404, "checkpoint not found")
			return
		}
		httpx.Error(w, 500, "checkpoint lookup failed")
		return
	}
	tree, err := s.Store.GetAgentMerkleTree(r.Context(), rec.AgentID)
	if err != nil {
		httpx.Error(w, 500, "merkle tree unavailable")
		return
	}
	proof, err := merkle.GenerateInclusionProof(tree.LeafHashes, rec.MerkleLeafIndex)
	if err != nil {
		httpx.Error(w, 500, "inclusion proof failed")
		return
	}
	httpx.WriteJSON(w, 200, models.InclusionProofResponse{
		CheckpointID: checkpointID,
		AgentID:      rec.AgentID,
		Proof:        proof,
		Verified:     merkle.VerifyInclusionProof(proof, proof.LeafHash, tree.Root),
	})
}

func (s *Server) requestProof(w http.ResponseWriter, r *http.Request) {
	if s.Prover == nil || s.Prover.BaseURL == "" {
		httpx.Error(w, 503, "no prover configured")
		return
	}
	checkpointID := chi.URLParam(r, "checkpoint_id")
	rec, err := s.Store.GetCheckpoint(r.Context(), checkpointID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpx.Error(w, 404, "checkpoint not found")
			return
		}
		httpx.Error(w, 500, "checkpoint lookup failed")
		return
	}
	if existing, err := s.Store.GetLatestProof(r.Context(), checkpointID); err == nil {
		httpx.WriteJSON(w, 200, proofStatusResponse(checkpointID, existing))
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		httpx.Error(w, 500, "proof lookup failed")
		return
	}
	// Raw analysis inputs are never persisted, so operator-requested proofs
	// dispatch without an analysis payload. The prove body omits the field
	// entirely rather than sending it empty.
	proofID, err := s.Prover.Enqueue(r.Context(), rec.Checkpoint, rec.InputCommitments, nil)
	if err != nil {
		if errors.Is(err, store.ErrProofExists) {
			// Lost a race with a concurrent request; surface the winner.
			if existing, lookupErr := s.Store.GetLatestProof(r.Context(), checkpointID); lookupErr == nil {
				httpx.WriteJSON(w, 200, proofStatusResponse(checkpointID, existing))
				return
			}
			httpx.Error(w, 409, "proof already requested")
			return
		}
		httpx.Error(w, 502, "proof request failed")
		return
	}
	httpx.WriteJSON(w, 202, models.ProofQueuedResponse{
		ProofID:               proofID,
		Status:                "queued",
		EstimatedCompletionMS: int(s.ProofETA.Milliseconds()),
	})
}

func (s *Server) getProof(w http.ResponseWriter, r *http.Request) {
	checkpointID := chi.URLParam(r, "checkpoint_id")
	p, err := s.Store.GetLatestProof(r.Context(), checkpointID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpx.Error(w, 404, "no proof requested for checkpoint")
			return
		}
		httpx.Error(w, 500, "proof lookup failed")
		return
	}
	httpx.WriteJSON(w, 200, proofStatusResponse(checkpointID, p))
}

func proofStatusResponse(checkpointID string, p models.VerdictProof) models.ProofStatusResponse {
	return models.ProofStatusResponse{
		CheckpointID: checkpointID,
		ProofID:      p.ProofID,
		Status:       p.Status,
		ImageID:      p.ImageID,
		Journal:      p.Journal,
		VerifiedAt:   p.VerifiedAt,
	}
}

// checkRateLimit applies the per-client budget to public endpoints. Service
// callers are exempt; their volume is governed upstream.
func (s *Server) checkRateLimit(r *http.Request) (bool, int) {
	if !s.RateLimitEnabled || s.RateLimiter == nil || s.RateLimitPerMinute <= 0 {
		return false, 0
	}
	if s.serviceTokenValid(r) {
		return false, 0
	}
	decision := s.RateLimiter.Allow("verify:"+s.clientIP(r), s.RateLimitPerMinute)
	if decision.Allowed {
		return false, 0
	}
	retryAfter := int(time.Until(decision.ResetAt).Milliseconds())
	if retryAfter < 0 {
		if s.RateLimitWindow > 0 {
			retryAfter = int(s.RateLimitWindow.Milliseconds())
		} else {
			retryAfter = 0
		}
	}
	return true, retryAfter
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if blocked, retryAfterMS := s.checkRateLimit(r); blocked {
			w.Header().Set("Retry-After", strconv.Itoa((retryAfterMS+999)/1000))
			httpx.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP resolves the address rate limiting buckets on. Forwarding headers
// are honored only when the direct peer is a trusted proxy.
func (s *Server) clientIP(r *http.Request) string {
	remoteIP := parseIP(r.RemoteAddr)
	if remoteIP == "" {
		remoteIP = r.RemoteAddr
	}
	if remoteIP == "" {
		return "unknown"
	}
	if !s.isTrustedProxy(remoteIP) {
		return remoteIP
	}
	if forwarded, _, _ := strings.Cut(r.Header.Get("X-Forwarded-For"), ","); forwarded != "" {
		if ip := parseIP(forwarded); ip != "" {
			return ip
		}
	}
	if ip := parseIP(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	return remoteIP
}

func (s *Server) isTrustedProxy(ipStr string) bool {
	ip := net.ParseIP(strings.TrimSpace(ipStr))
	if ip == nil {
		return false
	}
	for _, cidr := range s.TrustedProxyCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// parseIP extracts a bare IP from addr, tolerating a host:port form.
func parseIP(addr string) string {
	addr = strings.TrimSpace(addr)
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		addr = host
	}
	if net.ParseIP(addr) == nil {
		return ""
	}
	return addr
}

// parseCIDRs reads a comma-separated trusted proxy list. Bare addresses
// become single-host networks; entries that parse as neither are dropped.
func parseCIDRs(raw string) []*net.IPNet {
	var nets []*net.IPNet
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !strings.Contains(part, "/") {
			if strings.Contains(part, ":") {
				part += "/128"
			} else {
				part += "/32"
			}
		}
		if _, cidr, err := net.ParseCIDR(part); err == nil {
			nets = append(nets, cidr)
		}
	}
	return nets
}

// statusRecorder captures the response code for the request metrics.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.code = code
	rec.ResponseWriter.WriteHeader(code)
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := statusRecorder{ResponseWriter: w, code: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(&rec, r)

		elapsed := time.Since(start)
		route := r.Method + " " + r.URL.Path
		srv.Metrics.Observe(route, rec.code, elapsed)
		srv.Metrics.ObserveLatency(route, elapsed)
	})
}

func (s *Server) serviceOrAuth(authMw func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.serviceTokenValid(r) {
				p := auth.Principal{Subject: "service", Roles: []string{"service"}}
				next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
				return
			}
			authMw(next).ServeHTTP(w, r)
		})
	}
}

func (s *Server) serviceTokenValid(r *http.Request) bool {
	if s.ServiceAuthHeader == "" || s.ServiceAuthToken == "" {
		return false
	}
	token := r.Header.Get(s.ServiceAuthHeader)
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.ServiceAuthToken)) == 1
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if limit := s.MaxRequestBodyBytes; limit > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		next.ServeHTTP(w, r)
	})
}

func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
	} else {
		httpx.Error(w, http.StatusBadRequest, "invalid request body")
	}
	return nil, false
}

// validateAuthOff guards the development escape hatch: disabling auth needs
// the explicit opt-in and an environment that is recognizably not production.
func validateAuthOff(runtimeEnv string) error {
	if env("ALLOW_INSECURE_AUTH_OFF", "false") != "true" {
		return errors.New("AUTH_MODE=off is disabled unless ALLOW_INSECURE_AUTH_OFF=true")
	}
	switch {
	case isProductionLikeEnv(runtimeEnv):
		return errors.New("AUTH_MODE=off is forbidden in production-like environments")
	case isExplicitNonProductionEnv(runtimeEnv) || isTestBinaryProcess():
		return nil
	}
	return errors.New("AUTH_MODE=off requires ENVIRONMENT=development|dev|local|test")
}

func isProductionLikeEnv(raw string) bool {
	return envNameIn(raw, "prod", "production", "staging", "stage")
}

func isExplicitNonProductionEnv(raw string) bool {
	return envNameIn(raw, "dev", "development", "local", "test", "testing")
}

func envNameIn(raw string, names ...string) bool {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	for _, name := range names {
		if normalized == name {
			return true
		}
	}
	return false
}

func isTestBinaryProcess() bool {
	return strings.HasSuffix(strings.TrimSpace(os.Args[0]), ".test")
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDurationSec(k string, def int) time.Duration {
	return time.Duration(envInt(k, def)) * time.Second
}
