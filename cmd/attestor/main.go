// Command attestor turns integrity checkpoints into attested records: it
// computes the input commitment, links the checkpoint into its agent's hash
// chain, appends the merkle leaf, signs the canonical payload, and persists
// everything in one write. Checkpoints arrive over an authenticated POST or a
// Kafka topic; attested checkpoints and proof lifecycle changes are announced
// on a websocket event feed. The external prover reports progress through the
// status callback.
package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"sigil/pkg/auth"
	"sigil/pkg/certificate"
	"sigil/pkg/checkbus"
	"sigil/pkg/hardening"
	"sigil/pkg/httpx"
	"sigil/pkg/merkle"
	"sigil/pkg/metrics"
	"sigil/pkg/models"
	"sigil/pkg/prover"
	"sigil/pkg/signer"
	"sigil/pkg/store"
	"sigil/pkg/stream"
	"sigil/pkg/telemetry"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
)

const defaultChainRetries = 3

type Server struct {
	Store               *store.Store
	Signer              signer.KeyPair
	Prover              *prover.Requester
	Metrics             *metrics.Registry
	Events              *stream.Hub
	PublicBaseURL       string
	ChainRetries        int
	bus                 checkbus.Consumer
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
	openDBFnA       func(context.Context) (store.DB, func(), error)
	openRedisFnA    func(context.Context) (*redis.Client, error)
	listenFnA       func(*http.Server) error
)

func main() {
	if err := runAttestor(initTelemetryFn, openDBFnA, openRedisFnA, listenFnA); err != nil {
		logFatalf("attestor: %v", err)
	}
}

func runAttestor(
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
	shutdown, err := initTelemetry(ctx, "attestor")
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
		log.Printf("redis unavailable, falling back to in-memory cache: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	st := &store.Store{DB: db, Cache: store.NewCache(ctx, redisClient)}

	identity, generated, err := signingIdentity()
	if err != nil {
		return err
	}
	if generated {
		log.Printf("attestor: SIGNING_SECRET_HEX not set, generated ephemeral key %s", identity.KeyID)
	}

	proverURL := strings.TrimRight(env("PROVER_URL", ""), "/")
	upstream := telemetry.InstrumentClient(&http.Client{Timeout: time.Millisecond * time.Duration(envInt("UPSTREAM_TIMEOUT_MS", 3000))})
	reg := metrics.NewRegistry()

	s := &Server{
		Store:  st,
		Signer: identity,
		Prover: &prover.Requester{
			Store:      st,
			Client:     upstream,
			BaseURL:    proverURL,
			AuthHeader: env("PROVER_AUTH_HEADER", ""),
			AuthToken:  env("PROVER_AUTH_TOKEN", ""),
			SampleRate: envFloat("PROOF_SAMPLE_RATE", prover.DefaultSampleRate),
			Metrics:    reg,
		},
		Metrics: reg,
		Events:  stream.NewHub(),
		// Verification links point at the verifier, which serves the
		// public read surface.
		PublicBaseURL:       strings.TrimRight(env("PUBLIC_BASE_URL", "http://localhost:8087"), "/"),
		ChainRetries:        envInt("CHAIN_APPEND_RETRIES", defaultChainRetries),
		AuthMode:            env("AUTH_MODE", "oidc_hs256"),
		AuthSecret:          env("OIDC_HS256_SECRET", ""),
		ServiceAuthHeader:   env("ATTESTOR_AUTH_HEADER", ""),
		ServiceAuthToken:    env("ATTESTOR_AUTH_TOKEN", ""),
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
		Service:               "attestor",
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
			{Name: "ATTESTOR_AUTH_HEADER", Value: s.ServiceAuthHeader},
			{Name: "ATTESTOR_AUTH_TOKEN", Value: s.ServiceAuthToken},
			{Name: "SIGNING_KEY_ID", Value: env("SIGNING_KEY_ID", "")},
			{Name: "SIGNING_SECRET_HEX", Value: env("SIGNING_SECRET_HEX", "")},
		},
	}); err != nil {
		return err
	}
	if s.MaxRequestBodyBytes <= 0 {
		s.MaxRequestBodyBytes = 1 << 20
	}

	// Verifiers resolve signatures through the signing_keys table, so the
	// public half must be registered before the first attestation.
	if err := st.InsertSigningKey(ctx, models.SigningKeyInfo{
		KeyID:     identity.KeyID,
		PublicKey: identity.PublicHex,
		Algorithm: signer.Algorithm,
		IsActive:  true,
	}); err != nil {
		return fmt.Errorf("register signing key: %w", err)
	}

	if env("KAFKA_ENABLED", "false") == "true" {
		consumer, err := checkbus.NewKafkaConsumer(checkbus.KafkaConfig{
			Brokers: strings.Split(env("KAFKA_BROKERS", "localhost:9092"), ","),
			Topic:   env("KAFKA_TOPIC", "sigil.checkpoints"),
			GroupID: env("KAFKA_GROUP_ID", "sigil-attestor"),
		})
		if err != nil {
			return err
		}
		s.bus = consumer
		go s.consumeCheckpoints(context.Background())
	}
	defer func() {
		if s.bus != nil {
			_ = s.bus.Close()
		}
	}()

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("attestor"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "attestor"})
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
	api.Use(s.serviceOrAuth(authMw))
	api.Post("/v1/checkpoints", s.ingestCheckpoint)
	api.Post("/internal/proofs/{proof_id}/status", s.proofStatusCallback)
	api.Get("/v1/stream", s.streamEvents)
	api.Get("/metrics", s.Metrics.Handler())
	api.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	r.Mount("/", api)

	addr := env("ADDR", ":8086")
	log.Printf("attestor listening on %s", addr)
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

// signingIdentity loads the signing key pair from SIGNING_KEY_ID and
// SIGNING_SECRET_HEX. Without a configured secret a fresh ephemeral pair is
// generated; strict production checks require the configured form.
func signingIdentity() (signer.KeyPair, bool, error) {
	keyID := env("SIGNING_KEY_ID", "")
	secretHex := env("SIGNING_SECRET_HEX", "")
	if secretHex != "" {
		if keyID == "" {
			return signer.KeyPair{}, false, errors.New("SIGNING_SECRET_HEX requires SIGNING_KEY_ID")
		}
		secret, err := signer.ParseSecretSeedHex(secretHex)
		if err != nil {
			return signer.KeyPair{}, false, err
		}
		publicHex, err := signer.PublicKeyHex(secret)
		if err != nil {
			return signer.KeyPair{}, false, err
		}
		return signer.KeyPair{KeyID: keyID, Private: secret, PublicHex: publicHex}, false, nil
	}
	if keyID == "" {
		keyID = "sigil-dev"
	}
	pair, err := signer.GenerateKeyPair(keyID)
	if err != nil {
		return signer.KeyPair{}, false, err
	}
	return pair, true, nil
}

func (s *Server) ingestCheckpoint(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	sub, err := checkbus.DecodeSubmission(body)
	if err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	// Resubmission of an attested checkpoint returns the issued certificate.
	if rec, err := s.Store.GetCheckpoint(r.Context(), sub.CheckpointID); err == nil {
		s.writeCertificate(w, r, rec, 200)
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		internalServerError(w, "checkpoint lookup", err)
		return
	}
	commitments, err := models.ComputeInputCommitment(sub.Inputs)
	if err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	cert, err := s.attest(r.Context(), sub.Checkpoint, sub.Inputs, commitments)
	if err != nil {
		if errors.Is(err, store.ErrChainConflict) {
			// Exhausted retries; if the same checkpoint won the race,
			// surface its certificate.
			if rec, lookupErr := s.Store.GetCheckpoint(r.Context(), sub.CheckpointID); lookupErr == nil {
				s.writeCertificate(w, r, rec, 200)
				return
			}
			httpx.Error(w, 503, "chain append contention, retry")
			return
		}
		internalServerError(w, "attest", err)
		return
	}
	httpx.WriteJSON(w, 201, cert)
}

func (s *Server) writeCertificate(w http.ResponseWriter, r *http.Request, rec models.AttestedCheckpoint, status int) {
	cert, err := s.reconstructCertificate(r.Context(), rec)
	if err != nil {
		internalServerError(w, "certificate reconstruction", err)
		return
	}
	httpx.WriteJSON(w, status, cert)
}

// attest runs the pipeline: chain link, merkle leaf, signature, single-write
// persistence, certificate. A chain conflict means another append won the
// agent's next position; the tail is re-read and everything downstream of it
// recomputed, which is safe because the hash functions are pure.
func (s *Server) attest(ctx context.Context, cp models.Checkpoint, inputs models.AnalysisInputs, commitments models.InputCommitmentParts) (models.Certificate, error) {
	retries := s.ChainRetries
	if retries <= 0 {
		retries = defaultChainRetries
	}
	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 25 * time.Millisecond)
		}
		cert, err := s.attestOnce(ctx, cp, commitments)
		if err == nil {
			s.publish(stream.EventCheckpointAttested, stream.CheckpointAttested{
				CheckpointID:  cp.CheckpointID,
				AgentID:       cp.AgentID,
				Verdict:       cp.Verdict,
				ChainPosition: int64(cert.Proofs.Chain.Position),
				CertificateID: cert.CertificateID,
			})
			s.Metrics.IncVerdict(cp.Verdict)
			for _, concern := range cp.Concerns {
				s.Metrics.IncConcern(concern)
			}
			s.requestDerivationProof(ctx, cp, commitments, inputs)
			return cert, nil
		}
		if !errors.Is(err, store.ErrChainConflict) {
			return models.Certificate{}, err
		}
		s.Metrics.IncChainConflict()
		lastErr = err
	}
	return models.Certificate{}, lastErr
}

func (s *Server) attestOnce(ctx context.Context, cp models.Checkpoint, commitments models.InputCommitmentParts) (models.Certificate, error) {
	tail, err := s.Store.ChainTail(ctx, cp.AgentID)
	if err != nil {
		return models.Certificate{}, fmt.Errorf("chain tail: %w", err)
	}
	var prev *string
	position := 0
	if tail != nil {
		prevHash := tail.ChainHash
		prev = &prevHash
		position = tail.ChainPosition + 1
	}
	chainHash := models.ComputeChainHash(prev, cp.CheckpointID, cp.Verdict, cp.ThinkingBlockHash, commitments.Combined, cp.Timestamp)
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
		return models.Certificate{}, fmt.Errorf("signed payload: %w", err)
	}

	rec := models.AttestedCheckpoint{
		Checkpoint:       cp,
		InputCommitments: commitments,
		ChainHash:        chainHash,
		PrevChainHash:    prev,
		ChainPosition:    position,
		MerkleLeafIndex:  position,
		CertificateID:    certificate.GenerateCertificateID(),
		Signature:        signer.Sign(payload, s.Signer.Private),
		SignedPayload:    payload,
		SigningKeyID:     s.Signer.KeyID,
		AttestedAt:       models.FormatTimestamp(time.Now().UTC()),
	}
	leaf := merkle.LeafHash(cp.CheckpointID, cp.Verdict, cp.ThinkingBlockHash)
	if err := s.Store.AppendAttested(ctx, store.AttestedRecord{AttestedCheckpoint: rec, LeafHash: leaf}); err != nil {
		return models.Certificate{}, err
	}
	return certificate.Reconstruct(rec, s.inclusionProof(ctx, rec), nil, s.PublicBaseURL)
}

// reconstructCertificate reassembles the issued document from the stored
// record. The optional blocks are read-time enrichments: a merkle or proof
// read failure degrades them to null rather than failing the request.
func (s *Server) reconstructCertificate(ctx context.Context, rec models.AttestedCheckpoint) (models.Certificate, error) {
	merkleProof := s.inclusionProof(ctx, rec)
	proof, err := s.Store.GetCompletedProof(ctx, rec.CheckpointID)
	if err != nil {
		log.Printf("attestor: completed proof read for %s: %v", rec.CheckpointID, err)
		proof = nil
	}
	return certificate.Reconstruct(rec, merkleProof, proof, s.PublicBaseURL)
}

func (s *Server) inclusionProof(ctx context.Context, rec models.AttestedCheckpoint) *models.InclusionProof {
	tree, err := s.Store.GetAgentMerkleTree(ctx, rec.AgentID)
	if err != nil {
		log.Printf("attestor: merkle tree for agent %s: %v", rec.AgentID, err)
		return nil
	}
	proof, err := merkle.GenerateInclusionProof(tree.LeafHashes, rec.MerkleLeafIndex)
	if err != nil {
		log.Printf("attestor: inclusion proof for %s: %v", rec.CheckpointID, err)
		return nil
	}
	return &proof
}

// requestDerivationProof applies the sampling policy and dispatches a proof
// request. Fail-open: nothing here can fail the attestation.
func (s *Server) requestDerivationProof(ctx context.Context, cp models.Checkpoint, commitments models.InputCommitmentParts, inputs models.AnalysisInputs) {
	if s.Prover == nil || s.Prover.BaseURL == "" {
		return
	}
	analysis, _ := json.Marshal(inputs)
	proofID, requested := s.Prover.Request(ctx, cp, commitments, analysis)
	if !requested {
		return
	}
	s.publish(stream.EventProofRequested, stream.ProofRequested{
		ProofID:      proofID,
		CheckpointID: cp.CheckpointID,
		ProofType:    prover.ProofTypeVerdict,
	})
}

func (s *Server) consumeCheckpoints(ctx context.Context) {
	for {
		msg, err := s.bus.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("attestor bus read error: %v", err)
			time.Sleep(500 * time.Millisecond)
			continue
		}
		sub, err := checkbus.DecodeSubmission(msg.Value)
		if err != nil {
			log.Printf("attestor bus decode error: %v", err)
			continue
		}
		if err := s.attestSubmission(ctx, sub); err != nil {
			log.Printf("attestor bus attest %s: %v", sub.CheckpointID, err)
		}
	}
}

// attestSubmission is the bus-side ingest: redeliveries of already-attested
// checkpoints are dropped silently, everything else runs the same pipeline as
// the POST path.
func (s *Server) attestSubmission(ctx context.Context, sub checkbus.Submission) error {
	if _, err := s.Store.GetCheckpoint(ctx, sub.CheckpointID); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	commitments, err := models.ComputeInputCommitment(sub.Inputs)
	if err != nil {
		return err
	}
	_, err = s.attest(ctx, sub.Checkpoint, sub.Inputs, commitments)
	return err
}

func (s *Server) proofStatusCallback(w http.ResponseWriter, r *http.Request) {
	proofID := chi.URLParam(r, "proof_id")
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req struct {
		Status  string `json:"status"`
		ImageID string `json:"image_id"`
		Receipt string `json:"receipt"`
		Journal string `json:"journal"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if !prover.ValidStatus(req.Status) {
		httpx.Error(w, 400, "invalid status")
		return
	}
	checkpointID, current, err := s.Store.GetProofStatus(r.Context(), proofID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpx.Error(w, 404, "proof not found")
			return
		}
		internalServerError(w, "proof status read", err)
		return
	}
	if !prover.CanTransition(current, req.Status) {
		httpx.Error(w, 409, fmt.Sprintf("cannot transition proof from %s to %s", current, req.Status))
		return
	}
	if err := s.Store.UpdateProofStatus(r.Context(), proofID, current, req.Status, store.ProofUpdate{
		ImageID: req.ImageID,
		Receipt: req.Receipt,
		Journal: req.Journal,
		Error:   req.Error,
	}); err != nil {
		if errors.Is(err, store.ErrProofConflict) {
			httpx.Error(w, 409, "proof status changed concurrently")
			return
		}
		internalServerError(w, "proof status update", err)
		return
	}
	s.Metrics.IncProofStatus(req.Status)
	if prover.IsTerminal(req.Status) {
		s.publish(stream.EventProofCompleted, stream.ProofCompleted{
			ProofID:      proofID,
			CheckpointID: checkpointID,
			ProofType:    prover.ProofTypeVerdict,
			Status:       req.Status,
		})
	}
	httpx.WriteJSON(w, 200, map[string]string{"proof_id": proofID, "status": req.Status})
}

func (s *Server) publish(eventType string, data interface{}) {
	if s.Events == nil {
		return
	}
	s.Events.Publish(stream.NewEvent(eventType, data))
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, 503, "stream unavailable")
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")),
	})
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	events := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(events)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))

	// The read pump exists to notice the client going away; inbound frames
	// carry nothing.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, readErr := conn.Read(ctx); readErr != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-clientGone:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case event, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			if writeErr := writeEvent(ctx, conn, event); writeErr != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

// writeEvent delivers one event with a bounded write deadline so one stalled
// subscriber cannot wedge the pump.
func writeEvent(ctx context.Context, conn *websocket.Conn, event stream.Event) error {
	sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(sendCtx, conn, event)
}

func wsOriginPatterns(raw string) []string {
	var patterns []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			patterns = append(patterns, p)
		}
	}
	return patterns
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

func internalServerError(w http.ResponseWriter, op string, err error) {
	if err != nil {
		log.Printf("attestor %s: %v", op, err)
	}
	httpx.Error(w, 500, "internal error")
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

func envFloat(k string, def float64) float64 {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envDurationSec(k string, def int) time.Duration {
	return time.Duration(envInt(k, def)) * time.Second
}
