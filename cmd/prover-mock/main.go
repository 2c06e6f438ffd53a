// Command prover-mock is a development stand-in for the external proving
// service. It accepts prove requests, reports progress through the attestor's
// status callback, and validates receipts it minted itself.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"sigil/pkg/httpx"
	"sigil/pkg/telemetry"

	"github.com/go-chi/chi/v5"
)

type proveRequest struct {
	ProofID      string          `json:"proof_id"`
	CheckpointID string          `json:"checkpoint_id"`
	AnalysisJSON json.RawMessage `json:"analysis_json,omitempty"`
	ThinkingHash string          `json:"thinking_hash"`
	CardHash     string          `json:"card_hash"`
	ValuesHash   string          `json:"values_hash"`
	Model        string          `json:"model,omitempty"`
}

type proofRecord struct {
	Request proveRequest `json:"request"`
	Status  string       `json:"status"`
}

type Prover struct {
	mu     sync.Mutex
	proofs map[string]proofRecord

	client      *http.Client
	callbackURL string
	authHeader  string
	authToken   string
	delay       time.Duration
	imageID     string
}

// Seams for main().
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	listenFn        = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runProverMock(initTelemetryFn, listenFn); err != nil {
		logFatalf("server error: %v", err)
	}
}

// prove records the request and simulates the proving lifecycle. A checkpoint
// id ending in "-fail" produces a failed callback, for exercising the failure
// path in development.
func (p *Prover) prove(w http.ResponseWriter, r *http.Request) {
	var req proveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if req.ProofID == "" || req.CheckpointID == "" {
		httpx.Error(w, 400, "proof_id and checkpoint_id required")
		return
	}

	p.mu.Lock()
	p.proofs[req.ProofID] = proofRecord{Request: req, Status: "proving"}
	p.mu.Unlock()

	if p.callbackURL != "" {
		go p.reportLifecycle(req)
	}
	httpx.WriteJSON(w, 202, map[string]string{"proof_id": req.ProofID, "status": "proving"})
}

func (p *Prover) reportLifecycle(req proveRequest) {
	p.postStatus(req.ProofID, map[string]string{"status": "proving"})
	time.Sleep(p.delay)

	if strings.HasSuffix(req.CheckpointID, "-fail") {
		p.setStatus(req.ProofID, "failed")
		p.postStatus(req.ProofID, map[string]string{"status": "failed", "error": "mock proving failure"})
		return
	}

	journal, _ := json.Marshal(map[string]string{
		"checkpoint_id": req.CheckpointID,
		"thinking_hash": req.ThinkingHash,
		"card_hash":     req.CardHash,
	})
	p.setStatus(req.ProofID, "completed")
	p.postStatus(req.ProofID, map[string]string{
		"status":   "completed",
		"image_id": p.imageID,
		"receipt":  "mock-receipt-" + req.ProofID,
		"journal":  string(journal),
	})
}

func (p *Prover) setStatus(proofID, status string) {
	p.mu.Lock()
	if rec, ok := p.proofs[proofID]; ok {
		rec.Status = status
		p.proofs[proofID] = rec
	}
	p.mu.Unlock()
}

func (p *Prover) postStatus(proofID string, body map[string]string) {
	payload, _ := json.Marshal(body)
	headers := map[string]string{}
	if p.authHeader != "" && p.authToken != "" {
		headers[p.authHeader] = p.authToken
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	url := p.callbackURL + "/internal/proofs/" + proofID + "/status"
	status, _, err := httpx.RequestJSON(ctx, p.client, http.MethodPost, url, payload, headers, 1, 200*time.Millisecond)
	if err != nil {
		log.Printf("prover-mock: callback %s failed: %v", proofID, err)
		return
	}
	if status >= 300 {
		log.Printf("prover-mock: callback %s got status %d", proofID, status)
	}
}

// verify accepts exactly the receipts this mock minted. Receipts containing
// "invalid" are rejected so clients can exercise a failing check.
func (p *Prover) verify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Receipt string `json:"receipt"`
		ImageID string `json:"image_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	valid := req.Receipt != "" && req.ImageID != "" && !strings.Contains(req.Receipt, "invalid")
	httpx.WriteJSON(w, 200, map[string]bool{"valid": valid})
}

func (p *Prover) getProof(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p.mu.Lock()
	rec, ok := p.proofs[id]
	p.mu.Unlock()
	if !ok {
		httpx.Error(w, 404, "unknown proof")
		return
	}
	httpx.WriteJSON(w, 200, rec)
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

func runProverMock(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	shutdown, err := initTelemetry(context.Background(), "prover-mock")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	prover := &Prover{
		proofs:      map[string]proofRecord{},
		client:      &http.Client{Timeout: 10 * time.Second},
		callbackURL: strings.TrimRight(env("CALLBACK_URL", ""), "/"),
		authHeader:  env("CALLBACK_AUTH_HEADER", "X-Attestor-Token"),
		authToken:   env("CALLBACK_AUTH_TOKEN", ""),
		delay:       time.Millisecond * time.Duration(envInt("PROVE_DELAY_MS", 300)),
		imageID:     env("MOCK_IMAGE_ID", "img-mock-dev"),
	}

	r := chi.NewRouter()
	r.Use(telemetry.HTTPMiddleware("prover-mock"))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "prover-mock"})
	})
	r.Post("/prove", prover.prove)
	r.Post("/prove/verify", prover.verify)
	r.Get("/proofs/{id}", prover.getProof)

	addr := env("ADDR", ":8095")
	log.Printf("prover-mock listening on %s", addr)
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
