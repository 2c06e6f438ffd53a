package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"sigil/pkg/attestsdk"
	"sigil/pkg/checkbus"
	"sigil/pkg/merkle"
	"sigil/pkg/models"
)

// Seams for main().
var osExit = os.Exit

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

// commands drives both dispatch and the usage listing.
var commands = []struct {
	name     string
	synopsis string
	run      func([]string, io.Writer) error
}{
	{"gen-key", "--out-seed seed.hex --out-public public.hex", genKey},
	{"hash-inputs", "--inputs inputs.json", hashInputs},
	{"leaf-hash", "--checkpoint-id cp-1 --verdict clear --thinking-hash <sha-256 hex>", leafHash},
	{"verify-cert", "--cert cert.json --public-key public.hex", verifyCert},
	{"submit", "--attestor http://localhost:8086 --submission submission.json", submit},
	{"fetch-cert", "--verifier http://localhost:8087 --checkpoint-id cp-1", fetchCert},
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	for _, cmd := range commands {
		if cmd.name == args[0] {
			return cmd.run(args[1:], out)
		}
	}
	usage(out)
	return fmt.Errorf("unknown command: %s", args[0])
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "sigilctl commands:")
	for _, cmd := range commands {
		fmt.Fprintf(out, "  %s %s\n", cmd.name, cmd.synopsis)
	}
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func readJSONFile(path string, v any, what string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", what, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", what, err)
	}
	return nil
}

func printJSON(out io.Writer, v any) error {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(encoded))
	return nil
}

// writeKeyFile stores key material hex-encoded, owner-readable only.
func writeKeyFile(path string, key []byte) error {
	return os.WriteFile(path, []byte(hex.EncodeToString(key)), 0o600)
}

func genKey(args []string, out io.Writer) error {
	fs := newFlagSet("gen-key")
	outSeed := fs.String("out-seed", "seed.hex", "signing seed output")
	outPub := fs.String("out-public", "public.hex", "public key output")
	if err := fs.Parse(args); err != nil {
		return err
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	if err := writeKeyFile(*outSeed, priv.Seed()); err != nil {
		return fmt.Errorf("write seed: %w", err)
	}
	if err := writeKeyFile(*outPub, pub); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	fmt.Fprintf(out, "wrote %s and %s\n", *outSeed, *outPub)
	return nil
}

func hashInputs(args []string, out io.Writer) error {
	fs := newFlagSet("hash-inputs")
	inputsPath := fs.String("inputs", "", "analysis inputs json file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *inputsPath == "" {
		return errors.New("inputs required")
	}
	var inputs models.AnalysisInputs
	if err := readJSONFile(*inputsPath, &inputs, "inputs"); err != nil {
		return err
	}
	commitments, err := models.ComputeInputCommitment(inputs)
	if err != nil {
		return fmt.Errorf("hash inputs: %w", err)
	}
	return printJSON(out, commitments)
}

func leafHash(args []string, out io.Writer) error {
	fs := newFlagSet("leaf-hash")
	checkpointID := fs.String("checkpoint-id", "", "checkpoint id")
	verdict := fs.String("verdict", "", "verdict")
	thinkingHash := fs.String("thinking-hash", "", "thinking block hash, sha-256 hex")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *checkpointID == "" || *verdict == "" || *thinkingHash == "" {
		return errors.New("checkpoint-id, verdict, thinking-hash required")
	}
	if !models.ValidVerdict(*verdict) {
		return fmt.Errorf("unknown verdict: %s", *verdict)
	}
	fmt.Fprintln(out, merkle.LeafHash(*checkpointID, *verdict, *thinkingHash))
	return nil
}

func verifyCert(args []string, out io.Writer) error {
	fs := newFlagSet("verify-cert")
	certPath := fs.String("cert", "", "certificate json path")
	publicPath := fs.String("public-key", "", "public key hex path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *certPath == "" || *publicPath == "" {
		return errors.New("cert and public-key required")
	}
	var cert models.Certificate
	if err := readJSONFile(*certPath, &cert, "cert"); err != nil {
		return err
	}
	keyRaw, err := os.ReadFile(*publicPath)
	if err != nil {
		return fmt.Errorf("read public key: %w", err)
	}
	report, err := attestsdk.VerifyOffline(cert, strings.TrimSpace(string(keyRaw)))
	if err != nil {
		return fmt.Errorf("verify cert: %w", err)
	}
	if err := printJSON(out, report); err != nil {
		return err
	}
	if !report.Valid {
		return errors.New("certificate failed verification")
	}
	return nil
}

func submit(args []string, out io.Writer) error {
	fs := newFlagSet("submit")
	attestor := fs.String("attestor", "http://localhost:8086", "attestor base url")
	submissionPath := fs.String("submission", "", "submission json path")
	authHeader := fs.String("auth-header", "X-Sigil-Service", "service auth header name")
	authToken := fs.String("auth-token", "", "service auth token")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *submissionPath == "" {
		return errors.New("submission required")
	}
	raw, err := os.ReadFile(*submissionPath)
	if err != nil {
		return fmt.Errorf("read submission: %w", err)
	}
	sub, err := checkbus.DecodeSubmission(raw)
	if err != nil {
		return err
	}
	client := attestsdk.NewClient(*attestor, 15*time.Second)
	if *authToken != "" {
		client.ServiceHeader = *authHeader
		client.ServiceToken = *authToken
	}
	cert, err := client.SubmitCheckpoint(context.Background(), sub)
	if err != nil {
		return err
	}
	return printJSON(out, cert)
}

func fetchCert(args []string, out io.Writer) error {
	fs := newFlagSet("fetch-cert")
	verifier := fs.String("verifier", "http://localhost:8087", "verifier base url")
	checkpointID := fs.String("checkpoint-id", "", "checkpoint id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *checkpointID == "" {
		return errors.New("checkpoint-id required")
	}
	client := attestsdk.NewClient(*verifier, 15*time.Second)
	cert, err := client.CheckpointCertificate(context.Background(), *checkpointID)
	if err != nil {
		return err
	}
	return printJSON(out, cert)
}
