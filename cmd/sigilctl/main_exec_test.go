package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestMainRunsCommand(t *testing.T) {
	origExit, origArgs := osExit, os.Args
	t.Cleanup(func() {
		osExit = origExit
		os.Args = origArgs
	})

	var exits []int
	osExit = func(code int) { exits = append(exits, code) }

	dir := t.TempDir()
	os.Args = []string{"sigilctl", "gen-key",
		"--out-seed", filepath.Join(dir, "seed.hex"),
		"--out-public", filepath.Join(dir, "public.hex"),
	}
	main()
	if len(exits) != 0 {
		t.Fatalf("exits = %v, want none for a clean command", exits)
	}

	os.Args = []string{"sigilctl"}
	main()
	if len(exits) != 1 || exits[0] != 1 {
		t.Fatalf("exits = %v, want [1] when the command is missing", exits)
	}
}

func TestWorkflowsThroughRun(t *testing.T) {
	t.Parallel()

	t.Run("generated keys verify", func(t *testing.T) {
		t.Parallel()

		dir := t.TempDir()
		seedPath := filepath.Join(dir, "seed.hex")
		publicPath := filepath.Join(dir, "public.hex")
		var out bytes.Buffer
		if err := run([]string{"gen-key", "--out-seed", seedPath, "--out-public", publicPath}, &out); err != nil {
			t.Fatalf("run(gen-key) = %v", err)
		}
		if seed := readTrimmed(t, seedPath); len(seed) != 64 {
			t.Fatalf("seed file holds %d hex chars, want 64", len(seed))
		}
		if pub := readTrimmed(t, publicPath); len(pub) != 64 {
			t.Fatalf("public key file holds %d hex chars, want 64", len(pub))
		}
	})

	t.Run("commitments from inputs file", func(t *testing.T) {
		t.Parallel()

		inputsPath := writeFixture(t, "inputs.json", testInputsJSON)
		var out bytes.Buffer
		if err := run([]string{"hash-inputs", "--inputs", inputsPath}, &out); err != nil {
			t.Fatalf("run(hash-inputs) = %v", err)
		}
		if !strings.Contains(out.String(), "combined") {
			t.Fatalf("commitment document missing combined hash: %s", out.String())
		}
	})

	t.Run("certificate verifies offline", func(t *testing.T) {
		t.Parallel()

		cert, publicHex := buildTestCertificate(t)
		certPath := writeFixture(t, "cert.json", mustJSON(t, cert))
		publicPath := writeFixture(t, "public.hex", publicHex)

		var out bytes.Buffer
		if err := run([]string{"verify-cert", "--cert", certPath, "--public-key", publicPath}, &out); err != nil {
			t.Fatalf("run(verify-cert) = %v", err)
		}
		if !strings.Contains(out.String(), `"valid": true`) {
			t.Fatalf("report not valid: %s", out.String())
		}
	})
}
