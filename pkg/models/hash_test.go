package models

import (
	"encoding/json"
	"regexp"
	"testing"
)

var hexDigest = regexp.MustCompile(`^[0-9a-f]{64}$`)

func sampleInputs() AnalysisInputs {
	return AnalysisInputs{
		Card:                  json.RawMessage(`{"name":"integrity-card","values":["honesty","care"]}`),
		ConscienceValues:      json.RawMessage(`{"honesty":"strict","care":"high"}`),
		WindowContext:         json.RawMessage(`{"messages":["how do I...","let me check"],"turns":2}`),
		ModelVersion:          "conscience-3",
		PromptTemplateVersion: "tmpl-v12",
	}
}

func TestComputeInputCommitmentDeterminism(t *testing.T) {
	first, err := ComputeInputCommitment(sampleInputs())
	if err != nil {
		t.Fatal(err)
	}
	second, err := ComputeInputCommitment(sampleInputs())
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatalf("commitment parts differ across identical calls: %+v vs %+v", first, second)
	}
	if !hexDigest.MatchString(first.Combined) {
		t.Fatalf("combined commitment is not a lowercase hex digest: %s", first.Combined)
	}
}

func TestComputeInputCommitmentKeyOrderIndependent(t *testing.T) {
	in := sampleInputs()
	in.ConscienceValues = json.RawMessage(`{"care":"high","honesty":"strict"}`)
	reordered, err := ComputeInputCommitment(in)
	if err != nil {
		t.Fatal(err)
	}
	base, err := ComputeInputCommitment(sampleInputs())
	if err != nil {
		t.Fatal(err)
	}
	if reordered.Combined != base.Combined {
		t.Fatal("key construction order changed the commitment")
	}
}

func TestComputeInputCommitmentSensitivity(t *testing.T) {
	base, err := ComputeInputCommitment(sampleInputs())
	if err != nil {
		t.Fatal(err)
	}
	mutations := []struct {
		name   string
		mutate func(*AnalysisInputs)
	}{
		{"card", func(in *AnalysisInputs) { in.Card = json.RawMessage(`{"name":"other-card"}`) }},
		{"conscience_values", func(in *AnalysisInputs) { in.ConscienceValues = json.RawMessage(`{"honesty":"lax"}`) }},
		{"window_context", func(in *AnalysisInputs) { in.WindowContext = json.RawMessage(`{"turns":3}`) }},
		{"model_version", func(in *AnalysisInputs) { in.ModelVersion = "conscience-4" }},
		{"prompt_template_version", func(in *AnalysisInputs) { in.PromptTemplateVersion = "tmpl-v13" }},
	}
	for _, tc := range mutations {
		t.Run(tc.name, func(t *testing.T) {
			in := sampleInputs()
			tc.mutate(&in)
			got, err := ComputeInputCommitment(in)
			if err != nil {
				t.Fatal(err)
			}
			if got.Combined == base.Combined {
				t.Fatalf("changing %s did not change the combined commitment", tc.name)
			}
		})
	}
}

func TestComputeInputCommitmentRejectsFloats(t *testing.T) {
	in := sampleInputs()
	in.WindowContext = json.RawMessage(`{"score":0.93}`)
	if _, err := ComputeInputCommitment(in); err == nil {
		t.Fatal("expected float rejection in window_context")
	}
}

func TestComputeChainHashDeterminismAndSensitivity(t *testing.T) {
	prev := "a1b2c3"
	h1 := ComputeChainHash(&prev, "ckpt-1", VerdictClear, "thash", "commit", "2026-02-03T11:00:00.000Z")
	h2 := ComputeChainHash(&prev, "ckpt-1", VerdictClear, "thash", "commit", "2026-02-03T11:00:00.000Z")
	if h1 != h2 {
		t.Fatal("chain hash is not deterministic")
	}
	if !hexDigest.MatchString(h1) {
		t.Fatalf("chain hash is not lowercase hex: %s", h1)
	}

	variants := []string{
		ComputeChainHash(nil, "ckpt-1", VerdictClear, "thash", "commit", "2026-02-03T11:00:00.000Z"),
		ComputeChainHash(&prev, "ckpt-2", VerdictClear, "thash", "commit", "2026-02-03T11:00:00.000Z"),
		ComputeChainHash(&prev, "ckpt-1", VerdictBoundaryViolation, "thash", "commit", "2026-02-03T11:00:00.000Z"),
		ComputeChainHash(&prev, "ckpt-1", VerdictClear, "other", "commit", "2026-02-03T11:00:00.000Z"),
		ComputeChainHash(&prev, "ckpt-1", VerdictClear, "thash", "other", "2026-02-03T11:00:00.000Z"),
		ComputeChainHash(&prev, "ckpt-1", VerdictClear, "thash", "commit", "2026-02-03T11:00:01.000Z"),
	}
	seen := map[string]bool{h1: true}
	for i, v := range variants {
		if seen[v] {
			t.Fatalf("variant %d collided with a prior hash", i)
		}
		seen[v] = true
	}
}

func TestComputeChainHashNullPrevEqualsExplicitNull(t *testing.T) {
	// A nil prev pointer must hash like a JSON null, the genesis link shape.
	got := ComputeChainHash(nil, "ckpt-1", VerdictClear, "t", "c", "2026-01-01T00:00:00.000Z")
	canon, _ := CanonicalValue(map[string]interface{}{
		"prev_chain_hash":     nil,
		"checkpoint_id":       "ckpt-1",
		"verdict":             VerdictClear,
		"thinking_block_hash": "t",
		"input_commitment":    "c",
		"timestamp":           "2026-01-01T00:00:00.000Z",
	})
	if got != sha256Hex(canon) {
		t.Fatal("nil prev hash does not match canonical null form")
	}
}
