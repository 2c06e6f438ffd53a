package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

const commitmentSeparator = "|"

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// ComputeInputCommitment canonicalizes each of the five analysis inputs
// independently, joins the canonical forms with "|" and hashes the UTF-8
// bytes. The per-field digests are retained for the certificate's
// input_commitments block and the prover request. Pure: identical input
// yields a bit-identical result.
func ComputeInputCommitment(in AnalysisInputs) (InputCommitmentParts, error) {
	card, err := canonicalField("card", in.Card)
	if err != nil {
		return InputCommitmentParts{}, err
	}
	values, err := canonicalField("conscience_values", in.ConscienceValues)
	if err != nil {
		return InputCommitmentParts{}, err
	}
	window, err := canonicalField("window_context", in.WindowContext)
	if err != nil {
		return InputCommitmentParts{}, err
	}
	model, err := CanonicalValue(in.ModelVersion)
	if err != nil {
		return InputCommitmentParts{}, fmt.Errorf("canonicalize model_version: %w", err)
	}
	prompt, err := CanonicalValue(in.PromptTemplateVersion)
	if err != nil {
		return InputCommitmentParts{}, fmt.Errorf("canonicalize prompt_template_version: %w", err)
	}

	joined := strings.Join([]string{
		string(card), string(values), string(window), string(model), string(prompt),
	}, commitmentSeparator)
	return InputCommitmentParts{
		CardHash:   sha256Hex(card),
		ValuesHash: sha256Hex(values),
		WindowHash: sha256Hex(window),
		ModelHash:  sha256Hex(model),
		PromptHash: sha256Hex(prompt),
		Combined:   sha256Hex([]byte(joined)),
	}, nil
}

func canonicalField(name string, raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		raw = []byte("null")
	}
	if err := ValidateNoJSONNumbers(raw); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	canon, err := CanonicalizeJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize %s: %w", name, err)
	}
	return canon, nil
}

// ComputeChainHash binds a checkpoint to its predecessor:
// SHA256(canonical({prev_chain_hash, checkpoint_id, verdict,
// thinking_block_hash, input_commitment, timestamp})). Pure, no failure mode;
// callers own the correctness of prevChainHash and position assignment.
func ComputeChainHash(prevChainHash *string, checkpointID, verdict, thinkingBlockHash, inputCommitment, timestamp string) string {
	var prev interface{}
	if prevChainHash != nil {
		prev = *prevChainHash
	}
	// String-and-null map: canonicalization cannot fail.
	canon, _ := CanonicalValue(map[string]interface{}{
		"prev_chain_hash":     prev,
		"checkpoint_id":       checkpointID,
		"verdict":             verdict,
		"thinking_block_hash": thinkingBlockHash,
		"input_commitment":    inputCommitment,
		"timestamp":           timestamp,
	})
	return sha256Hex(canon)
}
