package checkbus

import (
	"encoding/json"
	"fmt"

	"sigil/pkg/models"
)

// Submission is the ingest envelope, shared by the bus and the direct
// ingest endpoint: the checkpoint record plus the analysis inputs the input
// commitment is computed over.
type Submission struct {
	models.Checkpoint
	Inputs models.AnalysisInputs `json:"analysis_inputs"`
}

// DecodeSubmission parses and validates one bus message body. A message that
// fails here is dropped by the consumer loop, never retried.
func DecodeSubmission(value []byte) (Submission, error) {
	var sub Submission
	if err := json.Unmarshal(value, &sub); err != nil {
		return Submission{}, fmt.Errorf("decode submission: %w", err)
	}
	if err := sub.Checkpoint.Validate(); err != nil {
		return Submission{}, fmt.Errorf("invalid submission: %w", err)
	}
	return sub, nil
}
