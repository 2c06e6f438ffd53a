package prover

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"sigil/pkg/httpx"
)

// Client is the synchronous side of the prover boundary, used only by the
// verdict-derivation verification check.
type Client struct {
	HTTPClient *http.Client
	BaseURL    string
	AuthHeader string
	AuthToken  string
}

type verifyReceiptRequest struct {
	Receipt string `json:"receipt"`
	ImageID string `json:"image_id"`
}

type verifyReceiptResponse struct {
	Valid bool `json:"valid"`
}

// VerifyReceipt asks the prover to check a receipt against its image id.
func (c *Client) VerifyReceipt(ctx context.Context, receipt, imageID string) (bool, error) {
	if c.BaseURL == "" {
		return false, errors.New("prover base url not configured")
	}
	body, err := json.Marshal(verifyReceiptRequest{Receipt: receipt, ImageID: imageID})
	if err != nil {
		return false, err
	}
	headers := map[string]string{}
	if c.AuthHeader != "" && c.AuthToken != "" {
		headers[c.AuthHeader] = c.AuthToken
	}
	status, resp, err := httpx.RequestJSON(ctx, c.HTTPClient, http.MethodPost, c.BaseURL+"/prove/verify", body, headers, 1, 200*time.Millisecond)
	if err != nil {
		return false, err
	}
	if status != http.StatusOK {
		return false, fmt.Errorf("prover returned status %d", status)
	}
	var out verifyReceiptResponse
	if err := json.Unmarshal(resp, &out); err != nil {
		return false, fmt.Errorf("prover response: %w", err)
	}
	return out.Valid, nil
}
