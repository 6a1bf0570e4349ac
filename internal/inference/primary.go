package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cardmint/scan-core/pkg/models"
)

// PrimaryClient is the remote, schema-constrained vision extractor (spec
// §4.4). A call is Upload, then Extract against the uploaded artifact,
// then Delete; Extract returns the raw response body and the HTTP status
// so the caller can parse the fields and classify transient vs permanent
// failure.
type PrimaryClient interface {
	// Upload sends the image bytes and returns an artifact id to
	// reference in the inference call.
	Upload(ctx context.Context, imageBytes []byte) (artifactID string, err error)
	// Extract invokes the extractor against a previously uploaded
	// artifact and returns the raw JSON response body, the HTTP status
	// code, and any transport error.
	Extract(ctx context.Context, artifactID string) (body []byte, statusCode int, err error)
	// Delete removes the uploaded artifact; failures are logged, not
	// surfaced, per spec §4.4 "non-blocking cleanup".
	Delete(ctx context.Context, artifactID string) error
}

// HTTPPrimaryClient is a PrimaryClient backed by a JSON-over-HTTPS
// service matching the wire contract of spec §6.
type HTTPPrimaryClient struct {
	BaseURL    string
	APIKey     string
	Model      string
	HTTPClient *http.Client
}

func NewHTTPPrimaryClient(baseURL, apiKey, model string, timeout time.Duration) *HTTPPrimaryClient {
	return &HTTPPrimaryClient{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Model:   model,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *HTTPPrimaryClient) Upload(ctx context.Context, imageBytes []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/files", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Body = io.NopCloser(bytes.NewReader(imageBytes))
	req.ContentLength = int64(len(imageBytes))

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("inference: upload failed with status %d", resp.StatusCode)
	}

	var parsed struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("inference: upload response decode failed: %w", err)
	}
	return parsed.ID, nil
}

// schemaInstruction is the deterministic system instruction enforcing
// the exact JSON schema of spec §6 (low reasoning depth, no streaming).
const schemaInstruction = `Extract the card fields as strict JSON matching the schema exactly: ` +
	`{name, hp, set_number, set_name, first_edition_stamp, shadowless, holo_type, rarity, artist, card_type}. ` +
	`Respond with JSON only, no streaming, minimal reasoning.`

func (c *HTTPPrimaryClient) Extract(ctx context.Context, artifactID string) ([]byte, int, error) {
	reqBody, _ := json.Marshal(map[string]interface{}{
		"model":       c.Model,
		"file_id":     artifactID,
		"instruction": schemaInstruction,
		"stream":      false,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/extract", bytes.NewReader(reqBody))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

func (c *HTTPPrimaryClient) Delete(ctx context.Context, artifactID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.BaseURL+"/v1/files/"+artifactID, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

// rawExtractionResponse is the strict schema of spec §6.
type rawExtractionResponse struct {
	Name              string  `json:"name"`
	HP                *int    `json:"hp"`
	SetNumber         *string `json:"set_number"`
	SetName           *string `json:"set_name"`
	FirstEditionStamp bool    `json:"first_edition_stamp"`
	Shadowless        bool    `json:"shadowless"`
	HoloType          string  `json:"holo_type"`
	Rarity            *string `json:"rarity"`
	Artist            *string `json:"artist"`
	CardType          *string `json:"card_type"`
}

// parseExtractionResponse enforces the strict schema of spec §6: rarity
// must be one of the eight closed tiers or null; malformed JSON or a
// rarity outside the closed set is a non-retriable INFER_PARSE error.
func parseExtractionResponse(body []byte) (models.ExtractedFields, error) {
	var raw rawExtractionResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return models.ExtractedFields{}, fmt.Errorf("%s: %w", ErrInferParse, err)
	}

	fields := models.ExtractedFields{
		Name:              raw.Name,
		HP:                raw.HP,
		FirstEditionStamp: raw.FirstEditionStamp,
		Shadowless:        raw.Shadowless,
		HoloType:          models.HoloType(raw.HoloType),
	}
	if raw.SetNumber != nil {
		fields.SetNumber = *raw.SetNumber
	}
	if raw.SetName != nil {
		fields.SetName = *raw.SetName
	}
	if raw.Artist != nil {
		fields.Artist = *raw.Artist
	}
	if raw.CardType != nil {
		fields.CardType = *raw.CardType
	}
	if raw.Rarity != nil {
		fields.Rarity = models.Rarity(*raw.Rarity)
		if !fields.Rarity.Valid() {
			return models.ExtractedFields{}, fmt.Errorf("%s: rarity %q is not one of the eight printed tiers", ErrInferParse, *raw.Rarity)
		}
	}
	switch fields.HoloType {
	case models.HoloTypeHolo, models.HoloTypeReverseHolo, models.HoloTypeNonHolo, models.HoloTypeUnknown, "":
	default:
		return models.ExtractedFields{}, fmt.Errorf("%s: holo_type %q is not a recognized value", ErrInferParse, fields.HoloType)
	}
	if fields.HP != nil && *fields.HP < 0 {
		return models.ExtractedFields{}, fmt.Errorf("%s: hp %d is negative", ErrInferParse, *fields.HP)
	}
	return fields, nil
}
