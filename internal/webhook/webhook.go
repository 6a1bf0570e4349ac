// Package webhook implements the downstream webhook dispatch of
// spec.md §6: an HMAC-SHA256 signed POST carrying the operator's
// accept decision, with a bounded retry and a stable, non-fatal error
// returned to the caller on rejection.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cardmint/scan-core/internal/config"
	"github.com/cardmint/scan-core/pkg/models"
)

// ErrRejected is the stable error code of spec §7, prefixed to the error
// Send returns; it never affects the job's local terminal state.
const ErrRejected = "WEBHOOK_REJECTED"

// Dispatcher posts WebhookEvent payloads to the configured downstream
// URL.
type Dispatcher struct {
	cfg    *config.Config
	client *http.Client
}

func NewDispatcher(cfg *config.Config) *Dispatcher {
	return &Dispatcher{cfg: cfg, client: &http.Client{Timeout: 10 * time.Second}}
}

// Send signs and posts event. A single retry, via a short exponential
// backoff, follows a transport-level failure or a 5xx response; other
// non-2xx responses are not retried. A failure or non-2xx response that
// remains is reported as ErrRejected.
func (d *Dispatcher) Send(ctx context.Context, event models.WebhookEvent) error {
	if d.cfg.WebhookURL == "" {
		return nil
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("webhook: marshal event: %w", err)
	}
	sig := sign(d.cfg.WebhookSecret, body)

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 1)
	var lastStatus int
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.WebhookURL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Signature", "sha256="+sig)

		resp, err := d.client.Do(req)
		if err != nil {
			return err // transport failure: retriable
		}
		defer resp.Body.Close()
		lastStatus = resp.StatusCode

		if resp.StatusCode >= 500 {
			return fmt.Errorf("webhook: downstream returned %d", resp.StatusCode)
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return fmt.Errorf("%s: %w", ErrRejected, err)
	}
	if lastStatus >= 300 {
		return fmt.Errorf("%s: downstream returned %d", ErrRejected, lastStatus)
	}
	return nil
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks an inbound X-Signature header against body
// using secret, for symmetry with the receiver-side contract of spec
// §6 (useful in tests and any loopback integration).
func VerifySignature(secret, header string, body []byte) error {
	const prefix = "sha256="
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return errors.New("webhook: malformed X-Signature header")
	}
	expected := sign(secret, body)
	if !hmac.Equal([]byte(header[len(prefix):]), []byte(expected)) {
		return errors.New("webhook: signature mismatch")
	}
	return nil
}
