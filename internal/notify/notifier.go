// Package notify delivers webhook callbacks on terminal job states.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/renderfleet/api/internal/model"
)

const (
	// SignatureHeader carries the payload HMAC when a secret is configured.
	SignatureHeader = "X-Renderfleet-Signature"

	// MaxCustomDataBytes caps the caller-supplied opaque data echoed back
	// in the payload.
	MaxCustomDataBytes = 1024

	deliveryTimeout = 10 * time.Second
	maxDeliveries   = 3 // 1 attempt + 2 retries
)

// retryDelay between delivery attempts; variable so tests can shrink it.
var retryDelay = 2 * time.Second

// Notifier posts terminal-state webhooks. Delivery is best-effort: failures
// are logged, never propagated into the job's own status.
type Notifier struct {
	httpClient *http.Client
}

// NewNotifier creates a webhook notifier.
func NewNotifier() *Notifier {
	return &Notifier{
		httpClient: &http.Client{Timeout: deliveryTimeout},
	}
}

// Sign computes the hex HMAC-SHA512 of payload under secret, in the header
// format receivers verify against.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(payload)
	return "sha512=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature against the payload. Exported
// for receiver-side use and tests.
func VerifySignature(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}

// Notify delivers the payload to cfg.URL, signing when a secret is set.
// Returns the delivery error for observability; callers must not let it
// change the job outcome.
func (n *Notifier) Notify(ctx context.Context, cfg *model.WebhookConfig, payload *model.WebhookPayload) error {
	if cfg == nil || cfg.URL == "" {
		return nil
	}

	if len(payload.CustomData) > MaxCustomDataBytes {
		// Guarded again here although submission already rejects it.
		payload.CustomData = payload.CustomData[:MaxCustomDataBytes]
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	signature := ""
	if cfg.Secret != "" {
		signature = Sign(body, cfg.Secret)
	} else {
		log.Printf("Warning: webhook for render %s sent unsigned (no secret configured)", payload.RenderID)
	}

	var lastErr error
	for attempt := 0; attempt < maxDeliveries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay):
			}
		}

		lastErr = n.deliver(ctx, cfg.URL, body, signature)
		if lastErr == nil {
			return nil
		}
		log.Printf("Webhook delivery attempt %d for render %s failed: %v", attempt+1, payload.RenderID, lastErr)
	}
	return fmt.Errorf("webhook delivery failed after %d attempts: %w", maxDeliveries, lastErr)
}

func (n *Notifier) deliver(ctx context.Context, url string, body []byte, signature string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("receiver returned %d", resp.StatusCode)
	}
	return nil
}

// PayloadFor maps a terminal progress record onto the webhook wire shape.
func PayloadFor(rec *model.ProgressRecord) *model.WebhookPayload {
	payload := &model.WebhookPayload{RenderID: rec.Job.RenderID}
	if rec.Job.Webhook != nil {
		payload.CustomData = rec.Job.Webhook.CustomData
	}

	switch rec.Status {
	case model.JobStatusDone:
		payload.Status = model.WebhookStatusSuccess
		if rec.Artifact != nil {
			payload.OutputURL = rec.Artifact.URL
		}
	case model.JobStatusTimedOut:
		payload.Status = model.WebhookStatusTimeout
		payload.ErrorDetail = "render timed out before all chunks completed"
	default:
		payload.Status = model.WebhookStatusError
		if rec.Error != nil {
			payload.ErrorDetail = rec.Error.Message
		} else {
			payload.ErrorDetail = string(rec.Status)
		}
	}
	return payload
}
