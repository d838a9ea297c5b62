package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

const (
	webhookTimeout    = 5 * time.Second
	webhookMaxRetries = 1
)

// WebhookSender delivers alert payloads with a short timeout and one
// retry. Delivery failures are logged and swallowed; alerting is
// best-effort by contract.
type WebhookSender struct {
	Client *http.Client
}

func (s *WebhookSender) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return http.DefaultClient
}

func (s *WebhookSender) Send(ctx context.Context, url string, payload interface{}) bool {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[webhook.send] marshal payload: %v", err)
		return false
	}

	for attempt := 0; attempt <= webhookMaxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, webhookTimeout)
		ok, err := s.post(attemptCtx, url, body)
		cancel()
		if ok {
			return true
		}
		if attempt < webhookMaxRetries {
			continue
		}
		log.Printf("[webhook.send] delivery failed: %v", err)
	}
	return false
}

func (s *WebhookSender) post(ctx context.Context, url string, body []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client().Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return true, nil
	}
	return false, &deliveryError{status: resp.StatusCode}
}

type deliveryError struct {
	status int
}

func (e *deliveryError) Error() string {
	return fmt.Sprintf("webhook returned %d", e.status)
}
