// Package providers implements the billing API clients for OpenAI,
// Anthropic, Google Vertex AI and AWS Bedrock. Each provider has its own
// authentication and pagination scheme; all of them normalize into the
// same Result shape so the sync orchestrator and ledger writer never see
// provider-specific structure.
package providers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gogeangs/tokenboard/internal/logutil"
	"github.com/shopspring/decimal"
)

type Provider string

const (
	OpenAI    Provider = "openai"
	Anthropic Provider = "anthropic"
	Vertex    Provider = "vertex"
	Bedrock   Provider = "bedrock"
)

// CostRow is one normalized daily cost entry.
type CostRow struct {
	Date      time.Time
	ProjectID string
	LineItem  string
	Currency  string
	Value     decimal.Decimal
}

// UsageRow is one normalized daily token-usage entry.
type UsageRow struct {
	Date         time.Time
	ProjectID    string
	UserID       string
	APIKeyID     string
	Model        string
	Batch        string
	ServiceTier  string
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
}

type Result struct {
	Costs []CostRow
	Usage []UsageRow
}

// Client fetches one provider's cost and usage over a UTC window.
// Vertex and Bedrock report cost only; their Usage slice stays empty.
type Client interface {
	FetchCostAndUsage(ctx context.Context, start, end time.Time) (Result, error)
}

// maxErrorBody caps upstream response bodies carried inside errors.
const maxErrorBody = 300

// AuthError means the credential was rejected upstream (401/403).
type AuthError struct {
	Provider Provider
	Status   int
	Body     string
}

func (e *AuthError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s auth failed: %s", e.Provider, e.Body)
	}
	return fmt.Sprintf("%s request failed (%d): %s", e.Provider, e.Status, e.Body)
}

// UpstreamError is any other non-2xx upstream response.
type UpstreamError struct {
	Provider Provider
	Status   int
	Body     string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s request failed (%d): %s", e.Provider, e.Status, e.Body)
}

// MalformedResponseError means the upstream body did not decode into the
// expected shape.
type MalformedResponseError struct {
	Provider Provider
	Err      error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("%s returned malformed response: %v", e.Provider, e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// responseError classifies a non-2xx upstream response.
func responseError(p Provider, status int, body []byte) error {
	detail := logutil.SanitizeForLog(logutil.Truncate(string(body), maxErrorBody))
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return &AuthError{Provider: p, Status: status, Body: detail}
	}
	return &UpstreamError{Provider: p, Status: status, Body: detail}
}

// defaultHTTPClient bounds every upstream call; the original relied on
// platform defaults and could hang a sync indefinitely.
var defaultHTTPClient = &http.Client{Timeout: 30 * time.Second}

func strDeref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func lowerOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return strings.ToLower(s)
}
