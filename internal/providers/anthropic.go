package providers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gogeangs/tokenboard/internal/dates"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const (
	anthropicBase    = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"

	// Hard cap against runaway has_more pagination.
	maxAnthropicPages = 100
)

// AnthropicClient talks to the Anthropic organization reports
// (x-api-key header auth, has_more/next_page pagination).
type AnthropicClient struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

func (c *AnthropicClient) base() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return anthropicBase
}

func (c *AnthropicClient) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return defaultHTTPClient
}

func (c *AnthropicClient) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base()+path+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("x-api-key", c.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return responseError(Anthropic, resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &MalformedResponseError{Provider: Anthropic, Err: err}
	}
	return nil
}

type anthropicCostResult struct {
	WorkspaceID *string         `json:"workspace_id"`
	Description *string         `json:"description"`
	Currency    *string         `json:"currency"`
	Amount      json.RawMessage `json:"amount"`
	AmountCents *float64        `json:"amount_cents"`
	CostUSD     *float64        `json:"cost_usd"`
}

type anthropicCostBucket struct {
	StartingAt string                `json:"starting_at"`
	EndingAt   string                `json:"ending_at"`
	Results    []anthropicCostResult `json:"results"`
}

type anthropicCostResponse struct {
	Data     []anthropicCostBucket `json:"data"`
	HasMore  bool                  `json:"has_more"`
	NextPage *string               `json:"next_page"`
}

type anthropicUsageResult struct {
	WorkspaceID         *string `json:"workspace_id"`
	Model               *string `json:"model"`
	InputTokens         int64   `json:"input_tokens"`
	OutputTokens        int64   `json:"output_tokens"`
	CacheCreationTokens int64   `json:"cache_creation_input_tokens"`
	CacheReadTokens     int64   `json:"cache_read_input_tokens"`
}

type anthropicUsageBucket struct {
	StartingAt string                 `json:"starting_at"`
	EndingAt   string                 `json:"ending_at"`
	Results    []anthropicUsageResult `json:"results"`
}

type anthropicUsageResponse struct {
	Data     []anthropicUsageBucket `json:"data"`
	HasMore  bool                   `json:"has_more"`
	NextPage *string                `json:"next_page"`
}

// toAmount accepts a number, a numeric string, or a {value: ...} wrapper.
// The cost report has answered in all three shapes.
func toAmount(raw json.RawMessage) decimal.Decimal {
	if len(raw) == 0 {
		return decimal.Zero
	}
	var num float64
	if err := json.Unmarshal(raw, &num); err == nil {
		return decimal.NewFromFloat(num)
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		if d, err := decimal.NewFromString(str); err == nil {
			return d
		}
		return decimal.Zero
	}
	var wrapper struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(raw, &wrapper); err == nil && wrapper.Value != nil {
		return toAmount(wrapper.Value)
	}
	return decimal.Zero
}

// extractCostAmount resolves the bucket amount through the documented
// fallback chain: cost_usd, then amount_cents/100, then amount.
func extractCostAmount(r anthropicCostResult) decimal.Decimal {
	if r.CostUSD != nil {
		return decimal.NewFromFloat(*r.CostUSD)
	}
	if r.AmountCents != nil {
		return decimal.NewFromFloat(*r.AmountCents).Div(decimal.NewFromInt(100))
	}
	return toAmount(r.Amount)
}

func (c *AnthropicClient) fetchCostBuckets(ctx context.Context, startAt, endAt string) ([]anthropicCostBucket, error) {
	var buckets []anthropicCostBucket
	page := ""

	for pageCount := 0; pageCount < maxAnthropicPages; pageCount++ {
		params := url.Values{}
		params.Set("starting_at", startAt)
		params.Set("ending_at", endAt)
		params.Set("bucket_width", "1d")
		params.Add("group_by[]", "workspace_id")
		params.Add("group_by[]", "description")
		if page != "" {
			params.Set("page", page)
		}

		var data anthropicCostResponse
		if err := c.get(ctx, "/organizations/cost_report", params, &data); err != nil {
			return nil, err
		}
		buckets = append(buckets, data.Data...)

		if !data.HasMore || data.NextPage == nil || *data.NextPage == "" {
			break
		}
		page = *data.NextPage
	}

	return buckets, nil
}

func (c *AnthropicClient) fetchUsageBuckets(ctx context.Context, startAt, endAt string) ([]anthropicUsageBucket, error) {
	var buckets []anthropicUsageBucket
	page := ""

	for pageCount := 0; pageCount < maxAnthropicPages; pageCount++ {
		params := url.Values{}
		params.Set("starting_at", startAt)
		params.Set("ending_at", endAt)
		params.Set("bucket_width", "1d")
		params.Add("group_by[]", "workspace_id")
		params.Add("group_by[]", "model")
		if page != "" {
			params.Set("page", page)
		}

		var data anthropicUsageResponse
		if err := c.get(ctx, "/organizations/usage_report/messages", params, &data); err != nil {
			return nil, err
		}
		buckets = append(buckets, data.Data...)

		if !data.HasMore || data.NextPage == nil || *data.NextPage == "" {
			break
		}
		page = *data.NextPage
	}

	return buckets, nil
}

// FetchCostAndUsage fetches the cost report and messages usage report for
// [start, end) and normalizes both into ledger rows. Dimensions carry an
// "anthropic:" prefix so they never collide with OpenAI's raw project ids.
func (c *AnthropicClient) FetchCostAndUsage(ctx context.Context, start, end time.Time) (Result, error) {
	startAt := start.UTC().Format(time.RFC3339)
	endAt := end.UTC().Format(time.RFC3339)

	var (
		costBuckets  []anthropicCostBucket
		usageBuckets []anthropicUsageBucket
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		costBuckets, err = c.fetchCostBuckets(gctx, startAt, endAt)
		return err
	})
	g.Go(func() error {
		var err error
		usageBuckets, err = c.fetchUsageBuckets(gctx, startAt, endAt)
		return err
	})
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	var res Result
	for _, bucket := range costBuckets {
		if bucket.StartingAt == "" {
			continue
		}
		day, err := parseDayUTC(bucket.StartingAt)
		if err != nil {
			continue
		}
		for _, r := range bucket.Results {
			lineItem := "anthropic:usage"
			if r.Description != nil && *r.Description != "" {
				lineItem = "anthropic:" + *r.Description
			}
			res.Costs = append(res.Costs, CostRow{
				Date:      day,
				ProjectID: "anthropic:" + strDeref(r.WorkspaceID),
				LineItem:  lineItem,
				Currency:  lowerOr(strDeref(r.Currency), "usd"),
				Value:     extractCostAmount(r),
			})
		}
	}

	for _, bucket := range usageBuckets {
		if bucket.StartingAt == "" {
			continue
		}
		day, err := parseDayUTC(bucket.StartingAt)
		if err != nil {
			continue
		}
		for _, r := range bucket.Results {
			model := "anthropic:unknown"
			if r.Model != nil && *r.Model != "" {
				model = "anthropic:" + *r.Model
			}
			// Cache tokens count toward the total at rest; input and
			// output stay as reported.
			total := r.InputTokens + r.OutputTokens + r.CacheCreationTokens + r.CacheReadTokens
			res.Usage = append(res.Usage, UsageRow{
				Date:         day,
				ProjectID:    "anthropic:" + strDeref(r.WorkspaceID),
				Model:        model,
				InputTokens:  r.InputTokens,
				OutputTokens: r.OutputTokens,
				TotalTokens:  total,
			})
		}
	}

	return res, nil
}

func parseDayUTC(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return dates.StartOfDayUTC(t), nil
}
