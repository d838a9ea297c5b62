package providers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gogeangs/tokenboard/internal/dates"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const (
	openAIBase = "https://api.openai.com/v1"

	// The costs and usage cursors are opaque and upstream does not
	// document a page limit, so cap the walk defensively.
	maxOpenAIPages = 100
)

// OpenAIClient talks to the OpenAI organization billing APIs with an
// admin key (bearer auth, opaque next_page cursor pagination).
type OpenAIClient struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

func (c *OpenAIClient) base() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return openAIBase
}

func (c *OpenAIClient) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return defaultHTTPClient
}

func (c *OpenAIClient) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base()+path+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

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
		return responseError(OpenAI, resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &MalformedResponseError{Provider: OpenAI, Err: err}
	}
	return nil
}

type openAIAmount struct {
	Value    float64 `json:"value"`
	Currency string  `json:"currency"`
}

type openAICostResult struct {
	Amount    *openAIAmount `json:"amount"`
	ProjectID *string       `json:"project_id"`
	LineItem  *string       `json:"line_item"`
}

type openAICostBucket struct {
	StartTime int64              `json:"start_time"`
	EndTime   int64              `json:"end_time"`
	Results   []openAICostResult `json:"results"`
}

// The costs endpoint has been observed answering in two shapes: buckets
// nested under organization_costs, and buckets directly under data. Both
// are read, organization_costs taking priority.
type openAICostResponse struct {
	Data              []openAICostBucket `json:"data"`
	NextPage          *string            `json:"next_page"`
	OrganizationCosts *struct {
		Buckets  []openAICostBucket `json:"buckets"`
		NextPage *string            `json:"next_page"`
	} `json:"organization_costs"`
}

type openAIUsageResult struct {
	ProjectID    *string `json:"project_id"`
	UserID       *string `json:"user_id"`
	APIKeyID     *string `json:"api_key_id"`
	Model        *string `json:"model"`
	Batch        *bool   `json:"batch"`
	ServiceTier  *string `json:"service_tier"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
}

type openAIUsageBucket struct {
	StartTime int64               `json:"start_time"`
	EndTime   int64               `json:"end_time"`
	Results   []openAIUsageResult `json:"results"`
	// Some responses carry a singular "result" key instead.
	Result []openAIUsageResult `json:"result"`
}

type openAIUsageResponse struct {
	Data     []openAIUsageBucket `json:"data"`
	NextPage *string             `json:"next_page"`
}

func (c *OpenAIClient) fetchCostBuckets(ctx context.Context, startTime, endTime int64) ([]openAICostBucket, error) {
	var buckets []openAICostBucket
	page := ""

	for pageCount := 0; pageCount < maxOpenAIPages; pageCount++ {
		params := url.Values{}
		params.Set("start_time", strconv.FormatInt(startTime, 10))
		params.Set("end_time", strconv.FormatInt(endTime, 10))
		params.Set("bucket_width", "1d")
		params.Add("group_by", "project_id")
		params.Add("group_by", "line_item")
		if page != "" {
			params.Set("page", page)
		}

		var data openAICostResponse
		if err := c.get(ctx, "/organization/costs", params, &data); err != nil {
			return nil, err
		}

		next := data.NextPage
		if data.OrganizationCosts != nil {
			buckets = append(buckets, data.OrganizationCosts.Buckets...)
			if data.OrganizationCosts.NextPage != nil {
				next = data.OrganizationCosts.NextPage
			}
		} else {
			buckets = append(buckets, data.Data...)
		}

		if next == nil || *next == "" {
			break
		}
		page = *next
	}

	return buckets, nil
}

func (c *OpenAIClient) fetchUsageBuckets(ctx context.Context, startTime, endTime int64) ([]openAIUsageBucket, error) {
	var buckets []openAIUsageBucket
	page := ""

	for pageCount := 0; pageCount < maxOpenAIPages; pageCount++ {
		params := url.Values{}
		params.Set("start_time", strconv.FormatInt(startTime, 10))
		params.Set("end_time", strconv.FormatInt(endTime, 10))
		params.Set("bucket_width", "1d")
		for _, g := range []string{"project_id", "user_id", "api_key_id", "model", "batch", "service_tier"} {
			params.Add("group_by", g)
		}
		if page != "" {
			params.Set("page", page)
		}

		var data openAIUsageResponse
		if err := c.get(ctx, "/organization/usage/completions", params, &data); err != nil {
			return nil, err
		}
		buckets = append(buckets, data.Data...)

		if data.NextPage == nil || *data.NextPage == "" {
			break
		}
		page = *data.NextPage
	}

	return buckets, nil
}

// FetchCostAndUsage fetches the organization costs and completions usage
// for [start, end) and normalizes both into ledger rows.
func (c *OpenAIClient) FetchCostAndUsage(ctx context.Context, start, end time.Time) (Result, error) {
	startTime := dates.ToUnixSeconds(start)
	endTime := dates.ToUnixSeconds(end)

	var (
		costBuckets  []openAICostBucket
		usageBuckets []openAIUsageBucket
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		costBuckets, err = c.fetchCostBuckets(gctx, startTime, endTime)
		return err
	})
	g.Go(func() error {
		var err error
		usageBuckets, err = c.fetchUsageBuckets(gctx, startTime, endTime)
		return err
	})
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	var res Result
	for _, bucket := range costBuckets {
		day := dates.StartOfDayUTC(time.Unix(bucket.StartTime, 0))
		for _, r := range bucket.Results {
			row := CostRow{
				Date:      day,
				ProjectID: strDeref(r.ProjectID),
				LineItem:  strDeref(r.LineItem),
				Currency:  "usd",
				Value:     decimal.Zero,
			}
			if r.Amount != nil {
				row.Value = decimal.NewFromFloat(r.Amount.Value)
				row.Currency = lowerOr(r.Amount.Currency, "usd")
			}
			res.Costs = append(res.Costs, row)
		}
	}

	for _, bucket := range usageBuckets {
		day := dates.StartOfDayUTC(time.Unix(bucket.StartTime, 0))
		results := bucket.Results
		if results == nil {
			results = bucket.Result
		}
		for _, r := range results {
			batch := ""
			if r.Batch != nil {
				batch = strconv.FormatBool(*r.Batch)
			}
			res.Usage = append(res.Usage, UsageRow{
				Date:         day,
				ProjectID:    strDeref(r.ProjectID),
				UserID:       strDeref(r.UserID),
				APIKeyID:     strDeref(r.APIKeyID),
				Model:        strDeref(r.Model),
				Batch:        batch,
				ServiceTier:  strDeref(r.ServiceTier),
				InputTokens:  r.InputTokens,
				OutputTokens: r.OutputTokens,
				TotalTokens:  r.InputTokens + r.OutputTokens,
			})
		}
	}

	return res, nil
}

// CreditGrants is the cumulative credit consumption snapshot exposed to
// personal (non-organization) accounts.
type CreditGrants struct {
	TotalGranted decimal.Decimal
	TotalUsed    decimal.Decimal
}

// FetchCreditGrants reads the personal-account credit snapshot. Personal
// accounts expose cumulative consumption rather than daily cost; the
// syncer derives daily spend from deltas between snapshots.
func (c *OpenAIClient) FetchCreditGrants(ctx context.Context) (CreditGrants, error) {
	var data struct {
		TotalGranted float64 `json:"total_granted"`
		TotalUsed    float64 `json:"total_used"`
	}
	if err := c.get(ctx, "/dashboard/billing/credit_grants", url.Values{}, &data); err != nil {
		return CreditGrants{}, err
	}
	return CreditGrants{
		TotalGranted: decimal.NewFromFloat(data.TotalGranted),
		TotalUsed:    decimal.NewFromFloat(data.TotalUsed),
	}, nil
}
