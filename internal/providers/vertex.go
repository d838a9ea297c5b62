package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
)

const (
	vertexBillingBase   = "https://cloudbilling.googleapis.com/v1beta"
	googleTokenEndpoint = "https://oauth2.googleapis.com/token"
	googleBillingScope  = "https://www.googleapis.com/auth/cloud-billing.readonly https://www.googleapis.com/auth/cloud-platform.read-only"

	maxVertexPages = 50
)

// VertexClient reads AI spend from the Cloud Billing cost API. Auth is a
// two-step OAuth2 flow: an RS256 JWT-bearer assertion signed with the
// service account key, exchanged for a short-lived access token.
type VertexClient struct {
	ServiceAccountJSON string
	BillingAccountID   string
	BaseURL            string
	TokenURL           string // overrides the service account token_uri
	HTTPClient         *http.Client
}

type serviceAccount struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
	ProjectID   string `json:"project_id"`
	TokenURI    string `json:"token_uri"`
}

func (c *VertexClient) base() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return vertexBillingBase
}

func (c *VertexClient) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return defaultHTTPClient
}

func (c *VertexClient) tokenEndpoint(sa serviceAccount) string {
	if c.TokenURL != "" {
		return c.TokenURL
	}
	if sa.TokenURI != "" {
		return sa.TokenURI
	}
	return googleTokenEndpoint
}

// accessToken signs a one-hour JWT assertion and exchanges it for a
// bearer token at the Google token endpoint.
func (c *VertexClient) accessToken(ctx context.Context, sa serviceAccount) (string, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(sa.PrivateKey))
	if err != nil {
		return "", &AuthError{Provider: Vertex, Body: fmt.Sprintf("parse service account private key: %v", err)}
	}

	endpoint := c.tokenEndpoint(sa)
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   sa.ClientEmail,
		"sub":   sa.ClientEmail,
		"aud":   endpoint,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
		"scope": googleBillingScope,
	}
	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", &AuthError{Provider: Vertex, Body: fmt.Sprintf("sign assertion: %v", err)}
	}

	form := url.Values{}
	form.Set("grant_type", "urn:ietf:params:oauth:grant-type:jwt-bearer")
	form.Set("assertion", assertion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", responseError(Vertex, resp.StatusCode, body)
	}

	var tok struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &tok); err != nil {
		return "", &MalformedResponseError{Provider: Vertex, Err: err}
	}
	if tok.AccessToken == "" {
		return "", &AuthError{Provider: Vertex, Body: "token exchange returned no access_token"}
	}
	return tok.AccessToken, nil
}

type vertexBillingRow struct {
	Service *struct {
		Description string `json:"description"`
	} `json:"service"`
	Cost *struct {
		Amount       float64 `json:"amount"`
		CurrencyCode string  `json:"currencyCode"`
	} `json:"cost"`
	Project *struct {
		ID string `json:"id"`
	} `json:"project"`
	UsageStartTime string `json:"usageStartTime"`
	UsageEndTime   string `json:"usageEndTime"`
	SKU            *struct {
		Description string `json:"description"`
	} `json:"sku"`
}

type vertexBillingResponse struct {
	Rows          []vertexBillingRow `json:"rows"`
	NextPageToken string             `json:"nextPageToken"`
}

func (c *VertexClient) fetchCostRows(ctx context.Context, accessToken, startDate, endDate string) ([]vertexBillingRow, error) {
	var rows []vertexBillingRow
	pageToken := ""

	for pageCount := 0; pageCount < maxVertexPages; pageCount++ {
		params := url.Values{}
		params.Set("dateRange.startDate", startDate)
		params.Set("dateRange.endDate", endDate)
		params.Set("filter", `service.description:"Vertex AI" OR service.description:"Cloud AI"`)
		if pageToken != "" {
			params.Set("pageToken", pageToken)
		}

		reqURL := fmt.Sprintf("%s/billingAccounts/%s/costs:list?%s", c.base(), c.BillingAccountID, params.Encode())
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)

		resp, err := c.httpClient().Do(req)
		if err != nil {
			return nil, err
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, responseError(Vertex, resp.StatusCode, body)
		}

		var data vertexBillingResponse
		if err := json.Unmarshal(body, &data); err != nil {
			return nil, &MalformedResponseError{Provider: Vertex, Err: err}
		}
		rows = append(rows, data.Rows...)

		if data.NextPageToken == "" {
			break
		}
		pageToken = data.NextPageToken
	}

	return rows, nil
}

// FetchCostAndUsage lists AI-service cost rows for the window. The cost
// API reports money only, so Usage is always empty for Vertex.
func (c *VertexClient) FetchCostAndUsage(ctx context.Context, start, end time.Time) (Result, error) {
	var sa serviceAccount
	if err := json.Unmarshal([]byte(c.ServiceAccountJSON), &sa); err != nil {
		return Result{}, &AuthError{Provider: Vertex, Body: fmt.Sprintf("invalid service account JSON: %v", err)}
	}

	accessToken, err := c.accessToken(ctx, sa)
	if err != nil {
		return Result{}, err
	}

	startDate := start.UTC().Format("2006-01-02")
	endDate := end.UTC().Format("2006-01-02")

	rows, err := c.fetchCostRows(ctx, accessToken, startDate, endDate)
	if err != nil {
		return Result{}, err
	}

	var res Result
	for _, row := range rows {
		dateStr := row.UsageStartTime
		if dateStr == "" {
			dateStr = row.UsageEndTime
		}
		if dateStr == "" {
			continue
		}
		day, err := parseDayUTC(dateStr)
		if err != nil {
			continue
		}

		projectID := sa.ProjectID
		if projectID == "" && row.Project != nil {
			projectID = row.Project.ID
		}
		lineItem := "usage"
		if row.SKU != nil && row.SKU.Description != "" {
			lineItem = row.SKU.Description
		} else if row.Service != nil && row.Service.Description != "" {
			lineItem = row.Service.Description
		}

		cost := CostRow{
			Date:      day,
			ProjectID: "vertex:" + projectID,
			LineItem:  "vertex:" + lineItem,
			Currency:  "usd",
			Value:     decimal.Zero,
		}
		if row.Cost != nil {
			cost.Value = decimal.NewFromFloat(row.Cost.Amount)
			cost.Currency = lowerOr(row.Cost.CurrencyCode, "usd")
		}
		res.Costs = append(res.Costs, cost)
	}

	return res, nil
}
