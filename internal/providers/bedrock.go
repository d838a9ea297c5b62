package providers

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/costexplorer"
	"github.com/aws/aws-sdk-go-v2/service/costexplorer/types"
	"github.com/aws/smithy-go"
	"github.com/gogeangs/tokenboard/internal/dates"
	"github.com/gogeangs/tokenboard/internal/logutil"
	"github.com/shopspring/decimal"
)

// NextPageToken pagination has no documented page limit; cap the walk
// defensively like the other providers.
const maxBedrockPages = 100

// CostExplorerAPI is the slice of the Cost Explorer client the Bedrock
// sync needs. Tests inject a fake; production uses the real SDK client.
type CostExplorerAPI interface {
	GetCostAndUsage(ctx context.Context, params *costexplorer.GetCostAndUsageInput, optFns ...func(*costexplorer.Options)) (*costexplorer.GetCostAndUsageOutput, error)
}

// BedrockClient reads Bedrock/SageMaker spend from AWS Cost Explorer
// using static access keys (SigV4 signing handled by the SDK).
type BedrockClient struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string

	// API overrides the Cost Explorer client, for tests.
	API CostExplorerAPI
}

func (c *BedrockClient) explorer() CostExplorerAPI {
	if c.API != nil {
		return c.API
	}
	cfg := aws.Config{
		Region:      c.Region,
		Credentials: credentials.NewStaticCredentialsProvider(c.AccessKeyID, c.SecretAccessKey, ""),
	}
	return costexplorer.NewFromConfig(cfg)
}

// authErrorCodes are the Cost Explorer error codes that mean the stored
// keys are bad, not that the service hiccuped.
var authErrorCodes = map[string]bool{
	"AccessDeniedException":       true,
	"UnrecognizedClientException": true,
	"InvalidClientTokenId":        true,
	"SignatureDoesNotMatch":       true,
	"ExpiredTokenException":       true,
}

func classifyAWSError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		detail := logutil.Truncate(apiErr.ErrorCode()+": "+apiErr.ErrorMessage(), maxErrorBody)
		if authErrorCodes[apiErr.ErrorCode()] {
			return &AuthError{Provider: Bedrock, Body: detail}
		}
		return &UpstreamError{Provider: Bedrock, Body: detail}
	}
	return err
}

// FetchCostAndUsage queries daily unblended cost for the Bedrock and
// SageMaker services, grouped by SERVICE and USAGE_TYPE. Cost Explorer
// reports money only, so Usage is always empty for Bedrock.
func (c *BedrockClient) FetchCostAndUsage(ctx context.Context, start, end time.Time) (Result, error) {
	client := c.explorer()
	startDate := start.UTC().Format("2006-01-02")
	endDate := end.UTC().Format("2006-01-02")

	var res Result
	var nextPageToken *string

	for pageCount := 0; pageCount < maxBedrockPages; pageCount++ {
		out, err := client.GetCostAndUsage(ctx, &costexplorer.GetCostAndUsageInput{
			TimePeriod: &types.DateInterval{
				Start: aws.String(startDate),
				End:   aws.String(endDate),
			},
			Granularity: types.GranularityDaily,
			Metrics:     []string{"UnblendedCost"},
			Filter: &types.Expression{
				Dimensions: &types.DimensionValues{
					Key:    types.DimensionService,
					Values: []string{"Amazon Bedrock", "Amazon SageMaker"},
				},
			},
			GroupBy: []types.GroupDefinition{
				{Type: types.GroupDefinitionTypeDimension, Key: aws.String("SERVICE")},
				{Type: types.GroupDefinitionTypeDimension, Key: aws.String("USAGE_TYPE")},
			},
			NextPageToken: nextPageToken,
		})
		if err != nil {
			return Result{}, classifyAWSError(err)
		}

		for _, result := range out.ResultsByTime {
			dateStr := startDate
			if result.TimePeriod != nil && result.TimePeriod.Start != nil {
				dateStr = *result.TimePeriod.Start
			}
			day, err := time.Parse("2006-01-02", dateStr)
			if err != nil {
				continue
			}
			day = dates.StartOfDayUTC(day)

			for _, group := range result.Groups {
				usageType := "unknown"
				if len(group.Keys) > 1 {
					usageType = group.Keys[1]
				}

				metric, ok := group.Metrics["UnblendedCost"]
				if !ok || metric.Amount == nil {
					continue
				}
				amount, err := decimal.NewFromString(*metric.Amount)
				if err != nil || amount.Sign() <= 0 {
					continue
				}

				currency := "usd"
				if metric.Unit != nil {
					currency = lowerOr(*metric.Unit, "usd")
				}

				res.Costs = append(res.Costs, CostRow{
					Date:      day,
					ProjectID: "bedrock:" + c.Region,
					LineItem:  "bedrock:" + usageType,
					Currency:  currency,
					Value:     amount,
				})
			}
		}

		if out.NextPageToken == nil || *out.NextPageToken == "" {
			break
		}
		nextPageToken = out.NextPageToken
	}

	return res, nil
}
