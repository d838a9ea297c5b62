// Package syncer orchestrates provider syncs: it loads a workspace's
// connection, decrypts the credential, pulls the billing window through
// the provider client, hands the rows to the ledger writer and records
// the resulting connection status. Every workspace and every provider is
// isolated: one bad credential never blocks the rest of the fleet.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gogeangs/tokenboard/internal/alerts"
	"github.com/gogeangs/tokenboard/internal/config"
	"github.com/gogeangs/tokenboard/internal/crypto"
	"github.com/gogeangs/tokenboard/internal/database"
	"github.com/gogeangs/tokenboard/internal/dates"
	"github.com/gogeangs/tokenboard/internal/ledger"
	"github.com/gogeangs/tokenboard/internal/logutil"
	"github.com/gogeangs/tokenboard/internal/providers"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// fleetConcurrency bounds how many workspaces sync at once per provider.
const fleetConcurrency = 5

// maxStoredError matches the last_error column size.
const maxStoredError = 400

type Syncer struct {
	db      *gorm.DB
	writer  *ledger.Writer
	alerts  *alerts.Evaluator
	spawn   func(fn func())
	nowFunc func() time.Time

	// Test overrides for the provider clients.
	OpenAIBaseURL    string
	AnthropicBaseURL string
	VertexBaseURL    string
	VertexTokenURL   string
	BedrockAPI       providers.CostExplorerAPI
	HTTPClient       *http.Client
}

func New(db *gorm.DB) *Syncer {
	return &Syncer{
		db:      db,
		writer:  ledger.NewWriter(db),
		alerts:  alerts.NewEvaluator(db),
		spawn:   func(fn func()) { go fn() },
		nowFunc: time.Now,
	}
}

func (s *Syncer) windowDays() int {
	if config.Cfg.SyncWindowDays > 0 {
		return config.Cfg.SyncWindowDays
	}
	return 30
}

// window returns the sync range. OpenAI and Anthropic take timestamps
// and get through end of today; Vertex and Bedrock take date strings
// where the end date is exclusive, so they get today's start.
func (s *Syncer) window(inclusiveToday bool) (time.Time, time.Time) {
	today := dates.StartOfDayUTC(s.nowFunc().UTC())
	start := today.AddDate(0, 0, -s.windowDays())
	if inclusiveToday {
		return start, today.Add(24 * time.Hour)
	}
	return start, today
}

// setDegraded records a failed sync on the connection row. touchSyncAt
// is false only for decrypt failures, where no upstream attempt was
// made and the previous last_sync_at still reflects reality.
func (s *Syncer) setDegraded(ctx context.Context, provider providers.Provider, workspaceID, message string, touchSyncAt bool) error {
	updates := map[string]interface{}{
		"status":     database.StatusDegraded,
		"last_error": logutil.Truncate(message, maxStoredError),
	}
	if touchSyncAt {
		updates["last_sync_at"] = s.nowFunc().UTC()
	}

	var model interface{}
	switch provider {
	case providers.OpenAI:
		model = &database.OpenAIConnection{}
	case providers.Anthropic:
		model = &database.AnthropicConnection{}
	case providers.Vertex:
		model = &database.VertexConnection{}
	case providers.Bedrock:
		model = &database.BedrockConnection{}
	default:
		return fmt.Errorf("unknown provider %q", provider)
	}
	return s.db.WithContext(ctx).Model(model).Where("workspace_id = ?", workspaceID).Updates(updates).Error
}

// evaluateAlerts runs post-sync alert evaluation off the sync path.
// Failures are logged and never propagate into the sync result.
func (s *Syncer) evaluateAlerts(workspaceID string, provider providers.Provider, prevStatus, newStatus string) {
	s.spawn(func() {
		ctx := context.Background()
		if err := s.alerts.EvaluateConnection(ctx, workspaceID, string(provider), prevStatus, newStatus); err != nil {
			log.Printf("[syncer.alerts] connection eval for %s: %v", logutil.SanitizeForLog(workspaceID), err)
		}
		if newStatus != database.StatusOK {
			return
		}
		if err := s.alerts.EvaluateBudget(ctx, workspaceID); err != nil {
			log.Printf("[syncer.alerts] budget eval for %s: %v", logutil.SanitizeForLog(workspaceID), err)
		}
		if err := s.alerts.EvaluateCostSpike(ctx, workspaceID); err != nil {
			log.Printf("[syncer.alerts] spike eval for %s: %v", logutil.SanitizeForLog(workspaceID), err)
		}
	})
}

func (s *Syncer) failSync(ctx context.Context, provider providers.Provider, workspaceID, prevStatus string, err error) error {
	if dbErr := s.setDegraded(ctx, provider, workspaceID, err.Error(), true); dbErr != nil {
		log.Printf("[syncer] record %s failure for %s: %v", provider, logutil.SanitizeForLog(workspaceID), dbErr)
	}
	s.evaluateAlerts(workspaceID, provider, prevStatus, database.StatusDegraded)
	return err
}

// SyncOpenAIWorkspace syncs one workspace's OpenAI connection. A missing
// connection is a no-op. Organization mode pulls daily cost and usage
// buckets; personal mode derives a spend delta from the cumulative
// credit-grant snapshot.
func (s *Syncer) SyncOpenAIWorkspace(ctx context.Context, workspaceID string) error {
	var conn database.OpenAIConnection
	if err := s.db.WithContext(ctx).Where("workspace_id = ?", workspaceID).First(&conn).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}

	apiKey, err := crypto.Decrypt(conn.AdminKeyEnc)
	if err != nil {
		msg := "Failed to decrypt OpenAI key"
		if dbErr := s.setDegraded(ctx, providers.OpenAI, workspaceID, msg, false); dbErr != nil {
			return dbErr
		}
		s.evaluateAlerts(workspaceID, providers.OpenAI, conn.Status, database.StatusDegraded)
		return errors.New(msg)
	}

	client := &providers.OpenAIClient{APIKey: apiKey, BaseURL: s.OpenAIBaseURL, HTTPClient: s.HTTPClient}

	if conn.Mode == database.ModePersonal {
		return s.syncOpenAIPersonal(ctx, workspaceID, conn, client)
	}

	start, end := s.window(true)
	res, err := client.FetchCostAndUsage(ctx, start, end)
	if err != nil {
		return s.failSync(ctx, providers.OpenAI, workspaceID, conn.Status, err)
	}
	if err := s.writer.Write(ctx, workspaceID, providers.OpenAI, res); err != nil {
		return s.failSync(ctx, providers.OpenAI, workspaceID, conn.Status, err)
	}
	s.evaluateAlerts(workspaceID, providers.OpenAI, conn.Status, database.StatusOK)
	return nil
}

// syncOpenAIPersonal turns the cumulative total_used counter into a
// daily spend estimate: the positive delta since the stored snapshot is
// added to today's synthetic credit_estimate row. A counter that moved
// backwards (grant top-up, account reset) contributes zero rather than
// a negative cost.
func (s *Syncer) syncOpenAIPersonal(ctx context.Context, workspaceID string, conn database.OpenAIConnection, client *providers.OpenAIClient) error {
	grants, err := client.FetchCreditGrants(ctx)
	if err != nil {
		return s.failSync(ctx, providers.OpenAI, workspaceID, conn.Status, err)
	}

	delta := grants.TotalUsed.Sub(conn.CreditTotalUsed)
	if delta.IsNegative() {
		delta = decimal.Zero
	}

	today := dates.StartOfDayUTC(s.nowFunc().UTC())
	if err := s.writer.AccumulatePersonalCost(ctx, workspaceID, today, delta, grants); err != nil {
		return s.failSync(ctx, providers.OpenAI, workspaceID, conn.Status, err)
	}
	s.evaluateAlerts(workspaceID, providers.OpenAI, conn.Status, database.StatusOK)
	return nil
}

// SyncAnthropicWorkspace syncs one workspace's Anthropic connection.
func (s *Syncer) SyncAnthropicWorkspace(ctx context.Context, workspaceID string) error {
	var conn database.AnthropicConnection
	if err := s.db.WithContext(ctx).Where("workspace_id = ?", workspaceID).First(&conn).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}

	apiKey, err := crypto.Decrypt(conn.AdminKeyEnc)
	if err != nil {
		msg := "Failed to decrypt Anthropic key"
		if dbErr := s.setDegraded(ctx, providers.Anthropic, workspaceID, msg, false); dbErr != nil {
			return dbErr
		}
		s.evaluateAlerts(workspaceID, providers.Anthropic, conn.Status, database.StatusDegraded)
		return errors.New(msg)
	}

	client := &providers.AnthropicClient{APIKey: apiKey, BaseURL: s.AnthropicBaseURL, HTTPClient: s.HTTPClient}
	start, end := s.window(true)
	res, err := client.FetchCostAndUsage(ctx, start, end)
	if err != nil {
		return s.failSync(ctx, providers.Anthropic, workspaceID, conn.Status, err)
	}
	if err := s.writer.Write(ctx, workspaceID, providers.Anthropic, res); err != nil {
		return s.failSync(ctx, providers.Anthropic, workspaceID, conn.Status, err)
	}
	s.evaluateAlerts(workspaceID, providers.Anthropic, conn.Status, database.StatusOK)
	return nil
}

// SyncVertexWorkspace syncs one workspace's Google Vertex AI connection.
func (s *Syncer) SyncVertexWorkspace(ctx context.Context, workspaceID string) error {
	var conn database.VertexConnection
	if err := s.db.WithContext(ctx).Where("workspace_id = ?", workspaceID).First(&conn).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}

	saJSON, err := crypto.Decrypt(conn.ServiceAccountEnc)
	if err != nil {
		msg := "Failed to decrypt Vertex AI credentials"
		if dbErr := s.setDegraded(ctx, providers.Vertex, workspaceID, msg, false); dbErr != nil {
			return dbErr
		}
		s.evaluateAlerts(workspaceID, providers.Vertex, conn.Status, database.StatusDegraded)
		return errors.New(msg)
	}

	client := &providers.VertexClient{
		ServiceAccountJSON: saJSON,
		BillingAccountID:   conn.BillingAccountID,
		BaseURL:            s.VertexBaseURL,
		TokenURL:           s.VertexTokenURL,
		HTTPClient:         s.HTTPClient,
	}
	start, end := s.window(false)
	res, err := client.FetchCostAndUsage(ctx, start, end)
	if err != nil {
		return s.failSync(ctx, providers.Vertex, workspaceID, conn.Status, err)
	}
	if err := s.writer.Write(ctx, workspaceID, providers.Vertex, res); err != nil {
		return s.failSync(ctx, providers.Vertex, workspaceID, conn.Status, err)
	}
	s.evaluateAlerts(workspaceID, providers.Vertex, conn.Status, database.StatusOK)
	return nil
}

// SyncBedrockWorkspace syncs one workspace's AWS Bedrock connection.
func (s *Syncer) SyncBedrockWorkspace(ctx context.Context, workspaceID string) error {
	var conn database.BedrockConnection
	if err := s.db.WithContext(ctx).Where("workspace_id = ?", workspaceID).First(&conn).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}

	accessKey, err := crypto.Decrypt(conn.AccessKeyEnc)
	var secretKey string
	if err == nil {
		secretKey, err = crypto.Decrypt(conn.SecretKeyEnc)
	}
	if err != nil {
		msg := "Failed to decrypt Bedrock credentials"
		if dbErr := s.setDegraded(ctx, providers.Bedrock, workspaceID, msg, false); dbErr != nil {
			return dbErr
		}
		s.evaluateAlerts(workspaceID, providers.Bedrock, conn.Status, database.StatusDegraded)
		return errors.New(msg)
	}

	client := &providers.BedrockClient{
		AccessKeyID:     accessKey,
		SecretAccessKey: secretKey,
		Region:          conn.Region,
		API:             s.BedrockAPI,
	}
	start, end := s.window(false)
	res, err := client.FetchCostAndUsage(ctx, start, end)
	if err != nil {
		return s.failSync(ctx, providers.Bedrock, workspaceID, conn.Status, err)
	}
	if err := s.writer.Write(ctx, workspaceID, providers.Bedrock, res); err != nil {
		return s.failSync(ctx, providers.Bedrock, workspaceID, conn.Status, err)
	}
	s.evaluateAlerts(workspaceID, providers.Bedrock, conn.Status, database.StatusOK)
	return nil
}

// FleetTotals reports how many workspaces a fleet pass attempted per
// provider. Per-workspace failures are recorded on the connection rows,
// not surfaced here.
type FleetTotals struct {
	OpenAI    int `json:"openai"`
	Anthropic int `json:"anthropic"`
	Vertex    int `json:"vertex"`
	Bedrock   int `json:"bedrock"`
}

func (s *Syncer) syncFleet(ctx context.Context, workspaceIDs []string, sync func(context.Context, string) error, provider providers.Provider) int {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fleetConcurrency)
	for _, id := range workspaceIDs {
		id := id
		g.Go(func() error {
			if err := sync(gctx, id); err != nil {
				log.Printf("[syncer] %s sync for %s: %v", provider, logutil.SanitizeForLog(id), logutil.SanitizeForLog(err.Error()))
			}
			return nil
		})
	}
	// Workers never return errors; Wait only observes ctx cancellation.
	_ = g.Wait()
	return len(workspaceIDs)
}

func connectedWorkspaceIDs(db *gorm.DB, model interface{}) ([]string, error) {
	var ids []string
	err := db.Model(model).Pluck("workspace_id", &ids).Error
	return ids, err
}

// SyncAll runs a full fleet pass over every connection of every
// provider. This is the cron entry point.
func (s *Syncer) SyncAll(ctx context.Context) (FleetTotals, error) {
	var totals FleetTotals

	ids, err := connectedWorkspaceIDs(s.db.WithContext(ctx), &database.OpenAIConnection{})
	if err != nil {
		return totals, err
	}
	totals.OpenAI = s.syncFleet(ctx, ids, s.SyncOpenAIWorkspace, providers.OpenAI)

	ids, err = connectedWorkspaceIDs(s.db.WithContext(ctx), &database.AnthropicConnection{})
	if err != nil {
		return totals, err
	}
	totals.Anthropic = s.syncFleet(ctx, ids, s.SyncAnthropicWorkspace, providers.Anthropic)

	ids, err = connectedWorkspaceIDs(s.db.WithContext(ctx), &database.VertexConnection{})
	if err != nil {
		return totals, err
	}
	totals.Vertex = s.syncFleet(ctx, ids, s.SyncVertexWorkspace, providers.Vertex)

	ids, err = connectedWorkspaceIDs(s.db.WithContext(ctx), &database.BedrockConnection{})
	if err != nil {
		return totals, err
	}
	totals.Bedrock = s.syncFleet(ctx, ids, s.SyncBedrockWorkspace, providers.Bedrock)

	return totals, nil
}

// SyncWorkspace syncs all four providers for one workspace concurrently.
// Provider failures are independent; the joined error reports every
// provider that failed while the others' rows still land.
func (s *Syncer) SyncWorkspace(ctx context.Context, workspaceID string) error {
	syncs := []func(context.Context, string) error{
		s.SyncOpenAIWorkspace,
		s.SyncAnthropicWorkspace,
		s.SyncVertexWorkspace,
		s.SyncBedrockWorkspace,
	}

	errs := make([]error, len(syncs))
	g := &errgroup.Group{}
	for i, sync := range syncs {
		i, sync := i, sync
		g.Go(func() error {
			errs[i] = sync(ctx, workspaceID)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
