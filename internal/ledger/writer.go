// Package ledger owns all writes to the DailyCost and
// DailyUsageCompletions tables. Rows are keyed on composite natural keys
// and written with upsert semantics, so repeating a sync can never
// duplicate a row; concurrent syncs of the same window are safe because
// the last writer wins per key.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gogeangs/tokenboard/internal/database"
	"github.com/gogeangs/tokenboard/internal/providers"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Writer struct {
	db *gorm.DB
}

func NewWriter(db *gorm.DB) *Writer {
	return &Writer{db: db}
}

var costConflict = clause.OnConflict{
	Columns: []clause.Column{
		{Name: "workspace_id"}, {Name: "date"}, {Name: "project_id"}, {Name: "line_item"},
	},
	DoUpdates: clause.AssignmentColumns([]string{"currency", "value"}),
}

var usageConflict = clause.OnConflict{
	Columns: []clause.Column{
		{Name: "workspace_id"}, {Name: "date"}, {Name: "project_id"}, {Name: "user_id"},
		{Name: "api_key_id"}, {Name: "model"}, {Name: "batch"}, {Name: "service_tier"},
	},
	DoUpdates: clause.AssignmentColumns([]string{"input_tokens", "output_tokens", "total_tokens"}),
}

// Write commits one sync's rows atomically and, in the same transaction,
// marks the provider's connection OK with a fresh last_sync_at. Either
// everything lands or nothing does.
func (w *Writer) Write(ctx context.Context, workspaceID string, provider providers.Provider, res providers.Result) error {
	now := time.Now().UTC()
	return w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, row := range res.Costs {
			cost := database.DailyCost{
				WorkspaceID: workspaceID,
				Date:        row.Date,
				ProjectID:   row.ProjectID,
				LineItem:    row.LineItem,
				Currency:    row.Currency,
				Value:       row.Value,
			}
			if err := tx.Clauses(costConflict).Create(&cost).Error; err != nil {
				return fmt.Errorf("upsert cost row: %w", err)
			}
		}

		for _, row := range res.Usage {
			usage := database.DailyUsageCompletions{
				WorkspaceID:  workspaceID,
				Date:         row.Date,
				ProjectID:    row.ProjectID,
				UserID:       row.UserID,
				APIKeyID:     row.APIKeyID,
				Model:        row.Model,
				Batch:        row.Batch,
				ServiceTier:  row.ServiceTier,
				InputTokens:  row.InputTokens,
				OutputTokens: row.OutputTokens,
				TotalTokens:  row.TotalTokens,
			}
			if err := tx.Clauses(usageConflict).Create(&usage).Error; err != nil {
				return fmt.Errorf("upsert usage row: %w", err)
			}
		}

		return markConnectionOK(tx, provider, workspaceID, now)
	})
}

func markConnectionOK(tx *gorm.DB, provider providers.Provider, workspaceID string, now time.Time) error {
	updates := map[string]interface{}{
		"status":       database.StatusOK,
		"last_sync_at": now,
		"last_error":   nil,
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

	if err := tx.Model(model).Where("workspace_id = ?", workspaceID).Updates(updates).Error; err != nil {
		return fmt.Errorf("mark connection ok: %w", err)
	}
	return nil
}

// AccumulatePersonalCost adds a credit-consumption delta to the synthetic
// personal-mode cost row for the given day and stores the new credit
// snapshot on the connection, all in one transaction so a crash cannot
// double-count a delta. Unlike regular cost rows this is additive: a
// personal account synced twice in one day accumulates both deltas.
func (w *Writer) AccumulatePersonalCost(ctx context.Context, workspaceID string, day time.Time, delta decimal.Decimal, grants providers.CreditGrants) error {
	now := time.Now().UTC()
	return w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row database.DailyCost
		err := tx.Where(
			"workspace_id = ? AND date = ? AND project_id = ? AND line_item = ?",
			workspaceID, day, database.PersonalProjectID, database.PersonalLineItem,
		).First(&row).Error

		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			row = database.DailyCost{
				WorkspaceID: workspaceID,
				Date:        day,
				ProjectID:   database.PersonalProjectID,
				LineItem:    database.PersonalLineItem,
				Currency:    "usd",
				Value:       delta,
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("create personal cost row: %w", err)
			}
		case err != nil:
			return err
		default:
			if err := tx.Model(&row).Update("value", row.Value.Add(delta)).Error; err != nil {
				return fmt.Errorf("accumulate personal cost: %w", err)
			}
		}

		return tx.Model(&database.OpenAIConnection{}).
			Where("workspace_id = ?", workspaceID).
			Updates(map[string]interface{}{
				"credit_total_granted": grants.TotalGranted,
				"credit_total_used":    grants.TotalUsed,
				"status":               database.StatusOK,
				"last_sync_at":         now,
				"last_error":           nil,
			}).Error
	})
}

// PurgePersonalRows deletes the synthetic credit-estimate rows. Called
// when an OpenAI connection switches between personal and organization
// mode, so estimates never mix with real organization costs.
func (w *Writer) PurgePersonalRows(ctx context.Context, workspaceID string) error {
	return w.db.WithContext(ctx).
		Where("workspace_id = ? AND project_id = ? AND line_item = ?",
			workspaceID, database.PersonalProjectID, database.PersonalLineItem).
		Delete(&database.DailyCost{}).Error
}
