package ledger

import (
	"sort"
	"time"

	"github.com/gogeangs/tokenboard/internal/database"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Read-side helpers. Everything here is a pure consumer of the ledger:
// analytics, trend, breakdown, forecast and alerts all go through these.

// SumCostBetween totals workspace cost over [start, endExclusive).
func SumCostBetween(db *gorm.DB, workspaceID string, start, endExclusive time.Time) (decimal.Decimal, error) {
	var rows []database.DailyCost
	err := db.Where("workspace_id = ? AND date >= ? AND date < ?", workspaceID, start, endExclusive).
		Find(&rows).Error
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, r := range rows {
		total = total.Add(r.Value)
	}
	return total, nil
}

type DailyTotal struct {
	Date  time.Time
	Total decimal.Decimal
}

// DailyCostTotals returns per-day cost totals over [start, endInclusive],
// sorted ascending by day.
func DailyCostTotals(db *gorm.DB, workspaceID string, start, endInclusive time.Time) ([]DailyTotal, error) {
	var rows []database.DailyCost
	err := db.Where("workspace_id = ? AND date >= ? AND date <= ?", workspaceID, start, endInclusive).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	byDay := make(map[time.Time]decimal.Decimal)
	for _, r := range rows {
		byDay[r.Date] = byDay[r.Date].Add(r.Value)
	}

	totals := make([]DailyTotal, 0, len(byDay))
	for day, total := range byDay {
		totals = append(totals, DailyTotal{Date: day, Total: total})
	}
	sort.Slice(totals, func(i, j int) bool { return totals[i].Date.Before(totals[j].Date) })
	return totals, nil
}

type BreakdownItem struct {
	Key   string          `json:"key"`
	Value decimal.Decimal `json:"value"`
}

// CostBreakdown groups month cost by project or line item, descending by
// value. Unattributed rows land under "unscoped".
func CostBreakdown(db *gorm.DB, workspaceID string, start, endExclusive time.Time, byLineItem bool) ([]BreakdownItem, string, error) {
	var rows []database.DailyCost
	err := db.Where("workspace_id = ? AND date >= ? AND date < ?", workspaceID, start, endExclusive).
		Find(&rows).Error
	if err != nil {
		return nil, "", err
	}

	currency := "usd"
	if len(rows) > 0 {
		currency = rows[0].Currency
	}

	byKey := make(map[string]decimal.Decimal)
	for _, r := range rows {
		key := r.ProjectID
		if byLineItem {
			key = r.LineItem
		}
		if key == "" {
			key = "unscoped"
		}
		byKey[key] = byKey[key].Add(r.Value)
	}

	items := make([]BreakdownItem, 0, len(byKey))
	for key, value := range byKey {
		items = append(items, BreakdownItem{Key: key, Value: value})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Value.GreaterThan(items[j].Value) })
	return items, currency, nil
}

type ModelTokens struct {
	Key         string `json:"key"`
	TotalTokens int64  `json:"total_tokens"`
}

// ModelTokenBreakdown groups month token usage by model, descending.
func ModelTokenBreakdown(db *gorm.DB, workspaceID string, start, endExclusive time.Time) ([]ModelTokens, error) {
	var rows []database.DailyUsageCompletions
	err := db.Where("workspace_id = ? AND date >= ? AND date < ?", workspaceID, start, endExclusive).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	byModel := make(map[string]int64)
	for _, r := range rows {
		key := r.Model
		if key == "" {
			key = "unscoped"
		}
		byModel[key] += r.TotalTokens
	}

	items := make([]ModelTokens, 0, len(byModel))
	for key, total := range byModel {
		items = append(items, ModelTokens{Key: key, TotalTokens: total})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].TotalTokens > items[j].TotalTokens })
	return items, nil
}

type KeyUsage struct {
	APIKeyID     string `json:"api_key_id"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	TotalTokens  int64  `json:"total_tokens"`
}

// PerKeyUsage aggregates token usage per API key over [from, to],
// descending by total tokens.
func PerKeyUsage(db *gorm.DB, workspaceID string, from, to time.Time) ([]KeyUsage, error) {
	var rows []database.DailyUsageCompletions
	err := db.Where("workspace_id = ? AND date >= ? AND date <= ?", workspaceID, from, to).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	byKey := make(map[string]*KeyUsage)
	for _, r := range rows {
		key := r.APIKeyID
		if key == "" {
			key = "unknown"
		}
		agg, ok := byKey[key]
		if !ok {
			agg = &KeyUsage{APIKeyID: key}
			byKey[key] = agg
		}
		agg.InputTokens += r.InputTokens
		agg.OutputTokens += r.OutputTokens
		agg.TotalTokens += r.TotalTokens
	}

	items := make([]KeyUsage, 0, len(byKey))
	for _, agg := range byKey {
		items = append(items, *agg)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].TotalTokens > items[j].TotalTokens })
	return items, nil
}

// SumTokensBetween totals token usage over [start, endExclusive).
func SumTokensBetween(db *gorm.DB, workspaceID string, start, endExclusive time.Time) (int64, error) {
	var rows []database.DailyUsageCompletions
	err := db.Where("workspace_id = ? AND date >= ? AND date < ?", workspaceID, start, endExclusive).
		Find(&rows).Error
	if err != nil {
		return 0, err
	}
	var total int64
	for _, r := range rows {
		total += r.TotalTokens
	}
	return total, nil
}
