package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gogeangs/tokenboard/internal/database"
	"github.com/gogeangs/tokenboard/internal/dates"
	"github.com/gogeangs/tokenboard/internal/forecast"
	"github.com/gogeangs/tokenboard/internal/ledger"
	"gorm.io/gorm"
)

func parseDay(s string) (time.Time, error) {
	return time.Parse("2006-01-02", s)
}

// Summary reports the month's spend against budget plus the OpenAI
// connection health for the dashboard header.
func Summary(w http.ResponseWriter, r *http.Request) {
	user := requireUser(w, r)
	if user == nil {
		return
	}

	workspaceID := r.URL.Query().Get("workspaceId")
	month := r.URL.Query().Get("month")
	if !requireMembership(w, user, workspaceID) {
		return
	}

	start, endExclusive, err := dates.MonthRange(month)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query")
		return
	}
	today := dates.StartOfDayUTC(time.Now())

	var monthRows []database.DailyCost
	if err := database.DB.Where("workspace_id = ? AND date >= ? AND date < ?", workspaceID, start, endExclusive).
		Find(&monthRows).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	var monthCost, todayCost float64
	currency := ""
	for _, row := range monthRows {
		monthCost += row.Value.InexactFloat64()
		if row.Date.Equal(today) {
			todayCost += row.Value.InexactFloat64()
		}
		if currency == "" {
			currency = row.Currency
		}
	}

	var monthBudget *float64
	var remaining *float64
	var budget database.Budget
	err = database.DB.Where("workspace_id = ? AND month = ?", workspaceID, month).First(&budget).Error
	switch {
	case err == nil:
		amount := budget.Amount.InexactFloat64()
		monthBudget = &amount
		left := amount - monthCost
		if left < 0 {
			left = 0
		}
		remaining = &left
		if budget.Currency != "" {
			currency = budget.Currency
		}
	case err != gorm.ErrRecordNotFound:
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	if currency == "" {
		currency = "usd"
	}

	status := database.StatusDisconnected
	var lastSyncAt *time.Time
	var lastError *string
	var conn database.OpenAIConnection
	if err := database.DB.Where("workspace_id = ?", workspaceID).First(&conn).Error; err == nil {
		status = conn.Status
		lastSyncAt = conn.LastSyncAt
		lastError = conn.LastError
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"month":       month,
		"monthCost":   monthCost,
		"todayCost":   todayCost,
		"monthBudget": monthBudget,
		"remaining":   remaining,
		"currency":    strings.ToLower(currency),
		"lastSyncAt":  lastSyncAt,
		"status":      status,
		"lastError":   lastError,
	})
}

// Trend returns per-day cost totals over an inclusive date range.
func Trend(w http.ResponseWriter, r *http.Request) {
	user := requireUser(w, r)
	if user == nil {
		return
	}

	q := r.URL.Query()
	workspaceID := q.Get("workspaceId")
	if !requireMembership(w, user, workspaceID) {
		return
	}

	from, err := parseDay(q.Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query")
		return
	}
	to, err := parseDay(q.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query")
		return
	}

	totals, err := ledger.DailyCostTotals(database.DB, workspaceID, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	type point struct {
		Date  string  `json:"date"`
		Value float64 `json:"value"`
	}
	trend := make([]point, 0, len(totals))
	for _, t := range totals {
		trend = append(trend, point{Date: t.Date.Format("2006-01-02"), Value: t.Total.InexactFloat64()})
	}

	currency := "usd"
	var first database.DailyCost
	if err := database.DB.Where("workspace_id = ? AND date >= ? AND date <= ?", workspaceID, from, to).
		First(&first).Error; err == nil {
		currency = first.Currency
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"trend":    trend,
		"currency": currency,
	})
}

// Breakdown groups the month's spend by project or line item, or the
// month's token usage by model. Token totals are serialized as strings
// because they can exceed what JSON numbers represent faithfully.
func Breakdown(w http.ResponseWriter, r *http.Request) {
	user := requireUser(w, r)
	if user == nil {
		return
	}

	q := r.URL.Query()
	workspaceID := q.Get("workspaceId")
	if !requireMembership(w, user, workspaceID) {
		return
	}

	by := q.Get("by")
	if by != "project" && by != "line_item" && by != "model" {
		writeError(w, http.StatusBadRequest, "Invalid query")
		return
	}

	start, endExclusive, err := dates.MonthRange(q.Get("month"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query")
		return
	}

	if by == "model" {
		models, err := ledger.ModelTokenBreakdown(database.DB, workspaceID, start, endExclusive)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Internal error")
			return
		}
		type item struct {
			Key         string `json:"key"`
			TotalTokens string `json:"totalTokens"`
		}
		items := make([]item, 0, len(models))
		for _, m := range models {
			items = append(items, item{Key: m.Key, TotalTokens: strconv.FormatInt(m.TotalTokens, 10)})
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"by":     by,
			"metric": "total_tokens",
			"items":  items,
		})
		return
	}

	items, currency, err := ledger.CostBreakdown(database.DB, workspaceID, start, endExclusive, by == "line_item")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	type item struct {
		Key   string  `json:"key"`
		Value float64 `json:"value"`
	}
	out := make([]item, 0, len(items))
	for _, it := range items {
		out = append(out, item{Key: it.Key, Value: it.Value.InexactFloat64()})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"by":       by,
		"metric":   "cost",
		"currency": currency,
		"items":    out,
	})
}

// AnalyticsKeys aggregates token usage per API key over a date range.
func AnalyticsKeys(w http.ResponseWriter, r *http.Request) {
	user := requireUser(w, r)
	if user == nil {
		return
	}

	q := r.URL.Query()
	workspaceID := q.Get("workspaceId")
	if !requireMembership(w, user, workspaceID) {
		return
	}

	from, err := parseDay(q.Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request")
		return
	}
	to, err := parseDay(q.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request")
		return
	}

	usage, err := ledger.PerKeyUsage(database.DB, workspaceID, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	type keyRow struct {
		APIKeyID     string `json:"apiKeyId"`
		InputTokens  string `json:"inputTokens"`
		OutputTokens string `json:"outputTokens"`
		TotalTokens  string `json:"totalTokens"`
	}
	keys := make([]keyRow, 0, len(usage))
	for _, u := range usage {
		keys = append(keys, keyRow{
			APIKeyID:     u.APIKeyID,
			InputTokens:  strconv.FormatInt(u.InputTokens, 10),
			OutputTokens: strconv.FormatInt(u.OutputTokens, 10),
			TotalTokens:  strconv.FormatInt(u.TotalTokens, 10),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"keys": keys})
}

type ratioItem struct {
	Key     string  `json:"key"`
	Value   float64 `json:"value"`
	Percent string  `json:"percent"`
}

// AnalyticsRatios reports each project's share of month cost, or each
// model's share of month tokens.
func AnalyticsRatios(w http.ResponseWriter, r *http.Request) {
	user := requireUser(w, r)
	if user == nil {
		return
	}

	q := r.URL.Query()
	workspaceID := q.Get("workspaceId")
	if !requireMembership(w, user, workspaceID) {
		return
	}

	groupBy := q.Get("groupBy")
	if groupBy == "" {
		groupBy = "project"
	}
	if groupBy != "project" && groupBy != "model" {
		writeError(w, http.StatusBadRequest, "Invalid request")
		return
	}

	start, endExclusive, err := dates.MonthRange(q.Get("month"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request")
		return
	}

	var ratios []ratioItem
	if groupBy == "model" {
		models, err := ledger.ModelTokenBreakdown(database.DB, workspaceID, start, endExclusive)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Internal error")
			return
		}
		var total float64
		for _, m := range models {
			total += float64(m.TotalTokens)
		}
		ratios = make([]ratioItem, 0, len(models))
		for _, m := range models {
			ratios = append(ratios, ratioItem{
				Key:     m.Key,
				Value:   float64(m.TotalTokens),
				Percent: percentOf(float64(m.TotalTokens), total),
			})
		}
	} else {
		items, _, err := ledger.CostBreakdown(database.DB, workspaceID, start, endExclusive, false)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Internal error")
			return
		}
		var total float64
		for _, it := range items {
			total += it.Value.InexactFloat64()
		}
		ratios = make([]ratioItem, 0, len(items))
		for _, it := range items {
			v := it.Value.InexactFloat64()
			ratios = append(ratios, ratioItem{Key: it.Key, Value: v, Percent: percentOf(v, total)})
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ratios":  ratios,
		"groupBy": groupBy,
	})
}

func percentOf(value, total float64) string {
	if total <= 0 {
		return "0"
	}
	return fmt.Sprintf("%.1f", value/total*100)
}

// AnalyticsComparison compares the month's cost and tokens against the
// previous month or the week preceding the month.
func AnalyticsComparison(w http.ResponseWriter, r *http.Request) {
	user := requireUser(w, r)
	if user == nil {
		return
	}

	q := r.URL.Query()
	workspaceID := q.Get("workspaceId")
	if !requireMembership(w, user, workspaceID) {
		return
	}

	period := q.Get("period")
	if period != "week" && period != "month" {
		writeError(w, http.StatusBadRequest, "Invalid request")
		return
	}
	month := q.Get("month")
	currentStart, currentEnd, err := dates.MonthRange(month)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request")
		return
	}

	var previousStart, previousEnd time.Time
	if period == "month" {
		previousStart = currentStart.AddDate(0, -1, 0)
		previousEnd = currentStart
	} else {
		previousStart = currentStart.AddDate(0, 0, -7)
		previousEnd = currentStart
	}

	curCost, err := ledger.SumCostBetween(database.DB, workspaceID, currentStart, currentEnd)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	prevCost, err := ledger.SumCostBetween(database.DB, workspaceID, previousStart, previousEnd)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	curTokens, err := ledger.SumTokensBetween(database.DB, workspaceID, currentStart, currentEnd)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	prevTokens, err := ledger.SumTokensBetween(database.DB, workspaceID, previousStart, previousEnd)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	currentPeriod := month
	previousPeriod := dates.FormatMonth(previousStart)
	if period == "week" {
		currentPeriod = fmt.Sprintf("%s to %s", currentStart.Format("2006-01-02"), currentEnd.Format("2006-01-02"))
		previousPeriod = fmt.Sprintf("%s to %s", previousStart.Format("2006-01-02"), previousEnd.Format("2006-01-02"))
	}

	var costPercent, tokensPercent *string
	if c := prevCost.InexactFloat64(); c > 0 {
		p := fmt.Sprintf("%.1f", (curCost.InexactFloat64()-c)/c*100)
		costPercent = &p
	}
	if prevTokens > 0 {
		p := fmt.Sprintf("%.1f", float64(curTokens-prevTokens)/float64(prevTokens)*100)
		tokensPercent = &p
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"current": map[string]interface{}{
			"cost":   curCost.InexactFloat64(),
			"tokens": curTokens,
			"period": currentPeriod,
		},
		"previous": map[string]interface{}{
			"cost":   prevCost.InexactFloat64(),
			"tokens": prevTokens,
			"period": previousPeriod,
		},
		"delta": map[string]interface{}{
			"costPercent":   costPercent,
			"tokensPercent": tokensPercent,
		},
	})
}

// Forecast projects the month-end spend for the workspace.
func Forecast(w http.ResponseWriter, r *http.Request) {
	user := requireUser(w, r)
	if user == nil {
		return
	}

	q := r.URL.Query()
	workspaceID := q.Get("workspaceId")
	if !requireMembership(w, user, workspaceID) {
		return
	}

	result, err := forecast.Compute(database.DB, workspaceID, q.Get("month"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
