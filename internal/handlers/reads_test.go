package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gogeangs/tokenboard/internal/database"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

func seedCostRow(t *testing.T, db *gorm.DB, wsID string, day time.Time, project, lineItem string, value int64) {
	t.Helper()
	row := database.DailyCost{
		WorkspaceID: wsID,
		Date:        day,
		ProjectID:   project,
		LineItem:    lineItem,
		Currency:    "usd",
		Value:       decimal.NewFromInt(value),
	}
	if err := db.Create(&row).Error; err != nil {
		t.Fatalf("seed cost: %v", err)
	}
}

func TestSummary(t *testing.T) {
	db := setupTest(t)
	user, wsID := seedUserInWorkspace(t, db, "member")

	seedCostRow(t, db, wsID, mustDay(t, "2024-02-05"), "proj-a", "gpt-4", 30)
	seedCostRow(t, db, wsID, mustDay(t, "2024-02-06"), "proj-b", "gpt-4o", 20)
	// Outside the month, must not count.
	seedCostRow(t, db, wsID, mustDay(t, "2024-03-01"), "proj-a", "gpt-4", 999)

	if err := db.Create(&database.Budget{
		WorkspaceID: wsID, Month: "2024-02",
		Amount: decimal.NewFromInt(100), Currency: "usd",
	}).Error; err != nil {
		t.Fatalf("seed budget: %v", err)
	}

	syncAt := time.Now().UTC()
	if err := db.Create(&database.OpenAIConnection{
		WorkspaceID: wsID, AdminKeyEnc: "enc",
		Mode: database.ModeOrganization, Status: database.StatusOK, LastSyncAt: &syncAt,
	}).Error; err != nil {
		t.Fatalf("seed connection: %v", err)
	}

	rec := httptest.NewRecorder()
	Summary(rec, jsonRequest(t, http.MethodGet,
		"/api/v1/summary?workspaceId="+wsID+"&month=2024-02", nil, user))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}

	body := decodeBody(t, rec)
	if body["monthCost"] != 50.0 {
		t.Errorf("monthCost = %v", body["monthCost"])
	}
	if body["monthBudget"] != 100.0 || body["remaining"] != 50.0 {
		t.Errorf("budget = %v, remaining = %v", body["monthBudget"], body["remaining"])
	}
	if body["currency"] != "usd" {
		t.Errorf("currency = %v", body["currency"])
	}
	if body["status"] != database.StatusOK {
		t.Errorf("status = %v", body["status"])
	}
	if body["lastError"] != nil {
		t.Errorf("lastError = %v", body["lastError"])
	}
}

func TestSummaryNoBudgetNoConnection(t *testing.T) {
	db := setupTest(t)
	user, wsID := seedUserInWorkspace(t, db, "member")

	rec := httptest.NewRecorder()
	Summary(rec, jsonRequest(t, http.MethodGet,
		"/api/v1/summary?workspaceId="+wsID+"&month=2024-02", nil, user))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}

	body := decodeBody(t, rec)
	if body["monthBudget"] != nil || body["remaining"] != nil {
		t.Errorf("budget fields = %v / %v, want null", body["monthBudget"], body["remaining"])
	}
	if body["status"] != database.StatusDisconnected {
		t.Errorf("status = %v, want DISCONNECTED without a connection", body["status"])
	}
	if body["currency"] != "usd" {
		t.Errorf("currency = %v", body["currency"])
	}
}

func TestSummaryDeniesNonMember(t *testing.T) {
	db := setupTest(t)
	user, _ := seedUserInWorkspace(t, db, "member")
	_, otherWsID := seedUserInWorkspace(t, db, "member")

	rec := httptest.NewRecorder()
	Summary(rec, jsonRequest(t, http.MethodGet,
		"/api/v1/summary?workspaceId="+otherWsID+"&month=2024-02", nil, user))
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403 across workspaces", rec.Code)
	}
}

func TestTrend(t *testing.T) {
	db := setupTest(t)
	user, wsID := seedUserInWorkspace(t, db, "member")

	seedCostRow(t, db, wsID, mustDay(t, "2024-02-01"), "a", "x", 10)
	seedCostRow(t, db, wsID, mustDay(t, "2024-02-01"), "b", "y", 5)
	seedCostRow(t, db, wsID, mustDay(t, "2024-02-03"), "a", "x", 7)

	rec := httptest.NewRecorder()
	Trend(rec, jsonRequest(t, http.MethodGet,
		"/api/v1/trend?workspaceId="+wsID+"&from=2024-02-01&to=2024-02-03", nil, user))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}

	body := decodeBody(t, rec)
	trend, ok := body["trend"].([]interface{})
	if !ok || len(trend) != 2 {
		t.Fatalf("trend = %v, want two aggregated days", body["trend"])
	}
	first := trend[0].(map[string]interface{})
	if first["date"] != "2024-02-01" || first["value"] != 15.0 {
		t.Errorf("first point = %v", first)
	}
}

func TestTrendRejectsBadRange(t *testing.T) {
	db := setupTest(t)
	user, wsID := seedUserInWorkspace(t, db, "member")

	rec := httptest.NewRecorder()
	Trend(rec, jsonRequest(t, http.MethodGet,
		"/api/v1/trend?workspaceId="+wsID+"&from=yesterday&to=2024-02-03", nil, user))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestBreakdownByProject(t *testing.T) {
	db := setupTest(t)
	user, wsID := seedUserInWorkspace(t, db, "member")

	seedCostRow(t, db, wsID, mustDay(t, "2024-02-01"), "proj-a", "gpt-4", 30)
	seedCostRow(t, db, wsID, mustDay(t, "2024-02-02"), "proj-a", "gpt-4o", 10)
	seedCostRow(t, db, wsID, mustDay(t, "2024-02-02"), "proj-b", "gpt-4", 5)

	rec := httptest.NewRecorder()
	Breakdown(rec, jsonRequest(t, http.MethodGet,
		"/api/v1/breakdown?workspaceId="+wsID+"&month=2024-02&by=project", nil, user))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}

	body := decodeBody(t, rec)
	if body["metric"] != "cost" || body["by"] != "project" {
		t.Errorf("metric/by = %v / %v", body["metric"], body["by"])
	}
	items := body["items"].([]interface{})
	if len(items) != 2 {
		t.Fatalf("items = %v", items)
	}
	top := items[0].(map[string]interface{})
	if top["key"] != "proj-a" || top["value"] != 40.0 {
		t.Errorf("top item = %v, want proj-a first by spend", top)
	}
}

func TestBreakdownByModelSerializesTokensAsStrings(t *testing.T) {
	db := setupTest(t)
	user, wsID := seedUserInWorkspace(t, db, "member")

	usage := database.DailyUsageCompletions{
		WorkspaceID: wsID,
		Date:        mustDay(t, "2024-02-01"),
		ProjectID:   "proj-a",
		Model:       "gpt-4",
		Batch:       "false",
		InputTokens: 9007199254740993, // past float64 integer precision
		TotalTokens: 9007199254740993,
	}
	if err := db.Create(&usage).Error; err != nil {
		t.Fatalf("seed usage: %v", err)
	}

	rec := httptest.NewRecorder()
	Breakdown(rec, jsonRequest(t, http.MethodGet,
		"/api/v1/breakdown?workspaceId="+wsID+"&month=2024-02&by=model", nil, user))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}

	body := decodeBody(t, rec)
	if body["metric"] != "total_tokens" {
		t.Errorf("metric = %v", body["metric"])
	}
	items := body["items"].([]interface{})
	if len(items) != 1 {
		t.Fatalf("items = %v", items)
	}
	item := items[0].(map[string]interface{})
	// The count survives as an exact string, not a rounded float.
	if item["totalTokens"] != "9007199254740993" {
		t.Errorf("totalTokens = %v", item["totalTokens"])
	}
}

func TestBreakdownRejectsUnknownDimension(t *testing.T) {
	db := setupTest(t)
	user, wsID := seedUserInWorkspace(t, db, "member")

	rec := httptest.NewRecorder()
	Breakdown(rec, jsonRequest(t, http.MethodGet,
		"/api/v1/breakdown?workspaceId="+wsID+"&month=2024-02&by=region", nil, user))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestAnalyticsRatios(t *testing.T) {
	db := setupTest(t)
	user, wsID := seedUserInWorkspace(t, db, "member")

	seedCostRow(t, db, wsID, mustDay(t, "2024-02-01"), "proj-a", "gpt-4", 75)
	seedCostRow(t, db, wsID, mustDay(t, "2024-02-01"), "proj-b", "gpt-4", 25)

	rec := httptest.NewRecorder()
	AnalyticsRatios(rec, jsonRequest(t, http.MethodGet,
		"/api/v1/analytics/ratios?workspaceId="+wsID+"&month=2024-02", nil, user))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}

	body := decodeBody(t, rec)
	if body["groupBy"] != "project" {
		t.Errorf("groupBy = %v, want the project default", body["groupBy"])
	}
	ratios := body["ratios"].([]interface{})
	if len(ratios) != 2 {
		t.Fatalf("ratios = %v", ratios)
	}
	top := ratios[0].(map[string]interface{})
	if top["key"] != "proj-a" || top["percent"] != "75.0" {
		t.Errorf("top ratio = %v", top)
	}
}

func TestAnalyticsComparisonMonth(t *testing.T) {
	db := setupTest(t)
	user, wsID := seedUserInWorkspace(t, db, "member")

	seedCostRow(t, db, wsID, mustDay(t, "2024-01-15"), "a", "x", 100)
	seedCostRow(t, db, wsID, mustDay(t, "2024-02-15"), "a", "x", 150)

	rec := httptest.NewRecorder()
	AnalyticsComparison(rec, jsonRequest(t, http.MethodGet,
		"/api/v1/analytics/comparison?workspaceId="+wsID+"&month=2024-02&period=month", nil, user))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}

	body := decodeBody(t, rec)
	current := body["current"].(map[string]interface{})
	previous := body["previous"].(map[string]interface{})
	if current["cost"] != 150.0 || previous["cost"] != 100.0 {
		t.Errorf("costs = %v / %v", current["cost"], previous["cost"])
	}
	if current["period"] != "2024-02" || previous["period"] != "2024-01" {
		t.Errorf("periods = %v / %v", current["period"], previous["period"])
	}
	delta := body["delta"].(map[string]interface{})
	if delta["costPercent"] != "50.0" {
		t.Errorf("costPercent = %v", delta["costPercent"])
	}
	// No token rows either period.
	if delta["tokensPercent"] != nil {
		t.Errorf("tokensPercent = %v, want null without a baseline", delta["tokensPercent"])
	}
}

func TestAnalyticsComparisonEmptyBaseline(t *testing.T) {
	db := setupTest(t)
	user, wsID := seedUserInWorkspace(t, db, "member")
	seedCostRow(t, db, wsID, mustDay(t, "2024-02-15"), "a", "x", 150)

	rec := httptest.NewRecorder()
	AnalyticsComparison(rec, jsonRequest(t, http.MethodGet,
		"/api/v1/analytics/comparison?workspaceId="+wsID+"&month=2024-02&period=month", nil, user))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}

	delta := decodeBody(t, rec)["delta"].(map[string]interface{})
	if delta["costPercent"] != nil {
		t.Errorf("costPercent = %v, want null when the previous period is empty", delta["costPercent"])
	}
}

func TestForecastEndpoint(t *testing.T) {
	db := setupTest(t)
	user, wsID := seedUserInWorkspace(t, db, "member")

	rec := httptest.NewRecorder()
	month := time.Now().UTC().Format("2006-01")
	Forecast(rec, jsonRequest(t, http.MethodGet,
		"/api/v1/forecast?workspaceId="+wsID+"&month="+month, nil, user))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}

	body := decodeBody(t, rec)
	if _, ok := body["predicted_month_end"]; !ok {
		t.Errorf("response missing prediction: %v", body)
	}

	rec = httptest.NewRecorder()
	Forecast(rec, jsonRequest(t, http.MethodGet,
		"/api/v1/forecast?workspaceId="+wsID+"&month=2024-13", nil, user))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d for a bad month", rec.Code)
	}
}
