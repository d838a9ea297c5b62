package alerts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gogeangs/tokenboard/internal/database"
	"github.com/gogeangs/tokenboard/internal/dates"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// seedWorkspace creates a workspace with two members and returns the
// workspace id and member user ids.
func seedWorkspace(t *testing.T, db *gorm.DB) (string, []uint) {
	t.Helper()
	wsID := uuid.NewString()
	if err := db.Create(&database.Workspace{ID: wsID, DisplayName: "Acme", Slug: "acme-" + wsID[:8]}).Error; err != nil {
		t.Fatalf("seed workspace: %v", err)
	}
	var userIDs []uint
	for _, email := range []string{"owner@acme.test", "dev@acme.test"} {
		u := database.User{Email: email + wsID[:8], PasswordHash: "x"}
		if err := db.Create(&u).Error; err != nil {
			t.Fatalf("seed user: %v", err)
		}
		if err := db.Create(&database.WorkspaceMember{WorkspaceID: wsID, UserID: u.ID, Role: "member"}).Error; err != nil {
			t.Fatalf("seed member: %v", err)
		}
		userIDs = append(userIDs, u.ID)
	}
	return wsID, userIDs
}

func seedRule(t *testing.T, db *gorm.DB, wsID, ruleType, config string) database.AlertRule {
	t.Helper()
	rule := database.AlertRule{
		ID:          uuid.NewString(),
		WorkspaceID: wsID,
		Type:        ruleType,
		Channel:     database.ChannelInApp,
		Config:      config,
		Enabled:     true,
	}
	if err := db.Create(&rule).Error; err != nil {
		t.Fatalf("seed rule: %v", err)
	}
	return rule
}

func seedCost(t *testing.T, db *gorm.DB, wsID string, day time.Time, value int64) {
	t.Helper()
	row := database.DailyCost{
		WorkspaceID: wsID,
		Date:        day,
		ProjectID:   "proj",
		LineItem:    "usage",
		Currency:    "usd",
		Value:       decimal.NewFromInt(value),
	}
	if err := db.Create(&row).Error; err != nil {
		t.Fatalf("seed cost: %v", err)
	}
}

func notificationCount(t *testing.T, db *gorm.DB, wsID string) int64 {
	t.Helper()
	var n int64
	if err := db.Model(&database.Notification{}).Where("workspace_id = ?", wsID).Count(&n).Error; err != nil {
		t.Fatalf("count notifications: %v", err)
	}
	return n
}

func TestEvaluateBudgetDefaultThreshold(t *testing.T) {
	db := setupTestDB(t)
	wsID, userIDs := seedWorkspace(t, db)
	seedRule(t, db, wsID, database.AlertBudgetThreshold, "{}")

	now := time.Now().UTC()
	if err := db.Create(&database.Budget{
		WorkspaceID: wsID, Month: dates.FormatMonth(now),
		Amount: decimal.NewFromInt(100), Currency: "usd",
	}).Error; err != nil {
		t.Fatalf("seed budget: %v", err)
	}
	seedCost(t, db, wsID, dates.StartOfDayUTC(now), 85)

	e := NewEvaluator(db)
	if err := e.EvaluateBudget(context.Background(), wsID); err != nil {
		t.Fatalf("EvaluateBudget: %v", err)
	}

	// One notification per workspace member.
	if got := notificationCount(t, db, wsID); got != int64(len(userIDs)) {
		t.Errorf("notifications = %d, want %d", got, len(userIDs))
	}

	var n database.Notification
	if err := db.First(&n, "workspace_id = ?", wsID).Error; err != nil {
		t.Fatalf("load notification: %v", err)
	}
	if n.Type != database.AlertBudgetThreshold {
		t.Errorf("type = %s", n.Type)
	}
	if !strings.Contains(n.Title, "85%") {
		t.Errorf("title = %q, want the usage percentage", n.Title)
	}
}

func TestEvaluateBudgetBelowThreshold(t *testing.T) {
	db := setupTestDB(t)
	wsID, _ := seedWorkspace(t, db)
	seedRule(t, db, wsID, database.AlertBudgetThreshold, "{}")

	now := time.Now().UTC()
	if err := db.Create(&database.Budget{
		WorkspaceID: wsID, Month: dates.FormatMonth(now),
		Amount: decimal.NewFromInt(100), Currency: "usd",
	}).Error; err != nil {
		t.Fatalf("seed budget: %v", err)
	}
	seedCost(t, db, wsID, dates.StartOfDayUTC(now), 50)

	e := NewEvaluator(db)
	if err := e.EvaluateBudget(context.Background(), wsID); err != nil {
		t.Fatalf("EvaluateBudget: %v", err)
	}
	if got := notificationCount(t, db, wsID); got != 0 {
		t.Errorf("notifications = %d, want none below the threshold", got)
	}
}

func TestEvaluateBudgetCustomThreshold(t *testing.T) {
	db := setupTestDB(t)
	wsID, _ := seedWorkspace(t, db)
	seedRule(t, db, wsID, database.AlertBudgetThreshold, `{"thresholdPercent": 50}`)

	now := time.Now().UTC()
	if err := db.Create(&database.Budget{
		WorkspaceID: wsID, Month: dates.FormatMonth(now),
		Amount: decimal.NewFromInt(100), Currency: "usd",
	}).Error; err != nil {
		t.Fatalf("seed budget: %v", err)
	}
	seedCost(t, db, wsID, dates.StartOfDayUTC(now), 60)

	e := NewEvaluator(db)
	if err := e.EvaluateBudget(context.Background(), wsID); err != nil {
		t.Fatalf("EvaluateBudget: %v", err)
	}
	if got := notificationCount(t, db, wsID); got == 0 {
		t.Error("custom 50% threshold should have fired at 60% usage")
	}
}

func TestEvaluateBudgetWithoutBudgetIsSilent(t *testing.T) {
	db := setupTestDB(t)
	wsID, _ := seedWorkspace(t, db)
	seedRule(t, db, wsID, database.AlertBudgetThreshold, "{}")
	seedCost(t, db, wsID, dates.StartOfDayUTC(time.Now().UTC()), 500)

	e := NewEvaluator(db)
	if err := e.EvaluateBudget(context.Background(), wsID); err != nil {
		t.Fatalf("EvaluateBudget: %v", err)
	}
	if got := notificationCount(t, db, wsID); got != 0 {
		t.Errorf("notifications = %d, want none without a budget", got)
	}
}

func TestEvaluateCostSpike(t *testing.T) {
	db := setupTestDB(t)
	wsID, _ := seedWorkspace(t, db)
	seedRule(t, db, wsID, database.AlertCostSpike, "{}")

	today := dates.StartOfDayUTC(time.Now().UTC())
	for i := 1; i <= 3; i++ {
		seedCost(t, db, wsID, today.AddDate(0, 0, -i), 1)
	}
	seedCost(t, db, wsID, today, 5)

	e := NewEvaluator(db)
	if err := e.EvaluateCostSpike(context.Background(), wsID); err != nil {
		t.Fatalf("EvaluateCostSpike: %v", err)
	}
	if got := notificationCount(t, db, wsID); got == 0 {
		t.Error("5x the trailing average should trip the default 2x multiplier")
	}

	var n database.Notification
	if err := db.First(&n, "workspace_id = ?", wsID).Error; err != nil {
		t.Fatalf("load notification: %v", err)
	}
	if !strings.Contains(n.Title, "5.0x") {
		t.Errorf("title = %q, want the spike ratio", n.Title)
	}
}

func TestEvaluateCostSpikeNeedsHistory(t *testing.T) {
	db := setupTestDB(t)
	wsID, _ := seedWorkspace(t, db)
	seedRule(t, db, wsID, database.AlertCostSpike, "{}")

	// Only today's data point; no baseline to compare against.
	seedCost(t, db, wsID, dates.StartOfDayUTC(time.Now().UTC()), 100)

	e := NewEvaluator(db)
	if err := e.EvaluateCostSpike(context.Background(), wsID); err != nil {
		t.Fatalf("EvaluateCostSpike: %v", err)
	}
	if got := notificationCount(t, db, wsID); got != 0 {
		t.Errorf("notifications = %d, want none with a single data point", got)
	}
}

func TestEvaluateCostSpikeCustomMultiplier(t *testing.T) {
	db := setupTestDB(t)
	wsID, _ := seedWorkspace(t, db)
	seedRule(t, db, wsID, database.AlertCostSpike, `{"spikeMultiplier": 10}`)

	today := dates.StartOfDayUTC(time.Now().UTC())
	seedCost(t, db, wsID, today.AddDate(0, 0, -1), 1)
	seedCost(t, db, wsID, today, 5)

	e := NewEvaluator(db)
	if err := e.EvaluateCostSpike(context.Background(), wsID); err != nil {
		t.Fatalf("EvaluateCostSpike: %v", err)
	}
	if got := notificationCount(t, db, wsID); got != 0 {
		t.Errorf("notifications = %d, 5x should not trip a 10x multiplier", got)
	}
}

func TestEvaluateConnectionTransitions(t *testing.T) {
	db := setupTestDB(t)
	wsID, _ := seedWorkspace(t, db)
	seedRule(t, db, wsID, database.AlertConnection, "{}")
	e := NewEvaluator(db)
	ctx := context.Background()

	// Unchanged status and recovery are silent.
	if err := e.EvaluateConnection(ctx, wsID, "openai", database.StatusDegraded, database.StatusDegraded); err != nil {
		t.Fatalf("EvaluateConnection: %v", err)
	}
	if err := e.EvaluateConnection(ctx, wsID, "openai", database.StatusDegraded, database.StatusOK); err != nil {
		t.Fatalf("EvaluateConnection: %v", err)
	}
	if got := notificationCount(t, db, wsID); got != 0 {
		t.Errorf("notifications = %d, want none yet", got)
	}

	if err := e.EvaluateConnection(ctx, wsID, "openai", database.StatusOK, database.StatusDegraded); err != nil {
		t.Fatalf("EvaluateConnection: %v", err)
	}
	if got := notificationCount(t, db, wsID); got == 0 {
		t.Error("transition into DEGRADED should notify")
	}
}

func TestEvaluateConnectionDisabledRule(t *testing.T) {
	db := setupTestDB(t)
	wsID, _ := seedWorkspace(t, db)
	rule := seedRule(t, db, wsID, database.AlertConnection, "{}")
	if err := db.Model(&rule).Update("enabled", false).Error; err != nil {
		t.Fatalf("disable rule: %v", err)
	}

	e := NewEvaluator(db)
	if err := e.EvaluateConnection(context.Background(), wsID, "openai", database.StatusOK, database.StatusDegraded); err != nil {
		t.Fatalf("EvaluateConnection: %v", err)
	}
	if got := notificationCount(t, db, wsID); got != 0 {
		t.Errorf("notifications = %d, disabled rules must not fire", got)
	}
}

func TestWebhookChannelDelivery(t *testing.T) {
	db := setupTestDB(t)
	wsID, _ := seedWorkspace(t, db)

	var received webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("Content-Type = %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode payload: %v", err)
		}
	}))
	defer srv.Close()

	rule := database.AlertRule{
		ID:          uuid.NewString(),
		WorkspaceID: wsID,
		Type:        database.AlertConnection,
		Channel:     database.ChannelWebhook,
		WebhookURL:  srv.URL,
		Enabled:     true,
	}
	if err := db.Create(&rule).Error; err != nil {
		t.Fatalf("seed rule: %v", err)
	}

	e := NewEvaluator(db)
	if err := e.EvaluateConnection(context.Background(), wsID, "anthropic", database.StatusOK, database.StatusDegraded); err != nil {
		t.Fatalf("EvaluateConnection: %v", err)
	}

	if received.AlertRuleID != rule.ID || received.WorkspaceID != wsID {
		t.Errorf("payload = %+v", received)
	}
	if received.Type != database.AlertConnection {
		t.Errorf("payload type = %s", received.Type)
	}
	if received.Timestamp == "" {
		t.Error("payload timestamp missing")
	}
	// Webhook rules never write in-app notifications.
	if got := notificationCount(t, db, wsID); got != 0 {
		t.Errorf("notifications = %d, want none for a webhook rule", got)
	}
}

func TestWebhookSenderRetriesOnce(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, "try again", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := &WebhookSender{}
	if ok := s.Send(context.Background(), srv.URL, map[string]string{"hello": "world"}); !ok {
		t.Error("second attempt succeeded, Send should report delivery")
	}
	if calls != 2 {
		t.Errorf("calls = %d, want a single retry", calls)
	}
}

func TestWebhookSenderGivesUp(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "no", http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := &WebhookSender{}
	if ok := s.Send(context.Background(), srv.URL, map[string]string{"hello": "world"}); ok {
		t.Error("Send should report failure after exhausting retries")
	}
	if calls != 2 {
		t.Errorf("calls = %d, want initial attempt plus one retry", calls)
	}
}
