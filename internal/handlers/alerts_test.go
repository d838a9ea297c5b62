package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/gogeangs/tokenboard/internal/database"
)

func newAlertRouter() http.Handler {
	r := chi.NewRouter()
	r.Post("/api/v1/alerts", CreateAlertRule)
	r.Patch("/api/v1/alerts/{id}", UpdateAlertRule)
	r.Delete("/api/v1/alerts/{id}", DeleteAlertRule)
	return r
}

func TestCreateAlertRule(t *testing.T) {
	db := setupTest(t)
	user, wsID := seedUserInWorkspace(t, db, "admin")

	rec := httptest.NewRecorder()
	CreateAlertRule(rec, jsonRequest(t, http.MethodPost, "/api/v1/alerts", map[string]interface{}{
		"workspaceId": wsID,
		"type":        database.AlertBudgetThreshold,
		"channel":     database.ChannelInApp,
		"config":      map[string]float64{"thresholdPercent": 90},
	}, user))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}

	var rule database.AlertRule
	if err := db.First(&rule, "workspace_id = ?", wsID).Error; err != nil {
		t.Fatalf("load rule: %v", err)
	}
	if rule.Type != database.AlertBudgetThreshold || !rule.Enabled {
		t.Errorf("rule = %+v", rule)
	}
	if rule.Config != `{"thresholdPercent":90}` {
		t.Errorf("config = %q", rule.Config)
	}
	if rule.ID == "" {
		t.Error("rule id not assigned")
	}
}

func TestCreateAlertRuleWebhookRequiresURL(t *testing.T) {
	db := setupTest(t)
	user, wsID := seedUserInWorkspace(t, db, "admin")

	rec := httptest.NewRecorder()
	CreateAlertRule(rec, jsonRequest(t, http.MethodPost, "/api/v1/alerts", map[string]interface{}{
		"workspaceId": wsID,
		"type":        database.AlertCostSpike,
		"channel":     database.ChannelWebhook,
	}, user))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := decodeBody(t, rec)["detail"]; got != "webhookUrl is required for WEBHOOK channel" {
		t.Errorf("detail = %v", got)
	}
}

func TestCreateAlertRuleRejectsUnknownType(t *testing.T) {
	db := setupTest(t)
	user, wsID := seedUserInWorkspace(t, db, "admin")

	rec := httptest.NewRecorder()
	CreateAlertRule(rec, jsonRequest(t, http.MethodPost, "/api/v1/alerts", map[string]interface{}{
		"workspaceId": wsID,
		"type":        "DISK_FULL",
		"channel":     database.ChannelInApp,
	}, user))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestUpdateAlertRulePartial(t *testing.T) {
	db := setupTest(t)
	user, wsID := seedUserInWorkspace(t, db, "admin")

	rule := database.AlertRule{
		ID: "rule-1", WorkspaceID: wsID,
		Type: database.AlertCostSpike, Channel: database.ChannelInApp,
		Config: `{"spikeMultiplier":2}`, Enabled: true,
	}
	if err := db.Create(&rule).Error; err != nil {
		t.Fatalf("seed rule: %v", err)
	}

	router := newAlertRouter()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, jsonRequest(t, http.MethodPatch, "/api/v1/alerts/rule-1",
		map[string]interface{}{"enabled": false}, user))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}

	var got database.AlertRule
	if err := db.First(&got, "id = ?", "rule-1").Error; err != nil {
		t.Fatalf("reload rule: %v", err)
	}
	if got.Enabled {
		t.Error("rule should be disabled")
	}
	// Untouched fields survive a partial update.
	if got.Config != `{"spikeMultiplier":2}` || got.Channel != database.ChannelInApp {
		t.Errorf("rule = %+v", got)
	}
}

func TestDeleteAlertRule(t *testing.T) {
	db := setupTest(t)
	user, wsID := seedUserInWorkspace(t, db, "admin")

	rule := database.AlertRule{
		ID: "rule-1", WorkspaceID: wsID,
		Type: database.AlertConnection, Channel: database.ChannelInApp, Enabled: true,
	}
	if err := db.Create(&rule).Error; err != nil {
		t.Fatalf("seed rule: %v", err)
	}

	router := newAlertRouter()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, jsonRequest(t, http.MethodDelete, "/api/v1/alerts/rule-1", nil, user))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}

	var count int64
	db.Model(&database.AlertRule{}).Where("id = ?", "rule-1").Count(&count)
	if count != 0 {
		t.Error("rule not deleted")
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, jsonRequest(t, http.MethodDelete, "/api/v1/alerts/rule-1", nil, user))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 on a deleted rule", rec.Code)
	}
}

func TestAlertRuleAdminScopedToItsWorkspace(t *testing.T) {
	db := setupTest(t)
	_, wsID := seedUserInWorkspace(t, db, "admin")
	outsider, _ := seedUserInWorkspace(t, db, "admin")

	rule := database.AlertRule{
		ID: "rule-1", WorkspaceID: wsID,
		Type: database.AlertConnection, Channel: database.ChannelInApp, Enabled: true,
	}
	if err := db.Create(&rule).Error; err != nil {
		t.Fatalf("seed rule: %v", err)
	}

	// Admin of a different workspace cannot touch this rule.
	router := newAlertRouter()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, jsonRequest(t, http.MethodDelete, "/api/v1/alerts/rule-1", nil, outsider))
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}
