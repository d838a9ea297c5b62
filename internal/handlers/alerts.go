package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gogeangs/tokenboard/internal/database"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

func validAlertType(t string) bool {
	return t == database.AlertBudgetThreshold || t == database.AlertCostSpike || t == database.AlertConnection
}

func validAlertChannel(c string) bool {
	return c == database.ChannelInApp || c == database.ChannelWebhook
}

func ListAlertRules(w http.ResponseWriter, r *http.Request) {
	user := requireUser(w, r)
	if user == nil {
		return
	}

	workspaceID := r.URL.Query().Get("workspaceId")
	if !requireMembership(w, user, workspaceID) {
		return
	}

	var rules []database.AlertRule
	if err := database.DB.Where("workspace_id = ?", workspaceID).
		Order("created_at desc").Find(&rules).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rules": rules})
}

func CreateAlertRule(w http.ResponseWriter, r *http.Request) {
	user := requireUser(w, r)
	if user == nil {
		return
	}

	var body struct {
		WorkspaceID string          `json:"workspaceId"`
		Type        string          `json:"type"`
		Channel     string          `json:"channel"`
		Config      json.RawMessage `json:"config"`
		WebhookURL  string          `json:"webhookUrl"`
		Enabled     *bool           `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request")
		return
	}
	if !validAlertType(body.Type) || !validAlertChannel(body.Channel) {
		writeError(w, http.StatusBadRequest, "Invalid request")
		return
	}
	if body.Channel == database.ChannelWebhook && body.WebhookURL == "" {
		writeError(w, http.StatusBadRequest, "webhookUrl is required for WEBHOOK channel")
		return
	}
	if !requireWorkspaceAdmin(w, user, body.WorkspaceID) {
		return
	}

	config := "{}"
	if len(body.Config) > 0 {
		if !json.Valid(body.Config) {
			writeError(w, http.StatusBadRequest, "Invalid request")
			return
		}
		config = string(body.Config)
	}
	enabled := true
	if body.Enabled != nil {
		enabled = *body.Enabled
	}

	rule := database.AlertRule{
		ID:          uuid.NewString(),
		WorkspaceID: body.WorkspaceID,
		Type:        body.Type,
		Channel:     body.Channel,
		WebhookURL:  body.WebhookURL,
		Config:      config,
		Enabled:     enabled,
	}
	if err := database.DB.Create(&rule).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"rule": rule})
}

func loadAlertRuleForAdmin(w http.ResponseWriter, r *http.Request, user *database.User) *database.AlertRule {
	id := chi.URLParam(r, "id")
	var rule database.AlertRule
	if err := database.DB.Where("id = ?", id).First(&rule).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "Not found")
		} else {
			writeError(w, http.StatusInternalServerError, "Internal error")
		}
		return nil
	}
	if !requireWorkspaceAdmin(w, user, rule.WorkspaceID) {
		return nil
	}
	return &rule
}

func UpdateAlertRule(w http.ResponseWriter, r *http.Request) {
	user := requireUser(w, r)
	if user == nil {
		return
	}
	rule := loadAlertRuleForAdmin(w, r, user)
	if rule == nil {
		return
	}

	var body struct {
		Channel    *string         `json:"channel"`
		WebhookURL *string         `json:"webhookUrl"`
		Config     json.RawMessage `json:"config"`
		Enabled    *bool           `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request")
		return
	}

	updates := map[string]interface{}{}
	if body.Enabled != nil {
		updates["enabled"] = *body.Enabled
	}
	if body.Channel != nil {
		if !validAlertChannel(*body.Channel) {
			writeError(w, http.StatusBadRequest, "Invalid request")
			return
		}
		updates["channel"] = *body.Channel
	}
	if body.WebhookURL != nil {
		updates["webhook_url"] = *body.WebhookURL
	}
	if len(body.Config) > 0 {
		if !json.Valid(body.Config) {
			writeError(w, http.StatusBadRequest, "Invalid request")
			return
		}
		updates["config"] = string(body.Config)
	}

	if len(updates) > 0 {
		if err := database.DB.Model(rule).Updates(updates).Error; err != nil {
			writeError(w, http.StatusInternalServerError, "Internal error")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rule": rule})
}

func DeleteAlertRule(w http.ResponseWriter, r *http.Request) {
	user := requireUser(w, r)
	if user == nil {
		return
	}
	rule := loadAlertRuleForAdmin(w, r, user)
	if rule == nil {
		return
	}

	if err := database.DB.Delete(rule).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}
