package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gogeangs/tokenboard/internal/database"
	"github.com/gogeangs/tokenboard/internal/dates"
	"github.com/shopspring/decimal"
	"gorm.io/gorm/clause"
)

var budgetConflict = clause.OnConflict{
	Columns:   []clause.Column{{Name: "workspace_id"}, {Name: "month"}},
	DoUpdates: clause.AssignmentColumns([]string{"amount", "currency"}),
}

func ListBudgets(w http.ResponseWriter, r *http.Request) {
	user := requireUser(w, r)
	if user == nil {
		return
	}

	workspaceID := r.URL.Query().Get("workspaceId")
	if !requireMembership(w, user, workspaceID) {
		return
	}

	var budgets []database.Budget
	if err := database.DB.Where("workspace_id = ?", workspaceID).
		Order("month desc").Find(&budgets).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"budgets": budgets})
}

// UpsertBudget creates or replaces the workspace's budget for one month.
func UpsertBudget(w http.ResponseWriter, r *http.Request) {
	user := requireUser(w, r)
	if user == nil {
		return
	}

	var body struct {
		WorkspaceID string  `json:"workspaceId"`
		Month       string  `json:"month"`
		Amount      float64 `json:"amount"`
		Currency    string  `json:"currency"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid request")
		return
	}
	if _, _, err := dates.MonthRange(body.Month); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request")
		return
	}
	if !requireWorkspaceAdmin(w, user, body.WorkspaceID) {
		return
	}

	currency := strings.ToLower(body.Currency)
	if currency == "" {
		currency = "usd"
	}

	budget := database.Budget{
		WorkspaceID: body.WorkspaceID,
		Month:       body.Month,
		Amount:      decimal.NewFromFloat(body.Amount),
		Currency:    currency,
	}
	if err := database.DB.Clauses(budgetConflict).Create(&budget).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"budget": budget})
}
