package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gogeangs/tokenboard/internal/crypto"
	"github.com/gogeangs/tokenboard/internal/database"
	"github.com/gogeangs/tokenboard/internal/ledger"
	"github.com/shopspring/decimal"
	"gorm.io/gorm/clause"
)

// Connect endpoints store encrypted credentials and reset the connection
// to DISCONNECTED; the next sync pass picks it up. Plaintext secrets are
// never echoed back and never logged.

// connectionConflict updates only the named columns on reconnect.
// Columns left out (credit snapshot, last_sync_at) survive a key
// rotation; overwriting the snapshot would make the next personal-mode
// sync replay the whole historical consumption as a fresh delta.
func connectionConflict(columns ...string) clause.OnConflict {
	return clause.OnConflict{
		Columns:   []clause.Column{{Name: "workspace_id"}},
		DoUpdates: clause.AssignmentColumns(columns),
	}
}

func ConnectOpenAI(w http.ResponseWriter, r *http.Request) {
	user := requireUser(w, r)
	if user == nil {
		return
	}

	var body struct {
		WorkspaceID string `json:"workspaceId"`
		AdminKey    string `json:"adminKey"`
		Mode        string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.AdminKey == "" {
		writeError(w, http.StatusBadRequest, "Invalid request")
		return
	}
	if body.Mode == "" {
		body.Mode = database.ModeOrganization
	}
	if body.Mode != database.ModeOrganization && body.Mode != database.ModePersonal {
		writeError(w, http.StatusBadRequest, "Invalid mode")
		return
	}
	if !requireWorkspaceAdmin(w, user, body.WorkspaceID) {
		return
	}

	adminKeyEnc, err := crypto.Encrypt(body.AdminKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Could not save OpenAI connection")
		return
	}

	// Switching between personal and organization invalidates the
	// synthetic credit-estimate rows and the credit snapshot with them.
	updateCols := []string{"admin_key_enc", "mode", "status", "last_error"}
	var existing database.OpenAIConnection
	if err := database.DB.Where("workspace_id = ?", body.WorkspaceID).First(&existing).Error; err == nil {
		if existing.Mode != body.Mode {
			writer := ledger.NewWriter(database.DB)
			if err := writer.PurgePersonalRows(r.Context(), body.WorkspaceID); err != nil {
				writeError(w, http.StatusInternalServerError, "Could not save OpenAI connection")
				return
			}
			updateCols = append(updateCols, "credit_total_granted", "credit_total_used", "last_sync_at")
		}
	}

	conn := database.OpenAIConnection{
		WorkspaceID:        body.WorkspaceID,
		AdminKeyEnc:        adminKeyEnc,
		Mode:               body.Mode,
		CreditTotalGranted: decimal.Zero,
		CreditTotalUsed:    decimal.Zero,
		Status:             database.StatusDisconnected,
		LastSyncAt:         nil,
		LastError:          nil,
	}
	if err := database.DB.Clauses(connectionConflict(updateCols...)).Create(&conn).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Could not save OpenAI connection")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "sync": "queued"})
}

func ConnectAnthropic(w http.ResponseWriter, r *http.Request) {
	user := requireUser(w, r)
	if user == nil {
		return
	}

	var body struct {
		WorkspaceID string `json:"workspaceId"`
		AdminKey    string `json:"adminKey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.AdminKey == "" {
		writeError(w, http.StatusBadRequest, "Invalid request")
		return
	}
	if !requireWorkspaceAdmin(w, user, body.WorkspaceID) {
		return
	}

	adminKeyEnc, err := crypto.Encrypt(body.AdminKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Could not save Anthropic connection")
		return
	}

	conn := database.AnthropicConnection{
		WorkspaceID: body.WorkspaceID,
		AdminKeyEnc: adminKeyEnc,
		Status:      database.StatusDisconnected,
		LastSyncAt:  nil,
		LastError:   nil,
	}
	if err := database.DB.Clauses(connectionConflict("admin_key_enc", "status", "last_error")).Create(&conn).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Could not save Anthropic connection")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "sync": "queued"})
}

func ConnectVertex(w http.ResponseWriter, r *http.Request) {
	user := requireUser(w, r)
	if user == nil {
		return
	}

	var body struct {
		WorkspaceID        string `json:"workspaceId"`
		ServiceAccountJSON string `json:"serviceAccountJson"`
		BillingAccountID   string `json:"billingAccountId"`
		Region             string `json:"region"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ServiceAccountJSON == "" || body.BillingAccountID == "" {
		writeError(w, http.StatusBadRequest, "Invalid request")
		return
	}
	if !requireWorkspaceAdmin(w, user, body.WorkspaceID) {
		return
	}

	var sa struct {
		ClientEmail string `json:"client_email"`
		PrivateKey  string `json:"private_key"`
	}
	if err := json.Unmarshal([]byte(body.ServiceAccountJSON), &sa); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON format for service account")
		return
	}
	if sa.ClientEmail == "" || sa.PrivateKey == "" {
		writeError(w, http.StatusBadRequest, "Service account JSON must contain client_email and private_key")
		return
	}

	serviceAccountEnc, err := crypto.Encrypt(body.ServiceAccountJSON)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Could not save Vertex AI connection")
		return
	}

	region := body.Region
	if region == "" {
		region = "us-central1"
	}

	conn := database.VertexConnection{
		WorkspaceID:       body.WorkspaceID,
		ServiceAccountEnc: serviceAccountEnc,
		BillingAccountID:  body.BillingAccountID,
		Region:            region,
		Status:            database.StatusDisconnected,
		LastSyncAt:        nil,
		LastError:         nil,
	}
	if err := database.DB.Clauses(connectionConflict("service_account_enc", "billing_account_id", "region", "status", "last_error")).Create(&conn).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Could not save Vertex AI connection")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "sync": "queued"})
}

func ConnectBedrock(w http.ResponseWriter, r *http.Request) {
	user := requireUser(w, r)
	if user == nil {
		return
	}

	var body struct {
		WorkspaceID     string `json:"workspaceId"`
		AccessKeyID     string `json:"accessKeyId"`
		SecretAccessKey string `json:"secretAccessKey"`
		Region          string `json:"region"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.AccessKeyID == "" || body.SecretAccessKey == "" {
		writeError(w, http.StatusBadRequest, "Invalid request")
		return
	}
	if !requireWorkspaceAdmin(w, user, body.WorkspaceID) {
		return
	}

	accessKeyEnc, err := crypto.Encrypt(body.AccessKeyID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Could not save Bedrock connection")
		return
	}
	secretKeyEnc, err := crypto.Encrypt(body.SecretAccessKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Could not save Bedrock connection")
		return
	}

	region := body.Region
	if region == "" {
		region = "us-east-1"
	}

	conn := database.BedrockConnection{
		WorkspaceID:  body.WorkspaceID,
		AccessKeyEnc: accessKeyEnc,
		SecretKeyEnc: secretKeyEnc,
		Region:       region,
		Status:       database.StatusDisconnected,
		LastSyncAt:   nil,
		LastError:    nil,
	}
	if err := database.DB.Clauses(connectionConflict("access_key_enc", "secret_key_enc", "region", "status", "last_error")).Create(&conn).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Could not save Bedrock connection")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "sync": "queued"})
}
