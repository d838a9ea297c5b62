package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gogeangs/tokenboard/internal/logutil"
	"github.com/gogeangs/tokenboard/internal/syncer"
)

// Sync is set from main.go during init.
var Sync *syncer.Syncer

// CronSync runs a full fleet pass. Guarded by the cron-secret
// middleware; reachable as both GET and POST for scheduler convenience.
func CronSync(w http.ResponseWriter, r *http.Request) {
	totals, err := Sync.SyncAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Sync failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"openAI":    map[string]int{"total": totals.OpenAI},
		"anthropic": map[string]int{"total": totals.Anthropic},
		"vertex":    map[string]int{"total": totals.Vertex},
		"bedrock":   map[string]int{"total": totals.Bedrock},
	})
}

// ManualSync syncs every provider of one workspace on demand.
// Per-provider failures are recorded on the connection rows and do not
// fail the request.
func ManualSync(w http.ResponseWriter, r *http.Request) {
	user := requireUser(w, r)
	if user == nil {
		return
	}

	var body struct {
		WorkspaceID string `json:"workspaceId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request")
		return
	}
	if !requireWorkspaceAdmin(w, user, body.WorkspaceID) {
		return
	}

	if err := Sync.SyncWorkspace(r.Context(), body.WorkspaceID); err != nil {
		log.Printf("[handlers.sync] manual sync %s: %v",
			logutil.SanitizeForLog(body.WorkspaceID), logutil.SanitizeForLog(err.Error()))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}
