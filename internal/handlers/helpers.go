package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gogeangs/tokenboard/internal/database"
	"github.com/gogeangs/tokenboard/internal/middleware"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func requireUser(w http.ResponseWriter, r *http.Request) *database.User {
	user := middleware.GetUser(r)
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
	}
	return user
}

// requireMembership checks the user belongs to the workspace; any role.
func requireMembership(w http.ResponseWriter, user *database.User, workspaceID string) bool {
	if workspaceID == "" {
		writeError(w, http.StatusBadRequest, "workspaceId required")
		return false
	}
	if _, err := database.GetMembership(database.DB, user.ID, workspaceID); err != nil {
		writeError(w, http.StatusForbidden, "Forbidden")
		return false
	}
	return true
}

// requireWorkspaceAdmin checks for an owner or admin role.
func requireWorkspaceAdmin(w http.ResponseWriter, user *database.User, workspaceID string) bool {
	if workspaceID == "" {
		writeError(w, http.StatusBadRequest, "workspaceId required")
		return false
	}
	if !database.IsWorkspaceAdmin(database.DB, user.ID, workspaceID) {
		writeError(w, http.StatusForbidden, "Forbidden")
		return false
	}
	return true
}
