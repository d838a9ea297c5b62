package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gogeangs/tokenboard/internal/database"
	"gorm.io/gorm"
)

func ListNotifications(w http.ResponseWriter, r *http.Request) {
	user := requireUser(w, r)
	if user == nil {
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}

	var rows []database.Notification
	if err := database.DB.Where("user_id = ?", user.ID).
		Order("created_at desc").Limit(limit).Find(&rows).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	var unreadCount int64
	if err := database.DB.Model(&database.Notification{}).
		Where("user_id = ? AND read_at IS NULL", user.ID).Count(&unreadCount).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	// Workspace display names for the notification list, one query.
	wsNames := map[string]string{}
	wsIDs := make([]string, 0, len(rows))
	for _, n := range rows {
		if _, seen := wsNames[n.WorkspaceID]; !seen {
			wsNames[n.WorkspaceID] = ""
			wsIDs = append(wsIDs, n.WorkspaceID)
		}
	}
	if len(wsIDs) > 0 {
		var workspaces []database.Workspace
		if err := database.DB.Where("id IN ?", wsIDs).Find(&workspaces).Error; err == nil {
			for _, ws := range workspaces {
				wsNames[ws.ID] = ws.DisplayName
			}
		}
	}

	type item struct {
		ID            uint   `json:"id"`
		Title         string `json:"title"`
		Body          string `json:"body"`
		Type          string `json:"type"`
		Read          bool   `json:"read"`
		WorkspaceName string `json:"workspaceName"`
		CreatedAt     string `json:"createdAt"`
	}
	items := make([]item, 0, len(rows))
	for _, n := range rows {
		items = append(items, item{
			ID:            n.ID,
			Title:         n.Title,
			Body:          n.Body,
			Type:          n.Type,
			Read:          n.ReadAt != nil,
			WorkspaceName: wsNames[n.WorkspaceID],
			CreatedAt:     n.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"notifications": items,
		"unreadCount":   unreadCount,
	})
}

func MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	user := requireUser(w, r)
	if user == nil {
		return
	}

	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}

	var n database.Notification
	if err := database.DB.First(&n, id).Error; err != nil || n.UserID != user.ID {
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusInternalServerError, "Internal error")
			return
		}
		writeError(w, http.StatusNotFound, "Not found")
		return
	}

	now := time.Now().UTC()
	if err := database.DB.Model(&n).Update("read_at", now).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func MarkAllNotificationsRead(w http.ResponseWriter, r *http.Request) {
	user := requireUser(w, r)
	if user == nil {
		return
	}

	now := time.Now().UTC()
	if err := database.DB.Model(&database.Notification{}).
		Where("user_id = ? AND read_at IS NULL", user.ID).
		Update("read_at", now).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}
