package database

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gogeangs/tokenboard/internal/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

func Init() error {
	dbPath := config.Cfg.DatabasePath
	dbDir := filepath.Dir(dbPath)
	if dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	var err error
	DB, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}

	if err := Migrate(DB); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}

	return nil
}

// Migrate runs AutoMigrate for every model. Shared with package tests so
// test schemas cannot drift from the real one.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&User{},
		&Workspace{},
		&WorkspaceMember{},
		&DailyCost{},
		&DailyUsageCompletions{},
		&OpenAIConnection{},
		&AnthropicConnection{},
		&VertexConnection{},
		&BedrockConnection{},
		&Budget{},
		&AlertRule{},
		&Notification{},
	)
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

// User helpers

func GetUserByEmail(email string) (*User, error) {
	var u User
	if err := DB.Where("email = ?", email).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func GetUserByID(id uint) (*User, error) {
	var u User
	if err := DB.First(&u, id).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func CreateUser(user *User) error {
	return DB.Create(user).Error
}

// GetFirstUser returns the oldest account. Used as the implicit identity
// when authentication is disabled for local development.
func GetFirstUser() (*User, error) {
	var u User
	if err := DB.Order("id asc").First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// Workspace membership helpers

func GetMembership(db *gorm.DB, userID uint, workspaceID string) (*WorkspaceMember, error) {
	var m WorkspaceMember
	err := db.Where("user_id = ? AND workspace_id = ?", userID, workspaceID).First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// IsWorkspaceAdmin reports whether the user holds an owner or admin role
// in the workspace.
func IsWorkspaceAdmin(db *gorm.DB, userID uint, workspaceID string) bool {
	m, err := GetMembership(db, userID, workspaceID)
	if err != nil {
		return false
	}
	return m.Role == "owner" || m.Role == "admin"
}

func ListWorkspaceMembers(db *gorm.DB, workspaceID string) ([]WorkspaceMember, error) {
	var members []WorkspaceMember
	if err := db.Where("workspace_id = ?", workspaceID).Find(&members).Error; err != nil {
		return nil, err
	}
	return members, nil
}
