package database

import (
	"time"

	"github.com/shopspring/decimal"
)

// Connection status values. Connections always re-enter OK after a
// successful sync; there is no terminal state.
const (
	StatusOK           = "OK"
	StatusDegraded     = "DEGRADED"
	StatusDisconnected = "DISCONNECTED"
)

// OpenAI connection modes.
const (
	ModeOrganization = "ORGANIZATION"
	ModePersonal     = "PERSONAL"
)

// Alert rule types and channels.
const (
	AlertBudgetThreshold = "BUDGET_THRESHOLD"
	AlertCostSpike       = "COST_SPIKE"
	AlertConnection      = "CONNECTION_STATUS"

	ChannelInApp   = "IN_APP"
	ChannelWebhook = "WEBHOOK"
)

// Synthetic dimension values for OpenAI personal-mode credit estimates.
const (
	PersonalProjectID = "__personal__"
	PersonalLineItem  = "credit_estimate"
)

type User struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Email        string    `gorm:"uniqueIndex;not null;size:254" json:"email"`
	PasswordHash string    `gorm:"not null" json:"-"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type Workspace struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	DisplayName string    `gorm:"not null" json:"display_name"`
	Slug        string    `gorm:"uniqueIndex;not null;size:64" json:"slug"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

type WorkspaceMember struct {
	WorkspaceID string `gorm:"primaryKey;size:36" json:"workspace_id"`
	UserID      uint   `gorm:"primaryKey" json:"user_id"`
	Role        string `gorm:"not null;default:member" json:"role"` // owner, admin, member
}

// DailyCost is one ledger row per (workspace, UTC day, project, line item).
// Re-syncs overwrite value/currency for the same key, never duplicate.
type DailyCost struct {
	ID          uint            `gorm:"primaryKey;autoIncrement" json:"id"`
	WorkspaceID string          `gorm:"not null;size:36;uniqueIndex:idx_cost_key" json:"workspace_id"`
	Date        time.Time       `gorm:"not null;uniqueIndex:idx_cost_key" json:"date"`
	ProjectID   string          `gorm:"not null;default:'';uniqueIndex:idx_cost_key" json:"project_id"`
	LineItem    string          `gorm:"not null;default:'';uniqueIndex:idx_cost_key" json:"line_item"`
	Currency    string          `gorm:"not null;default:usd;size:8" json:"currency"`
	Value       decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"value"`
}

// DailyUsageCompletions is one ledger row per the 7-dimension usage key.
// Token counts are int64: the upstream APIs report counts past 2^53,
// which is why these are not plain JSON numbers anywhere.
type DailyUsageCompletions struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	WorkspaceID  string    `gorm:"not null;size:36;uniqueIndex:idx_usage_key" json:"workspace_id"`
	Date         time.Time `gorm:"not null;uniqueIndex:idx_usage_key" json:"date"`
	ProjectID    string    `gorm:"not null;default:'';uniqueIndex:idx_usage_key" json:"project_id"`
	UserID       string    `gorm:"not null;default:'';uniqueIndex:idx_usage_key" json:"user_id"`
	APIKeyID     string    `gorm:"not null;default:'';uniqueIndex:idx_usage_key" json:"api_key_id"`
	Model        string    `gorm:"not null;default:'';uniqueIndex:idx_usage_key" json:"model"`
	Batch        string    `gorm:"not null;default:'';uniqueIndex:idx_usage_key" json:"batch"`
	ServiceTier  string    `gorm:"not null;default:'';uniqueIndex:idx_usage_key" json:"service_tier"`
	InputTokens  int64     `gorm:"not null;default:0" json:"input_tokens"`
	OutputTokens int64     `gorm:"not null;default:0" json:"output_tokens"`
	TotalTokens  int64     `gorm:"not null;default:0" json:"total_tokens"`
}

type OpenAIConnection struct {
	WorkspaceID string `gorm:"primaryKey;size:36" json:"workspace_id"`
	AdminKeyEnc string `gorm:"not null" json:"-"`
	Mode        string `gorm:"not null;default:ORGANIZATION" json:"mode"`

	// Credit snapshot for PERSONAL mode: the last observed cumulative
	// total_used, used to derive daily spend deltas.
	CreditTotalGranted decimal.Decimal `gorm:"type:decimal(20,8);not null;default:0" json:"credit_total_granted"`
	CreditTotalUsed    decimal.Decimal `gorm:"type:decimal(20,8);not null;default:0" json:"credit_total_used"`

	Status     string     `gorm:"not null;default:DISCONNECTED" json:"status"`
	LastSyncAt *time.Time `json:"last_sync_at"`
	LastError  *string    `gorm:"size:400" json:"last_error"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type AnthropicConnection struct {
	WorkspaceID string     `gorm:"primaryKey;size:36" json:"workspace_id"`
	AdminKeyEnc string     `gorm:"not null" json:"-"`
	Status      string     `gorm:"not null;default:DISCONNECTED" json:"status"`
	LastSyncAt  *time.Time `json:"last_sync_at"`
	LastError   *string    `gorm:"size:400" json:"last_error"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type VertexConnection struct {
	WorkspaceID       string     `gorm:"primaryKey;size:36" json:"workspace_id"`
	ServiceAccountEnc string     `gorm:"not null" json:"-"`
	BillingAccountID  string     `gorm:"not null" json:"billing_account_id"`
	Region            string     `gorm:"not null;default:us-central1" json:"region"`
	Status            string     `gorm:"not null;default:DISCONNECTED" json:"status"`
	LastSyncAt        *time.Time `json:"last_sync_at"`
	LastError         *string    `gorm:"size:400" json:"last_error"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type BedrockConnection struct {
	WorkspaceID  string     `gorm:"primaryKey;size:36" json:"workspace_id"`
	AccessKeyEnc string     `gorm:"not null" json:"-"`
	SecretKeyEnc string     `gorm:"not null" json:"-"`
	Region       string     `gorm:"not null;default:us-east-1" json:"region"`
	Status       string     `gorm:"not null;default:DISCONNECTED" json:"status"`
	LastSyncAt   *time.Time `json:"last_sync_at"`
	LastError    *string    `gorm:"size:400" json:"last_error"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type Budget struct {
	ID          uint            `gorm:"primaryKey;autoIncrement" json:"id"`
	WorkspaceID string          `gorm:"not null;size:36;uniqueIndex:idx_budget_month" json:"workspace_id"`
	Month       string          `gorm:"not null;size:7;uniqueIndex:idx_budget_month" json:"month"` // "2024-02"
	Amount      decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"amount"`
	Currency    string          `gorm:"not null;default:usd;size:8" json:"currency"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type AlertRule struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	WorkspaceID string    `gorm:"not null;size:36;index" json:"workspace_id"`
	Type        string    `gorm:"not null" json:"type"`
	Channel     string    `gorm:"not null;default:IN_APP" json:"channel"`
	WebhookURL  string    `gorm:"default:''" json:"webhook_url"`
	Config      string    `gorm:"not null;default:'{}'" json:"config"` // JSON: {"thresholdPercent":80} or {"spikeMultiplier":2}
	Enabled     bool      `gorm:"not null;default:true" json:"enabled"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

type Notification struct {
	ID          uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID      uint       `gorm:"not null;index" json:"user_id"`
	WorkspaceID string     `gorm:"not null;size:36" json:"workspace_id"`
	Title       string     `gorm:"not null" json:"title"`
	Body        string     `gorm:"not null" json:"body"`
	Type        string     `gorm:"not null" json:"type"`
	ReadAt      *time.Time `json:"read_at"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
}
