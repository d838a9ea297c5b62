// Package alerts evaluates budget, cost-spike and connection-status rules
// against the ledger after each sync. Evaluation is best-effort: every
// failure is logged and swallowed, never surfaced to the sync that
// triggered it.
package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/gogeangs/tokenboard/internal/database"
	"github.com/gogeangs/tokenboard/internal/dates"
	"github.com/gogeangs/tokenboard/internal/ledger"
	"gorm.io/gorm"
)

const (
	defaultThresholdPercent = 80.0
	defaultSpikeMultiplier  = 2.0
)

type Evaluator struct {
	db      *gorm.DB
	webhook *WebhookSender
}

func NewEvaluator(db *gorm.DB) *Evaluator {
	return &Evaluator{db: db, webhook: &WebhookSender{}}
}

type ruleConfig struct {
	ThresholdPercent *float64 `json:"thresholdPercent"`
	SpikeMultiplier  *float64 `json:"spikeMultiplier"`
}

func parseConfig(raw string) ruleConfig {
	var cfg ruleConfig
	if raw != "" {
		// Bad JSON just means defaults; rules are user input.
		_ = json.Unmarshal([]byte(raw), &cfg)
	}
	return cfg
}

type webhookPayload struct {
	AlertRuleID string `json:"alertRuleId"`
	WorkspaceID string `json:"workspaceId"`
	Type        string `json:"type"`
	Title       string `json:"title"`
	Body        string `json:"body"`
	Timestamp   string `json:"timestamp"`
}

func (e *Evaluator) fireAlert(ctx context.Context, rule database.AlertRule, title, body string) {
	if rule.Channel == database.ChannelWebhook && rule.WebhookURL != "" {
		e.webhook.Send(ctx, rule.WebhookURL, webhookPayload{
			AlertRuleID: rule.ID,
			WorkspaceID: rule.WorkspaceID,
			Type:        rule.Type,
			Title:       title,
			Body:        body,
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
		})
	}

	if rule.Channel == database.ChannelInApp {
		members, err := database.ListWorkspaceMembers(e.db, rule.WorkspaceID)
		if err != nil {
			log.Printf("[alerts.fire] list members: %v", err)
			return
		}
		for _, m := range members {
			n := database.Notification{
				UserID:      m.UserID,
				WorkspaceID: rule.WorkspaceID,
				Title:       title,
				Body:        body,
				Type:        rule.Type,
			}
			if err := e.db.WithContext(ctx).Create(&n).Error; err != nil {
				log.Printf("[alerts.fire] create notification: %v", err)
			}
		}
	}
}

func (e *Evaluator) enabledRules(workspaceID, ruleType string) ([]database.AlertRule, error) {
	var rules []database.AlertRule
	err := e.db.Where("workspace_id = ? AND type = ? AND enabled = ?", workspaceID, ruleType, true).
		Find(&rules).Error
	return rules, err
}

// EvaluateBudget fires BUDGET_THRESHOLD rules when the current month's
// spend crosses the configured percentage of the month's budget.
func (e *Evaluator) EvaluateBudget(ctx context.Context, workspaceID string) error {
	month := dates.FormatMonth(time.Now())
	start, endExclusive, err := dates.MonthRange(month)
	if err != nil {
		return err
	}

	var budget database.Budget
	if err := e.db.Where("workspace_id = ? AND month = ?", workspaceID, month).First(&budget).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil
		}
		return err
	}

	totalCost, err := ledger.SumCostBetween(e.db, workspaceID, start, endExclusive)
	if err != nil {
		return err
	}

	budgetAmount := budget.Amount.InexactFloat64()
	if budgetAmount <= 0 {
		return nil
	}
	spend := totalCost.InexactFloat64()
	usagePercent := spend / budgetAmount * 100

	rules, err := e.enabledRules(workspaceID, database.AlertBudgetThreshold)
	if err != nil {
		return err
	}
	for _, rule := range rules {
		threshold := defaultThresholdPercent
		if cfg := parseConfig(rule.Config); cfg.ThresholdPercent != nil {
			threshold = *cfg.ThresholdPercent
		}
		if usagePercent >= threshold {
			pct := int(math.Round(usagePercent))
			e.fireAlert(ctx, rule,
				fmt.Sprintf("Budget %d%% used", pct),
				fmt.Sprintf("Monthly spend $%.2f has reached %d%% of your $%.2f budget.", spend, pct, budgetAmount),
			)
		}
	}
	return nil
}

// EvaluateCostSpike fires COST_SPIKE rules when today's cost reaches the
// configured multiple of the trailing 7-day average. Needs at least two
// days of data and a positive average.
func (e *Evaluator) EvaluateCostSpike(ctx context.Context, workspaceID string) error {
	today := dates.StartOfDayUTC(time.Now())
	sevenDaysAgo := today.AddDate(0, 0, -7)

	totals, err := ledger.DailyCostTotals(e.db, workspaceID, sevenDaysAgo, today)
	if err != nil {
		return err
	}
	if len(totals) < 2 {
		return nil
	}

	todayCost := totals[len(totals)-1].Total.InexactFloat64()
	var sum float64
	for _, t := range totals[:len(totals)-1] {
		sum += t.Total.InexactFloat64()
	}
	avgCost := sum / float64(len(totals)-1)
	if avgCost <= 0 {
		return nil
	}

	rules, err := e.enabledRules(workspaceID, database.AlertCostSpike)
	if err != nil {
		return err
	}
	for _, rule := range rules {
		multiplier := defaultSpikeMultiplier
		if cfg := parseConfig(rule.Config); cfg.SpikeMultiplier != nil {
			multiplier = *cfg.SpikeMultiplier
		}
		if todayCost >= avgCost*multiplier {
			ratio := todayCost / avgCost
			e.fireAlert(ctx, rule,
				fmt.Sprintf("Cost spike detected (%.1fx)", ratio),
				fmt.Sprintf("Today's cost $%.2f is %.1fx the 7-day average of $%.2f.", todayCost, ratio, avgCost),
			)
		}
	}
	return nil
}

// EvaluateConnection fires CONNECTION_STATUS rules on real transitions
// into a non-OK state. Unchanged status and recoveries to OK are silent.
func (e *Evaluator) EvaluateConnection(ctx context.Context, workspaceID, provider, previousStatus, newStatus string) error {
	if previousStatus == newStatus || newStatus == database.StatusOK {
		return nil
	}

	rules, err := e.enabledRules(workspaceID, database.AlertConnection)
	if err != nil {
		return err
	}
	for _, rule := range rules {
		e.fireAlert(ctx, rule,
			fmt.Sprintf("%s connection %s", provider, newStatus),
			fmt.Sprintf("%s connection status changed from %s to %s.", provider, previousStatus, newStatus),
		)
	}
	return nil
}
