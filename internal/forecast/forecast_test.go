package forecast

import (
	"math"
	"testing"
	"time"

	"github.com/gogeangs/tokenboard/internal/database"
	"github.com/gogeangs/tokenboard/internal/dates"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestLinearRegressionPerfectLine(t *testing.T) {
	// y = 2x + 1
	points := []Point{{0, 1}, {1, 3}, {2, 5}, {3, 7}}
	slope, intercept := LinearRegression(points)
	if !almostEqual(slope, 2) || !almostEqual(intercept, 1) {
		t.Errorf("got slope=%v intercept=%v, want 2 and 1", slope, intercept)
	}
}

func TestLinearRegressionDegenerate(t *testing.T) {
	slope, intercept := LinearRegression(nil)
	if slope != 0 || intercept != 0 {
		t.Errorf("empty input: got %v, %v", slope, intercept)
	}

	slope, intercept = LinearRegression([]Point{{5, 42}})
	if slope != 0 || !almostEqual(intercept, 42) {
		t.Errorf("single point: got %v, %v", slope, intercept)
	}

	// All points share one x; fall back to the mean.
	slope, intercept = LinearRegression([]Point{{1, 10}, {1, 20}})
	if slope != 0 || !almostEqual(intercept, 15) {
		t.Errorf("vertical points: got %v, %v", slope, intercept)
	}
}

func TestMovingAverage(t *testing.T) {
	got := MovingAverage([]float64{1, 2, 3, 4, 5}, 3)
	want := []float64{1, 1.5, 2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if !almostEqual(got[i], want[i]) {
			t.Errorf("index %d: got %v, want %v", i, got[i], want[i])
		}
	}
	if MovingAverage(nil, 3) != nil {
		t.Error("empty input should return nil")
	}
}

func TestComputeEmptyLedger(t *testing.T) {
	db := setupTestDB(t)
	month := dates.FormatMonth(time.Now().UTC())

	result, err := Compute(db, "ws-1", month)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if result.CurrentSpend != 0 || result.PredictedMonthEnd != 0 {
		t.Errorf("empty ledger: spend=%v predicted=%v", result.CurrentSpend, result.PredictedMonthEnd)
	}
	if result.BudgetExhaustionDate != nil {
		t.Error("no budget configured, exhaustion date should be nil")
	}
	if result.DaysElapsed+result.DaysRemaining < 28 {
		t.Errorf("days elapsed+remaining = %d, want at least 28", result.DaysElapsed+result.DaysRemaining)
	}
}

func TestComputeRejectsBadMonth(t *testing.T) {
	db := setupTestDB(t)
	if _, err := Compute(db, "ws-1", "2024-13"); err == nil {
		t.Error("Compute should reject an invalid month")
	}
}

func TestComputeGrowingSpend(t *testing.T) {
	db := setupTestDB(t)
	now := time.Now().UTC()
	today := dates.StartOfDayUTC(now)
	month := dates.FormatMonth(now)

	// Ten days of steadily growing cost ending today.
	for i := 9; i >= 0; i-- {
		row := database.DailyCost{
			WorkspaceID: "ws-1",
			Date:        today.AddDate(0, 0, -i),
			ProjectID:   "proj",
			LineItem:    "usage",
			Currency:    "usd",
			Value:       decimal.NewFromInt(int64(10 - i)),
		}
		if err := db.Create(&row).Error; err != nil {
			t.Fatalf("seed cost: %v", err)
		}
	}

	result, err := Compute(db, "ws-1", month)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if result.CurrentSpend <= 0 {
		t.Errorf("current spend = %v, want > 0", result.CurrentSpend)
	}
	if result.PredictedMonthEnd < result.CurrentSpend {
		t.Errorf("prediction %v below current spend %v", result.PredictedMonthEnd, result.CurrentSpend)
	}
	if len(result.DailyForecasts) != result.DaysRemaining {
		t.Errorf("daily forecasts = %d, want %d", len(result.DailyForecasts), result.DaysRemaining)
	}
	// Accumulated forecasts never decrease.
	prev := result.CurrentSpend
	for _, f := range result.DailyForecasts {
		if f.Value < prev-1e-9 {
			t.Errorf("forecast for %s dropped from %v to %v", f.Date, prev, f.Value)
		}
		prev = f.Value
	}
}

func TestComputeBudgetExhaustion(t *testing.T) {
	db := setupTestDB(t)
	now := time.Now().UTC()
	today := dates.StartOfDayUTC(now)
	month := dates.FormatMonth(now)

	for i := 9; i >= 0; i-- {
		row := database.DailyCost{
			WorkspaceID: "ws-1",
			Date:        today.AddDate(0, 0, -i),
			ProjectID:   "proj",
			LineItem:    "usage",
			Currency:    "usd",
			Value:       decimal.NewFromInt(int64(10 - i)),
		}
		if err := db.Create(&row).Error; err != nil {
			t.Fatalf("seed cost: %v", err)
		}
	}

	budget := database.Budget{
		WorkspaceID: "ws-1",
		Month:       month,
		Amount:      decimal.NewFromInt(1),
		Currency:    "usd",
	}
	if err := db.Create(&budget).Error; err != nil {
		t.Fatalf("seed budget: %v", err)
	}

	result, err := Compute(db, "ws-1", month)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	// Spend already exceeds the $1 budget, so exhaustion is today.
	if result.BudgetExhaustionDate == nil {
		t.Fatal("exhaustion date should be set")
	}
	if *result.BudgetExhaustionDate != now.Format("2006-01-02") {
		t.Errorf("exhaustion date = %q, want today", *result.BudgetExhaustionDate)
	}
}
