// Package forecast projects month-end spend from the cost ledger using
// a linear regression over the trailing 60 days of per-day totals.
package forecast

import (
	"math"
	"time"

	"github.com/gogeangs/tokenboard/internal/database"
	"github.com/gogeangs/tokenboard/internal/dates"
	"github.com/gogeangs/tokenboard/internal/ledger"
	"gorm.io/gorm"
)

type Point struct {
	X float64
	Y float64
}

// LinearRegression fits y = slope*x + intercept by least squares.
// Degenerate inputs fall back to a flat line.
func LinearRegression(points []Point) (slope, intercept float64) {
	n := float64(len(points))
	if len(points) < 2 {
		if len(points) == 1 {
			return 0, points[0].Y
		}
		return 0, 0
	}

	var sumX, sumY, sumXY, sumXX float64
	for _, p := range points {
		sumX += p.X
		sumY += p.Y
		sumXY += p.X * p.Y
		sumXX += p.X * p.X
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, sumY / n
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept = (sumY - slope*sumX) / n
	return slope, intercept
}

// MovingAverage returns the trailing-window mean at every index.
func MovingAverage(values []float64, window int) []float64 {
	if len(values) == 0 {
		return nil
	}
	result := make([]float64, len(values))
	for i := range values {
		start := i - window + 1
		if start < 0 {
			start = 0
		}
		var sum float64
		for _, v := range values[start : i+1] {
			sum += v
		}
		result[i] = sum / float64(i+1-start)
	}
	return result
}

type DailyForecast struct {
	Date  string  `json:"date"`
	Value float64 `json:"value"`
}

type Result struct {
	PredictedMonthEnd    float64         `json:"predicted_month_end"`
	DailyForecasts       []DailyForecast `json:"daily_forecasts"`
	BudgetExhaustionDate *string         `json:"budget_exhaustion_date"`
	CurrentSpend         float64         `json:"current_spend"`
	DaysElapsed          int             `json:"days_elapsed"`
	DaysRemaining        int             `json:"days_remaining"`
}

// Compute forecasts the given workspace's spend through the end of the
// given month, plus the projected budget exhaustion date when a budget
// exists and spend is growing.
func Compute(db *gorm.DB, workspaceID, month string) (Result, error) {
	monthStart, monthEndExclusive, err := dates.MonthRange(month)
	if err != nil {
		return Result{}, err
	}
	lastDay := monthEndExclusive.AddDate(0, 0, -1).Day()

	now := time.Now().UTC()
	todayDate := now.Day()

	daysElapsed := todayDate
	if daysElapsed > lastDay {
		daysElapsed = lastDay
	}
	daysRemaining := lastDay - daysElapsed
	if daysRemaining < 0 {
		daysRemaining = 0
	}

	sixtyDaysAgo := dates.StartOfDayUTC(now).AddDate(0, 0, -60)
	totals, err := ledger.DailyCostTotals(db, workspaceID, sixtyDaysAgo, dates.StartOfDayUTC(now))
	if err != nil {
		return Result{}, err
	}

	points := make([]Point, len(totals))
	var currentSpend float64
	for i, t := range totals {
		points[i] = Point{X: float64(i), Y: t.Total.InexactFloat64()}
		if !t.Date.Before(monthStart) && t.Date.Before(monthEndExclusive) {
			currentSpend += t.Total.InexactFloat64()
		}
	}

	slope, intercept := LinearRegression(points)
	nextIndex := float64(len(points))

	forecasts := make([]DailyForecast, 0, daysRemaining)
	forecastAccum := currentSpend
	for d := 1; d <= daysRemaining; d++ {
		futureDate := time.Date(monthStart.Year(), monthStart.Month(), daysElapsed+d, 0, 0, 0, 0, time.UTC)
		predictedDaily := intercept + slope*(nextIndex+float64(d)-1)
		if predictedDaily < 0 {
			predictedDaily = 0
		}
		forecastAccum += predictedDaily
		forecasts = append(forecasts, DailyForecast{
			Date:  futureDate.Format("2006-01-02"),
			Value: round2(forecastAccum),
		})
	}

	result := Result{
		PredictedMonthEnd: round2(forecastAccum),
		DailyForecasts:    forecasts,
		CurrentSpend:      round2(currentSpend),
		DaysElapsed:       daysElapsed,
		DaysRemaining:     daysRemaining,
	}

	var budget database.Budget
	err = db.Where("workspace_id = ? AND month = ?", workspaceID, month).First(&budget).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return result, nil
		}
		return Result{}, err
	}

	if slope > 0 && len(points) > 0 {
		avgDaily := intercept + slope*(nextIndex-1)
		if avgDaily > 0 {
			budgetLeft := budget.Amount.InexactFloat64() - currentSpend
			if budgetLeft > 0 {
				daysUntil := int(math.Ceil(budgetLeft / avgDaily))
				exhaustion := time.Date(monthStart.Year(), monthStart.Month(), daysElapsed+daysUntil, 0, 0, 0, 0, time.UTC).
					Format("2006-01-02")
				result.BudgetExhaustionDate = &exhaustion
			} else {
				today := now.Format("2006-01-02")
				result.BudgetExhaustionDate = &today
			}
		}
	}

	return result, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
