// Package dates holds the UTC day and month arithmetic the ledger is
// keyed on. Every ledger row lives at UTC midnight of its day.
package dates

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var monthRe = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)

// StartOfDayUTC truncates t to UTC midnight.
func StartOfDayUTC(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// FormatMonth renders t as "YYYY-MM" in UTC.
func FormatMonth(t time.Time) string {
	u := t.UTC()
	return fmt.Sprintf("%04d-%02d", u.Year(), int(u.Month()))
}

// MonthRange returns [start, endExclusive) for a "YYYY-MM" month.
// The exclusive end is the first instant of the following month, so
// leap years need no special handling.
func MonthRange(month string) (start, endExclusive time.Time, err error) {
	if !monthRe.MatchString(month) {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid month format: %q", month)
	}
	parts := strings.SplitN(month, "-", 2)
	year, _ := strconv.Atoi(parts[0])
	mon, _ := strconv.Atoi(parts[1])
	start = time.Date(year, time.Month(mon), 1, 0, 0, 0, 0, time.UTC)
	endExclusive = start.AddDate(0, 1, 0)
	return start, endExclusive, nil
}

// ToUnixSeconds is the epoch-seconds form used by the OpenAI usage APIs.
func ToUnixSeconds(t time.Time) int64 {
	return t.Unix()
}
