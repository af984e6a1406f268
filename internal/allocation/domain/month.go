package allocation

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MonthKey is the canonical 6-character accounting month: MM followed by YYYY ("042025").
type MonthKey string

// ParseMonthKey accepts "MMYYYY" or "YYYY-MM" and returns the canonical key.
func ParseMonthKey(value string) (MonthKey, error) {
	s := strings.TrimSpace(value)
	var month, year string
	switch {
	case len(s) == 6 && isDigits(s):
		month, year = s[:2], s[2:]
	case len(s) == 7 && s[4] == '-' && isDigits(s[:4]) && isDigits(s[5:]):
		year, month = s[:4], s[5:]
	default:
		return "", NewValidationError("month", fmt.Sprintf("invalid month %q, want MMYYYY or YYYY-MM", value))
	}
	m, _ := strconv.Atoi(month)
	if m < 1 || m > 12 {
		return "", NewValidationError("month", fmt.Sprintf("invalid month %q", value))
	}
	return MonthKey(month + year), nil
}

// MonthKeyOf builds the key of the month containing t.
func MonthKeyOf(t time.Time) MonthKey {
	return MonthKey(t.UTC().Format("012006"))
}

// String returns the canonical key.
func (k MonthKey) String() string { return string(k) }

// Start returns the first instant of the month in UTC.
func (k MonthKey) Start() (time.Time, error) {
	if _, err := ParseMonthKey(string(k)); err != nil || len(k) != 6 {
		return time.Time{}, NewValidationError("month", fmt.Sprintf("invalid month key %q", string(k)))
	}
	m, _ := strconv.Atoi(string(k[:2]))
	y, _ := strconv.Atoi(string(k[2:]))
	return time.Date(y, time.Month(m), 1, 0, 0, 0, 0, time.UTC), nil
}

// Label renders the key as YYYY-MM.
func (k MonthKey) Label() string {
	if len(k) != 6 {
		return string(k)
	}
	return string(k[2:]) + "-" + string(k[:2])
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
