package allocation

import "strings"

// Period is one of the five sub-daily accounting buckets.
type Period int

const (
	P1 Period = iota
	P2
	P3
	P4
	P5
)

// PeriodCount is the number of accounting buckets per record.
const PeriodCount = 5

// PeriodClass tells whether a period is peak or non-peak.
type PeriodClass string

const (
	PeriodPeak    PeriodClass = "peak"
	PeriodNonPeak PeriodClass = "non_peak"
)

var periodNames = [PeriodCount]string{"p1", "p2", "p3", "p4", "p5"}

var (
	peakPeriods    = []Period{P1, P2}
	nonPeakPeriods = []Period{P3, P4, P5}
)

// Periods returns all periods in canonical order.
func Periods() []Period {
	return []Period{P1, P2, P3, P4, P5}
}

// PeakPeriods returns the peak periods in canonical order.
func PeakPeriods() []Period {
	return append([]Period(nil), peakPeriods...)
}

// NonPeakPeriods returns the non-peak periods in canonical order.
func NonPeakPeriods() []Period {
	return append([]Period(nil), nonPeakPeriods...)
}

// Valid reports whether p is one of the five periods.
func (p Period) Valid() bool { return p >= P1 && p <= P5 }

// String returns the symbolic key (p1..p5).
func (p Period) String() string {
	if !p.Valid() {
		return "unknown"
	}
	return periodNames[p]
}

// ParsePeriod resolves a symbolic key such as "p3" or "P3".
func ParsePeriod(value string) (Period, bool) {
	key := strings.ToLower(strings.TrimSpace(value))
	for i, name := range periodNames {
		if name == key {
			return Period(i), true
		}
	}
	return 0, false
}

// IsPeak reports whether units of p may substitute non-peak demand.
func IsPeak(p Period) bool {
	for _, peak := range peakPeriods {
		if p == peak {
			return true
		}
	}
	return false
}

// Classify returns the class of a period. Invalid periods are non-peak.
func Classify(p Period) PeriodClass {
	if IsPeak(p) {
		return PeriodPeak
	}
	return PeriodNonPeak
}
