package allocation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyPartitionsAllPeriods(t *testing.T) {
	var peak, nonPeak int
	for _, p := range Periods() {
		class := Classify(p)
		switch class {
		case PeriodPeak:
			peak++
			assert.True(t, IsPeak(p), "period %s", p)
		case PeriodNonPeak:
			nonPeak++
			assert.False(t, IsPeak(p), "period %s", p)
		default:
			t.Fatalf("period %s classified as %q", p, class)
		}
	}
	assert.Equal(t, 2, peak)
	assert.Equal(t, 3, nonPeak)

	seen := map[Period]bool{}
	for _, p := range PeakPeriods() {
		seen[p] = true
	}
	for _, p := range NonPeakPeriods() {
		require.False(t, seen[p], "period %s is both peak and non-peak", p)
		seen[p] = true
	}
	assert.Len(t, seen, PeriodCount)
}

func TestParsePeriod(t *testing.T) {
	p, ok := ParsePeriod(" P4 ")
	require.True(t, ok)
	assert.Equal(t, P4, p)
	assert.Equal(t, "p4", p.String())

	_, ok = ParsePeriod("p6")
	assert.False(t, ok)
	assert.Equal(t, "unknown", Period(9).String())
}
