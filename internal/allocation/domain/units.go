package allocation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// RawBuckets holds unvalidated per-period values as they arrive from callers
// or upstream imports: numbers, numeric strings or nothing at all.
type RawBuckets map[string]any

// Buckets holds integer units per period in canonical order.
type Buckets [PeriodCount]int64

// MaxUnits is the largest magnitude accepted for one period, so that
// totals across all periods stay within int64.
const MaxUnits = math.MaxInt64 / PeriodCount

var (
	half     = decimal.NewFromFloat(0.5)
	maxUnits = decimal.NewFromInt(MaxUnits)
)

// NormalizeNonNegative coerces raw values to integers, defaulting missing or
// invalid values to zero and clamping negatives to zero.
func NormalizeNonNegative(raw RawBuckets) Buckets {
	b := normalize(raw)
	for i := range b {
		if b[i] < 0 {
			b[i] = 0
		}
	}
	return b
}

// NormalizeSigned coerces raw values like NormalizeNonNegative but keeps
// negative values, which represent debits in banking adjustments.
func NormalizeSigned(raw RawBuckets) Buckets {
	return normalize(raw)
}

// normalize visits keys in sorted order so that "P1" and "p1" in the same
// map resolve the same way every time; the lowercase key wins.
func normalize(raw RawBuckets) Buckets {
	keys := make([]string, 0, len(raw))
	for key := range raw {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b Buckets
	for _, key := range keys {
		p, ok := ParsePeriod(key)
		if !ok {
			continue
		}
		d, ok := coerce(raw[key])
		if !ok || outOfRange(d) {
			continue
		}
		b[p] = roundHalfUp(d)
	}
	return b
}

func outOfRange(d decimal.Decimal) bool {
	return d.Abs().GreaterThan(maxUnits)
}

// ValidateRaw checks raw values strictly: every period key must be known and
// every present value must be numeric. Negatives are rejected unless allowed.
func ValidateRaw(field string, raw RawBuckets, allowNegative bool) error {
	keys := make([]string, 0, len(raw))
	for key := range raw {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	seen := make(map[Period]string, len(raw))
	for _, key := range keys {
		p, ok := ParsePeriod(key)
		if !ok {
			return NewValidationError(field+"."+key, "unknown period")
		}
		if other, dup := seen[p]; dup {
			return NewValidationError(field+"."+key, fmt.Sprintf("duplicates period %q", other))
		}
		seen[p] = key
		value := raw[key]
		if value == nil {
			continue
		}
		d, ok := coerce(value)
		if !ok {
			return NewValidationError(field+"."+key, "non-numeric value")
		}
		if outOfRange(d) {
			return NewValidationError(field+"."+key, fmt.Sprintf("magnitude exceeds %d", MaxUnits))
		}
		if !allowNegative && d.IsNegative() {
			return NewValidationError(field+"."+key, "negative value")
		}
	}
	return nil
}

func coerce(value any) (decimal.Decimal, bool) {
	switch v := value.(type) {
	case nil:
		return decimal.Zero, false
	case int:
		return decimal.NewFromInt(int64(v)), true
	case int32:
		return decimal.NewFromInt(int64(v)), true
	case int64:
		return decimal.NewFromInt(v), true
	case uint:
		return coerce(uint64(v))
	case uint32:
		return decimal.NewFromInt(int64(v)), true
	case uint64:
		if v > math.MaxInt64 {
			return decimal.Zero, false
		}
		return decimal.NewFromInt(int64(v)), true
	case float32:
		return fromFloat(float64(v))
	case float64:
		return fromFloat(v)
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		return d, err == nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return decimal.Zero, false
		}
		d, err := decimal.NewFromString(s)
		return d, err == nil
	case decimal.Decimal:
		return v, true
	default:
		return decimal.Zero, false
	}
}

func fromFloat(v float64) (decimal.Decimal, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return decimal.Zero, false
	}
	return decimal.NewFromFloat(v), true
}

// roundHalfUp rounds towards +Inf on .5, so 2.5 -> 3 and -2.5 -> -2.
func roundHalfUp(d decimal.Decimal) int64 {
	return d.Add(half).Floor().IntPart()
}

// Get returns the units of a period.
func (b Buckets) Get(p Period) int64 {
	if !p.Valid() {
		return 0
	}
	return b[p]
}

// Total sums all periods.
func (b Buckets) Total() int64 {
	var total int64
	for _, v := range b {
		total += v
	}
	return total
}

// PeakTotal sums peak periods.
func (b Buckets) PeakTotal() int64 {
	var total int64
	for _, p := range peakPeriods {
		total += b[p]
	}
	return total
}

// NonPeakTotal sums non-peak periods.
func (b Buckets) NonPeakTotal() int64 {
	var total int64
	for _, p := range nonPeakPeriods {
		total += b[p]
	}
	return total
}

// IsZero reports whether every period is zero.
func (b Buckets) IsZero() bool {
	return b == Buckets{}
}

// HasNegative reports whether any period is below zero.
func (b Buckets) HasNegative() bool {
	for _, v := range b {
		if v < 0 {
			return true
		}
	}
	return false
}

// Add returns b + other.
func (b Buckets) Add(other Buckets) Buckets {
	for i := range b {
		b[i] += other[i]
	}
	return b
}

// Sub returns b - other.
func (b Buckets) Sub(other Buckets) Buckets {
	for i := range b {
		b[i] -= other[i]
	}
	return b
}

// Negate returns -b.
func (b Buckets) Negate() Buckets {
	for i := range b {
		b[i] = -b[i]
	}
	return b
}

// Sparse returns the non-zero periods keyed by symbolic name.
func (b Buckets) Sparse() map[string]int64 {
	out := make(map[string]int64)
	for i, v := range b {
		if v != 0 {
			out[periodNames[i]] = v
		}
	}
	return out
}

// String renders the buckets in canonical order, e.g. "{p2:80 p4:50}".
func (b Buckets) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	first := true
	for i, v := range b {
		if v == 0 {
			continue
		}
		if !first {
			sb.WriteByte(' ')
		}
		first = false
		fmt.Fprintf(&sb, "%s:%d", periodNames[i], v)
	}
	sb.WriteByte('}')
	return sb.String()
}

// MarshalJSON encodes sparse buckets in canonical period order.
func (b Buckets) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	for i, v := range b {
		if v == 0 {
			continue
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		fmt.Fprintf(&buf, "%q:%d", periodNames[i], v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes sparse buckets; absent periods are zero.
func (b *Buckets) UnmarshalJSON(data []byte) error {
	var raw map[string]int64
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var out Buckets
	for key, v := range raw {
		p, ok := ParsePeriod(key)
		if !ok {
			return fmt.Errorf("allocation: unknown period %q", key)
		}
		out[p] = v
	}
	*b = out
	return nil
}

// BucketsOf builds buckets from a sparse period map.
func BucketsOf(values map[Period]int64) Buckets {
	var b Buckets
	for p, v := range values {
		if p.Valid() {
			b[p] = v
		}
	}
	return b
}
