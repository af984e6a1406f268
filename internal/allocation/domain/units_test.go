package allocation

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeNonNegative(t *testing.T) {
	raw := RawBuckets{
		"p1": 10.4,
		"p2": "20.5",
		"p3": -7,
		"p4": "abc",
		"p5": nil,
		"x9": 100,
	}
	got := NormalizeNonNegative(raw)
	assert.Equal(t, Buckets{10, 21, 0, 0, 0}, got)
}

func TestNormalizeSignedKeepsDebits(t *testing.T) {
	raw := RawBuckets{"p1": -12, "p3": json.Number("-2.5"), "p5": int64(4)}
	got := NormalizeSigned(raw)
	assert.Equal(t, Buckets{-12, 0, -2, 0, 4}, got)
}

func TestNormalizeAlwaysFiveBuckets(t *testing.T) {
	assert.Equal(t, Buckets{}, NormalizeNonNegative(nil))
	assert.Equal(t, Buckets{}, NormalizeNonNegative(RawBuckets{"p1": math.NaN(), "p2": math.Inf(1)}))
}

func TestValidateRaw(t *testing.T) {
	require.NoError(t, ValidateRaw("units", RawBuckets{"p1": 1, "p2": "3", "p3": nil}, false))

	err := ValidateRaw("demand", RawBuckets{"p1": "ten"}, false)
	require.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "demand.p1")

	err = ValidateRaw("demand", RawBuckets{"p2": -1}, false)
	require.ErrorIs(t, err, ErrValidation)
	require.NoError(t, ValidateRaw("credited", RawBuckets{"p2": -1}, true))

	err = ValidateRaw("units", RawBuckets{"p7": 1}, false)
	require.ErrorIs(t, err, ErrValidation)
}

func TestOutOfRangeValuesAreRejected(t *testing.T) {
	values := []any{"1e30", "9223372036854775808", 1e19, json.Number("-1e25"), uint64(MaxUnits) + 1}
	for _, v := range values {
		raw := RawBuckets{"p1": v, "p2": 3}
		assert.Equal(t, Buckets{0, 3, 0, 0, 0}, NormalizeSigned(raw), "%v", v)
		assert.Equal(t, Buckets{0, 3, 0, 0, 0}, NormalizeNonNegative(raw), "%v", v)

		err := ValidateRaw("units", raw, true)
		require.ErrorIs(t, err, ErrValidation, "%v", v)
		assert.Contains(t, err.Error(), "units.p1")
	}

	edge := RawBuckets{"p1": int64(MaxUnits)}
	require.NoError(t, ValidateRaw("units", edge, false))
	assert.Equal(t, int64(MaxUnits), NormalizeNonNegative(edge).Get(P1))
}

func TestDuplicatePeriodKeys(t *testing.T) {
	raw := RawBuckets{"p1": 5, "P1": 7}
	err := ValidateRaw("demand", raw, false)
	require.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "demand.p1")

	for i := 0; i < 20; i++ {
		assert.Equal(t, Buckets{5, 0, 0, 0, 0}, NormalizeNonNegative(raw))
	}
}

func TestBucketsJSONIsSparseAndOrdered(t *testing.T) {
	b := Buckets{0, 80, 0, 50, 0}
	data, err := json.Marshal(b)
	require.NoError(t, err)
	assert.JSONEq(t, `{"p2":80,"p4":50}`, string(data))
	assert.Equal(t, `{"p2":80,"p4":50}`, string(data))

	var back Buckets
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, b, back)

	assert.Error(t, json.Unmarshal([]byte(`{"p9":1}`), &back))
}

func TestBucketsArithmetic(t *testing.T) {
	a := Buckets{1, 2, 3, 4, 5}
	b := Buckets{1, 1, 1, 1, 1}
	assert.Equal(t, Buckets{2, 3, 4, 5, 6}, a.Add(b))
	assert.Equal(t, Buckets{0, 1, 2, 3, 4}, a.Sub(b))
	assert.Equal(t, int64(15), a.Total())
	assert.Equal(t, int64(3), a.PeakTotal())
	assert.Equal(t, int64(12), a.NonPeakTotal())
	assert.True(t, a.Sub(a).IsZero())
	assert.True(t, b.Negate().HasNegative())
	assert.Equal(t, "{p1:1 p2:2 p3:3 p4:4 p5:5}", a.String())
}
