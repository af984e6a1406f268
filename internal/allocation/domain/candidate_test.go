package allocation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeCandidateByKind(t *testing.T) {
	c, err := DecodeCandidate([]byte(`{"kind":"allocation","producer_id":"A","consumer_id":"X","month":"2025-04","allocated":{"p2":80,"p4":"50"}}`))
	require.NoError(t, err)
	require.Equal(t, KindAllocation, c.Kind())

	draft, err := c.Draft()
	require.NoError(t, err)
	assert.Equal(t, "allocation#A#042025#X", draft.ID)
	assert.Equal(t, Buckets{0, 80, 0, 50, 0}, draft.Buckets)
	assert.Equal(t, SourceProduction, draft.Source)

	c, err = DecodeCandidate([]byte(`{"kind":"banking","producer_id":"B","month":"042025","credited":{"p1":-10}}`))
	require.NoError(t, err)
	draft, err = c.Draft()
	require.NoError(t, err)
	assert.Equal(t, Buckets{-10, 0, 0, 0, 0}, draft.Buckets)

	_, err = DecodeCandidate([]byte(`{"kind":"refund"}`))
	assert.ErrorIs(t, err, ErrValidation)
	_, err = DecodeCandidate([]byte(`{"producer_id":"A"}`))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCandidateValidation(t *testing.T) {
	cases := []struct {
		name  string
		c     Candidate
		field string
	}{
		{"missing producer", AllocationCandidate{ConsumerID: "X", Month: "042025", Allocated: RawBuckets{"p1": 1}}, "producer_id"},
		{"hash in id", LapseCandidate{ProducerID: "A#1", Month: "042025", Lapsed: RawBuckets{"p1": 1}}, "producer_id"},
		{"bad month", LapseCandidate{ProducerID: "A", Month: "2025-15", Lapsed: RawBuckets{"p1": 1}}, "month"},
		{"negative allocation", AllocationCandidate{ProducerID: "A", ConsumerID: "X", Month: "042025", Allocated: RawBuckets{"p1": -1}}, "allocated.p1"},
		{"zero allocation", AllocationCandidate{ProducerID: "A", ConsumerID: "X", Month: "042025", Allocated: RawBuckets{"p1": 0}}, "allocated"},
		{"bad source", AllocationCandidate{ProducerID: "A", ConsumerID: "X", Month: "042025", Source: "grid", Allocated: RawBuckets{"p1": 1}}, "source"},
		{"self allocation", AllocationCandidate{ProducerID: "A", ConsumerID: "A", Month: "042025", Allocated: RawBuckets{"p1": 1}}, "consumer_id"},
		{"empty banking", BankingCandidate{ProducerID: "B", Month: "042025", Credited: RawBuckets{}}, "credited"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.c.Draft()
			require.ErrorIs(t, err, ErrValidation)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestDecodeCandidatesReportsByIndex(t *testing.T) {
	cs, failed, err := DecodeCandidates([]byte(`[
		{"kind":"lapse","producer_id":"A","month":"042025","lapsed":{"p2":20}},
		{"kind":"nope"}
	]`))
	require.NoError(t, err)
	require.Len(t, cs, 2)
	assert.NotNil(t, cs[0])
	assert.Nil(t, cs[1])
	assert.ErrorIs(t, failed[1], ErrValidation)
}
