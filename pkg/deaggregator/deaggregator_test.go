package deaggregator

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssargent/kinesisagg/pkg/aggregator"
	"github.com/ssargent/kinesisagg/pkg/codec"
	"github.com/ssargent/kinesisagg/pkg/envelope"
	"github.com/ssargent/kinesisagg/pkg/metrics"
)

func aggregate(t *testing.T, records ...aggregator.UserRecord) *aggregator.Container {
	t.Helper()
	results := aggregator.New().AddRecords(records, true)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	return results[0].Container
}

func u64(v uint64) *uint64 { return &v }

type countingRecorder struct {
	metrics.Nop
	decodeErrors map[string]int
	deaggregated map[bool]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{decodeErrors: map[string]int{}, deaggregated: map[bool]int{}}
}

func (r *countingRecorder) RecordDecodeError(kind string) { r.decodeErrors[kind]++ }

func (r *countingRecorder) RecordDeaggregated(records int, aggregated bool) {
	r.deaggregated[aggregated] += records
}

func TestDeaggregate_RoundTrip(t *testing.T) {
	c := aggregate(t,
		aggregator.UserRecord{PartitionKey: "aaaaaaaaa", ExplicitHashKey: "ccccccccc", Data: []byte("Testing KPL Aggregated Record 1")},
		aggregator.UserRecord{PartitionKey: "bbbbbbbb", Data: []byte("Testing KPL Aggregated Record 2")},
	)
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	records, err := New().DeaggregateAll(envelope.Record{
		Data:                        c.Data,
		PartitionKey:                c.PartitionKey,
		SequenceNumber:              "49590338271490256608559692538361571095921575989136588898",
		ApproximateArrivalTimestamp: &ts,
	})
	require.NoError(t, err)
	require.Len(t, records, 2)

	for i, r := range records {
		require.NotNil(t, r.SubSequenceNumber)
		assert.Equal(t, i, *r.SubSequenceNumber)
		assert.True(t, r.Aggregated())
		assert.Equal(t, "49590338271490256608559692538361571095921575989136588898", r.SequenceNumber)
		assert.Equal(t, &ts, r.ApproximateArrivalTimestamp)
		assert.Equal(t, fmt.Sprintf("Testing KPL Aggregated Record %d", i+1), string(r.Data))
	}
	assert.Equal(t, "aaaaaaaaa", records[0].PartitionKey)
	assert.Equal(t, "ccccccccc", records[0].ExplicitHashKey)
	assert.Equal(t, "bbbbbbbb", records[1].PartitionKey)
	assert.Empty(t, records[1].ExplicitHashKey)
}

func TestDeaggregate_PassThrough(t *testing.T) {
	rec := envelope.Record{
		Data:            []byte("plain payload"),
		PartitionKey:    "pk",
		ExplicitHashKey: "123",
		SequenceNumber:  "42",
	}

	var got []UserRecord
	err := New().Deaggregate(rec, HandlerFuncs{
		Record: func(u UserRecord) error {
			got = append(got, u)
			return nil
		},
		RecordError: func(e *SubRecordError) {
			t.Fatalf("unexpected sub-record error: %v", e)
		},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)

	assert.Nil(t, got[0].SubSequenceNumber)
	assert.False(t, got[0].Aggregated())
	assert.Equal(t, "pk", got[0].PartitionKey)
	assert.Equal(t, "123", got[0].ExplicitHashKey)
	assert.Equal(t, "42", got[0].SequenceNumber)
	assert.Equal(t, []byte("plain payload"), got[0].Data)
}

func TestDeaggregate_PassThroughShortMagic(t *testing.T) {
	records, err := New().DeaggregateAll(envelope.Record{Data: codec.Magic[:3], PartitionKey: "pk"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, codec.Magic[:3], records[0].Data)
}

func TestDeaggregate_ChecksumMismatch(t *testing.T) {
	c := aggregate(t, aggregator.UserRecord{PartitionKey: "pk", Data: []byte("payload")})
	corrupt := append([]byte(nil), c.Data...)
	corrupt[len(codec.Magic)+2] ^= 0x01

	m := newCountingRecorder()

	emitted := 0
	err := New(WithMetrics(m)).Deaggregate(envelope.Record{Data: corrupt}, HandlerFuncs{
		Record: func(UserRecord) error {
			emitted++
			return nil
		},
	})
	assert.ErrorIs(t, err, codec.ErrChecksumMismatch)
	assert.Zero(t, emitted, "no records may be emitted from a corrupt container")
	assert.Equal(t, 1, m.decodeErrors["checksum_mismatch"])

	records, err := New().DeaggregateAll(envelope.Record{Data: corrupt})
	assert.ErrorIs(t, err, codec.ErrChecksumMismatch)
	assert.Nil(t, records)
}

func TestDeaggregate_VerifyDisabled(t *testing.T) {
	c := aggregate(t, aggregator.UserRecord{PartitionKey: "pk", Data: []byte("payload")})
	corrupt := append([]byte(nil), c.Data...)
	corrupt[len(corrupt)-1] ^= 0xFF

	records, err := New(WithVerifyChecksum(false)).DeaggregateAll(envelope.Record{Data: corrupt})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "payload", string(records[0].Data))
}

func TestDeaggregate_Malformed(t *testing.T) {
	body := []byte{0x0A, 0x05, 'a'} // truncated string
	sum := codec.Checksum(body)
	data := append(append(append([]byte(nil), codec.Magic...), body...), sum[:]...)

	_, err := New().DeaggregateAll(envelope.Record{Data: data})
	assert.ErrorIs(t, err, codec.ErrMalformedContainer)
}

func TestDeaggregate_SubRecordFailures(t *testing.T) {
	data := codec.Encode(&codec.AggregatedRecord{
		PartitionKeyTable:    []string{"pk"},
		ExplicitHashKeyTable: []string{"1"},
		Records: []codec.Record{
			{PartitionKeyIndex: 0, Data: []byte("ok-0")},
			{PartitionKeyIndex: 5, Data: []byte("bad pk")},
			{PartitionKeyIndex: 0, ExplicitHashKeyIndex: u64(9), Data: []byte("bad ehk")},
			{PartitionKeyIndex: 0, ExplicitHashKeyIndex: u64(0), Data: []byte("ok-3")},
		},
	})

	m := newCountingRecorder()

	var (
		good []UserRecord
		bad  []*SubRecordError
	)
	err := New(WithMetrics(m)).Deaggregate(envelope.Record{Data: data, SequenceNumber: "7"}, HandlerFuncs{
		Record: func(u UserRecord) error {
			good = append(good, u)
			return nil
		},
		RecordError: func(e *SubRecordError) {
			bad = append(bad, e)
		},
	})
	require.NoError(t, err, "per-record failures never surface as the completion error")

	require.Len(t, good, 2)
	assert.Equal(t, 0, *good[0].SubSequenceNumber)
	assert.Equal(t, 3, *good[1].SubSequenceNumber)
	assert.Equal(t, "1", good[1].ExplicitHashKey)

	require.Len(t, bad, 2)
	assert.Equal(t, 1, bad[0].SubSequenceNumber)
	assert.Equal(t, 2, bad[1].SubSequenceNumber)
	for _, e := range bad {
		assert.ErrorIs(t, e, ErrPartialDecode)
		assert.ErrorIs(t, e, codec.ErrMalformedContainer)
	}

	assert.Equal(t, 2, m.decodeErrors["sub_record"])
	assert.Equal(t, 2, m.deaggregated[true])

	records, err := New().DeaggregateAll(envelope.Record{Data: data})
	assert.Len(t, records, 2)
	assert.ErrorIs(t, err, ErrPartialDecode)
}

func TestDeaggregate_HandlerError(t *testing.T) {
	c := aggregate(t,
		aggregator.UserRecord{PartitionKey: "a", Data: []byte("1")},
		aggregator.UserRecord{PartitionKey: "b", Data: []byte("2")},
		aggregator.UserRecord{PartitionKey: "c", Data: []byte("3")},
	)
	boom := errors.New("boom")

	tests := []struct {
		name    string
		rec     envelope.Record
		seen    []string
		failSub int
		emitted int
	}{
		{
			name:    "aggregated",
			rec:     envelope.Record{Data: c.Data},
			seen:    []string{"a", "b", "c"},
			failSub: 1,
			emitted: 2,
		},
		{
			name:    "pass-through",
			rec:     envelope.Record{PartitionKey: "b", Data: []byte("plain")},
			seen:    []string{"b"},
			failSub: NoSubSequence,
			emitted: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var (
				seen []string
				bad  []*SubRecordError
			)
			m := newCountingRecorder()
			err := New(WithMetrics(m)).Deaggregate(tt.rec, HandlerFuncs{
				Record: func(u UserRecord) error {
					seen = append(seen, u.PartitionKey)
					if u.PartitionKey == "b" {
						return boom
					}
					return nil
				},
				RecordError: func(e *SubRecordError) { bad = append(bad, e) },
			})
			require.NoError(t, err)
			assert.Equal(t, tt.seen, seen)
			require.Len(t, bad, 1)
			assert.Equal(t, tt.failSub, bad[0].SubSequenceNumber)
			assert.ErrorIs(t, bad[0], boom)
			assert.ErrorIs(t, bad[0], ErrPartialDecode)
			assert.Equal(t, 1, m.decodeErrors["sub_record"])
			assert.Equal(t, tt.emitted, m.deaggregated[true]+m.deaggregated[false])
		})
	}
}

func TestDeaggregateRecords(t *testing.T) {
	good := aggregate(t,
		aggregator.UserRecord{PartitionKey: "a", Data: []byte("1")},
		aggregator.UserRecord{PartitionKey: "b", Data: []byte("2")},
	)
	corrupt := append([]byte(nil), good.Data...)
	corrupt[len(corrupt)-1] ^= 0x01

	records, err := New().DeaggregateRecords([]envelope.Record{
		{Data: good.Data, SequenceNumber: "1"},
		{Data: corrupt, SequenceNumber: "2"},
		{Data: []byte("plain"), PartitionKey: "p", SequenceNumber: "3"},
	})

	assert.ErrorIs(t, err, codec.ErrChecksumMismatch)
	assert.Contains(t, err.Error(), "sequence 2")
	require.Len(t, records, 3)
	assert.Equal(t, "a", records[0].PartitionKey)
	assert.Equal(t, "b", records[1].PartitionKey)
	assert.Equal(t, "plain", string(records[2].Data))
	assert.Nil(t, records[2].SubSequenceNumber)
}

func TestDeaggregate_Concurrent(t *testing.T) {
	var input []aggregator.UserRecord
	for i := 0; i < 100; i++ {
		input = append(input, aggregator.UserRecord{PartitionKey: fmt.Sprintf("pk-%d", i%7), Data: []byte(fmt.Sprintf("r%d", i))})
	}
	c := aggregate(t, input...)
	d := New()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			records, err := d.DeaggregateAll(envelope.Record{Data: c.Data})
			assert.NoError(t, err)
			assert.Len(t, records, 100)
		}()
	}
	wg.Wait()
}

func TestUserRecordMap(t *testing.T) {
	sub := 4
	u := UserRecord{PartitionKey: "pk", SequenceNumber: "9", SubSequenceNumber: &sub, Data: []byte("hi")}

	lower := u.Map(envelope.LowerCamel)
	assert.Equal(t, "aGk=", lower["data"])
	assert.Equal(t, 4, lower["subSequenceNumber"])

	upper := u.Map(envelope.UpperCamel)
	assert.Equal(t, "pk", upper["PartitionKey"])
	assert.Equal(t, 4, upper["SubSequenceNumber"])
	assert.NotContains(t, upper, "data")

	u.SubSequenceNumber = nil
	assert.NotContains(t, u.Map(envelope.LowerCamel), "subSequenceNumber")
}
