// Package deaggregator recovers user records from Kinesis records that may
// carry KPL aggregated containers.
//
// Records without the KPL magic prefix pass through unchanged as a single
// user record. Containers are checked against their MD5 trailer before any
// record is emitted; a bad container yields no output at all. Inner records
// whose key indices cannot be resolved are reported individually and the
// rest of the container is still delivered.
package deaggregator

import (
	"errors"
	"fmt"

	"github.com/ssargent/kinesisagg/pkg/codec"
	"github.com/ssargent/kinesisagg/pkg/envelope"
	"github.com/ssargent/kinesisagg/pkg/logging"
	"github.com/ssargent/kinesisagg/pkg/metrics"
)

// Option configures a Deaggregator.
type Option func(*Deaggregator)

// WithVerifyChecksum toggles MD5 verification. It is on by default.
func WithVerifyChecksum(verify bool) Option {
	return func(d *Deaggregator) { d.verify = verify }
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(d *Deaggregator) { d.logger = logging.OrNop(l) }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) Option {
	return func(d *Deaggregator) { d.metrics = metrics.OrNop(m) }
}

// Deaggregator is stateless between calls and safe for concurrent use.
type Deaggregator struct {
	verify  bool
	logger  logging.Logger
	metrics metrics.Recorder
}

// New creates a Deaggregator.
func New(opts ...Option) *Deaggregator {
	d := &Deaggregator{
		verify:  true,
		logger:  logging.Nop(),
		metrics: metrics.Nop{},
	}
	for _, opt := range opts {
		opt(d)
	}
	if !d.verify {
		d.logger.Debug("checksum verification disabled")
	}
	return d
}

// Deaggregate emits every user record held by rec to h. It returns an error
// only when the container as a whole is unusable; per-record failures go to
// h.OnRecordError.
func (d *Deaggregator) Deaggregate(rec envelope.Record, h Handler) error {
	body, err := codec.Decode(rec.Data, d.verify)
	if errors.Is(err, codec.ErrNotAggregated) {
		d.logger.Debug("passing through non-aggregated record",
			"partition_key", rec.PartitionKey, "sequence_number", rec.SequenceNumber)
		u := UserRecord{
			PartitionKey:                rec.PartitionKey,
			ExplicitHashKey:             rec.ExplicitHashKey,
			SequenceNumber:              rec.SequenceNumber,
			Data:                        rec.Data,
			ApproximateArrivalTimestamp: rec.ApproximateArrivalTimestamp,
		}
		if err := h.OnRecord(u); err != nil {
			d.fail(h, NoSubSequence, err)
			return nil
		}
		d.metrics.RecordDeaggregated(1, false)
		return nil
	}
	if err != nil {
		d.metrics.RecordDecodeError(decodeErrorKind(err))
		d.logger.Warn("rejected aggregated record",
			"sequence_number", rec.SequenceNumber, "bytes", len(rec.Data), "error", err)
		return err
	}

	emitted := 0
	for i := range body.Records {
		pk, ehk, _, err := body.Resolve(i)
		if err != nil {
			d.fail(h, i, err)
			continue
		}

		sub := i
		u := UserRecord{
			PartitionKey:                pk,
			ExplicitHashKey:             ehk,
			SequenceNumber:              rec.SequenceNumber,
			SubSequenceNumber:           &sub,
			Data:                        body.Records[i].Data,
			ApproximateArrivalTimestamp: rec.ApproximateArrivalTimestamp,
		}
		if err := h.OnRecord(u); err != nil {
			d.fail(h, i, err)
			continue
		}
		emitted++
	}

	d.metrics.RecordDeaggregated(emitted, true)
	d.logger.Debug("deaggregated container",
		"sequence_number", rec.SequenceNumber, "records", len(body.Records), "emitted", emitted)
	return nil
}

func (d *Deaggregator) fail(h Handler, i int, err error) {
	d.metrics.RecordDecodeError("sub_record")
	h.OnRecordError(&SubRecordError{SubSequenceNumber: i, Err: err})
}

// DeaggregateAll returns every user record held by rec. A container-level
// failure returns no records. Per-record failures are joined into the
// returned error alongside the records that were recovered.
func (d *Deaggregator) DeaggregateAll(rec envelope.Record) ([]UserRecord, error) {
	var (
		records []UserRecord
		errs    []error
	)
	err := d.Deaggregate(rec, HandlerFuncs{
		Record: func(u UserRecord) error {
			records = append(records, u)
			return nil
		},
		RecordError: func(e *SubRecordError) {
			errs = append(errs, e)
		},
	})
	if err != nil {
		return nil, err
	}
	return records, errors.Join(errs...)
}

// DeaggregateRecords deaggregates a batch. A failing record does not stop
// the others; all failures are joined.
func (d *Deaggregator) DeaggregateRecords(recs []envelope.Record) ([]UserRecord, error) {
	var (
		out  []UserRecord
		errs []error
	)
	for i, rec := range recs {
		records, err := d.DeaggregateAll(rec)
		out = append(out, records...)
		if err != nil {
			errs = append(errs, fmt.Errorf("record %d (sequence %s): %w", i, rec.SequenceNumber, err))
		}
	}
	return out, errors.Join(errs...)
}

func decodeErrorKind(err error) string {
	switch {
	case errors.Is(err, codec.ErrChecksumMismatch):
		return "checksum_mismatch"
	case errors.Is(err, codec.ErrMalformedContainer):
		return "malformed"
	default:
		return "unknown"
	}
}
