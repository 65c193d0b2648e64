// Package aggregator packs user records into KPL aggregated containers.
//
// The Aggregator tracks the encoded size of the container it is building
// without encoding it: every accepted record adds its predicted contribution
// (new key table entries plus the inner record message) to a running total.
// When the next record would push the total past the byte budget, the
// pending records are encoded and emitted, and the record starts a new
// container.
//
// An Aggregator is not safe for concurrent use.
package aggregator

import (
	"errors"
	"fmt"

	"github.com/ssargent/kinesisagg/pkg/codec"
	"github.com/ssargent/kinesisagg/pkg/logging"
	"github.com/ssargent/kinesisagg/pkg/metrics"
)

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithMaxBytes sets the container byte budget, magic and checksum
// included. Values outside
// (0, codec.MaxContainerBytes] fall back to codec.MaxContainerBytes.
func WithMaxBytes(n int) Option {
	return func(a *Aggregator) {
		if n <= 0 || n > codec.MaxContainerBytes {
			n = codec.MaxContainerBytes
		}
		a.maxBytes = n
	}
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(a *Aggregator) { a.logger = logging.OrNop(l) }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) Option {
	return func(a *Aggregator) { a.metrics = metrics.OrNop(m) }
}

// Aggregator accumulates user records into a single container at a time.
type Aggregator struct {
	maxBytes int
	logger   logging.Logger
	metrics  metrics.Recorder

	records          []codec.Record
	totalBytes       int
	partitionKeys    keySet
	explicitHashKeys keySet
	partitionKey     string // outer label
	explicitHashKey  string // outer label
}

// New creates an empty Aggregator.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		maxBytes:         codec.MaxContainerBytes,
		logger:           logging.Nop(),
		metrics:          metrics.Nop{},
		partitionKeys:    newKeySet(),
		explicitHashKeys: newKeySet(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// MaxBytes returns the container byte budget.
func (a *Aggregator) MaxBytes() int {
	return a.maxBytes
}

// Len returns the number of pending user records.
func (a *Aggregator) Len() int {
	return len(a.records)
}

// SizeBytes returns the predicted encoded body size of the pending records.
func (a *Aggregator) SizeBytes() int {
	return a.totalBytes
}

// AddRecords packs records in input order. Each finished container and each
// rejected record is reported as a Result, in the order they occur. When
// forceFlushAtEnd is set, whatever is still pending afterwards is emitted as
// a final container.
func (a *Aggregator) AddRecords(records []UserRecord, forceFlushAtEnd bool) []Result {
	var results []Result

	for i := range records {
		r := &records[i]

		if err := validate(r); err != nil {
			results = append(results, a.reject(i, r, err))
			continue
		}

		size := a.recordSize(r)
		if size+codec.Overhead <= a.maxBytes && a.totalBytes+size+codec.Overhead > a.maxBytes {
			results = append(results, Result{Container: a.emit(), Index: i})
			// keys shared with the emitted container must now be written again
			size = a.recordSize(r)
		}

		if size+codec.Overhead > a.maxBytes {
			results = append(results, a.reject(i, r, a.tooLarge(r, size)))
			continue
		}
		a.add(r, size)
	}

	if forceFlushAtEnd {
		if c, ok := a.Flush(); ok {
			results = append(results, Result{Container: c, Index: len(records)})
		}
	}

	return results
}

// Flush emits the pending records as a container. It reports false when
// nothing was pending.
func (a *Aggregator) Flush() (*Container, bool) {
	if len(a.records) == 0 {
		return nil, false
	}
	return a.emit(), true
}

// Reset discards pending records without emitting them.
func (a *Aggregator) Reset() {
	a.records = nil
	a.totalBytes = 0
	a.partitionKeys.clear()
	a.explicitHashKeys.clear()
	a.partitionKey = ""
	a.explicitHashKey = ""
}

func validate(r *UserRecord) error {
	if len(r.Data) == 0 {
		return ErrMissingData
	}
	if r.PartitionKey == "" {
		return ErrMissingPartitionKey
	}
	return nil
}

func (a *Aggregator) tooLarge(r *UserRecord, size int) error {
	return fmt.Errorf("%w: PK=%s, EHK=%s, SizeBytes=%d, limit=%d",
		ErrRecordTooLarge, r.PartitionKey, r.ExplicitHashKey, size+codec.Overhead, a.maxBytes)
}

func (a *Aggregator) reject(i int, r *UserRecord, err error) Result {
	a.metrics.RecordPackingError(errorKind(err))
	a.logger.Warn("rejected user record", "index", i, "partition_key", r.PartitionKey, "error", err)
	return Result{Record: r, Index: i, Err: err}
}

// recordSize predicts how many bytes r adds to the current container body.
func (a *Aggregator) recordSize(r *UserRecord) int {
	size := 0

	if !a.partitionKeys.contains(r.PartitionKey) {
		size += codec.FieldSize(len(r.PartitionKey))
	}
	if r.ExplicitHashKey != "" && !a.explicitHashKeys.contains(r.ExplicitHashKey) {
		size += codec.FieldSize(len(r.ExplicitHashKey))
	}

	inner := codec.IndexFieldSize(a.partitionKeys.potentialIndex(r.PartitionKey))
	if r.ExplicitHashKey != "" {
		inner += codec.IndexFieldSize(a.explicitHashKeys.potentialIndex(r.ExplicitHashKey))
	}
	inner += codec.FieldSize(len(r.Data))

	return size + codec.FieldSize(inner)
}

func (a *Aggregator) add(r *UserRecord, size int) {
	rec := codec.Record{
		PartitionKeyIndex: uint64(a.partitionKeys.add(r.PartitionKey)),
		Data:              r.Data,
	}
	if r.ExplicitHashKey != "" {
		idx := uint64(a.explicitHashKeys.add(r.ExplicitHashKey))
		rec.ExplicitHashKeyIndex = &idx
	}

	if a.partitionKey == "" {
		a.partitionKey = r.PartitionKey
	}
	if a.explicitHashKey == "" {
		a.explicitHashKey = r.ExplicitHashKey
	}

	a.records = append(a.records, rec)
	a.totalBytes += size
}

// emit encodes the pending records and clears all state.
func (a *Aggregator) emit() *Container {
	body := &codec.AggregatedRecord{
		PartitionKeyTable:    a.partitionKeys.keys,
		ExplicitHashKeyTable: a.explicitHashKeys.keys,
		Records:              a.records,
	}
	c := &Container{
		PartitionKey:    a.partitionKey,
		ExplicitHashKey: a.explicitHashKey,
		Data:            codec.Encode(body),
		NumRecords:      len(a.records),
	}

	a.logger.Debug("emitting container",
		"records", c.NumRecords,
		"predicted_bytes", a.totalBytes,
		"encoded_bytes", len(c.Data),
	)
	a.metrics.RecordAggregated(c.NumRecords)
	a.metrics.RecordContainer(c.NumRecords, len(c.Data))

	a.Reset()
	return c
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrMissingData):
		return "missing_data"
	case errors.Is(err, ErrMissingPartitionKey):
		return "missing_partition_key"
	case errors.Is(err, ErrRecordTooLarge):
		return "record_too_large"
	default:
		return "unknown"
	}
}
