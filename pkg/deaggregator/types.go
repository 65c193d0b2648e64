package deaggregator

import (
	"errors"
	"fmt"
	"time"

	"github.com/ssargent/kinesisagg/pkg/envelope"
)

// ErrPartialDecode marks a single inner record that could not be emitted.
// The remaining records of the container are still delivered.
var ErrPartialDecode = errors.New("deaggregator: sub-record could not be decoded")

// NoSubSequence is the SubSequenceNumber reported for a record that was not
// aggregated.
const NoSubSequence = -1

// SubRecordError reports the failure of one inner record.
type SubRecordError struct {
	SubSequenceNumber int
	Err               error
}

func (e *SubRecordError) Error() string {
	if e.SubSequenceNumber == NoSubSequence {
		return fmt.Sprintf("%v: %v", ErrPartialDecode, e.Err)
	}
	return fmt.Sprintf("%v: sub-sequence %d: %v", ErrPartialDecode, e.SubSequenceNumber, e.Err)
}

// Is matches ErrPartialDecode.
func (e *SubRecordError) Is(target error) bool {
	return target == ErrPartialDecode
}

func (e *SubRecordError) Unwrap() error {
	return e.Err
}

// UserRecord is a record recovered from a Kinesis record. SubSequenceNumber
// is nil for records that were not aggregated.
type UserRecord struct {
	PartitionKey                string
	ExplicitHashKey             string
	SequenceNumber              string
	SubSequenceNumber           *int
	Data                        []byte
	ApproximateArrivalTimestamp *time.Time
}

// Aggregated reports whether the record came out of an aggregated container.
func (u UserRecord) Aggregated() bool {
	return u.SubSequenceNumber != nil
}

// Map renders the record in conv with base64 data.
func (u UserRecord) Map(conv envelope.Convention) map[string]any {
	m := envelope.Record{
		Data:                        u.Data,
		PartitionKey:                u.PartitionKey,
		ExplicitHashKey:             u.ExplicitHashKey,
		SequenceNumber:              u.SequenceNumber,
		ApproximateArrivalTimestamp: u.ApproximateArrivalTimestamp,
	}.ToMap()
	if u.SubSequenceNumber != nil {
		m[envelope.FieldSubSequenceNumber] = *u.SubSequenceNumber
	}
	return envelope.Denormalize(m, conv)
}

// Handler receives the output of Deaggregate.
type Handler interface {
	// OnRecord is called once per recovered record, in container order. A
	// returned error is reported through OnRecordError.
	OnRecord(UserRecord) error
	// OnRecordError is called for each inner record that failed.
	OnRecordError(*SubRecordError)
}

// HandlerFuncs adapts a pair of functions to Handler. Nil fields are ignored.
type HandlerFuncs struct {
	Record      func(UserRecord) error
	RecordError func(*SubRecordError)
}

func (h HandlerFuncs) OnRecord(u UserRecord) error {
	if h.Record == nil {
		return nil
	}
	return h.Record(u)
}

func (h HandlerFuncs) OnRecordError(err *SubRecordError) {
	if h.RecordError != nil {
		h.RecordError(err)
	}
}
