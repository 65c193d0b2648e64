package aggregator

import (
	"encoding/base64"
	"errors"

	"github.com/ssargent/kinesisagg/pkg/envelope"
)

// Errors reported per user record. Packing continues after each of them.
var (
	ErrMissingData         = errors.New("aggregator: record data is required")
	ErrMissingPartitionKey = errors.New("aggregator: record partition key is required")
	ErrRecordTooLarge      = errors.New("aggregator: record is too large to fit in a container")
)

// UserRecord is an application record to be packed into a container.
type UserRecord struct {
	PartitionKey    string
	ExplicitHashKey string // empty when the record has none
	Data            []byte
}

// Container is a finished aggregated record, ready for transport.
type Container struct {
	// PartitionKey labels the outer Kinesis record: the first non-empty
	// partition key among the packed records.
	PartitionKey string
	// ExplicitHashKey is the first non-empty explicit hash key among the
	// packed records, or empty when none had one.
	ExplicitHashKey string
	// Data is magic ++ body ++ md5(body).
	Data []byte
	// NumRecords is the number of user records packed.
	NumRecords int
}

// HasExplicitHashKey reports whether the container carries an explicit hash key label.
func (c *Container) HasExplicitHashKey() bool {
	return c.ExplicitHashKey != ""
}

// Map renders the container as an outbound Kinesis record in conv with
// base64 data.
func (c *Container) Map(conv envelope.Convention) map[string]any {
	m := map[string]any{
		envelope.FieldData:         base64.StdEncoding.EncodeToString(c.Data),
		envelope.FieldPartitionKey: c.PartitionKey,
	}
	if c.HasExplicitHashKey() {
		m[envelope.FieldExplicitHashKey] = c.ExplicitHashKey
	}
	return envelope.Denormalize(m, conv)
}

// Result is one outcome of AddRecords: either a finished container or a
// rejected record.
type Result struct {
	Container *Container
	// Record identifies the rejected input record when Err is set.
	Record *UserRecord
	// Index is the input position of the rejected record, or of the record
	// whose arrival triggered the container (len(records) for the final flush).
	Index int
	Err   error
}
