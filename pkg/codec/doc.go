// Package codec implements the Kinesis Producer Library (KPL) aggregated
// record wire format.
//
// An aggregated record (a "container") packs many small user records into a
// single Kinesis record so that producers stay within the per-record and
// per-shard throughput limits. This package owns the byte layout; the
// aggregator and deaggregator packages build on top of it.
//
// # Container Format
//
// Containers are laid out as:
//
//	[Magic(4)][Body(N)][MD5(16)]
//
// Fields:
//   - Magic: 0xF3 0x89 0x9A 0xC2, identifying KPL aggregation format 0.9.0
//   - Body: a protobuf-encoded AggregatedRecord message
//   - MD5: the 16-byte MD5 digest of Body
//
// The total container size must stay at or below MaxContainerBytes, which is
// the 1 MiB Kinesis record limit minus the checksum and the magic prefix.
//
// # Body Schema
//
// The body follows the KPL protobuf schema:
//
//	message AggregatedRecord {
//	  repeated string partition_key_table     = 1;
//	  repeated string explicit_hash_key_table = 2;
//	  repeated Record records                 = 3;
//	}
//
//	message Record {
//	  required uint64 partition_key_index     = 1;
//	  optional uint64 explicit_hash_key_index = 2;
//	  required bytes  data                    = 3;
//	  repeated Tag    tags                    = 4;
//	}
//
// Tags are never written and are skipped when read. Table and record order is
// written exactly as provided by the caller, so encoding the same logical
// content always yields the same bytes.
//
// # Size Model
//
// SizeOfVarint predicts the length of a protobuf varint without encoding it.
// The aggregator uses it to track the size of a container as records are
// added, so it knows when a container is full without a trial encoding.
//
// # Usage
//
//	body := &codec.AggregatedRecord{
//	    PartitionKeyTable: []string{"user-1"},
//	    Records: []codec.Record{
//	        {PartitionKeyIndex: 0, Data: []byte("hello")},
//	    },
//	}
//	container := codec.Encode(body)
//
//	decoded, err := codec.Decode(container, true)
//	switch {
//	case errors.Is(err, codec.ErrNotAggregated):
//	    // a plain Kinesis record, use it as-is
//	case err != nil:
//	    return err
//	}
//
// # Error Handling
//
// Decode classifies failures with sentinel errors that can be matched with
// errors.Is:
//   - ErrNotAggregated: the buffer does not start with Magic
//   - ErrChecksumMismatch: the MD5 trailer does not match the body
//   - ErrMalformedContainer: truncated buffers, bad tags or wire types,
//     missing required fields, out-of-range table indices
//
// # Thread Safety
//
// All functions in this package are stateless and safe for concurrent use.
// Decoded records alias the container buffer; callers that mutate the buffer
// after decoding must copy the data first.
package codec
