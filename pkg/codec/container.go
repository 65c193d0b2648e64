package codec

import (
	"bytes"
	"crypto/md5"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// ChecksumSize is the length of the MD5 trailer.
	ChecksumSize = md5.Size

	// MaxRecordBytes is the Kinesis limit for a single record payload.
	MaxRecordBytes = 1024 * 1024

	// MagicSize is the length of Magic.
	MagicSize = 4

	// MaxContainerBytes is the largest container the aggregator emits. It
	// reserves room for the checksum and magic prefix within MaxRecordBytes.
	MaxContainerBytes = MaxRecordBytes - ChecksumSize - MagicSize

	// Overhead is the number of container bytes outside the body.
	Overhead = MagicSize + ChecksumSize

	// FormatVersion is the KPL aggregation format identified by Magic.
	FormatVersion = "0.9.0"
)

// Magic prefixes every aggregated record.
var Magic = []byte{0xF3, 0x89, 0x9A, 0xC2}

// Field numbers of the AggregatedRecord message.
const (
	fieldPartitionKeyTable    protowire.Number = 1
	fieldExplicitHashKeyTable protowire.Number = 2
	fieldRecords              protowire.Number = 3
)

// Field numbers of the inner Record message.
const (
	fieldPartitionKeyIndex    protowire.Number = 1
	fieldExplicitHashKeyIndex protowire.Number = 2
	fieldData                 protowire.Number = 3
)

// Record is one user record inside a container. The keys are stored as
// indices into the container's key tables.
type Record struct {
	PartitionKeyIndex    uint64
	ExplicitHashKeyIndex *uint64 // nil when the source record had no explicit hash key
	Data                 []byte
}

// AggregatedRecord is the decoded body of a container.
type AggregatedRecord struct {
	PartitionKeyTable    []string
	ExplicitHashKeyTable []string
	Records              []Record
}

// Encode serializes body and returns Magic ++ body ++ MD5(body).
func Encode(body *AggregatedRecord) []byte {
	size := body.Size()
	buf := make([]byte, 0, len(Magic)+size+ChecksumSize)
	buf = append(buf, Magic...)

	for _, pk := range body.PartitionKeyTable {
		buf = protowire.AppendTag(buf, fieldPartitionKeyTable, protowire.BytesType)
		buf = protowire.AppendString(buf, pk)
	}
	for _, ehk := range body.ExplicitHashKeyTable {
		buf = protowire.AppendTag(buf, fieldExplicitHashKeyTable, protowire.BytesType)
		buf = protowire.AppendString(buf, ehk)
	}
	for i := range body.Records {
		r := &body.Records[i]
		buf = protowire.AppendTag(buf, fieldRecords, protowire.BytesType)
		buf = protowire.AppendVarint(buf, uint64(r.size()))
		buf = r.append(buf)
	}

	sum := Checksum(buf[len(Magic):])
	return append(buf, sum[:]...)
}

// Decode parses a container. When verifyChecksum is set, the MD5 trailer is
// checked before the body is decoded and a mismatch stops decoding.
func Decode(container []byte, verifyChecksum bool) (*AggregatedRecord, error) {
	if !IsAggregated(container) {
		return nil, ErrNotAggregated
	}
	if len(container) < len(Magic)+ChecksumSize {
		return nil, fmt.Errorf("%w: %d bytes is too short for magic and checksum", ErrMalformedContainer, len(container))
	}

	body := container[len(Magic) : len(container)-ChecksumSize]
	if verifyChecksum {
		sum := Checksum(body)
		if !bytes.Equal(sum[:], container[len(container)-ChecksumSize:]) {
			return nil, ErrChecksumMismatch
		}
	}

	ar, err := unmarshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedContainer, err)
	}
	return ar, nil
}

// IsAggregated reports whether data starts with Magic.
func IsAggregated(data []byte) bool {
	return bytes.HasPrefix(data, Magic)
}

// Checksum returns the MD5 digest used as the container trailer.
func Checksum(body []byte) [ChecksumSize]byte {
	return md5.Sum(body)
}

// Size returns the exact encoded length of the body, excluding magic and checksum.
func (a *AggregatedRecord) Size() int {
	n := 0
	for _, pk := range a.PartitionKeyTable {
		n += protowire.SizeTag(fieldPartitionKeyTable) + protowire.SizeBytes(len(pk))
	}
	for _, ehk := range a.ExplicitHashKeyTable {
		n += protowire.SizeTag(fieldExplicitHashKeyTable) + protowire.SizeBytes(len(ehk))
	}
	for i := range a.Records {
		n += protowire.SizeTag(fieldRecords) + protowire.SizeBytes(a.Records[i].size())
	}
	return n
}

// Resolve returns the keys of the i-th record. A missing or out-of-range
// table index is reported as ErrMalformedContainer.
func (a *AggregatedRecord) Resolve(i int) (partitionKey, explicitHashKey string, hasExplicitHashKey bool, err error) {
	if i < 0 || i >= len(a.Records) {
		return "", "", false, fmt.Errorf("%w: record %d out of range [0,%d)", ErrMalformedContainer, i, len(a.Records))
	}

	r := a.Records[i]
	if r.PartitionKeyIndex >= uint64(len(a.PartitionKeyTable)) {
		return "", "", false, fmt.Errorf("%w: record %d: partition key index %d out of range [0,%d)",
			ErrMalformedContainer, i, r.PartitionKeyIndex, len(a.PartitionKeyTable))
	}
	partitionKey = a.PartitionKeyTable[r.PartitionKeyIndex]

	if r.ExplicitHashKeyIndex != nil {
		idx := *r.ExplicitHashKeyIndex
		if idx >= uint64(len(a.ExplicitHashKeyTable)) {
			return "", "", false, fmt.Errorf("%w: record %d: explicit hash key index %d out of range [0,%d)",
				ErrMalformedContainer, i, idx, len(a.ExplicitHashKeyTable))
		}
		explicitHashKey = a.ExplicitHashKeyTable[idx]
		hasExplicitHashKey = true
	}

	return partitionKey, explicitHashKey, hasExplicitHashKey, nil
}

func (r *Record) size() int {
	n := protowire.SizeTag(fieldPartitionKeyIndex) + protowire.SizeVarint(r.PartitionKeyIndex)
	if r.ExplicitHashKeyIndex != nil {
		n += protowire.SizeTag(fieldExplicitHashKeyIndex) + protowire.SizeVarint(*r.ExplicitHashKeyIndex)
	}
	n += protowire.SizeTag(fieldData) + protowire.SizeBytes(len(r.Data))
	return n
}

func (r *Record) append(buf []byte) []byte {
	buf = protowire.AppendTag(buf, fieldPartitionKeyIndex, protowire.VarintType)
	buf = protowire.AppendVarint(buf, r.PartitionKeyIndex)
	if r.ExplicitHashKeyIndex != nil {
		buf = protowire.AppendTag(buf, fieldExplicitHashKeyIndex, protowire.VarintType)
		buf = protowire.AppendVarint(buf, *r.ExplicitHashKeyIndex)
	}
	buf = protowire.AppendTag(buf, fieldData, protowire.BytesType)
	return protowire.AppendBytes(buf, r.Data)
}

func unmarshal(b []byte) (*AggregatedRecord, error) {
	ar := &AggregatedRecord{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch num {
		case fieldPartitionKeyTable, fieldExplicitHashKeyTable:
			if typ != protowire.BytesType {
				return nil, fmt.Errorf("field %d: unexpected wire type %d", num, typ)
			}
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
			}
			if num == fieldPartitionKeyTable {
				ar.PartitionKeyTable = append(ar.PartitionKeyTable, s)
			} else {
				ar.ExplicitHashKeyTable = append(ar.ExplicitHashKeyTable, s)
			}
			b = b[n:]
		case fieldRecords:
			if typ != protowire.BytesType {
				return nil, fmt.Errorf("field %d: unexpected wire type %d", num, typ)
			}
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("record %d: %w", len(ar.Records), protowire.ParseError(n))
			}
			r, err := unmarshalRecord(raw)
			if err != nil {
				return nil, fmt.Errorf("record %d: %w", len(ar.Records), err)
			}
			ar.Records = append(ar.Records, r)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return ar, nil
}

func unmarshalRecord(b []byte) (Record, error) {
	var (
		r       Record
		hasData bool
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return r, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case (num == fieldPartitionKeyIndex || num == fieldExplicitHashKeyIndex) && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return r, fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
			}
			if num == fieldPartitionKeyIndex {
				r.PartitionKeyIndex = v
			} else {
				r.ExplicitHashKeyIndex = &v
			}
			b = b[n:]
		case num == fieldData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return r, fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
			}
			r.Data = v
			hasData = true
			b = b[n:]
		case num == fieldPartitionKeyIndex, num == fieldExplicitHashKeyIndex, num == fieldData:
			return r, fmt.Errorf("field %d: unexpected wire type %d", num, typ)
		default:
			// tags and unknown fields
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return r, fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if !hasData {
		return r, fmt.Errorf("missing required data field")
	}
	if r.Data == nil {
		r.Data = []byte{}
	}
	return r, nil
}
