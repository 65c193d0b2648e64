// Package envelope converts inbound Kinesis record envelopes into a single
// internal representation.
//
// Kinesis delivers records with lower-camel field names (data, partitionKey)
// in Lambda events and upper-camel names (Data, PartitionKey) from the
// GetRecords API. Normalize renames upper-camel fields through a static table
// and reports which convention the caller used, so results can be rendered
// back with Denormalize.
package envelope

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidRecord is returned when an envelope cannot be parsed.
var ErrInvalidRecord = errors.New("envelope: invalid record")

// Convention identifies the field-name casing of an envelope.
type Convention int

const (
	LowerCamel Convention = iota
	UpperCamel
)

func (c Convention) String() string {
	if c == UpperCamel {
		return "UpperCamel"
	}
	return "LowerCamel"
}

// Internal field names.
const (
	FieldData                        = "data"
	FieldPartitionKey                = "partitionKey"
	FieldExplicitHashKey             = "explicitHashKey"
	FieldSequenceNumber              = "sequenceNumber"
	FieldSubSequenceNumber           = "subSequenceNumber"
	FieldApproximateArrivalTimestamp = "approximateArrivalTimestamp"
)

// fieldNames maps internal names to their upper-camel spelling.
var fieldNames = map[string]string{
	FieldData:                        "Data",
	FieldPartitionKey:                "PartitionKey",
	FieldExplicitHashKey:             "ExplicitHashKey",
	FieldSequenceNumber:              "SequenceNumber",
	FieldSubSequenceNumber:           "SubSequenceNumber",
	FieldApproximateArrivalTimestamp: "ApproximateArrivalTimestamp",
}

var upperToLower = func() map[string]string {
	m := make(map[string]string, len(fieldNames))
	for lower, upper := range fieldNames {
		m[upper] = lower
	}
	return m
}()

// Record is an inbound Kinesis record in the internal convention.
type Record struct {
	Data                        []byte
	PartitionKey                string
	ExplicitHashKey             string
	SequenceNumber              string
	ApproximateArrivalTimestamp *time.Time
}

// Normalize returns a copy of m with upper-camel field names renamed to the
// internal convention, and the convention m was written in. Fields outside
// the table are copied unchanged. When both spellings of a field are
// present the lower-camel value is kept.
func Normalize(m map[string]any) (map[string]any, Convention) {
	conv := LowerCamel
	out := make(map[string]any, len(m))
	for k, v := range m {
		if lower, ok := upperToLower[k]; ok {
			conv = UpperCamel
			if _, dup := m[lower]; dup {
				continue
			}
			k = lower
		}
		out[k] = v
	}
	return out, conv
}

// Denormalize returns a copy of m rendered in conv.
func Denormalize(m map[string]any, conv Convention) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if conv == UpperCamel {
			if upper, ok := fieldNames[k]; ok {
				k = upper
			}
		}
		out[k] = v
	}
	return out
}

// Parse decodes a single JSON envelope in either convention. Data must be
// present and base64 encoded; the remaining fields are optional.
func Parse(raw json.RawMessage) (Record, Convention, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return Record{}, LowerCamel, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if m == nil {
		return Record{}, LowerCamel, fmt.Errorf("%w: not a JSON object", ErrInvalidRecord)
	}

	m, conv := Normalize(m)
	rec, err := FromMap(m)
	return rec, conv, err
}

// FromMap builds a Record from a normalized map.
func FromMap(m map[string]any) (Record, error) {
	var rec Record

	data, ok := m[FieldData].(string)
	if !ok {
		return rec, fmt.Errorf("%w: %s is required and must be a base64 string", ErrInvalidRecord, FieldData)
	}
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return rec, fmt.Errorf("%w: %s: %v", ErrInvalidRecord, FieldData, err)
	}
	rec.Data = decoded

	if rec.PartitionKey, err = optionalString(m, FieldPartitionKey); err != nil {
		return rec, err
	}
	if rec.ExplicitHashKey, err = optionalString(m, FieldExplicitHashKey); err != nil {
		return rec, err
	}
	if rec.SequenceNumber, err = optionalString(m, FieldSequenceNumber); err != nil {
		return rec, err
	}

	switch ts := m[FieldApproximateArrivalTimestamp].(type) {
	case nil:
	case float64:
		sec, frac := math.Modf(ts)
		t := time.Unix(int64(sec), int64(frac*1e9)).UTC()
		rec.ApproximateArrivalTimestamp = &t
	case string:
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return rec, fmt.Errorf("%w: %s: %v", ErrInvalidRecord, FieldApproximateArrivalTimestamp, err)
		}
		rec.ApproximateArrivalTimestamp = &t
	default:
		return rec, fmt.Errorf("%w: %s has unexpected type %T", ErrInvalidRecord, FieldApproximateArrivalTimestamp, ts)
	}

	return rec, nil
}

// ToMap renders r in the internal convention with base64 data.
func (r Record) ToMap() map[string]any {
	m := map[string]any{
		FieldData: base64.StdEncoding.EncodeToString(r.Data),
	}
	if r.PartitionKey != "" {
		m[FieldPartitionKey] = r.PartitionKey
	}
	if r.ExplicitHashKey != "" {
		m[FieldExplicitHashKey] = r.ExplicitHashKey
	}
	if r.SequenceNumber != "" {
		m[FieldSequenceNumber] = r.SequenceNumber
	}
	if r.ApproximateArrivalTimestamp != nil {
		m[FieldApproximateArrivalTimestamp] = r.ApproximateArrivalTimestamp.Format(time.RFC3339Nano)
	}
	return m
}

func optionalString(m map[string]any, field string) (string, error) {
	switch v := m[field].(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		return "", fmt.Errorf("%w: %s has unexpected type %T", ErrInvalidRecord, field, v)
	}
}
