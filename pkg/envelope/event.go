package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// lambdaEvent is the shape of a Kinesis event delivered to AWS Lambda.
type lambdaEvent struct {
	Records []struct {
		Kinesis json.RawMessage `json:"kinesis"`
	} `json:"Records"`
}

// ParseEvent decodes either a Lambda-style {"Records":[{"kinesis":{...}}]}
// event or a bare JSON array of envelopes. The returned convention is the
// one used by the first record, or LowerCamel for an empty batch.
func ParseEvent(raw []byte) ([]Record, Convention, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, LowerCamel, fmt.Errorf("%w: empty event", ErrInvalidRecord)
	}

	var items []json.RawMessage
	switch raw[0] {
	case '[':
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, LowerCamel, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
		}
	case '{':
		var ev lambdaEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, LowerCamel, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
		}
		for i, r := range ev.Records {
			if len(r.Kinesis) == 0 {
				return nil, LowerCamel, fmt.Errorf("%w: Records[%d] has no kinesis payload", ErrInvalidRecord, i)
			}
			items = append(items, r.Kinesis)
		}
	default:
		return nil, LowerCamel, fmt.Errorf("%w: expected a JSON object or array", ErrInvalidRecord)
	}

	conv := LowerCamel
	records := make([]Record, 0, len(items))
	for i, item := range items {
		rec, c, err := Parse(item)
		if err != nil {
			return nil, LowerCamel, fmt.Errorf("record %d: %w", i, err)
		}
		if i == 0 {
			conv = c
		}
		records = append(records, rec)
	}
	return records, conv, nil
}
