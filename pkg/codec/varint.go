package codec

import (
	"fmt"
	"math/bits"
)

// SizeOfVarint returns the number of bytes the protobuf varint encoding of
// value occupies. Each varint byte carries 7 bits of the value.
func SizeOfVarint(value int) (int, error) {
	if value < 0 {
		return 0, fmt.Errorf("%w: varint size of negative value %d", ErrInvalidArgument, value)
	}
	if value == 0 {
		return 1, nil
	}

	return (bits.Len(uint(value)) + 6) / 7, nil
}

// varintSize is SizeOfVarint for lengths and indices, which are never negative.
func varintSize(value int) int {
	n, err := SizeOfVarint(value)
	if err != nil {
		panic(err)
	}
	return n
}

// FieldSize returns the encoded size of a length-delimited field holding n
// bytes: one tag byte, the varint length prefix, and the payload.
func FieldSize(n int) int {
	return 1 + varintSize(n) + n
}

// IndexFieldSize returns the encoded size of a uint64 index field.
func IndexFieldSize(index int) int {
	return 1 + varintSize(index)
}
