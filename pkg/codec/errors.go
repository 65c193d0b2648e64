package codec

import "errors"

var (
	// ErrNotAggregated is returned by Decode when the buffer does not begin
	// with Magic. It is a classification, not a failure: callers treat the
	// whole buffer as a single plain record.
	ErrNotAggregated = errors.New("codec: not an aggregated record")

	// ErrChecksumMismatch is returned when the MD5 trailer does not match the body.
	ErrChecksumMismatch = errors.New("codec: checksum mismatch")

	// ErrMalformedContainer is returned when the body cannot be decoded.
	ErrMalformedContainer = errors.New("codec: malformed container")

	// ErrInvalidArgument marks a violated calling contract, such as asking
	// for the varint size of a negative number.
	ErrInvalidArgument = errors.New("codec: invalid argument")
)
