// Package spool persists aggregated containers on local disk until they are
// shipped or inspected.
//
// Containers are keyed by KSUID, so iteration visits them in creation order
// at one-second resolution.
package spool

import (
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/segmentio/ksuid"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ssargent/kinesisagg/pkg/aggregator"
	"github.com/ssargent/kinesisagg/pkg/logging"
)

var (
	// ErrNotFound is returned when no container is stored under an ID.
	ErrNotFound = errors.New("spool: container not found")

	// ErrCorruptEntry is returned when a stored value cannot be decoded.
	ErrCorruptEntry = errors.New("spool: corrupt entry")
)

// Entry is a spooled container.
type Entry struct {
	ID        ksuid.KSUID
	Container *aggregator.Container
}

// SpooledAt returns the time the entry was written.
func (e Entry) SpooledAt() time.Time {
	return e.ID.Time()
}

// Option configures a Spool.
type Option func(*Spool)

// WithSync makes every write durable before it returns.
func WithSync(sync bool) Option {
	return func(s *Spool) {
		if sync {
			s.writeOpts = pebble.Sync
		} else {
			s.writeOpts = pebble.NoSync
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Spool) { s.logger = logging.OrNop(l) }
}

// Spool is a pebble-backed container store. It is safe for concurrent use.
type Spool struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions
	logger    logging.Logger
}

// Open opens or creates a spool in dir.
func Open(dir string, opts ...Option) (*Spool, error) {
	s := &Spool{
		writeOpts: pebble.NoSync,
		logger:    logging.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open spool at %s: %w", dir, err)
	}
	s.db = db
	return s, nil
}

// Put stores c and returns its ID.
func (s *Spool) Put(c *aggregator.Container) (ksuid.KSUID, error) {
	id := ksuid.New()
	if err := s.db.Set(id.Bytes(), encodeEntry(c), s.writeOpts); err != nil {
		return ksuid.Nil, fmt.Errorf("failed to spool container: %w", err)
	}
	s.logger.Debug("spooled container", "id", id.String(), "records", c.NumRecords, "bytes", len(c.Data))
	return id, nil
}

// Get returns the container stored under id.
func (s *Spool) Get(id ksuid.KSUID) (*aggregator.Container, error) {
	value, closer, err := s.db.Get(id.Bytes())
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	// value is only valid until closer.Close
	return decodeEntry(value)
}

// Delete removes the container stored under id. Deleting a missing ID is
// not an error.
func (s *Spool) Delete(id ksuid.KSUID) error {
	return s.db.Delete(id.Bytes(), s.writeOpts)
}

// Iterate calls fn for every spooled container in key order. Iteration
// stops at the first error fn returns.
func (s *Spool) Iterate(fn func(Entry) error) error {
	iter, err := s.db.NewIter(nil)
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		id, err := ksuid.FromBytes(iter.Key())
		if err != nil {
			return fmt.Errorf("%w: key: %v", ErrCorruptEntry, err)
		}
		c, err := decodeEntry(iter.Value())
		if err != nil {
			return fmt.Errorf("entry %s: %w", id, err)
		}
		if err := fn(Entry{ID: id, Container: c}); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Close closes the underlying database.
func (s *Spool) Close() error {
	return s.db.Close()
}

// Field numbers of a stored entry.
const (
	fieldPartitionKey    protowire.Number = 1
	fieldExplicitHashKey protowire.Number = 2
	fieldData            protowire.Number = 3
	fieldNumRecords      protowire.Number = 4
)

func encodeEntry(c *aggregator.Container) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldPartitionKey, protowire.BytesType)
	b = protowire.AppendString(b, c.PartitionKey)
	if c.HasExplicitHashKey() {
		b = protowire.AppendTag(b, fieldExplicitHashKey, protowire.BytesType)
		b = protowire.AppendString(b, c.ExplicitHashKey)
	}
	b = protowire.AppendTag(b, fieldData, protowire.BytesType)
	b = protowire.AppendBytes(b, c.Data)
	b = protowire.AppendTag(b, fieldNumRecords, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(c.NumRecords))
}

// decodeEntry copies everything it returns out of b.
func decodeEntry(b []byte) (*aggregator.Container, error) {
	c := &aggregator.Container{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrCorruptEntry, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldPartitionKey && typ == protowire.BytesType:
			c.PartitionKey, n = protowire.ConsumeString(b)
		case num == fieldExplicitHashKey && typ == protowire.BytesType:
			c.ExplicitHashKey, n = protowire.ConsumeString(b)
		case num == fieldData && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			c.Data = append([]byte(nil), v...)
		case num == fieldNumRecords && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			c.NumRecords = int(v)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, fmt.Errorf("%w: field %d: %v", ErrCorruptEntry, num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return c, nil
}
