package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssargent/kinesisagg/pkg/aggregator"
	"github.com/ssargent/kinesisagg/pkg/codec"
)

type reported struct {
	err       error
	container *aggregator.Container
}

type recorder struct {
	mu        sync.Mutex
	errors    []reported
	completed int
}

func (r *recorder) onError(err error, c *aggregator.Container) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, reported{err, c})
}

func (r *recorder) onComplete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed++
}

func smallRecords(n int) []aggregator.UserRecord {
	out := make([]aggregator.UserRecord, n)
	for i := range out {
		out[i] = aggregator.UserRecord{PartitionKey: fmt.Sprintf("pk-%d", i), Data: []byte(fmt.Sprintf("payload-%03d", i))}
	}
	return out
}

func syncDeliver(got *[]*aggregator.Container) DeliveryFunc {
	return func(_ context.Context, c *aggregator.Container, done DoneFunc) {
		*got = append(*got, c)
		done(nil)
	}
}

func TestRun_EmptyInput(t *testing.T) {
	r := &recorder{}
	delivered := 0

	Run(context.Background(), nil, func(context.Context, *aggregator.Container, DoneFunc) {
		delivered++
	}, r.onComplete, r.onError)

	assert.Zero(t, delivered)
	assert.Equal(t, 1, r.completed)
	require.Len(t, r.errors, 1)
	assert.ErrorIs(t, r.errors[0].err, ErrNoRecordsProduced)
	assert.Nil(t, r.errors[0].container)
}

func TestRun_OnlyInvalidRecords(t *testing.T) {
	r := &recorder{}
	Run(context.Background(), []aggregator.UserRecord{
		{PartitionKey: "pk"},
		{Data: []byte("x")},
	}, func(context.Context, *aggregator.Container, DoneFunc) {
		t.Fatal("nothing should be delivered")
	}, r.onComplete, r.onError)

	require.Len(t, r.errors, 3)
	assert.ErrorIs(t, r.errors[0].err, aggregator.ErrMissingData)
	assert.ErrorIs(t, r.errors[1].err, aggregator.ErrMissingPartitionKey)
	assert.ErrorIs(t, r.errors[2].err, ErrNoRecordsProduced)
	assert.Equal(t, 1, r.completed)
}

func TestRun_LargeBatch(t *testing.T) {
	var input []aggregator.UserRecord
	for i := 0; i < 1600; i++ {
		input = append(input, aggregator.UserRecord{
			PartitionKey: fmt.Sprintf("pk-%d", i),
			Data:         bytes.Repeat([]byte{'x'}, 1024),
		})
	}

	r := &recorder{}
	var got []*aggregator.Container
	Run(context.Background(), input, syncDeliver(&got), r.onComplete, r.onError)

	assert.Empty(t, r.errors)
	assert.Equal(t, 1, r.completed)
	require.Len(t, got, 2)

	total := 0
	for _, c := range got {
		assert.LessOrEqual(t, len(c.Data), codec.MaxContainerBytes)
		total += c.NumRecords
	}
	assert.Equal(t, 1600, total)
	assert.Equal(t, "pk-0", got[0].PartitionKey)
}

func TestRun_ConcurrencyBound(t *testing.T) {
	for _, width := range []int{1, 3, 8} {
		t.Run(fmt.Sprintf("width=%d", width), func(t *testing.T) {
			var (
				inFlight, maxInFlight atomic.Int32
				mu                    sync.Mutex
				order                 []string
			)

			deliver := func(_ context.Context, c *aggregator.Container, done DoneFunc) {
				n := inFlight.Add(1)
				for {
					m := maxInFlight.Load()
					if n <= m || maxInFlight.CompareAndSwap(m, n) {
						break
					}
				}
				mu.Lock()
				order = append(order, c.PartitionKey)
				mu.Unlock()

				go func() {
					time.Sleep(2 * time.Millisecond)
					inFlight.Add(-1)
					done(nil)
				}()
			}

			r := &recorder{}
			Run(context.Background(), smallRecords(40), deliver, r.onComplete, r.onError,
				WithMaxConcurrentDeliveries(width),
				WithAggregator(aggregator.New(aggregator.WithMaxBytes(64))),
			)

			assert.Empty(t, r.errors)
			assert.Equal(t, 1, r.completed)
			assert.LessOrEqual(t, int(maxInFlight.Load()), width)
			assert.Zero(t, inFlight.Load(), "onComplete must wait for every delivery")

			require.Len(t, order, 40)
			for i, pk := range order {
				assert.Equal(t, fmt.Sprintf("pk-%d", i), pk, "containers are admitted in emission order")
			}
		})
	}
}

func TestRun_DoneCalledTwice(t *testing.T) {
	r := &recorder{}
	calls := 0

	Run(context.Background(), smallRecords(5), func(_ context.Context, c *aggregator.Container, done DoneFunc) {
		calls++
		done(nil)
		done(errors.New("late"))
	}, r.onComplete, r.onError, WithAggregator(aggregator.New(aggregator.WithMaxBytes(64))))

	assert.Equal(t, 5, calls)
	assert.Empty(t, r.errors, "only the first done call counts")
	assert.Equal(t, 1, r.completed)
}

func TestRun_DeliveryErrors(t *testing.T) {
	boom := errors.New("put records failed")
	r := &recorder{}

	Run(context.Background(), smallRecords(4), func(_ context.Context, c *aggregator.Container, done DoneFunc) {
		if c.PartitionKey == "pk-2" {
			go done(boom)
			return
		}
		go done(nil)
	}, r.onComplete, r.onError,
		WithMaxConcurrentDeliveries(2),
		WithAggregator(aggregator.New(aggregator.WithMaxBytes(64))),
	)

	require.Len(t, r.errors, 1)
	assert.ErrorIs(t, r.errors[0].err, boom)
	require.NotNil(t, r.errors[0].container)
	assert.Equal(t, "pk-2", r.errors[0].container.PartitionKey)
	assert.Equal(t, 1, r.completed)
}

func TestRun_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := &recorder{}
	delivered := 0
	Run(ctx, smallRecords(3), func(context.Context, *aggregator.Container, DoneFunc) {
		delivered++
	}, r.onComplete, r.onError, WithAggregator(aggregator.New(aggregator.WithMaxBytes(64))))

	assert.Zero(t, delivered)
	require.Len(t, r.errors, 3)
	for _, e := range r.errors {
		assert.ErrorIs(t, e.err, context.Canceled)
		assert.NotNil(t, e.container)
	}
	assert.Equal(t, 1, r.completed)
}

func TestRun_CancelWhileWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := &recorder{}
	var (
		held      []DoneFunc
		delivered int
	)
	Run(ctx, smallRecords(3), func(_ context.Context, c *aggregator.Container, done DoneFunc) {
		delivered++
		held = append(held, done)
		// the first delivery stays outstanding until the rest are refused
		cancel()
		go func() {
			time.Sleep(5 * time.Millisecond)
			done(nil)
		}()
	}, r.onComplete, r.onError, WithAggregator(aggregator.New(aggregator.WithMaxBytes(64))))

	assert.Equal(t, 1, delivered)
	require.Len(t, r.errors, 2)
	for _, e := range r.errors {
		assert.ErrorIs(t, e.err, context.Canceled)
	}
	assert.Equal(t, 1, r.completed)
	assert.Len(t, held, 1)
}

func TestRun_NilCallbacks(t *testing.T) {
	var got []*aggregator.Container
	assert.NotPanics(t, func() {
		Run(context.Background(), nil, syncDeliver(&got), nil, nil)
	})
	assert.Empty(t, got)
}
