// Package pipeline aggregates a batch of user records and hands the
// resulting containers to a caller-supplied delivery function with bounded
// concurrency.
package pipeline

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/ssargent/kinesisagg/pkg/aggregator"
	"github.com/ssargent/kinesisagg/pkg/logging"
	"github.com/ssargent/kinesisagg/pkg/metrics"
)

// ErrNoRecordsProduced is reported when a run emits no containers.
var ErrNoRecordsProduced = errors.New("pipeline: no aggregated records were produced")

// DoneFunc reports the outcome of a delivery. Only the first call counts.
type DoneFunc func(error)

// DeliveryFunc ships one container and calls done when it is finished.
// It is invoked from Run's goroutine in admission order, so long-running
// work should continue in the background and call done later.
type DeliveryFunc func(ctx context.Context, c *aggregator.Container, done DoneFunc)

// Option configures a run.
type Option func(*options)

type options struct {
	maxConcurrent int64
	aggregator    *aggregator.Aggregator
	logger        logging.Logger
	metrics       metrics.Recorder
}

// WithMaxConcurrentDeliveries bounds the number of outstanding deliveries.
// Values below 1 are treated as 1.
func WithMaxConcurrentDeliveries(n int) Option {
	return func(o *options) {
		if n < 1 {
			n = 1
		}
		o.maxConcurrent = int64(n)
	}
}

// WithAggregator packs with a preconfigured Aggregator instead of a new one.
func WithAggregator(a *aggregator.Aggregator) Option {
	return func(o *options) { o.aggregator = a }
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(o *options) { o.logger = logging.OrNop(l) }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) Option {
	return func(o *options) { o.metrics = metrics.OrNop(m) }
}

// Run packs records and delivers every container. Containers are admitted
// in emission order; at most the configured number are outstanding at once.
// Packing errors and failed deliveries go to onError, which receives the
// container when one is involved. onComplete is called exactly once, after
// every admitted delivery has finished. Run blocks until then.
//
// If ctx is cancelled before a container is admitted, that container is
// reported to onError with ctx.Err() and is not delivered. Deliveries already
// admitted are never cancelled by Run.
func Run(
	ctx context.Context,
	records []aggregator.UserRecord,
	deliver DeliveryFunc,
	onComplete func(),
	onError func(error, *aggregator.Container),
	opts ...Option,
) {
	o := &options{
		maxConcurrent: 1,
		logger:        logging.Nop(),
		metrics:       metrics.Nop{},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.aggregator == nil {
		o.aggregator = aggregator.New(aggregator.WithLogger(o.logger), aggregator.WithMetrics(o.metrics))
	}
	if onComplete == nil {
		onComplete = func() {}
	}
	if onError == nil {
		onError = func(error, *aggregator.Container) {}
	}

	// onError may be called from delivery goroutines
	var errMu sync.Mutex
	report := func(err error, c *aggregator.Container) {
		errMu.Lock()
		defer errMu.Unlock()
		onError(err, c)
	}

	var (
		sem        = semaphore.NewWeighted(o.maxConcurrent)
		wg         sync.WaitGroup
		containers int
	)

	for _, res := range o.aggregator.AddRecords(records, true) {
		if res.Err != nil {
			report(res.Err, nil)
			continue
		}

		c := res.Container
		containers++

		err := ctx.Err()
		if err == nil {
			err = sem.Acquire(ctx, 1)
		}
		if err != nil {
			o.logger.Warn("container not delivered", "records", c.NumRecords, "error", err)
			report(err, c)
			continue
		}

		wg.Add(1)
		o.metrics.DeliveryStarted()

		var once sync.Once
		done := func(err error) {
			once.Do(func() {
				defer wg.Done()
				defer sem.Release(1)
				defer o.metrics.DeliveryFinished()

				o.metrics.RecordDelivery(err == nil)
				if err != nil {
					o.logger.Warn("delivery failed", "records", c.NumRecords, "bytes", len(c.Data), "error", err)
					report(err, c)
				}
			})
		}

		deliver(ctx, c, done)
	}

	if containers == 0 {
		report(ErrNoRecordsProduced, nil)
	}

	wg.Wait()
	o.logger.Debug("pipeline complete", "records", len(records), "containers", containers)
	onComplete()
}
