package fairorder

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/fairorder/fairorder-node/metrics"
)

const (
	DefaultBatchInterval   = time.Second
	DefaultMaxOrderRetries = 5

	persistMaxElapsedTime = 10 * time.Second
	forwardBatchTimeout   = 5 * time.Second
)

// SeedSource yields the batch-level entropy for fair sequencing and
// randomized ordering. The default draws from crypto/rand and records the
// seed in the BatchResult for auditability, a verifiable randomness beacon
// can be substituted without touching the engine.
type SeedSource func() ([32]byte, error)

func CryptoSeedSource() ([32]byte, error) {
	var seed [32]byte
	_, err := rand.Read(seed[:])
	return seed, err
}

// BatchScheduler runs the per-pool Idle -> Draining -> Ordering ->
// Publishing cycle. One pool never has two cycles in flight, distinct
// pools run independently.
type BatchScheduler struct {
	log       *zap.Logger
	engine    *OrderingEngine
	store     Store
	publisher BatchPublisher
	executors *ExecutorsBackend
	agg       *MetricsAggregator

	seedSource      SeedSource
	interval        time.Duration
	maxOrderRetries int

	backgroundWg sync.WaitGroup
}

func NewBatchScheduler(
	log *zap.Logger, engine *OrderingEngine, store Store, publisher BatchPublisher,
	executors *ExecutorsBackend, agg *MetricsAggregator, interval time.Duration,
) *BatchScheduler {
	if interval <= 0 {
		interval = DefaultBatchInterval
	}
	return &BatchScheduler{
		log:             log.Named("scheduler"),
		engine:          engine,
		store:           store,
		publisher:       publisher,
		executors:       executors,
		agg:             agg,
		seedSource:      CryptoSeedSource,
		interval:        interval,
		maxOrderRetries: DefaultMaxOrderRetries,
	}
}

// Wait blocks until background publish work has drained.
func (s *BatchScheduler) Wait() {
	s.backgroundWg.Wait()
}

// RunPool is the scheduling loop for one pool. It drains on a timer tick
// or as soon as a full batch is pending, whichever comes first.
func (s *BatchScheduler) RunPool(ctx context.Context, state *poolState, wg *sync.WaitGroup) {
	defer wg.Done()

	pool := state.snapshot()
	logger := s.log.With(zap.String("pool", pool.ID))
	logger.Info("Scheduler loop started", zap.String("algorithm", string(pool.Config.Algorithm)))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	orderFailures := 0
	for {
		select {
		case <-ctx.Done():
			logger.Info("Scheduler loop stopped")
			return
		case <-ticker.C:
		case <-state.queue.Notify():
			if state.queue.Len() < state.snapshot().Config.BatchSize {
				continue
			}
		}
		s.runCycle(ctx, logger, state, &orderFailures)
	}
}

func (s *BatchScheduler) runCycle(ctx context.Context, logger *zap.Logger, state *poolState, orderFailures *int) {
	startAt := time.Now()

	// config snapshot at drain start, a concurrent update only affects
	// later cycles
	pool := state.snapshot()
	drained := state.queue.DrainUpTo(pool.Config.BatchSize)
	if len(drained) == 0 {
		return
	}

	now := time.Now()
	ready := make([]*QueuedTransaction, 0, len(drained))
	var expired []*QueuedTransaction
	for _, tx := range drained {
		if tx.ExecuteBefore != nil && !tx.ExecuteBefore.After(now) {
			expired = append(expired, tx)
			continue
		}
		ready = append(ready, tx)
	}
	if len(expired) > 0 {
		metrics.AddTxsExpired(len(expired))
		logger.Debug("Dropped expired transactions", zap.Int("count", len(expired)))
	}
	if len(ready) == 0 && len(expired) == 0 {
		return
	}

	seed, err := s.seedSource()
	if err != nil {
		logger.Error("Failed to draw batch seed, requeueing batch", zap.Error(err))
		s.requeue(logger, state, ready, orderFailures)
		return
	}

	result, err := s.engine.OrderBatch(ctx, &pool, ready, seed)
	if err != nil {
		logger.Warn("Ordering failed, batch stays queued for the next tick", zap.Error(err))
		s.requeue(logger, state, ready, orderFailures)
		return
	}
	*orderFailures = 0

	for _, tx := range expired {
		result.Outcomes = append(result.Outcomes, TxOutcome{
			TxID:       tx.ID,
			Status:     TxStatusExpired,
			Sequence:   -1,
			GasPrice:   bigToHex(tx.GasPrice),
			ArrivalSeq: tx.ArrivalSeq,
		})
	}

	s.publish(ctx, logger, result)
	metrics.RecordBatchCycleDuration(time.Since(startAt).Milliseconds())
}

// requeue puts an unordered batch back at the head of the queue so it is
// retried on the next tick. After maxOrderRetries consecutive failures the
// condition is surfaced as a pool-level alert, the transactions are still
// not lost.
func (s *BatchScheduler) requeue(logger *zap.Logger, state *poolState, txs []*QueuedTransaction, orderFailures *int) {
	if err := state.queue.PushFront(txs); err != nil {
		logger.Error("Failed to requeue batch", zap.Error(err), zap.Int("count", len(txs)))
		return
	}
	*orderFailures++
	if *orderFailures >= s.maxOrderRetries {
		metrics.IncPoolAlerts()
		logger.Error("Ordering failed repeatedly, raising pool alert",
			zap.Int("failures", *orderFailures))
		*orderFailures = 0
	}
}

// publish persists the result with bounded backoff, notifies subscribers
// and hands the result to the metrics aggregator. A persistence failure
// never discards the computed ordering, the in-memory result stays
// queryable through the aggregator window.
func (s *BatchScheduler) publish(ctx context.Context, logger *zap.Logger, result *BatchResult) {
	back := backoff.NewExponentialBackOff()
	back.MaxElapsedTime = persistMaxElapsedTime
	err := backoff.Retry(func() error {
		return s.store.InsertBatchResult(ctx, result)
	}, backoff.WithContext(back, ctx))
	if err != nil {
		metrics.IncBatchPersistFailures()
		logger.Error("Failed to persist batch result", zap.Error(err), zap.String("batch", result.BatchID))
	}

	if s.publisher != nil {
		if err := s.publisher.NotifyBatch(ctx, result); err != nil {
			logger.Warn("Failed to publish batch result", zap.Error(err), zap.String("batch", result.BatchID))
		}
	}

	if s.executors != nil {
		s.backgroundWg.Add(1)
		go func() {
			defer s.backgroundWg.Done()
			fwdCtx, cancel := context.WithTimeout(context.Background(), forwardBatchTimeout)
			defer cancel()
			s.executors.ForwardBatch(fwdCtx, logger, result)
		}()
	}

	s.agg.Record(result)

	ordered, rejected := 0, 0
	for _, o := range result.Outcomes {
		switch o.Status {
		case TxStatusOrdered:
			ordered++
		case TxStatusRejected:
			rejected++
		}
	}
	metrics.IncBatchesPublished()
	metrics.AddTxsOrdered(ordered)
	metrics.AddTxsRejected(rejected)
	logger.Info("Published batch",
		zap.String("batch", result.BatchID),
		zap.String("algorithm", string(result.Algorithm)),
		zap.Int("ordered", ordered),
		zap.Int("rejected", rejected),
	)
}
