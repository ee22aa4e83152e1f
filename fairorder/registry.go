package fairorder

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fairorder/fairorder-node/metrics"
	"github.com/fairorder/fairorder-node/pendingqueue"
)

var (
	ErrUnknownPool   = errors.New("unknown pool")
	ErrPoolRetired   = errors.New("pool is retired")
	ErrChainMismatch = errors.New("pool belongs to a different chain")
)

// poolState bundles everything owned by one pool: its config, its pending
// queue and its scheduler loop. The mutex shields the config against a
// concurrent drain reading a half-applied update, a drain snapshots the
// config once at cycle start.
type poolState struct {
	mu     sync.RWMutex
	pool   OrderingPool
	queue  *pendingqueue.Queue[*QueuedTransaction]
	cancel context.CancelFunc
}

func (p *poolState) snapshot() OrderingPool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pool := p.pool
	if p.pool.Config.Parameters != nil {
		params := make(map[string]string, len(p.pool.Config.Parameters))
		for k, v := range p.pool.Config.Parameters {
			params[k] = v
		}
		pool.Config.Parameters = params
	}
	return pool
}

// PoolRegistry manages the lifecycle of ordering pools and composes the
// intake queue and the per-pool scheduler loop. Pools are never hard
// deleted, retirement flips the active flag and stops the loop while
// history and metrics stay readable.
type PoolRegistry struct {
	log       *zap.Logger
	store     Store
	scheduler *BatchScheduler
	queueCap  int

	mu    sync.RWMutex
	pools map[string]*poolState

	runCtx context.Context
	wg     sync.WaitGroup
}

func NewPoolRegistry(log *zap.Logger, store Store, scheduler *BatchScheduler, queueCap int) *PoolRegistry {
	return &PoolRegistry{
		log:       log.Named("registry"),
		store:     store,
		scheduler: scheduler,
		queueCap:  queueCap,
		pools:     make(map[string]*poolState),
		runCtx:    context.Background(),
	}
}

// Start restores persisted pools and begins scheduling for the active ones.
// ctx bounds the lifetime of every scheduler loop started from here on.
func (r *PoolRegistry) Start(ctx context.Context) error {
	r.mu.Lock()
	r.runCtx = ctx
	r.mu.Unlock()

	pools, err := r.store.ListPools(ctx, "")
	if err != nil {
		return err
	}
	for _, pool := range pools {
		state := r.track(pool)
		if pool.Active {
			r.startScheduler(state)
		}
	}
	r.log.Info("Restored pools", zap.Int("count", len(pools)))
	return nil
}

// Wait blocks until all scheduler loops have finished.
func (r *PoolRegistry) Wait() {
	r.wg.Wait()
	r.scheduler.Wait()
}

func (r *PoolRegistry) CreatePool(ctx context.Context, chain string, cfg PoolConfig) (*OrderingPool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	pool := &OrderingPool{
		ID:        uuid.NewString(),
		Chain:     chain,
		Active:    true,
		Config:    cfg,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.InsertPool(ctx, pool); err != nil {
		return nil, err
	}

	state := r.track(pool)
	r.startScheduler(state)
	metrics.IncPoolsCreated()
	r.log.Info("Created pool",
		zap.String("pool", pool.ID),
		zap.String("chain", chain),
		zap.String("algorithm", string(cfg.Algorithm)),
		zap.Int("batch_size", cfg.BatchSize),
	)
	snapshot := state.snapshot()
	return &snapshot, nil
}

// ListPools returns snapshots of all pools on the chain, retired ones
// included.
func (r *PoolRegistry) ListPools(_ context.Context, chain string) []*OrderingPool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pools := make([]*OrderingPool, 0, len(r.pools))
	for _, state := range r.pools {
		pool := state.snapshot()
		if chain != "" && pool.Chain != chain {
			continue
		}
		pools = append(pools, &pool)
	}
	return pools
}

// UpdatePoolConfig replaces the pool config in place. Batches already
// published are untouched, only drains starting after the update observe
// the new config.
func (r *PoolRegistry) UpdatePoolConfig(ctx context.Context, chain, poolID string, cfg PoolConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	state, err := r.lookup(chain, poolID)
	if err != nil {
		return err
	}

	state.mu.Lock()
	if !state.pool.Active {
		state.mu.Unlock()
		return ErrPoolRetired
	}
	state.pool.Config = cfg
	state.pool.UpdatedAt = time.Now().UTC()
	pool := state.pool
	state.mu.Unlock()

	return r.store.UpdatePool(ctx, &pool)
}

// RetirePool soft-disables a pool: the scheduler loop stops after the
// current cycle and new submissions are rejected. Historical batches and
// metrics remain readable.
func (r *PoolRegistry) RetirePool(ctx context.Context, chain, poolID string) error {
	state, err := r.lookup(chain, poolID)
	if err != nil {
		return err
	}

	state.mu.Lock()
	if !state.pool.Active {
		state.mu.Unlock()
		return ErrPoolRetired
	}
	state.pool.Active = false
	state.pool.UpdatedAt = time.Now().UTC()
	pool := state.pool
	cancel := state.cancel
	state.mu.Unlock()

	state.queue.Close()
	if cancel != nil {
		cancel()
	}
	metrics.IncPoolsRetired()
	r.log.Info("Retired pool", zap.String("pool", poolID))
	return r.store.UpdatePool(ctx, &pool)
}

// GetPool returns a snapshot of the pool, retired or not.
func (r *PoolRegistry) GetPool(chain, poolID string) (*OrderingPool, error) {
	state, err := r.lookup(chain, poolID)
	if err != nil {
		return nil, err
	}
	pool := state.snapshot()
	return &pool, nil
}

func (r *PoolRegistry) track(pool *OrderingPool) *poolState {
	state := &poolState{
		pool:  *pool,
		queue: pendingqueue.New[*QueuedTransaction](r.queueCap),
	}
	r.mu.Lock()
	r.pools[pool.ID] = state
	r.mu.Unlock()
	return state
}

func (r *PoolRegistry) startScheduler(state *poolState) {
	r.mu.RLock()
	runCtx := r.runCtx
	r.mu.RUnlock()

	ctx, cancel := context.WithCancel(runCtx)
	state.mu.Lock()
	state.cancel = cancel
	state.mu.Unlock()

	r.wg.Add(1)
	go r.scheduler.RunPool(ctx, state, &r.wg)
}

func (r *PoolRegistry) lookup(chain, poolID string) (*poolState, error) {
	r.mu.RLock()
	state, ok := r.pools[poolID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownPool
	}
	if chain != "" && state.snapshot().Chain != chain {
		return nil, ErrChainMismatch
	}
	return state, nil
}

// lookupActive is the intake-side lookup: it refuses retired pools.
func (r *PoolRegistry) lookupActive(chain, poolID string) (*poolState, error) {
	state, err := r.lookup(chain, poolID)
	if err != nil {
		return nil, err
	}
	if !state.snapshot().Active {
		return nil, ErrPoolRetired
	}
	return state, nil
}
