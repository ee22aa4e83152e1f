package fairorder

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubStore struct {
	mu      sync.Mutex
	pools   map[string]*OrderingPool
	batches []*BatchResult
}

func newStubStore() *stubStore {
	return &stubStore{pools: make(map[string]*OrderingPool)}
}

func (s *stubStore) InsertPool(_ context.Context, pool *OrderingPool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *pool
	s.pools[pool.ID] = &copied
	return nil
}

func (s *stubStore) UpdatePool(_ context.Context, pool *OrderingPool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *pool
	s.pools[pool.ID] = &copied
	return nil
}

func (s *stubStore) ListPools(_ context.Context, chain string) ([]*OrderingPool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pools := make([]*OrderingPool, 0, len(s.pools))
	for _, pool := range s.pools {
		if chain != "" && pool.Chain != chain {
			continue
		}
		copied := *pool
		pools = append(pools, &copied)
	}
	return pools, nil
}

func (s *stubStore) InsertBatchResult(_ context.Context, result *BatchResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, result)
	return nil
}

func (s *stubStore) storedPool(id string) *OrderingPool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pools[id]
}

type capturePublisher struct {
	results chan *BatchResult
}

func newCapturePublisher() *capturePublisher {
	return &capturePublisher{results: make(chan *BatchResult, 100)}
}

func (p *capturePublisher) NotifyBatch(_ context.Context, result *BatchResult) error {
	p.results <- result
	return nil
}

func (p *capturePublisher) next(t *testing.T) *BatchResult {
	t.Helper()
	select {
	case result := <-p.results:
		return result
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for published batch")
	}
	return nil
}

type testStack struct {
	store     *stubStore
	publisher *capturePublisher
	agg       *MetricsAggregator
	registry  *PoolRegistry
	intake    *SubmissionIntake
	scheduler *BatchScheduler
}

func newTestStack(t *testing.T, ctx context.Context) *testStack {
	t.Helper()
	log := zap.NewNop()
	store := newStubStore()
	publisher := newCapturePublisher()
	agg := NewMetricsAggregator()
	engine := NewOrderingEngine(NewRiskAnalyzer(), LocalSecureCompute{})
	scheduler := NewBatchScheduler(log, engine, store, publisher, &ExecutorsBackend{}, agg, 10*time.Millisecond)
	registry := NewPoolRegistry(log, store, scheduler, 1000)
	require.NoError(t, registry.Start(ctx))
	return &testStack{
		store:     store,
		publisher: publisher,
		agg:       agg,
		registry:  registry,
		intake:    NewSubmissionIntake(log, registry),
		scheduler: scheduler,
	}
}

func sendArgs(poolID string, gasGwei int64) *SendTxArgs {
	return &SendTxArgs{
		PoolID:   poolID,
		Sender:   common.HexToAddress("0x1100000000000000000000000000000000000011"),
		Receiver: common.HexToAddress("0x2200000000000000000000000000000000000022"),
		Value:    (*hexutil.Big)(big.NewInt(1000)),
		GasPrice: (*hexutil.Big)(gwei(gasGwei)),
		GasLimit: 21000,
	}
}

func TestCreatePoolValidation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stack := newTestStack(t, ctx)

	_, err := stack.registry.CreatePool(ctx, "testnet", PoolConfig{
		Name: "bad", Algorithm: "bogus", BatchSize: 10,
	})
	require.ErrorIs(t, err, ErrInvalidAlgorithm)

	_, err = stack.registry.CreatePool(ctx, "testnet", PoolConfig{
		Name: "bad", Algorithm: AlgorithmPriority, BatchSize: 0,
	})
	require.ErrorIs(t, err, ErrInvalidBatchSize)

	_, err = stack.registry.CreatePool(ctx, "testnet", PoolConfig{
		Algorithm: AlgorithmPriority, BatchSize: 10,
	})
	require.ErrorIs(t, err, ErrMissingPoolName)

	_, err = stack.registry.CreatePool(ctx, "testnet", PoolConfig{
		Name: "bad", Algorithm: AlgorithmPriority, BatchSize: 10, MaxSlippage: 1.5,
	})
	require.ErrorIs(t, err, ErrInvalidMaxSlippage)
}

func TestCreatePoolDefaultsAndPersistence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stack := newTestStack(t, ctx)

	pool, err := stack.registry.CreatePool(ctx, "testnet", PoolConfig{
		Name: "swaps", Algorithm: AlgorithmFairSequencing, BatchSize: 50,
	})
	require.NoError(t, err)
	require.NotEmpty(t, pool.ID)
	require.True(t, pool.Active)
	require.Equal(t, "testnet", pool.Chain)
	require.Equal(t, FairnessMedium, pool.Config.FairnessLevel)

	stored := stack.store.storedPool(pool.ID)
	require.NotNil(t, stored)
	require.Equal(t, pool.Config.Name, stored.Config.Name)
}

func TestListPoolsChainScoped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stack := newTestStack(t, ctx)

	_, err := stack.registry.CreatePool(ctx, "mainnet", PoolConfig{
		Name: "m", Algorithm: AlgorithmPriority, BatchSize: 10,
	})
	require.NoError(t, err)
	testnetPool, err := stack.registry.CreatePool(ctx, "testnet", PoolConfig{
		Name: "t", Algorithm: AlgorithmPriority, BatchSize: 10,
	})
	require.NoError(t, err)

	pools := stack.registry.ListPools(ctx, "testnet")
	require.Len(t, pools, 1)
	require.Equal(t, testnetPool.ID, pools[0].ID)
	require.Len(t, stack.registry.ListPools(ctx, ""), 2)

	_, err = stack.registry.GetPool("mainnet", testnetPool.ID)
	require.ErrorIs(t, err, ErrChainMismatch)
}

func TestSubmitValidation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stack := newTestStack(t, ctx)

	pool, err := stack.registry.CreatePool(ctx, "testnet", PoolConfig{
		Name: "p", Algorithm: AlgorithmFirstComeFirstServed, BatchSize: 100,
	})
	require.NoError(t, err)

	_, err = stack.intake.Submit(ctx, "testnet", &SendTxArgs{})
	require.ErrorIs(t, err, ErrMissingPoolID)

	args := sendArgs(pool.ID, 20)
	args.Sender = common.Address{}
	_, err = stack.intake.Submit(ctx, "testnet", args)
	require.ErrorIs(t, err, ErrMissingSender)

	args = sendArgs(pool.ID, 20)
	args.Value = nil
	_, err = stack.intake.Submit(ctx, "testnet", args)
	require.ErrorIs(t, err, ErrMissingValue)

	_, err = stack.intake.Submit(ctx, "testnet", sendArgs("no-such-pool", 20))
	require.ErrorIs(t, err, ErrUnknownPool)

	_, err = stack.intake.Submit(ctx, "mainnet", sendArgs(pool.ID, 20))
	require.ErrorIs(t, err, ErrChainMismatch)
}

func TestSubmitFairWindowValidation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stack := newTestStack(t, ctx)

	pool, err := stack.registry.CreatePool(ctx, "testnet", PoolConfig{
		Name: "p", Algorithm: AlgorithmFirstComeFirstServed, BatchSize: 100,
	})
	require.NoError(t, err)

	past := time.Now().Add(-time.Minute)
	_, err = stack.intake.SubmitFair(ctx, "testnet", &SendFairTxArgs{
		SendTxArgs:    *sendArgs(pool.ID, 20),
		Protection:    ProtectionStandard,
		ExecuteBefore: &past,
	})
	require.ErrorIs(t, err, ErrPastExecutionWindow)

	after := time.Now().Add(time.Hour)
	before := time.Now().Add(time.Minute)
	_, err = stack.intake.SubmitFair(ctx, "testnet", &SendFairTxArgs{
		SendTxArgs:    *sendArgs(pool.ID, 20),
		ExecuteAfter:  &after,
		ExecuteBefore: &before,
	})
	require.ErrorIs(t, err, ErrInvalidExecutionWindow)
}

func TestEndToEndBatchPublishing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stack := newTestStack(t, ctx)

	pool, err := stack.registry.CreatePool(ctx, "testnet", PoolConfig{
		Name: "fcfs", Algorithm: AlgorithmFirstComeFirstServed, BatchSize: 3,
	})
	require.NoError(t, err)

	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		id, err := stack.intake.Submit(ctx, "testnet", sendArgs(pool.ID, 20))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	result := stack.publisher.next(t)
	require.Equal(t, pool.ID, result.PoolID)
	require.Equal(t, "testnet", result.Chain)
	require.Equal(t, AlgorithmFirstComeFirstServed, result.Algorithm)
	require.Len(t, result.Seed, 32)

	ordered := result.Ordered()
	require.Len(t, ordered, 3)
	for i, o := range ordered {
		require.Equal(t, ids[i], o.TxID)
		require.Equal(t, i, o.Sequence)
	}

	// the published batch is observable in the fairness window
	require.Eventually(t, func() bool {
		_, ok := stack.agg.Snapshot(pool.ID)
		return ok
	}, time.Second, 10*time.Millisecond)
}

func TestConcurrentSubmissionsGetUniqueIDs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stack := newTestStack(t, ctx)

	pool, err := stack.registry.CreatePool(ctx, "testnet", PoolConfig{
		Name: "burst", Algorithm: AlgorithmFairSequencing, BatchSize: 10,
	})
	require.NoError(t, err)

	const n = 100
	idCh := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := stack.intake.Submit(ctx, "testnet", sendArgs(pool.ID, 20))
			require.NoError(t, err)
			idCh <- id
		}()
	}
	wg.Wait()
	close(idCh)

	ids := make(map[string]bool, n)
	for id := range idCh {
		require.False(t, ids[id], "duplicate transaction id %s", id)
		ids[id] = true
	}
	require.Len(t, ids, n)

	// every submission ends up in exactly one published batch
	seen := make(map[string]bool, n)
	for len(seen) < n {
		result := stack.publisher.next(t)
		for _, o := range result.Outcomes {
			require.False(t, seen[o.TxID], "transaction %s published twice", o.TxID)
			seen[o.TxID] = true
		}
	}
	require.Len(t, seen, n)
}

func TestFairSequencingDecouplesGasFromPosition(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stack := newTestStack(t, ctx)

	pool, err := stack.registry.CreatePool(ctx, "testnet", PoolConfig{
		Name: "fair", Algorithm: AlgorithmFairSequencing, BatchSize: 12, MevProtection: true, MaxSlippage: 1,
	})
	require.NoError(t, err)

	ids := make([]string, 0, 12)
	for i := 0; i < 12; i++ {
		id, err := stack.intake.SubmitFair(ctx, "testnet", &SendFairTxArgs{
			SendTxArgs: *sendArgs(pool.ID, int64(10+10*i)),
			Protection: ProtectionStandard,
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	result := stack.publisher.next(t)
	ordered := result.Ordered()
	require.Len(t, ordered, 12)

	gasDescending := make([]string, len(ids))
	for i := range ids {
		gasDescending[i] = ids[len(ids)-1-i]
	}
	executed := make([]string, 0, len(ordered))
	for _, o := range ordered {
		executed = append(executed, o.TxID)
		require.NotNil(t, o.ProtectionFee)
	}
	require.NotEqual(t, gasDescending, executed)
}

func TestUpdatePoolConfig(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stack := newTestStack(t, ctx)

	pool, err := stack.registry.CreatePool(ctx, "testnet", PoolConfig{
		Name: "p", Algorithm: AlgorithmFirstComeFirstServed, BatchSize: 100,
	})
	require.NoError(t, err)

	updated := pool.Config
	updated.Algorithm = AlgorithmPriority
	updated.BatchSize = 5
	require.NoError(t, stack.registry.UpdatePoolConfig(ctx, "testnet", pool.ID, updated))

	snapshot, err := stack.registry.GetPool("testnet", pool.ID)
	require.NoError(t, err)
	require.Equal(t, AlgorithmPriority, snapshot.Config.Algorithm)
	require.Equal(t, 5, snapshot.Config.BatchSize)
	require.True(t, snapshot.UpdatedAt.After(pool.UpdatedAt) || snapshot.UpdatedAt.Equal(pool.UpdatedAt))

	updated.BatchSize = 0
	require.ErrorIs(t, stack.registry.UpdatePoolConfig(ctx, "testnet", pool.ID, updated), ErrInvalidBatchSize)

	require.ErrorIs(t, stack.registry.UpdatePoolConfig(ctx, "testnet", "missing", pool.Config), ErrUnknownPool)
}

func TestRetirePool(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stack := newTestStack(t, ctx)

	pool, err := stack.registry.CreatePool(ctx, "testnet", PoolConfig{
		Name: "p", Algorithm: AlgorithmFirstComeFirstServed, BatchSize: 100,
	})
	require.NoError(t, err)

	require.NoError(t, stack.registry.RetirePool(ctx, "testnet", pool.ID))

	// retired pools refuse new submissions but stay listed and readable
	_, err = stack.intake.Submit(ctx, "testnet", sendArgs(pool.ID, 20))
	require.ErrorIs(t, err, ErrPoolRetired)

	snapshot, err := stack.registry.GetPool("testnet", pool.ID)
	require.NoError(t, err)
	require.False(t, snapshot.Active)
	require.Len(t, stack.registry.ListPools(ctx, "testnet"), 1)

	require.ErrorIs(t, stack.registry.RetirePool(ctx, "testnet", pool.ID), ErrPoolRetired)
	require.ErrorIs(t, stack.registry.UpdatePoolConfig(ctx, "testnet", pool.ID, pool.Config), ErrPoolRetired)
}

func TestRegistryRestoresPersistedPools(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newStubStore()
	store.pools["restored"] = &OrderingPool{
		ID: "restored", Chain: "testnet", Active: true,
		Config: PoolConfig{Name: "r", Algorithm: AlgorithmPriority, BatchSize: 10},
	}
	store.pools["retired"] = &OrderingPool{
		ID: "retired", Chain: "testnet", Active: false,
		Config: PoolConfig{Name: "old", Algorithm: AlgorithmPriority, BatchSize: 10},
	}

	log := zap.NewNop()
	agg := NewMetricsAggregator()
	engine := NewOrderingEngine(NewRiskAnalyzer(), LocalSecureCompute{})
	publisher := newCapturePublisher()
	scheduler := NewBatchScheduler(log, engine, store, publisher, &ExecutorsBackend{}, agg, 10*time.Millisecond)
	registry := NewPoolRegistry(log, store, scheduler, 1000)
	require.NoError(t, registry.Start(ctx))

	require.Len(t, registry.ListPools(ctx, "testnet"), 2)

	intake := NewSubmissionIntake(log, registry)
	id, err := intake.Submit(ctx, "testnet", sendArgs("restored", 20))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	_, err = intake.Submit(ctx, "testnet", sendArgs("retired", 20))
	require.ErrorIs(t, err, ErrPoolRetired)
}
