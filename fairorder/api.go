package fairorder

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/lru"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"
	"golang.org/x/time/rate"

	"github.com/fairorder/fairorder-node/jsonrpcserver"
	"github.com/fairorder/fairorder-node/metrics"
)

const (
	assessmentCacheSize = 1000
	metricsCacheTTL     = time.Second
	metricsCacheCleanup = 10 * time.Second
)

// API is the JSON-RPC surface of the fair-ordering engine.
type API struct {
	log *zap.Logger

	registry *PoolRegistry
	intake   *SubmissionIntake
	analyzer *RiskAnalyzer
	agg      *MetricsAggregator

	defaultChain    string
	analysisLimiter *rate.Limiter

	assessmentCache *lru.Cache[common.Hash, FairnessRiskAssessment]
	metricsCache    *gocache.Cache
}

func NewAPI(
	log *zap.Logger,
	registry *PoolRegistry, intake *SubmissionIntake, analyzer *RiskAnalyzer, agg *MetricsAggregator,
	defaultChain string, analysisRateLimit rate.Limit,
) *API {
	return &API{
		log:             log,
		registry:        registry,
		intake:          intake,
		analyzer:        analyzer,
		agg:             agg,
		defaultChain:    defaultChain,
		analysisLimiter: rate.NewLimiter(analysisRateLimit, 1),
		assessmentCache: lru.NewCache[common.Hash, FairnessRiskAssessment](assessmentCacheSize),
		metricsCache:    gocache.New(metricsCacheTTL, metricsCacheCleanup),
	}
}

func (m *API) chainFrom(ctx context.Context) string {
	if chain := jsonrpcserver.GetChain(ctx); chain != "" {
		return chain
	}
	return m.defaultChain
}

func (m *API) CreatePool(ctx context.Context, cfg PoolConfig) (_ *OrderingPool, err error) {
	startAt := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(CreatePoolEndpointName, time.Since(startAt).Milliseconds())
		if err != nil {
			metrics.IncRPCCallFailure(CreatePoolEndpointName)
		}
	}()
	return m.registry.CreatePool(ctx, m.chainFrom(ctx), cfg)
}

func (m *API) ListPools(ctx context.Context) (_ []*OrderingPool, err error) {
	startAt := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(ListPoolsEndpointName, time.Since(startAt).Milliseconds())
		if err != nil {
			metrics.IncRPCCallFailure(ListPoolsEndpointName)
		}
	}()
	return m.registry.ListPools(ctx, m.chainFrom(ctx)), nil
}

func (m *API) UpdatePoolConfig(ctx context.Context, args UpdatePoolArgs) (_ bool, err error) {
	startAt := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(UpdatePoolConfigEndpointName, time.Since(startAt).Milliseconds())
		if err != nil {
			metrics.IncRPCCallFailure(UpdatePoolConfigEndpointName)
		}
	}()
	if err = m.registry.UpdatePoolConfig(ctx, m.chainFrom(ctx), args.PoolID, args.Config); err != nil {
		return false, err
	}
	return true, nil
}

func (m *API) RetirePool(ctx context.Context, args PoolIDArgs) (_ bool, err error) {
	startAt := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(RetirePoolEndpointName, time.Since(startAt).Milliseconds())
		if err != nil {
			metrics.IncRPCCallFailure(RetirePoolEndpointName)
		}
	}()
	if err = m.registry.RetirePool(ctx, m.chainFrom(ctx), args.PoolID); err != nil {
		return false, err
	}
	return true, nil
}

func (m *API) SendTransaction(ctx context.Context, args SendTxArgs) (_ SendTxResponse, err error) {
	startAt := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(SendTransactionEndpointName, time.Since(startAt).Milliseconds())
		if err != nil {
			metrics.IncRPCCallFailure(SendTransactionEndpointName)
		}
	}()
	txID, err := m.intake.Submit(ctx, m.chainFrom(ctx), &args)
	if err != nil {
		return SendTxResponse{}, err
	}
	return SendTxResponse{TxID: txID}, nil
}

func (m *API) SendFairTransaction(ctx context.Context, args SendFairTxArgs) (_ SendTxResponse, err error) {
	startAt := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(SendFairTransactionEndpointName, time.Since(startAt).Milliseconds())
		if err != nil {
			metrics.IncRPCCallFailure(SendFairTransactionEndpointName)
		}
	}()
	txID, err := m.intake.SubmitFair(ctx, m.chainFrom(ctx), &args)
	if err != nil {
		return SendTxResponse{}, err
	}
	return SendTxResponse{TxID: txID}, nil
}

func (m *API) AnalyzeFairnessRisk(ctx context.Context, args AnalyzeTxArgs) (_ *FairnessRiskAssessment, err error) {
	startAt := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(AnalyzeFairnessRiskEndpointName, time.Since(startAt).Milliseconds())
		if err != nil {
			metrics.IncRPCCallFailure(AnalyzeFairnessRiskEndpointName)
		}
	}()

	key := analysisCacheKey(&args)
	if cached, ok := m.assessmentCache.Get(key); ok {
		return &cached, nil
	}

	assessment, err := m.analyzer.AssessFairnessRisk(riskInputFromArgs(&args))
	if err != nil {
		return nil, err
	}
	m.assessmentCache.Add(key, *assessment)
	return assessment, nil
}

func (m *API) AnalyzeMevRisk(ctx context.Context, args AnalyzeMevArgs) (_ *MevThreatAssessment, err error) {
	startAt := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(AnalyzeMevRiskEndpointName, time.Since(startAt).Milliseconds())
		if err != nil {
			metrics.IncRPCCallFailure(AnalyzeMevRiskEndpointName)
		}
	}()

	if err = m.analysisLimiter.Wait(ctx); err != nil {
		return nil, err
	}
	return m.analyzer.AssessMevThreat(riskInputFromArgs(&args.AnalyzeTxArgs), &args.Mempool)
}

func (m *API) GetFairnessMetrics(ctx context.Context, args PoolIDArgs) (_ *FairnessMetrics, err error) {
	startAt := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(GetFairnessMetricsEndpointName, time.Since(startAt).Milliseconds())
		if err != nil {
			metrics.IncRPCCallFailure(GetFairnessMetricsEndpointName)
		}
	}()

	if _, err = m.registry.GetPool(m.chainFrom(ctx), args.PoolID); err != nil {
		return nil, err
	}

	if cached, ok := m.metricsCache.Get(args.PoolID); ok {
		snapshot := cached.(FairnessMetrics) //nolint:forcetypeassert
		return &snapshot, nil
	}

	snapshot, ok := m.agg.Snapshot(args.PoolID)
	if !ok {
		// fresh pool with no published batches yet
		snapshot.FairnessScore = 1
		snapshot.ProtectionEffectiveness = 1
	}
	m.metricsCache.Set(args.PoolID, snapshot, metricsCacheTTL)
	return &snapshot, nil
}

func analysisCacheKey(args *AnalyzeTxArgs) common.Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write(args.Sender.Bytes())
	h.Write(args.Receiver.Bytes())
	if args.Value != nil {
		h.Write(args.Value.ToInt().Bytes())
	}
	if args.GasPrice != nil {
		h.Write(args.GasPrice.ToInt().Bytes())
	}
	var gasLimit [8]byte
	for i := 0; i < 8; i++ {
		gasLimit[i] = byte(uint64(args.GasLimit) >> (56 - 8*i))
	}
	h.Write(gasLimit[:])
	h.Write(args.Data)
	return common.BytesToHash(h.Sum(nil))
}
