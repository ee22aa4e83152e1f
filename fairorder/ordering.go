package fairorder

import (
	"context"
	"encoding/binary"
	"math/big"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"
)

// OrderingEngine turns a drained batch into a BatchResult. Given the same
// batch, pool config and seed it always produces the same sequence and the
// same fees.
type OrderingEngine struct {
	analyzer *RiskAnalyzer
	secure   SecureCompute
}

func NewOrderingEngine(analyzer *RiskAnalyzer, secure SecureCompute) *OrderingEngine {
	return &OrderingEngine{
		analyzer: analyzer,
		secure:   secure,
	}
}

// OrderBatch sequences a batch under the pool config. An empty batch yields
// an empty result, not an error. Transactions whose slippage tolerance
// cannot be honored at the computed position are marked rejected instead of
// being silently ordered.
func (e *OrderingEngine) OrderBatch(ctx context.Context, pool *OrderingPool, txs []*QueuedTransaction, seed [32]byte) (*BatchResult, error) {
	cfg := pool.Config
	result := &BatchResult{
		BatchID:   uuid.NewString(),
		PoolID:    pool.ID,
		Chain:     pool.Chain,
		Algorithm: cfg.Algorithm,
		BatchSize: cfg.BatchSize,
		Seed:      seed[:],
		CreatedAt: time.Now().UTC(),
	}
	if len(txs) == 0 {
		return result, nil
	}

	// canonical input order, the seed-keyed algorithms permute this
	batch := make([]*QueuedTransaction, len(txs))
	copy(batch, txs)
	sortByArrival(batch)

	arrivalRank := make(map[string]int, len(batch))
	for i, tx := range batch {
		arrivalRank[tx.ID] = i
	}

	ordered, err := sequence(batch, cfg.Algorithm, seed)
	if err != nil {
		return nil, err
	}

	outcomes := make([]TxOutcome, 0, len(ordered))
	nextSeq := 0
	for pos, tx := range ordered {
		outcome := TxOutcome{
			TxID:       tx.ID,
			Status:     TxStatusOrdered,
			GasPrice:   bigToHex(tx.GasPrice),
			ArrivalSeq: tx.ArrivalSeq,
		}

		if cfg.MevProtection {
			fee, est, err := e.protectionFee(ctx, tx)
			if err != nil {
				return nil, err
			}
			outcome.ProtectionFee = bigToHex(fee)
			outcome.EstimatedMev = bigToHex(est)

			if rejectedBySlippage(cfg.MaxSlippage, arrivalRank[tx.ID], pos, len(ordered), tx.Protection) {
				outcome.Status = TxStatusRejected
				outcome.Sequence = -1
				outcomes = append(outcomes, outcome)
				continue
			}
		}

		outcome.Sequence = nextSeq
		nextSeq++
		outcomes = append(outcomes, outcome)
	}

	result.Outcomes = outcomes
	return result, nil
}

// sequence applies the configured algorithm. The switch is exhaustive over
// OrderingAlgorithm, an unknown value is a config error handled by the
// scheduler retry path.
func sequence(batch []*QueuedTransaction, algorithm OrderingAlgorithm, seed [32]byte) ([]*QueuedTransaction, error) {
	ordered := make([]*QueuedTransaction, len(batch))
	copy(ordered, batch)

	switch algorithm {
	case AlgorithmFirstComeFirstServed:
		// batch is already in canonical arrival order

	case AlgorithmPriority:
		sort.SliceStable(ordered, func(i, j int) bool {
			cmp := priorityFeeOf(ordered[i]).Cmp(priorityFeeOf(ordered[j]))
			if cmp != 0 {
				return cmp > 0
			}
			if !ordered[i].SubmittedAt.Equal(ordered[j].SubmittedAt) {
				return ordered[i].SubmittedAt.Before(ordered[j].SubmittedAt)
			}
			return ordered[i].ID < ordered[j].ID
		})

	case AlgorithmFairSequencing:
		// position is derived from batch entropy and the transaction id,
		// never from any economically manipulable field
		keys := make(map[string][]byte, len(ordered))
		for _, tx := range ordered {
			keys[tx.ID] = positionKey(seed, tx.ID)
		}
		sort.SliceStable(ordered, func(i, j int) bool {
			ki, kj := keys[ordered[i].ID], keys[ordered[j].ID]
			for b := range ki {
				if ki[b] != kj[b] {
					return ki[b] < kj[b]
				}
			}
			return ordered[i].ID < ordered[j].ID
		})

	case AlgorithmRandomized:
		rnd := rand.New(rand.NewSource(int64(binary.BigEndian.Uint64(seed[:8])))) //nolint:gosec
		rnd.Shuffle(len(ordered), func(i, j int) {
			ordered[i], ordered[j] = ordered[j], ordered[i]
		})

	default:
		return nil, ErrInvalidAlgorithm
	}
	return ordered, nil
}

func positionKey(seed [32]byte, txID string) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(seed[:])
	h.Write([]byte(txID))
	return h.Sum(nil)
}

func priorityFeeOf(tx *QueuedTransaction) *big.Int {
	if tx.PriorityFee == nil {
		return big.NewInt(0)
	}
	return tx.PriorityFee
}

// rejectedBySlippage reports whether a transaction jumped too far ahead of
// its arrival position for the pool's tolerance. Only transactions that
// asked for at least standard protection are held to the tolerance.
func rejectedBySlippage(maxSlippage float64, arrival, position, batchLen int, requested ProtectionLevel) bool {
	if maxSlippage >= 1 || requested < ProtectionStandard || batchLen == 0 {
		return false
	}
	jumped := arrival - position
	if jumped <= 0 {
		return false
	}
	return float64(jumped)/float64(batchLen) > maxSlippage
}

func (e *OrderingEngine) protectionFee(ctx context.Context, tx *QueuedTransaction) (fee, estimated *big.Int, err error) {
	assessment, err := e.analyzer.AssessFairnessRisk(riskInputFromTx(tx))
	if err != nil {
		return nil, nil, err
	}
	estimated = hexToBig(assessment.EstimatedMev)
	fee, err = e.secure.ProtectionFee(ctx, assessment.RiskLevel, estimated, tx.Protection)
	if err != nil {
		return nil, nil, err
	}
	return fee, estimated, nil
}
