package fairorder

import (
	"math/big"
	"sort"
	"sync"
	"time"
)

const defaultMetricsWindow = 32

// MetricsAggregator maintains rolling FairnessMetrics per pool from
// published batch results. Snapshots are copies, readers never observe a
// half-updated window.
type MetricsAggregator struct {
	mu         sync.RWMutex
	windows    map[string]*poolWindow
	windowSize int
}

type poolWindow struct {
	results []*BatchResult
}

func NewMetricsAggregator() *MetricsAggregator {
	return &MetricsAggregator{
		windows:    make(map[string]*poolWindow),
		windowSize: defaultMetricsWindow,
	}
}

// Record appends a batch result to the pool's rolling window.
func (m *MetricsAggregator) Record(result *BatchResult) {
	if result == nil || len(result.Outcomes) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[result.PoolID]
	if !ok {
		w = &poolWindow{}
		m.windows[result.PoolID] = w
	}
	w.results = append(w.results, result)
	if len(w.results) > m.windowSize {
		w.results = w.results[len(w.results)-m.windowSize:]
	}
}

// Snapshot recomputes the metrics for a pool from its current window. The
// second return value is false when no batch has been recorded yet.
func (m *MetricsAggregator) Snapshot(poolID string) (FairnessMetrics, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	metrics := FairnessMetrics{
		PoolID:      poolID,
		GeneratedAt: time.Now().UTC(),
	}
	w, ok := m.windows[poolID]
	if !ok || len(w.results) == 0 {
		return metrics, false
	}

	var (
		fairnessSum   float64
		efficiencySum float64
		totalFees     = new(big.Int)
		totalMev      = new(big.Int)
		protected     bool
	)
	for _, result := range w.results {
		fairnessSum += batchFairness(result)
		ordered := 0
		for _, o := range result.Outcomes {
			if o.Status == TxStatusOrdered {
				ordered++
			}
			if o.ProtectionFee != nil {
				protected = true
				totalFees.Add(totalFees, o.ProtectionFee.ToInt())
			}
			if o.EstimatedMev != nil {
				totalMev.Add(totalMev, o.EstimatedMev.ToInt())
			}
		}
		if result.BatchSize > 0 {
			efficiencySum += float64(ordered) / float64(result.BatchSize)
		}
	}

	n := float64(len(w.results))
	metrics.Batches = len(w.results)
	metrics.FairnessScore = clamp01(fairnessSum / n)
	metrics.OrderingEfficiency = efficiencySum / n
	metrics.ProtectionEffectiveness = protectionEffectiveness(protected, totalFees, totalMev)
	return metrics, true
}

// batchFairness blends how little the executed order correlates with gas
// price against the share of transactions that made it through without
// expiring or being rejected.
func batchFairness(result *BatchResult) float64 {
	total := len(result.Outcomes)
	if total == 0 {
		return 1
	}
	ordered := result.Ordered()
	completion := float64(len(ordered)) / float64(total)

	protected := false
	for _, o := range result.Outcomes {
		if o.ProtectionFee != nil {
			protected = true
			break
		}
	}
	if !protected {
		return completion
	}
	decorrelation := 1 - absFloat(gasPositionCorrelation(ordered))
	return clamp01(0.5*decorrelation + 0.5*completion)
}

// gasPositionCorrelation is the Spearman rank correlation between gas price
// (descending) and executed position. 1 means the batch executed exactly in
// gas-price order, 0 means no correlation.
func gasPositionCorrelation(ordered []TxOutcome) float64 {
	n := len(ordered)
	if n < 2 {
		return 0
	}

	byGas := make([]int, n)
	for i := range byGas {
		byGas[i] = i
	}
	sort.SliceStable(byGas, func(a, b int) bool {
		ga, gb := gasOf(ordered[byGas[a]]), gasOf(ordered[byGas[b]])
		if cmp := ga.Cmp(gb); cmp != 0 {
			return cmp > 0
		}
		return ordered[byGas[a]].ArrivalSeq < ordered[byGas[b]].ArrivalSeq
	})
	gasRank := make([]int, n)
	for rank, idx := range byGas {
		gasRank[idx] = rank
	}

	var sumD2 float64
	for pos := range ordered {
		d := float64(pos - gasRank[pos])
		sumD2 += d * d
	}
	nf := float64(n)
	return 1 - (6*sumD2)/(nf*(nf*nf-1))
}

func gasOf(o TxOutcome) *big.Int {
	if o.GasPrice == nil {
		return big.NewInt(0)
	}
	return o.GasPrice.ToInt()
}

// protectionEffectiveness compares the fees actually charged against the
// extractable value the analyzer estimated. A pool without protection
// enabled reports full effectiveness trivially.
func protectionEffectiveness(protected bool, fees, estimated *big.Int) float64 {
	if !protected || estimated.Sign() == 0 {
		return 1
	}
	ratio, _ := new(big.Float).Quo(
		new(big.Float).SetInt(fees),
		new(big.Float).SetInt(estimated),
	).Float64()
	return clamp01(ratio)
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
