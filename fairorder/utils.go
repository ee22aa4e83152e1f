package fairorder

import (
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

func bigToHex(v *big.Int) *hexutil.Big {
	if v == nil {
		return nil
	}
	return (*hexutil.Big)(new(big.Int).Set(v))
}

func hexToBig(v *hexutil.Big) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v.ToInt())
}

func riskInputFromTx(tx *QueuedTransaction) *RiskInput {
	return &RiskInput{
		Sender:   tx.Sender,
		Value:    tx.Value,
		Data:     tx.Data,
		GasPrice: tx.GasPrice,
		GasLimit: tx.GasLimit,
	}
}

func riskInputFromArgs(args *AnalyzeTxArgs) *RiskInput {
	return &RiskInput{
		Sender:   args.Sender,
		Value:    hexToBig(args.Value),
		Data:     args.Data,
		GasPrice: hexToBig(args.GasPrice),
		GasLimit: uint64(args.GasLimit),
	}
}

// sortByArrival puts a batch into canonical arrival order: submission time
// ascending, ties by arrival sequence, then by id.
func sortByArrival(txs []*QueuedTransaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		if !txs[i].SubmittedAt.Equal(txs[j].SubmittedAt) {
			return txs[i].SubmittedAt.Before(txs[j].SubmittedAt)
		}
		if txs[i].ArrivalSeq != txs[j].ArrivalSeq {
			return txs[i].ArrivalSeq < txs[j].ArrivalSeq
		}
		return txs[i].ID < txs[j].ID
	})
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
