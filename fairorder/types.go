package fairorder

import (
	"encoding/json"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	ErrInvalidAlgorithm       = errors.New("invalid ordering algorithm")
	ErrInvalidFairnessLevel   = errors.New("invalid fairness level")
	ErrInvalidProtectionLevel = errors.New("invalid protection level")
	ErrInvalidBatchSize       = errors.New("batch size must be positive")
	ErrInvalidMaxSlippage     = errors.New("max slippage must be within [0, 1]")
	ErrMissingPoolName        = errors.New("pool name is required")
)

const (
	CreatePoolEndpointName          = "fair_createPool"
	ListPoolsEndpointName           = "fair_listPools"
	UpdatePoolConfigEndpointName    = "fair_updatePoolConfig"
	RetirePoolEndpointName          = "fair_retirePool"
	SendTransactionEndpointName     = "fair_sendTransaction"
	SendFairTransactionEndpointName = "fair_sendFairTransaction"
	AnalyzeFairnessRiskEndpointName = "fair_analyzeFairnessRisk"
	AnalyzeMevRiskEndpointName      = "fair_analyzeMevRisk"
	GetFairnessMetricsEndpointName  = "fair_getFairnessMetrics"
)

// OrderingAlgorithm selects how a drained batch is sequenced.
type OrderingAlgorithm string

const (
	AlgorithmFirstComeFirstServed OrderingAlgorithm = "first_come_first_served"
	AlgorithmPriority             OrderingAlgorithm = "priority"
	AlgorithmFairSequencing       OrderingAlgorithm = "fair_sequencing"
	AlgorithmRandomized           OrderingAlgorithm = "randomized"
)

func (a OrderingAlgorithm) Valid() bool {
	switch a {
	case AlgorithmFirstComeFirstServed, AlgorithmPriority, AlgorithmFairSequencing, AlgorithmRandomized:
		return true
	}
	return false
}

// FairnessLevel tunes how aggressive the fairness scoring is for a pool.
type FairnessLevel string

const (
	FairnessLow     FairnessLevel = "low"
	FairnessMedium  FairnessLevel = "medium"
	FairnessHigh    FairnessLevel = "high"
	FairnessMaximum FairnessLevel = "maximum"
)

func (l FairnessLevel) Valid() bool {
	switch l {
	case FairnessLow, FairnessMedium, FairnessHigh, FairnessMaximum:
		return true
	}
	return false
}

// ProtectionLevel is the protection tier requested with a fair submission.
// Levels are ordered, a higher level always buys at least as much protection.
type ProtectionLevel uint8

const (
	ProtectionNone ProtectionLevel = iota
	ProtectionBasic
	ProtectionStandard
	ProtectionHigh
	ProtectionMaximum
)

var protectionLevelNames = map[ProtectionLevel]string{
	ProtectionNone:     "none",
	ProtectionBasic:    "basic",
	ProtectionStandard: "standard",
	ProtectionHigh:     "high",
	ProtectionMaximum:  "maximum",
}

func (p ProtectionLevel) String() string {
	if name, ok := protectionLevelNames[p]; ok {
		return name
	}
	return "unknown"
}

func (p ProtectionLevel) MarshalJSON() ([]byte, error) {
	name, ok := protectionLevelNames[p]
	if !ok {
		return nil, ErrInvalidProtectionLevel
	}
	return json.Marshal(name)
}

func (p *ProtectionLevel) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for level, levelName := range protectionLevelNames {
		if levelName == name {
			*p = level
			return nil
		}
	}
	return ErrInvalidProtectionLevel
}

// RiskLevel is the discrete outcome of a risk assessment.
type RiskLevel uint8

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
)

var riskLevelNames = map[RiskLevel]string{
	RiskLow:    "low",
	RiskMedium: "medium",
	RiskHigh:   "high",
}

func (r RiskLevel) String() string {
	if name, ok := riskLevelNames[r]; ok {
		return name
	}
	return "unknown"
}

func (r RiskLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

func (r *RiskLevel) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for level, levelName := range riskLevelNames {
		if levelName == name {
			*r = level
			return nil
		}
	}
	return errors.New("invalid risk level")
}

// TxStatus is the recorded outcome of a queued transaction.
type TxStatus string

const (
	TxStatusQueued   TxStatus = "queued"
	TxStatusOrdered  TxStatus = "ordered"
	TxStatusExpired  TxStatus = "expired"
	TxStatusRejected TxStatus = "rejected"
)

// PoolConfig is the replaceable part of an ordering pool. Updating it never
// changes the pool identity and only affects batches drained after the
// update commits.
type PoolConfig struct {
	Name          string            `json:"name"`
	Description   string            `json:"description,omitempty"`
	Algorithm     OrderingAlgorithm `json:"algorithm"`
	BatchSize     int               `json:"batchSize"`
	MevProtection bool              `json:"mevProtection"`
	FairnessLevel FairnessLevel     `json:"fairnessLevel"`
	MaxSlippage   float64           `json:"maxSlippage"`
	Parameters    map[string]string `json:"parameters,omitempty"`
}

func (c *PoolConfig) Validate() error {
	if c.Name == "" {
		return ErrMissingPoolName
	}
	if !c.Algorithm.Valid() {
		return ErrInvalidAlgorithm
	}
	if c.BatchSize <= 0 {
		return ErrInvalidBatchSize
	}
	if c.FairnessLevel == "" {
		c.FairnessLevel = FairnessMedium
	}
	if !c.FairnessLevel.Valid() {
		return ErrInvalidFairnessLevel
	}
	if c.MaxSlippage < 0 || c.MaxSlippage > 1 {
		return ErrInvalidMaxSlippage
	}
	return nil
}

// OrderingPool is a named, configured transaction queue scoped to one chain.
// The id and chain are immutable for the pool lifetime, retirement is a
// state flag rather than erasure.
type OrderingPool struct {
	ID        string     `json:"id"`
	Chain     string     `json:"chain"`
	Active    bool       `json:"active"`
	Config    PoolConfig `json:"config"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// SendTxArgs is a plain submission into a pool, no protection tier.
type SendTxArgs struct {
	PoolID      string         `json:"poolId"`
	Sender      common.Address `json:"sender"`
	Receiver    common.Address `json:"receiver"`
	Value       *hexutil.Big   `json:"value"`
	Data        hexutil.Bytes  `json:"data,omitempty"`
	GasPrice    *hexutil.Big   `json:"gasPrice"`
	GasLimit    hexutil.Uint64 `json:"gasLimit"`
	PriorityFee *hexutil.Big   `json:"priorityFee,omitempty"`
}

// SendFairTxArgs adds a protection tier and an execution window.
type SendFairTxArgs struct {
	SendTxArgs
	Protection    ProtectionLevel `json:"protectionLevel"`
	ExecuteAfter  *time.Time      `json:"executeAfter,omitempty"`
	ExecuteBefore *time.Time      `json:"executeBefore,omitempty"`
}

type SendTxResponse struct {
	TxID string `json:"txId"`
}

// QueuedTransaction is a transaction awaiting ordering inside a pool.
// ArrivalSeq is a process-wide counter that makes timestamp ties a total
// order.
type QueuedTransaction struct {
	ID            string
	PoolID        string
	Sender        common.Address
	Receiver      common.Address
	Value         *big.Int
	Data          []byte
	GasPrice      *big.Int
	GasLimit      uint64
	PriorityFee   *big.Int
	Protection    ProtectionLevel
	ExecuteAfter  *time.Time
	ExecuteBefore *time.Time
	SubmittedAt   time.Time
	ArrivalSeq    uint64
}

// TxOutcome is the per-transaction record inside a BatchResult. Sequence is
// -1 for transactions that were not ordered (expired or rejected).
type TxOutcome struct {
	TxID          string       `json:"txId"`
	Status        TxStatus     `json:"status"`
	Sequence      int          `json:"sequence"`
	GasPrice      *hexutil.Big `json:"gasPrice,omitempty"`
	ArrivalSeq    uint64       `json:"arrivalSeq"`
	ProtectionFee *hexutil.Big `json:"protectionFee,omitempty"`
	EstimatedMev  *hexutil.Big `json:"estimatedMev,omitempty"`
}

// BatchResult is the immutable record of one scheduling cycle.
type BatchResult struct {
	BatchID   string            `json:"batchId"`
	PoolID    string            `json:"poolId"`
	Chain     string            `json:"chain"`
	Algorithm OrderingAlgorithm `json:"algorithm"`
	BatchSize int               `json:"batchSize"`
	Seed      hexutil.Bytes     `json:"seed"`
	Outcomes  []TxOutcome       `json:"outcomes"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Ordered returns the outcomes that received a sequence number, in sequence
// order. Outcomes are already stored sequence-first.
func (r *BatchResult) Ordered() []TxOutcome {
	ordered := make([]TxOutcome, 0, len(r.Outcomes))
	for _, o := range r.Outcomes {
		if o.Status == TxStatusOrdered {
			ordered = append(ordered, o)
		}
	}
	return ordered
}

// AnalyzeTxArgs is a standalone transaction for risk analysis, not tied to
// any pool.
type AnalyzeTxArgs struct {
	Sender   common.Address `json:"sender"`
	Receiver common.Address `json:"receiver"`
	Value    *hexutil.Big   `json:"value"`
	Data     hexutil.Bytes  `json:"data,omitempty"`
	GasPrice *hexutil.Big   `json:"gasPrice"`
	GasLimit hexutil.Uint64 `json:"gasLimit"`
}

// MempoolContext summarizes the mempool state for the deeper MEV analysis.
type MempoolContext struct {
	PendingTxCount     int `json:"pendingTxCount"`
	GasPricePercentile int `json:"gasPricePercentile"`
}

type AnalyzeMevArgs struct {
	AnalyzeTxArgs
	TxType  string         `json:"txType,omitempty"`
	Mempool MempoolContext `json:"mempool"`
}

// FairnessRiskAssessment is the output of a single-transaction risk query.
type FairnessRiskAssessment struct {
	RiskLevel       RiskLevel    `json:"riskLevel"`
	EstimatedMev    *hexutil.Big `json:"estimatedMev"`
	RiskFactors     []string     `json:"riskFactors"`
	RecommendedFee  *hexutil.Big `json:"recommendedProtectionFee"`
	Recommendations []string     `json:"recommendations"`
}

// MevThreatAssessment is the output of the mempool-context-aware analysis.
type MevThreatAssessment struct {
	Score      float64   `json:"score"`
	RiskLevel  RiskLevel `json:"riskLevel"`
	Threats    []string  `json:"threats"`
	Strategies []string  `json:"strategies"`
}

// FairnessMetrics is the per-pool rolling aggregate over recent batches.
type FairnessMetrics struct {
	PoolID                  string    `json:"poolId"`
	FairnessScore           float64   `json:"fairnessScore"`
	ProtectionEffectiveness float64   `json:"protectionEffectiveness"`
	OrderingEfficiency      float64   `json:"orderingEfficiency"`
	Batches                 int       `json:"batches"`
	GeneratedAt             time.Time `json:"generatedAt"`
}

type UpdatePoolArgs struct {
	PoolID string     `json:"poolId"`
	Config PoolConfig `json:"config"`
}

type PoolIDArgs struct {
	PoolID string `json:"poolId"`
}
