package fairorder

import (
	"bytes"
	"errors"
	"math/big"
)

var (
	ErrMissingSender   = errors.New("sender address is required")
	ErrMissingValue    = errors.New("transaction value is required")
	ErrNegativeValue   = errors.New("transaction value must not be negative")
	ErrMissingGasPrice = errors.New("gas price is required")
)

// Risk heuristic constants. Weights are fixed so the same input always
// yields the same assessment.
var (
	largeValueThreshold     = big.NewInt(100_000)
	veryLargeValueThreshold = big.NewInt(10_000_000)

	// baseline and outlier gas prices in wei
	baselineGasPrice = new(big.Int).Mul(big.NewInt(20), big.NewInt(1e9))
	outlierGasPrice  = new(big.Int).Mul(big.NewInt(100), big.NewInt(1e9))
	extremeGasPrice  = new(big.Int).Mul(big.NewInt(200), big.NewInt(1e9))

	congestedPendingCount = 150
	highGasPercentile     = 90
	mevScoreMediumCutoff  = 0.35
	mevScoreHighCutoff    = 0.7
)

// Function selectors of common DEX swap entrypoints. A payload starting
// with one of these marks the transaction as swap-shaped.
var dexSwapSelectors = [][]byte{
	{0x38, 0xed, 0x17, 0x39}, // swapExactTokensForTokens (uniswap v2)
	{0x7f, 0xf3, 0x6a, 0xb5}, // swapExactETHForTokens (uniswap v2)
	{0x18, 0xcb, 0xaf, 0xe5}, // swapExactTokensForETH (uniswap v2)
	{0x41, 0x4b, 0xf3, 0x89}, // exactInputSingle (uniswap v3)
	{0xc0, 0x4b, 0x8d, 0x59}, // exactInput (uniswap v3)
}

// RiskInput is the normalized transaction view the analyzer scores.
type RiskInput struct {
	Sender   [20]byte
	Value    *big.Int
	Data     []byte
	GasPrice *big.Int
	GasLimit uint64
}

func (in *RiskInput) validate() error {
	if in.Sender == ([20]byte{}) {
		return ErrMissingSender
	}
	if in.Value == nil {
		return ErrMissingValue
	}
	if in.Value.Sign() < 0 {
		return ErrNegativeValue
	}
	if in.GasPrice == nil || in.GasPrice.Sign() <= 0 {
		return ErrMissingGasPrice
	}
	return nil
}

// RiskAnalyzer scores transactions for extractable-value risk. It is
// stateless, all methods are pure functions of their inputs.
type RiskAnalyzer struct{}

func NewRiskAnalyzer() *RiskAnalyzer {
	return &RiskAnalyzer{}
}

type riskFactors struct {
	score      int
	largeValue bool
	highGas    bool
	swapShaped bool
	tags       []string
}

func (a *RiskAnalyzer) scoreFactors(in *RiskInput) riskFactors {
	var f riskFactors
	if in.Value.Cmp(largeValueThreshold) >= 0 {
		f.score++
		f.largeValue = true
		f.tags = append(f.tags, "Large transaction value")
	}
	if in.Value.Cmp(veryLargeValueThreshold) >= 0 {
		f.score++
	}
	if in.GasPrice.Cmp(outlierGasPrice) >= 0 {
		f.score++
		f.highGas = true
		f.tags = append(f.tags, "High gas price")
	}
	if in.GasPrice.Cmp(extremeGasPrice) >= 0 {
		f.score++
	}
	if isSwapShaped(in.Data) {
		f.score++
		f.swapShaped = true
		f.tags = append(f.tags, "DEX swap calldata")
	}
	return f
}

func isSwapShaped(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	for _, sel := range dexSwapSelectors {
		if bytes.Equal(data[:4], sel) {
			return true
		}
	}
	return false
}

func riskLevelFromScore(score int) RiskLevel {
	switch {
	case score >= 3:
		return RiskHigh
	case score >= 1:
		return RiskMedium
	default:
		return RiskLow
	}
}

// estimatedMev is monotone non-decreasing in value and in the gas-price
// deviation from the baseline.
func estimatedMev(in *RiskInput, score int) *big.Int {
	est := new(big.Int).Div(in.Value, big.NewInt(1000))
	est.Mul(est, big.NewInt(int64(score)+1))

	if deviation := new(big.Int).Sub(in.GasPrice, baselineGasPrice); deviation.Sign() > 0 {
		premium := deviation.Mul(deviation, new(big.Int).SetUint64(in.GasLimit))
		premium.Div(premium, big.NewInt(1e6))
		est.Add(est, premium)
	}
	return est
}

// AssessFairnessRisk scores a single transaction. Malformed input fails
// closed with a validation error instead of a low-risk assessment.
func (a *RiskAnalyzer) AssessFairnessRisk(in *RiskInput) (*FairnessRiskAssessment, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	factors := a.scoreFactors(in)
	level := riskLevelFromScore(factors.score)
	est := estimatedMev(in, factors.score)

	return &FairnessRiskAssessment{
		RiskLevel:       level,
		EstimatedMev:    bigToHex(est),
		RiskFactors:     factors.tags,
		RecommendedFee:  bigToHex(recommendedFee(level, est)),
		Recommendations: recommendationsFor(level),
	}, nil
}

// AssessMevThreat runs the deeper mempool-context-aware analysis. The
// continuous score stays in [0, 1].
func (a *RiskAnalyzer) AssessMevThreat(in *RiskInput, mempool *MempoolContext) (*MevThreatAssessment, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	factors := a.scoreFactors(in)
	congested := mempool != nil && mempool.PendingTxCount >= congestedPendingCount
	pricey := mempool != nil && mempool.GasPricePercentile >= highGasPercentile

	score := 0.0
	if factors.largeValue {
		score += 0.2
	}
	if in.Value.Cmp(veryLargeValueThreshold) >= 0 {
		score += 0.1
	}
	if factors.highGas {
		score += 0.2
	}
	if factors.swapShaped {
		score += 0.25
	}
	if congested {
		score += 0.15
	}
	if pricey {
		score += 0.2
	}
	if score > 1 {
		score = 1
	}

	var threats []string
	if factors.highGas {
		threats = append(threats, "front-running")
	}
	if factors.swapShaped && congested {
		threats = append(threats, "arbitrage")
	}
	if factors.swapShaped && pricey {
		threats = append(threats, "sandwich")
	}

	level := RiskLow
	switch {
	case score >= mevScoreHighCutoff:
		level = RiskHigh
	case score >= mevScoreMediumCutoff:
		level = RiskMedium
	}

	return &MevThreatAssessment{
		Score:      score,
		RiskLevel:  level,
		Threats:    threats,
		Strategies: strategiesFor(level),
	}, nil
}

// recommendedFee is monotone non-decreasing in risk level.
func recommendedFee(level RiskLevel, estimated *big.Int) *big.Int {
	switch level {
	case RiskHigh:
		return new(big.Int).Div(estimated, big.NewInt(10))
	case RiskMedium:
		return new(big.Int).Div(estimated, big.NewInt(20))
	default:
		return big.NewInt(0)
	}
}

func recommendationsFor(level RiskLevel) []string {
	switch level {
	case RiskHigh:
		return []string{
			"Use fair sequencing to mitigate front-running",
			"Submit through a protected pool with a high protection level",
			"Tighten the execution window to limit exposure",
		}
	case RiskMedium:
		return []string{
			"Enable enhanced monitoring for this transaction",
			"Consider submitting through a protected ordering pool",
		}
	default:
		return []string{"Standard processing is sufficient"}
	}
}

func strategiesFor(level RiskLevel) []string {
	switch level {
	case RiskHigh:
		return []string{
			"fair_sequencing",
			"private_submission",
			"slippage_guard",
		}
	case RiskMedium:
		return []string{
			"fair_sequencing",
			"monitoring",
		}
	default:
		return []string{"none"}
	}
}
