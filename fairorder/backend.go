package fairorder

import (
	"context"
	"encoding/json"
	"math/big"

	"github.com/redis/go-redis/v9"
)

// Store is the durable persistence port for pool configs and batch history.
type Store interface {
	InsertPool(ctx context.Context, pool *OrderingPool) error
	UpdatePool(ctx context.Context, pool *OrderingPool) error
	ListPools(ctx context.Context, chain string) ([]*OrderingPool, error)
	InsertBatchResult(ctx context.Context, result *BatchResult) error
}

// BatchPublisher notifies downstream consumers about a published batch.
type BatchPublisher interface {
	NotifyBatch(ctx context.Context, result *BatchResult) error
}

// SecureCompute is the substrate for fee arithmetic that may have to run
// under confidentiality requirements. Core correctness does not depend on
// where it runs, LocalSecureCompute is the in-process implementation.
type SecureCompute interface {
	ProtectionFee(ctx context.Context, level RiskLevel, estimatedMev *big.Int, requested ProtectionLevel) (*big.Int, error)
}

// LocalSecureCompute computes protection fees in-process.
type LocalSecureCompute struct{}

var protectionFlatFee = big.NewInt(10_000)

// ProtectionFee is monotone non-decreasing in risk level and in the
// requested protection level.
func (LocalSecureCompute) ProtectionFee(_ context.Context, level RiskLevel, estimatedMev *big.Int, requested ProtectionLevel) (*big.Int, error) {
	if estimatedMev == nil {
		estimatedMev = big.NewInt(0)
	}
	base := recommendedFee(level, estimatedMev)

	fee := new(big.Int).Mul(base, big.NewInt(int64(requested)+1))
	flat := new(big.Int).Mul(protectionFlatFee, big.NewInt(int64(requested)))
	fee.Add(fee, flat)
	return fee, nil
}

// RedisBatchPublisher publishes batch results to a redis pub/sub channel.
type RedisBatchPublisher struct {
	client     *redis.Client
	pubChannel string
}

func NewRedisBatchPublisher(redisClient *redis.Client, pubChannel string) *RedisBatchPublisher {
	return &RedisBatchPublisher{
		client:     redisClient,
		pubChannel: pubChannel,
	}
}

func (p *RedisBatchPublisher) NotifyBatch(ctx context.Context, result *BatchResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.pubChannel, data).Err()
}
