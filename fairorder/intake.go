package fairorder

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fairorder/fairorder-node/metrics"
	"github.com/fairorder/fairorder-node/pendingqueue"
)

var (
	ErrMissingPoolID          = errors.New("pool id is required")
	ErrInvalidExecutionWindow = errors.New("executeAfter must precede executeBefore")
	ErrPastExecutionWindow    = errors.New("executeBefore is in the past")
	ErrPoolSaturated          = errors.New("pool pending queue is full")
)

// SubmissionIntake validates submissions, assigns process-unique ids and
// enqueues into the owning pool's pending queue. Enqueueing is the single
// synchronization point shared with the scheduler, a submission never
// blocks on batch processing.
type SubmissionIntake struct {
	log      *zap.Logger
	registry *PoolRegistry
	arrival  atomic.Uint64
	now      func() time.Time
}

func NewSubmissionIntake(log *zap.Logger, registry *PoolRegistry) *SubmissionIntake {
	return &SubmissionIntake{
		log:      log.Named("intake"),
		registry: registry,
		now:      time.Now,
	}
}

// Submit queues a plain transaction without a protection tier. The id is
// returned immediately, ordering happens asynchronously in a later batch.
func (i *SubmissionIntake) Submit(_ context.Context, chain string, args *SendTxArgs) (string, error) {
	metrics.IncTxsReceived()
	if err := validateSendArgs(args); err != nil {
		return "", err
	}
	state, err := i.registry.lookupActive(chain, args.PoolID)
	if err != nil {
		return "", err
	}
	tx := i.buildTx(args, ProtectionNone, nil, nil)
	if err := i.enqueue(state, tx); err != nil {
		return "", err
	}
	metrics.IncTxsReceivedValid()
	return tx.ID, nil
}

// SubmitFair queues a transaction with a protection tier and an optional
// execution window. A window that already elapsed is a validation error,
// never a silent enqueue.
func (i *SubmissionIntake) SubmitFair(_ context.Context, chain string, args *SendFairTxArgs) (string, error) {
	metrics.IncFairTxsReceived()
	if err := validateSendArgs(&args.SendTxArgs); err != nil {
		return "", err
	}
	if err := i.validateWindow(args.ExecuteAfter, args.ExecuteBefore); err != nil {
		return "", err
	}
	state, err := i.registry.lookupActive(chain, args.PoolID)
	if err != nil {
		return "", err
	}
	tx := i.buildTx(&args.SendTxArgs, args.Protection, args.ExecuteAfter, args.ExecuteBefore)
	if err := i.enqueue(state, tx); err != nil {
		return "", err
	}
	metrics.IncTxsReceivedValid()
	return tx.ID, nil
}

func (i *SubmissionIntake) validateWindow(after, before *time.Time) error {
	if after != nil && before != nil && !after.Before(*before) {
		return ErrInvalidExecutionWindow
	}
	if before != nil && !before.After(i.now()) {
		return ErrPastExecutionWindow
	}
	return nil
}

func (i *SubmissionIntake) buildTx(args *SendTxArgs, protection ProtectionLevel, after, before *time.Time) *QueuedTransaction {
	return &QueuedTransaction{
		ID:            uuid.NewString(),
		PoolID:        args.PoolID,
		Sender:        args.Sender,
		Receiver:      args.Receiver,
		Value:         hexToBig(args.Value),
		Data:          args.Data,
		GasPrice:      hexToBig(args.GasPrice),
		GasLimit:      uint64(args.GasLimit),
		PriorityFee:   hexToBig(args.PriorityFee),
		Protection:    protection,
		ExecuteAfter:  after,
		ExecuteBefore: before,
		SubmittedAt:   i.now().UTC(),
		ArrivalSeq:    i.arrival.Add(1),
	}
}

func (i *SubmissionIntake) enqueue(state *poolState, tx *QueuedTransaction) error {
	_, err := state.queue.Push(tx)
	switch {
	case errors.Is(err, pendingqueue.ErrQueueFull):
		metrics.IncQueueFull()
		return ErrPoolSaturated
	case errors.Is(err, pendingqueue.ErrClosed):
		return ErrPoolRetired
	case err != nil:
		return err
	}
	i.log.Debug("Queued transaction",
		zap.String("tx", tx.ID),
		zap.String("pool", tx.PoolID),
		zap.Uint64("arrival_seq", tx.ArrivalSeq),
	)
	return nil
}

func validateSendArgs(args *SendTxArgs) error {
	if args.PoolID == "" {
		return ErrMissingPoolID
	}
	if args.Sender == (common.Address{}) {
		return ErrMissingSender
	}
	if args.Value == nil {
		return ErrMissingValue
	}
	if args.Value.ToInt().Sign() < 0 {
		return ErrNegativeValue
	}
	if args.GasPrice == nil || args.GasPrice.ToInt().Sign() <= 0 {
		return ErrMissingGasPrice
	}
	return nil
}
