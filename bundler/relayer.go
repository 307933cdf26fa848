package bundler

import (
	"context"
	"fmt"
	"math/big"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/samber/lo"

	"github.com/AvaProtocol/ap-bundler/core/chainio/aa"
	"github.com/AvaProtocol/ap-bundler/metrics"
	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-bundler/pkg/logger"
	"github.com/AvaProtocol/ap-bundler/pkg/timekeeper"
)

const (
	// Extra headroom on the bundle transaction's gas limit.
	bundleGasBufferPercent = 20

	receiptPollInterval = time.Second
)

// txBackend is the slice of ethclient the relayer needs; tests inject a fake.
type txBackend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// feeQuoter is satisfied by GasEstimator.
type feeQuoter interface {
	CurrentFees(ctx context.Context) (*big.Int, *big.Int)
}

// Relayer sends drained bundles to the EntryPoint's handleOps through a
// regular EOA transaction and records one receipt per contained operation
// once the transaction is included. Submitting through an EOA means the
// bundler is not a block builder and is exposed to frontrunning; that is the
// accepted mode for a private mempool.
type Relayer struct {
	backend     txBackend
	opts        *bind.TransactOpts
	quoter      feeQuoter
	pool        *Mempool
	receipts    *ReceiptStore
	chainID     *big.Int
	entryPoint  common.Address
	beneficiary common.Address
	waitTimeout time.Duration
	maxAttempts int
	metrics     *metrics.BundlerMetrics
	logger      logger.Logger
}

type RelayerConfig struct {
	Backend     txBackend
	Opts        *bind.TransactOpts
	Quoter      feeQuoter
	Pool        *Mempool
	Receipts    *ReceiptStore
	ChainID     *big.Int
	EntryPoint  common.Address
	Beneficiary common.Address
	WaitTimeout time.Duration
	MaxAttempts int
	Metrics     *metrics.BundlerMetrics
	Logger      logger.Logger
}

func NewRelayer(c RelayerConfig) *Relayer {
	return &Relayer{
		backend:     c.Backend,
		opts:        c.Opts,
		quoter:      c.Quoter,
		pool:        c.Pool,
		receipts:    c.Receipts,
		chainID:     c.ChainID,
		entryPoint:  c.EntryPoint,
		beneficiary: c.Beneficiary,
		waitTimeout: c.WaitTimeout,
		maxAttempts: c.MaxAttempts,
		metrics:     c.Metrics,
		logger:      logger.EnsureLogger(c.Logger),
	}
}

// Submit sends one batch transaction covering every entry and waits for
// inclusion under the configured deadline. On inclusion it writes one receipt
// per operation. On any earlier failure it writes nothing and requeues every
// entry for a future cycle, dead-lettering entries that have exhausted their
// attempts. The batch is all-or-nothing at the transaction level; individual
// operations can still be marked failed by the EntryPoint, which lands in
// their receipt as success=false.
func (r *Relayer) Submit(ctx context.Context, entries []*PoolEntry) error {
	if len(entries) == 0 {
		return nil
	}

	elapsing := timekeeper.NewElapsing()
	receipt, err := r.sendAndWait(ctx, entries)
	if err != nil {
		r.logger.Error("bundle submission failed, requeueing operations",
			"ops", len(entries), "error", err)
		if r.metrics != nil {
			r.metrics.IncBundlesFailed()
		}
		r.requeue(entries, err)
		return err
	}

	r.writeReceipts(entries, receipt)
	if r.metrics != nil {
		r.metrics.IncBundlesSubmitted()
	}
	r.logger.Info("bundle included",
		"ops", len(entries), "tx", receipt.TxHash.Hex(), "block", receipt.BlockNumber,
		"elapsed", elapsing.Report())
	return nil
}

func (r *Relayer) sendAndWait(ctx context.Context, entries []*PoolEntry) (*types.Receipt, error) {
	maxFee, maxPriority := r.quoter.CurrentFees(ctx)

	ops := lo.Map(entries, func(entry *PoolEntry, _ int) userop.UserOperation {
		return *entry.Op
	})
	calldata, err := aa.PackHandleOps(ops, r.beneficiary)
	if err != nil {
		return nil, fmt.Errorf("cannot pack handleOps: %w", err)
	}

	gasLimit, err := r.backend.EstimateGas(ctx, ethereum.CallMsg{
		From: r.opts.From,
		To:   &r.entryPoint,
		Data: calldata,
	})
	if err != nil {
		return nil, fmt.Errorf("cannot estimate bundle gas: %w", err)
	}
	gasLimit += gasLimit * bundleGasBufferPercent / 100

	nonce, err := r.backend.PendingNonceAt(ctx, r.opts.From)
	if err != nil {
		return nil, fmt.Errorf("cannot fetch account nonce: %w", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   r.chainID,
		Nonce:     nonce,
		GasTipCap: maxPriority,
		GasFeeCap: maxFee,
		Gas:       gasLimit,
		To:        &r.entryPoint,
		Data:      calldata,
	})

	signed, err := r.opts.Signer(r.opts.From, tx)
	if err != nil {
		return nil, fmt.Errorf("cannot sign bundle transaction: %w", err)
	}

	if err := r.backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("cannot send bundle transaction: %w", err)
	}

	return r.waitMined(ctx, signed.Hash())
}

// waitMined polls for the transaction receipt under an explicit deadline so a
// stuck chain node cannot wedge the scheduling loop.
func (r *Relayer) waitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, r.waitTimeout)
	defer cancel()

	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := r.backend.TransactionReceipt(waitCtx, txHash)
		if err == nil && receipt != nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return nil, fmt.Errorf("bundle transaction %s reverted", txHash.Hex())
			}
			return receipt, nil
		}

		select {
		case <-waitCtx.Done():
			return nil, fmt.Errorf("timed out waiting for bundle %s: %w", txHash.Hex(), waitCtx.Err())
		case <-ticker.C:
		}
	}
}

// writeReceipts records one receipt per operation from the bundle's
// UserOperationEvent logs. An operation whose event is missing still gets a
// receipt, marked unsuccessful, so callers are never left polling forever.
func (r *Relayer) writeReceipts(entries []*PoolEntry, txReceipt *types.Receipt) {
	events := make(map[common.Hash]*aa.UserOperationEvent, len(entries))
	eventLogs := make(map[common.Hash]*types.Log, len(entries))
	topic := aa.UserOperationEventTopic()

	for _, vLog := range txReceipt.Logs {
		if len(vLog.Topics) == 0 || vLog.Topics[0] != topic {
			continue
		}
		event, err := aa.ParseUserOperationEvent(*vLog)
		if err != nil {
			r.logger.Warn("cannot parse UserOperationEvent", "error", err)
			continue
		}
		events[event.UserOpHash] = event
		eventLogs[event.UserOpHash] = vLog
	}

	for _, entry := range entries {
		receipt := &Receipt{
			UserOpHash:  entry.ID,
			Sender:      entry.Op.Sender,
			Nonce:       (*hexutil.Big)(entry.Op.Nonce),
			TxHash:      txReceipt.TxHash,
			BlockHash:   txReceipt.BlockHash,
			BlockNumber: hexutil.Uint64(txReceipt.BlockNumber.Uint64()),
		}

		if event, ok := events[entry.ID]; ok {
			receipt.Success = event.Success
			receipt.ActualGasCost = (*hexutil.Big)(event.ActualGasCost)
			receipt.ActualGasUsed = (*hexutil.Big)(event.ActualGasUsed)
			receipt.Logs = []*types.Log{eventLogs[entry.ID]}
		}

		if err := r.receipts.SaveReceipt(receipt); err != nil {
			r.logger.Error("cannot persist receipt", "userOpHash", entry.ID.Hex(), "error", err)
			continue
		}
		if err := r.receipts.UnstageOperation(entry.ID); err != nil {
			r.logger.Warn("cannot unstage operation", "userOpHash", entry.ID.Hex(), "error", err)
		}
	}
}

// requeue returns failed entries to the pool keyed by their own operation
// hash. Entries that have used up their attempts move to the dead-letter
// namespace instead of retrying forever.
func (r *Relayer) requeue(entries []*PoolEntry, cause error) {
	for _, entry := range entries {
		entry.Attempts++
		if entry.Attempts >= r.maxAttempts {
			r.logger.Warn("dropping operation after repeated submission failures",
				"userOpHash", entry.ID.Hex(), "attempts", entry.Attempts)
			if err := r.receipts.DeadLetter(entry, cause); err != nil {
				r.logger.Error("cannot record dead letter", "userOpHash", entry.ID.Hex(), "error", err)
			} else if err := r.receipts.UnstageOperation(entry.ID); err != nil {
				r.logger.Warn("cannot unstage operation", "userOpHash", entry.ID.Hex(), "error", err)
			}
			if r.metrics != nil {
				r.metrics.IncOpsDeadlettered()
			}
			continue
		}
		r.pool.Requeue(entry)
	}
}
