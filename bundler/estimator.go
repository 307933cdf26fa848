package bundler

import (
	"context"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/AvaProtocol/ap-bundler/core/chainio/aa"
	"github.com/AvaProtocol/ap-bundler/pkg/eip1559"
	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-bundler/pkg/logger"
)

var (
	// Baseline bundler overhead charged before verification starts.
	DefaultPreVerificationGas = big.NewInt(50_000)

	// Verification estimates are noisy; pad by 50% so a bundle is not
	// rejected for running a few thousand gas over.
	verificationGasMultiplierNum = big.NewInt(3)
	verificationGasMultiplierDen = big.NewInt(2)

	// Fallbacks when the fee oracle is unreachable or silent.
	FallbackMaxFeePerGas         = big.NewInt(20_000_000_000)
	FallbackMaxPriorityFeePerGas = big.NewInt(2_000_000_000)
)

// gasBackend is the slice of ethclient the estimator needs.
type gasBackend interface {
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
}

// GasEstimation carries the three per-operation gas budgets.
type GasEstimation struct {
	PreVerificationGas   *big.Int
	VerificationGasLimit *big.Int
	CallGasLimit         *big.Int
}

// GasEstimator quotes per-operation gas budgets and current fee parameters.
type GasEstimator struct {
	backend     gasBackend
	feeSource   func(ctx context.Context) (*big.Int, *big.Int, error)
	entryPoint  common.Address
	beneficiary common.Address
	logger      logger.Logger
}

func NewGasEstimator(backend gasBackend, eth *ethclient.Client, entryPoint, beneficiary common.Address, lgr logger.Logger) *GasEstimator {
	return &GasEstimator{
		backend: backend,
		feeSource: func(ctx context.Context) (*big.Int, *big.Int, error) {
			return eip1559.SuggestFee(ctx, eth)
		},
		entryPoint:  entryPoint,
		beneficiary: beneficiary,
		logger:      logger.EnsureLogger(lgr),
	}
}

// EstimateOperationGas derives the operation's gas budgets from a single
// estimate of a one-operation handleOps call. The verification component
// carries a 1.5x safety multiplier; preVerificationGas is a fixed baseline.
func (e *GasEstimator) EstimateOperationGas(ctx context.Context, op *userop.UserOperation) (*GasEstimation, error) {
	data, err := aa.PackHandleOps([]userop.UserOperation{*op}, e.beneficiary)
	if err != nil {
		return nil, err
	}

	estimate, err := e.backend.EstimateGas(ctx, ethereum.CallMsg{
		To:   &e.entryPoint,
		Data: data,
	})
	if err != nil {
		return nil, err
	}

	estimated := new(big.Int).SetUint64(estimate)
	verification := new(big.Int).Mul(estimated, verificationGasMultiplierNum)
	verification.Div(verification, verificationGasMultiplierDen)

	return &GasEstimation{
		PreVerificationGas:   new(big.Int).Set(DefaultPreVerificationGas),
		VerificationGasLimit: verification,
		CallGasLimit:         estimated,
	}, nil
}

// CurrentFees returns (maxFeePerGas, maxPriorityFeePerGas) from the fee
// oracle, falling back to fixed constants when the oracle errs or stays
// silent. A quiet oracle never fails the caller.
func (e *GasEstimator) CurrentFees(ctx context.Context) (*big.Int, *big.Int) {
	maxFee, maxPriority, err := e.feeSource(ctx)
	if err != nil || maxFee == nil || maxPriority == nil {
		e.logger.Warn("fee oracle unavailable, using fallback fees", "error", err)
		return new(big.Int).Set(FallbackMaxFeePerGas), new(big.Int).Set(FallbackMaxPriorityFeePerGas)
	}
	return maxFee, maxPriority
}
