package bundler

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/samber/lo"

	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
)

// RPC method names follow the EIP-4337 eth namespace.
const (
	methodSendUserOperation        = "eth_sendUserOperation"
	methodEstimateUserOperationGas = "eth_estimateUserOperationGas"
	methodGetUserOperationReceipt  = "eth_getUserOperationReceipt"
	methodSupportedEntryPoints     = "eth_supportedEntryPoints"
)

// userOperationArgs is the wire form of an operation inside a JSON-RPC params
// array. It is decoded with mapstructure and checked with validator before
// conversion to the internal model.
type userOperationArgs struct {
	Sender               string `mapstructure:"sender" validate:"required"`
	Nonce                string `mapstructure:"nonce"`
	InitCode             string `mapstructure:"initCode"`
	CallData             string `mapstructure:"callData" validate:"required"`
	CallGasLimit         string `mapstructure:"callGasLimit"`
	VerificationGasLimit string `mapstructure:"verificationGasLimit"`
	PreVerificationGas   string `mapstructure:"preVerificationGas"`
	MaxFeePerGas         string `mapstructure:"maxFeePerGas"`
	MaxPriorityFeePerGas string `mapstructure:"maxPriorityFeePerGas"`
	PaymasterAndData     string `mapstructure:"paymasterAndData"`
	Signature            string `mapstructure:"signature" validate:"required"`
}

func (args *userOperationArgs) toUserOperation() (*userop.UserOperation, error) {
	return userop.FromMap(map[string]string{
		"sender":               args.Sender,
		"nonce":                args.Nonce,
		"initCode":             args.InitCode,
		"callData":             args.CallData,
		"callGasLimit":         args.CallGasLimit,
		"verificationGasLimit": args.VerificationGasLimit,
		"preVerificationGas":   args.PreVerificationGas,
		"maxFeePerGas":         args.MaxFeePerGas,
		"maxPriorityFeePerGas": args.MaxPriorityFeePerGas,
		"paymasterAndData":     args.PaymasterAndData,
		"signature":            args.Signature,
	})
}

type gasEstimateResult struct {
	PreVerificationGas   string `json:"preVerificationGas"`
	VerificationGasLimit string `json:"verificationGasLimit"`
	CallGasLimit         string `json:"callGasLimit"`
}

// guardEntryPoint enforces that the caller targets the configured entry
// point. Comparison is case-insensitive so checksummed and lowercase forms
// both pass.
func (b *Bundler) guardEntryPoint(entryPoint string) error {
	if !strings.EqualFold(entryPoint, b.config.EntryPointAddress.Hex()) {
		return ErrInvalidEntrypoint
	}
	return nil
}

// sendUserOperation validates and admits one operation, returning its hash.
// Admission that fills the pool to the configured bundle size triggers a
// drain immediately instead of waiting for the interval.
func (b *Bundler) sendUserOperation(ctx context.Context, args *userOperationArgs, entryPoint string) (string, error) {
	b.metrics.IncOpsReceived()

	if err := b.guardEntryPoint(entryPoint); err != nil {
		return "", err
	}

	op, err := args.toUserOperation()
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrRejected, err)
	}

	if err := b.gate.Validate(ctx, op); err != nil {
		b.metrics.IncOpsRejected()
		return "", err
	}

	id := op.Hash(b.config.EntryPointAddress, b.config.ChainID)

	if err := b.receipts.StageOperation(id, op); err != nil {
		b.logger.Warn("cannot stage operation", "userOpHash", id.Hex(), "error", err)
	}

	b.pool.Admit(id, op)
	b.metrics.IncOpsAdmitted()
	size := b.pool.Size()
	b.metrics.SetPoolSize(size)

	if size >= b.config.MaxBundleSize {
		b.sched.Trigger()
	}

	return id.Hex(), nil
}

// estimateOperationGas quotes the three gas budgets for an operation without
// admitting it.
func (b *Bundler) estimateOperationGas(ctx context.Context, args *userOperationArgs, entryPoint string) (*gasEstimateResult, error) {
	if err := b.guardEntryPoint(entryPoint); err != nil {
		return nil, err
	}

	op, err := args.toUserOperation()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrRejected, err)
	}

	estimation, err := b.estimator.EstimateOperationGas(ctx, op)
	if err != nil {
		return nil, err
	}

	return &gasEstimateResult{
		PreVerificationGas:   hexutil.EncodeBig(estimation.PreVerificationGas),
		VerificationGasLimit: hexutil.EncodeBig(estimation.VerificationGasLimit),
		CallGasLimit:         hexutil.EncodeBig(estimation.CallGasLimit),
	}, nil
}

// getUserOperationReceipt returns the receipt for an operation hash, or nil
// when none exists. A miss is a valid null result, never an error.
func (b *Bundler) getUserOperationReceipt(id string) (*Receipt, error) {
	return b.receipts.GetReceipt(common.HexToHash(id))
}

// supportedEntryPoints lists the entry point contracts this bundler serves.
func (b *Bundler) supportedEntryPoints() []string {
	return lo.Map([]common.Address{b.config.EntryPointAddress}, func(addr common.Address, _ int) string {
		return addr.Hex()
	})
}
