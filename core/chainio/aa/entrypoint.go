// Package aa exposes the slice of the EntryPoint v0.6 ABI the bundler needs:
// packing handleOps and simulateValidation calls, parsing UserOperationEvent
// logs and decoding the simulation revert envelope.
package aa

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
)

const userOpComponents = `[
	{"name":"sender","type":"address"},
	{"name":"nonce","type":"uint256"},
	{"name":"initCode","type":"bytes"},
	{"name":"callData","type":"bytes"},
	{"name":"callGasLimit","type":"uint256"},
	{"name":"verificationGasLimit","type":"uint256"},
	{"name":"preVerificationGas","type":"uint256"},
	{"name":"maxFeePerGas","type":"uint256"},
	{"name":"maxPriorityFeePerGas","type":"uint256"},
	{"name":"paymasterAndData","type":"bytes"},
	{"name":"signature","type":"bytes"}
]`

const stakeInfoComponents = `[
	{"name":"stake","type":"uint256"},
	{"name":"unstakeDelaySec","type":"uint256"}
]`

var entryPointABI = `[
	{"type":"function","name":"handleOps","stateMutability":"nonpayable","inputs":[
		{"name":"ops","type":"tuple[]","components":` + userOpComponents + `},
		{"name":"beneficiary","type":"address"}],"outputs":[]},
	{"type":"function","name":"simulateValidation","stateMutability":"nonpayable","inputs":[
		{"name":"userOp","type":"tuple","components":` + userOpComponents + `}],"outputs":[]},
	{"type":"function","name":"getNonce","stateMutability":"view","inputs":[
		{"name":"sender","type":"address"},{"name":"key","type":"uint192"}],
		"outputs":[{"name":"nonce","type":"uint256"}]},
	{"type":"event","name":"UserOperationEvent","anonymous":false,"inputs":[
		{"indexed":true,"name":"userOpHash","type":"bytes32"},
		{"indexed":true,"name":"sender","type":"address"},
		{"indexed":true,"name":"paymaster","type":"address"},
		{"indexed":false,"name":"nonce","type":"uint256"},
		{"indexed":false,"name":"success","type":"bool"},
		{"indexed":false,"name":"actualGasCost","type":"uint256"},
		{"indexed":false,"name":"actualGasUsed","type":"uint256"}]},
	{"type":"error","name":"FailedOp","inputs":[
		{"name":"opIndex","type":"uint256"},{"name":"reason","type":"string"}]},
	{"type":"error","name":"ValidationResult","inputs":[
		{"name":"returnInfo","type":"tuple","components":[
			{"name":"preOpGas","type":"uint256"},
			{"name":"prefund","type":"uint256"},
			{"name":"sigFailed","type":"bool"},
			{"name":"validAfter","type":"uint48"},
			{"name":"validUntil","type":"uint48"},
			{"name":"paymasterContext","type":"bytes"}]},
		{"name":"senderInfo","type":"tuple","components":` + stakeInfoComponents + `},
		{"name":"factoryInfo","type":"tuple","components":` + stakeInfoComponents + `},
		{"name":"paymasterInfo","type":"tuple","components":` + stakeInfoComponents + `}]}
]`

var parsedABI abi.ABI

func init() {
	var err error
	parsedABI, err = abi.JSON(strings.NewReader(entryPointABI))
	if err != nil {
		panic(fmt.Errorf("invalid entrypoint ABI: %w", err))
	}
}

// PackHandleOps encodes a handleOps(ops, beneficiary) call for the batch
// transaction.
func PackHandleOps(ops []userop.UserOperation, beneficiary common.Address) ([]byte, error) {
	return parsedABI.Pack("handleOps", ops, beneficiary)
}

// PackSimulateValidation encodes a simulateValidation(userOp) call.
func PackSimulateValidation(op userop.UserOperation) ([]byte, error) {
	return parsedABI.Pack("simulateValidation", op)
}

// UserOperationEventTopic returns topic0 of UserOperationEvent.
func UserOperationEventTopic() common.Hash {
	return parsedABI.Events["UserOperationEvent"].ID
}

// UserOperationEvent is the per-operation outcome the EntryPoint emits inside
// a handleOps transaction. Success=false here is a normal outcome, not a
// submission failure.
type UserOperationEvent struct {
	UserOpHash    common.Hash
	Sender        common.Address
	Paymaster     common.Address
	Nonce         *big.Int
	Success       bool
	ActualGasCost *big.Int
	ActualGasUsed *big.Int
}

// ParseUserOperationEvent decodes one UserOperationEvent log. Returns an error
// for logs with a different topic0.
func ParseUserOperationEvent(vLog types.Log) (*UserOperationEvent, error) {
	event := parsedABI.Events["UserOperationEvent"]
	if len(vLog.Topics) != 4 || vLog.Topics[0] != event.ID {
		return nil, fmt.Errorf("log is not a UserOperationEvent")
	}

	values, err := event.Inputs.NonIndexed().Unpack(vLog.Data)
	if err != nil {
		return nil, fmt.Errorf("cannot unpack UserOperationEvent data: %w", err)
	}

	return &UserOperationEvent{
		UserOpHash:    vLog.Topics[1],
		Sender:        common.BytesToAddress(vLog.Topics[2].Bytes()),
		Paymaster:     common.BytesToAddress(vLog.Topics[3].Bytes()),
		Nonce:         values[0].(*big.Int),
		Success:       values[1].(bool),
		ActualGasCost: values[2].(*big.Int),
		ActualGasUsed: values[3].(*big.Int),
	}, nil
}

// SimulationOutcome classifies the revert data of a simulateValidation call.
// The v0.6 EntryPoint always reverts: ValidationResult means the operation
// passed validation, FailedOp carries the rejection reason.
func SimulationOutcome(revertData []byte) error {
	if len(revertData) < 4 {
		return fmt.Errorf("unexpected simulation return (no revert data)")
	}

	selector := revertData[:4]

	if bytes.Equal(selector, parsedABI.Errors["ValidationResult"].ID.Bytes()[:4]) {
		return nil
	}

	if bytes.Equal(selector, parsedABI.Errors["FailedOp"].ID.Bytes()[:4]) {
		values, err := parsedABI.Errors["FailedOp"].Inputs.Unpack(revertData[4:])
		if err != nil || len(values) < 2 {
			return fmt.Errorf("validation failed")
		}
		return fmt.Errorf("validation failed: %v", values[1])
	}

	return fmt.Errorf("validation reverted: 0x%x", selector)
}
