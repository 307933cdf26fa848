// Package userop models an ERC-4337 UserOperation for the v0.6 EntryPoint and
// computes its canonical hash. The hash doubles as the mempool key and the
// identifier handed back to RPC callers.
package userop

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// UserOperation is an EIP-4337 transaction intent for a smart contract account.
// Field layout matches the EntryPoint v0.6 struct so it can be passed straight
// into ABI packing. An operation is never mutated once admitted to the mempool;
// a changed field yields a different hash and therefore a different entry.
type UserOperation struct {
	Sender               common.Address
	Nonce                *big.Int
	InitCode             []byte
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	PaymasterAndData     []byte
	Signature            []byte
}

// wireUserOperation is the JSON shape bundler RPCs exchange: quantities and
// byte fields are 0x-prefixed hex strings.
type wireUserOperation struct {
	Sender               string `json:"sender"`
	Nonce                string `json:"nonce"`
	InitCode             string `json:"initCode"`
	CallData             string `json:"callData"`
	CallGasLimit         string `json:"callGasLimit"`
	VerificationGasLimit string `json:"verificationGasLimit"`
	PreVerificationGas   string `json:"preVerificationGas"`
	MaxFeePerGas         string `json:"maxFeePerGas"`
	MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas"`
	PaymasterAndData     string `json:"paymasterAndData"`
	Signature            string `json:"signature"`
}

func (op *UserOperation) MarshalJSON() ([]byte, error) {
	return json.Marshal(&wireUserOperation{
		Sender:               op.Sender.Hex(),
		Nonce:                hexutil.EncodeBig(orZero(op.Nonce)),
		InitCode:             hexutil.Encode(op.InitCode),
		CallData:             hexutil.Encode(op.CallData),
		CallGasLimit:         hexutil.EncodeBig(orZero(op.CallGasLimit)),
		VerificationGasLimit: hexutil.EncodeBig(orZero(op.VerificationGasLimit)),
		PreVerificationGas:   hexutil.EncodeBig(orZero(op.PreVerificationGas)),
		MaxFeePerGas:         hexutil.EncodeBig(orZero(op.MaxFeePerGas)),
		MaxPriorityFeePerGas: hexutil.EncodeBig(orZero(op.MaxPriorityFeePerGas)),
		PaymasterAndData:     hexutil.Encode(op.PaymasterAndData),
		Signature:            hexutil.Encode(op.Signature),
	})
}

func (op *UserOperation) UnmarshalJSON(data []byte) error {
	var wire wireUserOperation
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	return op.fromWire(&wire)
}

func (op *UserOperation) fromWire(wire *wireUserOperation) error {
	if !common.IsHexAddress(wire.Sender) {
		return fmt.Errorf("invalid sender address: %s", wire.Sender)
	}
	op.Sender = common.HexToAddress(wire.Sender)

	var err error
	if op.Nonce, err = decodeQuantity(wire.Nonce, "nonce"); err != nil {
		return err
	}
	if op.CallGasLimit, err = decodeQuantity(wire.CallGasLimit, "callGasLimit"); err != nil {
		return err
	}
	if op.VerificationGasLimit, err = decodeQuantity(wire.VerificationGasLimit, "verificationGasLimit"); err != nil {
		return err
	}
	if op.PreVerificationGas, err = decodeQuantity(wire.PreVerificationGas, "preVerificationGas"); err != nil {
		return err
	}
	if op.MaxFeePerGas, err = decodeQuantity(wire.MaxFeePerGas, "maxFeePerGas"); err != nil {
		return err
	}
	if op.MaxPriorityFeePerGas, err = decodeQuantity(wire.MaxPriorityFeePerGas, "maxPriorityFeePerGas"); err != nil {
		return err
	}
	if op.InitCode, err = decodeBytes(wire.InitCode, "initCode"); err != nil {
		return err
	}
	if op.CallData, err = decodeBytes(wire.CallData, "callData"); err != nil {
		return err
	}
	if op.PaymasterAndData, err = decodeBytes(wire.PaymasterAndData, "paymasterAndData"); err != nil {
		return err
	}
	if op.Signature, err = decodeBytes(wire.Signature, "signature"); err != nil {
		return err
	}
	return nil
}

// FromMap builds a UserOperation from a decoded JSON-RPC params object. The
// map keys follow the wire shape above.
func FromMap(fields map[string]string) (*UserOperation, error) {
	wire := &wireUserOperation{
		Sender:               fields["sender"],
		Nonce:                fields["nonce"],
		InitCode:             fields["initCode"],
		CallData:             fields["callData"],
		CallGasLimit:         fields["callGasLimit"],
		VerificationGasLimit: fields["verificationGasLimit"],
		PreVerificationGas:   fields["preVerificationGas"],
		MaxFeePerGas:         fields["maxFeePerGas"],
		MaxPriorityFeePerGas: fields["maxPriorityFeePerGas"],
		PaymasterAndData:     fields["paymasterAndData"],
		Signature:            fields["signature"],
	}
	op := &UserOperation{}
	if err := op.fromWire(wire); err != nil {
		return nil, err
	}
	return op, nil
}

func decodeQuantity(s, field string) (*big.Int, error) {
	if s == "" || s == "0x" {
		return big.NewInt(0), nil
	}
	v, err := hexutil.DecodeBig(s)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", field, err)
	}
	return v, nil
}

func decodeBytes(s, field string) ([]byte, error) {
	if s == "" {
		return []byte{}, nil
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", field, err)
	}
	return b, nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}
