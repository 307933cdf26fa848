package aa

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
)

// Topic observed on-chain for EntryPoint v0.6, e.g.
// https://sepolia.basescan.org/tx/0x7580ac508a2ac34cf6a4f4346fb6b4f09edaaa4f946f42ecdb2bfd2a633d43af#eventlog
const knownUserOpEventTopic = "0x49628fd1471006c1482da88028e9ce4dbb080b815c9b0344d39e5a8e6ec1419f"

func TestUserOperationEventTopic(t *testing.T) {
	if got := UserOperationEventTopic().Hex(); got != knownUserOpEventTopic {
		t.Errorf("event topic mismatch: got %s want %s", got, knownUserOpEventTopic)
	}
}

func TestPackHandleOps(t *testing.T) {
	op := userop.UserOperation{
		Sender:               common.HexToAddress("0x01"),
		Nonce:                big.NewInt(0),
		InitCode:             []byte{},
		CallData:             []byte{0x01},
		CallGasLimit:         big.NewInt(1),
		VerificationGasLimit: big.NewInt(1),
		PreVerificationGas:   big.NewInt(1),
		MaxFeePerGas:         big.NewInt(1),
		MaxPriorityFeePerGas: big.NewInt(1),
		PaymasterAndData:     []byte{},
		Signature:            []byte{},
	}

	data, err := PackHandleOps([]userop.UserOperation{op}, common.HexToAddress("0x02"))
	if err != nil {
		t.Fatalf("pack: %v", err)
	}

	// handleOps selector for the v0.6 EntryPoint
	if got := common.Bytes2Hex(data[:4]); got != "1fad948c" {
		t.Errorf("handleOps selector mismatch: got %s", got)
	}
}

func TestParseUserOperationEvent(t *testing.T) {
	event := parsedABI.Events["UserOperationEvent"]
	data, err := event.Inputs.NonIndexed().Pack(
		big.NewInt(9),
		true,
		big.NewInt(12345),
		big.NewInt(678),
	)
	if err != nil {
		t.Fatalf("pack event data: %v", err)
	}

	opHash := common.HexToHash("0xaa")
	sender := common.HexToAddress("0x05")

	parsed, err := ParseUserOperationEvent(types.Log{
		Topics: []common.Hash{
			event.ID,
			opHash,
			common.BytesToHash(sender.Bytes()),
			common.BytesToHash(common.HexToAddress("0x06").Bytes()),
		},
		Data: data,
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if parsed.UserOpHash != opHash {
		t.Errorf("userOpHash mismatch: %s", parsed.UserOpHash.Hex())
	}
	if parsed.Sender != sender {
		t.Errorf("sender mismatch: %s", parsed.Sender.Hex())
	}
	if !parsed.Success {
		t.Errorf("success flag lost")
	}
	if parsed.ActualGasCost.Int64() != 12345 || parsed.ActualGasUsed.Int64() != 678 {
		t.Errorf("gas fields mismatch: %v / %v", parsed.ActualGasCost, parsed.ActualGasUsed)
	}
}

func TestParseUserOperationEventRejectsOtherLogs(t *testing.T) {
	if _, err := ParseUserOperationEvent(types.Log{Topics: []common.Hash{common.HexToHash("0x01")}}); err == nil {
		t.Errorf("expected error for a non-UserOperationEvent log")
	}
}

func TestSimulationOutcome(t *testing.T) {
	validationResult := parsedABI.Errors["ValidationResult"].ID.Bytes()[:4]

	failedOpData, err := parsedABI.Errors["FailedOp"].Inputs.Pack(big.NewInt(0), "AA24 signature error")
	if err != nil {
		t.Fatalf("pack FailedOp: %v", err)
	}
	failedOp := append(parsedABI.Errors["FailedOp"].ID.Bytes()[:4], failedOpData...)

	testCases := []struct {
		name      string
		data      []byte
		wantErr   bool
		errSubstr string
	}{
		{
			name:    "validation result means accepted",
			data:    validationResult,
			wantErr: false,
		},
		{
			name:      "failed op carries the reason",
			data:      failedOp,
			wantErr:   true,
			errSubstr: "AA24",
		},
		{
			name:    "empty revert",
			data:    nil,
			wantErr: true,
		},
		{
			name:    "unknown selector",
			data:    []byte{0x01, 0x02, 0x03, 0x04},
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := SimulationOutcome(tc.data)
			if tc.wantErr && err == nil {
				t.Errorf("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if tc.errSubstr != "" && (err == nil || !strings.Contains(err.Error(), tc.errSubstr)) {
				t.Errorf("error %v does not mention %s", err, tc.errSubstr)
			}
		})
	}
}
