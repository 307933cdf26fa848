package bundler

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/AvaProtocol/ap-bundler/core/chainio/aa"
	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-bundler/pkg/logger"
)

// contractCaller is the slice of ethclient the gate needs; tests inject a fake.
type contractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// SimulationGate accepts or rejects an operation by running the EntryPoint's
// simulateValidation against current state. The call is read-only and runs
// under a fixed gas ceiling so a hostile operation cannot burn unbounded
// simulation gas.
type SimulationGate struct {
	client     contractCaller
	entryPoint common.Address
	gasLimit   uint64
	logger     logger.Logger
}

func NewSimulationGate(client contractCaller, entryPoint common.Address, gasLimit uint64, lgr logger.Logger) *SimulationGate {
	return &SimulationGate{
		client:     client,
		entryPoint: entryPoint,
		gasLimit:   gasLimit,
		logger:     logger.EnsureLogger(lgr),
	}
}

// Validate returns nil when the operation passes simulation, an error
// wrapping ErrRejected when the EntryPoint refuses it, and an error wrapping
// ErrTransient when the chain endpoint itself fails. Callers retry only on
// the transient case.
func (g *SimulationGate) Validate(ctx context.Context, op *userop.UserOperation) error {
	data, err := aa.PackSimulateValidation(*op)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrRejected, err)
	}

	_, err = g.client.CallContract(ctx, ethereum.CallMsg{
		To:   &g.entryPoint,
		Gas:  g.gasLimit,
		Data: data,
	}, nil)

	if err != nil {
		// simulateValidation always reverts; the outcome rides in the revert data
		if revert, ok := revertData(err); ok {
			if simErr := aa.SimulationOutcome(revert); simErr != nil {
				return fmt.Errorf("%w: %s", ErrRejected, simErr)
			}
			return nil
		}
		g.logger.Error("simulation call failed", "error", err)
		return fmt.Errorf("%w: %s", ErrTransient, err)
	}

	// A plain return means the target is not a v0.6 EntryPoint
	return fmt.Errorf("%w: simulateValidation did not revert", ErrRejected)
}

// revertData extracts the revert payload from a chain RPC error, when present.
func revertData(err error) ([]byte, bool) {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return nil, false
	}
	hexData, ok := dataErr.ErrorData().(string)
	if !ok {
		return nil, false
	}
	return common.FromHex(hexData), true
}
