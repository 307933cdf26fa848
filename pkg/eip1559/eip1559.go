package eip1559

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/ethclient"
)

var (
	// Minimum tip of 2 gwei keeps bundle submission profitable on quiet chains.
	MinPriorityFee = big.NewInt(2_000_000_000)
	// Minimum maxFeePerGas of 20 gwei for high-basefee chains like Base.
	MinMaxFee = big.NewInt(20_000_000_000)
)

// SuggestFee queries the fee market and returns (maxFeePerGas, maxPriorityFeePerGas)
// suitable for bundle transactions. The tip carries a 13% buffer and the max fee uses
// 2x the current base fee so the transaction survives base fee increases between blocks.
func SuggestFee(ctx context.Context, client *ethclient.Client) (*big.Int, *big.Int, error) {
	tipCap, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, err
	}

	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, err
	}

	buffer := new(big.Int).Div(tipCap, big.NewInt(100))
	buffer = new(big.Int).Mul(buffer, big.NewInt(13))
	maxPriorityFeePerGas := new(big.Int).Add(tipCap, buffer)

	if maxPriorityFeePerGas.Cmp(MinPriorityFee) < 0 {
		maxPriorityFeePerGas = new(big.Int).Set(MinPriorityFee)
	}

	var maxFeePerGas *big.Int

	baseFee := header.BaseFee
	if baseFee != nil {
		// maxFeePerGas must be >= baseFee + maxPriorityFeePerGas; 2x baseFee gives
		// headroom for increases between blocks
		maxFeePerGas = new(big.Int).Add(
			new(big.Int).Mul(baseFee, big.NewInt(2)),
			maxPriorityFeePerGas,
		)

		if maxFeePerGas.Cmp(MinMaxFee) < 0 {
			maxFeePerGas = new(big.Int).Set(MinMaxFee)
		}
	} else {
		// Legacy (pre-EIP-1559) chain
		maxFeePerGas = new(big.Int).Set(maxPriorityFeePerGas)
	}

	return maxFeePerGas, maxPriorityFeePerGas, nil
}
