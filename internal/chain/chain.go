package chain

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Context is the view of the host chain the settlement engine needs: the current
// block, hashes of recent blocks for oracle binding, and the gas price used to
// size execution fees.
type Context interface {
	BlockNumber() uint64
	BlockHash(number uint64) (common.Hash, bool)
	GasPrice() *uint256.Int
}

// Head is the chain state recorded alongside every processed command so replay
// can pin the exact context the command saw.
type Head struct {
	BlockNumber uint64       `json:"block_number"`
	GasPrice    *uint256.Int `json:"gas_price"`
}

// Capture reads the current head from ctx.
func Capture(ctx Context) Head {
	return Head{
		BlockNumber: ctx.BlockNumber(),
		GasPrice:    ctx.GasPrice(),
	}
}
