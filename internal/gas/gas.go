package gas

import (
	"github.com/holiman/uint256"

	"PerpSettle/internal/chain"
	"PerpSettle/internal/ledger"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/types"
)

// EstimateGasLimit is the configured base limit for kind plus the per-hop cost
// of swapHops swaps.
func EstimateGasLimit(store *ledger.Store, kind string, swapHops int) (*uint256.Int, error) {
	base := store.GetUint(ledger.EstimatedGasLimit(kind))
	if swapHops <= 0 {
		return base, nil
	}
	perSwap := store.GetUint(ledger.EstimatedGasPerSwapKey)
	hops, err := fpmath.Mul(perSwap, uint256.NewInt(uint64(swapHops)))
	if err != nil {
		return nil, err
	}
	return fpmath.Add(base, hops)
}

// MinExecutionFee is gasLimit * gasPrice scaled by the multiplier factor.
// A zero multiplier means 1x.
func MinExecutionFee(gasLimit, gasPrice, multiplier *uint256.Int) (*uint256.Int, error) {
	cost, err := fpmath.Mul(gasLimit, gasPrice)
	if err != nil {
		return nil, err
	}
	if multiplier.IsZero() {
		return cost, nil
	}
	return fpmath.ApplyFactorRoundUp(cost, multiplier)
}

// Guard checks that escrowed execution fees cover the keeper's cost at the
// current gas price.
type Guard struct {
	store *ledger.Store
	chain chain.Context
}

func NewGuard(store *ledger.Store, chainCtx chain.Context) *Guard {
	return &Guard{store: store, chain: chainCtx}
}

// SetChain swaps the chain context. Used when replaying with a pinned head.
func (g *Guard) SetChain(chainCtx chain.Context) {
	g.chain = chainCtx
}

// Required returns the minimum execution fee for kind at the current gas price.
func (g *Guard) Required(kind string, swapHops int) (*uint256.Int, error) {
	limit, err := EstimateGasLimit(g.store, kind, swapHops)
	if err != nil {
		return nil, err
	}
	return MinExecutionFee(limit, g.chain.GasPrice(), g.store.GetUint(ledger.ExecutionFeeMultiplierFactorKey))
}

// ValidateExecutionFee fails with ErrInsufficientExecutionFee when fee is below Required.
func (g *Guard) ValidateExecutionFee(kind string, swapHops int, fee *uint256.Int) error {
	required, err := g.Required(kind, swapHops)
	if err != nil {
		return err
	}
	if fee.Lt(required) {
		return types.ErrInsufficientExecutionFee.Wrapf("%s: fee %s, required %s", kind, fee.Dec(), required.Dec())
	}
	return nil
}
