package exchange

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"PerpSettle/internal/ledger"
	"PerpSettle/internal/types"
)

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v.Clone()
}

func (e *Exchange) nativeToken() common.Address {
	return e.store.GetAddress(ledger.NativeTokenKey)
}

// transfer moves amount of token; zero amounts are a no-op.
func (e *Exchange) transfer(token, from, to common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	return e.store.Balances().Transfer(token, from, to, amount)
}

// escrowExecutionFee moves the fee, paid in the native token, into vault and
// returns the token it was escrowed in. nativeAmount is what the caller
// attached and must equal the fee.
func (e *Exchange) escrowExecutionFee(account, vault common.Address, fee, nativeAmount *uint256.Int) (common.Address, error) {
	if !nativeAmount.Eq(fee) {
		return common.Address{}, types.ErrInvalidFeeAmount.Wrapf("native amount %s, execution fee %s", nativeAmount.Dec(), fee.Dec())
	}
	native := e.nativeToken()
	if fee.IsZero() {
		return native, nil
	}
	if native == (common.Address{}) {
		return common.Address{}, types.ErrInvalidFeeAmount.Wrap("native token not configured")
	}
	return native, e.transfer(native, account, vault, fee)
}

// feeTokenOf falls back to the current native token for requests restored
// from state written before fee tokens were recorded.
func (e *Exchange) feeTokenOf(token common.Address) common.Address {
	if token == (common.Address{}) {
		return e.nativeToken()
	}
	return token
}

// payExecutionFee releases the escrowed fee to the executing keeper.
func (e *Exchange) payExecutionFee(vault, keeper, feeToken common.Address, fee *uint256.Int) error {
	if err := e.transfer(e.feeTokenOf(feeToken), vault, keeper, fee); err != nil {
		return err
	}
	if e.metrics != nil && !fee.IsZero() {
		e.metrics.ExecutionFees.WithLabelValues("paid").Add(toFloat(fee))
	}
	return nil
}

// settleCancelledFee refunds the fee to the owner, or pays it to the keeper
// that force-cancelled an expired request.
func (e *Exchange) settleCancelledFee(vault, caller, owner, feeToken common.Address, fee *uint256.Int, forced bool) error {
	receiver, outcome := owner, "refunded"
	if forced {
		receiver, outcome = caller, "clawback"
	}
	if err := e.transfer(e.feeTokenOf(feeToken), vault, receiver, fee); err != nil {
		return err
	}
	if e.metrics != nil && !fee.IsZero() {
		e.metrics.ExecutionFees.WithLabelValues(outcome).Add(toFloat(fee))
	}
	return nil
}

// authorizeCancel reports whether caller's cancellation is forced. The owner
// always may cancel. An ORDER_KEEPER may cancel once REQUEST_EXPIRATION_BLOCKS
// have passed since the request was last updated; a zero expiration disables
// forced cancellation.
func (e *Exchange) authorizeCancel(caller, owner common.Address, updatedAtBlock uint64) (bool, error) {
	if caller == owner {
		return false, nil
	}
	if !e.roles.HasRole(caller, types.RoleOrderKeeper) {
		return false, types.ErrNotOwner.Wrapf("%s cannot cancel a request of %s", caller.Hex(), owner.Hex())
	}

	expiration := e.store.GetUint64(ledger.RequestExpirationBlocksKey)
	current := e.chain.BlockNumber()
	if expiration == 0 || current < updatedAtBlock || current-updatedAtBlock < expiration {
		return false, types.ErrRequestNotExpired.Wrapf("updated at %d, current %d, expiration %d blocks",
			updatedAtBlock, current, expiration)
	}
	return true, nil
}

func toFloat(v *uint256.Int) float64 {
	return v.Float64()
}
