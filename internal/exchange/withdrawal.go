package exchange

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"PerpSettle/internal/event"
	"PerpSettle/internal/ledger"
	"PerpSettle/internal/market"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/request"
	"PerpSettle/internal/types"
)

type WithdrawalParams struct {
	Market                  common.Address `json:"market"`
	MarketTokensLongAmount  *uint256.Int   `json:"market_tokens_long_amount"`
	MarketTokensShortAmount *uint256.Int   `json:"market_tokens_short_amount"`
	MinLongTokenAmount      *uint256.Int   `json:"min_long_token_amount"`
	MinShortTokenAmount     *uint256.Int   `json:"min_short_token_amount"`
	ExecutionFee            *uint256.Int   `json:"execution_fee"`
	NativeAmount            *uint256.Int   `json:"native_amount"`
}

// CreateWithdrawal escrows the execution fee and stores the request. Market
// tokens stay with the account until execution.
func (e *Exchange) CreateWithdrawal(account common.Address, p WithdrawalParams) (common.Hash, error) {
	var key common.Hash
	err := e.atomic("CreateWithdrawal", func() error {
		m, err := e.registry.Get(p.Market)
		if err != nil {
			return err
		}

		fee := orZero(p.ExecutionFee)
		feeToken, err := e.escrowExecutionFee(account, ledger.WithdrawalVault, fee, orZero(p.NativeAmount))
		if err != nil {
			return err
		}

		key, err = e.nextKey(request.KindWithdrawal)
		if err != nil {
			return err
		}

		w := request.Withdrawal{
			Key:                     key,
			Account:                 account,
			Market:                  m.MarketToken,
			MarketTokensLongAmount:  orZero(p.MarketTokensLongAmount),
			MarketTokensShortAmount: orZero(p.MarketTokensShortAmount),
			MinLongTokenAmount:      orZero(p.MinLongTokenAmount),
			MinShortTokenAmount:     orZero(p.MinShortTokenAmount),
			ExecutionFee:            fee,
			FeeToken:                feeToken,
			UpdatedAtBlock:          e.chain.BlockNumber(),
		}
		e.withdrawals.Set(key, w)

		e.emit(&event.WithdrawalCreated{
			Key:                     key,
			Account:                 account,
			Market:                  m.MarketToken,
			MarketTokensLongAmount:  w.MarketTokensLongAmount,
			MarketTokensShortAmount: w.MarketTokensShortAmount,
			ExecutionFee:            fee,
			UpdatedAtBlock:          w.UpdatedAtBlock,
		})
		return nil
	})
	return key, err
}

// ExecuteWithdrawal burns market tokens and pays each side out in that side's
// token. Requires ORDER_KEEPER.
func (e *Exchange) ExecuteWithdrawal(keeper common.Address, key common.Hash, ps *oracle.PriceSet) error {
	return e.atomic("ExecuteWithdrawal", func() error {
		if err := e.requireRole(keeper, types.RoleOrderKeeper); err != nil {
			return err
		}
		w, ok := e.withdrawals.Get(key)
		if !ok {
			return types.ErrRequestNotFound.Wrapf("withdrawal %s", key.Hex())
		}

		prices, err := e.gateway.ValidateAt(ps, w.UpdatedAtBlock)
		if err != nil {
			return err
		}
		if err := e.guard.ValidateExecutionFee(ledger.GasKindWithdrawal, 0, w.ExecutionFee); err != nil {
			return err
		}

		m, err := e.registry.Get(w.Market)
		if err != nil {
			return err
		}

		burnt, err := fpmath.Add(w.MarketTokensLongAmount, w.MarketTokensShortAmount)
		if err != nil {
			return err
		}
		held := e.store.Balances().BalanceOf(m.MarketToken, w.Account)
		if held.Lt(burnt) {
			return types.ErrInsufficientBalance.Wrapf("account %s holds %s market tokens, withdrawing %s",
				w.Account.Hex(), held.Dec(), burnt.Dec())
		}

		marketPrices, err := market.PricesOf(m, prices)
		if err != nil {
			return err
		}
		longOut, shortOut, err := e.withdrawalOutputs(m, marketPrices, w)
		if err != nil {
			return err
		}
		if longOut.Lt(w.MinLongTokenAmount) {
			return types.ErrMinOutputAmount.Wrapf("long output %s, minimum %s", longOut.Dec(), w.MinLongTokenAmount.Dec())
		}
		if shortOut.Lt(w.MinShortTokenAmount) {
			return types.ErrMinOutputAmount.Wrapf("short output %s, minimum %s", shortOut.Dec(), w.MinShortTokenAmount.Dec())
		}

		if err := e.registry.DecreasePoolAmount(m, m.LongToken, longOut); err != nil {
			return err
		}
		if err := e.registry.DecreasePoolAmount(m, m.ShortToken, shortOut); err != nil {
			return err
		}

		state := e.registry.State(m)
		reserveFactor := e.registry.ReserveFactor(m.MarketToken)
		if err := market.ValidateReserve(m, state, marketPrices, reserveFactor, true); err != nil {
			return err
		}
		if err := market.ValidateReserve(m, state, marketPrices, reserveFactor, false); err != nil {
			return err
		}

		if !burnt.IsZero() {
			if err := e.store.Balances().Burn(m.MarketToken, w.Account, burnt); err != nil {
				return err
			}
		}
		if err := e.transfer(m.LongToken, m.MarketToken, w.Account, longOut); err != nil {
			return err
		}
		if err := e.transfer(m.ShortToken, m.MarketToken, w.Account, shortOut); err != nil {
			return err
		}

		if err := e.payExecutionFee(ledger.WithdrawalVault, keeper, w.FeeToken, w.ExecutionFee); err != nil {
			return err
		}
		e.withdrawals.Remove(key)
		e.touch(m.MarketToken)

		e.emit(&event.WithdrawalExecuted{
			Key:               key,
			Account:           w.Account,
			Market:            m.MarketToken,
			Keeper:            keeper,
			MarketTokensBurnt: burnt,
			LongTokenAmount:   longOut,
			ShortTokenAmount:  shortOut,
			ExecutionFee:      w.ExecutionFee,
			OracleBlock:       prices.BlockNumber(),
		})
		return nil
	})
}

// withdrawalOutputs values each side's market tokens at the current pool value
// and converts them into that side's token.
func (e *Exchange) withdrawalOutputs(m market.Market, prices market.Prices, w request.Withdrawal) (longOut, shortOut *uint256.Int, err error) {
	longOut, shortOut = fpmath.Zero(), fpmath.Zero()
	if w.MarketTokensLongAmount.IsZero() && w.MarketTokensShortAmount.IsZero() {
		return longOut, shortOut, nil
	}

	supply := e.store.Balances().TotalSupply(m.MarketToken)
	poolValue, err := market.PoolValue(e.registry.State(m), prices)
	if err != nil {
		return nil, nil, err
	}

	if !w.MarketTokensLongAmount.IsZero() {
		usd, err := market.MarketTokensToUsd(w.MarketTokensLongAmount, poolValue, supply)
		if err != nil {
			return nil, nil, err
		}
		if longOut, err = fpmath.ToTokens(usd, prices.LongTokenPrice, fpmath.RoundDown); err != nil {
			return nil, nil, err
		}
	}
	if !w.MarketTokensShortAmount.IsZero() {
		usd, err := market.MarketTokensToUsd(w.MarketTokensShortAmount, poolValue, supply)
		if err != nil {
			return nil, nil, err
		}
		if shortOut, err = fpmath.ToTokens(usd, prices.ShortTokenPrice, fpmath.RoundDown); err != nil {
			return nil, nil, err
		}
	}
	return longOut, shortOut, nil
}

// CancelWithdrawal refunds the execution fee. Same authorization rules as CancelDeposit.
func (e *Exchange) CancelWithdrawal(caller common.Address, key common.Hash) error {
	return e.atomic("CancelWithdrawal", func() error {
		w, ok := e.withdrawals.Get(key)
		if !ok {
			return types.ErrRequestNotFound.Wrapf("withdrawal %s", key.Hex())
		}
		forced, err := e.authorizeCancel(caller, w.Account, w.UpdatedAtBlock)
		if err != nil {
			return err
		}
		if err := e.settleCancelledFee(ledger.WithdrawalVault, caller, w.Account, w.FeeToken, w.ExecutionFee, forced); err != nil {
			return err
		}
		e.withdrawals.Remove(key)

		e.emit(&event.WithdrawalCancelled{
			Key:          key,
			Account:      w.Account,
			Market:       w.Market,
			CancelledBy:  caller,
			ExecutionFee: w.ExecutionFee,
			FeeRefunded:  !forced,
		})
		return nil
	})
}
