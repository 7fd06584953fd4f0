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

// DepositParams describe a deposit. LongToken and ShortToken name the tokens
// the caller is sending; a non-zero amount of a token that is not the market's
// token for that slot is rejected.
type DepositParams struct {
	Market           common.Address `json:"market"`
	LongToken        common.Address `json:"long_token"`
	ShortToken       common.Address `json:"short_token"`
	LongTokenAmount  *uint256.Int   `json:"long_token_amount"`
	ShortTokenAmount *uint256.Int   `json:"short_token_amount"`
	MinMarketTokens  *uint256.Int   `json:"min_market_tokens"`
	ExecutionFee     *uint256.Int   `json:"execution_fee"`
	NativeAmount     *uint256.Int   `json:"native_amount"`
}

// CreateDeposit escrows the deposited tokens and the execution fee in the
// deposit vault and stores the request.
func (e *Exchange) CreateDeposit(account common.Address, p DepositParams) (common.Hash, error) {
	var key common.Hash
	err := e.atomic("CreateDeposit", func() error {
		m, err := e.registry.Get(p.Market)
		if err != nil {
			return err
		}

		longAmount := orZero(p.LongTokenAmount)
		shortAmount := orZero(p.ShortTokenAmount)
		if !longAmount.IsZero() && p.LongToken != m.LongToken {
			return types.ErrInvalidToken.Wrapf("long slot token %s, market long token %s", p.LongToken.Hex(), m.LongToken.Hex())
		}
		if !shortAmount.IsZero() && p.ShortToken != m.ShortToken {
			return types.ErrInvalidToken.Wrapf("short slot token %s, market short token %s", p.ShortToken.Hex(), m.ShortToken.Hex())
		}

		fee := orZero(p.ExecutionFee)
		feeToken, err := e.escrowExecutionFee(account, ledger.DepositVault, fee, orZero(p.NativeAmount))
		if err != nil {
			return err
		}
		if err := e.transfer(m.LongToken, account, ledger.DepositVault, longAmount); err != nil {
			return err
		}
		if err := e.transfer(m.ShortToken, account, ledger.DepositVault, shortAmount); err != nil {
			return err
		}

		key, err = e.nextKey(request.KindDeposit)
		if err != nil {
			return err
		}

		d := request.Deposit{
			Key:              key,
			Account:          account,
			Market:           m.MarketToken,
			LongTokenAmount:  longAmount,
			ShortTokenAmount: shortAmount,
			MinMarketTokens:  orZero(p.MinMarketTokens),
			ExecutionFee:     fee,
			FeeToken:         feeToken,
			UpdatedAtBlock:   e.chain.BlockNumber(),
		}
		e.deposits.Set(key, d)

		e.emit(&event.DepositCreated{
			Key:              key,
			Account:          account,
			Market:           m.MarketToken,
			LongTokenAmount:  longAmount,
			ShortTokenAmount: shortAmount,
			MinMarketTokens:  d.MinMarketTokens,
			ExecutionFee:     fee,
			UpdatedAtBlock:   d.UpdatedAtBlock,
		})
		return nil
	})
	return key, err
}

// ExecuteDeposit mints market tokens against the price-set bound to the
// deposit's block. Requires ORDER_KEEPER.
func (e *Exchange) ExecuteDeposit(keeper common.Address, key common.Hash, ps *oracle.PriceSet) error {
	return e.atomic("ExecuteDeposit", func() error {
		if err := e.requireRole(keeper, types.RoleOrderKeeper); err != nil {
			return err
		}
		d, ok := e.deposits.Get(key)
		if !ok {
			return types.ErrRequestNotFound.Wrapf("deposit %s", key.Hex())
		}

		prices, err := e.gateway.ValidateAt(ps, d.UpdatedAtBlock)
		if err != nil {
			return err
		}
		if err := e.guard.ValidateExecutionFee(ledger.GasKindDeposit, 0, d.ExecutionFee); err != nil {
			return err
		}

		m, err := e.registry.Get(d.Market)
		if err != nil {
			return err
		}
		marketPrices, err := market.PricesOf(m, prices)
		if err != nil {
			return err
		}

		minted, depositUsd, err := e.marketTokensForDeposit(m, marketPrices, d)
		if err != nil {
			return err
		}
		if minted.Lt(d.MinMarketTokens) {
			return types.ErrMinMarketTokens.Wrapf("minted %s, minimum %s", minted.Dec(), d.MinMarketTokens.Dec())
		}

		if err := e.transfer(m.LongToken, ledger.DepositVault, m.MarketToken, d.LongTokenAmount); err != nil {
			return err
		}
		if err := e.registry.IncreasePoolAmount(m, m.LongToken, d.LongTokenAmount); err != nil {
			return err
		}
		if err := e.transfer(m.ShortToken, ledger.DepositVault, m.MarketToken, d.ShortTokenAmount); err != nil {
			return err
		}
		if err := e.registry.IncreasePoolAmount(m, m.ShortToken, d.ShortTokenAmount); err != nil {
			return err
		}
		if !minted.IsZero() {
			if err := e.store.Balances().Mint(m.MarketToken, d.Account, minted); err != nil {
				return err
			}
		}

		if err := e.payExecutionFee(ledger.DepositVault, keeper, d.FeeToken, d.ExecutionFee); err != nil {
			return err
		}
		e.deposits.Remove(key)
		e.touch(m.MarketToken)

		e.emit(&event.DepositExecuted{
			Key:              key,
			Account:          d.Account,
			Market:           m.MarketToken,
			Keeper:           keeper,
			LongTokenAmount:  d.LongTokenAmount,
			ShortTokenAmount: d.ShortTokenAmount,
			DepositUsd:       depositUsd,
			MarketTokens:     minted,
			ExecutionFee:     d.ExecutionFee,
			OracleBlock:      prices.BlockNumber(),
		})
		return nil
	})
}

// marketTokensForDeposit prices the deposit against the pool before it is applied.
func (e *Exchange) marketTokensForDeposit(m market.Market, prices market.Prices, d request.Deposit) (minted, depositUsd *uint256.Int, err error) {
	longUsd, err := fpmath.ToUsd(d.LongTokenAmount, prices.LongTokenPrice)
	if err != nil {
		return nil, nil, err
	}
	shortUsd, err := fpmath.ToUsd(d.ShortTokenAmount, prices.ShortTokenPrice)
	if err != nil {
		return nil, nil, err
	}
	depositUsd, err = fpmath.Add(longUsd, shortUsd)
	if err != nil {
		return nil, nil, err
	}

	supply := e.store.Balances().TotalSupply(m.MarketToken)
	poolValue := fpmath.Zero()
	if !supply.IsZero() {
		poolValue, err = market.PoolValue(e.registry.State(m), prices)
		if err != nil {
			return nil, nil, err
		}
	}

	minted, err = market.MarketTokensToMint(depositUsd, poolValue, supply)
	if err != nil {
		return nil, nil, err
	}
	return minted, depositUsd, nil
}

// CancelDeposit refunds a pending deposit. The owner may cancel at any time;
// an ORDER_KEEPER may force-cancel after expiry and keeps the execution fee.
func (e *Exchange) CancelDeposit(caller common.Address, key common.Hash) error {
	return e.atomic("CancelDeposit", func() error {
		d, ok := e.deposits.Get(key)
		if !ok {
			return types.ErrRequestNotFound.Wrapf("deposit %s", key.Hex())
		}
		forced, err := e.authorizeCancel(caller, d.Account, d.UpdatedAtBlock)
		if err != nil {
			return err
		}
		m, err := e.registry.Get(d.Market)
		if err != nil {
			return err
		}

		if err := e.transfer(m.LongToken, ledger.DepositVault, d.Account, d.LongTokenAmount); err != nil {
			return err
		}
		if err := e.transfer(m.ShortToken, ledger.DepositVault, d.Account, d.ShortTokenAmount); err != nil {
			return err
		}
		if err := e.settleCancelledFee(ledger.DepositVault, caller, d.Account, d.FeeToken, d.ExecutionFee, forced); err != nil {
			return err
		}
		e.deposits.Remove(key)

		e.emit(&event.DepositCancelled{
			Key:          key,
			Account:      d.Account,
			Market:       d.Market,
			CancelledBy:  caller,
			ExecutionFee: d.ExecutionFee,
			FeeRefunded:  !forced,
		})
		return nil
	})
}
