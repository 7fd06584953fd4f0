package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// InvariantValidator checks the accounting invariants that tie the balance
// book to the pool counters.
type InvariantValidator struct {
	store *Store
}

func NewInvariantValidator(store *Store) *InvariantValidator {
	return &InvariantValidator{
		store: store,
	}
}

// ValidateCustody verifies balanceOf(market, token) == poolAmount + collateralSum.
func (v *InvariantValidator) ValidateCustody(market, token common.Address) error {
	held := v.store.balances.BalanceOf(token, market)
	pool := v.store.GetUint(PoolAmount(market, token))
	collateral := v.store.GetUint(CollateralSum(market, token))

	expected, overflow := new(uint256.Int).AddOverflow(pool, collateral)
	if overflow {
		return fmt.Errorf("market %s token %s: pool + collateral overflows", market.Hex(), token.Hex())
	}
	if !held.Eq(expected) {
		return fmt.Errorf("market %s token %s: custody %s != pool %s + collateral %s",
			market.Hex(), token.Hex(), held.Dec(), pool.Dec(), collateral.Dec())
	}
	return nil
}

// ValidateSupply verifies the balances of token sum to its total supply.
func (v *InvariantValidator) ValidateSupply(token common.Address) error {
	total := new(uint256.Int)
	for _, balance := range v.store.balances.balances[token] {
		balance := balance
		if _, overflow := total.AddOverflow(total, &balance); overflow {
			return fmt.Errorf("token %s: balances overflow", token.Hex())
		}
	}

	supply := v.store.balances.TotalSupply(token)
	if !total.Eq(supply) {
		return fmt.Errorf("token %s: balances %s != supply %s", token.Hex(), total.Dec(), supply.Dec())
	}
	return nil
}

// ValidateMarket runs the custody check for both collateral tokens of a market.
func (v *InvariantValidator) ValidateMarket(market common.Address) error {
	long := v.store.GetAddress(MarketLongToken(market))
	short := v.store.GetAddress(MarketShortToken(market))

	if err := v.ValidateCustody(market, long); err != nil {
		return err
	}
	if err := v.ValidateCustody(market, short); err != nil {
		return err
	}
	return v.ValidateSupply(market)
}
