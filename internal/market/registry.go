package market

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"PerpSettle/internal/ledger"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/types"
)

// Registry stores markets and their pool counters in the ledger.
type Registry struct {
	store *ledger.Store
}

func NewRegistry(store *ledger.Store) *Registry {
	return &Registry{store: store}
}

// Create registers a new market. Markets are never mutated or deleted afterwards.
func (r *Registry) Create(index, long, short common.Address) (Market, error) {
	zero := common.Address{}
	if index == zero || long == zero || short == zero {
		return Market{}, types.ErrInvalidMarket.Wrap("zero token address")
	}
	if long == short {
		return Market{}, types.ErrInvalidMarket.Wrapf("long and short token are both %s", long.Hex())
	}

	m := Market{
		MarketToken: TokenAddress(index, long, short),
		IndexToken:  index,
		LongToken:   long,
		ShortToken:  short,
	}
	if r.Exists(m.MarketToken) {
		return Market{}, types.ErrMarketAlreadyExists.Wrapf("market %s", m.MarketToken.Hex())
	}

	r.store.AddAddress(ledger.MarketListKey, m.MarketToken)
	r.store.SetAddress(ledger.MarketIndexToken(m.MarketToken), index)
	r.store.SetAddress(ledger.MarketLongToken(m.MarketToken), long)
	r.store.SetAddress(ledger.MarketShortToken(m.MarketToken), short)
	return m, nil
}

func (r *Registry) Exists(marketToken common.Address) bool {
	return r.store.ContainsAddress(ledger.MarketListKey, marketToken)
}

func (r *Registry) Get(marketToken common.Address) (Market, error) {
	if !r.Exists(marketToken) {
		return Market{}, types.ErrMarketNotFound.Wrapf("market %s", marketToken.Hex())
	}
	return Market{
		MarketToken: marketToken,
		IndexToken:  r.store.GetAddress(ledger.MarketIndexToken(marketToken)),
		LongToken:   r.store.GetAddress(ledger.MarketLongToken(marketToken)),
		ShortToken:  r.store.GetAddress(ledger.MarketShortToken(marketToken)),
	}, nil
}

// List returns markets in [start, end).
func (r *Registry) List(start, end int) []Market {
	tokens := r.store.AddressValues(ledger.MarketListKey, start, end)
	out := make([]Market, 0, len(tokens))
	for _, token := range tokens {
		m, err := r.Get(token)
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (r *Registry) Count() int {
	return r.store.AddressCount(ledger.MarketListKey)
}

// === Pool amounts ===

func (r *Registry) PoolAmount(marketToken, token common.Address) *uint256.Int {
	return r.store.GetUint(ledger.PoolAmount(marketToken, token))
}

func (r *Registry) IncreasePoolAmount(m Market, token common.Address, delta *uint256.Int) error {
	if !m.HasToken(token) {
		return types.ErrInvalidToken.Wrapf("pool token %s not in market %s", token.Hex(), m.MarketToken.Hex())
	}
	_, err := r.store.IncrementUint(ledger.PoolAmount(m.MarketToken, token), delta)
	return err
}

func (r *Registry) DecreasePoolAmount(m Market, token common.Address, delta *uint256.Int) error {
	if !m.HasToken(token) {
		return types.ErrInvalidToken.Wrapf("pool token %s not in market %s", token.Hex(), m.MarketToken.Hex())
	}
	available := r.PoolAmount(m.MarketToken, token)
	if available.Lt(delta) {
		return types.ErrInsufficientPoolAmount.Wrapf("market %s token %s: available %s, requested %s",
			m.MarketToken.Hex(), token.Hex(), available.Dec(), delta.Dec())
	}
	r.store.SetUint(ledger.PoolAmount(m.MarketToken, token), new(uint256.Int).Sub(available, delta))
	return nil
}

// === Collateral sums ===

func (r *Registry) CollateralSum(marketToken, token common.Address) *uint256.Int {
	return r.store.GetUint(ledger.CollateralSum(marketToken, token))
}

func (r *Registry) IncreaseCollateralSum(m Market, token common.Address, delta *uint256.Int) error {
	if !m.HasToken(token) {
		return types.ErrInvalidCollateralToken.Wrapf("%s not in market %s", token.Hex(), m.MarketToken.Hex())
	}
	_, err := r.store.IncrementUint(ledger.CollateralSum(m.MarketToken, token), delta)
	return err
}

func (r *Registry) DecreaseCollateralSum(m Market, token common.Address, delta *uint256.Int) error {
	_, err := r.store.DecrementUint(ledger.CollateralSum(m.MarketToken, token), delta)
	return err
}

// === Open interest ===

func (r *Registry) OpenInterest(marketToken common.Address, isLong bool) *uint256.Int {
	return r.store.GetUint(ledger.OpenInterest(marketToken, isLong))
}

func (r *Registry) OpenInterestInTokens(marketToken common.Address, isLong bool) *uint256.Int {
	return r.store.GetUint(ledger.OpenInterestInTokens(marketToken, isLong))
}

func (r *Registry) IncreaseOpenInterest(marketToken common.Address, isLong bool, deltaUsd, deltaTokens *uint256.Int) error {
	if _, err := r.store.IncrementUint(ledger.OpenInterest(marketToken, isLong), deltaUsd); err != nil {
		return err
	}
	_, err := r.store.IncrementUint(ledger.OpenInterestInTokens(marketToken, isLong), deltaTokens)
	return err
}

func (r *Registry) DecreaseOpenInterest(marketToken common.Address, isLong bool, deltaUsd, deltaTokens *uint256.Int) error {
	if _, err := r.store.DecrementUint(ledger.OpenInterest(marketToken, isLong), deltaUsd); err != nil {
		return err
	}
	_, err := r.store.DecrementUint(ledger.OpenInterestInTokens(marketToken, isLong), deltaTokens)
	return err
}

// ReserveFactor returns the per-market reserve factor, falling back to the global default.
func (r *Registry) ReserveFactor(marketToken common.Address) *uint256.Int {
	v := r.store.GetUint(ledger.ReserveFactor(marketToken))
	if v.IsZero() {
		return r.store.GetUint(ledger.ReserveFactorKey)
	}
	return v
}

// State reads the pool counters of m.
func (r *Registry) State(m Market) PoolState {
	return PoolState{
		LongTokenAmount:           r.PoolAmount(m.MarketToken, m.LongToken),
		ShortTokenAmount:          r.PoolAmount(m.MarketToken, m.ShortToken),
		LongOpenInterest:          r.OpenInterest(m.MarketToken, true),
		ShortOpenInterest:         r.OpenInterest(m.MarketToken, false),
		LongOpenInterestInTokens:  r.OpenInterestInTokens(m.MarketToken, true),
		ShortOpenInterestInTokens: r.OpenInterestInTokens(m.MarketToken, false),
	}
}

// === Borrowing ===

// CumulativeBorrowingFactor returns the accrued borrowing factor of one side as of block.
func (r *Registry) CumulativeBorrowingFactor(marketToken common.Address, isLong bool, block uint64) (*uint256.Int, error) {
	cumulative := r.store.GetUint(ledger.CumulativeBorrowingFactor(marketToken, isLong))
	updatedAt := r.store.GetUint64(ledger.BorrowingUpdatedAtBlock(marketToken, isLong))
	if block <= updatedAt {
		return cumulative, nil
	}

	perBlock := r.store.GetUint(ledger.BorrowingFactorPerBlock(marketToken, isLong))
	accrued, err := fpmath.Mul(perBlock, uint256.NewInt(block-updatedAt))
	if err != nil {
		return nil, err
	}
	return fpmath.Add(cumulative, accrued)
}

// UpdateCumulativeBorrowingFactor stores the factor accrued up to block.
func (r *Registry) UpdateCumulativeBorrowingFactor(marketToken common.Address, isLong bool, block uint64) (*uint256.Int, error) {
	cumulative, err := r.CumulativeBorrowingFactor(marketToken, isLong, block)
	if err != nil {
		return nil, err
	}
	updatedAt := r.store.GetUint64(ledger.BorrowingUpdatedAtBlock(marketToken, isLong))
	if block > updatedAt {
		r.store.SetUint(ledger.CumulativeBorrowingFactor(marketToken, isLong), cumulative)
		r.store.SetUint(ledger.BorrowingUpdatedAtBlock(marketToken, isLong), uint256.NewInt(block))
	}
	return cumulative, nil
}
