package position_test

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpSettle/internal/ledger"
	"PerpSettle/internal/position"
	"PerpSettle/internal/types"
)

var (
	account = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	mkt     = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	usdc    = common.HexToAddress("0x000000000000000000000000000000000000c0c0")

	usdcPrice = dec("1000000000000000000000000") // $1 per 1e6 units
	params    = position.RiskParams{
		MaxLeverage:      dec("100000000000000000000000000000000"), // 100x
		MinCollateralUsd: dec("1000000000000000000000000000000"),   // $1
	}
)

func dec(s string) *uint256.Int {
	return uint256.MustFromDecimal(s)
}

func usd(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), dec("1000000000000000000000000000000"))
}

func ethAt(dollars uint64) *uint256.Int {
	// USD per wei, 1e30 scale
	return new(uint256.Int).Mul(uint256.NewInt(dollars), uint256.NewInt(1_000_000_000_000))
}

// $100,000 long opened at $1,000 with $50,000 USDC collateral.
func longPosition() position.Position {
	p := position.New(position.Key{Account: account, Market: mkt, CollateralToken: usdc, IsLong: true})
	p.SizeInUsd = usd(100_000)
	p.SizeInTokens = dec("100000000000000000000") // 100 ETH
	p.CollateralAmount = uint256.NewInt(50_000_000_000)
	return p
}

func TestPnlUsd(t *testing.T) {
	p := longPosition()

	pnl, err := position.PnlUsd(p, ethAt(1_100))
	require.NoError(t, err)
	assert.Equal(t, usd(10_000).Dec(), pnl.String())

	p.IsLong = false
	pnl, err = position.PnlUsd(p, ethAt(1_100))
	require.NoError(t, err)
	assert.Equal(t, "-"+usd(10_000).Dec(), pnl.String())
}

func TestSizeDeltaInTokens(t *testing.T) {
	p := longPosition()
	p.SizeInTokens = uint256.NewInt(3)
	p.SizeInUsd = uint256.NewInt(10)

	long, err := position.SizeDeltaInTokens(p, uint256.NewInt(5))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), long.Uint64())

	p.IsLong = false
	short, err := position.SizeDeltaInTokens(p, uint256.NewInt(5))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), short.Uint64())

	all, err := position.SizeDeltaInTokens(p, uint256.NewInt(10))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), all.Uint64())
}

func TestRealizedPnl_ProRata(t *testing.T) {
	p := longPosition()
	half := dec("50000000000000000000")

	pnl, err := position.RealizedPnl(p, ethAt(1_100), half)
	require.NoError(t, err)
	assert.Equal(t, usd(5_000).Dec(), pnl.String())
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name         string
		price        uint64
		fees         *uint256.Int
		liquidatable bool
		reason       string
	}{
		{"healthy at entry", 1_000, uint256.NewInt(0), false, ""},
		{"loss exactly equals collateral", 500, uint256.NewInt(0), true, position.ReasonCollateralExhausted},
		{"loss exceeds collateral", 400, uint256.NewInt(0), true, position.ReasonCollateralExhausted},
		{"fees exhaust the rest", 501, usd(1_000), true, position.ReasonCollateralExhausted},
		{"leverage above 100x", 505, uint256.NewInt(0), true, position.ReasonMaxLeverage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := position.Evaluate(longPosition(), usdcPrice, ethAt(tt.price), tt.fees, params)
			require.NoError(t, err)
			assert.Equal(t, tt.liquidatable, h.Liquidatable)
			assert.Equal(t, tt.reason, h.Reason)
		})
	}
}

func TestEvaluate_MinCollateral(t *testing.T) {
	p := longPosition()
	p.SizeInUsd = usd(10)
	p.SizeInTokens = dec("10000000000000000")    // 0.01 ETH
	p.CollateralAmount = uint256.NewInt(500_000) // $0.50

	h, err := position.Evaluate(p, usdcPrice, ethAt(1_000), uint256.NewInt(0), params)
	require.NoError(t, err)
	assert.True(t, h.Liquidatable)
	assert.Equal(t, position.ReasonMinCollateral, h.Reason)

	err = position.ValidateHealth(h)
	assert.Equal(t, types.KindValidation, types.Classify(err))
}

func TestValidateHealth_Leverage(t *testing.T) {
	h, err := position.Evaluate(longPosition(), usdcPrice, ethAt(505), uint256.NewInt(0), params)
	require.NoError(t, err)
	assert.ErrorIs(t, position.ValidateHealth(h), types.ErrMaxLeverageExceeded)
}

func TestLeverage(t *testing.T) {
	p := longPosition()
	h, err := position.Evaluate(p, usdcPrice, ethAt(1_000), uint256.NewInt(0), params)
	require.NoError(t, err)

	lev, err := position.Leverage(p, h)
	require.NoError(t, err)
	assert.Equal(t, dec("2000000000000000000000000000000").Dec(), lev.Dec())
}

func TestPendingBorrowingFee(t *testing.T) {
	p := longPosition()
	p.BorrowingFactor = dec("1000000000000000000000000000") // 0.1%

	fee, err := position.PendingBorrowingFee(p, dec("2000000000000000000000000000"))
	require.NoError(t, err)
	assert.Equal(t, usd(100).Dec(), fee.Dec())

	fee, err = position.PendingBorrowingFee(p, dec("1"))
	require.NoError(t, err)
	assert.True(t, fee.IsZero())
}

func TestStore_ZeroSizeRemoves(t *testing.T) {
	journal := ledger.NewJournal()
	store := position.NewStore(journal)

	p := longPosition()
	store.Set(p)
	assert.Equal(t, 1, store.Count())
	journal.Commit()

	snap := journal.Snapshot()
	p.SizeInUsd = uint256.NewInt(0)
	store.Set(p)
	assert.Equal(t, 0, store.Count())
	_, ok := store.Get(p.Key())
	assert.False(t, ok)

	journal.RevertToSnapshot(snap)
	got, ok := store.Get(p.Key())
	require.True(t, ok)
	assert.Equal(t, usd(100_000).Dec(), got.SizeInUsd.Dec())
	assert.Len(t, store.List(0, 10), 1)
}

func TestKeyHash_SideMatters(t *testing.T) {
	long := position.Key{Account: account, Market: mkt, CollateralToken: usdc, IsLong: true}
	short := long
	short.IsLong = false
	assert.NotEqual(t, long.Hash(), short.Hash())
}

func TestCanonicalBytes_Deterministic(t *testing.T) {
	a := longPosition()
	b := longPosition()
	assert.Equal(t, a.CanonicalBytes(), b.CanonicalBytes())

	b.DecreasedAtBlock = 1
	assert.NotEqual(t, a.CanonicalBytes(), b.CanonicalBytes())
}
