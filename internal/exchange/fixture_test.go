package exchange_test

import (
	"crypto/ecdsa"
	"io"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"PerpSettle/internal/chain"
	"PerpSettle/internal/event"
	"PerpSettle/internal/exchange"
	"PerpSettle/internal/ledger"
	"PerpSettle/internal/market"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/request"
	"PerpSettle/internal/types"
)

var (
	weth = common.HexToAddress("0x0000000000000000000000000000000000000e7e")
	usdc = common.HexToAddress("0x000000000000000000000000000000000000c0c0")

	admin      = common.HexToAddress("0x00000000000000000000000000000000000ad111")
	keeper     = common.HexToAddress("0x000000000000000000000000000000000000beef")
	liquidator = common.HexToAddress("0x0000000000000000000000000000000000001140")
	alice      = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob        = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

const startBlock = 1000

func ether(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(1_000_000_000_000_000_000))
}

func usdcUnits(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(1_000_000))
}

func usd(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), fpmath.FloatPrecision)
}

type fixture struct {
	ex      *exchange.Exchange
	metrics *observability.Metrics
	chain   *chain.SimulatedChain
	market  market.Market
	keys    []*ecdsa.PrivateKey
	salt    common.Hash
	events  []event.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		chain:   chain.NewSimulatedChain("exchange-test", startBlock, uint256.NewInt(1)),
		salt:    oracle.OracleSalt(31337, "perp-settle"),
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
	}

	signers := make([]common.Address, 3)
	for i := range signers {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		f.keys = append(f.keys, key)
		signers[i] = crypto.PubkeyToAddress(key.PublicKey)
	}

	f.ex = exchange.New(exchange.Options{
		Store:   ledger.NewStore(),
		Chain:   f.chain,
		Salt:    f.salt,
		Metrics: f.metrics,
		Logger:  observability.NewLoggerTo(io.Discard, "exchange-test", zerolog.ErrorLevel),
		Sink: exchange.EventSinkFunc(func(events []event.Event) {
			f.events = append(f.events, events...)
		}),
	})

	genesis := exchange.Genesis{
		NativeToken: weth,
		Roles: map[string][]common.Address{
			types.RoleAdmin:             {admin},
			types.RoleController:        {admin},
			types.RoleMarketKeeper:      {admin},
			types.RoleOrderKeeper:       {keeper},
			types.RoleLiquidationKeeper: {liquidator},
		},
		Signers: signers,
		Params: []exchange.ParamValue{
			{Param: exchange.ConfigParam{Name: exchange.ParamMinOracleSigners}, Value: uint256.NewInt(2)},
			{Param: exchange.ConfigParam{Name: exchange.ParamReserveFactor}, Value: uint256.MustFromDecimal("500000000000000000000000000000")},
			{Param: exchange.ConfigParam{Name: exchange.ParamMaxLeverage}, Value: usd(100)},
			{Param: exchange.ConfigParam{Name: exchange.ParamMinCollateralUsd}, Value: usd(10)},
			{Param: exchange.ConfigParam{Name: exchange.ParamRequestExpirationBlocks}, Value: uint256.NewInt(10)},
			{Param: exchange.ConfigParam{Name: exchange.ParamOraclePrecision, Token: weth}, Value: uint256.NewInt(100_000_000)},
			{Param: exchange.ConfigParam{Name: exchange.ParamOraclePrecision, Token: usdc}, Value: uint256.MustFromDecimal("1000000000000000000")},
		},
		Markets: []exchange.MarketSpec{{IndexToken: weth, LongToken: weth, ShortToken: usdc}},
		Allocations: []exchange.Allocation{
			{Token: weth, Account: alice, Amount: ether(1_000)},
			{Token: usdc, Account: alice, Amount: usdcUnits(1_000_000)},
			{Token: weth, Account: bob, Amount: ether(1_000)},
			{Token: usdc, Account: bob, Amount: usdcUnits(1_000_000)},
		},
	}
	require.NoError(t, f.ex.ApplyGenesis(genesis))

	markets := f.ex.Markets(0, 1)
	require.Len(t, markets, 1)
	f.market = markets[0]
	f.events = nil
	return f
}

// prices returns a price-set for block signed by two signers. ethUsd is the
// dollar price of one ETH; USDC is pinned at $1.
func (f *fixture) prices(t *testing.T, block uint64, ethUsd uint64) *oracle.PriceSet {
	t.Helper()
	hash, ok := f.chain.BlockHash(block)
	require.True(t, ok)

	ps := &oracle.PriceSet{
		BlockNumber: block,
		BlockHash:   hash,
		Tokens:      []common.Address{weth, usdc},
		Prices:      []*uint256.Int{uint256.NewInt(ethUsd * 10_000), uint256.NewInt(1_000_000)},
	}
	require.NoError(t, ps.Sign(f.salt, f.keys[0]))
	require.NoError(t, ps.Sign(f.salt, f.keys[1]))
	return ps
}

// deposit creates and executes a deposit at ethUsd and returns the minted
// market tokens.
func (f *fixture) deposit(t *testing.T, account common.Address, eth, stable *uint256.Int, ethUsd uint64) *uint256.Int {
	t.Helper()
	before := f.ex.BalanceOf(f.market.MarketToken, account)

	key, err := f.ex.CreateDeposit(account, exchange.DepositParams{
		Market:           f.market.MarketToken,
		LongToken:        weth,
		ShortToken:       usdc,
		LongTokenAmount:  eth,
		ShortTokenAmount: stable,
	})
	require.NoError(t, err)
	d, ok := f.ex.Deposit(key)
	require.True(t, ok)

	f.chain.Mine(1)
	require.NoError(t, f.ex.ExecuteDeposit(keeper, key, f.prices(t, d.UpdatedAtBlock, ethUsd)))

	after := f.ex.BalanceOf(f.market.MarketToken, account)
	return new(uint256.Int).Sub(after, before)
}

// order creates an order and returns its key together with its block.
func (f *fixture) order(t *testing.T, account common.Address, p exchange.OrderParams) (common.Hash, uint64) {
	t.Helper()
	if p.Market == (common.Address{}) {
		p.Market = f.market.MarketToken
	}
	key, err := f.ex.CreateOrder(account, p)
	require.NoError(t, err)
	o, ok := f.ex.Order(key)
	require.True(t, ok)
	f.chain.Mine(1)
	return key, o.UpdatedAtBlock
}

// openLong opens a long of sizeUsd dollars backed by collateral USDC at ethUsd.
func (f *fixture) openLong(t *testing.T, account common.Address, sizeUsd, collateral uint64, ethUsd uint64) {
	t.Helper()
	key, block := f.order(t, account, exchange.OrderParams{
		InitialCollateralToken:       usdc,
		SizeDeltaUsd:                 usd(sizeUsd),
		InitialCollateralDeltaAmount: usdcUnits(collateral),
		AcceptablePrice:              new(uint256.Int).SetAllOne(),
		OrderType:                    request.MarketIncrease,
		IsLong:                       true,
	})
	require.NoError(t, f.ex.ExecuteOrder(keeper, key, f.prices(t, block, ethUsd)))
}

func (f *fixture) eventTypes() []event.EventType {
	out := make([]event.EventType, len(f.events))
	for i, evt := range f.events {
		out[i] = evt.EventType()
	}
	return out
}
