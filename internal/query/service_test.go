package query

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpSettle/internal/event"
	"PerpSettle/internal/testutil"
	"PerpSettle/internal/types"
)

type memoryStore struct {
	markets   []MarketResponse
	positions map[string]PositionResponse
	requests  []RequestResponse
	projected int64
	calls     int
}

func (m *memoryStore) Markets(context.Context) ([]MarketResponse, error) {
	m.calls++
	out := make([]MarketResponse, len(m.markets))
	copy(out, m.markets)
	return out, nil
}

func (m *memoryStore) Positions(_ context.Context, account, status string) ([]PositionResponse, error) {
	m.calls++
	var out []PositionResponse
	for _, p := range m.positions {
		if p.Account == account && (status == "" || p.Status == status) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memoryStore) Position(_ context.Context, key string) (*PositionResponse, error) {
	m.calls++
	p, ok := m.positions[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *memoryStore) Requests(_ context.Context, f RequestFilter) ([]RequestResponse, error) {
	var out []RequestResponse
	for _, r := range m.requests {
		if f.Status == "" || r.Status == f.Status {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memoryStore) Liquidations(context.Context, string, int) ([]LiquidationResponse, error) {
	return nil, nil
}

func (m *memoryStore) ProjectedSequence(context.Context) (int64, error) {
	return m.projected, nil
}

type stubAuditor struct {
	breaks []int64
	last   int64
	hash   []byte
}

func (a stubAuditor) HashChainBreaks(context.Context, int) ([]int64, int64, error) {
	return a.breaks, a.last, nil
}

func (a stubAuditor) LoggedStateHash(context.Context) ([]byte, error) {
	return a.hash, nil
}

func seeded(t *testing.T) (*testutil.Settlement, *memoryStore) {
	t.Helper()
	s := testutil.NewSettlement(t, nil)
	s.Deposit(t, "lp", testutil.Alice, 10, 20_000, 2_000)
	s.Drain()

	store := &memoryStore{
		markets:   []MarketResponse{{MarketToken: s.Market.Hex(), IndexToken: testutil.WETH.Hex()}},
		positions: map[string]PositionResponse{},
		projected: 4,
	}
	return s, store
}

func TestQueryService_MarketsCarryLivePool(t *testing.T) {
	s, store := seeded(t)
	qs := NewQueryService(store, nil, s.Processor)

	page, err := qs.GetMarkets(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), page.AsOfSequence)
	require.Len(t, page.Items, 1)
	require.NotNil(t, page.Items[0].Pool)
	assert.Equal(t, testutil.Ether(10).Dec(), page.Items[0].Pool.LongTokenAmount)
	assert.Equal(t, testutil.USDCUnits(20_000).Dec(), page.Items[0].Pool.ShortTokenAmount)
	assert.Equal(t, "0.00", page.Items[0].Pool.LongOpenInterest)

	m, err := qs.GetMarket(s.Market)
	require.NoError(t, err)
	assert.Equal(t, testutil.USDC.Hex(), m.ShortToken)

	_, err = qs.GetMarket(testutil.Bob)
	assert.ErrorIs(t, err, types.ErrMarketNotFound)
}

func TestQueryService_StatusReportsLag(t *testing.T) {
	s, store := seeded(t)
	qs := NewQueryService(store, nil, s.Processor)

	st, err := qs.GetStatus(context.Background())
	require.NoError(t, err)

	commandSeq, eventSeq := s.Processor.Sequence()
	assert.Equal(t, commandSeq, st.CommandSeq)
	assert.Equal(t, eventSeq-4, st.ProjectionLag)
	assert.Equal(t, s.Processor.StateHash().Hex(), st.StateHash)
	assert.Equal(t, 0, st.PendingDeposit)
}

func TestQueryService_Balance(t *testing.T) {
	s, store := seeded(t)
	qs := NewQueryService(store, nil, s.Processor)

	bal := qs.GetBalance(testutil.WETH, s.Market)
	assert.Equal(t, testutil.Ether(10).Dec(), bal.Amount)
	assert.Equal(t, "0", qs.GetBalance(testutil.WETH, common.HexToAddress("0xdead")).Amount)
}

func TestQueryService_PendingRequestsAreFiltered(t *testing.T) {
	s, store := seeded(t)
	store.requests = []RequestResponse{
		{RequestKey: "0x1", Status: "pending"},
		{RequestKey: "0x2", Status: "executed"},
	}
	qs := NewQueryService(store, nil, s.Processor)

	page, err := qs.GetRequests(context.Background(), RequestFilter{Status: "pending"})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "0x1", page.Items[0].RequestKey)

	_, err = qs.GetPosition(context.Background(), common.HexToHash("0x9"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVerifyIntegrity(t *testing.T) {
	s, store := seeded(t)
	_, eventSeq := s.Processor.Sequence()
	tip := s.Processor.StateHash()

	t.Run("healthy when caught up", func(t *testing.T) {
		qs := NewQueryService(store, stubAuditor{last: eventSeq, hash: tip.Bytes()}, s.Processor)
		report, err := qs.VerifyIntegrity(context.Background())
		require.NoError(t, err)
		assert.True(t, report.IsHealthy)
		assert.Empty(t, report.CustodyMismatches)
		assert.True(t, report.StateHashesAgree)
	})

	t.Run("lagging log is not a mismatch", func(t *testing.T) {
		qs := NewQueryService(store, stubAuditor{last: eventSeq - 1, hash: []byte{1}}, s.Processor)
		report, err := qs.VerifyIntegrity(context.Background())
		require.NoError(t, err)
		assert.True(t, report.IsHealthy)
	})

	t.Run("diverged hash", func(t *testing.T) {
		qs := NewQueryService(store, stubAuditor{last: eventSeq, hash: []byte{1}}, s.Processor)
		report, err := qs.VerifyIntegrity(context.Background())
		require.NoError(t, err)
		assert.False(t, report.StateHashesAgree)
		assert.False(t, report.IsHealthy)
	})

	t.Run("broken chain", func(t *testing.T) {
		qs := NewQueryService(store, stubAuditor{breaks: []int64{3}, last: eventSeq, hash: tip.Bytes()}, s.Processor)
		report, err := qs.VerifyIntegrity(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []int64{3}, report.HashChainBreaks)
		assert.False(t, report.IsHealthy)
	})
}

func TestInvalidationKeys(t *testing.T) {
	encode := func(evt event.Event) event.EventEnvelope {
		env, err := event.Encode(evt)
		require.NoError(t, err)
		return env
	}
	posKey := common.HexToHash("0x77")

	keys := InvalidationKeys([]event.EventEnvelope{
		encode(&event.MarketCreated{MarketToken: testutil.WETH}),
		encode(&event.PositionIncreased{PositionKey: posKey, Account: testutil.Alice}),
		encode(&event.PositionDecreased{PositionKey: posKey, Account: testutil.Alice}),
		encode(&event.OrderCreated{Account: testutil.Bob}),
	})

	assert.ElementsMatch(t, []string{
		"perp:markets",
		"perp:position:" + posKey.Hex(),
		"perp:positions:" + testutil.Alice.Hex() + ":",
		"perp:positions:" + testutil.Alice.Hex() + ":open",
		"perp:positions:" + testutil.Alice.Hex() + ":closed",
		"perp:positions:" + testutil.Alice.Hex() + ":liquidated",
	}, keys)

	assert.Empty(t, InvalidationKeys([]event.EventEnvelope{encode(&event.OrderCreated{})}))
}
