package request_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpSettle/internal/ledger"
	"PerpSettle/internal/request"
	"PerpSettle/internal/types"
)

func TestNewKey_UniquePerKindAndNonce(t *testing.T) {
	a := request.NewKey(request.KindDeposit, uint256.NewInt(1))
	b := request.NewKey(request.KindDeposit, uint256.NewInt(2))
	c := request.NewKey(request.KindOrder, uint256.NewInt(1))

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, a, request.NewKey(request.KindDeposit, uint256.NewInt(1)))
}

func TestStore_SetRemoveRevert(t *testing.T) {
	journal := ledger.NewJournal()
	store := request.NewStore[request.Deposit](journal)

	k1 := common.HexToHash("0x01")
	k2 := common.HexToHash("0x02")
	store.Set(k1, request.Deposit{Key: k1, UpdatedAtBlock: 10})
	store.Set(k2, request.Deposit{Key: k2, UpdatedAtBlock: 11})
	journal.Commit()

	snap := journal.Snapshot()
	require.True(t, store.Remove(k1))
	assert.False(t, store.Remove(k1))
	store.Set(k2, request.Deposit{Key: k2, UpdatedAtBlock: 99})
	assert.Equal(t, 1, store.Count())

	journal.RevertToSnapshot(snap)

	assert.Equal(t, 2, store.Count())
	got, ok := store.Get(k2)
	require.True(t, ok)
	assert.Equal(t, uint64(11), got.UpdatedAtBlock)
	assert.True(t, store.Contains(k1))
	assert.Equal(t, []common.Hash{k1, k2}, store.Keys(0, 10))
}

func TestStore_Restore(t *testing.T) {
	journal := ledger.NewJournal()
	store := request.NewStore[request.Order](journal)

	orders := []request.Order{
		{Key: common.HexToHash("0xa"), OrderType: request.LimitIncrease},
		{Key: common.HexToHash("0xb"), OrderType: request.MarketSwap},
	}
	store.Restore(orders, func(o request.Order) common.Hash { return o.Key })
	journal.Commit()

	assert.Equal(t, 2, store.Count())
	assert.Equal(t, orders, store.Values())
}

func TestOrderType_Predicates(t *testing.T) {
	tests := []struct {
		typ                                       request.OrderType
		swap, increase, decrease, limit, editable bool
	}{
		{request.MarketSwap, true, false, false, false, false},
		{request.LimitSwap, true, false, false, true, true},
		{request.MarketIncrease, false, true, false, false, false},
		{request.LimitIncrease, false, true, false, true, true},
		{request.MarketDecrease, false, false, true, false, false},
		{request.LimitDecrease, false, false, true, true, true},
		{request.StopLossDecrease, false, false, true, true, true},
		{request.Liquidation, false, false, true, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.typ.String(), func(t *testing.T) {
			assert.Equal(t, tt.swap, tt.typ.IsSwap())
			assert.Equal(t, tt.increase, tt.typ.IsIncrease())
			assert.Equal(t, tt.decrease, tt.typ.IsDecrease())
			assert.Equal(t, tt.limit, tt.typ.IsLimit())
			assert.Equal(t, tt.editable, tt.typ.IsUpdatable())
		})
	}
}

func TestOrderType_JSON(t *testing.T) {
	raw, err := json.Marshal(request.Order{OrderType: request.StopLossDecrease})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"order_type":"STOP_LOSS_DECREASE"`)

	var o request.Order
	require.NoError(t, json.Unmarshal([]byte(`{"order_type":"limit_swap"}`), &o))
	assert.Equal(t, request.LimitSwap, o.OrderType)

	_, err = request.ParseOrderType("TWAP")
	assert.True(t, errors.Is(err, types.ErrInvalidOrderType))
	assert.Equal(t, "ORDER_TYPE(42)", request.OrderType(42).String())
}
