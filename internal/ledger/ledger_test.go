package ledger_test

import (
	"encoding/json"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpSettle/internal/ledger"
	"PerpSettle/internal/types"
)

var (
	alice  = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob    = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	weth   = common.HexToAddress("0x0000000000000000000000000000000000000e7e")
	market = common.HexToAddress("0x00000000000000000000000000000000000000aa")
)

// ============================================================================
// Journal
// ============================================================================

func TestJournal_RevertRestoresScalars(t *testing.T) {
	s := ledger.NewStore()
	key := ledger.PoolAmount(market, weth)

	s.SetUint(key, uint256.NewInt(100))
	s.Journal().Commit()

	snap := s.Journal().Snapshot()
	_, err := s.IncrementUint(key, uint256.NewInt(50))
	require.NoError(t, err)
	s.SetAddress(ledger.NativeTokenKey, weth)
	s.SetBool(common.HexToHash("0x01"), true)
	require.NoError(t, s.SetInt(common.HexToHash("0x02"), big.NewInt(-7)))

	s.Journal().RevertToSnapshot(snap)

	assert.Equal(t, uint64(100), s.GetUint(key).Uint64())
	assert.Equal(t, common.Address{}, s.GetAddress(ledger.NativeTokenKey))
	assert.False(t, s.GetBool(common.HexToHash("0x01")))
	assert.Equal(t, int64(0), s.GetInt(common.HexToHash("0x02")).Int64())
	assert.Equal(t, 0, s.Journal().Length())
}

func TestJournal_NestedSnapshots(t *testing.T) {
	s := ledger.NewStore()
	key := common.HexToHash("0xabc")

	outer := s.Journal().Snapshot()
	s.SetUint(key, uint256.NewInt(1))
	inner := s.Journal().Snapshot()
	s.SetUint(key, uint256.NewInt(2))

	s.Journal().RevertToSnapshot(inner)
	assert.Equal(t, uint64(1), s.GetUint(key).Uint64())

	s.Journal().RevertToSnapshot(outer)
	assert.True(t, s.GetUint(key).IsZero())
}

func TestJournal_RevertOutOfRangePanics(t *testing.T) {
	j := ledger.NewJournal()
	assert.Panics(t, func() { j.RevertToSnapshot(3) })
}

func TestDecrementUint_Underflow(t *testing.T) {
	s := ledger.NewStore()
	_, err := s.DecrementUint(common.HexToHash("0x01"), uint256.NewInt(1))
	require.True(t, errors.Is(err, types.ErrUnderflow))
}

// ============================================================================
// OrderedSet
// ============================================================================

func TestOrderedSet_RemoveRevertRestoresOrder(t *testing.T) {
	j := ledger.NewJournal()
	set := ledger.NewOrderedSet[int](j)
	for i := 1; i <= 4; i++ {
		set.Add(i)
	}
	j.Commit()

	snap := j.Snapshot()
	require.True(t, set.Remove(2))
	require.True(t, set.Remove(4))
	assert.Equal(t, []int{1, 3}, set.Values())

	j.RevertToSnapshot(snap)
	assert.Equal(t, []int{1, 2, 3, 4}, set.Values())
	assert.True(t, set.Contains(4))
}

func TestOrderedSet_AddDuplicateAndRange(t *testing.T) {
	j := ledger.NewJournal()
	set := ledger.NewOrderedSet[string](j)

	assert.True(t, set.Add("a"))
	assert.False(t, set.Add("a"))
	set.Add("b")
	set.Add("c")

	assert.Equal(t, []string{"b", "c"}, set.Range(1, 10))
	assert.Empty(t, set.Range(5, 2))
	assert.Equal(t, 3, set.Count())
}

// ============================================================================
// BalanceTracker
// ============================================================================

func TestBalanceTracker_TransferAndBurn(t *testing.T) {
	s := ledger.NewStore()
	bt := s.Balances()

	require.NoError(t, bt.Mint(weth, alice, uint256.NewInt(1000)))
	require.NoError(t, bt.Transfer(weth, alice, bob, uint256.NewInt(400)))

	assert.Equal(t, uint64(600), bt.BalanceOf(weth, alice).Uint64())
	assert.Equal(t, uint64(400), bt.BalanceOf(weth, bob).Uint64())

	err := bt.Transfer(weth, bob, alice, uint256.NewInt(401))
	require.True(t, errors.Is(err, types.ErrInsufficientBalance))

	require.NoError(t, bt.Burn(weth, bob, uint256.NewInt(400)))
	assert.Equal(t, uint64(600), bt.TotalSupply(weth).Uint64())

	v := ledger.NewInvariantValidator(s)
	require.NoError(t, v.ValidateSupply(weth))
}

func TestBalanceTracker_RevertTransfer(t *testing.T) {
	s := ledger.NewStore()
	bt := s.Balances()
	require.NoError(t, bt.Mint(weth, alice, uint256.NewInt(10)))
	s.Journal().Commit()

	snap := s.Journal().Snapshot()
	require.NoError(t, bt.Transfer(weth, alice, bob, uint256.NewInt(10)))
	s.Journal().RevertToSnapshot(snap)

	assert.Equal(t, uint64(10), bt.BalanceOf(weth, alice).Uint64())
	assert.True(t, bt.BalanceOf(weth, bob).IsZero())
}

// ============================================================================
// Roles, custody, snapshots
// ============================================================================

func TestRoleStore(t *testing.T) {
	s := ledger.NewStore()
	roles := ledger.NewRoleStore(s)

	require.NoError(t, roles.GrantRole(alice, types.RoleOrderKeeper))
	assert.True(t, roles.HasRole(alice, types.RoleOrderKeeper))
	assert.False(t, roles.HasRole(bob, types.RoleOrderKeeper))

	err := roles.RequireRole(bob, types.RoleOrderKeeper)
	assert.Equal(t, types.KindAuthorization, types.Classify(err))

	roles.RevokeRole(alice, types.RoleOrderKeeper)
	assert.False(t, roles.HasRole(alice, types.RoleOrderKeeper))

	require.Error(t, roles.GrantRole(common.Address{}, types.RoleAdmin))
}

func TestInvariantValidator_Custody(t *testing.T) {
	s := ledger.NewStore()
	v := ledger.NewInvariantValidator(s)

	require.NoError(t, s.Balances().Mint(weth, market, uint256.NewInt(150)))
	s.SetUint(ledger.PoolAmount(market, weth), uint256.NewInt(100))
	s.SetUint(ledger.CollateralSum(market, weth), uint256.NewInt(50))
	require.NoError(t, v.ValidateCustody(market, weth))

	s.SetUint(ledger.CollateralSum(market, weth), uint256.NewInt(49))
	require.Error(t, v.ValidateCustody(market, weth))
}

func TestStore_ExportImportRoundTrip(t *testing.T) {
	s := ledger.NewStore()
	s.SetUint(ledger.MaxLeverageKey, uint256.NewInt(100))
	require.NoError(t, s.SetInt(common.HexToHash("0x05"), big.NewInt(-5)))
	s.SetAddress(ledger.NativeTokenKey, weth)
	s.AddAddress(ledger.OracleSignerListKey, alice)
	s.AddAddress(ledger.OracleSignerListKey, bob)
	require.NoError(t, s.Balances().Mint(weth, alice, uint256.NewInt(42)))
	s.Journal().Commit()

	raw, err := json.Marshal(s.Export())
	require.NoError(t, err)

	var snap ledger.Snapshot
	require.NoError(t, json.Unmarshal(raw, &snap))

	restored := ledger.NewStore()
	require.NoError(t, restored.Import(&snap))

	assert.Equal(t, uint64(100), restored.GetUint(ledger.MaxLeverageKey).Uint64())
	assert.Equal(t, int64(-5), restored.GetInt(common.HexToHash("0x05")).Int64())
	assert.Equal(t, weth, restored.GetAddress(ledger.NativeTokenKey))
	assert.Equal(t, []common.Address{alice, bob}, restored.AddressValues(ledger.OracleSignerListKey, 0, 10))
	assert.Equal(t, uint64(42), restored.Balances().BalanceOf(weth, alice).Uint64())
	assert.Equal(t, uint64(42), restored.Balances().TotalSupply(weth).Uint64())
}

func TestStore_ExportWithPendingJournalPanics(t *testing.T) {
	s := ledger.NewStore()
	s.SetUint(ledger.NonceKey, uint256.NewInt(1))
	assert.Panics(t, func() { s.Export() })
}

func TestKeys_Distinct(t *testing.T) {
	assert.NotEqual(t, ledger.PoolAmount(market, weth), ledger.CollateralSum(market, weth))
	assert.NotEqual(t, ledger.OpenInterest(market, true), ledger.OpenInterest(market, false))
	assert.NotEqual(t, ledger.DepositVault, ledger.OrderVault)
}
