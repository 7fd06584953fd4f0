package ledger

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// AccountScope classifies a custody address for logs and projections.
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeVault
	AccountScopeMarket
)

// Escrow vaults. Tokens of pending requests sit here until the request is
// executed or cancelled.
var (
	DepositVault    = vaultAddress("PERP_DEPOSIT_VAULT")
	WithdrawalVault = vaultAddress("PERP_WITHDRAWAL_VAULT")
	OrderVault      = vaultAddress("PERP_ORDER_VAULT")
)

func vaultAddress(name string) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte(name))[12:])
}

// ScopeOf reports what kind of holder account is.
func (s *Store) ScopeOf(account common.Address) AccountScope {
	switch account {
	case DepositVault, WithdrawalVault, OrderVault:
		return AccountScopeVault
	}
	if s.ContainsAddress(MarketListKey, account) {
		return AccountScopeMarket
	}
	return AccountScopeUser
}

// AccountPath returns a readable label for storage and logging.
func (s *Store) AccountPath(account common.Address) string {
	switch account {
	case DepositVault:
		return "vault:deposit"
	case WithdrawalVault:
		return "vault:withdrawal"
	case OrderVault:
		return "vault:order"
	}
	if s.ScopeOf(account) == AccountScopeMarket {
		return "market:" + account.Hex()
	}
	return "user:" + account.Hex()
}
