package ledger

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"PerpSettle/internal/types"
)

// BalanceTracker is the token transfer primitive: per-token account balances and
// total supplies. Tokens enter the book through Mint and leave through Burn.
type BalanceTracker struct {
	journal  *Journal
	balances map[common.Address]map[common.Address]uint256.Int
	supplies map[common.Address]uint256.Int
}

func NewBalanceTracker(journal *Journal) *BalanceTracker {
	return &BalanceTracker{
		journal:  journal,
		balances: make(map[common.Address]map[common.Address]uint256.Int),
		supplies: make(map[common.Address]uint256.Int),
	}
}

// BalanceOf returns the balance of account in token.
func (bt *BalanceTracker) BalanceOf(token, account common.Address) *uint256.Int {
	book, ok := bt.balances[token]
	if !ok {
		return new(uint256.Int)
	}
	v := book[account]
	return &v
}

// TotalSupply returns the outstanding supply of token.
func (bt *BalanceTracker) TotalSupply(token common.Address) *uint256.Int {
	v := bt.supplies[token]
	return &v
}

// Transfer moves amount of token from one account to another.
func (bt *BalanceTracker) Transfer(token, from, to common.Address, amount *uint256.Int) error {
	if amount.IsZero() || from == to {
		return nil
	}

	fromBalance := bt.BalanceOf(token, from)
	if fromBalance.Lt(amount) {
		return types.ErrInsufficientBalance.Wrapf("token %s account %s: have %s, need %s",
			token.Hex(), from.Hex(), fromBalance.Dec(), amount.Dec())
	}

	toBalance := bt.BalanceOf(token, to)
	newTo, overflow := new(uint256.Int).AddOverflow(toBalance, amount)
	if overflow {
		return types.ErrOverflow.Wrapf("balance of %s in %s", to.Hex(), token.Hex())
	}

	bt.setBalance(token, from, new(uint256.Int).Sub(fromBalance, amount))
	bt.setBalance(token, to, newTo)
	return nil
}

// Mint creates amount of token in account.
func (bt *BalanceTracker) Mint(token, to common.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}

	supply := bt.TotalSupply(token)
	newSupply, overflow := new(uint256.Int).AddOverflow(supply, amount)
	if overflow {
		return types.ErrOverflow.Wrapf("total supply of %s", token.Hex())
	}

	// balance <= supply, so this cannot overflow once the supply did not
	newBalance := new(uint256.Int).Add(bt.BalanceOf(token, to), amount)

	bt.setSupply(token, newSupply)
	bt.setBalance(token, to, newBalance)
	return nil
}

// Burn destroys amount of token held by account.
func (bt *BalanceTracker) Burn(token, from common.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}

	balance := bt.BalanceOf(token, from)
	if balance.Lt(amount) {
		return types.ErrInsufficientBalance.Wrapf("burn %s of %s from %s: have %s",
			amount.Dec(), token.Hex(), from.Hex(), balance.Dec())
	}

	bt.setBalance(token, from, new(uint256.Int).Sub(balance, amount))
	bt.setSupply(token, new(uint256.Int).Sub(bt.TotalSupply(token), amount))
	return nil
}

func (bt *BalanceTracker) setBalance(token, account common.Address, value *uint256.Int) {
	book, ok := bt.balances[token]
	if !ok {
		book = make(map[common.Address]uint256.Int)
		bt.balances[token] = book
	}

	prev, existed := book[account]
	if value.IsZero() {
		delete(book, account)
	} else {
		book[account] = *value
	}

	bt.journal.Append(func() {
		if existed {
			book[account] = prev
		} else {
			delete(book, account)
		}
	})
}

func (bt *BalanceTracker) setSupply(token common.Address, value *uint256.Int) {
	prev, existed := bt.supplies[token]
	if value.IsZero() {
		delete(bt.supplies, token)
	} else {
		bt.supplies[token] = *value
	}

	bt.journal.Append(func() {
		if existed {
			bt.supplies[token] = prev
		} else {
			delete(bt.supplies, token)
		}
	})
}

// Snapshot returns a copy of all non-zero balances, keyed token then account.
func (bt *BalanceTracker) Snapshot() map[common.Address]map[common.Address]*uint256.Int {
	out := make(map[common.Address]map[common.Address]*uint256.Int, len(bt.balances))
	for token, book := range bt.balances {
		if len(book) == 0 {
			continue
		}
		copied := make(map[common.Address]*uint256.Int, len(book))
		for account, v := range book {
			v := v
			copied[account] = &v
		}
		out[token] = copied
	}
	return out
}

// Supplies returns a copy of all non-zero total supplies.
func (bt *BalanceTracker) Supplies() map[common.Address]*uint256.Int {
	out := make(map[common.Address]*uint256.Int, len(bt.supplies))
	for token, v := range bt.supplies {
		v := v
		out[token] = &v
	}
	return out
}

func (bt *BalanceTracker) restore(
	balances map[common.Address]map[common.Address]*uint256.Int,
	supplies map[common.Address]*uint256.Int,
) {
	bt.balances = make(map[common.Address]map[common.Address]uint256.Int, len(balances))
	for token, book := range balances {
		restored := make(map[common.Address]uint256.Int, len(book))
		for account, v := range book {
			if v != nil && !v.IsZero() {
				restored[account] = *v
			}
		}
		bt.balances[token] = restored
	}

	bt.supplies = make(map[common.Address]uint256.Int, len(supplies))
	for token, v := range supplies {
		if v != nil && !v.IsZero() {
			bt.supplies[token] = *v
		}
	}
}
