package exchange

import (
	"github.com/ethereum/go-ethereum/common"

	"PerpSettle/internal/ledger"
	"PerpSettle/internal/position"
	"PerpSettle/internal/request"
)

// State is a copy of everything the exchange holds. Requests and positions
// live outside the ledger store and travel next to it.
type State struct {
	Ledger      *ledger.Snapshot     `json:"ledger"`
	Deposits    []request.Deposit    `json:"deposits"`
	Withdrawals []request.Withdrawal `json:"withdrawals"`
	Orders      []request.Order      `json:"orders"`
	Positions   []position.Position  `json:"positions"`
}

// Export copies the committed state.
func (e *Exchange) Export() *State {
	e.mu.Lock()
	defer e.mu.Unlock()

	return &State{
		Ledger:      e.store.Export(),
		Deposits:    e.deposits.Values(),
		Withdrawals: e.withdrawals.Values(),
		Orders:      e.orders.Values(),
		Positions:   e.positions.List(0, e.positions.Count()),
	}
}

// Restore replaces the whole state with s.
func (e *Exchange) Restore(s *State) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if s.Ledger != nil {
		if err := e.store.Import(s.Ledger); err != nil {
			return err
		}
	}
	e.deposits.Restore(s.Deposits, func(d request.Deposit) common.Hash { return d.Key })
	e.withdrawals.Restore(s.Withdrawals, func(w request.Withdrawal) common.Hash { return w.Key })
	e.orders.Restore(s.Orders, func(o request.Order) common.Hash { return o.Key })
	e.positions.Restore(s.Positions)
	e.journal.Commit()
	return nil
}
