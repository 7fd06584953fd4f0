package position

import (
	"github.com/ethereum/go-ethereum/common"

	"PerpSettle/internal/ledger"
)

// Store holds open positions. A position with zero size is never stored.
type Store struct {
	journal   *ledger.Journal
	positions map[common.Hash]Position
	keys      *ledger.OrderedSet[common.Hash]
}

func NewStore(journal *ledger.Journal) *Store {
	return &Store{
		journal:   journal,
		positions: make(map[common.Hash]Position),
		keys:      ledger.NewOrderedSet[common.Hash](journal),
	}
}

func (s *Store) Get(key Key) (Position, bool) {
	return s.GetByHash(key.Hash())
}

func (s *Store) GetByHash(hash common.Hash) (Position, bool) {
	p, ok := s.positions[hash]
	return p, ok
}

// Set stores p, or removes it when its size is zero.
func (s *Store) Set(p Position) {
	hash := p.Key().Hash()
	if p.IsEmpty() {
		s.remove(hash)
		return
	}

	prev, existed := s.positions[hash]
	s.positions[hash] = p
	s.keys.Add(hash)

	s.journal.Append(func() {
		if existed {
			s.positions[hash] = prev
		} else {
			delete(s.positions, hash)
		}
	})
}

// Remove deletes the position and reports whether it existed.
func (s *Store) Remove(key Key) bool {
	return s.remove(key.Hash())
}

func (s *Store) remove(hash common.Hash) bool {
	prev, existed := s.positions[hash]
	if !existed {
		return false
	}
	delete(s.positions, hash)
	s.keys.Remove(hash)

	s.journal.Append(func() {
		s.positions[hash] = prev
	})
	return true
}

func (s *Store) Count() int {
	return s.keys.Count()
}

// Keys returns position hashes in [start, end).
func (s *Store) Keys(start, end int) []common.Hash {
	return s.keys.Range(start, end)
}

// List returns positions in [start, end).
func (s *Store) List(start, end int) []Position {
	hashes := s.keys.Range(start, end)
	out := make([]Position, 0, len(hashes))
	for _, h := range hashes {
		out = append(out, s.positions[h])
	}
	return out
}

// Restore replaces the contents. The caller commits the journal afterwards.
func (s *Store) Restore(positions []Position) {
	s.positions = make(map[common.Hash]Position, len(positions))
	s.keys = ledger.NewOrderedSet[common.Hash](s.journal)
	for _, p := range positions {
		if p.IsEmpty() {
			continue
		}
		hash := p.Key().Hash()
		s.positions[hash] = p
		s.keys.Add(hash)
	}
}
