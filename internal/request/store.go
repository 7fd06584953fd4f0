package request

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"PerpSettle/internal/ledger"
)

// Request kinds, also used as key derivation prefixes.
const (
	KindDeposit    = "DEPOSIT"
	KindWithdrawal = "WITHDRAWAL"
	KindOrder      = "ORDER"
)

// NewKey derives a request key from its kind and the global nonce.
func NewKey(kind string, nonce *uint256.Int) common.Hash {
	word := nonce.Bytes32()
	return crypto.Keccak256Hash([]byte(kind), word[:])
}

// Store holds pending requests of one kind. Each request is removed exactly once.
type Store[T any] struct {
	journal *ledger.Journal
	items   map[common.Hash]T
	keys    *ledger.OrderedSet[common.Hash]
}

func NewStore[T any](journal *ledger.Journal) *Store[T] {
	return &Store[T]{
		journal: journal,
		items:   make(map[common.Hash]T),
		keys:    ledger.NewOrderedSet[common.Hash](journal),
	}
}

// Set inserts or replaces the request under key.
func (s *Store[T]) Set(key common.Hash, item T) {
	prev, existed := s.items[key]
	s.items[key] = item
	s.keys.Add(key)

	s.journal.Append(func() {
		if existed {
			s.items[key] = prev
		} else {
			delete(s.items, key)
		}
	})
}

func (s *Store[T]) Get(key common.Hash) (T, bool) {
	item, ok := s.items[key]
	return item, ok
}

// Remove deletes the request and reports whether it existed.
func (s *Store[T]) Remove(key common.Hash) bool {
	prev, existed := s.items[key]
	if !existed {
		return false
	}
	delete(s.items, key)
	s.keys.Remove(key)

	s.journal.Append(func() {
		s.items[key] = prev
	})
	return true
}

func (s *Store[T]) Contains(key common.Hash) bool {
	_, ok := s.items[key]
	return ok
}

func (s *Store[T]) Count() int {
	return s.keys.Count()
}

// Keys returns request keys in [start, end).
func (s *Store[T]) Keys(start, end int) []common.Hash {
	return s.keys.Range(start, end)
}

// Values returns all pending requests in key order.
func (s *Store[T]) Values() []T {
	keys := s.keys.Values()
	out := make([]T, 0, len(keys))
	for _, key := range keys {
		out = append(out, s.items[key])
	}
	return out
}

// Restore replaces the contents without journaling. Used when loading a snapshot.
func (s *Store[T]) Restore(items []T, keyOf func(T) common.Hash) {
	s.items = make(map[common.Hash]T, len(items))
	s.keys = ledger.NewOrderedSet[common.Hash](s.journal)
	for _, item := range items {
		key := keyOf(item)
		s.items[key] = item
		s.keys.Add(key)
	}
}
