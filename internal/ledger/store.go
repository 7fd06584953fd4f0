package ledger

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/types"
)

// Store is the generic key-indexed state of the exchange. It holds no business
// logic: scalars, sets and the token balance book, all sharing one journal.
type Store struct {
	journal *Journal

	uints     map[common.Hash]uint256.Int
	ints      map[common.Hash]*big.Int
	addresses map[common.Hash]common.Address
	bools     map[common.Hash]bool

	hashSets    map[common.Hash]*OrderedSet[common.Hash]
	addressSets map[common.Hash]*OrderedSet[common.Address]

	balances *BalanceTracker
}

func NewStore() *Store {
	journal := NewJournal()
	return &Store{
		journal:     journal,
		uints:       make(map[common.Hash]uint256.Int),
		ints:        make(map[common.Hash]*big.Int),
		addresses:   make(map[common.Hash]common.Address),
		bools:       make(map[common.Hash]bool),
		hashSets:    make(map[common.Hash]*OrderedSet[common.Hash]),
		addressSets: make(map[common.Hash]*OrderedSet[common.Address]),
		balances:    NewBalanceTracker(journal),
	}
}

// Journal exposes the shared undo journal so sibling stores can record their own entries.
func (s *Store) Journal() *Journal {
	return s.journal
}

// Balances returns the token transfer primitive.
func (s *Store) Balances() *BalanceTracker {
	return s.balances
}

// === Unsigned scalars ===

func (s *Store) GetUint(key common.Hash) *uint256.Int {
	v := s.uints[key]
	return &v
}

func (s *Store) SetUint(key common.Hash, value *uint256.Int) {
	prev, existed := s.uints[key]
	if value.IsZero() {
		delete(s.uints, key)
	} else {
		s.uints[key] = *value
	}

	s.journal.Append(func() {
		if existed {
			s.uints[key] = prev
		} else {
			delete(s.uints, key)
		}
	})
}

func (s *Store) IncrementUint(key common.Hash, delta *uint256.Int) (*uint256.Int, error) {
	next, err := fpmath.Add(s.GetUint(key), delta)
	if err != nil {
		return nil, err
	}
	s.SetUint(key, next)
	return next, nil
}

func (s *Store) DecrementUint(key common.Hash, delta *uint256.Int) (*uint256.Int, error) {
	next, err := fpmath.Sub(s.GetUint(key), delta)
	if err != nil {
		return nil, err
	}
	s.SetUint(key, next)
	return next, nil
}

// GetUint64 reads a small configuration value. Values beyond 64 bits saturate.
func (s *Store) GetUint64(key common.Hash) uint64 {
	v := s.GetUint(key)
	if !v.IsUint64() {
		return ^uint64(0)
	}
	return v.Uint64()
}

// === Signed scalars ===

func (s *Store) GetInt(key common.Hash) *big.Int {
	if v, ok := s.ints[key]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

func (s *Store) SetInt(key common.Hash, value *big.Int) error {
	if err := fpmath.CheckInt256(value); err != nil {
		return err
	}

	prev, existed := s.ints[key]
	if value.Sign() == 0 {
		delete(s.ints, key)
	} else {
		s.ints[key] = new(big.Int).Set(value)
	}

	s.journal.Append(func() {
		if existed {
			s.ints[key] = prev
		} else {
			delete(s.ints, key)
		}
	})
	return nil
}

// === Addresses and flags ===

func (s *Store) GetAddress(key common.Hash) common.Address {
	return s.addresses[key]
}

func (s *Store) SetAddress(key common.Hash, value common.Address) {
	prev, existed := s.addresses[key]
	if value == (common.Address{}) {
		delete(s.addresses, key)
	} else {
		s.addresses[key] = value
	}

	s.journal.Append(func() {
		if existed {
			s.addresses[key] = prev
		} else {
			delete(s.addresses, key)
		}
	})
}

func (s *Store) GetBool(key common.Hash) bool {
	return s.bools[key]
}

func (s *Store) SetBool(key common.Hash, value bool) {
	prev, existed := s.bools[key]
	if !value {
		delete(s.bools, key)
	} else {
		s.bools[key] = true
	}

	s.journal.Append(func() {
		if existed {
			s.bools[key] = prev
		} else {
			delete(s.bools, key)
		}
	})
}

// === Sets ===

func (s *Store) hashSet(key common.Hash) *OrderedSet[common.Hash] {
	set, ok := s.hashSets[key]
	if !ok {
		set = NewOrderedSet[common.Hash](s.journal)
		s.hashSets[key] = set
	}
	return set
}

func (s *Store) addressSet(key common.Hash) *OrderedSet[common.Address] {
	set, ok := s.addressSets[key]
	if !ok {
		set = NewOrderedSet[common.Address](s.journal)
		s.addressSets[key] = set
	}
	return set
}

func (s *Store) AddHash(setKey, value common.Hash) bool {
	return s.hashSet(setKey).Add(value)
}

func (s *Store) RemoveHash(setKey, value common.Hash) bool {
	return s.hashSet(setKey).Remove(value)
}

func (s *Store) ContainsHash(setKey, value common.Hash) bool {
	return s.hashSet(setKey).Contains(value)
}

func (s *Store) HashCount(setKey common.Hash) int {
	return s.hashSet(setKey).Count()
}

func (s *Store) HashValues(setKey common.Hash, start, end int) []common.Hash {
	return s.hashSet(setKey).Range(start, end)
}

func (s *Store) AddAddress(setKey common.Hash, value common.Address) bool {
	return s.addressSet(setKey).Add(value)
}

func (s *Store) RemoveAddress(setKey common.Hash, value common.Address) bool {
	return s.addressSet(setKey).Remove(value)
}

func (s *Store) ContainsAddress(setKey common.Hash, value common.Address) bool {
	return s.addressSet(setKey).Contains(value)
}

func (s *Store) AddressCount(setKey common.Hash) int {
	return s.addressSet(setKey).Count()
}

func (s *Store) AddressValues(setKey common.Hash, start, end int) []common.Address {
	return s.addressSet(setKey).Range(start, end)
}

// === Nonce ===

// IncrementNonce bumps the global request nonce and returns the new value.
func (s *Store) IncrementNonce() (*uint256.Int, error) {
	return s.IncrementUint(NonceKey, uint256.NewInt(1))
}

// === Snapshots ===

// Snapshot is the serializable image of a Store.
type Snapshot struct {
	Uints       map[common.Hash]*uint256.Int                       `json:"uints"`
	Ints        map[common.Hash]*big.Int                           `json:"ints"`
	Addresses   map[common.Hash]common.Address                     `json:"addresses"`
	Bools       map[common.Hash]bool                               `json:"bools"`
	HashSets    map[common.Hash][]common.Hash                      `json:"hash_sets"`
	AddressSets map[common.Hash][]common.Address                   `json:"address_sets"`
	Balances    map[common.Address]map[common.Address]*uint256.Int `json:"balances"`
	Supplies    map[common.Address]*uint256.Int                    `json:"supplies"`
}

// Export copies the committed state. Callers must not export with uncommitted entries.
func (s *Store) Export() *Snapshot {
	if s.journal.Length() != 0 {
		panic("FATAL: ledger export with uncommitted journal entries")
	}

	snap := &Snapshot{
		Uints:       make(map[common.Hash]*uint256.Int, len(s.uints)),
		Ints:        make(map[common.Hash]*big.Int, len(s.ints)),
		Addresses:   make(map[common.Hash]common.Address, len(s.addresses)),
		Bools:       make(map[common.Hash]bool, len(s.bools)),
		HashSets:    make(map[common.Hash][]common.Hash, len(s.hashSets)),
		AddressSets: make(map[common.Hash][]common.Address, len(s.addressSets)),
		Balances:    s.balances.Snapshot(),
		Supplies:    s.balances.Supplies(),
	}

	for k, v := range s.uints {
		v := v
		snap.Uints[k] = &v
	}
	for k, v := range s.ints {
		snap.Ints[k] = new(big.Int).Set(v)
	}
	for k, v := range s.addresses {
		snap.Addresses[k] = v
	}
	for k, v := range s.bools {
		snap.Bools[k] = v
	}
	for k, set := range s.hashSets {
		if set.Count() > 0 {
			snap.HashSets[k] = set.Values()
		}
	}
	for k, set := range s.addressSets {
		if set.Count() > 0 {
			snap.AddressSets[k] = set.Values()
		}
	}
	return snap
}

// Import replaces the whole state with snap and clears the journal.
func (s *Store) Import(snap *Snapshot) error {
	for k, v := range snap.Ints {
		if err := fpmath.CheckInt256(v); err != nil {
			return types.ErrOverflow.Wrapf("snapshot int %s", k.Hex())
		}
	}

	s.journal.Commit()

	s.uints = make(map[common.Hash]uint256.Int, len(snap.Uints))
	for k, v := range snap.Uints {
		if v != nil && !v.IsZero() {
			s.uints[k] = *v
		}
	}
	s.ints = make(map[common.Hash]*big.Int, len(snap.Ints))
	for k, v := range snap.Ints {
		if v != nil && v.Sign() != 0 {
			s.ints[k] = new(big.Int).Set(v)
		}
	}
	s.addresses = make(map[common.Hash]common.Address, len(snap.Addresses))
	for k, v := range snap.Addresses {
		s.addresses[k] = v
	}
	s.bools = make(map[common.Hash]bool, len(snap.Bools))
	for k, v := range snap.Bools {
		if v {
			s.bools[k] = true
		}
	}
	s.hashSets = make(map[common.Hash]*OrderedSet[common.Hash], len(snap.HashSets))
	for k, values := range snap.HashSets {
		s.hashSet(k).reset(values)
	}
	s.addressSets = make(map[common.Hash]*OrderedSet[common.Address], len(snap.AddressSets))
	for k, values := range snap.AddressSets {
		s.addressSet(k).reset(values)
	}
	s.balances.restore(snap.Balances, snap.Supplies)
	return nil
}
