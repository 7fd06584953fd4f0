package ledger

// OrderedSet is an insertion-ordered set with O(1) add, remove and membership.
// Removal swaps the last element into the freed slot, so order is stable only
// between removals. Every mutation is journaled.
type OrderedSet[T comparable] struct {
	journal *Journal
	values  []T
	index   map[T]int
}

func NewOrderedSet[T comparable](journal *Journal) *OrderedSet[T] {
	return &OrderedSet[T]{
		journal: journal,
		index:   make(map[T]int),
	}
}

// Add inserts v and reports whether it was absent.
func (s *OrderedSet[T]) Add(v T) bool {
	if _, ok := s.index[v]; ok {
		return false
	}

	s.index[v] = len(s.values)
	s.values = append(s.values, v)

	s.journal.Append(func() {
		delete(s.index, v)
		s.values = s.values[:len(s.values)-1]
	})
	return true
}

// Remove deletes v and reports whether it was present.
func (s *OrderedSet[T]) Remove(v T) bool {
	i, ok := s.index[v]
	if !ok {
		return false
	}

	last := len(s.values) - 1
	moved := s.values[last]
	s.values[i] = moved
	s.index[moved] = i
	s.values = s.values[:last]
	delete(s.index, v)

	s.journal.Append(func() {
		s.values = append(s.values, moved)
		s.values[i] = v
		s.index[moved] = last
		s.index[v] = i
	})
	return true
}

func (s *OrderedSet[T]) Contains(v T) bool {
	_, ok := s.index[v]
	return ok
}

func (s *OrderedSet[T]) Count() int {
	return len(s.values)
}

// Values returns a copy of all members.
func (s *OrderedSet[T]) Values() []T {
	out := make([]T, len(s.values))
	copy(out, s.values)
	return out
}

// Range returns members in [start, end), clamped to the set size.
func (s *OrderedSet[T]) Range(start, end int) []T {
	if start < 0 {
		start = 0
	}
	if end > len(s.values) {
		end = len(s.values)
	}
	if start >= end {
		return []T{}
	}

	out := make([]T, end-start)
	copy(out, s.values[start:end])
	return out
}

// reset replaces the contents without journaling. Used by Import.
func (s *OrderedSet[T]) reset(values []T) {
	s.values = make([]T, 0, len(values))
	s.index = make(map[T]int, len(values))
	for _, v := range values {
		if _, ok := s.index[v]; ok {
			continue
		}
		s.index[v] = len(s.values)
		s.values = append(s.values, v)
	}
}
