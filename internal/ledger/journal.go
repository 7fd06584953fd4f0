package ledger

import "fmt"

// Journal records one undo closure per state mutation. A command that fails part-way
// reverts to the snapshot taken before it started, so no partial effect survives.
type Journal struct {
	entries []func()
}

func NewJournal() *Journal {
	return &Journal{
		entries: make([]func(), 0, 64),
	}
}

// Append registers the undo step for a mutation that has just been applied.
func (j *Journal) Append(undo func()) {
	j.entries = append(j.entries, undo)
}

// Snapshot returns an identifier for the current journal position.
func (j *Journal) Snapshot() int {
	return len(j.entries)
}

// RevertToSnapshot undoes every mutation recorded after id, newest first.
func (j *Journal) RevertToSnapshot(id int) {
	if id < 0 || id > len(j.entries) {
		panic(fmt.Sprintf("FATAL: journal snapshot %d out of range (length %d)", id, len(j.entries)))
	}

	for i := len(j.entries) - 1; i >= id; i-- {
		j.entries[i]()
		j.entries[i] = nil
	}
	j.entries = j.entries[:id]
}

// Commit discards the undo history. Mutations applied so far become permanent.
func (j *Journal) Commit() {
	for i := range j.entries {
		j.entries[i] = nil
	}
	j.entries = j.entries[:0]
}

// Length returns the number of pending undo entries.
func (j *Journal) Length() int {
	return len(j.entries)
}
