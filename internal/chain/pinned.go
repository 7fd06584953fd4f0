package chain

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Pinned replays a recorded head. Block hashes are those that were seen when the
// command log was written.
type Pinned struct {
	head   Head
	hashes map[uint64]common.Hash
}

func NewPinned(head Head, hashes map[uint64]common.Hash) *Pinned {
	gasPrice := head.GasPrice
	if gasPrice == nil {
		gasPrice = new(uint256.Int)
	}
	return &Pinned{
		head:   Head{BlockNumber: head.BlockNumber, GasPrice: gasPrice.Clone()},
		hashes: hashes,
	}
}

func (p *Pinned) BlockNumber() uint64 {
	return p.head.BlockNumber
}

func (p *Pinned) BlockHash(number uint64) (common.Hash, bool) {
	h, ok := p.hashes[number]
	return h, ok
}

func (p *Pinned) GasPrice() *uint256.Int {
	return p.head.GasPrice.Clone()
}

// Frozen fixes the head of a live context for the duration of one command while
// still resolving block hashes against it.
type Frozen struct {
	head Head
	live Context
}

func Freeze(live Context) *Frozen {
	return &Frozen{head: Capture(live), live: live}
}

func (f *Frozen) Head() Head {
	return Head{BlockNumber: f.head.BlockNumber, GasPrice: f.head.GasPrice.Clone()}
}

func (f *Frozen) BlockNumber() uint64 {
	return f.head.BlockNumber
}

func (f *Frozen) BlockHash(number uint64) (common.Hash, bool) {
	if number > f.head.BlockNumber {
		return common.Hash{}, false
	}
	return f.live.BlockHash(number)
}

func (f *Frozen) GasPrice() *uint256.Int {
	return f.head.GasPrice.Clone()
}
