package chain

import (
	"encoding/binary"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// SimulatedChain mines deterministic blocks on demand. Used by tests and dev mode.
type SimulatedChain struct {
	mu       sync.RWMutex
	seed     common.Hash
	number   uint64
	gasPrice *uint256.Int
}

func NewSimulatedChain(seed string, startBlock uint64, gasPrice *uint256.Int) *SimulatedChain {
	return &SimulatedChain{
		seed:     crypto.Keccak256Hash([]byte(seed)),
		number:   startBlock,
		gasPrice: gasPrice.Clone(),
	}
}

func (c *SimulatedChain) BlockNumber() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.number
}

// BlockHash is defined for every block up to the head.
func (c *SimulatedChain) BlockHash(number uint64) (common.Hash, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if number > c.number {
		return common.Hash{}, false
	}
	return c.hashOf(number), true
}

func (c *SimulatedChain) GasPrice() *uint256.Int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gasPrice.Clone()
}

// Mine advances the head by n blocks and returns the new block number.
func (c *SimulatedChain) Mine(n uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.number += n
	return c.number
}

func (c *SimulatedChain) SetGasPrice(price *uint256.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gasPrice = price.Clone()
}

func (c *SimulatedChain) hashOf(number uint64) common.Hash {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], number)
	return crypto.Keccak256Hash(c.seed[:], buf[:])
}
