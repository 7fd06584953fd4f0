package position

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// Key identifies a position. An account holds at most one position per
// (market, collateral token, side).
type Key struct {
	Account         common.Address `json:"account"`
	Market          common.Address `json:"market"`
	CollateralToken common.Address `json:"collateral_token"`
	IsLong          bool           `json:"is_long"`
}

// Hash is the storage key of the position.
func (k Key) Hash() common.Hash {
	side := byte(0)
	if k.IsLong {
		side = 1
	}
	return crypto.Keccak256Hash(k.Account[:], k.Market[:], k.CollateralToken[:], []byte{side})
}

// Position is an open leveraged exposure. SizeInUsd is the entry notional,
// SizeInTokens the index-token amount it bought, BorrowingFactor the cumulative
// borrowing factor at the last settlement.
type Position struct {
	Account          common.Address `json:"account"`
	Market           common.Address `json:"market"`
	CollateralToken  common.Address `json:"collateral_token"`
	IsLong           bool           `json:"is_long"`
	SizeInUsd        *uint256.Int   `json:"size_in_usd"`
	SizeInTokens     *uint256.Int   `json:"size_in_tokens"`
	CollateralAmount *uint256.Int   `json:"collateral_amount"`
	BorrowingFactor  *uint256.Int   `json:"borrowing_factor"`
	IncreasedAtBlock uint64         `json:"increased_at_block"`
	DecreasedAtBlock uint64         `json:"decreased_at_block"`
}

// New returns an empty position for key.
func New(key Key) Position {
	return Position{
		Account:          key.Account,
		Market:           key.Market,
		CollateralToken:  key.CollateralToken,
		IsLong:           key.IsLong,
		SizeInUsd:        new(uint256.Int),
		SizeInTokens:     new(uint256.Int),
		CollateralAmount: new(uint256.Int),
		BorrowingFactor:  new(uint256.Int),
	}
}

func (p Position) Key() Key {
	return Key{
		Account:         p.Account,
		Market:          p.Market,
		CollateralToken: p.CollateralToken,
		IsLong:          p.IsLong,
	}
}

// IsEmpty reports whether the position has no size.
func (p Position) IsEmpty() bool {
	return p.SizeInUsd == nil || p.SizeInUsd.IsZero()
}

// CanonicalBytes returns a deterministic serialization for state hashing.
func (p Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 3*20+1+4*32+16)

	buf = append(buf, p.Account[:]...)
	buf = append(buf, p.Market[:]...)
	buf = append(buf, p.CollateralToken[:]...)
	if p.IsLong {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}

	for _, v := range []*uint256.Int{p.SizeInUsd, p.SizeInTokens, p.CollateralAmount, p.BorrowingFactor} {
		if v == nil {
			v = new(uint256.Int)
		}
		word := v.Bytes32()
		buf = append(buf, word[:]...)
	}

	buf = binary.BigEndian.AppendUint64(buf, p.IncreasedAtBlock)
	buf = binary.BigEndian.AppendUint64(buf, p.DecreasedAtBlock)
	return buf
}
