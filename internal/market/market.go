package market

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"PerpSettle/internal/types"
)

// Market is a pool of a long and a short collateral token that backs positions
// on an index token. All accounting is keyed by MarketToken.
type Market struct {
	MarketToken common.Address `json:"market_token"`
	IndexToken  common.Address `json:"index_token"`
	LongToken   common.Address `json:"long_token"`
	ShortToken  common.Address `json:"short_token"`
}

// TokenAddress derives the market token of an (index, long, short) triple.
func TokenAddress(index, long, short common.Address) common.Address {
	hash := crypto.Keccak256(
		[]byte("PERP_MARKET"),
		common.LeftPadBytes(index.Bytes(), 32),
		common.LeftPadBytes(long.Bytes(), 32),
		common.LeftPadBytes(short.Bytes(), 32),
	)
	return common.BytesToAddress(hash[12:])
}

// HasToken reports whether token is the long or short token of m.
func (m Market) HasToken(token common.Address) bool {
	return token == m.LongToken || token == m.ShortToken
}

// OtherToken returns the collateral token on the opposite side of token.
func (m Market) OtherToken(token common.Address) (common.Address, error) {
	switch token {
	case m.LongToken:
		return m.ShortToken, nil
	case m.ShortToken:
		return m.LongToken, nil
	default:
		return common.Address{}, types.ErrInvalidToken.Wrapf("%s not in market %s", token.Hex(), m.MarketToken.Hex())
	}
}

// CollateralTokenFor returns the token that backs the given side.
func (m Market) CollateralTokenFor(isLong bool) common.Address {
	if isLong {
		return m.LongToken
	}
	return m.ShortToken
}
