package oracle

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"PerpSettle/internal/chain"
	"PerpSettle/internal/ledger"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/types"
)

// ValidatedPrices are the full-precision prices of a price-set that passed
// every gateway check.
type ValidatedPrices struct {
	blockNumber uint64
	blockHash   common.Hash
	prices      map[common.Address]*uint256.Int
}

func (v *ValidatedPrices) BlockNumber() uint64 {
	return v.blockNumber
}

func (v *ValidatedPrices) BlockHash() common.Hash {
	return v.blockHash
}

// PriceOf returns the price of token in USD per smallest unit, scaled by 1e30.
func (v *ValidatedPrices) PriceOf(token common.Address) (*uint256.Int, error) {
	p, ok := v.prices[token]
	if !ok {
		return nil, types.ErrMissingPrice.Wrapf("token %s at block %d", token.Hex(), v.blockNumber)
	}
	return p.Clone(), nil
}

// Gateway authenticates price-sets against the chain and the signer registry.
type Gateway struct {
	store   *ledger.Store
	chain   chain.Context
	signers *SignerRegistry
	salt    common.Hash
}

func NewGateway(store *ledger.Store, chainCtx chain.Context, salt common.Hash) *Gateway {
	return &Gateway{
		store:   store,
		chain:   chainCtx,
		signers: NewSignerRegistry(store),
		salt:    salt,
	}
}

func (g *Gateway) Signers() *SignerRegistry {
	return g.signers
}

func (g *Gateway) Salt() common.Hash {
	return g.salt
}

// SetChain swaps the chain context. Used when replaying with a pinned head.
func (g *Gateway) SetChain(chainCtx chain.Context) {
	g.chain = chainCtx
}

// Validate runs, in order: shape checks, block window, block hash, signer quorum,
// then precision expansion.
func (g *Gateway) Validate(ps *PriceSet) (*ValidatedPrices, error) {
	if ps == nil {
		return nil, types.ErrInvalidPriceSet.Wrap("nil price set")
	}
	if err := g.validateShape(ps); err != nil {
		return nil, err
	}
	if err := g.validateWindow(ps.BlockNumber); err != nil {
		return nil, err
	}

	expected, ok := g.chain.BlockHash(ps.BlockNumber)
	if !ok || expected != ps.BlockHash {
		return nil, types.ErrBlockHashMismatch.Wrapf("block %d: got %s", ps.BlockNumber, ps.BlockHash.Hex())
	}

	if err := g.validateSigners(ps); err != nil {
		return nil, err
	}

	prices := make(map[common.Address]*uint256.Int, len(ps.Tokens))
	for i, token := range ps.Tokens {
		precision := g.store.GetUint(ledger.OraclePrecision(token))
		if precision.IsZero() {
			return nil, types.ErrMissingOraclePrecision.Wrapf("token %s", token.Hex())
		}
		price, err := fpmath.Mul(ps.Prices[i], precision)
		if err != nil {
			return nil, types.ErrInvalidPriceSet.Wrapf("price of %s: %s", token.Hex(), err)
		}
		prices[token] = price
	}

	return &ValidatedPrices{
		blockNumber: ps.BlockNumber,
		blockHash:   ps.BlockHash,
		prices:      prices,
	}, nil
}

// ValidateAt validates ps and additionally requires it to be bound to block.
func (g *Gateway) ValidateAt(ps *PriceSet, block uint64) (*ValidatedPrices, error) {
	prices, err := g.Validate(ps)
	if err != nil {
		return nil, err
	}
	if prices.BlockNumber() != block {
		return nil, types.ErrOracleBlockMismatch.Wrapf("price set block %d, request block %d", prices.BlockNumber(), block)
	}
	return prices, nil
}

func (g *Gateway) validateShape(ps *PriceSet) error {
	if len(ps.Tokens) == 0 {
		return types.ErrInvalidPriceSet.Wrap("no tokens")
	}
	if len(ps.Tokens) != len(ps.Prices) {
		return types.ErrInvalidPriceSet.Wrapf("%d tokens, %d prices", len(ps.Tokens), len(ps.Prices))
	}

	seen := make(map[common.Address]struct{}, len(ps.Tokens))
	for i, token := range ps.Tokens {
		if _, dup := seen[token]; dup {
			return types.ErrInvalidPriceSet.Wrapf("duplicate token %s", token.Hex())
		}
		seen[token] = struct{}{}

		if ps.Prices[i] == nil || ps.Prices[i].IsZero() {
			return types.ErrInvalidPriceSet.Wrapf("zero price for %s", token.Hex())
		}
	}
	return nil
}

// validateWindow accepts blocks in [current - maxAge, current - minConfirmations].
// A zero max age disables the staleness bound.
func (g *Gateway) validateWindow(block uint64) error {
	current := g.chain.BlockNumber()
	minConfirmations := g.store.GetUint64(ledger.MinOracleBlockConfirmationsKey)
	maxAge := g.store.GetUint64(ledger.MaxOracleBlockAgeKey)

	if block > current || current-block < minConfirmations {
		return types.ErrPrematurePrice.Wrapf("block %d, current %d, confirmations required %d", block, current, minConfirmations)
	}
	if maxAge != 0 && current-block > maxAge {
		return types.ErrStalePrice.Wrapf("block %d, current %d, max age %d", block, current, maxAge)
	}
	return nil
}

func (g *Gateway) validateSigners(ps *PriceSet) error {
	required := g.store.GetUint64(ledger.MinOracleSignersKey)
	if required == 0 {
		required = 1
	}
	if uint64(len(ps.Signatures)) < required {
		return types.ErrInsufficientSigners.Wrapf("%d signatures, %d required", len(ps.Signatures), required)
	}

	digest := ps.Digest(g.salt)
	seen := make(map[common.Address]struct{}, len(ps.Signatures))
	for i, sig := range ps.Signatures {
		signer, err := RecoverSigner(digest, sig)
		if err != nil {
			return types.ErrInvalidSignature.Wrapf("signature %d: %s", i, err)
		}
		if !g.signers.IsSigner(signer) {
			return types.ErrUnknownSigner.Wrapf("signature %d from %s", i, signer.Hex())
		}
		if _, dup := seen[signer]; dup {
			return types.ErrDuplicateSigner.Wrapf("signature %d from %s", i, signer.Hex())
		}
		seen[signer] = struct{}{}
	}
	return nil
}
