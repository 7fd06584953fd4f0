package oracle

import (
	"github.com/ethereum/go-ethereum/common"

	"PerpSettle/internal/ledger"
	"PerpSettle/internal/types"
)

// SignerRegistry is the set of addresses allowed to sign price-sets.
type SignerRegistry struct {
	store *ledger.Store
}

func NewSignerRegistry(store *ledger.Store) *SignerRegistry {
	return &SignerRegistry{store: store}
}

func (r *SignerRegistry) AddSigner(signer common.Address) error {
	if signer == (common.Address{}) {
		return types.ErrEmptyAccount.Wrap("oracle signer")
	}
	r.store.AddAddress(ledger.OracleSignerListKey, signer)
	return nil
}

func (r *SignerRegistry) RemoveSigner(signer common.Address) {
	r.store.RemoveAddress(ledger.OracleSignerListKey, signer)
}

func (r *SignerRegistry) IsSigner(signer common.Address) bool {
	return r.store.ContainsAddress(ledger.OracleSignerListKey, signer)
}

func (r *SignerRegistry) Signers() []common.Address {
	return r.store.AddressValues(ledger.OracleSignerListKey, 0, r.store.AddressCount(ledger.OracleSignerListKey))
}

func (r *SignerRegistry) Count() int {
	return r.store.AddressCount(ledger.OracleSignerListKey)
}
