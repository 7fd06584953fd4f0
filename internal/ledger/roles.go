package ledger

import (
	"github.com/ethereum/go-ethereum/common"

	"PerpSettle/internal/types"
)

// RoleStore keeps role membership in the ledger so grants and revocations are
// journaled and snapshotted with the rest of the state.
type RoleStore struct {
	store *Store
}

func NewRoleStore(store *Store) *RoleStore {
	return &RoleStore{store: store}
}

func (r *RoleStore) HasRole(account common.Address, role string) bool {
	return r.store.ContainsAddress(RoleMembers(role), account)
}

// GrantRole adds account to role. Granting an existing member is a no-op.
func (r *RoleStore) GrantRole(account common.Address, role string) error {
	if account == (common.Address{}) {
		return types.ErrEmptyAccount.Wrapf("grant %s", role)
	}
	r.store.AddHash(RoleListKey, hashString(role))
	r.store.AddAddress(RoleMembers(role), account)
	return nil
}

func (r *RoleStore) RevokeRole(account common.Address, role string) {
	r.store.RemoveAddress(RoleMembers(role), account)
}

// Members returns every holder of role.
func (r *RoleStore) Members(role string) []common.Address {
	set := RoleMembers(role)
	return r.store.AddressValues(set, 0, r.store.AddressCount(set))
}

// RequireRole returns ErrUnauthorized unless account holds role.
func (r *RoleStore) RequireRole(account common.Address, role string) error {
	if !r.HasRole(account, role) {
		return types.ErrUnauthorized.Wrapf("%s lacks %s", account.Hex(), role)
	}
	return nil
}
