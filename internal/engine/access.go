package engine

import (
	"github.com/davencooke/predmarket/internal/domain"
)

// accessList is an owner plus a set of admins. The owner is seeded as the
// first admin and can never be removed; there is no revocation path for the
// owner at all. Callers must hold the enclosing aggregate's lock.
type accessList struct {
	owner  domain.Identity
	admins map[domain.Identity]struct{}
}

func newAccessList(owner domain.Identity) *accessList {
	return &accessList{
		owner:  owner,
		admins: map[domain.Identity]struct{}{owner: {}},
	}
}

// addAdmin grants admin status. The caller must already be an admin.
// Granting to an existing admin is a no-op, not an error.
func (a *accessList) addAdmin(caller, id domain.Identity) error {
	if !a.isAdmin(caller) {
		return domain.ErrUnauthorized
	}
	a.admins[id] = struct{}{}
	return nil
}

func (a *accessList) isAdmin(id domain.Identity) bool {
	_, ok := a.admins[id]
	return ok
}

// list returns the current admin set in unspecified order.
func (a *accessList) list() []domain.Identity {
	out := make([]domain.Identity, 0, len(a.admins))
	for id := range a.admins {
		out = append(out, id)
	}
	return out
}
