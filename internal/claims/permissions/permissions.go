// Package permissions answers "may this player do that here" from the
// registry cache alone. It never waits on the repository.
package permissions

import "claimcraft.ai/internal/claims/model"

// Cache is the read side of registry.Store used here.
type Cache interface {
	Peek(k model.CellKey) (cl model.Claim, found, loaded bool)
	Member(scope model.Scope, player model.PlayerID) (model.Member, bool)
	IsBanned(scope model.Scope, player model.PlayerID) bool
}

type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
	ClaimID int64  `json:"claim_id,omitempty"`
	Role    string `json:"role,omitempty"`
}

const (
	ReasonWilderness = "wilderness"
	ReasonNotLoaded  = "not_loaded"
	ReasonBanned     = "banned"
	ReasonLocked     = "locked"
	ReasonOwner      = "owner"
	ReasonTrusted    = "trusted"
	ReasonMask       = "mask"
)

type Authorizer struct {
	cache Cache
}

func New(cache Cache) *Authorizer { return &Authorizer{cache: cache} }

// Allowed is the role table: owners and trusted members may do anything,
// members are checked against the member mask and everyone else against the
// visitor mask.
func Allowed(role model.Role, capability, visitor, member model.Capability) bool {
	switch role {
	case model.RoleOwner, model.RoleTrusted:
		return true
	case model.RoleMember:
		return member.Has(capability)
	default:
		return visitor.Has(capability)
	}
}

// roleOf resolves actor's role on cl. Claim membership wins over region
// membership.
func (a *Authorizer) roleOf(actor model.PlayerID, cl model.Claim) model.Role {
	if actor == cl.Owner {
		return model.RoleOwner
	}
	if m, ok := a.cache.Member(model.ClaimScope(cl.ID), actor); ok {
		return m.Role
	}
	if cl.RegionID != 0 {
		if m, ok := a.cache.Member(model.RegionScope(cl.RegionID), actor); ok {
			return m.Role
		}
	}
	return model.RoleVisitor
}

func (a *Authorizer) banned(actor model.PlayerID, cl model.Claim) bool {
	if a.cache.IsBanned(model.ClaimScope(cl.ID), actor) {
		return true
	}
	return cl.RegionID != 0 && a.cache.IsBanned(model.RegionScope(cl.RegionID), actor)
}

// Authorize decides whether actor may use capability in cell k.
//
// An unclaimed cell is wilderness only when the cache is fully loaded;
// before that the answer is deny. While not loaded, a cached claim admits
// its owner only, since memberships and bans may be missing.
func (a *Authorizer) Authorize(actor model.PlayerID, k model.CellKey, capability model.Capability) Decision {
	cl, found, loaded := a.cache.Peek(k)
	if !found {
		if loaded {
			return Decision{Allowed: true, Reason: ReasonWilderness}
		}
		return Decision{Reason: ReasonNotLoaded}
	}
	d := Decision{ClaimID: cl.ID}
	if actor == cl.Owner {
		d.Allowed, d.Reason, d.Role = true, ReasonOwner, model.RoleOwner.String()
		return d
	}
	if !loaded {
		d.Reason = ReasonNotLoaded
		return d
	}
	if a.banned(actor, cl) {
		d.Reason = ReasonBanned
		return d
	}
	role := a.roleOf(actor, cl)
	d.Role = role.String()
	d.Allowed = Allowed(role, capability, cl.Visitor, cl.Member)
	if role == model.RoleTrusted {
		d.Reason = ReasonTrusted
	} else {
		d.Reason = ReasonMask
	}
	return d
}

// CanEnter decides whether actor may walk into cell k. Banned players are
// kept out everywhere in the claim; a locked claim admits only its owner
// and members. Movement is not blocked while the cache is loading.
func (a *Authorizer) CanEnter(actor model.PlayerID, k model.CellKey) Decision {
	cl, found, loaded := a.cache.Peek(k)
	if !found {
		if loaded {
			return Decision{Allowed: true, Reason: ReasonWilderness}
		}
		return Decision{Allowed: true, Reason: ReasonNotLoaded}
	}
	d := Decision{ClaimID: cl.ID}
	if actor == cl.Owner {
		d.Allowed, d.Reason, d.Role = true, ReasonOwner, model.RoleOwner.String()
		return d
	}
	if a.banned(actor, cl) {
		d.Reason = ReasonBanned
		return d
	}
	role := a.roleOf(actor, cl)
	d.Role = role.String()
	if cl.Locked && role == model.RoleVisitor {
		d.Reason = ReasonLocked
		return d
	}
	d.Allowed = true
	d.Reason = ReasonMask
	return d
}
