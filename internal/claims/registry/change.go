package registry

import "claimcraft.ai/internal/claims/model"

// Change lists the cache edits a confirmed mutation implies. Deletes are
// applied before puts.
type Change struct {
	PutClaims    []model.Claim
	DeleteClaims []int64

	PutRegions    []model.Region
	DeleteRegions []int64

	PutMembers    []model.Member
	DeleteMembers []MemberKey

	PutBans    []model.BanEntry
	DeleteBans []MemberKey

	PutCells    []model.ResourceCell
	DeleteCells []int64 // region ids

	// Owners whose claim lists must be dropped in addition to the owners
	// of the claims touched above (e.g. the previous owner on transfer).
	InvalidateOwners []model.PlayerID
}

type MemberKey struct {
	Scope  model.Scope
	Player model.PlayerID
}

func (c Change) Empty() bool {
	return len(c.PutClaims) == 0 && len(c.DeleteClaims) == 0 &&
		len(c.PutRegions) == 0 && len(c.DeleteRegions) == 0 &&
		len(c.PutMembers) == 0 && len(c.DeleteMembers) == 0 &&
		len(c.PutBans) == 0 && len(c.DeleteBans) == 0 &&
		len(c.PutCells) == 0 && len(c.DeleteCells) == 0 &&
		len(c.InvalidateOwners) == 0
}

// Merge appends o to c.
func (c Change) Merge(o Change) Change {
	c.PutClaims = append(c.PutClaims, o.PutClaims...)
	c.DeleteClaims = append(c.DeleteClaims, o.DeleteClaims...)
	c.PutRegions = append(c.PutRegions, o.PutRegions...)
	c.DeleteRegions = append(c.DeleteRegions, o.DeleteRegions...)
	c.PutMembers = append(c.PutMembers, o.PutMembers...)
	c.DeleteMembers = append(c.DeleteMembers, o.DeleteMembers...)
	c.PutBans = append(c.PutBans, o.PutBans...)
	c.DeleteBans = append(c.DeleteBans, o.DeleteBans...)
	c.PutCells = append(c.PutCells, o.PutCells...)
	c.DeleteCells = append(c.DeleteCells, o.DeleteCells...)
	c.InvalidateOwners = append(c.InvalidateOwners, o.InvalidateOwners...)
	return c
}
